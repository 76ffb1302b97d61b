package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"security-core/internal/models"
	"security-core/internal/service"
	"security-core/internal/util"
)

var (
	errMFAAlreadyEnabled = errors.New("mfa already enabled")
	errInvalidMFAToken   = errors.New("invalid mfa token")
)

// MFAHandler serves TOTP enrolment for the authenticated caller.
type MFAHandler struct {
	base
	mfa   *service.MFAService
	audit *service.AuditService
}

func NewMFAHandler(mfa *service.MFAService, audit *service.AuditService, logger *zap.Logger) *MFAHandler {
	return &MFAHandler{base: base{logger: logger}, mfa: mfa, audit: audit}
}

type mfaTokenRequest struct {
	Token string `json:"token"`
}

func (h *MFAHandler) RegisterRoutes(r chi.Router) {
	r.Post("/setup", h.Setup)
	r.Post("/verify-setup", h.VerifySetup)
	r.Post("/verify", h.Verify)
	r.Post("/disable", h.Disable)
	r.Get("/status", h.Status)
}

func (h *MFAHandler) Setup(w http.ResponseWriter, r *http.Request) {
	rc, _ := FromContext(r.Context())

	enabled, err := h.mfa.IsEnabled(r.Context(), rc.UserID)
	if err != nil {
		h.fail(w, err, "Failed to read mfa status")
		return
	}
	if enabled {
		h.respondWithError(w, http.StatusConflict, errMFAAlreadyEnabled, "Disable mfa before enrolling again")
		return
	}

	setup, err := h.mfa.SetupMFA(r.Context(), rc.UserID, rc.Email)
	if err != nil {
		h.fail(w, err, "Failed to start mfa setup")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.respondWithJSON(w, http.StatusOK, successResponse(setup, "Scan the code and confirm with a token"))
}

func (h *MFAHandler) VerifySetup(w http.ResponseWriter, r *http.Request) {
	rc, _ := FromContext(r.Context())

	var req mfaTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	ok, err := h.mfa.VerifyMFASetup(r.Context(), rc.UserID, req.Token)
	if err != nil {
		h.fail(w, err, "Failed to verify mfa setup")
		return
	}
	h.record(r, "mfa_enabled", rc, ok)
	if !ok {
		h.respondWithError(w, http.StatusBadRequest, errInvalidMFAToken, "Token rejected or no setup pending")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]models.MFAStatus{"status": models.MFAEnabled}, "MFA enabled"))
}

func (h *MFAHandler) Verify(w http.ResponseWriter, r *http.Request) {
	rc, _ := FromContext(r.Context())

	var req mfaTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	ok, err := h.mfa.VerifyMFAToken(r.Context(), rc.UserID, req.Token)
	if err != nil {
		h.fail(w, err, "Failed to verify mfa token")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"valid": ok}, ""))
}

// Disable requires a current token so a stolen session cannot strip MFA.
func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	rc, _ := FromContext(r.Context())

	var req mfaTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	ok, err := h.mfa.VerifyMFAToken(r.Context(), rc.UserID, req.Token)
	if err != nil {
		h.fail(w, err, "Failed to verify mfa token")
		return
	}
	if !ok {
		h.record(r, "mfa_disabled", rc, false)
		h.respondWithError(w, http.StatusUnauthorized, errInvalidMFAToken, "Failed to disable mfa")
		return
	}

	if err := h.mfa.DisableMFA(r.Context(), rc.UserID); err != nil {
		h.fail(w, err, "Failed to disable mfa")
		return
	}
	h.record(r, "mfa_disabled", rc, true)
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]models.MFAStatus{"status": models.MFADisabled}, "MFA disabled"))
}

func (h *MFAHandler) Status(w http.ResponseWriter, r *http.Request) {
	rc, _ := FromContext(r.Context())

	status, err := h.mfa.Status(r.Context(), rc.UserID)
	if err != nil {
		h.fail(w, err, "Failed to read mfa status")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]models.MFAStatus{"status": status}, ""))
}

func (h *MFAHandler) record(r *http.Request, eventType string, rc *RequestContext, success bool) {
	if _, err := h.audit.LogAuthenticationEvent(r.Context(), eventType, rc.UserID, rc.Email, rc.IPAddress, success, nil); err != nil {
		h.logger.Error("Failed to audit mfa change",
			util.String("event_type", eventType),
			util.String("user_id", rc.UserID),
			util.ErrorField(err),
		)
	}
}
