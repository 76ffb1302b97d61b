package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"security-core/internal/models"
	"security-core/internal/service"
	"security-core/internal/util"
)

// AlertSearcher runs full-text queries over indexed alerts.
type AlertSearcher interface {
	SearchAlerts(ctx context.Context, text string, size int) ([]models.SecurityAlert, error)
}

// AlertHandler exposes the alert queue and manual incident response.
type AlertHandler struct {
	base
	alerts   *service.AlertService
	creds    *service.CredentialService
	audit    *service.AuditService
	searcher AlertSearcher
	mw       *Middleware
}

// NewAlertHandler accepts a nil searcher; the search route is then not mounted.
func NewAlertHandler(alerts *service.AlertService, creds *service.CredentialService, audit *service.AuditService, searcher AlertSearcher, mw *Middleware, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{
		base:     base{logger: logger},
		alerts:   alerts,
		creds:    creds,
		audit:    audit,
		searcher: searcher,
		mw:       mw,
	}
}

type updateAlertStatusRequest struct {
	Status     models.AlertStatus `json:"status"`
	AssignedTo string             `json:"assigned_to"`
}

type blockIPRequest struct {
	IP       string `json:"ip"`
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}

func (h *AlertHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequirePermission("alerts:read"))
		r.Get("/", h.ListAlerts)
		r.Get("/recent", h.RecentAlerts)
		r.Get("/rules", h.Rules)
		if h.searcher != nil {
			r.Get("/search", h.SearchAlerts)
		}
		r.Get("/{alertID}", h.GetAlert)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequirePermission("alerts:manage"))
		r.Patch("/{alertID}/status", h.UpdateStatus)
		r.Post("/responses/ip-blocks", h.BlockIP)
		r.Delete("/responses/ip-blocks/{ip}", h.UnblockIP)
		r.Post("/responses/accounts/{userID}/unlock", h.UnlockAccount)
	})
}

func (h *AlertHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}
	q := r.URL.Query()
	alerts, err := h.alerts.ListAlerts(r.Context(), models.AlertFilter{
		Status:   models.AlertStatus(q.Get("status")),
		Category: models.ThreatCategory(q.Get("category")),
		SourceIP: q.Get("source_ip"),
		Limit:    limit,
	})
	if err != nil {
		h.fail(w, err, "Failed to list alerts")
		return
	}
	resp := successResponse(alerts, "")
	resp.Meta = &Meta{Total: len(alerts), PageSize: limit}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AlertHandler) RecentAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}
	alerts, err := h.alerts.RecentAlerts(r.Context(), limit)
	if err != nil {
		h.fail(w, err, "Failed to read recent alerts")
		return
	}
	resp := successResponse(alerts, "")
	resp.Meta = &Meta{Total: len(alerts), PageSize: limit}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AlertHandler) Rules(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, successResponse(h.alerts.Rules(), ""))
}

func (h *AlertHandler) SearchAlerts(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("q")
	if text == "" {
		h.respondWithError(w, http.StatusBadRequest, models.ErrValidation, "q query parameter is required")
		return
	}
	size, err := queryInt(r, "size", 20)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid size")
		return
	}
	hits, err := h.searcher.SearchAlerts(r.Context(), text, size)
	if err != nil {
		h.fail(w, models.Unavailable("search alerts", err), "Failed to search alerts")
		return
	}
	resp := successResponse(hits, "")
	resp.Meta = &Meta{Total: len(hits), PageSize: size}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AlertHandler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.alerts.GetAlert(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		h.fail(w, err, "Failed to get alert")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(alert, ""))
}

func (h *AlertHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateAlertStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	alert, err := h.alerts.UpdateAlertStatus(r.Context(), chi.URLParam(r, "alertID"), req.Status, req.AssignedTo)
	if err != nil {
		h.fail(w, err, "Failed to update alert status")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(alert, "Alert updated"))
}

func (h *AlertHandler) BlockIP(w http.ResponseWriter, r *http.Request) {
	rc, _ := FromContext(r.Context())

	var req blockIPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	var duration time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			h.respondWithError(w, http.StatusBadRequest, fmt.Errorf("%w: invalid duration", models.ErrValidation), "Invalid duration")
			return
		}
		duration = d
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual block by " + rc.UserID
	}

	if err := h.creds.BlockIP(r.Context(), req.IP, duration, reason); err != nil {
		h.fail(w, err, "Failed to block ip")
		return
	}
	h.record(r, "manual_ip_block", req.IP, map[string]any{"actor": rc.UserID, "duration": req.Duration, "reason": reason})
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "IP blocked"))
}

func (h *AlertHandler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	rc, _ := FromContext(r.Context())
	ip := chi.URLParam(r, "ip")

	if err := h.creds.UnblockIP(r.Context(), ip); err != nil {
		h.fail(w, err, "Failed to unblock ip")
		return
	}
	h.record(r, "manual_ip_unblock", ip, map[string]any{"actor": rc.UserID})
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "IP unblocked"))
}

func (h *AlertHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	rc, _ := FromContext(r.Context())
	userID := chi.URLParam(r, "userID")

	if err := h.creds.UnlockAccount(r.Context(), userID); err != nil {
		h.fail(w, err, "Failed to unlock account")
		return
	}
	h.record(r, "manual_account_unlock", rc.IPAddress, map[string]any{"actor": rc.UserID, "user_id": userID})
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Account unlocked"))
}

func (h *AlertHandler) record(r *http.Request, eventType, ip string, data map[string]any) {
	if _, err := h.audit.LogSecurityEvent(r.Context(), eventType, "manual incident response", ip, models.ThreatMedium, data); err != nil {
		h.logger.Error("Failed to audit incident response", util.String("event_type", eventType), util.ErrorField(err))
	}
}
