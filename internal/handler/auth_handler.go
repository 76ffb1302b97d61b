package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"security-core/internal/models"
	"security-core/internal/service"
	"security-core/internal/util"
)

// AuthHandler serves registration, login and session endpoints.
type AuthHandler struct {
	base
	auth  *service.AuthService
	creds *service.CredentialService
}

func NewAuthHandler(auth *service.AuthService, creds *service.CredentialService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{base: base{logger: logger}, auth: auth, creds: creds}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFAToken string `json:"mfa_token,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type loginResponse struct {
	User   *models.User      `json:"user"`
	Tokens *models.TokenPair `json:"tokens"`
}

// RegisterPublicRoutes registers the endpoints that do not need a session.
func (h *AuthHandler) RegisterPublicRoutes(r chi.Router) {
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Post("/refresh", h.Refresh)
}

// RegisterRoutes registers the endpoints that run behind Authenticate.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Post("/logout", h.Logout)
	r.Post("/logout-all", h.LogoutAll)
	r.Post("/password", h.ChangePassword)
	r.Get("/sessions", h.ListSessions)
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	user, err := h.auth.Register(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		h.fail(w, err, "Failed to register user")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(user, "User registered successfully"))
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.auth.Login(r.Context(), service.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
		MFAToken: req.MFAToken,
		Meta:     requestMeta(r),
	})
	if err != nil {
		h.fail(w, err, "Login failed")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	h.respondWithJSON(w, http.StatusOK, successResponse(loginResponse{User: result.User, Tokens: result.Tokens}, "Login successful"))
	h.logger.Debug("Login via HTTP",
		util.String("user_id", result.User.UserID),
		util.Duration("duration", time.Since(startTime)),
	)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.RefreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, models.ErrValidation, "refresh_token is required")
		return
	}

	tokens, err := h.auth.Refresh(r.Context(), req.RefreshToken, requestMeta(r))
	if err != nil {
		h.fail(w, err, "Failed to refresh session")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.respondWithJSON(w, http.StatusOK, successResponse(tokens, "Session refreshed"))
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	rc, _ := FromContext(r.Context())

	// The body is optional; without it only the session ends.
	var req refreshRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
			return
		}
	}

	if err := h.auth.Logout(r.Context(), rc.UserID, rc.SessionID, req.RefreshToken, rc.IPAddress); err != nil {
		h.fail(w, err, "Failed to log out")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	rc, _ := FromContext(r.Context())

	n, err := h.auth.LogoutAll(r.Context(), rc.UserID, rc.IPAddress)
	if err != nil {
		h.fail(w, err, "Failed to log out sessions")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int{"sessions_revoked": n}, "All sessions revoked"))
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	rc, _ := FromContext(r.Context())

	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.auth.ChangePassword(r.Context(), rc.UserID, req.CurrentPassword, req.NewPassword, requestMeta(r)); err != nil {
		h.fail(w, err, "Failed to change password")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password changed, please log in again"))
}

func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	rc, _ := FromContext(r.Context())

	sessions, err := h.creds.ListUserSessions(r.Context(), rc.UserID)
	if err != nil {
		h.fail(w, err, "Failed to list sessions")
		return
	}
	resp := successResponse(sessions, "")
	resp.Meta = &Meta{Total: len(sessions)}
	h.respondWithJSON(w, http.StatusOK, resp)
}
