package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"security-core/internal/models"
	"security-core/internal/service"
	"security-core/internal/util"
)

// AuditHandler serves audit trail queries. Every query is itself audited.
type AuditHandler struct {
	base
	audit *service.AuditService
}

func NewAuditHandler(audit *service.AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{base: base{logger: logger}, audit: audit}
}

func (h *AuditHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Query)
}

func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	rc, _ := FromContext(r.Context())

	f, err := parseAuditFilter(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid audit filter")
		return
	}

	events, err := h.audit.Query(r.Context(), f)
	if err != nil {
		h.fail(w, err, "Failed to query audit events")
		return
	}

	_, err = h.audit.LogDataAccessEvent(r.Context(), service.DataAccess{
		EventType:    "audit_query",
		UserID:       rc.UserID,
		IPAddress:    rc.IPAddress,
		ResourceType: "audit_events",
		ResourceID:   f.UserID,
		Action:       "read",
		NewValues:    map[string]any{"event_type": f.EventType, "ip_address": f.IPAddress, "results": len(events)},
	})
	if err != nil {
		h.logger.Error("Failed to audit audit query", util.String("user_id", rc.UserID), util.ErrorField(err))
	}

	resp := successResponse(events, "")
	resp.Meta = &Meta{Total: len(events), PageSize: f.Limit}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func parseAuditFilter(r *http.Request) (models.AuditFilter, error) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		return models.AuditFilter{}, err
	}
	f := models.AuditFilter{
		UserID:    q.Get("user_id"),
		EventType: q.Get("event_type"),
		IPAddress: q.Get("ip_address"),
		Limit:     limit,
	}
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, err
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return f, fmt.Errorf("%w: until is before since", models.ErrValidation)
	}
	return f, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamps must be RFC3339", models.ErrValidation)
	}
	return t, nil
}
