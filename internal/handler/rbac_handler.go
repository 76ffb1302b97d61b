package handler

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"security-core/internal/models"
	"security-core/internal/service"
	"security-core/internal/util"
)

// RBACHandler manages permissions, roles and role assignments.
type RBACHandler struct {
	base
	rbac  *service.RBACService
	audit *service.AuditService
}

func NewRBACHandler(rbac *service.RBACService, audit *service.AuditService, logger *zap.Logger) *RBACHandler {
	return &RBACHandler{base: base{logger: logger}, rbac: rbac, audit: audit}
}

type createPermissionRequest struct {
	Name        string `json:"name"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type assignRoleRequest struct {
	RoleID int64 `json:"role_id"`
}

func (h *RBACHandler) RegisterRoutes(r chi.Router) {
	r.Route("/permissions", func(r chi.Router) {
		r.Post("/", h.CreatePermission)
		r.Get("/", h.ListPermissions)
	})
	r.Route("/roles", func(r chi.Router) {
		r.Post("/", h.CreateRole)
		r.Get("/", h.ListRoles)
		r.Get("/{roleID}", h.GetRole)
	})
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/roles", h.GetUserRoles)
		r.Post("/roles", h.AssignRole)
		r.Delete("/roles/{roleID}", h.RemoveRole)
		r.Get("/permissions", h.GetUserPermissions)
		r.Get("/check", h.CheckPermission)
	})
}

func (h *RBACHandler) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	p, err := h.rbac.CreatePermission(r.Context(), req.Name, req.Resource, req.Action, req.Description)
	if err != nil {
		h.fail(w, err, "Failed to create permission")
		return
	}
	h.record(r, "permission_created", "permission", p.Name, "create", map[string]any{"resource": p.Resource, "action": p.Action})
	h.respondWithJSON(w, http.StatusCreated, successResponse(p, "Permission created"))
}

func (h *RBACHandler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.rbac.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, err, "Failed to list permissions")
		return
	}
	resp := successResponse(perms, "")
	resp.Meta = &Meta{Total: len(perms)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *RBACHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	role, err := h.rbac.CreateRole(r.Context(), req.Name, req.Description, req.Permissions)
	if err != nil {
		h.fail(w, err, "Failed to create role")
		return
	}
	h.record(r, "role_created", "role", strconv.FormatInt(role.ID, 10), "create", map[string]any{"name": role.Name, "permissions": role.Permissions})
	h.respondWithJSON(w, http.StatusCreated, successResponse(role, "Role created"))
}

func (h *RBACHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.rbac.ListRoles(r.Context())
	if err != nil {
		h.fail(w, err, "Failed to list roles")
		return
	}
	resp := successResponse(roles, "")
	resp.Meta = &Meta{Total: len(roles)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *RBACHandler) GetRole(w http.ResponseWriter, r *http.Request) {
	id, err := roleIDParam(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid role ID")
		return
	}
	role, err := h.rbac.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, err, "Failed to get role")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(role, ""))
}

func (h *RBACHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.rbac.AssignRoleToUser(r.Context(), userID, req.RoleID); err != nil {
		h.fail(w, err, "Failed to assign role")
		return
	}
	h.record(r, "role_assigned", "user_role", userID, "assign", map[string]any{"role_id": req.RoleID})
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Role assigned"))
}

func (h *RBACHandler) RemoveRole(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	roleID, err := roleIDParam(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid role ID")
		return
	}

	if err := h.rbac.RemoveRoleFromUser(r.Context(), userID, roleID); err != nil {
		h.fail(w, err, "Failed to remove role")
		return
	}
	h.record(r, "role_removed", "user_role", userID, "remove", map[string]any{"role_id": roleID})
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Role removed"))
}

func (h *RBACHandler) GetUserRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.rbac.GetUserRoles(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, err, "Failed to get user roles")
		return
	}
	resp := successResponse(roles, "")
	resp.Meta = &Meta{Total: len(roles)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *RBACHandler) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	set, err := h.rbac.GetUserPermissions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, err, "Failed to get user permissions")
		return
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	resp := successResponse(names, "")
	resp.Meta = &Meta{Total: len(names)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *RBACHandler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	permission := r.URL.Query().Get("permission")
	if permission == "" {
		h.respondWithError(w, http.StatusBadRequest, models.ErrValidation, "permission query parameter is required")
		return
	}
	allowed, err := h.rbac.CheckPermission(r.Context(), chi.URLParam(r, "userID"), permission)
	if err != nil {
		h.fail(w, err, "Failed to check permission")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"allowed": allowed}, ""))
}

// record audits an RBAC mutation under the acting admin.
func (h *RBACHandler) record(r *http.Request, eventType, resourceType, resourceID, action string, values map[string]any) {
	rc, _ := FromContext(r.Context())
	_, err := h.audit.LogDataAccessEvent(r.Context(), service.DataAccess{
		EventType:    eventType,
		UserID:       rc.UserID,
		IPAddress:    rc.IPAddress,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       action,
		NewValues:    values,
	})
	if err != nil {
		h.logger.Error("Failed to audit rbac change",
			util.String("event_type", eventType),
			util.String("resource_id", resourceID),
			util.ErrorField(err),
		)
	}
}

func roleIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "roleID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: role id must be a positive integer", models.ErrValidation)
	}
	return id, nil
}
