package handler

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"security-core/internal/models"
)

func TestRBACLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	_, token := s.admin(t)
	recruiter := s.register(t, "recruiter@example.com")

	code, _ := s.do(t, call{method: http.MethodPost, path: "/api/v1/rbac/permissions", token: token,
		body: createPermissionRequest{Name: "jobs:publish", Description: "Publish job postings"}})
	require.Equal(t, http.StatusCreated, code)

	code, _ = s.do(t, call{method: http.MethodPost, path: "/api/v1/rbac/permissions", token: token,
		body: createPermissionRequest{Name: "jobs:publish"}})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = s.do(t, call{method: http.MethodPost, path: "/api/v1/rbac/permissions", token: token,
		body: createPermissionRequest{Name: "not a permission"}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, call{method: http.MethodPost, path: "/api/v1/rbac/roles", token: token,
		body: createRoleRequest{Name: "recruiter", Permissions: []string{"jobs:delete"}}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp := s.do(t, call{method: http.MethodPost, path: "/api/v1/rbac/roles", token: token,
		body: createRoleRequest{Name: "recruiter", Permissions: []string{"jobs:publish"}}})
	require.Equal(t, http.StatusCreated, code)
	role := decodeData[models.Role](t, resp)

	code, resp = s.do(t, call{method: http.MethodGet, path: fmt.Sprintf("/api/v1/rbac/roles/%d", role.ID), token: token})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "recruiter", decodeData[models.Role](t, resp).Name)

	userPath := "/api/v1/rbac/users/" + recruiter.UserID
	code, _ = s.do(t, call{method: http.MethodPost, path: userPath + "/roles", token: token, body: assignRoleRequest{RoleID: role.ID}})
	require.Equal(t, http.StatusOK, code)

	code, resp = s.do(t, call{method: http.MethodGet, path: userPath + "/permissions", token: token})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"jobs:publish"}, decodeData[[]string](t, resp))

	code, resp = s.do(t, call{method: http.MethodGet, path: userPath + "/check?permission=jobs:publish", token: token})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, decodeData[map[string]bool](t, resp)["allowed"])

	code, _ = s.do(t, call{method: http.MethodDelete, path: fmt.Sprintf("%s/roles/%d", userPath, role.ID), token: token})
	require.Equal(t, http.StatusOK, code)

	_, resp = s.do(t, call{method: http.MethodGet, path: userPath + "/check?permission=jobs:publish", token: token})
	assert.False(t, decodeData[map[string]bool](t, resp)["allowed"])

	assert.Subset(t, s.store.auditTypes(), []string{"permission_created", "role_created", "role_assigned", "role_removed"})
}

func TestRBACBadInput(t *testing.T) {
	s := newTestServer(t, nil)
	_, token := s.admin(t)

	code, _ := s.do(t, call{method: http.MethodGet, path: "/api/v1/rbac/roles/abc", token: token})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, call{method: http.MethodGet, path: "/api/v1/rbac/roles/999", token: token})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, call{method: http.MethodPost, path: "/api/v1/rbac/users/u-1/roles", token: token, body: assignRoleRequest{RoleID: 999}})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, call{method: http.MethodGet, path: "/api/v1/rbac/users/u-1/check", token: token})
	assert.Equal(t, http.StatusBadRequest, code)
}
