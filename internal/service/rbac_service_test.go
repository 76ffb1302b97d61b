package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"security-core/internal/models"
)

func seedRBAC(t *testing.T, svc *RBACService, perms ...string) {
	t.Helper()
	for _, p := range perms {
		_, err := svc.CreatePermission(context.Background(), p, "", "", "")
		require.NoError(t, err)
	}
}

func TestRBACService_PermissionsAreRoleUnion(t *testing.T) {
	svc := NewRBACService(newMemStore(), zap.NewNop())
	ctx := context.Background()
	seedRBAC(t, svc, "jobs:read", "jobs:write", "alerts:read", "audit:read")

	recruiter, err := svc.CreateRole(ctx, "recruiter", "", []string{"jobs:read", "jobs:write"})
	require.NoError(t, err)
	analyst, err := svc.CreateRole(ctx, "analyst", "", []string{"jobs:read", "alerts:read"})
	require.NoError(t, err)

	require.NoError(t, svc.AssignRoleToUser(ctx, "u1", recruiter.ID))
	require.NoError(t, svc.AssignRoleToUser(ctx, "u1", analyst.ID))

	perms, err := svc.GetUserPermissions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{
		"jobs:read": {}, "jobs:write": {}, "alerts:read": {},
	}, perms)

	// assigning again changes nothing
	require.NoError(t, svc.AssignRoleToUser(ctx, "u1", analyst.ID))
	again, err := svc.GetUserPermissions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, perms, again)

	roles, err := svc.GetUserRoles(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, roles, 2)

	ok, err := svc.CheckPermission(ctx, "u1", "jobs:write")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.CheckPermission(ctx, "u1", "audit:read")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.RemoveRoleFromUser(ctx, "u1", recruiter.ID))
	require.NoError(t, svc.RemoveRoleFromUser(ctx, "u1", recruiter.ID))
	ok, err = svc.CheckPermission(ctx, "u1", "jobs:write")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRBACService_Validation(t *testing.T) {
	svc := NewRBACService(newMemStore(), zap.NewNop())
	ctx := context.Background()

	_, err := svc.CreatePermission(ctx, "no-colon", "", "", "")
	assert.ErrorIs(t, err, models.ErrValidation)

	p, err := svc.CreatePermission(ctx, "rbac:manage", "", "", "manage roles")
	require.NoError(t, err)
	assert.Equal(t, "rbac", p.Resource)
	assert.Equal(t, "manage", p.Action)

	_, err = svc.CreatePermission(ctx, "rbac:manage", "", "", "")
	assert.ErrorIs(t, err, models.ErrDuplicateName)

	_, err = svc.CreateRole(ctx, "X", "", nil)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = svc.CreateRole(ctx, "admin", "", []string{"rbac:manage", "bad name"})
	assert.ErrorIs(t, err, models.ErrValidation)

	role, err := svc.CreateRole(ctx, "admin", "", []string{"rbac:manage", "rbac:manage"})
	require.NoError(t, err)
	assert.Equal(t, []string{"rbac:manage"}, role.Permissions)

	_, err = svc.CreateRole(ctx, "admin", "", nil)
	assert.ErrorIs(t, err, models.ErrDuplicateName)

	assert.ErrorIs(t, svc.AssignRoleToUser(ctx, "", role.ID), models.ErrValidation)

	ok, err := svc.CheckPermission(ctx, "", "rbac:manage")
	require.NoError(t, err)
	assert.False(t, ok)
}
