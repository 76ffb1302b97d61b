package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"security-core/internal/models"
)

var (
	permissionNamePattern = regexp.MustCompile(`^[a-z0-9_.-]+:[a-z0-9_.*-]+$`)
	roleNamePattern       = regexp.MustCompile(`^[a-z0-9_.-]{2,64}$`)
)

// RBACStore is implemented by postgres.Store.
type RBACStore interface {
	CreatePermission(ctx context.Context, name, resource, action, description string) (*models.Permission, error)
	ListPermissions(ctx context.Context) ([]*models.Permission, error)
	CreateRole(ctx context.Context, name, description string, permissionNames []string) (*models.Role, error)
	GetRole(ctx context.Context, id int64) (*models.Role, error)
	ListRoles(ctx context.Context) ([]*models.Role, error)
	AssignRole(ctx context.Context, userID string, roleID int64) error
	RemoveRole(ctx context.Context, userID string, roleID int64) error
	UserPermissionNames(ctx context.Context, userID string) ([]string, error)
	UserRoles(ctx context.Context, userID string) ([]*models.Role, error)
}

type RBACService struct {
	store  RBACStore
	logger *zap.Logger
}

func NewRBACService(store RBACStore, logger *zap.Logger) *RBACService {
	return &RBACService{store: store, logger: logger}
}

// CreatePermission derives resource and action from name when they are omitted.
func (s *RBACService) CreatePermission(ctx context.Context, name, resource, action, description string) (*models.Permission, error) {
	name = strings.TrimSpace(name)
	if !permissionNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: permission name must look like resource:action", models.ErrValidation)
	}
	parts := strings.SplitN(name, ":", 2)
	if resource == "" {
		resource = parts[0]
	}
	if action == "" {
		action = parts[1]
	}

	p, err := s.store.CreatePermission(ctx, name, resource, action, strings.TrimSpace(description))
	if err != nil {
		return nil, err
	}
	s.logger.Info("permission created", zap.String("permission", name))
	return p, nil
}

func (s *RBACService) ListPermissions(ctx context.Context) ([]*models.Permission, error) {
	return s.store.ListPermissions(ctx)
}

func (s *RBACService) CreateRole(ctx context.Context, name, description string, permissionNames []string) (*models.Role, error) {
	name = strings.TrimSpace(name)
	if !roleNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: invalid role name %q", models.ErrValidation, name)
	}

	seen := make(map[string]struct{}, len(permissionNames))
	perms := make([]string, 0, len(permissionNames))
	for _, p := range permissionNames {
		p = strings.TrimSpace(p)
		if !permissionNamePattern.MatchString(p) {
			return nil, fmt.Errorf("%w: invalid permission name %q", models.ErrValidation, p)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		perms = append(perms, p)
	}

	role, err := s.store.CreateRole(ctx, name, strings.TrimSpace(description), perms)
	if err != nil {
		return nil, err
	}
	s.logger.Info("role created", zap.String("role", name), zap.Strings("permissions", perms))
	return role, nil
}

func (s *RBACService) GetRole(ctx context.Context, id int64) (*models.Role, error) {
	return s.store.GetRole(ctx, id)
}

func (s *RBACService) ListRoles(ctx context.Context) ([]*models.Role, error) {
	return s.store.ListRoles(ctx)
}

// AssignRoleToUser is idempotent.
func (s *RBACService) AssignRoleToUser(ctx context.Context, userID string, roleID int64) error {
	if userID == "" || roleID <= 0 {
		return fmt.Errorf("%w: user id and role id required", models.ErrValidation)
	}
	return s.store.AssignRole(ctx, userID, roleID)
}

// RemoveRoleFromUser is idempotent.
func (s *RBACService) RemoveRoleFromUser(ctx context.Context, userID string, roleID int64) error {
	if userID == "" || roleID <= 0 {
		return fmt.Errorf("%w: user id and role id required", models.ErrValidation)
	}
	return s.store.RemoveRole(ctx, userID, roleID)
}

func (s *RBACService) GetUserRoles(ctx context.Context, userID string) ([]*models.Role, error) {
	return s.store.UserRoles(ctx, userID)
}

// GetUserPermissions is the union of permission names over every role the user holds.
func (s *RBACService) GetUserPermissions(ctx context.Context, userID string) (map[string]struct{}, error) {
	names, err := s.store.UserPermissionNames(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set, nil
}

// CheckPermission fails closed: a store error is returned alongside false.
func (s *RBACService) CheckPermission(ctx context.Context, userID, permission string) (bool, error) {
	if userID == "" || permission == "" {
		return false, nil
	}
	set, err := s.GetUserPermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	_, ok := set[permission]
	return ok, nil
}
