package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"security-core/internal/models"
)

func (s *Store) CreatePermission(ctx context.Context, name, resource, action, description string) (*models.Permission, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var p models.Permission
	err := s.db.QueryRowContext(ctx, `
		insert into permissions (name, resource, action, description)
		values ($1, $2, $3, $4)
		returning id, name, resource, action, description, created_at, updated_at
	`, name, resource, action, description).Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, classify("create permission", err)
	}
	return &p, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]*models.Permission, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		select id, name, resource, action, description, created_at, updated_at
		from permissions
		order by name
	`)
	if err != nil {
		return nil, classify("list permissions", err)
	}
	defer rows.Close()

	var result []*models.Permission
	for rows.Next() {
		var p models.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &p)
	}
	return result, rows.Err()
}

// CreateRole inserts the role and links the named permissions in one
// transaction. An unknown permission name aborts the whole create.
func (s *Store) CreateRole(ctx context.Context, name, description string, permissionNames []string) (*models.Role, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin create role", err)
	}
	defer func() { _ = tx.Rollback() }()

	role := models.Role{Permissions: []string{}}
	err = tx.QueryRowContext(ctx, `
		insert into roles (name, description)
		values ($1, $2)
		returning id, name, description, created_at, updated_at
	`, name, description).Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return nil, classify("create role", err)
	}

	for _, perm := range permissionNames {
		res, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			select $1, id from permissions where name = $2
			on conflict do nothing
		`, role.ID, perm)
		if err != nil {
			return nil, classify("link role permission", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			if !slices.Contains(role.Permissions, perm) {
				return nil, fmt.Errorf("%w: unknown permission %q", models.ErrValidation, perm)
			}
			continue
		}
		role.Permissions = append(role.Permissions, perm)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("commit create role", err)
	}
	return &role, nil
}

func (s *Store) GetRole(ctx context.Context, id int64) (*models.Role, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var role models.Role
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, created_at, updated_at
		from roles
		where id = $1
	`, id).Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return nil, classify("get role", err)
	}

	perms, err := s.rolePermissions(ctx, id)
	if err != nil {
		return nil, err
	}
	role.Permissions = perms
	return &role, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]*models.Role, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, created_at, updated_at
		from roles
		order by name
	`)
	if err != nil {
		return nil, classify("list roles", err)
	}
	defer rows.Close()
	return scanRoles(rows)
}

func (s *Store) rolePermissions(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.name
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1
		order by p.name
	`, roleID)
	if err != nil {
		return nil, classify("list role permissions", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// AssignRole is idempotent. An unknown role id yields models.ErrNotFound.
func (s *Store) AssignRole(ctx context.Context, userID string, roleID int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id)
		values ($1, $2)
		on conflict do nothing
	`, userID, roleID)
	return classify("assign role", err)
}

// RemoveRole is idempotent.
func (s *Store) RemoveRole(ctx context.Context, userID string, roleID int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `delete from user_roles where user_id = $1 and role_id = $2`, userID, roleID)
	return classify("remove role", err)
}

// UserPermissionNames returns the distinct permission names across every role held by userID.
func (s *Store) UserPermissionNames(ctx context.Context, userID string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		select distinct p.name
		from user_roles ur
		join role_permissions rp on rp.role_id = ur.role_id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
	`, userID)
	if err != nil {
		return nil, classify("user permissions", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *Store) UserRoles(ctx context.Context, userID string) ([]*models.Role, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.description, r.created_at, r.updated_at
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1
		order by r.name
	`, userID)
	if err != nil {
		return nil, classify("user roles", err)
	}
	defer rows.Close()
	return scanRoles(rows)
}

func scanRoles(rows *sql.Rows) ([]*models.Role, error) {
	var result []*models.Role
	for rows.Next() {
		var r models.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	result := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}
