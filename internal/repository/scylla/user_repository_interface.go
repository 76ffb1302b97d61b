package scylla

import (
	"context"
	"time"

	"security-core/internal/models"
)

// UserStore is the account lookup surface the authentication services use.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, userID, ip string, at time.Time) error
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
	SetActive(ctx context.Context, userID string, active bool) error
}

var _ UserStore = (*UserRepository)(nil)
