package scylla

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"security-core/internal/bucketing"
	"security-core/internal/models"
	"security-core/internal/util"
)

type UserRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewUserRepository(client *ScyllaClient, bm *bucketing.BucketingManager) *UserRepository {
	return &UserRepository{
		client:    client,
		bucketing: bm,
	}
}

// NormalizeEmail is the lookup key for email_to_user.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser claims the email with a lightweight transaction before writing
// the user row, so two registrations for one address cannot both win.
func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	if user.UserID == "" {
		user.UserID = util.NewUUID()
	}
	user.Email = NormalizeEmail(user.Email)
	user.UserBucket = r.bucketing.GetUserBucket(user.UserID)

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = &now

	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.Statements.CreateEmailToUser,
		user.Email, user.UserBucket, user.UserID, now).MapScanCAS(existing)
	if err != nil {
		util.Error("Failed to claim email", zap.String("user_id", user.UserID), zap.Error(err))
		return models.Unavailable("scylla claim email", err)
	}
	if !applied {
		return fmt.Errorf("%w: email already registered", models.ErrDuplicateName)
	}

	if err := r.client.Query(ctx, r.client.Statements.CreateUser,
		user.UserBucket, user.UserID, user.Email, user.PasswordHash, user.IsActive, now, now).Exec(); err != nil {
		util.Error("Failed to create user", zap.String("user_id", user.UserID), zap.Error(err))
		return models.Unavailable("scylla create user", err)
	}

	util.Info("User created", zap.String("user_id", user.UserID), zap.Int("user_bucket", user.UserBucket))
	return nil
}

func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	return r.getUser(ctx, r.bucketing.GetUserBucket(userID), userID)
}

func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var (
		bucket int
		userID string
	)
	err := r.client.Query(ctx, r.client.Statements.GetUserByEmail, NormalizeEmail(email)).Scan(&bucket, &userID)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		util.Error("Failed to look up user by email", zap.Error(err))
		return nil, models.Unavailable("scylla email lookup", err)
	}
	return r.getUser(ctx, bucket, userID)
}

func (r *UserRepository) getUser(ctx context.Context, bucket int, userID string) (*models.User, error) {
	var (
		user      models.User
		lastLogin time.Time
		updatedAt time.Time
	)
	err := r.client.Query(ctx, r.client.Statements.GetUserByID, bucket, userID).Scan(
		&user.UserBucket, &user.UserID, &user.Email, &user.PasswordHash, &user.IsActive,
		&lastLogin, &user.LastLoginIP, &user.CreatedAt, &updatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		util.Error("Failed to get user", zap.String("user_id", userID), zap.Error(err))
		return nil, models.Unavailable("scylla get user", err)
	}
	if !lastLogin.IsZero() {
		user.LastLogin = &lastLogin
	}
	if !updatedAt.IsZero() {
		user.UpdatedAt = &updatedAt
	}
	return &user, nil
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, userID, ip string, at time.Time) error {
	bucket := r.bucketing.GetUserBucket(userID)
	if err := r.client.Query(ctx, r.client.Statements.UpdateUserLastLogin,
		at, ip, time.Now().UTC(), bucket, userID).Exec(); err != nil {
		util.Error("Failed to update last login", zap.String("user_id", userID), zap.Error(err))
		return models.Unavailable("scylla update last login", err)
	}
	return nil
}

func (r *UserRepository) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	bucket := r.bucketing.GetUserBucket(userID)
	if err := r.client.Query(ctx, r.client.Statements.UpdatePasswordHash,
		hash, time.Now().UTC(), bucket, userID).Exec(); err != nil {
		util.Error("Failed to update password hash", zap.String("user_id", userID), zap.Error(err))
		return models.Unavailable("scylla update password", err)
	}
	return nil
}

func (r *UserRepository) SetActive(ctx context.Context, userID string, active bool) error {
	bucket := r.bucketing.GetUserBucket(userID)
	if err := r.client.Query(ctx, r.client.Statements.UpdateUserActive,
		active, time.Now().UTC(), bucket, userID).Exec(); err != nil {
		return models.Unavailable("scylla set active", err)
	}
	return nil
}
