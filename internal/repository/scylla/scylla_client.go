package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"security-core/internal/config"
	"security-core/internal/util"
)

// Statements holds the CQL used by the repositories. gocql prepares and
// caches them per host on first execution.
type Statements struct {
	CreateEmailToUser   string
	CreateUser          string
	GetUserByID         string
	GetUserByEmail      string
	UpdateUserLastLogin string
	UpdatePasswordHash  string
	UpdateUserActive    string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_bucket int,
		user_id text,
		email text,
		password_hash text,
		is_active boolean,
		last_login timestamp,
		last_login_ip text,
		created_at timestamp,
		updated_at timestamp,
		PRIMARY KEY ((user_bucket), user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS email_to_user (
		email text PRIMARY KEY,
		user_bucket int,
		user_id text,
		created_at timestamp
	)`,
}

type ScyllaClient struct {
	Session    *gocql.Session
	config     *config.ScyllaConfig
	Statements Statements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_CA_FILE", "/root/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_CERT_FILE", "/root/certs/server.pem"),
			KeyPath:                util.GetEnv("SCYLLA_KEY_FILE", "/root/certs/server.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		config:     &scyllaConfig,
		Statements: userStatements(),
	}

	if err := client.EnsureSchema(context.Background()); err != nil {
		session.Close()
		return nil, err
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func userStatements() Statements {
	return Statements{
		CreateEmailToUser: `
			INSERT INTO email_to_user (email, user_bucket, user_id, created_at)
			VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		CreateUser: `
			INSERT INTO users (user_bucket, user_id, email, password_hash, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		GetUserByID: `
			SELECT user_bucket, user_id, email, password_hash, is_active, last_login, last_login_ip, created_at, updated_at
			FROM users WHERE user_bucket = ? AND user_id = ?`,
		GetUserByEmail: `
			SELECT user_bucket, user_id FROM email_to_user WHERE email = ?`,
		UpdateUserLastLogin: `
			UPDATE users SET last_login = ?, last_login_ip = ?, updated_at = ?
			WHERE user_bucket = ? AND user_id = ?`,
		UpdatePasswordHash: `
			UPDATE users SET password_hash = ?, updated_at = ?
			WHERE user_bucket = ? AND user_id = ?`,
		UpdateUserActive: `
			UPDATE users SET is_active = ?, updated_at = ?
			WHERE user_bucket = ? AND user_id = ?`,
	}
}

// EnsureSchema creates the user tables when they do not exist.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply scylla schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}
