package client

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"security-core/internal/config"
	"security-core/internal/migrations"
)

type PostgresClient struct {
	DB     *sql.DB
	config *config.PostgresConfig
}

func NewPostgresClient(cfg *config.Config, logger *zap.Logger) (*PostgresClient, error) {
	pgConfig := cfg.Postgres

	db, err := sql.Open("pgx", pgConfig.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(pgConfig.MaxOpenConns)
	db.SetMaxIdleConns(pgConfig.MaxIdleConns)
	db.SetConnMaxLifetime(pgConfig.ConnMaxLifetime)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	pc := &PostgresClient{DB: db, config: &pgConfig}
	if pgConfig.AutoMigrate {
		if err := pc.Migrate(logger); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	logger.Info("Postgres client initialized",
		zap.Int("max_open_conns", pgConfig.MaxOpenConns),
		zap.Bool("auto_migrate", pgConfig.AutoMigrate))
	return pc, nil
}

// Migrate applies the embedded goose migrations.
func (p *PostgresClient) Migrate(logger *zap.Logger) error {
	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	current, err := goose.GetDBVersion(p.DB)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	if err := goose.Up(p.DB, migrations.Dir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	final, err := goose.GetDBVersion(p.DB)
	if err != nil {
		return fmt.Errorf("failed to get final version: %w", err)
	}

	logger.Info("migrations applied",
		zap.Int64("from_version", current),
		zap.Int64("to_version", final))
	return nil
}

func (p *PostgresClient) HealthCheck(ctx context.Context) error {
	return p.DB.PingContext(ctx)
}

func (p *PostgresClient) Close() error {
	if p.DB == nil {
		return nil
	}
	return p.DB.Close()
}
