package service

import (
	"context"

	"go.uber.org/zap"

	"security-core/internal/client"
	"security-core/internal/config"
	"security-core/internal/encryption"
	"security-core/internal/hashing"
	"security-core/internal/metrics"
	redisrepo "security-core/internal/repository/redis"
	"security-core/internal/repository/scylla"
)

// Store is the relational surface the services need, implemented by postgres.Store.
type Store interface {
	RBACStore
	AuditStore
	AlertStore
}

// Dependencies are the constructed clients and repositories services are built from.
type Dependencies struct {
	Config    *config.Config
	Redis     *client.RedisClient
	Store     Store
	Users     scylla.UserStore
	Hasher    *hashing.Hasher
	Encryptor *encryption.EncryptionManager
	Metrics   *metrics.Registry
	Logger    *zap.Logger

	AuditSinks []AuditSink
	Channels   []NotificationChannel
	Indexer    AlertIndexer
	Scorer     AnomalyScorer
}

// ServiceFactory builds every service once, wired to shared dependencies.
type ServiceFactory struct {
	Credentials *CredentialService
	MFA         *MFAService
	RBAC        *RBACService
	Audit       *AuditService
	Threats     *ThreatService
	Alerts      *AlertService
	Auth        *AuthService
	Tokens      *TokenIssuer
	Anomaly     *AnomalyTrainer

	logger *zap.Logger
}

func NewServiceFactory(d Dependencies) *ServiceFactory {
	cfg := d.Config
	logger := d.Logger

	threatCache := redisrepo.NewThreatCache(d.Redis)

	creds := NewCredentialService(cfg, d.Hasher,
		redisrepo.NewSessionCache(d.Redis),
		redisrepo.NewRefreshTokenCache(d.Redis),
		threatCache,
		d.Users,
		logger.Named("credentials"))

	mfa := NewMFAService(cfg, redisrepo.NewMFACache(d.Redis), d.Encryptor, logger.Named("mfa"))
	rbac := NewRBACService(d.Store, logger.Named("rbac"))

	audit := NewAuditService(cfg, d.Store,
		redisrepo.NewEventStream(d.Redis, int64(cfg.Audit.StreamLength)),
		d.Metrics, logger.Named("audit"), d.AuditSinks...)

	threats := NewThreatService(cfg, threatCache, creds, audit, d.Scorer, d.Metrics, logger.Named("threats"))
	alerts := NewAlertService(cfg, d.Store, redisrepo.NewAlertCache(d.Redis), d.Indexer, d.Metrics, logger.Named("alerts"), d.Channels...)
	tokens := NewTokenIssuer(cfg)

	return &ServiceFactory{
		Credentials: creds,
		MFA:         mfa,
		RBAC:        rbac,
		Audit:       audit,
		Threats:     threats,
		Alerts:      alerts,
		Tokens:      tokens,
		Anomaly:     NewAnomalyTrainer(cfg, audit, threats, logger.Named("anomaly")),
		Auth:        NewAuthService(d.Users, creds, mfa, tokens, audit, threats, alerts, d.Metrics, logger.Named("auth")),
		logger:      logger,
	}
}

// Start seeds detection state, trains the anomaly baseline when no scorer was
// supplied, and starts the audit flusher.
func (f *ServiceFactory) Start(ctx context.Context) {
	if err := f.Threats.SeedBadIPs(ctx); err != nil {
		f.logger.Warn("failed to seed bad ip list", zap.Error(err))
	}
	if f.Threats.Scorer() == nil {
		if _, err := f.Anomaly.Retrain(ctx); err != nil {
			f.logger.Warn("anomaly baseline not trained", zap.Error(err))
		}
	}
	f.Audit.Start()
}

// Stop flushes buffered audit events.
func (f *ServiceFactory) Stop(ctx context.Context) {
	f.Audit.Stop(ctx)
}
