package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"security-core/internal/bucketing"
	"security-core/internal/client"
	"security-core/internal/config"
	"security-core/internal/encryption"
	"security-core/internal/handler"
	"security-core/internal/hashing"
	"security-core/internal/metrics"
	"security-core/internal/repository/postgres"
	"security-core/internal/repository/scylla"
	"security-core/internal/service"
	"security-core/internal/tls"
	"security-core/internal/util"
	"security-core/internal/worker"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager
	metrics    *metrics.Registry

	// Clients
	redisClient      *client.RedisClient
	postgresClient   *client.PostgresClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	kafkaConsumer    *client.KafkaConsumer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	serviceFactory *service.ServiceFactory
	alertIndexer   *service.ESAlertIndexer
	eventConsumer  *worker.EventConsumer

	stopRetrain context.CancelFunc
	retrainDone chan struct{}
	closeOnce   sync.Once
}

// NewFactory loads configuration, connects every backend and wires the services.
// Redis, Postgres and Scylla are required; Kafka, Elasticsearch and ClickHouse
// are optional and only connected when enabled.
func NewFactory(ctx context.Context) (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg.Server)
	}

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := f.initializeManagers(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := f.initializeServices(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
		util.Bool("elasticsearch_enabled", f.esClient != nil),
		util.Bool("clickhouse_enabled", f.clickhouseClient != nil),
	)

	return f, nil
}

// initializeClients connects the backends. A required backend failing is fatal;
// an enabled optional one failing is fatal only in production.
func (f *Factory) initializeClients(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var err error

	if f.redisClient, err = client.NewRedisClient(f.config, f.logger); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if err := f.redisClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}
	util.Info("Redis client initialized and healthy")

	if f.postgresClient, err = client.NewPostgresClient(f.config, f.logger); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	util.Info("Postgres client initialized and healthy")

	if f.scyllaClient, err = scylla.NewScyllaClient(f.config, f.logger); err != nil {
		return fmt.Errorf("scylla: %w", err)
	}
	if err := f.scyllaClient.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("scylla schema: %w", err)
	}
	util.Info("ScyllaDB client initialized and healthy")

	var optional []error

	if f.config.Kafka.Enabled {
		if f.kafkaProducer, err = client.NewKafkaProducer(f.config, f.logger); err != nil {
			optional = append(optional, fmt.Errorf("kafka: %w", err))
		} else if f.config.Kafka.ConsumeEvents {
			f.kafkaConsumer, err = client.NewKafkaConsumer(f.config, f.config.Kafka.EventsTopic, f.config.Kafka.ConsumerGroup, f.logger)
			if err != nil {
				optional = append(optional, fmt.Errorf("kafka consumer: %w", err))
			}
		}
	}

	if f.config.Elasticsearch.Enabled {
		if f.esClient, err = client.NewElasticsearchClient(f.config, f.logger); err != nil {
			optional = append(optional, fmt.Errorf("elasticsearch: %w", err))
		}
	}

	if f.config.Clickhouse.Enabled {
		if f.clickhouseClient, err = client.NewClickHouseClient(f.config, f.logger); err != nil {
			optional = append(optional, fmt.Errorf("clickhouse: %w", err))
		}
	}

	if len(optional) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("optional backend initialization failed: %w", errors.Join(optional...))
		}
		for _, err := range optional {
			util.Warn("Proceeding without optional backend", util.ErrorField(err))
		}
	}
	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers(ctx context.Context) error {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load aws config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	em, err := encryption.NewEncryptionManager(f.config, kmsClient)
	if err != nil {
		return err
	}
	f.encryptionManager = em

	util.Info("Managers initialized successfully",
		util.Bool("kms", kmsClient != nil),
		util.Int("user_buckets", f.config.Bucketing.UserBuckets),
	)
	return nil
}

// initializeServices builds sinks, channels and the service graph.
func (f *Factory) initializeServices(ctx context.Context) error {
	cfg := f.config

	var sinks []service.AuditSink
	if f.kafkaProducer != nil {
		sinks = append(sinks, service.NewKafkaAuditSink(f.kafkaProducer, cfg.Kafka.AuditTopic))
	}
	if f.clickhouseClient != nil {
		sink := service.NewClickHouseAuditSink(f.clickhouseClient, cfg.Clickhouse.AuditTable, f.bucketingManager)
		if err := sink.EnsureTable(ctx); err != nil {
			return fmt.Errorf("clickhouse audit table: %w", err)
		}
		sinks = append(sinks, sink)
	}

	deps := service.Dependencies{
		Config:     cfg,
		Redis:      f.redisClient,
		Store:      postgres.NewStore(f.postgresClient.DB, cfg.Postgres.QueryTimeout),
		Users:      scylla.NewUserRepository(f.scyllaClient, f.bucketingManager),
		Hasher:     f.hasher,
		Encryptor:  f.encryptionManager,
		Metrics:    f.metrics,
		Logger:     f.logger,
		AuditSinks: sinks,
		Channels:   f.notificationChannels(),
	}
	if f.esClient != nil {
		f.alertIndexer = service.NewESAlertIndexer(f.esClient, cfg.Elasticsearch.AlertIndex)
		if err := f.alertIndexer.EnsureIndex(ctx); err != nil {
			return fmt.Errorf("elasticsearch alert index: %w", err)
		}
		deps.Indexer = f.alertIndexer
	}

	f.serviceFactory = service.NewServiceFactory(deps)

	if f.kafkaConsumer != nil {
		f.eventConsumer = worker.NewEventConsumer(f.kafkaConsumer, f.serviceFactory.Audit, f.serviceFactory.Threats, f.serviceFactory.Alerts, f.logger.Named("consumer"))
	}
	return nil
}

// notificationChannels returns a rate-limited channel for every configured destination.
func (f *Factory) notificationChannels() []service.NotificationChannel {
	al := f.config.Alerting

	var channels []service.NotificationChannel
	if al.WebhookURL != "" {
		channels = append(channels, service.NewWebhookChannel(al.WebhookURL, al.ChannelTimeout))
	}
	if al.SlackWebhookURL != "" {
		channels = append(channels, service.NewSlackChannel(al.SlackWebhookURL, al.ChannelTimeout))
	}
	if al.SMTP.Host != "" && len(al.SMTP.To) > 0 {
		channels = append(channels, service.NewEmailChannel(al.SMTP))
	}
	if f.kafkaProducer != nil {
		channels = append(channels, service.NewKafkaAlertChannel(f.kafkaProducer, f.config.Kafka.AlertsTopic))
	}

	if al.ChannelRateLimit > 0 {
		burst := int(al.ChannelRateLimit)
		if burst < 1 {
			burst = 1
		}
		for i, ch := range channels {
			channels[i] = service.NewRateLimitedChannel(ch, al.ChannelRateLimit, burst)
		}
	}

	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, ch.Name())
	}
	util.Info("Notification channels configured", util.Strings("channels", names))
	return channels
}

// RouterDeps returns everything the HTTP router mounts.
func (f *Factory) RouterDeps() handler.RouterDeps {
	deps := handler.RouterDeps{
		Config:   f.config,
		Services: f.serviceFactory,
		Metrics:  f.metrics,
		Health:   f.Ready,
		Logger:   f.logger,
	}
	if f.alertIndexer != nil {
		deps.Searcher = f.alertIndexer
	}
	return deps
}

// ==============================
// Health Checks
// ==============================

// HealthCheck reports each connected backend's state.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if err := f.redisClient.HealthCheck(ctx); err != nil {
		healthErrors["redis"] = err
	}
	if err := f.postgresClient.HealthCheck(ctx); err != nil {
		healthErrors["postgres"] = err
	}
	if err := f.scyllaClient.HealthCheck(ctx); err != nil {
		healthErrors["scylla"] = err
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// Ready fails when a required backend is unhealthy.
func (f *Factory) Ready(ctx context.Context) error {
	healthErrors := f.HealthCheck(ctx)
	var errs []error
	for _, name := range []string{"redis", "postgres", "scylla"} {
		if err := healthErrors[name]; err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ==============================
// Lifecycle
// ==============================

// Start seeds threat state and starts the audit flusher.
func (f *Factory) Start(ctx context.Context) {
	f.serviceFactory.Start(ctx)

	interval := f.config.Threat.AnomalyRetrainInterval
	if interval <= 0 {
		return
	}
	retrainCtx, cancel := context.WithCancel(ctx)
	f.stopRetrain = cancel
	f.retrainDone = make(chan struct{})
	go func() {
		defer close(f.retrainDone)
		f.serviceFactory.Anomaly.Run(retrainCtx, interval)
	}()
}

// RunConsumer blocks consuming security events until ctx ends. It returns
// immediately when event consumption is not configured.
func (f *Factory) RunConsumer(ctx context.Context) error {
	if f.eventConsumer == nil {
		return nil
	}
	return f.eventConsumer.Run(ctx)
}

// Close flushes buffered audit events and releases every client.
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.stopRetrain != nil {
			f.stopRetrain()
			<-f.retrainDone
		}

		if f.serviceFactory != nil {
			ctx, cancel := context.WithTimeout(context.Background(), f.config.Server.ShutdownTimeout)
			f.serviceFactory.Stop(ctx)
			cancel()
		}

		if f.kafkaConsumer != nil {
			if err := f.kafkaConsumer.Close(); err != nil {
				util.Error("Failed to close Kafka consumer", util.ErrorField(err))
			}
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}
		if f.esClient != nil {
			f.esClient.Close()
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.postgresClient != nil {
			if err := f.postgresClient.Close(); err != nil {
				util.Error("Failed to close Postgres client", util.ErrorField(err))
			}
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}
		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
