package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"otp-service/internal/audit"
	"otp-service/internal/bucketing"
	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/encryption"
	"otp-service/internal/hashing"
	"otp-service/internal/model"
	"otp-service/internal/ratelimit"
	redisstore "otp-service/internal/repository/redis"
	"otp-service/internal/repository/scylla"
	"otp-service/internal/service"
	"otp-service/internal/sms"
	"otp-service/internal/tls"
	"otp-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	clock      clock.Clock
	tlsManager *tls.TLSManager

	// Store backends, only one of them is set
	redisClient  *client.RedisClient
	scyllaClient *scylla.ScyllaClient
	tokenStore   model.TokenStore
	ledger       model.AttemptLedger

	// Audit sinks, all optional
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	dispatcher       *audit.Dispatcher

	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	limiter           *ratelimit.Limiter
	smsRouter         *sms.Router

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory loads configuration and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	for _, w := range cfg.Warnings {
		util.Warn("Configuration warning", util.String("detail", w))
	}

	factory := &Factory{
		config: cfg,
		clock:  clock.New(),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg.Server)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	factory.initializeManagers(ctx)

	if err := factory.initializeStore(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize %s store: %w", cfg.Store.Backend, err)
	}

	if err := factory.initializeAudit(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize audit sinks: %w", err)
	}

	factory.limiter = ratelimit.NewLimiter(factory.ledger, cfg.RateLimit, factory.clock)
	factory.smsRouter = sms.NewRouter(cfg.SMS, util.Named("sms"))

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Store.Backend),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", factory.encryptionManager.KMSEnabled()),
		util.Bool("sms_provider", cfg.SMS.ProviderConfigured),
		util.Bool("sms_dlt", cfg.SMS.DLTConfigured),
	)

	return factory, nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers(ctx context.Context) {
	f.hasher = hashing.NewHasher(f.config.Hashing)
	params := f.hasher.Params()
	util.Info("OTP hasher ready",
		util.Int("argon2_memory_kib", int(params.Memory)),
		util.Int("argon2_iterations", int(params.Iterations)),
		util.Int("argon2_parallelism", int(params.Parallelism)),
	)
	if f.config.IsDevelopment() {
		util.Debug("Argon2 cost", util.Duration("per_hash", f.hasher.Benchmark(3)/3))
	}
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing)

	var kmsAPI encryption.KMSAPI
	if f.config.KMS.Enabled {
		kmsClient, err := encryption.NewKMSClient(ctx, f.config.KMS)
		if err != nil {
			util.Warn("KMS unavailable, falling back to local data keys", util.ErrorField(err))
		} else {
			kmsAPI = kmsClient
		}
	}
	f.encryptionManager = encryption.NewEncryptionManager(f.config.KMS, kmsAPI)
}

func (f *Factory) initializeStore(ctx context.Context) error {
	switch f.config.Store.Backend {
	case config.StoreBackendRedis:
		rc, err := client.NewRedisClient(ctx, f.config.Redis)
		if err != nil {
			return err
		}
		f.redisClient = rc
		f.tokenStore = redisstore.NewTokenStore(rc, f.clock, f.config.OTP.TTL)
		f.ledger = redisstore.NewAttemptLedger(rc, f.clock)

	case config.StoreBackendScylla:
		sc, err := scylla.NewScyllaClient(f.config.Scylla)
		if err != nil {
			return err
		}
		f.scyllaClient = sc
		if err := sc.ApplySchema(ctx); err != nil {
			return err
		}
		f.tokenStore = scylla.NewTokenRepository(sc, f.bucketingManager, f.clock, f.config.OTP.TTL)
		f.ledger = scylla.NewAttemptRepository(sc, f.clock)

	default:
		return fmt.Errorf("unknown store backend %q", f.config.Store.Backend)
	}

	util.Info("Token store initialized", util.String("backend", f.config.Store.Backend))
	return nil
}

// initializeAudit connects every configured sink. Outside production a sink that
// cannot be reached is skipped with a warning.
func (f *Factory) initializeAudit(ctx context.Context) error {
	if !f.config.Audit.Enabled {
		util.Info("Audit events disabled")
		return nil
	}

	var (
		sinks      []audit.Sink
		initErrors []error
	)

	if len(f.config.Kafka.Brokers) > 0 {
		if producer, err := client.NewKafkaProducer(f.config.Kafka); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			sinks = append(sinks, audit.NewKafkaSink(producer))
		}
	}

	if f.config.Clickhouse.URL != "" {
		if ch, err := client.NewClickHouseClient(ctx, f.config.Clickhouse, f.config.IsProduction()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = ch
			sink := audit.NewClickHouseSink(ch, f.config.Clickhouse.Table)
			if err := sink.EnsureTable(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
			} else {
				sinks = append(sinks, sink)
			}
		}
	}

	if f.config.Elasticsearch.URL != "" {
		if es, err := client.NewElasticsearchClient(ctx, f.config.Elasticsearch, f.config.IsDevelopment()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = es
			sinks = append(sinks, audit.NewElasticsearchSink(es, f.config.Elasticsearch.Index))
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return errors.Join(initErrors...)
		}
		for _, err := range initErrors {
			util.Warn("Audit sink unavailable", util.ErrorField(err))
		}
	}

	if len(sinks) == 0 {
		sinks = append(sinks, audit.NewLogSink(util.Named("audit")))
	}

	f.dispatcher = audit.NewDispatcher(
		f.config.Audit,
		sinks,
		f.encryptionManager,
		f.bucketingManager,
		f.clock,
		util.Named("audit"),
	)

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	util.Info("Audit dispatcher started", util.Any("sinks", names))
	return nil
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		var events audit.Emitter = audit.Nop{}
		if f.dispatcher != nil {
			events = f.dispatcher
		}
		f.serviceFactory = service.NewServiceFactory(
			f.tokenStore,
			f.limiter,
			f.hasher,
			f.smsRouter,
			events,
			f.clock,
			f.config.OTP,
			f.config.Store.Timeout,
			util.Named("service"),
		)
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

// HealthCheck reports the audit sinks that were connected at startup. The token
// store is checked by the OTP service itself.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.esClient != nil {
		healthErrors["elasticsearch"] = f.esClient.HealthCheck(ctx)
	}
	if f.clickhouseClient != nil {
		healthErrors["clickhouse"] = f.clickhouseClient.HealthCheck(ctx)
	}
	if f.kafkaProducer != nil {
		healthErrors["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}

	return healthErrors
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
		}

		// Drain buffered events before the sink clients go away.
		if f.dispatcher != nil {
			f.dispatcher.Close()
			if dropped := f.dispatcher.Dropped(); dropped > 0 {
				util.Warn("Audit events dropped", util.Int("count", int(dropped)))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
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

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Clock() clock.Clock {
	return f.clock
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
