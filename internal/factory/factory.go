// Package factory manages the lifecycle of all application dependencies.
package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"authcore/internal/auth"
	"authcore/internal/blacklist"
	"authcore/internal/bucketing"
	"authcore/internal/client"
	"authcore/internal/config"
	"authcore/internal/gate"
	"authcore/internal/hashing"
	redisrepo "authcore/internal/repository/redis"
	"authcore/internal/repository/scylla"
	"authcore/internal/secrets"
	"authcore/internal/securityevent"
	"authcore/internal/service"
	"authcore/internal/session"
	"authcore/internal/tls"
	"authcore/internal/token"
	"authcore/internal/util"
)

// Factory wires clients, repositories and services together and owns
// their shutdown order.
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher           *hashing.Hasher
	bucketingManager *bucketing.BucketingManager
	codec            *token.Codec

	// Repositories
	sessionRepository   *scylla.SessionRepository
	blacklistRepository *scylla.BlacklistRepository
	userRepository      scylla.UserRepository
	stateCache          *redisrepo.StateCache

	// Services
	dispatcher       *securityevent.Dispatcher
	blacklistService *blacklist.Service
	sessionStore     *session.Store
	authCore         *auth.Core
	authService      *service.AuthService
	requestGate      *gate.Gate

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads the configuration, resolves secrets and initializes
// every dependency.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := secrets.ResolveSecurityKeys(ctx, cfg, util.Get()); err != nil {
		return nil, fmt.Errorf("failed to resolve security keys: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(cfg.Server, util.Get())
	}

	codec, err := token.NewCodec(cfg.Security)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token codec: %w", err)
	}
	f.codec = codec

	if err := f.initializeClients(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	f.hasher = hashing.NewHasher(cfg)
	f.bucketingManager = bucketing.NewBucketingManager(cfg)

	f.initializeServices()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("blacklist_enabled", cfg.Security.Blacklist.Enabled),
	)

	return f, nil
}

// initializeClients initializes all external service clients with health
// checks. Redis and Scylla are load-bearing; the event sinks are
// best-effort outside production.
func (f *Factory) initializeClients(ctx context.Context) error {
	var initErrors []error

	// Redis
	if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = c
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if c, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = c
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if c, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		util.Warn("Elasticsearch initialization failed - proceeding without search sink", util.ErrorField(err))
	} else {
		f.esClient = c
		util.Info("Elasticsearch client initialized")
	}

	// ClickHouse
	if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		util.Warn("ClickHouse initialization failed - proceeding without analytics sink", util.ErrorField(err))
	} else {
		f.clickhouseClient = c
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			util.Warn("ClickHouse health check failed", util.ErrorField(err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeServices builds repositories and the service graph in
// dependency order.
func (f *Factory) initializeServices() {
	f.sessionRepository = scylla.NewSessionRepository(f.scyllaClient, util.Get())
	f.blacklistRepository = scylla.NewBlacklistRepository(f.scyllaClient, util.Get())
	f.userRepository = scylla.NewUserRepository(f.scyllaClient, util.Get())
	f.stateCache = redisrepo.NewStateCache(f.redisClient)

	f.dispatcher = securityevent.NewDispatcher(
		f.kafkaProducer,
		f.clickhouseClient,
		f.esClient,
		f.bucketingManager,
		util.Get(),
	)

	f.blacklistService = blacklist.NewService(
		f.config.Security.Blacklist,
		f.blacklistRepository,
		f.dispatcher,
		util.Get(),
	)

	f.sessionStore = session.NewStore(
		f.config.Auth,
		f.sessionRepository,
		f.stateCache,
		util.Get(),
	)

	f.authCore = auth.NewCore(f.config.Auth, f.sessionStore, f.stateCache, util.Get())

	f.authService = service.NewAuthService(
		f.userRepository,
		f.hasher,
		f.authCore,
		f.blacklistService,
		f.codec,
		util.Get(),
	)

	f.requestGate = gate.New(
		f.config.Auth,
		f.config.Server,
		f.sessionStore,
		f.authCore,
		f.blacklistService,
		f.codec,
		util.Get(),
	)

	util.Info("Services initialized successfully")
}

// HealthCheck reports per-dependency health.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
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

// IsHealthy ignores the best-effort sinks; only session storage counts.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "elasticsearch")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) AuthService() *service.AuthService {
	return f.authService
}

func (f *Factory) AuthCore() *auth.Core {
	return f.authCore
}

func (f *Factory) RequestGate() *gate.Gate {
	return f.requestGate
}
