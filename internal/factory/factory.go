package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"onboard-service/internal/bucketing"
	"onboard-service/internal/client"
	"onboard-service/internal/config"
	"onboard-service/internal/encryption"
	"onboard-service/internal/events"
	"onboard-service/internal/handler"
	"onboard-service/internal/hashing"
	"onboard-service/internal/identity"
	"onboard-service/internal/keynet"
	"onboard-service/internal/onboarding"
	"onboard-service/internal/profile"
	"onboard-service/internal/relay"
	cache "onboard-service/internal/repository/redis"
	"onboard-service/internal/repository/scylla"
	"onboard-service/internal/repository/search"
	"onboard-service/internal/service"
	"onboard-service/internal/tls"
	"onboard-service/internal/token"
	"onboard-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/jonboulle/clockwork"
)

const janitorInterval = time.Minute

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Repositories
	onboardingRepo  *scylla.OnboardingRepository
	onboardingIndex *search.OnboardingIndex

	flowService *service.FlowService
	stopJanitor context.CancelFunc

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.InitWithFile(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format, util.FileOutput{
		Path:         cfg.Logging.FilePath,
		MaxAge:       cfg.Logging.MaxAge,
		RotationTime: cfg.Logging.RotationTime,
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{config: cfg}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg.Server, cfg.Environment)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeRepositories(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := factory.initializeFlowService(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize flow service: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("redis", factory.redisClient != nil),
		util.Bool("kafka", factory.kafkaProducer != nil),
		util.Bool("scylla", factory.scyllaClient != nil),
		util.Bool("clickhouse", factory.clickhouseClient != nil),
		util.Bool("elasticsearch", factory.esClient != nil),
	)

	return factory, nil
}

// initializeClients connects every backing store. Outside production a
// failed optional store is logged and the service runs without it.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else if err := c.HealthCheck(ctx); err != nil {
		_ = c.Close()
		initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
	} else {
		f.redisClient = c
		util.Info("Redis client initialized and healthy")
	}

	// ScyllaDB
	if f.config.Scylla.Enabled {
		if c, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			c.Close()
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			f.scyllaClient = c
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka is best effort everywhere; flow events still reach the log
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			c.Close()
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			f.esClient = c
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			_ = c.Close()
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			f.clickhouseClient = c
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

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)

	util.Info("Managers initialized successfully",
		util.Bool("kms", f.encryptionManager.UsesKMS()),
		util.Int("user_buckets", f.bucketingManager.GetUserBuckets()),
		util.Int("event_buckets", f.bucketingManager.GetEventBuckets()),
	)
	return nil
}

func (f *Factory) initializeRepositories() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if f.scyllaClient != nil {
		if err := f.scyllaClient.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("scylla schema: %w", err)
		}
		f.onboardingRepo = scylla.NewOnboardingRepository(f.scyllaClient, f.bucketingManager, f.hasher, f.encryptionManager)
	}

	if f.esClient != nil {
		f.onboardingIndex = search.NewOnboardingIndex(f.esClient, f.config.Elasticsearch.Index)
	}

	return nil
}

// eventPublisher fans flow events out to every configured sink. The log
// publisher is always present so a bare deployment still has an audit trail.
func (f *Factory) eventPublisher() (events.Fanout, error) {
	out := events.Fanout{events.NewLogPublisher(util.Get())}

	if f.kafkaProducer != nil {
		out = append(out, events.NewKafkaPublisher(f.kafkaProducer, f.config.Kafka.FlowTopic))
	}

	if f.clickhouseClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		recorder := events.NewClickHouseRecorder(f.clickhouseClient)
		if err := recorder.EnsureSchema(ctx); err != nil {
			if f.config.IsProduction() {
				return nil, fmt.Errorf("clickhouse schema: %w", err)
			}
			util.Warn("ClickHouse flow events disabled", util.ErrorField(err))
		} else {
			out = append(out, recorder)
		}
	}

	return out, nil
}

func (f *Factory) initializeFlowService() error {
	logger := util.Get()
	clock := clockwork.NewRealClock()

	deps := service.FlowServiceDeps{
		Identity: identity.NewClient(f.config.Identity, logger),
		Tokens:   token.NewIssuer(f.config.Token, clock),
		Onboarding: onboarding.Deps{
			Keys:     keynet.NewClient(f.config.KeyNetwork, logger),
			Profiles: profile.NewClient(f.config.Profile, logger),
			Buckets:  f.bucketingManager,
		},
		Clock:  clock,
		Logger: logger,
	}

	if f.redisClient != nil {
		deps.Gate = cache.NewSendLimiter(f.redisClient, f.hasher, f.config.Flow.ResendMinInterval)
		deps.Snapshots = cache.NewFlowStore(f.redisClient, f.config.Flow.SessionTTL)
		deps.Outbox = cache.NewRelayOutbox(f.redisClient, f.encryptionManager, f.config.Flow.SessionTTL)
	} else {
		util.Warn("Redis unavailable - host messages stay in process and sends are not rate limited")
		deps.Outbox = relay.NewMemorySink()
	}

	publisher, err := f.eventPublisher()
	if err != nil {
		return err
	}
	deps.Onboarding.Events = publisher

	// Interfaces are only set from non-nil pointers
	if f.onboardingRepo != nil {
		deps.Onboarding.Records = f.onboardingRepo
	}
	if f.onboardingIndex != nil {
		deps.Onboarding.Index = f.onboardingIndex
	}

	f.flowService = service.NewFlowService(f.config, deps)

	ctx, cancel := context.WithCancel(context.Background())
	f.stopJanitor = cancel
	f.flowService.StartJanitor(ctx, janitorInterval)
	return nil
}

// RecordsHandler builds the support lookup over whichever record backends are up
func (f *Factory) RecordsHandler() *handler.RecordsHandler {
	var (
		index handler.RecordIndex
		repo  handler.RecordRepository
	)
	if f.onboardingIndex != nil {
		index = f.onboardingIndex
	}
	if f.onboardingRepo != nil {
		repo = f.onboardingRepo
	}
	return handler.NewRecordsHandler(index, repo, f.config.Server.AdminToken, util.Get())
}

// ==============================
// Health Checks
// ==============================

// HealthCheck reports every enabled dependency; a nil error means healthy
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	health := make(map[string]error)

	if f.redisClient != nil {
		health["redis"] = f.redisClient.HealthCheck(ctx)
	} else if f.config.IsProduction() {
		health["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		health["scylla"] = f.scyllaClient.HealthCheck(ctx)
	} else if f.config.Scylla.Enabled {
		health["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		health["elasticsearch"] = f.esClient.HealthCheck(ctx)
	} else if f.config.Elasticsearch.Enabled {
		health["elasticsearch"] = fmt.Errorf("elasticsearch client not initialized")
	}

	if f.clickhouseClient != nil {
		health["clickhouse"] = f.clickhouseClient.HealthCheck(ctx)
	} else if f.config.Clickhouse.Enabled {
		health["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
	}

	if f.kafkaProducer != nil {
		health["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}

	if f.flowService == nil {
		health["flows"] = fmt.Errorf("flow service not initialized")
	}

	return health
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.stopJanitor != nil {
			f.stopJanitor()
		}

		// Runs in flight still write to the stores below
		if f.flowService != nil {
			f.flowService.Close()
			util.Info("Flow service closed")
		}

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

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) FlowService() *service.FlowService {
	return f.flowService
}
