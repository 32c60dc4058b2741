package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting of the onboarding service
type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig

	Redis         RedisConfig
	Kafka         KafkaConfig
	Scylla        ScyllaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig

	Identity   IdentityConfig
	KeyNetwork KeyNetworkConfig
	Profile    ProfileConfig
	Flow       FlowConfig
	Token      TokenConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// AllowedOrigins lists the host application origins allowed to embed the widget
	AllowedOrigins []string
	// AdminToken enables the support lookup routes when set
	AdminToken string
}

type LoggingConfig struct {
	Level  string
	Format string
	// FilePath enables rotated file output next to stdout when set
	FilePath     string
	MaxAge       time.Duration
	RotationTime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	FlowTopic  string
	ClientID   string
	RequireAck bool
}

type ScyllaConfig struct {
	Enabled  bool
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	// FingerprintSalt keys destination fingerprints; rotating it orphans rate limits and records
	FingerprintSalt string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

// IdentityConfig points at the OTP identity provider
type IdentityConfig struct {
	BaseURL   string
	ProjectID string
	Secret    string
	Timeout   time.Duration
	// EmailExpiration is the lifetime of an emailed passcode
	EmailExpiration time.Duration
}

// KeyNetworkConfig points at the key-management network gateway
type KeyNetworkConfig struct {
	BaseURL string
	APIKey  string
	Network string
	Timeout time.Duration
	Chain   string
	Curve   string
	KeyMemo string
}

// ProfileConfig points at the remote profile API and the defaults used on creation
type ProfileConfig struct {
	BaseURL          string
	Timeout          time.Duration
	SignupPin        string
	SignupBio        string
	SignupPictureURL string
	LoginPin         string
	// BlockingUpsert makes the profile upsert part of the terminal success state
	BlockingUpsert bool
}

// FlowConfig carries the OTP and orchestration knobs
type FlowConfig struct {
	CodeLength        int
	CountdownWindow   time.Duration
	ResendMinInterval time.Duration
	AutoVerifyDelay   time.Duration
	SessionDuration   time.Duration
	MaxRetries        int
	DefaultRegion     string
	// LoginSessionExpiration and SignupSessionExpiration are kept apart on purpose:
	// the two paths historically used 7 days and 10 minutes. Confirm with product before unifying.
	LoginSessionExpiration  time.Duration
	SignupSessionExpiration time.Duration
	RunTimeout              time.Duration
	SessionTTL              time.Duration
	SplashDelay             time.Duration
}

type TokenConfig struct {
	Secret string
	TTL    time.Duration
	Issuer string
}

var (
	loaded   *Config
	loadOnce sync.Once
)

// LoadConfig reads the environment (and an optional .env file) once
func LoadConfig() *Config {
	loadOnce.Do(func() {
		_ = godotenv.Load()
		loaded = fromEnv()
	})
	return loaded
}

// Get returns the loaded configuration, loading it on first use
func Get() *Config {
	return LoadConfig()
}

func fromEnv() *Config {
	return &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			TLSPort:        getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:      getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:       getEnvBool("SERVER_AUTO_CERT", false),
			Domain:         getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    getEnv("SERVER_AUTOCERT_DIR", "./certs"),
			Email:          getEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: getEnvSlice("SERVER_ALLOWED_ORIGINS", []string{"https://*"}),
			AdminToken:     getEnv("SERVER_ADMIN_TOKEN", ""),
		},
		Logging: LoggingConfig{
			Level:        getEnv("LOG_LEVEL", "info"),
			Format:       getEnv("LOG_FORMAT", "console"),
			FilePath:     getEnv("LOG_FILE", ""),
			MaxAge:       getEnvDuration("LOG_MAX_AGE", 7*24*time.Hour),
			RotationTime: getEnvDuration("LOG_ROTATION_TIME", 24*time.Hour),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Kafka: KafkaConfig{
			Enabled:    getEnvBool("KAFKA_ENABLED", false),
			Brokers:    getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			FlowTopic:  getEnv("KAFKA_FLOW_TOPIC", "onboarding.flow-events"),
			ClientID:   getEnv("KAFKA_CLIENT_ID", "onboard-service"),
			RequireAck: getEnvBool("KAFKA_REQUIRE_ACK", true),
		},
		Scylla: ScyllaConfig{
			Enabled:  getEnvBool("SCYLLA_ENABLED", false),
			Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "onboarding"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "onboarding"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_INDEX", "onboarding-records"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "us-east-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 8*1024),
			Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 1),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
			FingerprintSalt:   getEnv("FINGERPRINT_SALT", "onboard-service-dev-salt"),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getEnvInt("USER_BUCKETS", 256),
			EventBuckets: getEnvInt("EVENT_BUCKETS", 64),
		},
		Identity: IdentityConfig{
			BaseURL:         getEnv("IDENTITY_BASE_URL", "https://test.stytch.com"),
			ProjectID:       getEnv("IDENTITY_PROJECT_ID", ""),
			Secret:          getEnv("IDENTITY_SECRET", ""),
			Timeout:         getEnvDuration("IDENTITY_TIMEOUT", 10*time.Second),
			EmailExpiration: getEnvDuration("IDENTITY_EMAIL_EXPIRATION", 10*time.Minute),
		},
		KeyNetwork: KeyNetworkConfig{
			BaseURL: getEnv("KEYNET_BASE_URL", "http://localhost:3001"),
			APIKey:  getEnv("KEYNET_API_KEY", ""),
			Network: getEnv("KEYNET_NETWORK", "datil-dev"),
			Timeout: getEnvDuration("KEYNET_TIMEOUT", 30*time.Second),
			Chain:   getEnv("KEYNET_CHAIN", "solana"),
			Curve:   getEnv("KEYNET_CURVE", "solana"),
			KeyMemo: getEnv("KEYNET_KEY_MEMO", "WrappedKey for Solana"),
		},
		Profile: ProfileConfig{
			BaseURL:          getEnv("PROFILE_BASE_URL", "https://infusewallet.xyz/api"),
			Timeout:          getEnvDuration("PROFILE_TIMEOUT", 10*time.Second),
			SignupPin:        getEnv("PROFILE_SIGNUP_PIN", "0000"),
			SignupBio:        getEnv("PROFILE_SIGNUP_BIO", "just a lapo boy"),
			SignupPictureURL: getEnv("PROFILE_SIGNUP_PICTURE", "https://assets.infusewallet.xyz/assets/solana.png"),
			LoginPin:         getEnv("PROFILE_LOGIN_PIN", ""),
			BlockingUpsert:   getEnvBool("PROFILE_BLOCKING_UPSERT", true),
		},
		Flow: FlowConfig{
			CodeLength:              getEnvInt("OTP_CODE_LENGTH", 6),
			CountdownWindow:         getEnvDuration("OTP_COUNTDOWN", 120*time.Second),
			ResendMinInterval:       getEnvDuration("OTP_RESEND_MIN_INTERVAL", 30*time.Second),
			AutoVerifyDelay:         getEnvDuration("OTP_AUTO_VERIFY_DELAY", 500*time.Millisecond),
			SessionDuration:         getEnvDuration("OTP_SESSION_DURATION", 60*time.Minute),
			MaxRetries:              getEnvInt("FLOW_MAX_RETRIES", 3),
			DefaultRegion:           getEnv("FLOW_DEFAULT_REGION", "US"),
			LoginSessionExpiration:  getEnvDuration("FLOW_LOGIN_SESSION_EXPIRATION", 7*24*time.Hour),
			SignupSessionExpiration: getEnvDuration("FLOW_SIGNUP_SESSION_EXPIRATION", 7*24*time.Hour),
			RunTimeout:              getEnvDuration("FLOW_RUN_TIMEOUT", 2*time.Minute),
			SessionTTL:              getEnvDuration("FLOW_SESSION_TTL", 30*time.Minute),
			SplashDelay:             getEnvDuration("FLOW_SPLASH_DELAY", time.Second),
		},
		Token: TokenConfig{
			Secret: getEnv("FLOW_TOKEN_SECRET", "dev-only-flow-token-secret"),
			TTL:    getEnvDuration("FLOW_TOKEN_TTL", 30*time.Minute),
			Issuer: getEnv("FLOW_TOKEN_ISSUER", "onboard-service"),
		},
	}
}

// Validate rejects configurations that cannot run in production
func (c *Config) Validate() error {
	if c.Flow.CodeLength <= 0 {
		return fmt.Errorf("OTP_CODE_LENGTH must be positive")
	}
	if c.Flow.MaxRetries < 0 {
		return fmt.Errorf("FLOW_MAX_RETRIES must not be negative")
	}
	if c.IsProduction() {
		if c.Token.Secret == "dev-only-flow-token-secret" || len(c.Token.Secret) < 32 {
			return fmt.Errorf("FLOW_TOKEN_SECRET must be set to at least 32 characters in production")
		}
		if c.Identity.ProjectID == "" || c.Identity.Secret == "" {
			return fmt.Errorf("IDENTITY_PROJECT_ID and IDENTITY_SECRET are required in production")
		}
		if c.KMS.Enabled && c.KMS.KeyID == "" {
			return fmt.Errorf("KMS_KEY_ID is required when KMS is enabled")
		}
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
