package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"authcore/internal/util"
)

const minSecretLength = 20

// Config holds every tunable the service reads at boot.
type Config struct {
	Environment string
	Logging     LoggingConfig
	Server      ServerConfig
	Auth        AuthConfig
	Security    SecurityConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	Clickhouse  ClickhouseConfig
	Elastic     ElasticConfig
	KMS         KMSConfig
	Hashing     HashingConfig
	Bucketing   BucketingConfig
}

type LoggingConfig struct {
	Level  string
	Format string
}

type ServerConfig struct {
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
}

// AuthConfig controls session lifetime, rotation and cookie behaviour.
type AuthConfig struct {
	SessionTimeout  time.Duration // idle timeout after which a session is invalid
	ActivityRefresh time.Duration // min gap between last_active writes
	RotationPeriod  time.Duration // continuous-use window before id rotation
	CleanupInterval time.Duration // min gap between expired-session sweeps
	CookieName      string
	CookieLifetime  time.Duration
}

// SecurityConfig carries the signed-token and blacklist settings.
type SecurityConfig struct {
	Hash      string // hmac hash algorithm: sha1, sha256, sha512
	HMACKey   string
	CryptKey  string
	Blacklist BlacklistConfig
}

type BlacklistConfig struct {
	Enabled       bool
	TriggerPeriod time.Duration // window considered for the blocking decision
	StorePeriod   time.Duration // retention window for entries
	Threshold     int           // sum(severity) must exceed this to block
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type ElasticConfig struct {
	URL      string
	Index    string
	Username string
	Password string
}

// KMSConfig enables decrypting the HMAC/crypt secrets via AWS KMS instead of
// reading them in the clear.
type KMSConfig struct {
	Enabled             bool
	KeyID               string
	HMACKeyCiphertext   string
	CryptKeyCiphertext  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
}

type BucketingConfig struct {
	EventBuckets int
}

// LoadConfig reads configuration from the environment. A .env file is honored
// when present so local runs match the container setup.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: util.GetEnv("APP_ENV", "development"),
		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", "json"),
		},
		Server: ServerConfig{
			Port:         util.GetEnvInt("SERVER_PORT", 8080),
			TLSPort:      util.GetEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    util.GetEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     util.GetEnvBool("SERVER_AUTO_CERT", false),
			Domain:       util.GetEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     util.GetEnv("SERVER_CERT_FILE", ""),
			KeyFile:      util.GetEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  util.GetEnv("SERVER_AUTOCERT_DIR", "/var/cache/authcore/certs"),
			Email:        util.GetEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:  util.GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Auth: AuthConfig{
			SessionTimeout:  util.GetEnvDuration("AUTH_SESSION_TIMEOUT", 900*time.Second),
			ActivityRefresh: util.GetEnvDuration("AUTH_ACTIVITY_REFRESH", 5*time.Minute),
			RotationPeriod:  util.GetEnvDuration("AUTH_ROTATION_PERIOD", 4*time.Hour),
			CleanupInterval: util.GetEnvDuration("AUTH_CLEANUP_INTERVAL", time.Hour),
			CookieName:      util.GetEnv("AUTH_COOKIE_NAME", "authcore_session"),
			CookieLifetime:  util.GetEnvDuration("AUTH_COOKIE_LIFETIME", 24*time.Hour),
		},
		Security: SecurityConfig{
			Hash:     util.GetEnv("SECURITY_HASH", "sha256"),
			HMACKey:  util.GetEnv("SECURITY_HMAC_KEY", ""),
			CryptKey: util.GetEnv("SECURITY_CRYPT_KEY", ""),
			Blacklist: BlacklistConfig{
				Enabled:       util.GetEnvBool("SECURITY_BLACKLIST_ENABLED", true),
				TriggerPeriod: util.GetEnvDuration("SECURITY_BLACKLIST_TRIGGER_PERIOD", 4*time.Hour),
				StorePeriod:   util.GetEnvDuration("SECURITY_BLACKLIST_STORE_PERIOD", 30*24*time.Hour),
				Threshold:     util.GetEnvInt("SECURITY_BLACKLIST_THRESHOLD", 25),
			},
		},
		Redis: RedisConfig{
			URL:      util.GetEnv("REDIS_URL", "redis://localhost:6379"),
			Password: util.GetEnv("REDIS_PASSWORD", ""),
			DB:       util.GetEnvInt("REDIS_DB", 0),
			PoolSize: util.GetEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    util.GetEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: util.GetEnv("SCYLLA_KEYSPACE", "authcore"),
			Username: util.GetEnv("SCYLLA_USERNAME", ""),
			Password: util.GetEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers: util.GetEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   util.GetEnv("KAFKA_SECURITY_TOPIC", "security-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      util.GetEnv("CLICKHOUSE_URL", "localhost:9000"),
			Database: util.GetEnv("CLICKHOUSE_DATABASE", "authcore"),
			Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Elastic: ElasticConfig{
			URL:      util.GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Index:    util.GetEnv("ELASTICSEARCH_SECURITY_INDEX", "authcore-security-events"),
			Username: util.GetEnv("ELASTICSEARCH_USERNAME", ""),
			Password: util.GetEnv("ELASTICSEARCH_PASSWORD", ""),
		},
		KMS: KMSConfig{
			Enabled:            util.GetEnvBool("SECURITY_KMS_ENABLED", false),
			KeyID:              util.GetEnv("SECURITY_KMS_KEY_ID", ""),
			HMACKeyCiphertext:  util.GetEnv("SECURITY_HMAC_KEY_CIPHERTEXT", ""),
			CryptKeyCiphertext: util.GetEnv("SECURITY_CRYPT_KEY_CIPHERTEXT", ""),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  util.GetEnvInt("HASHING_ARGON2_MEMORY", 64*1024),
			Argon2TimeCost:    util.GetEnvInt("HASHING_ARGON2_TIME", 3),
			Argon2Parallelism: util.GetEnvInt("HASHING_ARGON2_PARALLELISM", 2),
		},
		Bucketing: BucketingConfig{
			EventBuckets: util.GetEnvInt("BUCKETING_EVENT_BUCKETS", 64),
		},
	}
}

// Validate checks the security-critical settings. Failures here must abort
// startup; they are never deferred to request time.
func (c *Config) Validate() error {
	if len(c.Security.HMACKey) < minSecretLength {
		return fmt.Errorf("security.hmac_key must be at least %d characters", minSecretLength)
	}
	if len(c.Security.CryptKey) < minSecretLength {
		return fmt.Errorf("security.crypt_key must be at least %d characters", minSecretLength)
	}
	switch c.Security.Hash {
	case "sha1", "sha256", "sha512":
	default:
		return fmt.Errorf("security.hash %q is not supported", c.Security.Hash)
	}
	if c.Auth.SessionTimeout <= 0 {
		return fmt.Errorf("auth.session_timeout must be positive")
	}
	if c.Security.Blacklist.Threshold <= 0 {
		return fmt.Errorf("security.blacklist.threshold must be positive")
	}
	if c.Bucketing.EventBuckets <= 0 {
		return fmt.Errorf("bucketing.event_buckets must be positive")
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
	return fmt.Sprintf(":%d", c.Server.Port)
}
