package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Gallery    GalleryConfig
	RateLimit  RateLimitConfig
	Abuse      AbuseConfig
	Quota      QuotaConfig
	Cart       CartConfig
	Storage    StorageConfig
	Resilience ResilienceConfig
	Resources  ResourceConfig
	Payments   PaymentsConfig
	Flags      FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PROOFROOM_APP_ENV" required:"true"`
	Port         string `envconfig:"PROOFROOM_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"PROOFROOM_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PROOFROOM_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"PROOFROOM_DB_DSN"`
	Driver string `envconfig:"PROOFROOM_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"PROOFROOM_DB_HOST"`
	LegacyPort     int    `envconfig:"PROOFROOM_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"PROOFROOM_DB_USER"`
	LegacyPassword string `envconfig:"PROOFROOM_DB_PASSWORD"`
	LegacyName     string `envconfig:"PROOFROOM_DB_NAME"`
	LegacySSLMode  string `envconfig:"PROOFROOM_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PROOFROOM_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PROOFROOM_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PROOFROOM_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PROOFROOM_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PROOFROOM_REDIS_URL" required:"true"`
	Address      string        `envconfig:"PROOFROOM_REDIS_ADDR"`
	Password     string        `envconfig:"PROOFROOM_REDIS_PASSWORD"`
	DB           int           `envconfig:"PROOFROOM_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PROOFROOM_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PROOFROOM_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PROOFROOM_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PROOFROOM_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PROOFROOM_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig covers owner (photographer account) bearer tokens.
type JWTConfig struct {
	Secret            string `envconfig:"PROOFROOM_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"PROOFROOM_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"PROOFROOM_JWT_EXPIRATION_MINUTES" required:"true"`
}

// GalleryConfig covers client-facing gallery access.
type GalleryConfig struct {
	ClientKeySecret string `envconfig:"PROOFROOM_CLIENT_KEY_SECRET" required:"true"`
}

type RateLimitConfig struct {
	Window      time.Duration `envconfig:"PROOFROOM_RATE_LIMIT_WINDOW" default:"60s"`
	MaxRequests int           `envconfig:"PROOFROOM_RATE_LIMIT_MAX_REQUESTS" default:"30"`
}

type AbuseConfig struct {
	MaxClientKeysPerIPHour int           `envconfig:"PROOFROOM_ABUSE_MAX_CLIENT_KEYS_PER_IP_HOUR" default:"5"`
	BurstWindow            time.Duration `envconfig:"PROOFROOM_ABUSE_BURST_WINDOW" default:"5m"`
	BurstMaxRequests       int           `envconfig:"PROOFROOM_ABUSE_BURST_MAX_REQUESTS" default:"60"`
	HardBlockScore         int           `envconfig:"PROOFROOM_ABUSE_HARD_BLOCK_SCORE" default:"8"`
	SoftFlagScore          int           `envconfig:"PROOFROOM_ABUSE_SOFT_FLAG_SCORE" default:"4"`
	SecurityEventCapacity  int           `envconfig:"PROOFROOM_ABUSE_SECURITY_EVENT_CAPACITY" default:"512"`
}

type QuotaConfig struct {
	CacheTTL          time.Duration `envconfig:"PROOFROOM_QUOTA_CACHE_TTL" default:"30s"`
	CacheSize         int           `envconfig:"PROOFROOM_QUOTA_CACHE_SIZE" default:"4096"`
	EntitlementExpiry time.Duration `envconfig:"PROOFROOM_QUOTA_ENTITLEMENT_EXPIRY" default:"30m"`
	SweepInterval     time.Duration `envconfig:"PROOFROOM_QUOTA_SWEEP_INTERVAL" default:"5m"`
}

type CartConfig struct {
	MaxBatchSize int           `envconfig:"PROOFROOM_CART_MAX_BATCH_SIZE" default:"50"`
	LockWait     time.Duration `envconfig:"PROOFROOM_CART_LOCK_WAIT" default:"5s"`
	LockTTL      time.Duration `envconfig:"PROOFROOM_CART_LOCK_TTL" default:"30s"`
}

type StorageConfig struct {
	BaseURL         string        `envconfig:"PROOFROOM_STORAGE_BASE_URL" required:"true"`
	Bucket          string        `envconfig:"PROOFROOM_STORAGE_BUCKET" required:"true"`
	APIKey          string        `envconfig:"PROOFROOM_STORAGE_API_KEY"`
	SigningSecret   string        `envconfig:"PROOFROOM_STORAGE_SIGNING_SECRET"`
	SignedURLExpiry time.Duration `envconfig:"PROOFROOM_STORAGE_SIGNED_URL_EXPIRY" default:"15m"`
	RequestTimeout  time.Duration `envconfig:"PROOFROOM_STORAGE_REQUEST_TIMEOUT" default:"30s"`
	LocalBackupDir  string        `envconfig:"PROOFROOM_STORAGE_LOCAL_BACKUP_DIR"`
}

type ResilienceConfig struct {
	FailureThreshold int           `envconfig:"PROOFROOM_BREAKER_FAILURE_THRESHOLD" default:"3"`
	RecoveryTimeout  time.Duration `envconfig:"PROOFROOM_BREAKER_RECOVERY_TIMEOUT" default:"30s"`
	HalfOpenMaxCalls int           `envconfig:"PROOFROOM_BREAKER_HALF_OPEN_MAX_CALLS" default:"2"`
	MaxRetries       int           `envconfig:"PROOFROOM_RETRY_MAX_RETRIES" default:"3"`
	BaseDelay        time.Duration `envconfig:"PROOFROOM_RETRY_BASE_DELAY" default:"200ms"`
	MaxDelay         time.Duration `envconfig:"PROOFROOM_RETRY_MAX_DELAY" default:"5s"`
	CallTimeout      time.Duration `envconfig:"PROOFROOM_CALL_TIMEOUT" default:"20s"`
}

type ResourceConfig struct {
	MaxOperations       int           `envconfig:"PROOFROOM_RESOURCES_MAX_OPERATIONS" default:"100"`
	MaxStreams          int           `envconfig:"PROOFROOM_RESOURCES_MAX_STREAMS" default:"200"`
	MaxTempFiles        int           `envconfig:"PROOFROOM_RESOURCES_MAX_TEMP_FILES" default:"100"`
	MaxMultipartUploads int           `envconfig:"PROOFROOM_RESOURCES_MAX_MULTIPART_UPLOADS" default:"20"`
	MaxTrackedMemory    int64         `envconfig:"PROOFROOM_RESOURCES_MAX_TRACKED_MEMORY" default:"536870912"`
	OperationTimeout    time.Duration `envconfig:"PROOFROOM_RESOURCES_OPERATION_TIMEOUT" default:"2m"`
	SweepInterval       time.Duration `envconfig:"PROOFROOM_RESOURCES_SWEEP_INTERVAL" default:"30s"`
	SweepGrace          time.Duration `envconfig:"PROOFROOM_RESOURCES_SWEEP_GRACE" default:"30s"`
}

type PaymentsConfig struct {
	APIKey         string        `envconfig:"PROOFROOM_PAYMENTS_API_KEY"`
	WebhookSecret  string        `envconfig:"PROOFROOM_PAYMENTS_WEBHOOK_SECRET"`
	Env            string        `envconfig:"PROOFROOM_PAYMENTS_ENV" default:"test"`
	IdempotencyTTL time.Duration `envconfig:"PROOFROOM_PAYMENTS_IDEMPOTENCY_TTL" default:"720h"`
}

// Environment returns the normalized payments environment (test/live).
func (p PaymentsConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(p.Env))
	if env == "" {
		return "test"
	}
	return env
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"PROOFROOM_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
