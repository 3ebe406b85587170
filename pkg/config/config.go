package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every environment variable the service reads.
const EnvPrefix = "NPW"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvDBDSN  = "NPW_DB_DSN"
	EnvDBHost = "NPW_DB_HOST"
	EnvDBUser = "NPW_DB_USER"
	EnvDBName = "NPW_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	AcceptPay    AcceptPayConfig
	Webhook      WebhookConfig
	Reconciler   ReconcilerConfig
	Recovery     RecoveryConfig
	FeatureFlags FeatureFlagsConfig
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
	Env          string `envconfig:"NPW_APP_ENV" required:"true"`
	Port         string `envconfig:"NPW_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"NPW_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"NPW_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"NPW_DB_DSN"`
	Driver string `envconfig:"NPW_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"NPW_DB_HOST"`
	LegacyPort     int    `envconfig:"NPW_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"NPW_DB_USER"`
	LegacyPassword string `envconfig:"NPW_DB_PASSWORD"`
	LegacyName     string `envconfig:"NPW_DB_NAME"`
	LegacySSLMode  string `envconfig:"NPW_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"NPW_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"NPW_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"NPW_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"NPW_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"NPW_REDIS_URL" required:"true"`
	PoolSize     int           `envconfig:"NPW_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"NPW_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"NPW_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"NPW_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"NPW_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"NPW_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"NPW_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"NPW_JWT_EXPIRATION_MINUTES" default:"60"`
}

// AcceptPayConfig configures the upstream UPI gateway client.
type AcceptPayConfig struct {
	BaseURL        string        `envconfig:"NPW_ACCEPTPAY_BASE_URL" required:"true"`
	APIKey         string        `envconfig:"NPW_ACCEPTPAY_API_KEY" required:"true"`
	APISecret      string        `envconfig:"NPW_ACCEPTPAY_API_SECRET" required:"true"`
	ReturnURL      string        `envconfig:"NPW_ACCEPTPAY_RETURN_URL" required:"true"`
	WebhookURL     string        `envconfig:"NPW_ACCEPTPAY_WEBHOOK_URL" required:"true"`
	RequestTimeout time.Duration `envconfig:"NPW_ACCEPTPAY_REQUEST_TIMEOUT" default:"15s"`
	PaymentWindow  time.Duration `envconfig:"NPW_ACCEPTPAY_PAYMENT_WINDOW" default:"15m"`
}

type WebhookConfig struct {
	SigningSecret  string        `envconfig:"NPW_WEBHOOK_SIGNING_SECRET" required:"true"`
	IdempotencyTTL time.Duration `envconfig:"NPW_WEBHOOK_IDEMPOTENCY_TTL" default:"24h"`
}

// ReconcilerConfig tunes the background sweep over stale pending payments.
type ReconcilerConfig struct {
	SweepInterval  time.Duration `envconfig:"NPW_RECONCILER_SWEEP_INTERVAL" default:"1m"`
	SweepBatchSize int           `envconfig:"NPW_RECONCILER_SWEEP_BATCH_SIZE" default:"50"`
	MinPendingAge  time.Duration `envconfig:"NPW_RECONCILER_MIN_PENDING_AGE" default:"30s"`
	MaxAttempts    int           `envconfig:"NPW_RECONCILER_MAX_ATTEMPTS" default:"3"`
	RetryBase      time.Duration `envconfig:"NPW_RECONCILER_RETRY_BASE" default:"500ms"`
}

type RecoveryConfig struct {
	SnapshotTTL time.Duration `envconfig:"NPW_RECOVERY_SNAPSHOT_TTL" default:"48h"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"NPW_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"NPW_AUTO_MIGRATE" default:"false"`
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
