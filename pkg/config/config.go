package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "EVENTENGINE"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "EVENTENGINE_DB_DSN"
	EnvDBHost = "EVENTENGINE_DB_HOST"
	EnvDBUser = "EVENTENGINE_DB_USER"
	EnvDBName = "EVENTENGINE_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Dispatcher   DispatcherConfig
	Projection   ProjectionConfig
	Admin        AdminConfig
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
	Env          string `envconfig:"EVENTENGINE_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"EVENTENGINE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"EVENTENGINE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"EVENTENGINE_SERVICE_KIND" default:"dispatcher"`
}

type DBConfig struct {
	DSN    string `envconfig:"EVENTENGINE_DB_DSN"`
	Driver string `envconfig:"EVENTENGINE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"EVENTENGINE_DB_HOST"`
	LegacyPort     int    `envconfig:"EVENTENGINE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"EVENTENGINE_DB_USER"`
	LegacyPassword string `envconfig:"EVENTENGINE_DB_PASSWORD"`
	LegacyName     string `envconfig:"EVENTENGINE_DB_NAME"`
	LegacySSLMode  string `envconfig:"EVENTENGINE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"EVENTENGINE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"EVENTENGINE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"EVENTENGINE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"EVENTENGINE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"EVENTENGINE_REDIS_URL"`
	Address      string        `envconfig:"EVENTENGINE_REDIS_ADDR"`
	Password     string        `envconfig:"EVENTENGINE_REDIS_PASSWORD"`
	DB           int           `envconfig:"EVENTENGINE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"EVENTENGINE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"EVENTENGINE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"EVENTENGINE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"EVENTENGINE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"EVENTENGINE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether a redis endpoint was configured at all. The
// idempotency guard is optional and skipped when redis is absent.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Address != ""
}

type DispatcherConfig struct {
	BatchSize      int           `envconfig:"EVENTENGINE_DISPATCH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"EVENTENGINE_DISPATCH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"EVENTENGINE_DISPATCH_MAX_ATTEMPTS" default:"10"`
	IdempotencyTTL time.Duration `envconfig:"EVENTENGINE_DISPATCH_IDEMPOTENCY_TTL" default:"720h"`
}

type ProjectionConfig struct {
	BatchSize      int `envconfig:"EVENTENGINE_PROJECTION_BATCH_SIZE" default:"200"`
	PollIntervalMS int `envconfig:"EVENTENGINE_PROJECTION_POLL_MS" default:"1000"`
}

type AdminConfig struct {
	Port string `envconfig:"EVENTENGINE_ADMIN_PORT" default:"9090"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"EVENTENGINE_AUTO_MIGRATE" default:"false"`
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
