package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// MinSecretKeyLength is the shortest signing secret accepted at startup.
const MinSecretKeyLength = 32

type Config struct {
	AppName      string   `env:"APP_NAME" envDefault:"scoped-auth"`
	Environment  string   `env:"ENV" envDefault:"production"`
	ServerPort   int      `env:"SERVER_PORT" envDefault:"8080"`
	CORSOrigins  []string `env:"CORS_ORIGINS" envSeparator:","`
	MaxListLimit int      `env:"MAX_LIST_LIMIT" envDefault:"0"`

	Database DatabaseConfig
	Auth     AuthConfig
	Log      LogConfig
	Events   EventsConfig
	Storage  StorageConfig
}

type DatabaseConfig struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"scopedauth"`
	Password string `env:"DB_PASSWORD" envDefault:"password"`
	DBName   string `env:"DB_NAME" envDefault:"scopedauth"`
	UseSSL   bool   `env:"DB_USE_SSL" envDefault:"false"`

	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"2m"`

	// Enforced by the server for every session.
	StatementTimeout time.Duration `env:"DB_STATEMENT_TIMEOUT" envDefault:"30s"`
	IdleTimeout      time.Duration `env:"DB_IDLE_TIMEOUT" envDefault:"5m"`
	LockTimeout      time.Duration `env:"DB_LOCK_TIMEOUT" envDefault:"10s"`
	ConnectTimeout   time.Duration `env:"DB_CONNECT_TIMEOUT" envDefault:"10s"`
}

type AuthConfig struct {
	SecretKey                string `env:"SECRET_KEY"`
	Algorithm                string `env:"ALGORITHM" envDefault:"HS256"`
	AccessTokenExpireMinutes int    `env:"ACCESS_TOKEN_EXPIRE_MINUTES" envDefault:"30"`
	TokenType                string `env:"TOKEN_TYPE" envDefault:"Bearer"`
}

// AccessTokenTTL is the lifetime of tokens handed out by the login flow.
func (c AuthConfig) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenExpireMinutes) * time.Minute
}

type LogConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
	Dev   bool   `env:"LOG_DEV" envDefault:"false"`
	File  string `env:"LOG_FILE"`
}

type EventsConfig struct {
	Backend  string `env:"EVENTS_BACKEND"`
	Channel  string `env:"EVENTS_CHANNEL" envDefault:"accounts.events"`
	RabbitMQ RabbitMQConfig
	PubSub   PubSubConfig
}

type RabbitMQConfig struct {
	URL             string `env:"RABBITMQ_URL"`
	QueueDurable    bool   `env:"RABBITMQ_QUEUE_DURABLE" envDefault:"true"`
	QueueAutoDelete bool   `env:"RABBITMQ_QUEUE_AUTO_DELETE" envDefault:"false"`
	PrefetchCount   int    `env:"RABBITMQ_PREFETCH_COUNT" envDefault:"10"`
}

type PubSubConfig struct {
	ProjectID          string `env:"PUBSUB_PROJECT_ID"`
	CredentialsFile    string `env:"PUBSUB_CREDENTIALS_FILE"`
	SubscriptionSuffix string `env:"PUBSUB_SUBSCRIPTION_SUFFIX" envDefault:"-sub"`
}

type StorageConfig struct {
	Backend string `env:"STORAGE_BACKEND" envDefault:"minio"`
	Minio   MinioConfig
	GCS     GCSConfig
}

type MinioConfig struct {
	Endpoint  string `env:"MINIO_ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `env:"MINIO_ACCESS_KEY"`
	SecretKey string `env:"MINIO_SECRET_KEY"`
	Bucket    string `env:"MINIO_BUCKET" envDefault:"scopedauth"`
	UseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`
}

type GCSConfig struct {
	Bucket          string `env:"GCS_BUCKET"`
	ProjectID       string `env:"GCS_PROJECT_ID"`
	CredentialsFile string `env:"GCS_CREDENTIALS_FILE"`
}

// LoadConfig reads the configuration from the environment. In dev mode a
// local .env file is loaded first.
func LoadConfig() (Config, error) {
	if os.Getenv("ENV") == "dev" {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	secret := c.Auth.SecretKey
	if strings.TrimSpace(secret) == "" {
		return errors.New("SECRET_KEY is required")
	}
	if secret != strings.TrimSpace(secret) {
		return errors.New("SECRET_KEY must not have leading or trailing whitespace")
	}
	if len(secret) < MinSecretKeyLength {
		return fmt.Errorf("SECRET_KEY must be at least %d characters", MinSecretKeyLength)
	}
	if c.Auth.AccessTokenExpireMinutes <= 0 {
		return errors.New("ACCESS_TOKEN_EXPIRE_MINUTES must be positive")
	}
	if strings.TrimSpace(c.Auth.TokenType) == "" {
		return errors.New("TOKEN_TYPE must not be empty")
	}
	if c.MaxListLimit < 0 {
		return errors.New("MAX_LIST_LIMIT must not be negative")
	}
	switch c.Events.Backend {
	case "", "rabbitmq", "pubsub":
	default:
		return fmt.Errorf("unsupported EVENTS_BACKEND %q", c.Events.Backend)
	}
	return nil
}

// IsDev reports whether the service runs in development mode.
func (c Config) IsDev() bool {
	return c.Environment == "dev"
}
