package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"stock-tracker/internal/models"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Scheduler SchedulerConfig
	Safety    SafetyConfig
	Fetcher   FetcherConfig
	Telegram  TelegramConfig
	Email     EmailConfig
	Discord   DiscordConfig
	Pushover  PushoverConfig
	Kafka     KafkaConfig
	Basket    BasketConfig
	API       APIConfig
	Redis     RedisConfig
}

type AppConfig struct {
	Name        string `envconfig:"APP_NAME" default:"stock-tracker"`
	Environment string `envconfig:"APP_ENV" default:"development"`
	// SecretKey encrypts the retailer password at rest.
	SecretKey string `envconfig:"APP_SECRET_KEY" default:""`
	// PublicURL is used for links in notifications when set.
	PublicURL string `envconfig:"APP_PUBLIC_URL" default:""`
}

type DatabaseConfig struct {
	Driver      string `envconfig:"DB_DRIVER" default:"sqlite"` // sqlite or postgres
	Path        string `envconfig:"DB_PATH" default:"./data/tracker.db"`
	PostgresDSN string `envconfig:"DB_POSTGRES_DSN" default:""`
	MaxConns    int32  `envconfig:"DB_MAX_CONNS" default:"10"`
}

type SchedulerConfig struct {
	Tick                 time.Duration `envconfig:"SCHEDULER_TICK" default:"30s"`
	Workers              int           `envconfig:"SCHEDULER_WORKERS" default:"4"`
	DefaultInterval      int           `envconfig:"POLL_INTERVAL_DEFAULT_MINUTES" default:"15"`
	MinInterval          int           `envconfig:"POLL_INTERVAL_MIN_MINUTES" default:"5"`
	MaxInterval          int           `envconfig:"POLL_INTERVAL_MAX_MINUTES" default:"1440"`
	JitterFraction       float64       `envconfig:"POLL_JITTER_FRACTION" default:"0.1"`
	FailureThreshold     int           `envconfig:"FAILURE_DISABLE_THRESHOLD" default:"10"`
	MaxBackoffMultiplier float64       `envconfig:"MAX_BACKOFF_MULTIPLIER" default:"16"`
	FetchTimeout         time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
	// Zero keeps history append-only; a positive value prunes it for bounded storage.
	HistoryRetention     time.Duration `envconfig:"HISTORY_RETENTION" default:"0"`
	CleanupInterval      time.Duration `envconfig:"HISTORY_CLEANUP_INTERVAL" default:"24h"`
}

type SafetyConfig struct {
	SoftBlockThreshold int           `envconfig:"SOFT_BLOCK_THRESHOLD" default:"3"`
	Window             time.Duration `envconfig:"SOFT_BLOCK_WINDOW" default:"30m"`
	CoolDown           time.Duration `envconfig:"SAFE_MODE_COOLDOWN" default:"1h"`
	SafeModeFactor     float64       `envconfig:"SAFE_MODE_FACTOR" default:"2"`
	KillSwitch         bool          `envconfig:"KILL_SWITCH" default:"false"`
	SafeMode           bool          `envconfig:"SAFE_MODE" default:"false"`
}

type FetcherConfig struct {
	CostcoBaseURL     string   `envconfig:"COSTCO_BASE_URL" default:"https://www.costco.co.uk"`
	RequestsPerSecond float64  `envconfig:"FETCH_REQUESTS_PER_SECOND" default:"0.5"`
	Burst             int      `envconfig:"FETCH_BURST" default:"1"`
	UserAgents        []string `envconfig:"FETCH_USER_AGENTS" default:""`
}

type TelegramConfig struct {
	BotToken string `envconfig:"TELEGRAM_BOT_TOKEN" default:""`
	ChatID   int64  `envconfig:"TELEGRAM_CHAT_ID" default:"0"`
}

type EmailConfig struct {
	Region string   `envconfig:"SES_REGION" default:""`
	From   string   `envconfig:"EMAIL_FROM" default:""`
	To     []string `envconfig:"EMAIL_TO" default:""`
}

type DiscordConfig struct {
	WebhookURL string `envconfig:"DISCORD_WEBHOOK_URL" default:""`
}

type PushoverConfig struct {
	AppToken string `envconfig:"PUSHOVER_APP_TOKEN" default:""`
	UserKey  string `envconfig:"PUSHOVER_USER_KEY" default:""`
}

type KafkaConfig struct {
	Brokers string `envconfig:"KAFKA_BROKERS" default:""`
	Topic   string `envconfig:"KAFKA_TOPIC" default:"stock-tracker.alerts"`
}

type BasketConfig struct {
	Enabled           bool          `envconfig:"BASKET_ENABLED" default:"false"`
	Email             string        `envconfig:"BASKET_EMAIL" default:""`
	EncryptedPassword string        `envconfig:"BASKET_PASSWORD_ENCRYPTED" default:""`
	BaseURL           string        `envconfig:"BASKET_BASE_URL" default:"https://www.costco.co.uk"`
	Timeout           time.Duration `envconfig:"BASKET_TIMEOUT" default:"30s"`
}

type APIConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
	Keys            []string      `envconfig:"API_KEYS" default:""`
	AllowedOrigins  []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// RedisConfig enables the shared flag store when Addr is set.
type RedisConfig struct {
	Addr      string `envconfig:"REDIS_ADDR" default:""`
	Password  string `envconfig:"REDIS_PASSWORD" default:""`
	DB        int    `envconfig:"REDIS_DB" default:"0"`
	KeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"stocktracker:flags"`
}

// Address returns the server address in host:port format.
func (a *APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

func (a *AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks bounds that would make the scheduler misbehave.
func (c *Config) Validate() error {
	s := c.Scheduler
	switch {
	case c.Database.Driver != "sqlite" && c.Database.Driver != "postgres":
		return models.NewConfigurationError("DB_DRIVER", "unknown driver %q", c.Database.Driver)
	case c.Database.Driver == "postgres" && c.Database.PostgresDSN == "":
		return models.NewConfigurationError("DB_POSTGRES_DSN", "required for the postgres driver")
	case s.Workers < 1:
		return models.NewConfigurationError("SCHEDULER_WORKERS", "must be at least 1")
	case s.Tick <= 0:
		return models.NewConfigurationError("SCHEDULER_TICK", "must be positive")
	case s.MinInterval < 1:
		return models.NewConfigurationError("POLL_INTERVAL_MIN_MINUTES", "must be at least 1")
	case s.MinInterval > s.MaxInterval:
		return models.NewConfigurationError("POLL_INTERVAL_MAX_MINUTES", "min %d is above max %d", s.MinInterval, s.MaxInterval)
	case s.DefaultInterval < s.MinInterval || s.DefaultInterval > s.MaxInterval:
		return models.NewConfigurationError("POLL_INTERVAL_DEFAULT_MINUTES", "%d is outside [%d, %d]", s.DefaultInterval, s.MinInterval, s.MaxInterval)
	case s.JitterFraction < 0 || s.JitterFraction >= 1:
		return models.NewConfigurationError("POLL_JITTER_FRACTION", "must be in [0, 1)")
	case s.FailureThreshold < 1:
		return models.NewConfigurationError("FAILURE_DISABLE_THRESHOLD", "must be at least 1")
	case s.MaxBackoffMultiplier < 1:
		return models.NewConfigurationError("MAX_BACKOFF_MULTIPLIER", "must be at least 1")
	case s.FetchTimeout <= 0:
		return models.NewConfigurationError("FETCH_TIMEOUT", "must be positive")
	case s.HistoryRetention < 0:
		return models.NewConfigurationError("HISTORY_RETENTION", "must not be negative")
	case c.Safety.SoftBlockThreshold < 1:
		return models.NewConfigurationError("SOFT_BLOCK_THRESHOLD", "must be at least 1")
	case c.Safety.Window <= 0:
		return models.NewConfigurationError("SOFT_BLOCK_WINDOW", "must be positive")
	case c.Safety.CoolDown <= 0:
		return models.NewConfigurationError("SAFE_MODE_COOLDOWN", "must be positive")
	case c.Safety.SafeModeFactor < 1:
		return models.NewConfigurationError("SAFE_MODE_FACTOR", "must be at least 1")
	case c.Basket.Enabled && c.App.SecretKey == "":
		return models.NewConfigurationError("APP_SECRET_KEY", "required when BASKET_ENABLED is set")
	}
	return nil
}

// PollIntervalInBounds reports whether minutes is an acceptable product interval.
// Zero selects the default interval.
func (c *Config) PollIntervalInBounds(minutes int) bool {
	return minutes == 0 || (minutes >= c.Scheduler.MinInterval && minutes <= c.Scheduler.MaxInterval)
}
