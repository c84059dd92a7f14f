// Package config loads the engine's configuration: github.com/wb-go/wbf/config
// layered over an optional .env file and an optional yaml file, read into
// a typed Config struct.
package config

import (
	"fmt"
	"time"

	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/retry"
)

// Config is the engine's full configuration surface.
type Config struct {
	Env string `yaml:"env" env:"ENV"`

	Persistence PersistenceConfig
	RateLimit   RateLimitConfig
	Scheduler   SchedulerConfig
	Automation  AutomationConfig
	HTTP        HTTPConfig
	Collaborators CollaboratorsConfig

	Postgres PostgresConfig `env-prefix:"POSTGRES_"`
	Redis    RedisConfig    `env-prefix:"REDIS_"`
	RabbitMQ RabbitMQConfig `env-prefix:"RABBITMQ_"`

	PostgresRetry RetryConfig `env-prefix:"RETRY_POSTGRES_"`
	RedisRetry    RetryConfig `env-prefix:"RETRY_REDIS_"`
	RabbitRetry   RetryConfig `env-prefix:"RETRY_RABBITMQ_"`
	StoreRetry    RetryConfig `env-prefix:"RETRY_STORE_"`
	CollaboratorsRetry RetryConfig `env-prefix:"RETRY_COLLABORATORS_"`
}

// NewConfig loads, in order: an env file first (optional), then process
// environment, then an optional yaml config file layered on top, with
// each GetX call reading the already-merged view.
func NewConfig(envFilePath string, configFilePath string) (*Config, error) {
	cfg := &Config{}
	loader := config.New()

	if envFilePath != "" {
		if err := loader.LoadEnvFiles(envFilePath); err != nil {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}
	loader.EnableEnv("")

	if configFilePath != "" {
		if err := loader.LoadConfigFiles(configFilePath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.Env = loader.GetString("ENV")

	cfg.Persistence.PendingFilePath = orDefault(loader.GetString("ENGINE_PENDING_FILE"), "./data/pending_events.json")
	cfg.Persistence.AutomationStateFilePath = orDefault(loader.GetString("ENGINE_AUTOMATION_STATE_FILE"), "./data/automation_state.json")
	cfg.Persistence.DisplayLimit = orDefaultInt(loader.GetInt("ENGINE_DISPLAY_LIMIT"), 50)

	cfg.RateLimit.WindowMinutes = orDefaultInt(loader.GetInt("ENGINE_RATELIMIT_WINDOW_MINUTES"), 60)
	cfg.RateLimit.Limit = orDefaultInt(loader.GetInt("ENGINE_RATELIMIT_LIMIT"), 10)
	cfg.RateLimit.ProcessorSpacingMilliseconds = orDefaultInt(loader.GetInt("ENGINE_RATELIMIT_SPACING_MS"), 100)
	cfg.RateLimit.WakeSlackMilliseconds = orDefaultInt(loader.GetInt("ENGINE_RATELIMIT_WAKE_SLACK_MS"), 100)

	cfg.Scheduler.LongHorizon = orDefaultDuration(loader.GetInt("ENGINE_SCHEDULER_LONG_HORIZON_HOURS"), 7*24, time.Hour)
	cfg.Scheduler.LongHorizonRecheck = orDefaultDuration(loader.GetInt("ENGINE_SCHEDULER_LONG_RECHECK_HOURS"), 24, time.Hour)
	cfg.Scheduler.MidHorizon = orDefaultDuration(loader.GetInt("ENGINE_SCHEDULER_MID_HORIZON_HOURS"), 2*24, time.Hour)
	cfg.Scheduler.MidHorizonRecheck = orDefaultDuration(loader.GetInt("ENGINE_SCHEDULER_MID_RECHECK_HOURS"), 8, time.Hour)
	cfg.Scheduler.ShortHorizon = orDefaultDuration(loader.GetInt("ENGINE_SCHEDULER_SHORT_HORIZON_HOURS"), 24, time.Hour)
	cfg.Scheduler.ShortHorizonRecheck = orDefaultDuration(loader.GetInt("ENGINE_SCHEDULER_SHORT_RECHECK_HOURS"), 2, time.Hour)
	cfg.Scheduler.RetryDelay = orDefaultDuration(loader.GetInt("ENGINE_SCHEDULER_RETRY_DELAY_MINUTES"), 15, time.Minute)
	cfg.Scheduler.RescheduleDelay = orDefaultDuration(loader.GetInt("ENGINE_SCHEDULER_RESCHEDULE_DELAY_MINUTES"), 5, time.Minute)

	cfg.Automation.MonthsAhead = orDefaultInt(loader.GetInt("ENGINE_AUTOMATION_MONTHS_AHEAD"), 3)
	cfg.Automation.AfterModeFirstSlot = orDefault(loader.GetString("ENGINE_AUTOMATION_AFTER_FIRST_SLOT"), "wallClock")

	cfg.HTTP.Addr = orDefault(loader.GetString("ENGINE_HTTP_ADDR"), ":8080")

	cfg.Collaborators.EventAPIBaseURL = loader.GetString("ENGINE_EVENT_API_BASE_URL")
	cfg.Collaborators.ProfileAPIBaseURL = loader.GetString("ENGINE_PROFILE_API_BASE_URL")
	cfg.Collaborators.ExpanderAPIBaseURL = loader.GetString("ENGINE_EXPANDER_API_BASE_URL")
	cfg.Collaborators.Timeout = orDefaultDuration(loader.GetInt("ENGINE_COLLABORATORS_TIMEOUT_SECONDS"), 10, time.Second)

	cfg.Postgres.MasterDSN = loader.GetString("ENGINE_POSTGRES_MASTER_DSN")
	cfg.Postgres.SlaveDSNs = loader.GetStringSlice("ENGINE_POSTGRES_SLAVE_DSNS")
	cfg.Postgres.MaxOpenConnections = orDefaultInt(loader.GetInt("ENGINE_POSTGRES_MAX_OPEN_CONNECTIONS"), 3)
	cfg.Postgres.MaxIdleConnections = orDefaultInt(loader.GetInt("ENGINE_POSTGRES_MAX_IDLE_CONNECTIONS"), 5)
	cfg.Postgres.ConnectionMaxLifetimeSeconds = loader.GetInt("ENGINE_POSTGRES_CONNECTION_MAX_LIFETIME_SECONDS")

	cfg.Redis.Host = loader.GetString("ENGINE_REDIS_HOST")
	cfg.Redis.Port = orDefaultInt(loader.GetInt("ENGINE_REDIS_PORT"), 6379)
	cfg.Redis.Password = loader.GetString("ENGINE_REDIS_PASSWORD")
	cfg.Redis.DB = loader.GetInt("ENGINE_REDIS_DB")
	cfg.Redis.ExpirationSeconds = orDefaultInt(loader.GetInt("ENGINE_REDIS_EXPIRATION_SECONDS"), 300)

	cfg.RabbitMQ.User = loader.GetString("ENGINE_RABBITMQ_USER")
	cfg.RabbitMQ.Password = loader.GetString("ENGINE_RABBITMQ_PASSWORD")
	cfg.RabbitMQ.Host = loader.GetString("ENGINE_RABBITMQ_HOST")
	cfg.RabbitMQ.Port = orDefaultInt(loader.GetInt("ENGINE_RABBITMQ_PORT"), 5672)
	cfg.RabbitMQ.VHost = loader.GetString("ENGINE_RABBITMQ_VHOST")
	cfg.RabbitMQ.Exchange = orDefault(loader.GetString("ENGINE_RABBITMQ_EXCHANGE"), "engine.events")
	cfg.RabbitMQ.Queue = orDefault(loader.GetString("ENGINE_RABBITMQ_QUEUE"), "engine.notifications")

	cfg.PostgresRetry = RetryConfig{
		Attempts:          orDefaultInt(loader.GetInt("ENGINE_RETRY_POSTGRES_ATTEMPTS"), 3),
		DelayMilliseconds: orDefaultInt(loader.GetInt("ENGINE_RETRY_POSTGRES_DELAY_MS"), 200),
		Backoff:           orDefaultFloat(loader.GetFloat64("ENGINE_RETRY_POSTGRES_BACKOFF"), 2.0),
	}
	cfg.RedisRetry = RetryConfig{
		Attempts:          orDefaultInt(loader.GetInt("ENGINE_RETRY_REDIS_ATTEMPTS"), 3),
		DelayMilliseconds: orDefaultInt(loader.GetInt("ENGINE_RETRY_REDIS_DELAY_MS"), 100),
		Backoff:           orDefaultFloat(loader.GetFloat64("ENGINE_RETRY_REDIS_BACKOFF"), 2.0),
	}
	cfg.RabbitRetry = RetryConfig{
		Attempts:          orDefaultInt(loader.GetInt("ENGINE_RETRY_RABBITMQ_ATTEMPTS"), 5),
		DelayMilliseconds: orDefaultInt(loader.GetInt("ENGINE_RETRY_RABBITMQ_DELAY_MS"), 500),
		Backoff:           orDefaultFloat(loader.GetFloat64("ENGINE_RETRY_RABBITMQ_BACKOFF"), 2.0),
	}
	cfg.StoreRetry = RetryConfig{
		Attempts:          orDefaultInt(loader.GetInt("ENGINE_RETRY_STORE_ATTEMPTS"), 3),
		DelayMilliseconds: orDefaultInt(loader.GetInt("ENGINE_RETRY_STORE_DELAY_MS"), 50),
		Backoff:           orDefaultFloat(loader.GetFloat64("ENGINE_RETRY_STORE_BACKOFF"), 1.5),
	}
	cfg.CollaboratorsRetry = RetryConfig{
		Attempts:          orDefaultInt(loader.GetInt("ENGINE_RETRY_COLLABORATORS_ATTEMPTS"), 3),
		DelayMilliseconds: orDefaultInt(loader.GetInt("ENGINE_RETRY_COLLABORATORS_DELAY_MS"), 200),
		Backoff:           orDefaultFloat(loader.GetFloat64("ENGINE_RETRY_COLLABORATORS_BACKOFF"), 2.0),
	}

	return cfg, nil
}

// MakeStrategy converts a RetryConfig into a retry.Strategy.
func MakeStrategy(c RetryConfig) retry.Strategy {
	return retry.Strategy{
		Attempts: c.Attempts,
		Delay:    time.Duration(c.DelayMilliseconds) * time.Millisecond,
		Backoff:  c.Backoff,
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def int, unit time.Duration) time.Duration {
	if v == 0 {
		return time.Duration(def) * unit
	}
	return time.Duration(v) * unit
}
