package config

import "time"

// PersistenceConfig controls the pending-store and automation-state JSON
// files (C2/C3) and how many records the display-oriented list endpoints
// return by default.
type PersistenceConfig struct {
	PendingFilePath         string `yaml:"pending_file" env:"PENDING_FILE"`
	AutomationStateFilePath string `yaml:"automation_state_file" env:"AUTOMATION_STATE_FILE"`
	DisplayLimit            int    `yaml:"display_limit" env:"DISPLAY_LIMIT"`
}

// RateLimitConfig documents the sliding-window gate's window size and
// admit limit, the pacing between queue-processor attempts, and the slack
// added to a lock's wake-up. All four fields are loaded but not read by
// the engine: the gate uses its own WindowSize/Limit constants, and the
// processor uses the engine's fixed processSpacing and lockGrace.
type RateLimitConfig struct {
	WindowMinutes                int `yaml:"window_minutes" env:"WINDOW_MINUTES"`
	Limit                        int `yaml:"limit" env:"LIMIT"`
	ProcessorSpacingMilliseconds int `yaml:"processor_spacing_ms" env:"PROCESSOR_SPACING_MS"`
	WakeSlackMilliseconds        int `yaml:"wake_slack_ms" env:"WAKE_SLACK_MS"`
}

// SchedulerConfig sets the tiered recheck ladder C5 uses to bound drift on
// long sleeps. RetryDelay and RescheduleDelay are loaded but not read: the
// publish-error retry and the missed-event reschedule use fixed delays
// defined in internal/publisher and internal/control.
type SchedulerConfig struct {
	LongHorizon         time.Duration `yaml:"long_horizon" env:"LONG_HORIZON_HOURS"`
	LongHorizonRecheck  time.Duration `yaml:"long_horizon_recheck" env:"LONG_RECHECK_HOURS"`
	MidHorizon          time.Duration `yaml:"mid_horizon" env:"MID_HORIZON_HOURS"`
	MidHorizonRecheck   time.Duration `yaml:"mid_horizon_recheck" env:"MID_RECHECK_HOURS"`
	ShortHorizon        time.Duration `yaml:"short_horizon" env:"SHORT_HORIZON_HOURS"`
	ShortHorizonRecheck time.Duration `yaml:"short_horizon_recheck" env:"SHORT_RECHECK_HOURS"`
	RetryDelay          time.Duration `yaml:"retry_delay" env:"RETRY_DELAY_MINUTES"`
	RescheduleDelay     time.Duration `yaml:"reschedule_delay" env:"RESCHEDULE_DELAY_MINUTES"`
}

// AutomationConfig carries the two automation-calculator knobs: how many
// months of monthly-mode slots to precompute, and which first-slot
// behavior after-mode uses.
type AutomationConfig struct {
	MonthsAhead        int    `yaml:"months_ahead" env:"MONTHS_AHEAD"`
	AfterModeFirstSlot string `yaml:"after_mode_first_slot" env:"AFTER_FIRST_SLOT"`
}

// HTTPConfig configures the control API's listen address (C8).
type HTTPConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// CollaboratorsConfig points at the three external services the engine
// treats as out-of-scope collaborators with narrow interfaces: the
// remote event-publish API, the profile store, and the pattern expander.
// The engine only ever talks to them through internal/publish's
// interfaces; internal/transport is the sole adapter that knows these
// are HTTP services.
type CollaboratorsConfig struct {
	EventAPIBaseURL    string        `yaml:"event_api_base_url" env:"EVENT_API_BASE_URL"`
	ProfileAPIBaseURL  string        `yaml:"profile_api_base_url" env:"PROFILE_API_BASE_URL"`
	ExpanderAPIBaseURL string        `yaml:"expander_api_base_url" env:"EXPANDER_API_BASE_URL"`
	Timeout            time.Duration `yaml:"timeout" env:"TIMEOUT_SECONDS"`
}

// PostgresConfig carries a master DSN, optional read replicas, and pool
// sizing, consumed by wb-go/wbf/dbpg.
type PostgresConfig struct {
	MasterDSN                    string   `yaml:"master_dsn" env:"MASTER_DSN"`
	SlaveDSNs                    []string `yaml:"slave_dsns" env:"SLAVE_DSNS"`
	MaxOpenConnections           int      `yaml:"max_open_connections" env:"MAX_OPEN_CONNECTIONS"`
	MaxIdleConnections           int      `yaml:"max_idle_connections" env:"MAX_IDLE_CONNECTIONS"`
	ConnectionMaxLifetimeSeconds int      `yaml:"connection_max_lifetime_seconds" env:"CONNECTION_MAX_LIFETIME_SECONDS"`
}

// RedisConfig configures the wb-go/wbf/redis client backing the pending
// store's read-through cache (C2).
type RedisConfig struct {
	Host              string `yaml:"host" env:"HOST"`
	Port              int    `yaml:"port" env:"PORT"`
	Password          string `yaml:"password" env:"PASSWORD"`
	DB                int    `yaml:"db" env:"DB"`
	ExpirationSeconds int    `yaml:"expiration_seconds" env:"EXPIRATION_SECONDS"`
}

// RabbitMQConfig carries connection pieces plus the exchange/queue the
// eventbus declares for telemetry and notification delivery (C6).
type RabbitMQConfig struct {
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	VHost    string `yaml:"vhost" env:"VHOST"`
	Exchange string `yaml:"exchange" env:"EXCHANGE"`
	Queue    string `yaml:"queue" env:"QUEUE"`
}

// RetryConfig is fed straight into retry.Strategy by MakeStrategy.
type RetryConfig struct {
	Attempts          int     `yaml:"attempts" env:"ATTEMPTS"`
	DelayMilliseconds int     `yaml:"delay_ms" env:"DELAY_MS"`
	Backoff           float64 `yaml:"backoff" env:"BACKOFF"`
}
