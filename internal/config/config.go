package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"  validate:"required"`
	Auth      AuthConfig      `mapstructure:"auth"      validate:"required"`
	Provider  ProviderConfig  `mapstructure:"provider"  validate:"required"`
	Queue     QueueConfig     `mapstructure:"queue"     validate:"required"`
	Processor ProcessorConfig `mapstructure:"processor" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"             validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level"        validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
// Driver "memory" keeps prompts in process and is only meant for local runs.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"            validate:"required,oneof=postgres memory"`
	URL             string        `mapstructure:"url"               validate:"required_if=Driver postgres,omitempty,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"      validate:"gt=0"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
}

// ProviderConfig configures the OpenAI-compatible chat and embedding API.
type ProviderConfig struct {
	APIKey         string        `mapstructure:"api_key"         validate:"required"`
	BaseURL        string        `mapstructure:"base_url"        validate:"required,url"`
	ChatModel      string        `mapstructure:"chat_model"      validate:"required"`
	EmbeddingModel string        `mapstructure:"embedding_model" validate:"required"`
	Temperature    float64       `mapstructure:"temperature"     validate:"gte=0,lte=2"`
	MaxTokens      int           `mapstructure:"max_tokens"      validate:"gt=0"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"    validate:"gt=0"`
	// RequestsPerSecond and Burst size the process-wide token bucket.
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gt=0"`
	Burst             int           `mapstructure:"burst"               validate:"gte=1"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"     validate:"gte=0"`
}

// QueueConfig selects and configures the message broker.
type QueueConfig struct {
	Backend            string        `mapstructure:"backend"              validate:"required,oneof=rabbitmq redis memory"`
	URL                string        `mapstructure:"url"                  validate:"required_unless=Backend memory"`
	Exchange           string        `mapstructure:"exchange"             validate:"required"`
	Queue              string        `mapstructure:"queue"                validate:"required"`
	DeadLetterExchange string        `mapstructure:"dead_letter_exchange" validate:"required"`
	DeadLetterQueue    string        `mapstructure:"dead_letter_queue"    validate:"required"`
	MessageTTL         time.Duration `mapstructure:"message_ttl"          validate:"gt=0"`
	VisibilityTimeout  time.Duration `mapstructure:"visibility_timeout"   validate:"gt=0"`
	MaxDeliveries      int           `mapstructure:"max_deliveries"       validate:"gte=1"`
	BackoffInitial     time.Duration `mapstructure:"backoff_initial"      validate:"gt=0"`
	BackoffMultiplier  float64       `mapstructure:"backoff_multiplier"   validate:"gte=1"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"          validate:"gtefield=BackoffInitial"`
	Prefetch           int           `mapstructure:"prefetch"             validate:"gte=1"`
}

// ProcessorConfig tunes the consumer pool and the stale prompt reconciler.
type ProcessorConfig struct {
	Consumers         int           `mapstructure:"consumers"          validate:"gte=1"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"       validate:"gt=0"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" validate:"gte=0"`
	RepublishAfter    time.Duration `mapstructure:"republish_after"    validate:"gte=0"`
	ExpireAfter       time.Duration `mapstructure:"expire_after"       validate:"gtefield=RepublishAfter"`
}
