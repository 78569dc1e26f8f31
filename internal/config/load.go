package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// PROMPTD_DATABASE_URL for database.url.
const EnvPrefix = "PROMPTD"

var defaults = map[string]any{
	"server.port":             8080,
	"server.log_level":        "info",
	"server.shutdown_timeout": "15s",

	"database.driver":            "postgres",
	"database.max_open_conns":    25,
	"database.max_idle_conns":    5,
	"database.conn_max_lifetime": "5m",
	"database.lock_timeout":      "5s",

	"provider.base_url":            "https://api.openai.com/v1",
	"provider.chat_model":          "gpt-4o-mini",
	"provider.embedding_model":     "text-embedding-3-small",
	"provider.temperature":         0.7,
	"provider.max_tokens":          2048,
	"provider.http_timeout":        "30s",
	"provider.requests_per_second": 5.0,
	"provider.burst":               5,
	"provider.acquire_timeout":     "0s",

	"queue.backend":              "rabbitmq",
	"queue.exchange":             "prompt-exchange",
	"queue.queue":                "prompt-queue",
	"queue.dead_letter_exchange": "prompt-dlx",
	"queue.dead_letter_queue":    "prompt-dlq",
	"queue.message_ttl":          "300s",
	"queue.visibility_timeout":   "60s",
	"queue.max_deliveries":       5,
	"queue.backoff_initial":      "1s",
	"queue.backoff_multiplier":   2.0,
	"queue.backoff_max":          "10s",
	"queue.prefetch":             1,

	"processor.consumers":          4,
	"processor.call_timeout":       "30s",
	"processor.reconcile_interval": "1m",
	"processor.republish_after":    "10m",
	"processor.expire_after":       "24h",
}

// keys without a default still need an explicit binding so that
// environment-only values survive Unmarshal.
var envOnlyKeys = []string{
	"database.url",
	"auth.jwt_secret",
	"provider.api_key",
	"queue.url",
}

// Load configuration from environment variables and optionally a config
// file. Environment variables take precedence over values from the file.
// Returns a populated Config or an error if loading or validation fails.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path looks
// for an optional config.yaml in the working directory.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
