package config

import (
	"fmt"
	"time"
)

// BrokerConfig holds all NATS-related configuration shared by the services.
type BrokerConfig struct {
	// Connection
	URL               string        `mapstructure:"url"`
	Name              string        `mapstructure:"name"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
	ReconnectWait     time.Duration `mapstructure:"reconnect_wait"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`

	// Startup connection retry. Exhausting the attempts is a fatal startup
	// error, not a degraded mode.
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ConnectRetry    time.Duration `mapstructure:"connect_retry"`

	// Stream settings
	MaxAge   time.Duration `mapstructure:"max_age"`
	MaxBytes int64         `mapstructure:"max_bytes"`
	Replicas int           `mapstructure:"replicas"`

	// Consumer settings
	AckWait    time.Duration `mapstructure:"ack_wait"`
	MaxDeliver int           `mapstructure:"max_deliver"`

	// Subscription settings. BatchSize bounds unacknowledged messages held
	// by a consumer at once; it is the pipeline's backpressure mechanism.
	BatchSize    int           `mapstructure:"batch_size"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// DefaultBrokerConfig returns production-ready defaults.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		URL:               getEnv("NATS_URL", "nats://localhost:4222"),
		Name:              getEnv("NATS_CLIENT_NAME", "observa"),
		MaxReconnects:     getEnvInt("NATS_MAX_RECONNECTS", 10),
		ReconnectWait:     getEnvDuration("NATS_RECONNECT_WAIT", "2s"),
		ConnectionTimeout: getEnvDuration("NATS_CONNECTION_TIMEOUT", "5s"),

		ConnectAttempts: getEnvInt("NATS_CONNECT_ATTEMPTS", 5),
		ConnectRetry:    getEnvDuration("NATS_CONNECT_RETRY", "2s"),

		MaxAge:   getEnvDuration("NATS_STREAM_MAX_AGE", "168h"),
		MaxBytes: getEnvInt64("NATS_STREAM_MAX_BYTES", 1024*1024*1024), // 1GB
		Replicas: getEnvInt("NATS_STREAM_REPLICAS", 1),

		AckWait:    getEnvDuration("NATS_ACK_WAIT", "30s"),
		MaxDeliver: getEnvInt("NATS_MAX_DELIVER", 3),

		BatchSize:    getEnvInt("NATS_BATCH_SIZE", 10),
		FetchTimeout: getEnvDuration("NATS_FETCH_TIMEOUT", "1s"),
	}
}

// Validate checks if the configuration is valid.
func (c *BrokerConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("NATS URL cannot be empty")
	}
	if c.ConnectAttempts <= 0 {
		return fmt.Errorf("connect attempts must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.MaxAge <= 0 {
		return fmt.Errorf("max age must be positive")
	}
	if c.MaxBytes <= 0 {
		return fmt.Errorf("max bytes must be positive")
	}
	return nil
}
