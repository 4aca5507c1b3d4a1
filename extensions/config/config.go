// Package config loads a session client configuration from YAML and builds
// the engine, store and event bus it names.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vitalvas/mqttsession/extensions/mongostore"
	"github.com/vitalvas/mqttsession/extensions/pgstore"
	"github.com/vitalvas/mqttsession/extensions/redisstore"
)

// Config is the top-level structure of a session client config file.
type Config struct {
	ServerURI string `yaml:"server_uri"`
	ClientID  string `yaml:"client_id"`
	AppID     string `yaml:"app_id"`

	Connect   ConnectConfig   `yaml:"connect"`
	Engine    EngineConfig    `yaml:"engine"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Store     StoreConfig     `yaml:"store"`
	EventBus  EventBusConfig  `yaml:"event_bus"`
	Log       LogConfig       `yaml:"log"`

	Quiesce      time.Duration `yaml:"quiesce"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// ConnectConfig maps to mqttsession.ConnectOptions.
type ConnectConfig struct {
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	CleanSession   bool          `yaml:"clean_session"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Will           *WillConfig   `yaml:"will"`
}

// WillConfig is the last-will message.
type WillConfig struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload"`
	QoS     byte   `yaml:"qos"`
	Retain  bool   `yaml:"retain"`
}

// EngineConfig selects the protocol engine.
type EngineConfig struct {
	// Kind is "paho" (MQTT 3.1.1) or "paho5" (MQTT 5).
	Kind string `yaml:"kind"`

	Proxy ProxyConfig `yaml:"proxy"`

	// WriteTimeout applies to the paho engine only.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// SessionExpiry applies to the paho5 engine only.
	SessionExpiry time.Duration `yaml:"session_expiry"`
}

// ProxyConfig routes broker connections through an HTTP or SOCKS5 proxy.
type ProxyConfig struct {
	URL             string `yaml:"url"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	FromEnvironment bool   `yaml:"from_environment"`
}

// ReconnectConfig maps to mqttsession.ReconnectPolicy. Enabled is a pointer
// so an absent key keeps the default.
type ReconnectConfig struct {
	Enabled           *bool         `yaml:"enabled"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	MaxAttempts       int           `yaml:"max_attempts"`
	Jitter            float64       `yaml:"jitter"`
	MinSignalInterval time.Duration `yaml:"min_signal_interval"`
}

// BufferConfig enables buffering of publishes while disconnected.
type BufferConfig struct {
	Capacity int    `yaml:"capacity"`
	Policy   string `yaml:"policy"`
}

// StoreConfig selects the message store.
type StoreConfig struct {
	// Kind is "none", "memory", "bolt", "redis", "mongo" or "postgres".
	Kind string `yaml:"kind"`

	Bolt     BoltConfig        `yaml:"bolt"`
	Redis    redisstore.Config `yaml:"redis"`
	Mongo    mongostore.Config `yaml:"mongo"`
	Postgres pgstore.Config    `yaml:"postgres"`
}

// BoltConfig locates the bbolt file.
type BoltConfig struct {
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`
}

// EventBusConfig selects where connection events go.
type EventBusConfig struct {
	// Kind is "none" or "kafka".
	Kind string `yaml:"kind"`

	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig configures the kafka event bus.
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	QueueSize      int           `yaml:"queue_size"`
	BatchSize      int           `yaml:"batch_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IncludePayload bool          `yaml:"include_payload"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `yaml:"level"`

	// Format is "text" (colored lines) or "json" (slog).
	Format string `yaml:"format"`
}

// Load reads a YAML config file, expands ${VAR} references, applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for in-memory data.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
