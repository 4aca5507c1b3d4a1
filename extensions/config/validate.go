package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/vitalvas/mqttsession"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.ServerURI == "" {
		return errors.New("server_uri is required")
	}
	if _, err := url.Parse(c.ServerURI); err != nil {
		return fmt.Errorf("server_uri: %w", err)
	}

	if w := c.Connect.Will; w != nil {
		if err := mqttsession.ValidateTopicName(w.Topic); err != nil {
			return fmt.Errorf("connect.will.topic: %w", err)
		}
		if w.QoS > mqttsession.QoS2 {
			return fmt.Errorf("connect.will.qos must be 0, 1 or 2, got %d", w.QoS)
		}
	}

	switch c.Engine.Kind {
	case "paho", "paho5":
	default:
		return fmt.Errorf("engine.kind must be paho or paho5, got %q", c.Engine.Kind)
	}

	if c.Reconnect.BaseDelay < 0 || c.Reconnect.MaxDelay < 0 {
		return errors.New("reconnect delays must be >= 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%s) cannot be less than base_delay (%s)",
			c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must be >= 0")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return errors.New("reconnect.jitter must be between 0 and 1")
	}

	if c.Buffer.Capacity < 0 {
		return errors.New("buffer.capacity must be >= 0")
	}
	if _, err := mqttsession.ParseEvictionPolicy(c.Buffer.Policy); err != nil {
		return fmt.Errorf("buffer.policy: %w", err)
	}

	if err := c.Store.validate(); err != nil {
		return err
	}

	switch c.EventBus.Kind {
	case "none":
	case "kafka":
		if len(c.EventBus.Kafka.Brokers) == 0 {
			return errors.New("event_bus.kafka.brokers is required")
		}
	default:
		return fmt.Errorf("event_bus.kind must be none or kafka, got %q", c.EventBus.Kind)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (s *StoreConfig) validate() error {
	switch s.Kind {
	case "none", "memory":
	case "bolt":
		if s.Bolt.Path == "" {
			return errors.New("store.bolt.path is required")
		}
	case "redis":
		if s.Redis.Addr == "" {
			return errors.New("store.redis.addr is required")
		}
	case "mongo":
		if s.Mongo.URI == "" {
			return errors.New("store.mongo.uri is required")
		}
	case "postgres":
		if s.Postgres.DSN == "" {
			return errors.New("store.postgres.dsn is required")
		}
		if s.Postgres.MinConns < 0 || s.Postgres.MaxConns < 0 {
			return errors.New("store.postgres connection limits must be >= 0")
		}
		if s.Postgres.MaxConns > 0 && s.Postgres.MinConns > s.Postgres.MaxConns {
			return fmt.Errorf("store.postgres.min_conns (%d) cannot exceed max_conns (%d)",
				s.Postgres.MinConns, s.Postgres.MaxConns)
		}
	default:
		return fmt.Errorf("store.kind %q is not supported", s.Kind)
	}
	return nil
}
