package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vitalvas/mqttsession"
	"github.com/vitalvas/mqttsession/extensions/boltstore"
	"github.com/vitalvas/mqttsession/extensions/dialer"
	"github.com/vitalvas/mqttsession/extensions/kafkabus"
	"github.com/vitalvas/mqttsession/extensions/mongostore"
	"github.com/vitalvas/mqttsession/extensions/paho5engine"
	"github.com/vitalvas/mqttsession/extensions/pahoengine"
	"github.com/vitalvas/mqttsession/extensions/pgstore"
	"github.com/vitalvas/mqttsession/extensions/redisstore"
)

// ConnectOptions returns the options passed to Connection.Connect.
func (c *Config) ConnectOptions() mqttsession.ConnectOptions {
	opts := mqttsession.ConnectOptions{
		Username:       c.Connect.Username,
		Password:       c.Connect.Password,
		CleanSession:   c.Connect.CleanSession,
		KeepAlive:      c.Connect.KeepAlive,
		ConnectTimeout: c.Connect.ConnectTimeout,
	}
	if w := c.Connect.Will; w != nil {
		opts.Will = &mqttsession.Message{
			Topic:   w.Topic,
			Payload: []byte(w.Payload),
			QoS:     w.QoS,
			Retain:  w.Retain,
		}
	}
	return opts
}

// ReconnectPolicy returns the configured reconnect policy.
func (c *Config) ReconnectPolicy() mqttsession.ReconnectPolicy {
	enabled := true
	if c.Reconnect.Enabled != nil {
		enabled = *c.Reconnect.Enabled
	}
	return mqttsession.ReconnectPolicy{
		Enabled:           enabled,
		BaseDelay:         c.Reconnect.BaseDelay,
		MaxDelay:          c.Reconnect.MaxDelay,
		MaxAttempts:       c.Reconnect.MaxAttempts,
		Jitter:            c.Reconnect.Jitter,
		MinSignalInterval: c.Reconnect.MinSignalInterval,
	}
}

// Logger builds the configured logger writing to w.
func (c *Config) Logger(w io.Writer) mqttsession.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := mqttsession.ParseLogLevel(c.Log.Level)
	if c.Log.Format == "json" {
		return mqttsession.NewSlogLogger(slog.New(slog.NewJSONHandler(w, nil)), level)
	}
	return mqttsession.NewStdLogger(w, level)
}

func (p ProxyConfig) dialer() dialer.Config {
	return dialer.Config{
		URL:             p.URL,
		Username:        p.Username,
		Password:        p.Password,
		FromEnvironment: p.FromEnvironment,
	}
}

// BuildEngineFactory returns the factory for the configured engine kind.
func (c *Config) BuildEngineFactory() (mqttsession.EngineFactory, error) {
	switch c.Engine.Kind {
	case "paho":
		opts := []pahoengine.Option{pahoengine.WithProxy(c.Engine.Proxy.dialer())}
		if c.Engine.WriteTimeout > 0 {
			opts = append(opts, pahoengine.WithWriteTimeout(c.Engine.WriteTimeout))
		}
		return pahoengine.Factory(opts...), nil
	case "paho5":
		opts := []paho5engine.Option{paho5engine.WithProxy(c.Engine.Proxy.dialer())}
		if c.Engine.SessionExpiry > 0 {
			opts = append(opts, paho5engine.WithSessionExpiry(c.Engine.SessionExpiry))
		}
		return paho5engine.Factory(opts...), nil
	default:
		return nil, fmt.Errorf("unknown engine kind %q", c.Engine.Kind)
	}
}

// BuildStore opens the configured message store. A nil store with a nil
// error means persistence is disabled.
func (c *Config) BuildStore(ctx context.Context) (mqttsession.MessageStore, error) {
	switch c.Store.Kind {
	case "none":
		return nil, nil
	case "memory":
		return mqttsession.NewMemoryMessageStore(), nil
	case "bolt":
		return boltstore.Open(c.Store.Bolt.Path, &boltstore.Options{NoSync: c.Store.Bolt.NoSync})
	case "redis":
		return redisstore.Open(ctx, c.Store.Redis)
	case "mongo":
		return mongostore.Open(ctx, c.Store.Mongo)
	case "postgres":
		return pgstore.Open(ctx, c.Store.Postgres)
	default:
		return nil, fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
}

// BuildEventBus returns the configured event bus and a function releasing
// it.
func (c *Config) BuildEventBus(logger mqttsession.Logger) (mqttsession.EventBus, func() error, error) {
	switch c.EventBus.Kind {
	case "none":
		return mqttsession.NoOpEventBus{}, func() error { return nil }, nil
	case "kafka":
		k := c.EventBus.Kafka
		bus := kafkabus.New(kafkabus.Config{
			Brokers:        k.Brokers,
			Topic:          k.Topic,
			QueueSize:      k.QueueSize,
			BatchSize:      k.BatchSize,
			WriteTimeout:   k.WriteTimeout,
			IncludePayload: k.IncludePayload,
		}, logger)
		return bus, bus.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown event bus kind %q", c.EventBus.Kind)
	}
}

// Options returns the Connection options for everything that does not need
// an external resource. Store and event bus options are added by the
// caller from BuildStore and BuildEventBus.
func (c *Config) Options(logger mqttsession.Logger) ([]mqttsession.Option, error) {
	policy, err := mqttsession.ParseEvictionPolicy(c.Buffer.Policy)
	if err != nil {
		return nil, err
	}

	opts := []mqttsession.Option{
		mqttsession.WithReconnectPolicy(c.ReconnectPolicy()),
		mqttsession.WithQuiesce(c.Quiesce),
		mqttsession.WithStoreTimeout(c.StoreTimeout),
	}
	if logger != nil {
		opts = append(opts, mqttsession.WithLogger(logger))
	}
	if c.Buffer.Capacity > 0 {
		opts = append(opts, mqttsession.WithBuffering(c.Buffer.Capacity, policy))
	}
	return opts, nil
}
