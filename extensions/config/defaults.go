package config

import (
	"time"

	"github.com/vitalvas/mqttsession"
)

// Default values for optional configuration fields.
const (
	DefaultEngine         = "paho"
	DefaultStore          = "memory"
	DefaultEventBus       = "none"
	DefaultAppID          = "default"
	DefaultKeepAlive      = 60 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultQuiesce        = 30 * time.Second
	DefaultStoreTimeout   = 5 * time.Second
	DefaultBoltPath       = "mqttsession.db"
	DefaultKafkaTopic     = "mqttsession.events"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
)

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = mqttsession.GenerateClientID()
	}
	if c.AppID == "" {
		c.AppID = DefaultAppID
	}

	if c.Connect.KeepAlive == 0 {
		c.Connect.KeepAlive = DefaultKeepAlive
	}
	if c.Connect.ConnectTimeout == 0 {
		c.Connect.ConnectTimeout = DefaultConnectTimeout
	}

	if c.Engine.Kind == "" {
		c.Engine.Kind = DefaultEngine
	}

	def := mqttsession.DefaultReconnectPolicy()
	if c.Reconnect.Enabled == nil {
		enabled := def.Enabled
		c.Reconnect.Enabled = &enabled
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = def.BaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = def.MaxDelay
	}
	if c.Reconnect.MinSignalInterval == 0 {
		c.Reconnect.MinSignalInterval = def.MinSignalInterval
	}

	if c.Store.Kind == "" {
		c.Store.Kind = DefaultStore
	}
	if c.Store.Kind == "bolt" && c.Store.Bolt.Path == "" {
		c.Store.Bolt.Path = DefaultBoltPath
	}

	if c.EventBus.Kind == "" {
		c.EventBus.Kind = DefaultEventBus
	}
	if c.EventBus.Kind == "kafka" && c.EventBus.Kafka.Topic == "" {
		c.EventBus.Kafka.Topic = DefaultKafkaTopic
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	if c.Quiesce == 0 {
		c.Quiesce = DefaultQuiesce
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
}
