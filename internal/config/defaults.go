package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultPoolSize            = 3
	DefaultConnectTimeout      = 10 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	DefaultBufferSize          = 1024
	DefaultReconnectBaseDelay  = 1 * time.Second
	DefaultReconnectMaxDelay   = 60 * time.Second
	DefaultReconnectMultiplier = 2.0
	DefaultReconnectJitter     = 0.2
	DefaultMaxRetries          = 10
	DefaultBreakerThreshold    = 5
	DefaultBreakerResetTimeout = 30 * time.Second
	DefaultMessageTimeout      = 10 * time.Second
	DefaultMaxMessageBytes     = 1 << 20
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultFlushWindow         = 16 * time.Millisecond
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultStoreBatchSize      = 500
	DefaultStoreFlushInterval  = 1 * time.Second
	DefaultMetricsPort         = 9090
	DefaultMetricsPath         = "/metrics"
)

func (c *ClientConfig) applyDefaults() {
	// Connection defaults
	if c.Connection.PoolSize == 0 {
		c.Connection.PoolSize = DefaultPoolSize
	}
	if c.Connection.ConnectTimeout == 0 {
		c.Connection.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultBufferSize
	}
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxDelay == 0 {
		c.Connection.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connection.ReconnectMultiplier == 0 {
		c.Connection.ReconnectMultiplier = DefaultReconnectMultiplier
	}
	if c.Connection.ReconnectJitter == 0 {
		c.Connection.ReconnectJitter = DefaultReconnectJitter
	}
	if c.Connection.MaxRetries == 0 {
		c.Connection.MaxRetries = DefaultMaxRetries
	}

	// Breaker defaults
	if c.Breaker.Threshold == 0 {
		c.Breaker.Threshold = DefaultBreakerThreshold
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = DefaultBreakerResetTimeout
	}

	// Dispatch defaults
	if c.Dispatch.MessageTimeout == 0 {
		c.Dispatch.MessageTimeout = DefaultMessageTimeout
	}
	if c.Dispatch.MaxMessageBytes == 0 {
		c.Dispatch.MaxMessageBytes = DefaultMaxMessageBytes
	}

	// Health defaults
	if c.Health.HeartbeatInterval == 0 {
		c.Health.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Health.StaleAfter == 0 {
		c.Health.StaleAfter = 2 * c.Health.HeartbeatInterval
	}

	// Batch defaults
	if c.Batch.FlushWindow == 0 {
		c.Batch.FlushWindow = DefaultFlushWindow
	}

	// Database defaults apply only when recording is enabled
	if c.Database.Enabled() {
		applyDBDefaults(&c.Database)
	}

	// Store defaults
	if c.Store.BatchSize == 0 {
		c.Store.BatchSize = DefaultStoreBatchSize
	}
	if c.Store.FlushInterval == 0 {
		c.Store.FlushInterval = DefaultStoreFlushInterval
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
