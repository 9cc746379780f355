package config

import "time"

// ClientConfig is the root configuration for a hub-sync instance.
type ClientConfig struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Hub        HubConfig        `yaml:"hub"`
	Connection ConnectionConfig `yaml:"connection"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Health     HealthConfig     `yaml:"health"`
	Batch      BatchConfig      `yaml:"batch"`
	Database   DBConfig         `yaml:"database"`
	Store      StoreConfig      `yaml:"store"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// InstanceConfig identifies this client instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// HubConfig holds hub endpoint settings.
type HubConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// ConnectionConfig holds connection pool and reconnect settings.
type ConnectionConfig struct {
	PoolSize            int           `yaml:"pool_size"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	BufferSize          int           `yaml:"buffer_size"`
	ReconnectBaseDelay  time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay   time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMultiplier float64       `yaml:"reconnect_multiplier"`
	ReconnectJitter     float64       `yaml:"reconnect_jitter"`
	MaxRetries          int           `yaml:"max_retries"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Threshold    int           `yaml:"threshold"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DispatchConfig holds command/response dispatcher settings.
type DispatchConfig struct {
	MessageTimeout  time.Duration `yaml:"message_timeout"`
	MaxMessageBytes int           `yaml:"max_message_bytes"`
}

// HealthConfig holds heartbeat monitor settings.
type HealthConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
}

// BatchConfig holds state batch processor settings.
type BatchConfig struct {
	FlushWindow time.Duration `yaml:"flush_window"`
}

// DBConfig holds the optional Postgres connection for state recording.
// Recording is disabled when host is empty.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// StoreConfig holds state recorder batching settings.
type StoreConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// MetricsConfig holds the diagnostics HTTP endpoint settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// Enabled reports whether a database was configured at all.
func (db *DBConfig) Enabled() bool {
	return db.Host != ""
}
