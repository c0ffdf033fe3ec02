package config

import "time"

// Config is the root configuration shared by the telelink binaries.
type Config struct {
	Link       LinkConfig       `yaml:"link" envPrefix:"LINK_"`
	Queues     QueuesConfig     `yaml:"queues" envPrefix:"QUEUES_"`
	Keepalive  KeepaliveConfig  `yaml:"keepalive" envPrefix:"KEEPALIVE_"`
	Throughput ThroughputConfig `yaml:"throughput" envPrefix:"THROUGHPUT_"`
	Fragments  FragmentsConfig  `yaml:"fragments" envPrefix:"FRAGMENTS_"`
	Shutdown   ShutdownConfig   `yaml:"shutdown" envPrefix:"SHUTDOWN_"`
	Reconnect  ReconnectConfig  `yaml:"reconnect" envPrefix:"RECONNECT_"`
	Recorder   RecorderConfig   `yaml:"recorder" envPrefix:"RECORDER_"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Health     HealthConfig     `yaml:"health" envPrefix:"HEALTH_"`
}

// LinkConfig describes the stream to the peer.
type LinkConfig struct {
	Address          string        `yaml:"address" env:"ADDRESS"` // host:port, tcp://, ws:// or wss://
	Listen           string        `yaml:"listen" env:"LISTEN"`   // Bind address for the loopback peer
	DSCP             int           `yaml:"dscp" env:"DSCP"`
	MPTCP            bool          `yaml:"mptcp" env:"MPTCP"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	WriteTimeout     time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// QueuesConfig sizes the outbound and inbound queues.
type QueuesConfig struct {
	OutboundCapacity int `yaml:"outbound_capacity" env:"OUTBOUND_CAPACITY"` // Bytes
	InboundCapacity  int `yaml:"inbound_capacity" env:"INBOUND_CAPACITY"`   // Bytes
	MaxPriority      int `yaml:"max_priority" env:"MAX_PRIORITY"`
}

// KeepaliveConfig holds the initial keepalive parameters. The timeouts may be
// renegotiated at runtime.
type KeepaliveConfig struct {
	SendTimeout       time.Duration `yaml:"send_timeout" env:"SEND_TIMEOUT"`
	ReceiveTimeout    time.Duration `yaml:"receive_timeout" env:"RECEIVE_TIMEOUT"`
	MaxSouls          int           `yaml:"max_souls" env:"MAX_SOULS"`
	BacklogMultiplier int           `yaml:"backlog_multiplier" env:"BACKLOG_MULTIPLIER"`
	Priority          int           `yaml:"priority" env:"PRIORITY"`
}

// ThroughputConfig holds the throughput watchdog parameters.
type ThroughputConfig struct {
	FillFactor float64       `yaml:"fill_factor" env:"FILL_FACTOR"`
	Interval   time.Duration `yaml:"interval" env:"INTERVAL"`
	MinRate    float64       `yaml:"min_rate" env:"MIN_RATE"` // Bytes per second
}

// FragmentsConfig controls how items are cut into fragments.
type FragmentsConfig struct {
	MaxSize    int    `yaml:"max_size" env:"MAX_SIZE"`
	MaxPayload int    `yaml:"max_payload" env:"MAX_PAYLOAD"` // Largest body accepted from the peer
	MaxItem    int    `yaml:"max_item" env:"MAX_ITEM"`       // Largest joined item accepted from the peer
	MaxPending int    `yaml:"max_pending" env:"MAX_PENDING"` // Items under assembly at once
	Compress   bool   `yaml:"compress" env:"COMPRESS"`
	StreamID   uint32 `yaml:"stream_id" env:"STREAM_ID"`
}

// ShutdownConfig bounds the disconnect protocol.
type ShutdownConfig struct {
	DrainTimeout time.Duration `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	AbortWait    time.Duration `yaml:"abort_wait" env:"ABORT_WAIT"`
}

// ReconnectConfig controls the client reconnect loop.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"` // 0 retries forever
}

// RecorderConfig enables persisting delivered items.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	Database      DBConfig      `yaml:"database" envPrefix:"DB_"`
	BatchSize     int           `yaml:"batch_size" env:"BATCH_SIZE"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int           `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Name     string `yaml:"name" env:"NAME"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxConns int    `yaml:"max_conns" env:"MAX_CONNS"`
	MinConns int    `yaml:"min_conns" env:"MIN_CONNS"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // text or json
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int `yaml:"port" env:"PORT"`
}
