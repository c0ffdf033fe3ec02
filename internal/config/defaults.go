package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAddress            = "localhost:7400"
	DefaultListen             = ":7400"
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultOutboundCapacity   = 4 << 20
	DefaultInboundCapacity    = 4 << 20
	DefaultMaxPriority        = 7
	DefaultSendTimeout        = 5 * time.Second
	DefaultReceiveTimeout     = 15 * time.Second
	DefaultMaxSouls           = 3
	DefaultBacklogMultiplier  = 4
	DefaultKeepalivePriority  = 7
	DefaultFillFactor         = 0.75
	DefaultThroughputInterval = 10 * time.Second
	DefaultMinRate            = 1024.0
	DefaultFragmentSize       = 64 << 10
	DefaultMaxPayload         = 1 << 20
	DefaultMaxItem            = 64 << 20
	DefaultMaxPending         = 256
	DefaultStreamID           = 1
	DefaultDrainTimeout       = 10 * time.Second
	DefaultAbortWait          = 500 * time.Millisecond
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultBatchSize          = 1000
	DefaultFlushInterval      = 1 * time.Second
	DefaultRecorderBufferSize = 10000
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultHealthPort         = 8080
)

func (c *Config) applyDefaults() {
	// Link defaults
	if c.Link.Address == "" {
		c.Link.Address = DefaultAddress
	}
	if c.Link.Listen == "" {
		c.Link.Listen = DefaultListen
	}
	if c.Link.HandshakeTimeout == 0 {
		c.Link.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Link.WriteTimeout == 0 {
		c.Link.WriteTimeout = DefaultWriteTimeout
	}

	// Queue defaults
	if c.Queues.OutboundCapacity == 0 {
		c.Queues.OutboundCapacity = DefaultOutboundCapacity
	}
	if c.Queues.InboundCapacity == 0 {
		c.Queues.InboundCapacity = DefaultInboundCapacity
	}
	if c.Queues.MaxPriority == 0 {
		c.Queues.MaxPriority = DefaultMaxPriority
	}

	// Keepalive defaults
	if c.Keepalive.SendTimeout == 0 {
		c.Keepalive.SendTimeout = DefaultSendTimeout
	}
	if c.Keepalive.ReceiveTimeout == 0 {
		c.Keepalive.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.Keepalive.MaxSouls == 0 {
		c.Keepalive.MaxSouls = DefaultMaxSouls
	}
	if c.Keepalive.BacklogMultiplier == 0 {
		c.Keepalive.BacklogMultiplier = DefaultBacklogMultiplier
	}
	if c.Keepalive.Priority == 0 {
		c.Keepalive.Priority = DefaultKeepalivePriority
	}

	// Throughput defaults
	if c.Throughput.FillFactor == 0 {
		c.Throughput.FillFactor = DefaultFillFactor
	}
	if c.Throughput.Interval == 0 {
		c.Throughput.Interval = DefaultThroughputInterval
	}
	if c.Throughput.MinRate == 0 {
		c.Throughput.MinRate = DefaultMinRate
	}

	// Fragment defaults
	if c.Fragments.MaxSize == 0 {
		c.Fragments.MaxSize = DefaultFragmentSize
	}
	if c.Fragments.MaxPayload == 0 {
		c.Fragments.MaxPayload = DefaultMaxPayload
	}
	if c.Fragments.MaxItem == 0 {
		c.Fragments.MaxItem = DefaultMaxItem
	}
	if c.Fragments.MaxPending == 0 {
		c.Fragments.MaxPending = DefaultMaxPending
	}
	if c.Fragments.StreamID == 0 {
		c.Fragments.StreamID = DefaultStreamID
	}

	// Shutdown defaults
	if c.Shutdown.DrainTimeout == 0 {
		c.Shutdown.DrainTimeout = DefaultDrainTimeout
	}
	if c.Shutdown.AbortWait == 0 {
		c.Shutdown.AbortWait = DefaultAbortWait
	}

	// Reconnect defaults
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}

	// Recorder defaults
	applyDBDefaults(&c.Recorder.Database)
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = DefaultRecorderBufferSize
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
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
