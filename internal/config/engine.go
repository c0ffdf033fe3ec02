package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/rickgao/telelink/internal/connection"
	"github.com/rickgao/telelink/internal/recorder"
	"github.com/rickgao/telelink/internal/telegram"
	"github.com/rickgao/telelink/internal/watchdog"
)

// Engine returns the connection engine configuration.
func (c *Config) Engine() connection.Config {
	cfg := connection.DefaultConfig()
	cfg.OutboundCapacity = c.Queues.OutboundCapacity
	cfg.InboundCapacity = c.Queues.InboundCapacity
	cfg.MaxPriority = c.Queues.MaxPriority
	cfg.Keepalive = watchdog.KeepaliveParams{
		SendTimeout:       c.Keepalive.SendTimeout,
		ReceiveTimeout:    c.Keepalive.ReceiveTimeout,
		MaxSouls:          c.Keepalive.MaxSouls,
		BacklogMultiplier: c.Keepalive.BacklogMultiplier,
		Priority:          c.Keepalive.Priority,
	}
	cfg.Throughput = watchdog.ThroughputParams{
		FillFactor: c.Throughput.FillFactor,
		Interval:   c.Throughput.Interval,
		MinRate:    c.Throughput.MinRate,
	}
	cfg.MaxFragment = c.Fragments.MaxSize
	cfg.Compress = c.Fragments.Compress
	cfg.StreamID = c.Fragments.StreamID
	cfg.MaxPending = c.Fragments.MaxPending
	cfg.DrainTimeout = c.Shutdown.DrainTimeout
	cfg.AbortWait = c.Shutdown.AbortWait
	return cfg
}

// Limits returns the decode limits for telegrams from the peer.
func (c *Config) Limits() telegram.Limits {
	return telegram.Limits{
		MaxPayload: c.Fragments.MaxPayload,
		MaxItem:    c.Fragments.MaxItem,
	}
}

// RecorderConfig returns the batching settings of the recorder.
func (c *Config) RecorderConfig() recorder.Config {
	return recorder.Config{
		BatchSize:     c.Recorder.BatchSize,
		FlushInterval: c.Recorder.FlushInterval,
		BufferSize:    c.Recorder.BufferSize,
	}
}

// Dialer returns the stream dialer for Link.Address along with the address
// it expects.
func (c *Config) Dialer(logger *slog.Logger) (connection.Dialer, string, error) {
	d, addr, err := connection.DialerFor(c.Link.Address)
	if err != nil {
		return nil, "", err
	}
	switch d := d.(type) {
	case *connection.TCPDialer:
		d.Timeout = c.Link.HandshakeTimeout
		d.DSCP = c.Link.DSCP
		d.MultipathTCP = c.Link.MPTCP
		d.Logger = logger
	case *connection.WebSocketDialer:
		d.HandshakeTimeout = c.Link.HandshakeTimeout
		d.WriteTimeout = c.Link.WriteTimeout
	}
	return d, addr, nil
}

// NewLogger builds the slog logger selected by the log section.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
