package config

import (
	"errors"
	"fmt"

	"github.com/rickgao/telelink/internal/connection"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if _, _, err := connection.DialerFor(c.Link.Address); err != nil {
		return fmt.Errorf("link.address: %w", err)
	}
	if c.Link.DSCP < 0 || c.Link.DSCP > 63 {
		return fmt.Errorf("link.dscp must be between 0 and 63, got %d", c.Link.DSCP)
	}

	if c.Queues.OutboundCapacity < 1 {
		return errors.New("queues.outbound_capacity must be >= 1")
	}
	if c.Queues.InboundCapacity < 1 {
		return errors.New("queues.inbound_capacity must be >= 1")
	}
	if c.Queues.MaxPriority < DefaultMaxPriority || c.Queues.MaxPriority > 255 {
		return fmt.Errorf("queues.max_priority must be between %d and 255, got %d", DefaultMaxPriority, c.Queues.MaxPriority)
	}

	if c.Keepalive.SendTimeout < 0 || c.Keepalive.ReceiveTimeout < 0 {
		return errors.New("keepalive timeouts must not be negative")
	}
	if c.Keepalive.MaxSouls < 1 {
		return errors.New("keepalive.max_souls must be >= 1")
	}
	if c.Keepalive.BacklogMultiplier < 1 {
		return errors.New("keepalive.backlog_multiplier must be >= 1")
	}
	if c.Keepalive.Priority < 0 || c.Keepalive.Priority > c.Queues.MaxPriority {
		return fmt.Errorf("keepalive.priority must be between 0 and queues.max_priority (%d), got %d", c.Queues.MaxPriority, c.Keepalive.Priority)
	}

	if c.Throughput.FillFactor <= 0 || c.Throughput.FillFactor >= 1 {
		return fmt.Errorf("throughput.fill_factor must be in (0,1), got %v", c.Throughput.FillFactor)
	}
	if c.Throughput.Interval < 0 {
		return errors.New("throughput.interval must not be negative")
	}
	if c.Throughput.MinRate < 0 {
		return errors.New("throughput.min_rate must not be negative")
	}

	if c.Fragments.MaxSize < 1 {
		return errors.New("fragments.max_size must be >= 1")
	}
	if c.Fragments.MaxPayload < c.Fragments.MaxSize {
		return fmt.Errorf("fragments.max_payload (%d) cannot be below fragments.max_size (%d)", c.Fragments.MaxPayload, c.Fragments.MaxSize)
	}

	if c.Fragments.MaxItem < c.Fragments.MaxPayload {
		return fmt.Errorf("fragments.max_item (%d) cannot be below fragments.max_payload (%d)", c.Fragments.MaxItem, c.Fragments.MaxPayload)
	}

	if c.Fragments.MaxPending < 1 {
		return fmt.Errorf("fragments.max_pending must be >= 1, got %d", c.Fragments.MaxPending)
	}

	if c.Reconnect.BaseDelay > c.Reconnect.MaxDelay {
		return fmt.Errorf("reconnect.base_delay (%v) cannot exceed reconnect.max_delay (%v)", c.Reconnect.BaseDelay, c.Reconnect.MaxDelay)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must be >= 0")
	}

	if c.Recorder.Enabled {
		if err := c.Recorder.Database.validate("recorder.database"); err != nil {
			return err
		}
		if c.Recorder.BatchSize < 1 {
			return errors.New("recorder.batch_size must be >= 1")
		}
		if c.Recorder.BufferSize < 1 {
			return errors.New("recorder.buffer_size must be >= 1")
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
