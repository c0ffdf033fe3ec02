package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/telelink/internal/config"
	"github.com/rickgao/telelink/internal/connection"
	"github.com/rickgao/telelink/internal/telegram"
)

var errGaveUp = errors.New("reconnect attempts exhausted")

// link is the part of the engine the supervisor drives.
type link interface {
	Connect(ctx context.Context, address string) error
	Disconnect(graceful bool, reason string, final telegram.Telegram)
}

// supervisor keeps the engine connected, reconnecting with exponential
// backoff after the peer goes away. It wraps the application handler to
// learn about disconnects.
type supervisor struct {
	link    link
	address string
	cfg     config.ReconnectConfig
	inner   connection.Handler
	logger  *slog.Logger

	lost  chan string
	ready chan struct{} // Closed after the first successful connect
	once  sync.Once
}

func newSupervisor(l link, address string, cfg config.ReconnectConfig, inner connection.Handler, logger *slog.Logger) *supervisor {
	return &supervisor{
		link:    l,
		address: address,
		cfg:     cfg,
		inner:   inner,
		logger:  logger,
		lost:    make(chan string, 1),
		ready:   make(chan struct{}),
	}
}

func (s *supervisor) OnTelegram(t telegram.Telegram) {
	s.inner.OnTelegram(t)
}

func (s *supervisor) OnDisconnected(isError bool, message string) {
	s.inner.OnDisconnected(isError, message)
	select {
	case s.lost <- message:
	default:
	}
}

// Run connects and reconnects until ctx is done, then says goodbye to the
// peer. It fails once MaxAttempts consecutive connects have failed.
func (s *supervisor) Run(ctx context.Context) error {
	wait := s.cfg.BaseDelay
	failures := 0

	for {
		err := s.link.Connect(ctx, s.address)
		if err == nil {
			s.logger.Info("connected", "address", s.address)
			failures = 0
			s.once.Do(func() { close(s.ready) })
			wait = s.cfg.BaseDelay

			select {
			case <-ctx.Done():
				s.link.Disconnect(true, "shutdown", &telegram.Goodbye{Reason: "shutdown"})
				<-s.lost
				return nil
			case msg := <-s.lost:
				s.logger.Warn("connection lost", "message", msg)
			}
		} else {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			s.logger.Warn("connect failed",
				"address", s.address,
				"attempt", failures,
				"error", err,
			)
			if s.cfg.MaxAttempts > 0 && failures >= s.cfg.MaxAttempts {
				return fmt.Errorf("%w: %d failures, last: %w", errGaveUp, failures, err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		// Exponential backoff
		wait = nextDelay(wait, s.cfg.MaxDelay)
	}
}

func nextDelay(wait, maxWait time.Duration) time.Duration {
	wait *= 2
	if wait > maxWait {
		wait = maxWait
	}
	return wait
}
