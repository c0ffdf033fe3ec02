package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/telelink/internal/connection"
	"github.com/rickgao/telelink/internal/telegram"
)

// replyTimeout bounds how long an echo may wait for outbound queue space.
const replyTimeout = 5 * time.Second

// ReplyOK is the status answered to every control request.
const ReplyOK uint8 = 0

// peer serves one attached stream: items are echoed back and control
// requests answered.
type peer struct {
	engine *connection.Engine
	logger *slog.Logger
	gone   func(*peer)
}

func newPeer(cfg connection.Config, registry *telegram.Registry, logger *slog.Logger, gone func(*peer)) *peer {
	p := &peer{
		engine: connection.NewEngine(cfg, registry, logger),
		logger: logger,
		gone:   gone,
	}
	p.engine.SetHandler(p)
	return p
}

func (p *peer) OnTelegram(t telegram.Telegram) {
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()

	switch v := t.(type) {
	case *telegram.Fragment:
		if _, err := p.engine.SendItem(ctx, v.Payload, v.Priority()); err != nil {
			p.logger.Warn("echo failed", "item", v.Item, "error", err)
		}
	case *telegram.Control:
		reply := &telegram.Reply{RequestID: v.RequestID, Status: ReplyOK, Body: v.Body}
		if err := p.engine.Send(ctx, reply); err != nil {
			p.logger.Warn("reply failed", "request_id", v.RequestID, "error", err)
		}
	case *telegram.Goodbye:
		p.logger.Info("peer goodbye", "reason", v.Reason)
	}
}

func (p *peer) OnDisconnected(isError bool, message string) {
	if isError {
		p.logger.Warn("stream closed", "message", message)
	} else {
		p.logger.Info("stream closed", "message", message)
	}
	if p.gone != nil {
		p.gone(p)
	}
}

// peers tracks live peers for shutdown.
type peers struct {
	mu  sync.Mutex
	set map[*peer]struct{}
	wg  sync.WaitGroup
}

func newPeers() *peers {
	return &peers{set: make(map[*peer]struct{})}
}

func (ps *peers) add(p *peer) {
	ps.mu.Lock()
	ps.set[p] = struct{}{}
	ps.wg.Add(1)
	ps.mu.Unlock()
}

func (ps *peers) remove(p *peer) {
	ps.mu.Lock()
	if _, ok := ps.set[p]; ok {
		delete(ps.set, p)
		ps.wg.Done()
	}
	ps.mu.Unlock()
}

// closeAll says goodbye to every peer and waits for their teardown.
func (ps *peers) closeAll(reason string) {
	ps.mu.Lock()
	live := make([]*peer, 0, len(ps.set))
	for p := range ps.set {
		live = append(live, p)
	}
	ps.mu.Unlock()

	for _, p := range live {
		go p.engine.Disconnect(true, reason, &telegram.Goodbye{Reason: reason})
	}
	ps.wg.Wait()
}
