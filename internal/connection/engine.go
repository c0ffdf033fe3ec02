package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/telelink/internal/fragment"
	"github.com/rickgao/telelink/internal/queue"
	"github.com/rickgao/telelink/internal/telegram"
	"github.com/rickgao/telelink/internal/watchdog"
)

const (
	readBufferSize  = 64 << 10
	writeBufferSize = 64 << 10
)

var errStreamClosed = errors.New("stream closed")

// Engine runs one logical connection at a time over a Stream. It can be
// connected again after a disconnect has completed.
type Engine struct {
	cfg      Config
	registry *telegram.Registry
	logger   *slog.Logger

	mu         sync.Mutex
	handler    Handler
	cur        *session
	keepalive  watchdog.KeepaliveParams
	throughput watchdog.ThroughputParams

	nextItem atomic.Uint64
	dropped  atomic.Int64
	panics   atomic.Int64
}

// session is the state of one connection: its stream, both queues, the
// watchdogs and the four loops.
type session struct {
	id     string
	stream Stream
	logger *slog.Logger

	out        *queue.PriorityQueue
	in         *queue.PriorityQueue
	reasm      *fragment.Reassembler
	throughput *watchdog.Throughput
	liveness   *watchdog.Liveness

	ctx    context.Context // Stops the receiver and liveness loops
	cancel context.CancelFunc
	dead   context.Context // Done once the stream is unusable
	kill   context.CancelCauseFunc

	started      atomic.Bool
	draining     atomic.Bool
	senderDone   chan struct{}
	receiverDone chan struct{}
	dispatchDone chan struct{}
	livenessDone chan struct{}

	finalMu sync.Mutex
	final   telegram.Telegram

	closeOnce  sync.Once
	remoteOnce sync.Once

	sent          atomic.Int64
	received      atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
}

// NewEngine creates an engine. A nil registry decodes the built-in telegram
// types with default limits.
func NewEngine(cfg Config, registry *telegram.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = telegram.NewRegistry(telegram.DefaultLimits())
	}

	def := DefaultConfig()
	if cfg.OutboundCapacity <= 0 {
		cfg.OutboundCapacity = def.OutboundCapacity
	}
	if cfg.InboundCapacity <= 0 {
		cfg.InboundCapacity = def.InboundCapacity
	}
	// Built-in telegrams use priorities up to telegram.MaxPriority.
	if cfg.MaxPriority < telegram.MaxPriority {
		cfg.MaxPriority = telegram.MaxPriority
	}
	if cfg.MaxFragment <= 0 {
		cfg.MaxFragment = def.MaxFragment
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.AbortWait <= 0 {
		cfg.AbortWait = def.AbortWait
	}
	if cfg.HandleInline == nil {
		cfg.HandleInline = InlineReplies
	}
	if cfg.Keepalive.Priority < 0 || cfg.Keepalive.Priority > cfg.MaxPriority {
		cfg.Keepalive.Priority = telegram.PriorityKeepalive
	}

	return &Engine{
		cfg:        cfg,
		registry:   registry,
		logger:     logger,
		keepalive:  cfg.Keepalive,
		throughput: cfg.Throughput,
	}
}

// Connect dials address and attaches the resulting stream.
func (e *Engine) Connect(ctx context.Context, address string) error {
	e.mu.Lock()
	active := e.cur != nil
	e.mu.Unlock()
	if active {
		return ErrAlreadyConnected
	}

	dialer, target := e.cfg.Dialer, address
	if dialer == nil {
		var err error
		if dialer, target, err = DialerFor(address); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	}

	stream, err := dialer.Dial(ctx, target)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := e.Attach(stream); err != nil {
		stream.Close()
		return err
	}
	return nil
}

// Attach runs a connection over an already established stream. The loops
// start once a handler is registered.
func (e *Engine) Attach(stream Stream) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur != nil {
		return ErrAlreadyConnected
	}

	s := e.newSession(stream)
	e.cur = s
	s.logger.Info("connected")

	if e.handler != nil {
		e.start(s)
	}
	return nil
}

// SetHandler registers the high-level component. Telegrams are not processed
// before a handler exists.
func (e *Engine) SetHandler(h Handler) error {
	if h == nil {
		return ErrNoHandler
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.handler = h
	if e.cur != nil && !e.cur.started.Load() {
		e.start(e.cur)
	}
	return nil
}

// newSession builds the per-connection state. Must be called with lock held.
func (e *Engine) newSession(stream Stream) *session {
	id := uuid.NewString()
	logger := e.logger.With("session", id)

	s := &session{
		id:           id,
		stream:       stream,
		logger:       logger,
		out:          queue.New(e.cfg.OutboundCapacity, e.cfg.MaxPriority),
		in:           queue.New(e.cfg.InboundCapacity, e.cfg.MaxPriority),
		reasm:        fragment.NewReassembler(e.cfg.MaxPending),
		senderDone:   make(chan struct{}),
		receiverDone: make(chan struct{}),
		dispatchDone: make(chan struct{}),
		livenessDone: make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.dead, s.kill = context.WithCancelCause(context.Background())
	s.throughput = watchdog.NewThroughput(s.out, e.throughput, logger)
	s.liveness = watchdog.NewLiveness(s.out, s.throughput, e.keepalive, logger)
	return s
}

// start launches the four loops. Must be called with lock held.
func (e *Engine) start(s *session) {
	s.started.Store(true)
	go e.sendLoop(s)
	go e.receiveLoop(s)
	go e.dispatchLoop(s)
	go e.livenessLoop(s)
}

// active returns the current session for callers that want to send.
func (e *Engine) active() (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handler == nil {
		return nil, ErrNoHandler
	}
	if e.cur == nil {
		return nil, ErrNotConnected
	}
	return e.cur, nil
}

// Send queues t for transmission. Misuse (no handler, bad size or priority)
// is reported; a send interrupted by ctx or by a disconnect is dropped
// silently.
func (e *Engine) Send(ctx context.Context, t telegram.Telegram) error {
	s, err := e.active()
	if err != nil {
		return err
	}
	return e.enqueue(ctx, s, t)
}

// SendAll queues ts in order.
func (e *Engine) SendAll(ctx context.Context, ts []telegram.Telegram) error {
	s, err := e.active()
	if err != nil {
		return err
	}
	for _, t := range ts {
		if err := e.enqueue(ctx, s, t); err != nil {
			return err
		}
	}
	return nil
}

// SendItem splits payload into fragments under a fresh item number and
// queues them. It returns the item number.
func (e *Engine) SendItem(ctx context.Context, payload []byte, priority int) (uint64, error) {
	s, err := e.active()
	if err != nil {
		return 0, err
	}
	if priority < 0 || priority > e.cfg.MaxPriority {
		return 0, fmt.Errorf("%w: %d not in [0,%d]", queue.ErrInvalidPriority, priority, e.cfg.MaxPriority)
	}

	item := e.nextItem.Add(1)
	frags, err := telegram.Split(e.cfg.StreamID, item, payload, e.cfg.MaxFragment, priority, e.cfg.Compress)
	if err != nil {
		return 0, fmt.Errorf("split item %d: %w", item, err)
	}
	for _, f := range frags {
		if err := e.enqueue(ctx, s, f); err != nil {
			return 0, err
		}
	}
	return item, nil
}

func (e *Engine) enqueue(ctx context.Context, s *session, t telegram.Telegram) error {
	err := s.out.Put(ctx, t)
	if err == nil {
		return nil
	}
	if errors.Is(err, queue.ErrInvalidSize) || errors.Is(err, queue.ErrInvalidPriority) {
		return err
	}
	e.dropped.Add(1)
	s.logger.Debug("send dropped", "type", t.Type(), "error", err)
	return nil
}

// Disconnect tears the connection down. A graceful disconnect sends what is
// already queued and dispatches what was already received; an error
// disconnect discards both. final, if not nil, is written as the very last
// telegram. A second call while the first is still draining aborts the
// outbound queue and returns.
func (e *Engine) Disconnect(graceful bool, reason string, final telegram.Telegram) {
	e.mu.Lock()
	s := e.cur
	e.mu.Unlock()

	if s == nil {
		return
	}
	e.teardown(s, graceful, reason, final)
}

func (e *Engine) teardown(s *session, graceful bool, reason string, final telegram.Telegram) {
	if !s.draining.CompareAndSwap(false, true) {
		s.logger.Debug("disconnect already in progress, aborting outbound")
		s.out.Abort()
		if s.started.Load() && !waitFor(s.senderDone, e.cfg.AbortWait) {
			s.closeStream()
		}
		return
	}

	s.logger.Info("disconnecting", "graceful", graceful, "reason", reason)

	if final != nil {
		s.setFinal(final)
	}

	if graceful {
		s.out.Close()
	} else {
		s.out.Abort()
	}

	if s.started.Load() {
		// Outbound drain, bounded and cut short if the stream dies
		drainCtx, cancel := context.WithTimeout(s.dead, e.cfg.DrainTimeout)
		if err := s.out.WaitEmpty(drainCtx); err != nil && s.dead.Err() == nil {
			s.logger.Warn("outbound drain timed out", "pending", s.out.Len())
		}
		cancel()

		senderWait := e.cfg.AbortWait
		if graceful {
			senderWait = e.cfg.DrainTimeout
		}
		if !waitFor(s.senderDone, senderWait) {
			s.logger.Warn("sender stuck, closing stream")
			s.out.Abort()
			s.closeStream()
			waitFor(s.senderDone, e.cfg.AbortWait)
		}

		s.cancel()
		s.interruptRead()
		if !waitFor(s.receiverDone, e.cfg.AbortWait) {
			s.closeStream()
			if !waitFor(s.receiverDone, e.cfg.AbortWait) {
				s.logger.Warn("receiver still busy in handler")
			}
		}
		<-s.livenessDone

		if graceful {
			s.in.Close()
		} else {
			s.in.Abort()
		}
		if !waitFor(s.dispatchDone, e.cfg.DrainTimeout) {
			s.logger.Warn("inbound drain timed out", "pending", s.in.Len())
			s.in.Abort()
		}
	} else {
		s.cancel()
		s.in.Abort()
	}

	s.closeStream()
	e.finish(s, !graceful, reason)
}

// finish detaches s and notifies the handler.
func (e *Engine) finish(s *session, isError bool, reason string) {
	e.mu.Lock()
	if e.cur == s {
		e.cur = nil
	}
	h := e.handler
	e.mu.Unlock()

	s.logger.Info("disconnected",
		"error", isError,
		"reason", reason,
		"sent", s.sent.Load(),
		"received", s.received.Load(),
	)

	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			s.logger.Error("handler panic in OnDisconnected", "panic", r)
		}
	}()
	h.OnDisconnected(isError, reason)
}

// handleAbnormal reports a failure from one of the loops. It never blocks:
// the error teardown runs on its own goroutine, and is skipped when a
// disconnect is already under way.
func (e *Engine) handleAbnormal(s *session, err error) {
	s.kill(err)
	if s.draining.Load() {
		return
	}
	s.remoteOnce.Do(func() {
		s.logger.Warn("connection failed", "error", err)
		go e.teardown(s, false, err.Error(), nil)
	})
}

// remoteClose starts a graceful teardown after the peer said goodbye.
func (e *Engine) remoteClose(s *session, reason string) {
	if s.draining.Load() {
		return
	}
	s.remoteOnce.Do(func() {
		go e.teardown(s, true, "peer disconnected: "+reason, nil)
	})
}

// IsConnected reports whether a connection is up and not being torn down.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	s := e.cur
	e.mu.Unlock()
	return s != nil && !s.draining.Load()
}

// Session returns the current session id, or "" when not connected.
func (e *Engine) Session() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return ""
	}
	return e.cur.id
}

// UpdateKeepaliveParameters applies negotiated keepalive timeouts to the
// current and future connections. Zero disables the respective direction.
func (e *Engine) UpdateKeepaliveParameters(sendTimeout, receiveTimeout time.Duration) error {
	if sendTimeout < 0 || receiveTimeout < 0 {
		return fmt.Errorf("%w: keepalive timeouts must not be negative", ErrInvalidParameter)
	}

	e.mu.Lock()
	e.keepalive.SendTimeout = sendTimeout
	e.keepalive.ReceiveTimeout = receiveTimeout
	s := e.cur
	e.mu.Unlock()

	if s != nil {
		s.liveness.Update(sendTimeout, receiveTimeout)
	}
	return nil
}

// UpdateThroughputParameters replaces the throughput watchdog settings. An
// interval or minimum of zero disables the watchdog.
func (e *Engine) UpdateThroughputParameters(fillFactor float64, interval time.Duration, minRate float64) error {
	if fillFactor <= 0 || fillFactor >= 1 {
		return fmt.Errorf("%w: fill factor %v not in (0,1)", ErrInvalidParameter, fillFactor)
	}
	if interval < 0 || minRate < 0 {
		return fmt.Errorf("%w: throughput interval and minimum must not be negative", ErrInvalidParameter)
	}

	params := watchdog.ThroughputParams{FillFactor: fillFactor, Interval: interval, MinRate: minRate}

	e.mu.Lock()
	e.throughput = params
	s := e.cur
	e.mu.Unlock()

	if s != nil {
		s.liveness.UpdateThroughput(params)
	}
	return nil
}

// Stats returns a snapshot of the current connection.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := e.cur
	e.mu.Unlock()

	st := Stats{
		SendsDropped:  e.dropped.Load(),
		HandlerPanics: e.panics.Load(),
	}
	if s == nil {
		return st
	}

	st.Session = s.id
	st.Connected = !s.draining.Load()
	st.Outbound = s.out.Stats()
	st.Inbound = s.in.Stats()
	st.Fragments = s.reasm.Stats()
	st.Souls = s.liveness.Souls()
	st.Keepalives = s.liveness.Keepalives()
	st.Throughput = s.throughput.State().String()
	st.TelegramsSent = s.sent.Load()
	st.TelegramsReceived = s.received.Load()
	st.BytesSent = s.bytesSent.Load()
	st.BytesReceived = s.bytesReceived.Load()
	return st
}

// sendLoop writes outbound telegrams until the queue is exhausted, then the
// final telegram if one was recorded.
func (e *Engine) sendLoop(s *session) {
	defer close(s.senderDone)

	bw := bufio.NewWriterSize(s.stream, writeBufferSize)
	for {
		t, ok := s.out.Take(s.dead)
		if !ok {
			break
		}
		if err := e.write(s, bw, t); err != nil {
			e.handleAbnormal(s, fmt.Errorf("write %s: %w", t.Type(), err))
			return
		}
	}

	final := s.takeFinal()
	if final == nil || s.dead.Err() != nil {
		return
	}
	if err := e.write(s, bw, final); err != nil {
		s.logger.Debug("final telegram not written", "type", final.Type(), "error", err)
	}
}

func (e *Engine) write(s *session, bw *bufio.Writer, t telegram.Telegram) error {
	if err := telegram.Write(bw, t); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	s.liveness.NotifySent(t.Size())
	s.sent.Add(1)
	s.bytesSent.Add(int64(t.Size()))
	return nil
}

// receiveLoop reads telegrams and routes them until the stream fails or the
// loop is interrupted.
func (e *Engine) receiveLoop(s *session) {
	defer close(s.receiverDone)

	br := bufio.NewReaderSize(s.stream, readBufferSize)
	for {
		s.liveness.SetAwaiting(true)
		_, err := br.Peek(1)
		s.liveness.SetAwaiting(false)
		if err != nil {
			e.receiveFailed(s, err)
			return
		}

		t, err := e.registry.Read(br)
		if err != nil {
			e.receiveFailed(s, err)
			return
		}
		s.liveness.NotifyReceived()
		s.received.Add(1)
		s.bytesReceived.Add(int64(t.Size()))

		stop, err := e.route(s, t)
		if err != nil {
			e.handleAbnormal(s, err)
			return
		}
		if stop {
			return
		}
	}
}

func (e *Engine) receiveFailed(s *session, err error) {
	if s.ctx.Err() != nil {
		return
	}
	switch {
	case errors.Is(err, io.EOF):
		err = ErrPeerClosed
	case errors.Is(err, telegram.ErrUnknownType), errors.Is(err, telegram.ErrPayloadTooLarge):
		err = fmt.Errorf("%w: %w", ErrProtocol, err)
	default:
		err = fmt.Errorf("read: %w", err)
	}
	e.handleAbnormal(s, err)
}

// route hands a received telegram on: inline to the handler, through the
// reassembler, or onto the inbound queue. It reports whether the receiver
// should stop.
func (e *Engine) route(s *session, t telegram.Telegram) (bool, error) {
	if e.cfg.HandleInline(t) {
		e.deliver(s, t)
		return false, nil
	}

	switch v := t.(type) {
	case *telegram.Keepalive:
		return false, nil

	case *telegram.Fragment:
		frags, err := s.reasm.Put(v)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		if frags == nil {
			return false, nil
		}
		item, err := telegram.Join(frags, e.registry.Limits())
		if err != nil {
			return false, fmt.Errorf("%w: item %d: %w", ErrProtocol, v.Item, err)
		}
		return false, e.admit(s, item)

	case *telegram.Goodbye:
		s.logger.Info("peer said goodbye", "reason", v.Reason)
		if err := e.admit(s, v); err != nil {
			return false, err
		}
		e.remoteClose(s, v.Reason)
		return true, nil

	default:
		return false, e.admit(s, t)
	}
}

// admit puts t on the inbound queue. Being interrupted by a disconnect is not
// an error.
func (e *Engine) admit(s *session, t telegram.Telegram) error {
	err := s.in.Put(s.ctx, t)
	if err == nil || errors.Is(err, queue.ErrClosed) || s.ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrProtocol, err)
}

func (e *Engine) dispatchLoop(s *session) {
	defer close(s.dispatchDone)

	for {
		t, ok := s.in.Take(context.Background())
		if !ok {
			return
		}
		e.deliver(s, t)
	}
}

// deliver calls the handler, recovering from panics so the loop survives.
func (e *Engine) deliver(s *session, t telegram.Telegram) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			s.logger.Error("handler panic", "type", t.Type(), "panic", r)
		}
	}()
	h.OnTelegram(t)
}

func (e *Engine) livenessLoop(s *session) {
	defer close(s.livenessDone)

	if err := s.liveness.Run(s.ctx); err != nil {
		e.handleAbnormal(s, err)
	}
}

func (s *session) setFinal(t telegram.Telegram) {
	s.finalMu.Lock()
	s.final = t
	s.finalMu.Unlock()
}

func (s *session) takeFinal() telegram.Telegram {
	s.finalMu.Lock()
	defer s.finalMu.Unlock()
	t := s.final
	s.final = nil
	return t
}

// closeStream closes the stream exactly once.
func (s *session) closeStream() {
	s.closeOnce.Do(func() {
		if err := s.stream.Close(); err != nil {
			s.logger.Debug("stream close failed", "error", err)
		}
		s.kill(errStreamClosed)
	})
}

// interruptRead unblocks the receiver, preferring a read deadline so the
// stream stays open for the remaining teardown steps.
func (s *session) interruptRead() {
	if d, ok := s.stream.(readDeadliner); ok {
		if err := d.SetReadDeadline(time.Now()); err == nil {
			return
		}
	}
	s.closeStream()
}

// waitFor waits up to d for ch to close.
func waitFor(ch <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
