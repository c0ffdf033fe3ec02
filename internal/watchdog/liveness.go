package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/telelink/internal/queue"
	"github.com/rickgao/telelink/internal/telegram"
)

// Liveness is the keepalive watchdog of one connection.
type Liveness struct {
	mu         sync.Mutex
	logger     *slog.Logger
	out        Outbound
	throughput *Throughput
	params     KeepaliveParams
	now        func() time.Time

	souls         int
	lastSend      time.Time
	lastReceive   time.Time
	lastKeepalive time.Time
	lastStrike    time.Time // Last receive or soul decrement
	awaiting      bool      // Receiver is blocked waiting for the next telegram
	keepalives    int64

	wake chan struct{}
}

// NewLiveness creates a keepalive watchdog that injects keepalives into out
// and drives throughput from the same timer loop. throughput may be nil.
func NewLiveness(out Outbound, throughput *Throughput, params KeepaliveParams, logger *slog.Logger) *Liveness {
	if logger == nil {
		logger = slog.Default()
	}
	if params.MaxSouls < 1 {
		params.MaxSouls = 1
	}
	if params.BacklogMultiplier < 1 {
		params.BacklogMultiplier = 1
	}
	l := &Liveness{
		logger:     logger,
		out:        out,
		throughput: throughput,
		params:     params,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
	l.reset(l.now())
	return l
}

// reset restarts all timers and restores the souls.
func (l *Liveness) reset(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.souls = l.params.MaxSouls
	l.lastSend = now
	l.lastReceive = now
	l.lastKeepalive = now
	l.lastStrike = now
}

// NotifySent records a successful stream write of n bytes.
func (l *Liveness) NotifySent(n int) {
	l.mu.Lock()
	l.lastSend = l.now()
	l.mu.Unlock()
	if l.throughput != nil {
		l.throughput.NotifySent(n)
	}
}

// NotifyReceived records a telegram read from the peer and restores the souls.
func (l *Liveness) NotifyReceived() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.lastReceive = now
	l.lastStrike = now
	l.souls = l.params.MaxSouls
}

// SetAwaiting marks whether the receiver is blocked waiting to start reading
// the next telegram.
func (l *Liveness) SetAwaiting(awaiting bool) {
	l.mu.Lock()
	l.awaiting = awaiting
	l.mu.Unlock()
}

// Update replaces the negotiated send and receive timeouts and wakes the loop.
func (l *Liveness) Update(sendTimeout, receiveTimeout time.Duration) {
	l.mu.Lock()
	l.params.SendTimeout = sendTimeout
	l.params.ReceiveTimeout = receiveTimeout
	l.mu.Unlock()
	l.Wake()
}

// UpdateThroughput replaces the throughput parameters and wakes the loop.
func (l *Liveness) UpdateThroughput(params ThroughputParams) {
	if l.throughput == nil {
		return
	}
	l.throughput.Update(params)
	l.Wake()
}

// Wake interrupts the current sleep so parameters are re-read.
func (l *Liveness) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Souls returns the remaining consecutive receive timeouts tolerated.
func (l *Liveness) Souls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.souls
}

// Keepalives returns the number of keepalive telegrams injected.
func (l *Liveness) Keepalives() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.keepalives
}

// Run executes the timer loop until ctx is done or a watchdog fires. The
// returned error names the cause: ErrPeerSilent, ErrReceiverBacklog or
// ErrThroughputTooLow.
func (l *Liveness) Run(ctx context.Context) error {
	l.reset(l.now())

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait, err := l.check(ctx, l.now())
		if err != nil {
			return err
		}
		if wait < minSleep {
			wait = minSleep
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		case <-timer.C:
		}
	}
}

// check performs one pass over the three watchdog duties and returns how long
// the loop may sleep.
func (l *Liveness) check(ctx context.Context, now time.Time) (time.Duration, error) {
	sendWait, keepalive := l.checkSend(now)
	if keepalive != nil {
		if err := l.out.Put(ctx, keepalive); err != nil && !errors.Is(err, queue.ErrClosed) && ctx.Err() == nil {
			l.logger.Warn("keepalive enqueue failed", "error", err)
		}
	}

	recvWait, err := l.checkReceive(now)
	if err != nil {
		return 0, err
	}

	throughputWait := forever
	if l.throughput != nil {
		throughputWait, err = l.throughput.Check(now)
		if err != nil {
			return 0, err
		}
	}

	return minDuration(sendWait, recvWait, throughputWait), nil
}

// checkSend decides whether a keepalive is due. The send timer restarts even
// when the keepalive is skipped because the outbound queue already holds data.
func (l *Liveness) checkSend(now time.Time) (time.Duration, telegram.Telegram) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timeout := l.params.SendTimeout
	if timeout <= 0 {
		return forever, nil
	}

	last := l.lastSend
	if l.lastKeepalive.After(last) {
		last = l.lastKeepalive
	}
	elapsed := now.Sub(last)
	if elapsed < timeout {
		return timeout - elapsed, nil
	}

	l.lastKeepalive = now
	if l.out.Len() > 0 {
		return timeout, nil
	}
	l.keepalives++
	return timeout, telegram.NewKeepalive(l.params.Priority)
}

// checkReceive charges one soul per elapsed receive period. The period is
// stretched while the receiver is not awaiting data, which means the inbound
// side is backed up rather than the peer being silent.
func (l *Liveness) checkReceive(now time.Time) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	period := l.params.ReceiveTimeout
	if period <= 0 {
		return forever, nil
	}
	if !l.awaiting {
		period *= time.Duration(l.params.BacklogMultiplier)
	}

	elapsed := now.Sub(l.lastStrike)
	if elapsed < period {
		return period - elapsed, nil
	}

	l.souls--
	l.lastStrike = now
	l.logger.Debug("receive timeout",
		"souls", l.souls,
		"awaiting", l.awaiting,
		"since_last_receive", now.Sub(l.lastReceive),
	)
	if l.souls > 0 {
		return period, nil
	}

	if l.awaiting {
		return 0, ErrPeerSilent
	}
	return 0, ErrReceiverBacklog
}
