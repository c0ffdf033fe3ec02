package watchdog

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Throughput detects a link that cannot drain the outbound queue. Realized
// throughput is only measured while the queue is congested; an idle link
// produces meaningless numbers.
type Throughput struct {
	mu     sync.Mutex
	logger *slog.Logger
	gauge  Outbound
	params ThroughputParams

	state     State
	enteredAt time.Time
	bytesSent int64
}

// NewThroughput creates a throughput watchdog observing gauge.
func NewThroughput(gauge Outbound, params ThroughputParams, logger *slog.Logger) *Throughput {
	if logger == nil {
		logger = slog.Default()
	}
	return &Throughput{
		logger: logger,
		gauge:  gauge,
		params: params,
	}
}

// NotifySent accounts n bytes successfully written to the stream.
func (t *Throughput) NotifySent(n int) {
	t.mu.Lock()
	t.bytesSent += int64(n)
	t.mu.Unlock()
}

// Update replaces the parameters and restarts from Idle.
func (t *Throughput) Update(params ThroughputParams) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params = params
	t.enter(StateIdle, time.Now())
}

// State returns the current state.
func (t *Throughput) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Throughput) enabled() bool {
	p := t.params
	return p.Interval > 0 && p.MinRate > 0 && p.FillFactor > 0 && p.FillFactor < 1
}

// enter switches state. Must be called with lock held.
func (t *Throughput) enter(s State, now time.Time) {
	if s != t.state {
		t.logger.Debug("throughput state change", "from", t.state, "to", s)
	}
	t.state = s
	t.enteredAt = now
	t.bytesSent = 0
}

// Check advances the state machine at time now. It returns how long until
// the next check is due, and ErrThroughputTooLow when a full measuring
// interval completed below the minimum rate.
func (t *Throughput) Check(now time.Time) (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.enabled() {
		if t.state != StateIdle {
			t.enter(StateIdle, now)
		}
		return forever, nil
	}

	interval := t.params.Interval
	threshold := t.params.FillFactor * float64(t.gauge.Capacity())
	if float64(t.gauge.Occupied()) <= threshold {
		if t.state != StateIdle {
			t.enter(StateIdle, now)
		}
		return idlePoll(interval), nil
	}

	elapsed := now.Sub(t.enteredAt)
	switch t.state {
	case StateIdle:
		t.enter(StateCongested, now)
		return interval, nil

	case StateCongested:
		if elapsed < interval {
			return interval - elapsed, nil
		}
		t.enter(StateMeasuring, now)
		return interval, nil

	default:
		if elapsed < interval {
			return interval - elapsed, nil
		}
		rate := float64(t.bytesSent) / elapsed.Seconds()
		if rate < t.params.MinRate {
			return 0, fmt.Errorf("%w: %.1f B/s over %v, minimum %.1f B/s",
				ErrThroughputTooLow, rate, elapsed.Round(time.Millisecond), t.params.MinRate)
		}
		t.enter(StateMeasuring, now)
		return interval, nil
	}
}

// idlePoll is the sampling period while the queue is below the threshold.
func idlePoll(interval time.Duration) time.Duration {
	return min(interval, max(interval/idlePolls, minIdlePoll))
}
