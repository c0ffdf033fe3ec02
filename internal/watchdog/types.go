package watchdog

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rickgao/telelink/internal/telegram"
)

// Errors
var (
	ErrPeerSilent       = errors.New("no telegram received from peer within the keepalive budget (silent peer)")
	ErrReceiverBacklog  = errors.New("receiver blocked behind inbound backlog beyond the keepalive budget (too slow to keep up)")
	ErrThroughputTooLow = errors.New("outbound throughput below minimum while congested")
)

// forever marks a deadline that never fires.
const forever = time.Duration(math.MaxInt64)

// minSleep keeps the timer loop from spinning on zero waits.
const minSleep = time.Millisecond

// idlePolls is how many times per interval an idle queue is sampled for the
// onset of congestion.
const idlePolls = 10

// minIdlePoll bounds idle sampling on very short intervals.
const minIdlePoll = 10 * time.Millisecond

// Outbound is the part of the outbound queue the watchdogs need.
type Outbound interface {
	Len() int
	Occupied() int
	Capacity() int
	Put(ctx context.Context, t telegram.Telegram) error
}

// KeepaliveParams configures the keepalive watchdog.
type KeepaliveParams struct {
	SendTimeout       time.Duration // Quiet time before a keepalive is injected (0 disables)
	ReceiveTimeout    time.Duration // Silence that costs one soul (0 disables)
	MaxSouls          int           // Consecutive receive timeouts tolerated
	BacklogMultiplier int           // Receive timeout stretch while the receiver is not awaiting data
	Priority          int           // Keepalive telegram priority
}

// DefaultKeepaliveParams returns sensible defaults.
func DefaultKeepaliveParams() KeepaliveParams {
	return KeepaliveParams{
		SendTimeout:       5 * time.Second,
		ReceiveTimeout:    15 * time.Second,
		MaxSouls:          3,
		BacklogMultiplier: 4,
		Priority:          telegram.PriorityKeepalive,
	}
}

// ThroughputParams configures the throughput watchdog.
type ThroughputParams struct {
	FillFactor float64       // Congestion threshold as a fraction of queue capacity, in (0,1)
	Interval   time.Duration // Control interval (0 disables)
	MinRate    float64       // Minimum bytes per second while congested (0 disables)
}

// DefaultThroughputParams returns sensible defaults.
func DefaultThroughputParams() ThroughputParams {
	return ThroughputParams{
		FillFactor: 0.75,
		Interval:   10 * time.Second,
		MinRate:    1024,
	}
}

// State is the throughput watchdog state.
type State int

const (
	StateIdle State = iota
	StateCongested
	StateMeasuring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCongested:
		return "congested"
	case StateMeasuring:
		return "measuring"
	default:
		return "unknown"
	}
}

func minDuration(ds ...time.Duration) time.Duration {
	m := forever
	for _, d := range ds {
		if d < m {
			m = d
		}
	}
	return m
}
