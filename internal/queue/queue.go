package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rickgao/telelink/internal/telegram"
)

// Errors
var (
	ErrClosed          = errors.New("queue closed")
	ErrInvalidSize     = errors.New("telegram size must be positive")
	ErrInvalidPriority = errors.New("telegram priority out of range")
)

type state int

const (
	stateOpen state = iota
	stateClosed
	stateAborted
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	case stateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// PriorityQueue is a thread-safe, byte-bounded queue with one FIFO per
// priority level.
type PriorityQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	levels   [][]telegram.Telegram
	count    int
	occupied int
	capacity int
	state    state

	// Stats
	totalPut   int64
	totalTaken int64
	dropped    int64
}

// New creates a queue holding at most capacity bytes across priorities
// 0..maxPriority.
func New(capacity, maxPriority int) *PriorityQueue {
	if capacity < 1 {
		capacity = 1
	}
	if maxPriority < 0 {
		maxPriority = 0
	}
	q := &PriorityQueue{
		levels:   make([][]telegram.Telegram, maxPriority+1),
		capacity: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends t to the tail of its priority level. It blocks while the
// telegram does not fit; an oversized telegram waits for the queue to drain
// completely and is then admitted alone. Once the queue is closed or aborted
// Put returns ErrClosed without queueing. A cancelled ctx abandons the wait.
func (q *PriorityQueue) Put(ctx context.Context, t telegram.Telegram) error {
	size := t.Size()
	if size <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	prio := t.Priority()
	if prio < 0 || prio >= len(q.levels) {
		return fmt.Errorf("%w: %d not in [0,%d]", ErrInvalidPriority, prio, len(q.levels)-1)
	}

	stop := q.wakeOnDone(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.state == stateOpen && !q.fits(size) {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	if q.state != stateOpen {
		return ErrClosed
	}

	q.levels[prio] = append(q.levels[prio], t)
	q.count++
	q.occupied += size
	q.totalPut++

	q.cond.Broadcast()
	return nil
}

// fits reports whether size bytes can be admitted now. Must be called with
// lock held.
func (q *PriorityQueue) fits(size int) bool {
	if size > q.capacity {
		return q.occupied == 0
	}
	return q.occupied+size <= q.capacity
}

// Take removes and returns the oldest telegram of the highest non-empty
// priority level. It blocks while the queue is empty and open. It returns
// (nil, false) once the queue is empty and closed, aborted, or ctx is done.
func (q *PriorityQueue) Take(ctx context.Context) (telegram.Telegram, bool) {
	stop := q.wakeOnDone(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && q.state == stateOpen {
		if ctx.Err() != nil {
			return nil, false
		}
		q.cond.Wait()
	}

	if q.count == 0 {
		return nil, false
	}

	t := q.pop()
	q.cond.Broadcast()
	return t, true
}

// TryTake is Take without blocking.
func (q *PriorityQueue) TryTake() (telegram.Telegram, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil, false
	}
	t := q.pop()
	q.cond.Broadcast()
	return t, true
}

// pop removes the head of the highest non-empty level. Must be called with
// lock held and count > 0.
func (q *PriorityQueue) pop() telegram.Telegram {
	for p := len(q.levels) - 1; p >= 0; p-- {
		lvl := q.levels[p]
		if len(lvl) == 0 {
			continue
		}
		t := lvl[0]
		lvl[0] = nil // Clear reference for GC
		q.levels[p] = lvl[1:]
		if len(q.levels[p]) == 0 {
			q.levels[p] = nil
		}
		q.count--
		q.occupied -= t.Size()
		q.totalTaken++
		return t
	}
	return nil
}

// Close stops accepting telegrams. Take keeps returning buffered telegrams
// and reports exhaustion once they are gone.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == stateOpen {
		q.state = stateClosed
	}
	q.cond.Broadcast() // Wake all waiters
}

// Abort stops accepting telegrams and discards everything buffered.
func (q *PriorityQueue) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.state = stateAborted
	q.dropped += int64(q.count)
	for p := range q.levels {
		q.levels[p] = nil
	}
	q.count = 0
	q.occupied = 0
	q.cond.Broadcast()
}

// WaitEmpty blocks until the queue holds no telegrams or ctx is done.
func (q *PriorityQueue) WaitEmpty(ctx context.Context) error {
	stop := q.wakeOnDone(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}

// wakeOnDone broadcasts to all waiters when ctx is done so they can observe
// the cancellation.
func (q *PriorityQueue) wakeOnDone(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
}

// Len returns the number of queued telegrams.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Occupied returns the number of queued bytes.
func (q *PriorityQueue) Occupied() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.occupied
}

// Capacity returns the byte capacity.
func (q *PriorityQueue) Capacity() int {
	return q.capacity
}

// Exhausted reports whether the queue is closed or aborted and empty.
func (q *PriorityQueue) Exhausted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state != stateOpen && q.count == 0
}

// Stats returns queue statistics.
func (q *PriorityQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:      q.count,
		Occupied:   q.occupied,
		Capacity:   q.capacity,
		State:      q.state.String(),
		TotalPut:   q.totalPut,
		TotalTaken: q.totalTaken,
		Dropped:    q.dropped,
	}
}

// Stats contains queue statistics.
type Stats struct {
	Count      int    `json:"count"`
	Occupied   int    `json:"occupied"`
	Capacity   int    `json:"capacity"`
	State      string `json:"state"`
	TotalPut   int64  `json:"total_put"`
	TotalTaken int64  `json:"total_taken"`
	Dropped    int64  `json:"dropped"`
}
