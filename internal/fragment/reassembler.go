// Package fragment reassembles items that a sender split into numbered
// fragments because they exceeded the maximum fragment size.
package fragment

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rickgao/telelink/internal/telegram"
)

// Errors
var (
	ErrIndexOutOfRange = errors.New("fragment index out of range")
	ErrTotalMismatch   = errors.New("fragment total disagrees with assembly")
	ErrDuplicate       = errors.New("fragment slot already filled")
	ErrZeroTotal       = errors.New("fragment total is zero")
	ErrTooManyPending  = errors.New("too many items under assembly")
)

// DefaultMaxPending is the number of items that may be open at once.
const DefaultMaxPending = 256

// Key identifies one item under assembly.
type Key struct {
	Stream uint32
	Item   uint64
}

// entry holds the fragments received so far for one item.
type entry struct {
	total  uint16
	filled int
	slots  []*telegram.Fragment
}

// Reassembler collects fragments in any order and releases the ordered set
// once every slot is filled. Safe for concurrent use.
type Reassembler struct {
	mu         sync.Mutex
	pending    map[Key]*entry
	maxPending int

	// Stats
	completed int64
	failed    int64
}

// NewReassembler creates an empty reassembler that keeps at most maxPending
// items open. Zero or less selects DefaultMaxPending.
func NewReassembler(maxPending int) *Reassembler {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Reassembler{
		pending:    make(map[Key]*entry),
		maxPending: maxPending,
	}
}

// Put adds f to its item's assembly. It returns the complete fragment set,
// ordered by index, when f fills the last missing slot, and nil otherwise.
// A single-fragment item is returned immediately. Consistency errors drop the
// whole assembly; they indicate a protocol violation by the peer.
func (r *Reassembler) Put(f *telegram.Fragment) ([]*telegram.Fragment, error) {
	if f.Total == 0 {
		return nil, fmt.Errorf("%w: stream %d item %d", ErrZeroTotal, f.Stream, f.Item)
	}
	if f.Index >= f.Total {
		return nil, fmt.Errorf("%w: index %d, total %d", ErrIndexOutOfRange, f.Index, f.Total)
	}

	key := Key{Stream: f.Stream, Item: f.Item}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.pending[key]
	if !ok {
		if f.Total == 1 {
			r.completed++
			return []*telegram.Fragment{f}, nil
		}
		if len(r.pending) >= r.maxPending {
			r.failed++
			return nil, fmt.Errorf("%w: %d open, stream %d item %d refused",
				ErrTooManyPending, len(r.pending), f.Stream, f.Item)
		}
		e = &entry{
			total: f.Total,
			slots: make([]*telegram.Fragment, f.Total),
		}
		r.pending[key] = e
	}

	if f.Total != e.total {
		r.drop(key)
		return nil, fmt.Errorf("%w: stream %d item %d has %d, fragment says %d",
			ErrTotalMismatch, f.Stream, f.Item, e.total, f.Total)
	}
	if e.slots[f.Index] != nil {
		r.drop(key)
		return nil, fmt.Errorf("%w: stream %d item %d index %d", ErrDuplicate, f.Stream, f.Item, f.Index)
	}

	e.slots[f.Index] = f
	e.filled++
	if e.filled < len(e.slots) {
		return nil, nil
	}

	for i, s := range e.slots {
		if s == nil || int(s.Index) != i {
			r.drop(key)
			return nil, fmt.Errorf("%w: slot %d misplaced", ErrIndexOutOfRange, i)
		}
	}

	delete(r.pending, key)
	r.completed++
	return e.slots, nil
}

// drop discards an assembly. Must be called with lock held.
func (r *Reassembler) drop(key Key) {
	delete(r.pending, key)
	r.failed++
}

// Pending returns the number of items currently under assembly.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Stats returns reassembly counters.
func (r *Reassembler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Pending:   len(r.pending),
		Completed: r.completed,
		Failed:    r.failed,
	}
}

// Stats contains reassembly counters.
type Stats struct {
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
