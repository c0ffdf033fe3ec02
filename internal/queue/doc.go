// Package queue implements the byte-bounded, multi-priority FIFO used for the
// outbound and inbound telegram flows of a connection.
//
// Capacity is accounted in bytes (telegram Size), not in items, so memory use
// stays predictable whatever the size mix. Dequeue always returns the oldest
// telegram of the highest non-empty priority level. A telegram larger than the
// whole capacity is admitted alone once the queue has drained.
package queue
