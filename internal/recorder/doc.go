// Package recorder persists items delivered by a connection engine.
//
// A Recorder is registered as the engine's handler. Joined items are turned
// into rows and batch-inserted into the telegram_items table, flushing when
// the batch fills or the flush interval elapses. Inserts are append-only;
// a replayed (session, stream, item) key is counted as a conflict.
package recorder
