// Package connection implements the connection engine.
//
// An Engine owns one stream and runs four goroutines per connection:
//   - Sender: takes from the outbound queue and writes telegrams to the stream
//   - Receiver: reads telegrams, reassembles fragments, fills the inbound queue
//   - Dispatcher: takes from the inbound queue and calls the Handler
//   - Liveness: keepalive and throughput watchdogs on one timer loop
//
// Failures of any loop are funnelled into one asynchronous error teardown and
// reported through Handler.OnDisconnected. Nothing here reconnects; that is
// left to the caller.
package connection
