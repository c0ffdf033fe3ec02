package connection

import (
	"errors"
	"time"

	"github.com/rickgao/telelink/internal/fragment"
	"github.com/rickgao/telelink/internal/queue"
	"github.com/rickgao/telelink/internal/telegram"
	"github.com/rickgao/telelink/internal/watchdog"
)

// Errors
var (
	ErrAlreadyConnected  = errors.New("already connected")
	ErrNotConnected      = errors.New("not connected")
	ErrNoHandler         = errors.New("no handler registered")
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrProtocol          = errors.New("protocol violation")
	ErrPeerClosed        = errors.New("peer closed the stream")
	ErrUnsupportedScheme = errors.New("unsupported address scheme")
)

// Handler is the high-level component fed by an Engine.
//
// OnTelegram runs on the dispatcher goroutine, or on the receiver goroutine
// for telegrams matched by Config.HandleInline. OnDisconnected is called
// exactly once per connection, after teardown has finished.
type Handler interface {
	OnTelegram(t telegram.Telegram)
	OnDisconnected(isError bool, message string)
}

// HandlerFuncs adapts a pair of functions to Handler. Nil fields are no-ops.
type HandlerFuncs struct {
	Telegram     func(t telegram.Telegram)
	Disconnected func(isError bool, message string)
}

func (h HandlerFuncs) OnTelegram(t telegram.Telegram) {
	if h.Telegram != nil {
		h.Telegram(t)
	}
}

func (h HandlerFuncs) OnDisconnected(isError bool, message string) {
	if h.Disconnected != nil {
		h.Disconnected(isError, message)
	}
}

// Config configures an Engine.
type Config struct {
	OutboundCapacity int // Outbound queue capacity in bytes
	InboundCapacity  int // Inbound queue capacity in bytes
	MaxPriority      int // Highest telegram priority accepted

	Keepalive  watchdog.KeepaliveParams
	Throughput watchdog.ThroughputParams

	MaxFragment int    // Largest fragment payload produced by SendItem
	Compress    bool   // LZ4 compress items when it shrinks them
	StreamID    uint32 // Stream identity stamped on outgoing fragments
	MaxPending  int    // Items the peer may leave half-sent at once

	DrainTimeout time.Duration // Bound on each graceful drain wait during Disconnect
	AbortWait    time.Duration // Grace given to a stuck sender before its stream is closed

	// HandleInline selects received telegrams delivered straight to the
	// handler from the receiver, bypassing reassembly and the inbound queue.
	HandleInline func(t telegram.Telegram) bool

	// Dialer opens streams for Connect. Nil picks one from the address.
	Dialer Dialer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		OutboundCapacity: 4 << 20,
		InboundCapacity:  4 << 20,
		MaxPriority:      telegram.MaxPriority,
		Keepalive:        watchdog.DefaultKeepaliveParams(),
		Throughput:       watchdog.DefaultThroughputParams(),
		MaxFragment:      64 << 10,
		Compress:         false,
		StreamID:         1,
		MaxPending:       fragment.DefaultMaxPending,
		DrainTimeout:     10 * time.Second,
		AbortWait:        500 * time.Millisecond,
		HandleInline:     InlineReplies,
	}
}

// InlineReplies matches Reply telegrams, which callers await synchronously.
func InlineReplies(t telegram.Telegram) bool {
	return t.Type() == telegram.TypeReply
}

// Stats is a point-in-time snapshot of an Engine.
type Stats struct {
	Session    string         `json:"session"`
	Connected  bool           `json:"connected"`
	Outbound   queue.Stats    `json:"outbound"`
	Inbound    queue.Stats    `json:"inbound"`
	Fragments  fragment.Stats `json:"fragments"`
	Souls      int            `json:"souls"`
	Keepalives int64          `json:"keepalives"`
	Throughput string         `json:"throughput"`

	TelegramsSent     int64 `json:"telegrams_sent"`
	TelegramsReceived int64 `json:"telegrams_received"`
	BytesSent         int64 `json:"bytes_sent"`
	BytesReceived     int64 `json:"bytes_received"`
	SendsDropped      int64 `json:"sends_dropped"`
	HandlerPanics     int64 `json:"handler_panics"`
}
