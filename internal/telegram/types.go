package telegram

import (
	"errors"
	"fmt"
	"io"
)

// Type is the one-byte tag that precedes every telegram on the wire.
type Type uint8

const (
	TypeKeepalive Type = 0x01
	TypeFragment  Type = 0x02
	TypeControl   Type = 0x03
	TypeReply     Type = 0x04
	TypeGoodbye   Type = 0x05
)

func (t Type) String() string {
	switch t {
	case TypeKeepalive:
		return "keepalive"
	case TypeFragment:
		return "fragment"
	case TypeControl:
		return "control"
	case TypeReply:
		return "reply"
	case TypeGoodbye:
		return "goodbye"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

// Default priorities. 0 is the lowest.
const (
	PriorityBulk      = 0
	PriorityData      = 2
	PriorityControl   = 5
	PriorityReply     = 6
	PriorityKeepalive = 7
	MaxPriority       = 7
)

// TagLen is the framing overhead every telegram carries in addition to its body.
const TagLen = 1

// Errors
var (
	ErrUnknownType      = errors.New("telegram: unknown type tag")
	ErrPayloadTooLarge  = errors.New("telegram: payload too large")
	ErrTooManyFragments = errors.New("telegram: payload needs more fragments than the wire allows")
	ErrInvalidFragment  = errors.New("telegram: invalid fragment size")
	ErrIncomplete       = errors.New("telegram: fragment set incomplete")
	ErrCorrupt          = errors.New("telegram: compressed payload corrupt")
	ErrInconsistent     = errors.New("telegram: fragment headers disagree")
)

// Telegram is one discrete protocol message. Implementations are immutable
// once constructed.
type Telegram interface {
	// Type returns the wire tag that selects the body encoding.
	Type() Type

	// Priority returns the dispatch priority, 0 being the lowest.
	Priority() int

	// Size returns the encoded size in bytes including the type tag.
	Size() int

	// Encode writes the body (without the tag) to w.
	Encode(w io.Writer) error
}

// Limits constrains decode memory use.
type Limits struct {
	MaxPayload int // Largest body payload accepted from the peer
	MaxItem    int // Largest joined item, after decompression
}

// DefaultLimits returns limits that accept fragments of the default size.
func DefaultLimits() Limits {
	return Limits{
		MaxPayload: 1 << 20,
		MaxItem:    64 << 20,
	}
}
