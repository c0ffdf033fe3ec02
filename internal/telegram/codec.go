package telegram

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DecodeFunc decodes one telegram body of a known type from r.
type DecodeFunc func(r io.Reader, limits Limits) (Telegram, error)

// Registry maps type tags to body decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[Type]DecodeFunc
	limits   Limits
}

// NewRegistry constructs a registry preloaded with the built-in telegram types.
func NewRegistry(limits Limits) *Registry {
	def := DefaultLimits()
	if limits.MaxPayload <= 0 {
		limits.MaxPayload = def.MaxPayload
	}
	if limits.MaxItem <= 0 {
		limits.MaxItem = def.MaxItem
	}
	r := &Registry{
		decoders: make(map[Type]DecodeFunc),
		limits:   limits,
	}
	r.Register(TypeKeepalive, decodeKeepalive)
	r.Register(TypeFragment, decodeFragment)
	r.Register(TypeControl, decodeControl)
	r.Register(TypeReply, decodeReply)
	r.Register(TypeGoodbye, decodeGoodbye)
	return r
}

// Register adds or replaces the decoder for a type tag.
func (r *Registry) Register(t Type, fn DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[t] = fn
}

// Known reports whether a decoder exists for t.
func (r *Registry) Known(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[t]
	return ok
}

// Limits returns the decode limits.
func (r *Registry) Limits() Limits {
	return r.limits
}

// Read reads exactly one telegram: the type tag, then the type-specific body.
// An unrecognized tag yields ErrUnknownType; the stream cannot be
// resynchronized after that.
func (r *Registry) Read(rd io.Reader) (Telegram, error) {
	var tag [TagLen]byte
	if _, err := io.ReadFull(rd, tag[:]); err != nil {
		return nil, err
	}

	r.mu.RLock()
	decode, ok := r.decoders[Type(tag[0])]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, tag[0])
	}

	t, err := decode(rd, r.limits)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("decode %s: %w", Type(tag[0]), err)
	}
	return t, nil
}

// Write writes the type tag followed by the encoded body.
func Write(w io.Writer, t Telegram) error {
	if _, err := w.Write([]byte{byte(t.Type())}); err != nil {
		return err
	}
	return t.Encode(w)
}

// readBytes reads a length-prefixed blob after checking it against the limit.
func readBytes(r io.Reader, n uint32, limits Limits) ([]byte, error) {
	if int64(n) > int64(limits.MaxPayload) {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, limits.MaxPayload)
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func writeAll(w io.Writer, parts ...[]byte) error {
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		if _, err := w.Write(p); err != nil {
			return err
		}
	}
	return nil
}

func putU32(b []byte, v int) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(v))
}
