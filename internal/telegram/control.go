package telegram

import (
	"encoding/binary"
	"io"
	"unicode/utf8"
)

// Keepalive is the synthetic telegram injected when nothing else has been sent
// for the keepalive send timeout. It has no body.
type Keepalive struct {
	priority int
}

// NewKeepalive returns a keepalive telegram queued at the given priority.
func NewKeepalive(priority int) *Keepalive {
	return &Keepalive{priority: priority}
}

func (k *Keepalive) Type() Type               { return TypeKeepalive }
func (k *Keepalive) Priority() int            { return k.priority }
func (k *Keepalive) Size() int                { return TagLen }
func (k *Keepalive) Encode(_ io.Writer) error { return nil }

func decodeKeepalive(_ io.Reader, _ Limits) (Telegram, error) {
	return &Keepalive{priority: PriorityKeepalive}, nil
}

const controlHeaderLen = 4 + 2 + 4

// Control carries an opaque subscription or configuration request.
type Control struct {
	RequestID uint32
	Code      uint16
	Body      []byte
}

func (c *Control) Type() Type    { return TypeControl }
func (c *Control) Priority() int { return PriorityControl }
func (c *Control) Size() int     { return TagLen + controlHeaderLen + len(c.Body) }

func (c *Control) Encode(w io.Writer) error {
	hdr := make([]byte, 0, controlHeaderLen)
	hdr = binary.BigEndian.AppendUint32(hdr, c.RequestID)
	hdr = binary.BigEndian.AppendUint16(hdr, c.Code)
	hdr = putU32(hdr, len(c.Body))
	return writeAll(w, hdr, c.Body)
}

func decodeControl(r io.Reader, limits Limits) (Telegram, error) {
	var hdr [controlHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	body, err := readBytes(r, binary.BigEndian.Uint32(hdr[6:10]), limits)
	if err != nil {
		return nil, err
	}
	return &Control{
		RequestID: binary.BigEndian.Uint32(hdr[0:4]),
		Code:      binary.BigEndian.Uint16(hdr[4:6]),
		Body:      body,
	}, nil
}

const replyHeaderLen = 4 + 1 + 4

// Reply answers a Control request. The owning layer usually awaits replies
// synchronously, so the engine can deliver them inline.
type Reply struct {
	RequestID uint32
	Status    uint8
	Body      []byte
}

func (r *Reply) Type() Type    { return TypeReply }
func (r *Reply) Priority() int { return PriorityReply }
func (r *Reply) Size() int     { return TagLen + replyHeaderLen + len(r.Body) }

func (r *Reply) Encode(w io.Writer) error {
	hdr := make([]byte, 0, replyHeaderLen)
	hdr = binary.BigEndian.AppendUint32(hdr, r.RequestID)
	hdr = append(hdr, r.Status)
	hdr = putU32(hdr, len(r.Body))
	return writeAll(w, hdr, r.Body)
}

func decodeReply(r io.Reader, limits Limits) (Telegram, error) {
	var hdr [replyHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	body, err := readBytes(r, binary.BigEndian.Uint32(hdr[5:9]), limits)
	if err != nil {
		return nil, err
	}
	return &Reply{
		RequestID: binary.BigEndian.Uint32(hdr[0:4]),
		Status:    hdr[4],
		Body:      body,
	}, nil
}

// Goodbye is the courtesy notice written as the last telegram of a session.
type Goodbye struct {
	Reason string
}

func (g *Goodbye) Type() Type    { return TypeGoodbye }
func (g *Goodbye) Priority() int { return PriorityKeepalive }
func (g *Goodbye) Size() int     { return TagLen + 2 + len(g.reason()) }

func (g *Goodbye) Encode(w io.Writer) error {
	reason := g.reason()
	hdr := binary.BigEndian.AppendUint16(make([]byte, 0, 2), uint16(len(reason)))
	return writeAll(w, hdr, []byte(reason))
}

// reason truncates to what a u16 length prefix can describe, without
// splitting a UTF-8 sequence.
func (g *Goodbye) reason() string {
	if len(g.Reason) <= 0xFFFF {
		return g.Reason
	}
	end := 0xFFFF
	for end > 0 && !utf8.RuneStart(g.Reason[end]) {
		end--
	}
	return g.Reason[:end]
}

func decodeGoodbye(r io.Reader, limits Limits) (Telegram, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	reason, err := readBytes(r, uint32(binary.BigEndian.Uint16(hdr[:])), limits)
	if err != nil {
		return nil, err
	}
	return &Goodbye{Reason: string(reason)}, nil
}
