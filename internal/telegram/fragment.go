package telegram

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// FlagCompressed marks a fragment set whose joined payload is an LZ4 block.
const FlagCompressed uint8 = 0x01

// MaxFragments is the largest fragment count the u16 total field can describe.
const MaxFragments = 0xFFFF

// maxCompressionRatio bounds how far an LZ4 block can expand.
const maxCompressionRatio = 255

const fragmentHeaderLen = 4 + 8 + 2 + 2 + 1 + 1 + 4 + 4

// Fragment is one numbered piece of an application item. An item that fits
// in a single fragment has Total 1 and Index 0.
type Fragment struct {
	Stream  uint32 // Owning stream identity
	Item    uint64 // Item sequence number within the stream
	Index   uint16 // Position of this fragment, 0-based
	Total   uint16 // Number of fragments the item was split into
	Prio    uint8
	Flags   uint8
	RawLen  uint32 // Uncompressed item length when FlagCompressed is set
	Payload []byte
}

func (f *Fragment) Type() Type    { return TypeFragment }
func (f *Fragment) Priority() int { return int(f.Prio) }
func (f *Fragment) Size() int     { return TagLen + fragmentHeaderLen + len(f.Payload) }

// Compressed reports whether the joined item payload is LZ4 compressed.
func (f *Fragment) Compressed() bool { return f.Flags&FlagCompressed != 0 }

func (f *Fragment) Encode(w io.Writer) error {
	hdr := make([]byte, 0, fragmentHeaderLen)
	hdr = binary.BigEndian.AppendUint32(hdr, f.Stream)
	hdr = binary.BigEndian.AppendUint64(hdr, f.Item)
	hdr = binary.BigEndian.AppendUint16(hdr, f.Index)
	hdr = binary.BigEndian.AppendUint16(hdr, f.Total)
	hdr = append(hdr, f.Prio, f.Flags)
	hdr = binary.BigEndian.AppendUint32(hdr, f.RawLen)
	hdr = putU32(hdr, len(f.Payload))
	return writeAll(w, hdr, f.Payload)
}

func decodeFragment(r io.Reader, limits Limits) (Telegram, error) {
	var hdr [fragmentHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	payload, err := readBytes(r, binary.BigEndian.Uint32(hdr[22:26]), limits)
	if err != nil {
		return nil, err
	}
	return &Fragment{
		Stream:  binary.BigEndian.Uint32(hdr[0:4]),
		Item:    binary.BigEndian.Uint64(hdr[4:12]),
		Index:   binary.BigEndian.Uint16(hdr[12:14]),
		Total:   binary.BigEndian.Uint16(hdr[14:16]),
		Prio:    hdr[16],
		Flags:   hdr[17],
		RawLen:  binary.BigEndian.Uint32(hdr[18:22]),
		Payload: payload,
	}, nil
}

// Split cuts payload into ceil(len/maxFragment) fragments, or a single empty
// fragment when payload is empty. With compress set the whole payload is LZ4
// compressed first if that makes it smaller.
func Split(stream uint32, item uint64, payload []byte, maxFragment, priority int, compress bool) ([]*Fragment, error) {
	if maxFragment <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFragment, maxFragment)
	}

	var flags uint8
	rawLen := len(payload)
	if compress {
		if packed, ok := compressBlock(payload); ok {
			payload = packed
			flags |= FlagCompressed
		}
	}

	total := (len(payload) + maxFragment - 1) / maxFragment
	if total == 0 {
		total = 1
	}
	if total > MaxFragments {
		return nil, fmt.Errorf("%w: %d", ErrTooManyFragments, total)
	}

	frags := make([]*Fragment, total)
	for i := 0; i < total; i++ {
		start := i * maxFragment
		end := start + maxFragment
		if end > len(payload) {
			end = len(payload)
		}
		frags[i] = &Fragment{
			Stream:  stream,
			Item:    item,
			Index:   uint16(i),
			Total:   uint16(total),
			Prio:    uint8(priority),
			Flags:   flags,
			RawLen:  uint32(rawLen),
			Payload: payload[start:end],
		}
	}
	return frags, nil
}

// Join concatenates an ordered, complete fragment set into a single-fragment
// item, decompressing when the set was compressed. Items larger than
// limits.MaxItem are refused before anything is allocated for them.
func Join(frags []*Fragment, limits Limits) (*Fragment, error) {
	if len(frags) == 0 {
		return nil, ErrIncomplete
	}
	first := frags[0]
	if len(frags) != int(first.Total) {
		return nil, fmt.Errorf("%w: have %d of %d", ErrIncomplete, len(frags), first.Total)
	}

	size := 0
	for i, f := range frags {
		if f == nil || int(f.Index) != i {
			return nil, fmt.Errorf("%w: slot %d", ErrIncomplete, i)
		}
		if f.Flags != first.Flags || f.RawLen != first.RawLen {
			return nil, fmt.Errorf("%w: slot %d", ErrInconsistent, i)
		}
		size += len(f.Payload)
	}

	want := size
	if first.Compressed() {
		want = int(first.RawLen)
		if int64(first.RawLen) > int64(size)*maxCompressionRatio {
			return nil, fmt.Errorf("%w: %d bytes cannot expand to %d", ErrPayloadTooLarge, size, first.RawLen)
		}
	}
	if limits.MaxItem > 0 && want > limits.MaxItem {
		return nil, fmt.Errorf("%w: item of %d > %d", ErrPayloadTooLarge, want, limits.MaxItem)
	}

	payload := make([]byte, 0, size)
	for _, f := range frags {
		payload = append(payload, f.Payload...)
	}

	if first.Compressed() {
		raw := make([]byte, first.RawLen)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if n != len(raw) {
			return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrCorrupt, n, len(raw))
		}
		payload = raw
	}

	return &Fragment{
		Stream:  first.Stream,
		Item:    first.Item,
		Index:   0,
		Total:   1,
		Prio:    first.Prio,
		RawLen:  uint32(len(payload)),
		Payload: payload,
	}, nil
}

// compressBlock returns the LZ4 block form of p when it is strictly smaller.
func compressBlock(p []byte) ([]byte, bool) {
	if len(p) == 0 {
		return p, false
	}
	buf := make([]byte, lz4.CompressBlockBound(len(p)))
	n, err := lz4.CompressBlock(p, buf, nil)
	if err != nil || n == 0 || n >= len(p) {
		return p, false
	}
	return buf[:n], true
}
