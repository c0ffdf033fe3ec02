package recorder

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotStarted = errors.New("recorder not started")
)

// Config controls batching.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // Rows buffered between the handler and the writer
}

// DefaultConfig returns the batching defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    4096,
	}
}

// Stats counts writer activity.
type Stats struct {
	Received   int64 `json:"received"`
	Inserts    int64 `json:"inserts"`
	Conflicts  int64 `json:"conflicts"`
	Flushes    int64 `json:"flushes"`
	Errors     int64 `json:"errors"`
	Dropped    int64 `json:"dropped"`
	Disconnect int64 `json:"disconnects"`
}

// itemRow is one row of telegram_items.
type itemRow struct {
	ID         uuid.UUID
	Session    string
	Stream     uint32
	Item       uint64
	Priority   int
	Size       int
	Payload    []byte
	ReceivedAt time.Time
}
