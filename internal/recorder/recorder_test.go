package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/telelink/internal/telegram"
)

// fakeDB records queued inserts and reports a conflict for keys it has
// already seen.
type fakeDB struct {
	mu      sync.Mutex
	seen    map[string]bool
	batches int
	rows    [][]any
	err     error
}

func newFakeDB() *fakeDB {
	return &fakeDB{seen: make(map[string]bool)}
}

func (db *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.batches++

	res := &fakeResults{err: db.err}
	for _, q := range b.QueuedQueries {
		db.rows = append(db.rows, q.Arguments)
		key := fmt.Sprint(q.Arguments[1], q.Arguments[2], q.Arguments[3])
		if db.seen[key] {
			res.tags = append(res.tags, pgconn.NewCommandTag("INSERT 0 0"))
			continue
		}
		db.seen[key] = true
		res.tags = append(res.tags, pgconn.NewCommandTag("INSERT 0 1"))
	}
	return res
}

func (db *fakeDB) rowCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.rows)
}

type fakeResults struct {
	tags []pgconn.CommandTag
	err  error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	tag := r.tags[0]
	r.tags = r.tags[1:]
	return tag, nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func item(stream uint32, n uint64, payload string) *telegram.Fragment {
	return &telegram.Fragment{Stream: stream, Item: n, Total: 1, Prio: telegram.PriorityData, Payload: []byte(payload)}
}

func stopRecorder(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestRecorder_Transform(t *testing.T) {
	r := New(DefaultConfig(), nil, func() string { return "sess-1" }, nil)
	receivedAt := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return receivedAt }

	row := r.transform(&telegram.Fragment{Stream: 3, Item: 42, Total: 1, Prio: 4, Payload: []byte("hello")})

	if row.Session != "sess-1" {
		t.Errorf("Session = %q, want sess-1", row.Session)
	}
	if row.Stream != 3 || row.Item != 42 {
		t.Errorf("key = (%d, %d), want (3, 42)", row.Stream, row.Item)
	}
	if row.Priority != 4 {
		t.Errorf("Priority = %d, want 4", row.Priority)
	}
	if row.Size != 5 || string(row.Payload) != "hello" {
		t.Errorf("payload = (%d, %q), want (5, hello)", row.Size, row.Payload)
	}
	if !row.ReceivedAt.Equal(receivedAt) {
		t.Errorf("ReceivedAt = %v, want %v", row.ReceivedAt, receivedAt)
	}
	if row.ID == uuid.Nil {
		t.Error("ID is zero")
	}
}

func TestRecorder_StopFlushes(t *testing.T) {
	db := newFakeDB()
	r := New(Config{BatchSize: 100, FlushInterval: time.Hour}, db, nil, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := range 3 {
		r.OnTelegram(item(1, uint64(i), "x"))
	}
	stopRecorder(t, r)

	stats := r.Stats()
	if stats.Received != 3 || stats.Inserts != 3 {
		t.Errorf("received/inserts = %d/%d, want 3/3", stats.Received, stats.Inserts)
	}
	if stats.Flushes != 1 {
		t.Errorf("Flushes = %d, want 1", stats.Flushes)
	}
	if db.rowCount() != 3 {
		t.Errorf("rows written = %d, want 3", db.rowCount())
	}
}

func TestRecorder_FlushOnBatchSize(t *testing.T) {
	db := newFakeDB()
	r := New(Config{BatchSize: 2, FlushInterval: time.Hour}, db, nil, nil)
	r.Start(context.Background())
	defer stopRecorder(t, r)

	r.OnTelegram(item(1, 1, "a"))
	r.OnTelegram(item(1, 2, "b"))

	deadline := time.Now().Add(time.Second)
	for db.rowCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("rows written = %d, want 2 before Stop", db.rowCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecorder_FlushOnInterval(t *testing.T) {
	db := newFakeDB()
	r := New(Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, db, nil, nil)
	r.Start(context.Background())
	defer stopRecorder(t, r)

	r.OnTelegram(item(1, 1, "a"))

	deadline := time.Now().Add(time.Second)
	for db.rowCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("interval flush did not happen")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecorder_Conflicts(t *testing.T) {
	db := newFakeDB()
	r := New(Config{BatchSize: 100, FlushInterval: time.Hour}, db, func() string { return "s" }, nil)
	r.Start(context.Background())

	r.OnTelegram(item(1, 7, "a"))
	r.OnTelegram(item(1, 7, "a"))
	r.OnTelegram(item(2, 7, "a"))
	stopRecorder(t, r)

	stats := r.Stats()
	if stats.Inserts != 2 || stats.Conflicts != 1 {
		t.Errorf("inserts/conflicts = %d/%d, want 2/1", stats.Inserts, stats.Conflicts)
	}
}

func TestRecorder_InsertError(t *testing.T) {
	db := newFakeDB()
	db.err = errors.New("connection refused")
	r := New(Config{BatchSize: 100, FlushInterval: time.Hour}, db, nil, nil)
	r.Start(context.Background())

	r.OnTelegram(item(1, 1, "a"))
	stopRecorder(t, r)

	stats := r.Stats()
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if stats.Inserts != 0 || stats.Flushes != 0 {
		t.Errorf("inserts/flushes = %d/%d, want 0/0", stats.Inserts, stats.Flushes)
	}
}

func TestRecorder_IgnoresNonItems(t *testing.T) {
	db := newFakeDB()
	r := New(Config{BatchSize: 1, FlushInterval: time.Hour}, db, nil, nil)
	r.Start(context.Background())

	r.OnTelegram(&telegram.Control{RequestID: 1, Code: 2})
	r.OnTelegram(&telegram.Reply{RequestID: 1})
	r.OnTelegram(&telegram.Goodbye{Reason: "bye"})
	stopRecorder(t, r)

	if db.rowCount() != 0 {
		t.Errorf("rows written = %d, want 0", db.rowCount())
	}
	if got := r.Stats().Received; got != 0 {
		t.Errorf("Received = %d, want 0", got)
	}
}

func TestRecorder_DropsAfterStop(t *testing.T) {
	r := New(Config{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 1}, newFakeDB(), nil, nil)
	r.Start(context.Background())
	stopRecorder(t, r)

	r.OnTelegram(item(1, 1, "a"))
	r.OnTelegram(item(1, 2, "b"))

	if got := r.Stats().Dropped; got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
}

func TestRecorder_StopBeforeStart(t *testing.T) {
	r := New(DefaultConfig(), nil, nil, nil)
	if err := r.Stop(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop() error = %v, want ErrNotStarted", err)
	}
}
