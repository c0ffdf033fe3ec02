package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/telelink/internal/telegram"
)

const insertItem = `
	INSERT INTO telegram_items (id, session, stream, item, priority, size, payload, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (session, stream, item) DO NOTHING
`

// BatchSender is the part of a pgx pool the recorder writes through.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Recorder consumes delivered items and writes them to telegram_items.
type Recorder struct {
	cfg     Config
	logger  *slog.Logger
	db      BatchSender
	session func() string

	// Input from the engine dispatcher
	input chan itemRow

	// Batching
	batch       []itemRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup

	// Metrics
	metrics Stats

	now func() time.Time
}

// New creates a Recorder. session reports the engine session an item
// arrived on; it may be nil.
func New(cfg Config, db BatchSender, session func() string, logger *slog.Logger) *Recorder {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if session == nil {
		session = func() string { return "" }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		session: session,
		input:   make(chan itemRow, cfg.BufferSize),
		batch:   make([]itemRow, 0, cfg.BatchSize),
		stopped: make(chan struct{}),
		now:     time.Now,
	}
}

// Start begins consuming items and writing to the database.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)

	r.wg.Add(2)
	go r.consumeLoop()
	go r.flushLoop()

	r.logger.Info("recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop drains buffered items, flushes and shuts the writer down. Items
// handed over after Stop are dropped.
func (r *Recorder) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return ErrNotStarted
	}
	r.logger.Info("stopping recorder")
	r.stop.Do(func() { close(r.stopped) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("recorder stopped")
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
	}
	r.flushTicker.Stop()
	r.cancel()
	return nil
}

// Stats returns current metrics.
func (r *Recorder) Stats() Stats {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

// OnTelegram records joined items. Other telegrams are logged. It blocks
// while the buffer is full, which holds back the engine's dispatcher.
func (r *Recorder) OnTelegram(t telegram.Telegram) {
	switch v := t.(type) {
	case *telegram.Fragment:
		row := r.transform(v)
		select {
		case <-r.stopped:
			r.count(func(s *Stats) { s.Dropped++ })
			return
		default:
		}
		select {
		case r.input <- row:
			r.count(func(s *Stats) { s.Received++ })
		case <-r.stopped:
			r.count(func(s *Stats) { s.Dropped++ })
		}
	case *telegram.Control:
		r.logger.Debug("control telegram", "request_id", v.RequestID, "code", v.Code)
	case *telegram.Reply:
		r.logger.Debug("reply telegram", "request_id", v.RequestID, "status", v.Status)
	case *telegram.Goodbye:
		r.logger.Info("peer goodbye", "reason", v.Reason)
	default:
		r.logger.Debug("ignoring telegram", "type", t.Type())
	}
}

// OnDisconnected flushes what has been recorded so far.
func (r *Recorder) OnDisconnected(isError bool, message string) {
	r.count(func(s *Stats) { s.Disconnect++ })
	if isError {
		r.logger.Warn("connection lost", "message", message)
	} else {
		r.logger.Info("connection closed", "message", message)
	}
	r.flush()
}

func (r *Recorder) count(f func(*Stats)) {
	r.batchMu.Lock()
	f(&r.metrics)
	r.batchMu.Unlock()
}

// consumeLoop reads from the input buffer and accumulates batches. After
// Stop it drains what is buffered before returning.
func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	for {
		select {
		case row := <-r.input:
			r.handleRow(row)
		case <-r.stopped:
			for {
				select {
				case row := <-r.input:
					r.handleRow(row)
				default:
					r.flush()
					return
				}
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// flushLoop periodically flushes the batch.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopped:
			return
		case <-r.ctx.Done():
			return
		case <-r.flushTicker.C:
			r.flush()
		}
	}
}

func (r *Recorder) handleRow(row itemRow) {
	r.batchMu.Lock()
	r.batch = append(r.batch, row)
	shouldFlush := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush()
	}
}

func (r *Recorder) transform(f *telegram.Fragment) itemRow {
	return itemRow{
		ID:         uuid.New(),
		Session:    r.session(),
		Stream:     f.Stream,
		Item:       f.Item,
		Priority:   f.Priority(),
		Size:       len(f.Payload),
		Payload:    f.Payload,
		ReceivedAt: r.now().UTC(),
	}
}

// flush writes the current batch to the database.
func (r *Recorder) flush() {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]itemRow, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	conflicts, err := r.batchInsert(batch)
	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.count(func(s *Stats) { s.Errors++ })
		return
	}

	r.count(func(s *Stats) {
		s.Inserts += int64(len(batch) - conflicts)
		s.Conflicts += int64(conflicts)
		s.Flushes++
	})

	r.logger.Debug("flushed items",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *Recorder) batchInsert(rows []itemRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(insertItem,
			row.ID, row.Session, int64(row.Stream), int64(row.Item),
			row.Priority, row.Size, row.Payload, row.ReceivedAt)
	}

	ctx := context.Background()
	if r.ctx != nil {
		ctx = context.WithoutCancel(r.ctx)
	}
	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
