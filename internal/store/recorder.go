package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/avehara/hub-sync/internal/batch"
)

// DB is the subset of pgxpool.Pool the recorder needs.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// RecorderConfig holds batching settings for the state recorder.
type RecorderConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// RecorderMetrics counts recorder activity.
type RecorderMetrics struct {
	Inserts int64
	Flushes int64
	Errors  int64
}

type stateRow struct {
	RecordedAt int64
	EntityID   string
	State      []byte
}

// StateRecorder persists coalesced state snapshots to the state_history
// table. It accumulates rows and writes them in batches, either when the
// batch fills or on the flush ticker. Each recorder run gets its own id
// so restarts are distinguishable in the history.
type StateRecorder struct {
	cfg    RecorderConfig
	logger *slog.Logger
	runID  uuid.UUID

	db DB

	batch       []stateRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics RecorderMetrics
}

// NewStateRecorder creates a recorder writing to db.
func NewStateRecorder(cfg RecorderConfig, db DB, logger *slog.Logger) *StateRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateRecorder{
		cfg:    cfg,
		db:     db,
		logger: logger,
		runID:  uuid.New(),
		batch:  make([]stateRow, 0, cfg.BatchSize),
	}
}

// RunID returns the id assigned to this recorder run.
func (r *StateRecorder) RunID() uuid.UUID {
	return r.runID
}

// Start begins the periodic flush loop.
func (r *StateRecorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("state recorder started",
		"run_id", r.runID,
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the recorder.
func (r *StateRecorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping state recorder")

	if r.cancel != nil {
		r.cancel()
	}
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("state recorder stopped")
	case <-ctx.Done():
		r.logger.Warn("state recorder stop timed out")
	}

	// Final flush on the caller's context; the run context is already
	// canceled by this point.
	r.flush(ctx)

	return nil
}

// Accept transforms one coalesced snapshot into rows and queues them.
// Registered with the batch processor as a subscriber.
func (r *StateRecorder) Accept(snap batch.Snapshot) {
	now := time.Now().UnixMicro()

	r.batchMu.Lock()
	for entityID, state := range snap {
		r.batch = append(r.batch, stateRow{
			RecordedAt: now,
			EntityID:   entityID,
			State:      state,
		})
	}
	shouldFlush := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush(r.runCtx())
	}
}

// Stats returns current metrics.
func (r *StateRecorder) Stats() RecorderMetrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

// PendingRows returns the number of rows awaiting the next flush.
func (r *StateRecorder) PendingRows() int {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return len(r.batch)
}

func (r *StateRecorder) flushLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.flushTicker.C:
			r.flush(r.ctx)
		}
	}
}

// runCtx returns the lifecycle context, or Background before Start.
func (r *StateRecorder) runCtx() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// flush writes the current batch to the database.
func (r *StateRecorder) flush(ctx context.Context) {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	rows := r.batch
	r.batch = make([]stateRow, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	if err := r.batchInsert(ctx, rows); err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(rows))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += int64(len(rows))
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed state history",
		"count", len(rows),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (r *StateRecorder) batchInsert(ctx context.Context, rows []stateRow) error {
	b := &pgx.Batch{}
	for _, row := range rows {
		b.Queue(`
			INSERT INTO state_history (run_id, recorded_at, entity_id, state)
			VALUES ($1, $2, $3, $4)
		`, r.runID, row.RecordedAt, row.EntityID, row.State)
	}

	results := r.db.SendBatch(ctx, b)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}

	return nil
}
