// Package sessionlog keeps a durable log of finalized viewer sessions.
package sessionlog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cruvz/streaming-analytics/internal/models"
	"github.com/cruvz/streaming-analytics/internal/sessions"
)

const (
	DefaultBuffer     = 1024
	DefaultBatchSize  = 100
	DefaultFlushEvery = 2 * time.Second
	flushTimeout      = 10 * time.Second
)

// Store persists session rows.
type Store interface {
	InsertBatch(ctx context.Context, rows []Row) error
}

// Writer buffers finalized sessions and writes them in batches. Enqueue never blocks.
type Writer struct {
	store      Store
	queue      chan Row
	batchSize  int
	flushEvery time.Duration
	logger     *zap.Logger
}

// NewWriter creates a writer. Non-positive sizes fall back to defaults.
func NewWriter(store Store, buffer, batchSize int, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Writer{store: store, queue: make(chan Row, buffer), batchSize: batchSize, flushEvery: DefaultFlushEvery, logger: logger}
}

func (w *Writer) String() string { return "session-log-writer" }

// Enqueue adds a session to the log. It reports false when the buffer is full and the row was dropped.
func (w *Writer) Enqueue(s models.ViewerSession) bool {
	select {
	case w.queue <- RowFromSession(s):
		return true
	default:
		w.logger.Warn("session log buffer full, row dropped", zap.String("session_id", s.SessionID))
		return false
	}
}

// Serve writes batches until ctx is cancelled, then drains what is buffered.
func (w *Writer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	batch := make([]Row, 0, w.batchSize)
	for {
		select {
		case row := <-w.queue:
			batch = append(batch, row)
			if len(batch) >= w.batchSize {
				batch = w.write(ctx, batch)
			}
		case <-ticker.C:
			batch = w.write(ctx, batch)
		case <-ctx.Done():
			w.drain(batch)
			return ctx.Err()
		}
	}
}

func (w *Writer) drain(batch []Row) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case row := <-w.queue:
			batch = append(batch, row)
			if len(batch) >= w.batchSize {
				batch = w.write(ctx, batch)
			}
		default:
			w.write(ctx, batch)
			return
		}
	}
}

// write stores the batch and returns it emptied. Failed batches are logged and dropped;
// daily analytics already hold the aggregate.
func (w *Writer) write(ctx context.Context, batch []Row) []Row {
	if len(batch) == 0 {
		return batch
	}
	if err := w.store.InsertBatch(ctx, batch); err != nil {
		w.logger.Error("session log write failed", zap.Int("rows", len(batch)), zap.Error(err))
	}
	return batch[:0]
}

// Tee forwards tracker output to next and logs every finalized session.
type Tee struct {
	next sessions.Recorder
	log  *Writer
}

// NewTee wraps next. A nil next only logs.
func NewTee(next sessions.Recorder, log *Writer) *Tee {
	return &Tee{next: next, log: log}
}

func (t *Tee) RecordSession(s models.ViewerSession) {
	if t.next != nil {
		t.next.RecordSession(s)
	}
	t.log.Enqueue(s)
}

func (t *Tee) ObserveConcurrency(streamID string, at time.Time, current int) {
	if t.next != nil {
		t.next.ObserveConcurrency(streamID, at, current)
	}
}
