// Package analytics folds finalized viewer sessions into per-stream daily rows and serves them.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cruvz/streaming-analytics/internal/metrics"
	"github.com/cruvz/streaming-analytics/internal/models"
)

var ErrFlushFailure = errors.New("analytics flush failed")

// Store is the durable home of daily rows and of the viewer identities counted in them.
type Store interface {
	// Upsert writes the row and records viewers as counted for its day, atomically.
	Upsert(ctx context.Context, row models.DailyAnalytics, viewers []string) error
	Get(ctx context.Context, streamID string, date time.Time) (*models.DailyAnalytics, error)
	Viewers(ctx context.Context, streamID string, date time.Time) ([]string, error)
	ListRange(ctx context.Context, streamID string, from, to time.Time) ([]models.DailyAnalytics, error)
}

// Exporter is told when a closed day leaves memory.
type Exporter interface {
	EnqueueDayExport(ctx context.Context, streamID string, date time.Time) error
}

type rowKey struct {
	streamID string
	date     string
}

type row struct {
	flushMu sync.Mutex // serializes flushes of this row

	mu       sync.Mutex
	streamID string
	date     time.Time
	acc      models.DailyAnalytics
	viewers  map[string]struct{}
	known    map[string]struct{}    // identities already counted in base
	unsaved  []string               // identities counted in acc but not yet stored
	base     *models.DailyAnalytics // durable row as of the first flush in this process
	hydrated bool
	evicted  bool
	version  uint64
	flushed  uint64
}

// Aggregator owns the in-memory DailyAnalytics rows.
type Aggregator struct {
	rows     sync.Map // rowKey -> *row
	store    Store
	exporter Exporter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	flushMu sync.Mutex
}

// NewAggregator creates an aggregator. exporter may be nil.
func NewAggregator(store Store, exporter Exporter, m *metrics.Metrics, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Aggregator{store: store, exporter: exporter, metrics: m, logger: logger, now: time.Now}
}

func keyFor(streamID string, date time.Time) rowKey {
	return rowKey{streamID: streamID, date: date.Format(models.DateLayout)}
}

// update runs fn on the row for (streamID, day) with its lock held, creating the row on first use.
// fn reports whether it changed the row.
func (a *Aggregator) update(streamID string, day time.Time, fn func(r *row) bool) {
	day = models.Day(day)
	key := keyFor(streamID, day)
	for {
		v, _ := a.rows.LoadOrStore(key, &row{
			streamID: streamID,
			date:     day,
			acc:      emptyRow(streamID, day),
			viewers:  make(map[string]struct{}),
		})
		r := v.(*row)
		r.mu.Lock()
		if r.evicted {
			r.mu.Unlock()
			continue
		}
		if fn(r) {
			r.version++
		}
		r.mu.Unlock()
		return
	}
}

func emptyRow(streamID string, day time.Time) models.DailyAnalytics {
	return models.DailyAnalytics{
		StreamID:         streamID,
		Date:             day,
		GeographicCounts: make(map[string]int64),
		DeviceCounts:     make(map[string]int64),
	}
}

// RecordSession folds a finalized session into the row for the day it started.
func (a *Aggregator) RecordSession(s models.ViewerSession) {
	a.update(s.StreamID, s.JoinedAt, func(r *row) bool {
		id := s.ViewerIdentity()
		if _, seen := r.viewers[id]; !seen {
			r.viewers[id] = struct{}{}
			if _, stored := r.known[id]; !stored {
				r.acc.UniqueViewers++
				r.unsaved = append(r.unsaved, id)
			}
		}
		r.acc.TotalViews++
		r.acc.TotalWatchTimeSeconds += s.WatchDurationSeconds
		if p := int64(s.PeakConcurrent); p > r.acc.PeakConcurrentViewers {
			r.acc.PeakConcurrentViewers = p
		}
		r.acc.GeographicCounts[countryLabel(s.Viewer.Country)]++
		r.acc.DeviceCounts[deviceLabel(s.Viewer.Device)]++
		r.acc.Quality.Add(s.QualitySummary)
		return true
	})
}

// ObserveConcurrency raises the day's peak concurrency; it also creates the day's row on its first event.
func (a *Aggregator) ObserveConcurrency(streamID string, at time.Time, current int) {
	a.update(streamID, at, func(r *row) bool {
		if int64(current) <= r.acc.PeakConcurrentViewers {
			return r.version == 0
		}
		r.acc.PeakConcurrentViewers = int64(current)
		return true
	})
}

func countryLabel(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return models.UnknownLabel
	}
	return c
}

func deviceLabel(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if d == "" {
		return models.UnknownLabel
	}
	return d
}

// combine adds the accumulated counters onto a durable base row.
func combine(base *models.DailyAnalytics, acc models.DailyAnalytics) models.DailyAnalytics {
	out := acc.Clone()
	if base == nil {
		return out
	}
	out.UniqueViewers += base.UniqueViewers
	out.TotalViews += base.TotalViews
	out.TotalWatchTimeSeconds += base.TotalWatchTimeSeconds
	if base.PeakConcurrentViewers > out.PeakConcurrentViewers {
		out.PeakConcurrentViewers = base.PeakConcurrentViewers
	}
	for k, v := range base.GeographicCounts {
		out.GeographicCounts[k] += v
	}
	for k, v := range base.DeviceCounts {
		out.DeviceCounts[k] += v
	}
	out.Quality.Add(base.Quality)
	return out
}

// Snapshot returns the in-memory view of a row.
func (a *Aggregator) Snapshot(streamID string, date time.Time) (models.DailyAnalytics, bool) {
	v, ok := a.rows.Load(keyFor(streamID, models.Day(date)))
	if !ok {
		return models.DailyAnalytics{}, false
	}
	r := v.(*row)
	r.mu.Lock()
	defer r.mu.Unlock()
	return combine(r.base, r.acc), true
}

// hydrate attaches the durable row and drops identities it already counts from acc.
func (r *row) hydrate(base *models.DailyAnalytics, known []string) {
	r.base, r.hydrated = base, true
	r.known = make(map[string]struct{}, len(known))
	for _, id := range known {
		r.known[id] = struct{}{}
	}
	fresh := r.unsaved[:0:0]
	for _, id := range r.unsaved {
		if _, stored := r.known[id]; !stored {
			fresh = append(fresh, id)
		}
	}
	r.unsaved = fresh
	r.acc.UniqueViewers = int64(len(fresh))
}

// Flush persists one row. Flushing a clean or unknown row is a no-op.
func (a *Aggregator) Flush(ctx context.Context, streamID string, date time.Time) error {
	v, ok := a.rows.Load(keyFor(streamID, models.Day(date)))
	if !ok {
		return nil
	}
	_, err := a.flushRow(ctx, v.(*row))
	return err
}

func (a *Aggregator) flushRow(ctx context.Context, r *row) (bool, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if r.version == r.flushed {
		r.mu.Unlock()
		return false, nil
	}
	hydrated := r.hydrated
	r.mu.Unlock()

	date := r.date.Format(models.DateLayout)
	if !hydrated {
		base, err := a.store.Get(ctx, r.streamID, r.date)
		if err != nil {
			return false, fmt.Errorf("%w: load %s %s: %w", ErrFlushFailure, r.streamID, date, err)
		}
		known, err := a.store.Viewers(ctx, r.streamID, r.date)
		if err != nil {
			return false, fmt.Errorf("%w: load viewers %s %s: %w", ErrFlushFailure, r.streamID, date, err)
		}
		r.mu.Lock()
		r.hydrate(base, known)
		r.mu.Unlock()
	}

	r.mu.Lock()
	snapshot := combine(r.base, r.acc)
	fresh := slices.Clone(r.unsaved)
	version := r.version
	r.mu.Unlock()

	if err := a.store.Upsert(ctx, snapshot, fresh); err != nil {
		return false, fmt.Errorf("%w: %s %s: %w", ErrFlushFailure, r.streamID, date, err)
	}

	r.mu.Lock()
	if version > r.flushed {
		r.flushed = version
	}
	// RecordSession only appends, so the stored identities are still the prefix.
	r.unsaved = slices.Clone(r.unsaved[len(fresh):])
	r.mu.Unlock()
	return true, nil
}

// FlushAll persists every dirty row, then evicts closed days that are fully flushed.
// A failed row stays dirty and is retried on the next call.
func (a *Aggregator) FlushAll(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	start := time.Now()
	var (
		errs            []error
		flushed, failed int
	)
	a.rows.Range(func(_, v any) bool {
		ok, err := a.flushRow(ctx, v.(*row))
		switch {
		case err != nil:
			failed++
			errs = append(errs, err)
		case ok:
			flushed++
		}
		return true
	})
	a.evict(ctx)
	a.metrics.ObserveFlush(time.Since(start).Seconds(), flushed, failed)
	if flushed > 0 || failed > 0 {
		a.logger.Info("analytics flushed", zap.Int("rows", flushed), zap.Int("failed", failed))
	}
	return errors.Join(errs...)
}

// evict drops clean rows older than yesterday. Late sessions for an evicted day create a fresh row that
// merges with the durable one, and its stored identities, on its next flush.
func (a *Aggregator) evict(ctx context.Context) {
	cutoff := models.Day(a.now()).AddDate(0, 0, -1)
	a.rows.Range(func(k, v any) bool {
		r := v.(*row)
		r.mu.Lock()
		closed := r.date.Before(cutoff) && r.version == r.flushed
		if closed {
			r.evicted = true
			a.rows.Delete(k)
		}
		r.mu.Unlock()
		if closed && a.exporter != nil {
			if err := a.exporter.EnqueueDayExport(ctx, r.streamID, r.date); err != nil {
				a.logger.Warn("enqueue day export failed",
					zap.String("stream_id", r.streamID),
					zap.Time("date", r.date),
					zap.Error(err),
				)
			}
		}
		return true
	})
}

// Range returns a stream's rows between from and to inclusive, merging the durable store with unflushed
// in-memory rows. When the store is unavailable it returns memory only and reports degraded.
func (a *Aggregator) Range(ctx context.Context, streamID string, from, to time.Time) (rows []models.DailyAnalytics, degraded bool) {
	from, to = models.Day(from), models.Day(to)
	byDate := make(map[string]models.DailyAnalytics)

	durable, err := a.store.ListRange(ctx, streamID, from, to)
	if err != nil {
		degraded = true
		a.logger.Warn("load analytics range failed", zap.String("stream_id", streamID), zap.Error(err))
	}
	for _, d := range durable {
		byDate[d.Date.Format(models.DateLayout)] = d
	}

	a.rows.Range(func(k, v any) bool {
		key := k.(rowKey)
		r := v.(*row)
		if key.streamID != streamID || r.date.Before(from) || r.date.After(to) {
			return true
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.hydrated {
			byDate[key.date] = combine(r.base, r.acc)
			return true
		}
		var base *models.DailyAnalytics
		if d, ok := byDate[key.date]; ok {
			base = &d
		}
		byDate[key.date] = combine(base, r.acc)
		return true
	})

	rows = make([]models.DailyAnalytics, 0, len(byDate))
	for _, d := range byDate {
		rows = append(rows, d)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })
	return rows, degraded
}
