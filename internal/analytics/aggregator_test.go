package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruvz/streaming-analytics/internal/models"
)

type memStore struct {
	mu      sync.Mutex
	rows    map[rowKey]models.DailyAnalytics
	viewers map[rowKey]map[string]struct{}
	upserts int
	failGet error
	failPut error
	failAll error
}

func newMemStore() *memStore {
	return &memStore{
		rows:    make(map[rowKey]models.DailyAnalytics),
		viewers: make(map[rowKey]map[string]struct{}),
	}
}

func (s *memStore) Upsert(_ context.Context, d models.DailyAnalytics, viewers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	s.upserts++
	key := keyFor(d.StreamID, d.Date)
	s.rows[key] = d.Clone()
	if s.viewers[key] == nil {
		s.viewers[key] = make(map[string]struct{})
	}
	for _, id := range viewers {
		s.viewers[key][id] = struct{}{}
	}
	return nil
}

func (s *memStore) Viewers(_ context.Context, streamID string, date time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, s.failGet
	}
	var out []string
	for id := range s.viewers[keyFor(streamID, date)] {
		out = append(out, id)
	}
	return out, nil
}

func (s *memStore) Get(_ context.Context, streamID string, date time.Time) (*models.DailyAnalytics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, s.failGet
	}
	d, ok := s.rows[keyFor(streamID, date)]
	if !ok {
		return nil, nil
	}
	c := d.Clone()
	return &c, nil
}

func (s *memStore) ListRange(_ context.Context, streamID string, from, to time.Time) ([]models.DailyAnalytics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return nil, s.failAll
	}
	var out []models.DailyAnalytics
	for k, d := range s.rows {
		if k.streamID == streamID && !d.Date.Before(from) && !d.Date.After(to) {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

type exportLog struct {
	mu   sync.Mutex
	days []string
}

func (e *exportLog) EnqueueDayExport(_ context.Context, streamID string, date time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.days = append(e.days, streamID+"/"+date.Format(models.DateLayout))
	return nil
}

var day1 = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func dirty(a *Aggregator, streamID string, date time.Time) bool {
	v, ok := a.rows.Load(keyFor(streamID, models.Day(date)))
	if !ok {
		return false
	}
	r := v.(*row)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version != r.flushed
}

func session(id, viewer, country, device string, joined time.Time, watched int64) models.ViewerSession {
	left := joined.Add(time.Duration(watched) * time.Second)
	return models.ViewerSession{
		SessionID:            id,
		StreamID:             "S1",
		Viewer:               models.ViewerMeta{ViewerID: viewer, Country: country, Device: device},
		JoinedAt:             joined,
		LastSeenAt:           left,
		LeftAt:               &left,
		WatchDurationSeconds: watched,
		PeakConcurrent:       1,
	}
}

func TestRecordSessionFoldsCounters(t *testing.T) {
	a := NewAggregator(newMemStore(), nil, nil, nil)
	at := day1.Add(10 * time.Hour)

	a.RecordSession(session("s1", "v1", "us", "Mobile", at, 60))
	a.RecordSession(session("s2", "v1", "US", "mobile", at.Add(time.Minute), 30))
	a.RecordSession(session("s3", "v2", "", "", at.Add(2*time.Minute), 90))

	row, ok := a.Snapshot("S1", at)
	require.True(t, ok)
	assert.Equal(t, int64(2), row.UniqueViewers)
	assert.Equal(t, int64(3), row.TotalViews)
	assert.Equal(t, int64(180), row.TotalWatchTimeSeconds)
	assert.Equal(t, 60.0, row.AvgWatchDurationSeconds())
	assert.Equal(t, map[string]int64{"US": 2, models.UnknownLabel: 1}, row.GeographicCounts)
	assert.Equal(t, map[string]int64{"mobile": 2, models.UnknownLabel: 1}, row.DeviceCounts)
	assert.Equal(t, int64(1), row.PeakConcurrentViewers)
}

func TestRecordSessionUsesJoinDay(t *testing.T) {
	a := NewAggregator(newMemStore(), nil, nil, nil)
	lateNight := day1.Add(23*time.Hour + 59*time.Minute)

	a.RecordSession(session("s1", "v1", "DE", "desktop", lateNight, 600))

	_, ok := a.Snapshot("S1", day1)
	assert.True(t, ok)
	_, ok = a.Snapshot("S1", day1.AddDate(0, 0, 1))
	assert.False(t, ok)
}

func TestObserveConcurrencyRaisesPeak(t *testing.T) {
	a := NewAggregator(newMemStore(), nil, nil, nil)
	at := day1.Add(time.Hour)

	a.ObserveConcurrency("S1", at, 3)
	a.ObserveConcurrency("S1", at, 7)
	a.ObserveConcurrency("S1", at, 5)

	row, ok := a.Snapshot("S1", at)
	require.True(t, ok)
	assert.Equal(t, int64(7), row.PeakConcurrentViewers)
	assert.Zero(t, row.TotalViews)
}

func TestFlushIsIdempotent(t *testing.T) {
	store := newMemStore()
	a := NewAggregator(store, nil, nil, nil)
	ctx := context.Background()
	at := day1.Add(time.Hour)
	a.RecordSession(session("s1", "v1", "US", "tv", at, 45))

	require.NoError(t, a.Flush(ctx, "S1", at))
	first := store.rows[keyFor("S1", day1)]
	require.NoError(t, a.Flush(ctx, "S1", at))

	assert.Equal(t, 1, store.upserts)
	assert.Equal(t, first, store.rows[keyFor("S1", day1)])
	assert.False(t, dirty(a, "S1", at))
	assert.NoError(t, a.Flush(ctx, "S1", day1.AddDate(0, 0, 5)))
}

func TestFlushFailureKeepsRowDirty(t *testing.T) {
	store := newMemStore()
	store.failPut = errors.New("connection refused")
	a := NewAggregator(store, nil, nil, nil)
	ctx := context.Background()
	at := day1.Add(time.Hour)
	a.RecordSession(session("s1", "v1", "US", "tv", at, 45))

	err := a.FlushAll(ctx)
	require.ErrorIs(t, err, ErrFlushFailure)
	assert.True(t, dirty(a, "S1", at))

	store.failPut = nil
	require.NoError(t, a.FlushAll(ctx))
	assert.False(t, dirty(a, "S1", at))
	assert.Equal(t, int64(1), store.rows[keyFor("S1", day1)].TotalViews)
}

func TestFlushMergesDurableBase(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	at := day1.Add(time.Hour)

	before := NewAggregator(store, nil, nil, nil)
	before.RecordSession(session("s1", "v1", "US", "tv", at, 100))
	require.NoError(t, before.FlushAll(ctx))

	// a restarted process keeps adding new viewers to the same day
	after := NewAggregator(store, nil, nil, nil)
	after.RecordSession(session("s2", "v2", "FR", "tv", at.Add(time.Hour), 50))
	require.NoError(t, after.FlushAll(ctx))
	after.RecordSession(session("s3", "v3", "FR", "mobile", at.Add(2*time.Hour), 10))
	require.NoError(t, after.FlushAll(ctx))

	got := store.rows[keyFor("S1", day1)]
	assert.Equal(t, int64(3), got.TotalViews)
	assert.Equal(t, int64(3), got.UniqueViewers)
	assert.Equal(t, int64(160), got.TotalWatchTimeSeconds)
	assert.Equal(t, map[string]int64{"US": 1, "FR": 2}, got.GeographicCounts)
	assert.Equal(t, map[string]int64{"tv": 2, "mobile": 1}, got.DeviceCounts)
}

func TestUniqueViewersSurviveRestart(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	at := day1.Add(time.Hour)

	before := NewAggregator(store, nil, nil, nil)
	before.RecordSession(session("s1", "v1", "US", "tv", at, 100))
	require.NoError(t, before.FlushAll(ctx))

	after := NewAggregator(store, nil, nil, nil)
	after.RecordSession(session("s2", "v1", "US", "tv", at.Add(time.Hour), 50))
	require.NoError(t, after.FlushAll(ctx))

	got := store.rows[keyFor("S1", day1)]
	assert.Equal(t, int64(1), got.UniqueViewers)
	assert.Equal(t, int64(2), got.TotalViews)

	// once hydrated, later sessions dedupe against both sets
	after.RecordSession(session("s3", "v1", "US", "tv", at.Add(2*time.Hour), 5))
	after.RecordSession(session("s4", "v2", "US", "tv", at.Add(2*time.Hour), 5))
	require.NoError(t, after.FlushAll(ctx))

	got = store.rows[keyFor("S1", day1)]
	assert.Equal(t, int64(2), got.UniqueViewers)
	assert.Equal(t, int64(4), got.TotalViews)
	assert.Len(t, store.viewers[keyFor("S1", day1)], 2)
	snap, ok := after.Snapshot("S1", at)
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.UniqueViewers)
}

func TestUnsavedViewersRetriedAfterFailedFlush(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	at := day1.Add(time.Hour)
	a := NewAggregator(store, nil, nil, nil)

	a.RecordSession(session("s1", "v1", "US", "tv", at, 10))
	require.NoError(t, a.FlushAll(ctx))

	store.failPut = errors.New("connection refused")
	a.RecordSession(session("s2", "v2", "US", "tv", at, 10))
	require.Error(t, a.FlushAll(ctx))

	store.failPut = nil
	a.RecordSession(session("s3", "v3", "US", "tv", at, 10))
	require.NoError(t, a.FlushAll(ctx))

	assert.Len(t, store.viewers[keyFor("S1", day1)], 3)
	assert.Equal(t, int64(3), store.rows[keyFor("S1", day1)].UniqueViewers)

	restarted := NewAggregator(store, nil, nil, nil)
	for _, v := range []string{"v1", "v2", "v3"} {
		restarted.RecordSession(session("r-"+v, v, "US", "tv", at, 1))
	}
	require.NoError(t, restarted.FlushAll(ctx))
	assert.Equal(t, int64(3), store.rows[keyFor("S1", day1)].UniqueViewers)
	assert.Equal(t, int64(6), store.rows[keyFor("S1", day1)].TotalViews)
}

func TestFlushAllEvictsClosedDays(t *testing.T) {
	store := newMemStore()
	exports := &exportLog{}
	a := NewAggregator(store, exports, nil, nil)
	a.now = func() time.Time { return day1.AddDate(0, 0, 3).Add(time.Hour) }
	ctx := context.Background()

	a.RecordSession(session("s1", "v1", "US", "tv", day1.Add(time.Hour), 10))
	a.RecordSession(session("s2", "v1", "US", "tv", day1.AddDate(0, 0, 3), 10))

	require.NoError(t, a.FlushAll(ctx))

	_, ok := a.Snapshot("S1", day1)
	assert.False(t, ok)
	_, ok = a.Snapshot("S1", day1.AddDate(0, 0, 3))
	assert.True(t, ok)
	assert.Equal(t, []string{"S1/2026-03-02"}, exports.days)

	// a late session for the evicted day merges with the stored row
	a.RecordSession(session("s3", "v9", "US", "tv", day1.Add(2*time.Hour), 5))
	require.NoError(t, a.FlushAll(ctx))
	assert.Equal(t, int64(2), store.rows[keyFor("S1", day1)].TotalViews)
	assert.Equal(t, int64(2), store.rows[keyFor("S1", day1)].UniqueViewers)

	// a returning viewer on the evicted day is not counted again
	a.RecordSession(session("s4", "v1", "US", "tv", day1.Add(3*time.Hour), 5))
	require.NoError(t, a.FlushAll(ctx))
	assert.Equal(t, int64(3), store.rows[keyFor("S1", day1)].TotalViews)
	assert.Equal(t, int64(2), store.rows[keyFor("S1", day1)].UniqueViewers)
}

func TestRangeMergesMemoryAndStore(t *testing.T) {
	store := newMemStore()
	a := NewAggregator(store, nil, nil, nil)
	ctx := context.Background()
	store.rows[keyFor("S1", day1)] = models.DailyAnalytics{
		StreamID:         "S1",
		Date:             day1,
		TotalViews:       4,
		UniqueViewers:    4,
		GeographicCounts: map[string]int64{"US": 4},
		DeviceCounts:     map[string]int64{"tv": 4},
	}
	a.RecordSession(session("s1", "v1", "US", "tv", day1.Add(time.Hour), 10))
	a.RecordSession(session("s2", "v2", "US", "tv", day1.AddDate(0, 0, 1), 10))

	rows, degraded := a.Range(ctx, "S1", day1, day1.AddDate(0, 0, 6))
	require.False(t, degraded)
	require.Len(t, rows, 2)
	assert.Equal(t, day1, rows[0].Date)
	assert.Equal(t, int64(5), rows[0].TotalViews)
	assert.Equal(t, int64(1), rows[1].TotalViews)

	store.failAll = errors.New("db down")
	rows, degraded = a.Range(ctx, "S1", day1, day1.AddDate(0, 0, 6))
	assert.True(t, degraded)
	assert.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].TotalViews)
}

func TestConcurrentRecordAndFlush(t *testing.T) {
	store := newMemStore()
	a := NewAggregator(store, nil, nil, nil)
	ctx := context.Background()
	at := day1.Add(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				a.RecordSession(session("s", "v", "US", "tv", at, 1))
				if j%10 == 0 {
					_ = a.FlushAll(ctx)
				}
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, a.FlushAll(ctx))

	assert.Equal(t, int64(400), store.rows[keyFor("S1", day1)].TotalViews)
	assert.Equal(t, int64(1), store.rows[keyFor("S1", day1)].UniqueViewers)
}
