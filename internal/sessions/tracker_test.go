package sessions

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruvz/streaming-analytics/internal/models"
	"github.com/cruvz/streaming-analytics/internal/streams"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeRecorder struct {
	mu       sync.Mutex
	sessions []models.ViewerSession
	peaks    map[string]int
}

func (r *fakeRecorder) RecordSession(s models.ViewerSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
}

func (r *fakeRecorder) ObserveConcurrency(streamID string, _ time.Time, current int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peaks == nil {
		r.peaks = map[string]int{}
	}
	if current > r.peaks[streamID] {
		r.peaks[streamID] = current
	}
}

func (r *fakeRecorder) recorded() []models.ViewerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ViewerSession(nil), r.sessions...)
}

type fakeLive struct {
	mu     sync.Mutex
	counts map[string]int
	points []models.QualityPoint
}

func (l *fakeLive) SetLiveViewerCount(streamID string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	l.counts[streamID] = n
}

func (l *fakeLive) PushQualityPoint(_ context.Context, p models.QualityPoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.points = append(l.points, p)
}

type fakeQuality struct {
	mu       sync.Mutex
	observed map[string][]float64
}

func (q *fakeQuality) Observe(name string, value float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.observed == nil {
		q.observed = map[string][]float64{}
	}
	q.observed[name] = append(q.observed[name], value)
}

func (q *fakeQuality) values(name string) []float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]float64(nil), q.observed[name]...)
}

func openSessions(tr *Tracker, streamID string) []models.ViewerSession {
	var out []models.ViewerSession
	_ = tr.streams.WithStream(streamID, func(*models.StreamState) error {
		v, ok := tr.tables.Load(streamID)
		if !ok {
			return nil
		}
		for _, s := range v.(*table).open {
			out = append(out, s.snapshot())
		}
		return nil
	})
	return out
}

type fixture struct {
	registry *streams.Registry
	tracker  *Tracker
	recorder *fakeRecorder
	live     *fakeLive
	quality  *fakeQuality
	clock    *fakeClock
	deltas   []Delta
	mu       sync.Mutex
}

func newFixture(t *testing.T, streamIDs ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		registry: streams.NewRegistry(nil, nil),
		recorder: &fakeRecorder{},
		live:     &fakeLive{},
		quality:  &fakeQuality{},
		clock:    &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.tracker = NewTracker(f.registry, Deps{
		Recorder: f.recorder,
		Live:     f.live,
		Quality:  f.quality,
		OnDelta: func(d Delta) {
			f.mu.Lock()
			f.deltas = append(f.deltas, d)
			f.mu.Unlock()
		},
	}, nil)
	f.tracker.now = f.clock.Now
	for _, id := range streamIDs {
		_, err := f.registry.Register(ctx, id, "owner-"+id, "")
		require.NoError(t, err)
		_, err = f.registry.Start(ctx, id)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) state(t *testing.T, id string) models.StreamState {
	t.Helper()
	s, ok := f.registry.Get(id)
	require.True(t, ok)
	return s
}

func TestConcurrentJoinsThenLeaves(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, "S1")
	ctx := context.Background()

	ids := make([]string, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := f.tracker.OnJoin(ctx, "S1", models.ViewerMeta{ViewerID: fmt.Sprintf("v%d", i)})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids[:3] {
		require.NoError(f.tracker.OnLeave(ctx, id))
	}

	s := f.state(t, "S1")
	require.Equal(7, s.CurrentViewers)
	require.Equal(10, s.PeakViewers)
	require.Equal(7, f.live.counts["S1"])
	require.Len(f.recorder.recorded(), 3)
	require.Equal(10, f.recorder.peaks["S1"])
}

func TestJoinRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "live")
	_, err := f.registry.Register(ctx, "idle", "", "")
	require.NoError(t, err)

	_, err = f.tracker.OnJoin(ctx, "nope", models.ViewerMeta{})
	assert.ErrorIs(t, err, streams.ErrUnknownStream)

	_, err = f.tracker.OnJoin(ctx, "idle", models.ViewerMeta{})
	assert.ErrorIs(t, err, streams.ErrStreamNotAccepting)

	_, err = f.registry.Stop(ctx, "live")
	require.NoError(t, err)
	_, err = f.tracker.OnJoin(ctx, "live", models.ViewerMeta{})
	assert.ErrorIs(t, err, streams.ErrStreamNotAccepting)
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t, "S1")
	ctx := context.Background()
	assert.ErrorIs(t, f.tracker.OnLeave(ctx, "missing"), ErrUnknownSession)
	assert.ErrorIs(t, f.tracker.OnHeartbeat(ctx, "missing", nil), ErrUnknownSession)
}

func TestRoundTripJoinHeartbeatsLeave(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, "S1")
	ctx := context.Background()

	id, err := f.tracker.OnJoin(ctx, "S1", models.ViewerMeta{ViewerID: "v1", Country: "DE", Device: "mobile"})
	require.NoError(err)
	for i := 0; i < 3; i++ {
		f.clock.Advance(10 * time.Second)
		require.NoError(f.tracker.OnHeartbeat(ctx, id, &models.QualitySample{Bitrate: 2500, LatencyMs: 120}))
	}
	f.clock.Advance(5 * time.Second)
	require.NoError(f.tracker.OnLeave(ctx, id))

	got := f.recorder.recorded()
	require.Len(got, 1)
	s := got[0]
	require.Equal(int64(35), s.WatchDurationSeconds)
	require.NotNil(s.LeftAt)
	require.Len(s.Quality, 3)
	require.Equal(int64(3), s.QualitySummary.Samples)
	require.Equal(2500.0, s.QualitySummary.AvgBitrate())
	require.Len(f.live.points, 3)
	require.Equal(0, f.state(t, "S1").CurrentViewers)

	// late heartbeat and duplicate leave are ignored
	require.NoError(f.tracker.OnHeartbeat(ctx, id, &models.QualitySample{Bitrate: 1}))
	require.NoError(f.tracker.OnLeave(ctx, id))
	require.Len(f.recorder.recorded(), 1)
	require.Len(f.live.points, 3)
}

func TestQualityRingIsCapped(t *testing.T) {
	f := newFixture(t, "S1")
	f.tracker.deps.QualityCapacity = 5
	ctx := context.Background()

	id, err := f.tracker.OnJoin(ctx, "S1", models.ViewerMeta{})
	require.NoError(t, err)
	for i := 1; i <= 8; i++ {
		require.NoError(t, f.tracker.OnHeartbeat(ctx, id, &models.QualitySample{Bitrate: float64(i)}))
	}
	open := openSessions(f.tracker, "S1")
	require.Len(t, open, 1)
	var bitrates []float64
	for _, q := range open[0].Quality {
		bitrates = append(bitrates, q.Bitrate)
	}
	assert.Equal(t, []float64{4, 5, 6, 7, 8}, bitrates)
	// the summary still covers every sample
	assert.Equal(t, int64(8), open[0].QualitySummary.Samples)
}

func TestSweepExpired(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, "S1", "S2")
	ctx := context.Background()

	stale, err := f.tracker.OnJoin(ctx, "S1", models.ViewerMeta{})
	require.NoError(err)
	fresh, err := f.tracker.OnJoin(ctx, "S2", models.ViewerMeta{})
	require.NoError(err)

	f.clock.Advance(60 * time.Second)
	require.NoError(f.tracker.OnHeartbeat(ctx, fresh, nil))
	f.clock.Advance(60 * time.Second)

	require.Equal(1, f.tracker.SweepExpired(ctx, 90*time.Second))
	require.Equal(0, f.state(t, "S1").CurrentViewers)
	require.Equal(1, f.state(t, "S2").CurrentViewers)

	recorded := f.recorder.recorded()
	require.Len(recorded, 1)
	require.Equal(stale, recorded[0].SessionID)
	// left at the last heartbeat, not at sweep time
	require.Equal(int64(0), recorded[0].WatchDurationSeconds)

	// a later explicit leave must not decrement again
	require.NoError(f.tracker.OnLeave(ctx, stale))
	require.Equal(0, f.state(t, "S1").CurrentViewers)
	require.Len(f.recorder.recorded(), 1)

	// nothing left to sweep
	require.Equal(0, f.tracker.SweepExpired(ctx, 90*time.Second))

	// one of two open sessions dropped, then none of one
	require.Equal([]float64{0.5, 0}, f.quality.values("viewer_drop_rate"))
}

func TestSweepWithoutOpenSessionsObservesNothing(t *testing.T) {
	f := newFixture(t, "S1")
	f.tracker.SweepExpired(context.Background(), time.Minute)
	assert.Empty(t, f.quality.values("viewer_drop_rate"))
}

func TestTombstonesExpire(t *testing.T) {
	f := newFixture(t, "S1")
	f.tracker.deps.TombstoneTTL = time.Minute
	ctx := context.Background()

	id, err := f.tracker.OnJoin(ctx, "S1", models.ViewerMeta{})
	require.NoError(t, err)
	require.NoError(t, f.tracker.OnLeave(ctx, id))
	require.NoError(t, f.tracker.OnLeave(ctx, id))

	f.clock.Advance(2 * time.Minute)
	f.tracker.SweepExpired(ctx, time.Hour)
	assert.ErrorIs(t, f.tracker.OnLeave(ctx, id), ErrUnknownSession)
}

func TestStopClosesOpenSessions(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, "S1")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.tracker.OnJoin(ctx, "S1", models.ViewerMeta{})
		require.NoError(err)
	}
	f.clock.Advance(time.Minute)
	_, err := f.registry.Stop(ctx, "S1")
	require.NoError(err)

	s := f.state(t, "S1")
	require.Equal(0, s.CurrentViewers)
	require.Equal(4, s.PeakViewers)
	recorded := f.recorder.recorded()
	require.Len(recorded, 4)
	for _, r := range recorded {
		require.Equal(int64(60), r.WatchDurationSeconds)
	}

	// the ended stream keeps no session table
	_, ok := f.tracker.tables.Load("S1")
	require.False(ok)
	require.Empty(openSessions(f.tracker, "S1"))
}

func TestDeltasCarryOwner(t *testing.T) {
	f := newFixture(t, "S1")
	ctx := context.Background()
	id, err := f.tracker.OnJoin(ctx, "S1", models.ViewerMeta{})
	require.NoError(t, err)
	require.NoError(t, f.tracker.OnLeave(ctx, id))

	require.Len(t, f.deltas, 2)
	assert.Equal(t, EventViewerJoined, f.deltas[0].Type)
	assert.Equal(t, "owner-S1", f.deltas[0].OwnerID)
	assert.Equal(t, 1, f.deltas[0].Current)
	assert.Equal(t, EventViewerLeft, f.deltas[1].Type)
	assert.Equal(t, ReasonLeave, f.deltas[1].Reason)
	assert.Equal(t, 0, f.deltas[1].Current)
}

func TestViewerCountInvariantUnderLoad(t *testing.T) {
	f := newFixture(t, "A", "B")
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	violations := make(chan string, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, id := range []string{"A", "B"} {
				_ = f.registry.WithStream(id, func(s *models.StreamState) error {
					if s.CurrentViewers < 0 || s.CurrentViewers > s.PeakViewers {
						select {
						case violations <- fmt.Sprintf("%s current=%d peak=%d", id, s.CurrentViewers, s.PeakViewers):
						default:
						}
					}
					return nil
				})
			}
		}
	}()

	var workers sync.WaitGroup
	for w := 0; w < 8; w++ {
		workers.Add(1)
		go func(w int) {
			defer workers.Done()
			stream := []string{"A", "B"}[w%2]
			for i := 0; i < 50; i++ {
				id, err := f.tracker.OnJoin(ctx, stream, models.ViewerMeta{})
				if err != nil {
					continue
				}
				_ = f.tracker.OnHeartbeat(ctx, id, &models.QualitySample{Bitrate: 1})
				if i%3 != 0 {
					_ = f.tracker.OnLeave(ctx, id)
				}
			}
		}(w)
	}
	workers.Wait()
	close(stop)
	wg.Wait()

	select {
	case v := <-violations:
		t.Fatalf("invariant violated: %s", v)
	default:
	}
	a, b := f.state(t, "A"), f.state(t, "B")
	// 4 workers per stream, each leaving 17 of 50 sessions open
	assert.Equal(t, 68, a.CurrentViewers)
	assert.Equal(t, 68, b.CurrentViewers)
}
