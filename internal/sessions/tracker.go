// Package sessions tracks live viewer sessions and per-stream concurrency.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cruvz/streaming-analytics/internal/metrics"
	"github.com/cruvz/streaming-analytics/internal/models"
	"github.com/cruvz/streaming-analytics/internal/streams"
	"github.com/cruvz/streaming-analytics/pkg/ring"
)

var ErrUnknownSession = errors.New("unknown session")

// errFinalized is returned inside the stream lock when the session closed concurrently.
var errFinalized = errors.New("session already finalized")

const (
	DefaultQualityCapacity = 120
	DefaultStaleAfter      = 90 * time.Second
	DefaultTombstoneTTL    = time.Hour
)

// Finalize reasons.
const (
	ReasonLeave       = "leave"
	ReasonSwept       = "swept"
	ReasonStreamEnded = "stream_ended"
)

// Delta event types.
const (
	EventViewerJoined = "viewer_joined"
	EventViewerLeft   = "viewer_left"
)

// StreamAccessor is the registry view the tracker needs.
type StreamAccessor interface {
	WithStream(id string, fn func(*models.StreamState) error) error
	OnTransition(fn streams.TransitionHandler)
}

// Recorder folds finalized sessions into daily analytics.
type Recorder interface {
	RecordSession(s models.ViewerSession)
	ObserveConcurrency(streamID string, at time.Time, current int)
}

// LiveCache receives hot-path updates. SetLiveViewerCount is called with the stream lock held and must not block.
type LiveCache interface {
	SetLiveViewerCount(streamID string, n int)
	PushQualityPoint(ctx context.Context, p models.QualityPoint)
}

// QualityObserver receives raw samples for sigma evaluation.
type QualityObserver interface {
	Observe(metricName string, value float64)
}

// Delta describes a viewer count change.
type Delta struct {
	Type      string    `json:"type"`
	StreamID  string    `json:"stream_id"`
	OwnerID   string    `json:"owner_id,omitempty"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason,omitempty"`
	Current   int       `json:"current_viewers"`
	Peak      int       `json:"peak_viewers"`
	At        time.Time `json:"at"`
}

// DeltaHandler receives viewer deltas after the stream lock is released.
type DeltaHandler func(d Delta)

// Deps are the optional collaborators of a Tracker.
type Deps struct {
	Recorder        Recorder
	Live            LiveCache
	Quality         QualityObserver
	OnDelta         DeltaHandler
	Metrics         *metrics.Metrics
	QualityCapacity int
	TombstoneTTL    time.Duration
}

type session struct {
	models.ViewerSession
	samples *ring.Ring[models.QualitySample]
}

// table holds the open sessions of one stream. Only accessed under that stream's lock.
type table struct {
	open map[string]*session
}

// Tracker owns viewer sessions and the live counters of StreamState.
type Tracker struct {
	streams StreamAccessor
	deps    Deps
	logger  *zap.Logger
	now     func() time.Time

	tables     sync.Map // streamID -> *table
	index      sync.Map // open sessionID -> streamID
	tombstones sync.Map // finalized sessionID -> time.Time
}

// NewTracker creates a tracker and subscribes it to stream transitions.
func NewTracker(accessor StreamAccessor, deps Deps, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.QualityCapacity <= 0 {
		deps.QualityCapacity = DefaultQualityCapacity
	}
	if deps.TombstoneTTL <= 0 {
		deps.TombstoneTTL = DefaultTombstoneTTL
	}
	t := &Tracker{streams: accessor, deps: deps, logger: logger, now: time.Now}
	accessor.OnTransition(t.handleTransition)
	return t
}

func (t *Tracker) table(streamID string) *table {
	v, _ := t.tables.LoadOrStore(streamID, &table{open: make(map[string]*session)})
	return v.(*table)
}

// openSession finds an open session without creating a table for its stream.
func (t *Tracker) openSession(streamID, sessionID string) (*session, bool) {
	v, ok := t.tables.Load(streamID)
	if !ok {
		return nil, false
	}
	s, ok := v.(*table).open[sessionID]
	return s, ok
}

// OnJoin opens a session on an active stream and returns its id.
func (t *Tracker) OnJoin(ctx context.Context, streamID string, viewer models.ViewerMeta) (string, error) {
	now := t.now().UTC()
	id := uuid.NewString()
	var delta Delta
	err := t.streams.WithStream(streamID, func(st *models.StreamState) error {
		if st.Status != models.StreamActive {
			return fmt.Errorf("%w: stream %s is %s", streams.ErrStreamNotAccepting, streamID, st.Status)
		}
		st.CurrentViewers++
		if st.CurrentViewers > st.PeakViewers {
			st.PeakViewers = st.CurrentViewers
		}
		t.table(streamID).open[id] = &session{
			ViewerSession: models.ViewerSession{
				SessionID:      id,
				StreamID:       streamID,
				Viewer:         viewer,
				JoinedAt:       now,
				LastSeenAt:     now,
				PeakConcurrent: st.CurrentViewers,
			},
			samples: ring.New[models.QualitySample](t.deps.QualityCapacity),
		}
		t.index.Store(id, streamID)
		if t.deps.Live != nil {
			t.deps.Live.SetLiveViewerCount(streamID, st.CurrentViewers)
		}
		delta = Delta{
			Type:      EventViewerJoined,
			StreamID:  streamID,
			OwnerID:   st.OwnerID,
			SessionID: id,
			Current:   st.CurrentViewers,
			Peak:      st.PeakViewers,
			At:        now,
		}
		return nil
	})
	if err != nil {
		t.reject(err)
		return "", err
	}
	t.deps.Metrics.SessionJoined()
	if t.deps.Recorder != nil {
		t.deps.Recorder.ObserveConcurrency(streamID, now, delta.Current)
	}
	t.emit(delta)
	t.logger.Debug("viewer joined",
		zap.String("stream_id", streamID),
		zap.String("session_id", id),
		zap.Int("current_viewers", delta.Current),
	)
	return id, nil
}

// OnHeartbeat refreshes a session and records an optional quality sample.
// Heartbeats for sessions that already ended are ignored.
func (t *Tracker) OnHeartbeat(ctx context.Context, sessionID string, sample *models.QualitySample) error {
	streamID, err := t.lookup(sessionID)
	if err != nil {
		return err
	}
	if streamID == "" {
		return nil
	}
	now := t.now().UTC()
	var stored models.QualitySample
	err = t.streams.WithStream(streamID, func(st *models.StreamState) error {
		s, ok := t.openSession(streamID, sessionID)
		if !ok {
			return errFinalized
		}
		s.LastSeenAt = now
		if st.CurrentViewers > s.PeakConcurrent {
			s.PeakConcurrent = st.CurrentViewers
		}
		if sample != nil {
			stored = *sample
			if stored.Timestamp.IsZero() {
				stored.Timestamp = now
			}
			s.samples.Push(stored)
			s.QualitySummary.Add(models.QualitySummary{Samples: 1, BitrateSum: stored.Bitrate, LatencyMsSum: stored.LatencyMs})
		}
		return nil
	})
	if errors.Is(err, errFinalized) {
		return nil
	}
	if err != nil {
		return err
	}
	if sample != nil {
		if t.deps.Live != nil {
			t.deps.Live.PushQualityPoint(ctx, models.QualityPoint{
				StreamID:  streamID,
				Timestamp: stored.Timestamp,
				Bitrate:   stored.Bitrate,
				LatencyMs: stored.LatencyMs,
			})
		}
		if t.deps.Quality != nil {
			t.deps.Quality.Observe("latency_ms", stored.LatencyMs)
			t.deps.Quality.Observe("bitrate_kbps", stored.Bitrate)
		}
	}
	return nil
}

// OnLeave finalizes a session. Leaving a session that already ended is a no-op.
func (t *Tracker) OnLeave(ctx context.Context, sessionID string) error {
	streamID, err := t.lookup(sessionID)
	if err != nil {
		return err
	}
	if streamID == "" {
		return nil
	}
	now := t.now().UTC()
	var (
		done  models.ViewerSession
		delta Delta
	)
	err = t.streams.WithStream(streamID, func(st *models.StreamState) error {
		s, ok := t.openSession(streamID, sessionID)
		if !ok {
			return errFinalized
		}
		done, delta = t.finalizeLocked(st, s, now, ReasonLeave)
		return nil
	})
	if errors.Is(err, errFinalized) {
		return nil
	}
	if err != nil {
		return err
	}
	t.finished(done, delta)
	return nil
}

// SweepExpired finalizes sessions whose last heartbeat is older than staleAfter and returns how many it closed.
// The share of open sessions it closed is observed as viewer_drop_rate.
func (t *Tracker) SweepExpired(ctx context.Context, staleAfter time.Duration) int {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	now := t.now().UTC()
	swept, open := 0, 0
	t.tables.Range(func(k, v any) bool {
		if ctx.Err() != nil {
			return false
		}
		streamID := k.(string)
		tbl := v.(*table)
		var (
			done   []models.ViewerSession
			deltas []Delta
		)
		_ = t.streams.WithStream(streamID, func(st *models.StreamState) error {
			open += len(tbl.open)
			for _, s := range tbl.open {
				if now.Sub(s.LastSeenAt) > staleAfter {
					d, delta := t.finalizeLocked(st, s, s.LastSeenAt, ReasonSwept)
					done = append(done, d)
					deltas = append(deltas, delta)
				}
			}
			return nil
		})
		for i := range done {
			t.finished(done[i], deltas[i])
		}
		swept += len(done)
		return true
	})
	t.pruneTombstones(now)
	if open > 0 && t.deps.Quality != nil {
		t.deps.Quality.Observe("viewer_drop_rate", float64(swept)/float64(open))
	}
	if swept > 0 {
		t.logger.Info("swept stale sessions", zap.Int("count", swept), zap.Duration("stale_after", staleAfter))
	}
	return swept
}

// CloseStream finalizes every open session of a stream and drops its session table.
func (t *Tracker) CloseStream(streamID string) int {
	now := t.now().UTC()
	var (
		done   []models.ViewerSession
		deltas []Delta
	)
	_ = t.streams.WithStream(streamID, func(st *models.StreamState) error {
		v, ok := t.tables.Load(streamID)
		if !ok {
			return nil
		}
		for _, s := range v.(*table).open {
			d, delta := t.finalizeLocked(st, s, now, ReasonStreamEnded)
			done = append(done, d)
			deltas = append(deltas, delta)
		}
		t.tables.Delete(streamID)
		return nil
	})
	for i := range done {
		t.finished(done[i], deltas[i])
	}
	return len(done)
}

func (t *Tracker) handleTransition(state models.StreamState, _ models.StreamStatus) {
	if state.Status != models.StreamEnded {
		return
	}
	if n := t.CloseStream(state.ID); n > 0 {
		t.logger.Info("closed sessions of ended stream", zap.String("stream_id", state.ID), zap.Int("count", n))
	}
}

// lookup returns the stream of an open session, "" for a finalized one, or ErrUnknownSession.
func (t *Tracker) lookup(sessionID string) (string, error) {
	if v, ok := t.index.Load(sessionID); ok {
		return v.(string), nil
	}
	if _, ok := t.tombstones.Load(sessionID); ok {
		return "", nil
	}
	t.reject(ErrUnknownSession)
	return "", ErrUnknownSession
}

// finalizeLocked closes s. The caller holds the stream lock.
func (t *Tracker) finalizeLocked(st *models.StreamState, s *session, leftAt time.Time, reason string) (models.ViewerSession, Delta) {
	if leftAt.Before(s.JoinedAt) {
		leftAt = s.JoinedAt
	}
	s.LeftAt = &leftAt
	s.WatchDurationSeconds = int64(leftAt.Sub(s.JoinedAt) / time.Second)
	if st.CurrentViewers > 0 {
		st.CurrentViewers--
	}
	if v, ok := t.tables.Load(st.ID); ok {
		delete(v.(*table).open, s.SessionID)
	}
	t.index.Delete(s.SessionID)
	t.tombstones.Store(s.SessionID, t.now())
	if t.deps.Live != nil {
		t.deps.Live.SetLiveViewerCount(st.ID, st.CurrentViewers)
	}
	return s.snapshot(), Delta{
		Type:      EventViewerLeft,
		StreamID:  st.ID,
		OwnerID:   st.OwnerID,
		SessionID: s.SessionID,
		Reason:    reason,
		Current:   st.CurrentViewers,
		Peak:      st.PeakViewers,
		At:        leftAt,
	}
}

func (t *Tracker) finished(done models.ViewerSession, delta Delta) {
	t.deps.Metrics.SessionFinalized(delta.Reason)
	if t.deps.Recorder != nil {
		t.deps.Recorder.RecordSession(done)
	}
	t.emit(delta)
}

func (t *Tracker) emit(d Delta) {
	if t.deps.OnDelta != nil {
		t.deps.OnDelta(d)
	}
}

func (t *Tracker) reject(err error) {
	switch {
	case errors.Is(err, streams.ErrUnknownStream):
		t.deps.Metrics.EventRejected("unknown_stream")
	case errors.Is(err, streams.ErrStreamNotAccepting):
		t.deps.Metrics.EventRejected("not_accepting")
	case errors.Is(err, ErrUnknownSession):
		t.deps.Metrics.EventRejected("unknown_session")
	}
}

func (t *Tracker) pruneTombstones(now time.Time) {
	t.tombstones.Range(func(k, v any) bool {
		if now.Sub(v.(time.Time)) > t.deps.TombstoneTTL {
			t.tombstones.Delete(k)
		}
		return true
	})
}

func (s *session) snapshot() models.ViewerSession {
	out := s.ViewerSession
	out.Quality = s.samples.Snapshot()
	return out
}
