package realtime

import (
	"context"
	"iter"
	"math"
	"time"

	"github.com/cruvz/streaming-analytics/internal/models"
	"github.com/cruvz/streaming-analytics/internal/sessions"
)

// OnViewerDelta publishes a join or leave to the stream's subscribers and to its owner.
func (h *Hub) OnViewerDelta(d sessions.Delta) {
	h.Publish(StreamScope(d.StreamID), d.Type, d)
	if d.OwnerID != "" {
		h.Publish(UserScope(d.OwnerID), d.Type, d)
	}
}

// StreamStatusEvent is the payload of a stream_status message.
type StreamStatusEvent struct {
	StreamID      string              `json:"stream_id"`
	From          models.StreamStatus `json:"from"`
	To            models.StreamStatus `json:"to"`
	FailureReason string              `json:"failure_reason,omitempty"`
	PeakViewers   int                 `json:"peak_viewers"`
}

// OnStreamTransition publishes lifecycle changes to the stream, its owner and global subscribers.
func (h *Hub) OnStreamTransition(state models.StreamState, from models.StreamStatus) {
	ev := StreamStatusEvent{
		StreamID:      state.ID,
		From:          from,
		To:            state.Status,
		FailureReason: state.FailureReason,
		PeakViewers:   state.PeakViewers,
	}
	h.Publish(StreamScope(state.ID), TypeStreamStatus, ev)
	if state.OwnerID != "" {
		h.Publish(UserScope(state.OwnerID), TypeStreamStatus, ev)
	}
	h.Publish(GlobalScope(), TypeStreamStatus, ev)
}

// OnQualityAlert publishes a low sigma level to global subscribers.
func (h *Hub) OnQualityAlert(m models.QualityMetric) {
	h.Publish(GlobalScope(), TypeQualityAlert, m)
}

// Streams is the registry view used by the tick.
type Streams interface {
	Get(id string) (models.StreamState, bool)
	Active() []models.StreamState
}

// Live is the cache view used by the tick.
type Live interface {
	GetLiveViewerCount(ctx context.Context, streamID string) int
	GetRecentMetrics(streamID string, n int) iter.Seq[models.QualityPoint]
}

// StreamCount is one stream's entry in a global snapshot.
type StreamCount struct {
	StreamID    string `json:"stream_id"`
	LiveViewers int    `json:"live_viewers"`
	PeakViewers int    `json:"peak_viewers"`
}

// GlobalSnapshot is the payload of a global_snapshot message.
type GlobalSnapshot struct {
	ActiveStreams int           `json:"active_streams"`
	TotalViewers  int           `json:"total_viewers"`
	Streams       []StreamCount `json:"streams"`
}

// StreamStats is the payload of a stream_stats message.
type StreamStats struct {
	StreamID     string              `json:"stream_id"`
	Status       models.StreamStatus `json:"status"`
	LiveViewers  int                 `json:"live_viewers"`
	PeakViewers  int                 `json:"peak_viewers"`
	AvgBitrate   float64             `json:"avg_bitrate"`
	AvgLatencyMs float64             `json:"avg_latency_ms"`
	Uptime       float64             `json:"uptime_seconds,omitempty"`
}

const statsWindow = 30

// Snapshotter builds the periodic broadcasts.
type Snapshotter struct {
	hub     *Hub
	streams Streams
	live    Live
	now     func() time.Time
}

// NewSnapshotter creates a snapshotter for hub.
func NewSnapshotter(hub *Hub, streams Streams, live Live) *Snapshotter {
	return &Snapshotter{hub: hub, streams: streams, live: live, now: time.Now}
}

// Tick sends a global snapshot to every connected client and stream stats to each subscribed stream.
// Tick output stays on this instance; every instance ticks for its own clients.
func (s *Snapshotter) Tick(ctx context.Context) error {
	active := s.streams.Active()
	snap := GlobalSnapshot{ActiveStreams: len(active), Streams: make([]StreamCount, 0, len(active))}
	for _, st := range active {
		n := s.live.GetLiveViewerCount(ctx, st.ID)
		snap.TotalViewers += n
		snap.Streams = append(snap.Streams, StreamCount{StreamID: st.ID, LiveViewers: n, PeakViewers: st.PeakViewers})
	}
	s.hub.Broadcast(TypeGlobalSnapshot, snap)

	for _, scope := range s.hub.ActiveScopes(ScopeStream) {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, ok := s.streams.Get(scope.ID)
		if !ok {
			continue
		}
		m, err := NewMessage(TypeStreamStats, s.stats(ctx, st))
		if err != nil {
			return err
		}
		s.hub.Deliver(scope, m)
	}
	return nil
}

func (s *Snapshotter) stats(ctx context.Context, st models.StreamState) StreamStats {
	out := StreamStats{
		StreamID:    st.ID,
		Status:      st.Status,
		LiveViewers: s.live.GetLiveViewerCount(ctx, st.ID),
		PeakViewers: st.PeakViewers,
	}
	var q models.QualitySummary
	for p := range s.live.GetRecentMetrics(st.ID, statsWindow) {
		q.Add(models.QualitySummary{Samples: 1, BitrateSum: p.Bitrate, LatencyMsSum: p.LatencyMs})
	}
	out.AvgBitrate = math.Round(q.AvgBitrate()*10) / 10
	out.AvgLatencyMs = math.Round(q.AvgLatencyMs()*10) / 10
	if st.Status == models.StreamActive && st.StartedAt != nil {
		out.Uptime = math.Floor(s.now().Sub(*st.StartedAt).Seconds())
	}
	return out
}
