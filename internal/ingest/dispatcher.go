package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cruvz/streaming-analytics/internal/metrics"
	"github.com/cruvz/streaming-analytics/internal/models"
	"github.com/cruvz/streaming-analytics/internal/sessions"
	"github.com/cruvz/streaming-analytics/internal/streams"
)

// Event sources.
const (
	SourceHTTP = "http"
	SourceAMQP = "amqp"
)

// Sessions is the tracker surface used by ingest.
type Sessions interface {
	OnJoin(ctx context.Context, streamID string, viewer models.ViewerMeta) (string, error)
	OnHeartbeat(ctx context.Context, sessionID string, sample *models.QualitySample) error
	OnLeave(ctx context.Context, sessionID string) error
}

// Lifecycle drives stream status transitions and looks up registered streams.
type Lifecycle interface {
	Get(id string) (models.StreamState, bool)
	Start(ctx context.Context, id string) (models.StreamState, error)
	Stop(ctx context.Context, id string) (models.StreamState, error)
	Fail(ctx context.Context, id, reason string) (models.StreamState, error)
	Recover(ctx context.Context, id string) (models.StreamState, error)
}

// Quality receives raw metric samples.
type Quality interface {
	Observe(metricName string, value float64)
}

// QualityPoints receives stream-level quality points.
type QualityPoints interface {
	PushQualityPoint(ctx context.Context, p models.QualityPoint)
}

// Result is the outcome of one applied event.
type Result struct {
	Type      string              `json:"type"`
	StreamID  string              `json:"stream_id,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Status    models.StreamStatus `json:"status,omitempty"`
}

// Dispatcher routes events to the session tracker, the stream registry and the quality engine.
type Dispatcher struct {
	sessions  Sessions
	lifecycle Lifecycle
	quality   Quality
	points    QualityPoints
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher. quality and points may be nil.
func NewDispatcher(s Sessions, l Lifecycle, q Quality, points QualityPoints, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Dispatcher{sessions: s, lifecycle: l, quality: q, points: points, metrics: m, logger: logger}
}

// Apply applies one event. The event must already be validated.
func (d *Dispatcher) Apply(ctx context.Context, ev Event, source string) (Result, error) {
	res, err := d.apply(ctx, ev, source)
	outcome := "ok"
	switch {
	case err == nil:
	case IsPermanent(err):
		outcome = "rejected"
		d.logger.Debug("ingest event rejected",
			zap.String("source", source),
			zap.String("type", ev.Type),
			zap.String("stream_id", ev.StreamID),
			zap.String("session_id", ev.SessionID),
			zap.Error(err),
		)
	default:
		outcome = "error"
		d.logger.Warn("ingest event failed",
			zap.String("source", source),
			zap.String("type", ev.Type),
			zap.String("stream_id", ev.StreamID),
			zap.Error(err),
		)
	}
	d.metrics.IngestEvent(source, ev.Type, outcome)
	return res, err
}

func (d *Dispatcher) apply(ctx context.Context, ev Event, source string) (Result, error) {
	res := Result{Type: ev.Type, StreamID: ev.StreamID, SessionID: ev.SessionID}
	// The broker has no reply path for the session id a join creates.
	if source == SourceAMQP && ev.viewerEvent() {
		return res, fmt.Errorf("%w: %s is only accepted over http", ErrBadEvent, ev.Type)
	}
	switch ev.Type {
	case TypeViewerJoined:
		id, err := d.sessions.OnJoin(ctx, ev.StreamID, ev.Viewer)
		if err != nil {
			return res, err
		}
		res.SessionID = id
		return res, nil
	case TypeHeartbeat:
		return res, d.sessions.OnHeartbeat(ctx, ev.SessionID, ev.qualitySample())
	case TypeViewerLeft:
		return res, d.sessions.OnLeave(ctx, ev.SessionID)
	case TypeStreamStarted, TypeStreamStopped, TypeStreamFailed, TypeStreamRecovered:
		st, err := d.transition(ctx, ev)
		if err != nil {
			return res, err
		}
		res.Status = st.Status
		return res, nil
	case TypeQualitySample:
		if ev.Sample != nil {
			st, err := d.sampledStream(ev.StreamID)
			if err != nil {
				return res, err
			}
			res.Status = st.Status
		}
		d.observe(ctx, ev)
		return res, nil
	}
	return res, fmt.Errorf("%w: unknown type %q", ErrBadEvent, ev.Type)
}

func (d *Dispatcher) transition(ctx context.Context, ev Event) (models.StreamState, error) {
	switch ev.Type {
	case TypeStreamStarted:
		return d.lifecycle.Start(ctx, ev.StreamID)
	case TypeStreamStopped:
		return d.lifecycle.Stop(ctx, ev.StreamID)
	case TypeStreamFailed:
		return d.lifecycle.Fail(ctx, ev.StreamID, ev.Reason)
	default:
		return d.lifecycle.Recover(ctx, ev.StreamID)
	}
}

// sampledStream returns the registered stream a quality point belongs to. Ended streams have released
// their point buffers and take no more.
func (d *Dispatcher) sampledStream(id string) (models.StreamState, error) {
	st, ok := d.lifecycle.Get(id)
	if !ok {
		return st, fmt.Errorf("%w: %s", streams.ErrUnknownStream, id)
	}
	if st.Status == models.StreamEnded {
		return st, fmt.Errorf("%w: %s is %s", streams.ErrStreamNotAccepting, id, st.Status)
	}
	return st, nil
}

func (d *Dispatcher) observe(ctx context.Context, ev Event) {
	if m := ev.Metric; m != nil && d.quality != nil {
		d.quality.Observe(m.Name, m.Value)
	}
	s := ev.qualitySample()
	if s == nil {
		return
	}
	if d.quality != nil {
		d.quality.Observe("latency_ms", s.LatencyMs)
		d.quality.Observe("bitrate_kbps", s.Bitrate)
	}
	if d.points != nil {
		if s.Timestamp.IsZero() {
			s.Timestamp = time.Now().UTC()
		}
		d.points.PushQualityPoint(ctx, models.QualityPoint{
			StreamID:  ev.StreamID,
			Timestamp: s.Timestamp,
			Bitrate:   s.Bitrate,
			LatencyMs: s.LatencyMs,
		})
	}
}

func (e Event) viewerEvent() bool {
	switch e.Type {
	case TypeViewerJoined, TypeHeartbeat, TypeViewerLeft:
		return true
	}
	return false
}

func (e Event) qualitySample() *models.QualitySample {
	if e.Sample == nil {
		return nil
	}
	at := e.Sample.At
	if at.IsZero() {
		at = e.At
	}
	return &models.QualitySample{Timestamp: at, Bitrate: e.Sample.Bitrate, LatencyMs: e.Sample.LatencyMs}
}

// IsPermanent reports whether retrying the event can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrBadEvent) ||
		errors.Is(err, streams.ErrUnknownStream) ||
		errors.Is(err, streams.ErrStreamNotAccepting) ||
		errors.Is(err, streams.ErrInvalidTransition) ||
		errors.Is(err, sessions.ErrUnknownSession)
}
