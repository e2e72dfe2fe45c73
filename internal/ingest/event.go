// Package ingest turns viewer and media-engine events into session tracker and registry calls.
package ingest

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"

	"github.com/cruvz/streaming-analytics/internal/models"
)

// Event types.
const (
	TypeViewerJoined    = "viewer_joined"
	TypeHeartbeat       = "heartbeat"
	TypeViewerLeft      = "viewer_left"
	TypeStreamStarted   = "stream_started"
	TypeStreamStopped   = "stream_stopped"
	TypeStreamFailed    = "stream_failed"
	TypeStreamRecovered = "stream_recovered"
	TypeQualitySample   = "quality_sample"
)

var ErrBadEvent = errors.New("bad event")

// Sample is a playback quality report carried by a heartbeat.
type Sample struct {
	Bitrate   float64   `json:"bitrate"`
	LatencyMs float64   `json:"latency_ms"`
	At        time.Time `json:"at,omitempty"`
}

// Metric is a raw measurement for sigma evaluation.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Event is one inbound event from a player or the media engine.
type Event struct {
	Type      string            `json:"type"`
	StreamID  string            `json:"stream_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Viewer    models.ViewerMeta `json:"viewer"`
	Sample    *Sample           `json:"sample,omitempty"`
	Metric    *Metric           `json:"metric,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	At        time.Time         `json:"at,omitempty"`
}

// Decode parses and validates one event.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	return ev, ev.Validate()
}

// DecodeBatch parses a JSON array of events. Invalid elements fail the whole batch.
func DecodeBatch(data []byte) ([]Event, error) {
	var evs []Event
	if err := json.Unmarshal(data, &evs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	for i, ev := range evs {
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
	}
	return evs, nil
}

// Validate checks that the fields required by the event type are present.
func (e Event) Validate() error {
	switch e.Type {
	case TypeViewerJoined, TypeStreamStarted, TypeStreamStopped, TypeStreamFailed, TypeStreamRecovered:
		if e.StreamID == "" {
			return fmt.Errorf("%w: %s requires stream_id", ErrBadEvent, e.Type)
		}
	case TypeHeartbeat, TypeViewerLeft:
		if e.SessionID == "" {
			return fmt.Errorf("%w: %s requires session_id", ErrBadEvent, e.Type)
		}
	case TypeQualitySample:
		if e.Metric == nil && e.Sample == nil {
			return fmt.Errorf("%w: quality_sample requires metric or sample", ErrBadEvent)
		}
		if e.Sample != nil && e.StreamID == "" {
			return fmt.Errorf("%w: quality_sample with sample requires stream_id", ErrBadEvent)
		}
		if m := e.Metric; m != nil && (m.Name == "" || !finite(m.Value)) {
			return fmt.Errorf("%w: invalid metric", ErrBadEvent)
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrBadEvent)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrBadEvent, e.Type)
	}
	if s := e.Sample; s != nil && (!finite(s.Bitrate) || !finite(s.LatencyMs) || s.Bitrate < 0 || s.LatencyMs < 0) {
		return fmt.Errorf("%w: invalid sample", ErrBadEvent)
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
