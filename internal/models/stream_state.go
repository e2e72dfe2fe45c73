package models

import "time"

// StreamStatus is the lifecycle state of a stream.
type StreamStatus string

const (
	StreamInactive StreamStatus = "inactive"
	StreamActive   StreamStatus = "active"
	StreamEnded    StreamStatus = "ended"
	StreamError    StreamStatus = "error"
)

// StreamState is the live view of a stream owned by the registry; viewer counters are mutated by the session tracker.
type StreamState struct {
	ID             string       `json:"id"`
	OwnerID        string       `json:"owner_id,omitempty"`
	Title          string       `json:"title,omitempty"`
	Status         StreamStatus `json:"status"`
	CurrentViewers int          `json:"current_viewers"`
	PeakViewers    int          `json:"peak_viewers"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
	FailureReason  string       `json:"failure_reason,omitempty"`
	// RecoveryArmed is set by a reported failure and consumed by the matching recovery.
	RecoveryArmed bool      `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}
