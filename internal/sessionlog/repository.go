package sessionlog

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cruvz/streaming-analytics/internal/models"
)

// Row is one finalized viewer session as returned by GET /analytics/streams/:id/sessions.
type Row struct {
	SessionID    string    `json:"session_id"`
	StreamID     string    `json:"stream_id"`
	ViewerKey    string    `json:"viewer_key"`
	Country      string    `json:"country,omitempty"`
	Device       string    `json:"device,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
	LeftAt       time.Time `json:"left_at"`
	WatchSeconds int64     `json:"watch_seconds"`
	Samples      int64     `json:"samples"`
	AvgBitrate   float64   `json:"avg_bitrate"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
}

// RowFromSession flattens a finalized session. Sessions without leftAt use lastSeenAt.
func RowFromSession(s models.ViewerSession) Row {
	left := s.LastSeenAt
	if s.LeftAt != nil {
		left = *s.LeftAt
	}
	return Row{
		SessionID:    s.SessionID,
		StreamID:     s.StreamID,
		ViewerKey:    s.ViewerIdentity(),
		Country:      s.Viewer.Country,
		Device:       s.Viewer.Device,
		JoinedAt:     s.JoinedAt,
		LeftAt:       left,
		WatchSeconds: s.WatchDurationSeconds,
		Samples:      s.QualitySummary.Samples,
		AvgBitrate:   s.QualitySummary.AvgBitrate(),
		AvgLatencyMs: s.QualitySummary.AvgLatencyMs(),
	}
}

// Repository handles viewer_sessions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertRow = `INSERT INTO viewer_sessions
	(session_id, stream_id, viewer_key, country, device, joined_at, left_at, watch_seconds, samples, avg_bitrate, avg_latency_ms)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (session_id) DO NOTHING`

// InsertBatch writes rows in one round trip. Rows already logged are skipped.
func (r *Repository) InsertBatch(ctx context.Context, rows []Row) error {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(insertRow, row.SessionID, row.StreamID, row.ViewerKey, row.Country, row.Device,
			row.JoinedAt, row.LeftAt, row.WatchSeconds, row.Samples, row.AvgBitrate, row.AvgLatencyMs)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}

// ListByStream returns the most recent sessions for a stream, newest first.
func (r *Repository) ListByStream(ctx context.Context, streamID string, limit int) ([]Row, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, stream_id, viewer_key, country, device, joined_at, left_at, watch_seconds, samples, avg_bitrate, avg_latency_ms
		 FROM viewer_sessions WHERE stream_id = $1 ORDER BY joined_at DESC LIMIT $2`,
		streamID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Row, error) {
		var s Row
		err := row.Scan(&s.SessionID, &s.StreamID, &s.ViewerKey, &s.Country, &s.Device, &s.JoinedAt, &s.LeftAt,
			&s.WatchSeconds, &s.Samples, &s.AvgBitrate, &s.AvgLatencyMs)
		return s, err
	})
}
