package streams

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cruvz/streaming-analytics/internal/models"
)

// Repository handles streams persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a streams repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Upsert writes the lifecycle fields of a stream. Peak viewers never decrease.
func (r *Repository) Upsert(ctx context.Context, s models.StreamState) error {
	const q = `INSERT INTO streams (id, owner_id, title, status, peak_viewers, failure_reason, recovery_armed, started_at, ended_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			peak_viewers = GREATEST(streams.peak_viewers, EXCLUDED.peak_viewers),
			failure_reason = EXCLUDED.failure_reason,
			recovery_armed = EXCLUDED.recovery_armed,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q, s.ID, s.OwnerID, s.Title, string(s.Status), s.PeakViewers, s.FailureReason, s.RecoveryArmed, s.StartedAt, s.EndedAt, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert stream: %w", err)
	}
	return nil
}

// LoadAll returns every known stream.
func (r *Repository) LoadAll(ctx context.Context) ([]models.StreamState, error) {
	const q = `SELECT id, owner_id, title, status, peak_viewers, failure_reason, recovery_armed, started_at, ended_at, created_at
		FROM streams ORDER BY created_at`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.StreamState
	for rows.Next() {
		var (
			s      models.StreamState
			status string
		)
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.Title, &status, &s.PeakViewers, &s.FailureReason, &s.RecoveryArmed, &s.StartedAt, &s.EndedAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Status = models.StreamStatus(status)
		list = append(list, s)
	}
	return list, rows.Err()
}

// UpdatePeakViewers raises peak_viewers when peak exceeds the stored value.
func (r *Repository) UpdatePeakViewers(ctx context.Context, id string, peak int) error {
	const q = `UPDATE streams SET peak_viewers = $1, updated_at = NOW() WHERE id = $2 AND $1 > peak_viewers`
	_, err := r.pool.Exec(ctx, q, peak, id)
	return err
}
