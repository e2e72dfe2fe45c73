package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cruvz/streaming-analytics/internal/models"
)

// Repository handles stream_analytics persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an analytics repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectColumns = `stream_id, date, unique_viewers, total_views, peak_concurrent_viewers, total_watch_time,
	geographic_data, device_data, quality_metrics`

// Upsert replaces the row for (stream_id, date) and records viewers for that day in the same transaction.
// Callers always write the full merged row.
func (r *Repository) Upsert(ctx context.Context, d models.DailyAnalytics, viewers []string) error {
	geo, err := json.Marshal(d.GeographicCounts)
	if err != nil {
		return fmt.Errorf("encode geographic data: %w", err)
	}
	dev, err := json.Marshal(d.DeviceCounts)
	if err != nil {
		return fmt.Errorf("encode device data: %w", err)
	}
	quality, err := json.Marshal(d.Quality)
	if err != nil {
		return fmt.Errorf("encode quality metrics: %w", err)
	}
	const q = `INSERT INTO stream_analytics (stream_id, date, unique_viewers, total_views, peak_concurrent_viewers,
			total_watch_time, avg_watch_duration, geographic_data, device_data, quality_metrics, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (stream_id, date) DO UPDATE SET
			unique_viewers = EXCLUDED.unique_viewers,
			total_views = EXCLUDED.total_views,
			peak_concurrent_viewers = EXCLUDED.peak_concurrent_viewers,
			total_watch_time = EXCLUDED.total_watch_time,
			avg_watch_duration = EXCLUDED.avg_watch_duration,
			geographic_data = EXCLUDED.geographic_data,
			device_data = EXCLUDED.device_data,
			quality_metrics = EXCLUDED.quality_metrics,
			updated_at = NOW()`
	const insertViewers = `INSERT INTO stream_viewers (stream_id, date, viewer_key)
		SELECT $1::text, $2::date, unnest($3::text[])
		ON CONFLICT DO NOTHING`
	day := models.Day(d.Date)
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if len(viewers) > 0 {
			if _, err := tx.Exec(ctx, insertViewers, d.StreamID, day, viewers); err != nil {
				return fmt.Errorf("insert stream viewers: %w", err)
			}
		}
		_, err := tx.Exec(ctx, q, d.StreamID, day, d.UniqueViewers, d.TotalViews, d.PeakConcurrentViewers,
			d.TotalWatchTimeSeconds, d.AvgWatchDurationSeconds(), geo, dev, quality)
		if err != nil {
			return fmt.Errorf("upsert stream analytics: %w", err)
		}
		return nil
	})
}

// Viewers returns the identities already counted for a stream and day.
func (r *Repository) Viewers(ctx context.Context, streamID string, date time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT viewer_key FROM stream_viewers WHERE stream_id = $1 AND date = $2`,
		streamID, models.Day(date))
	if err != nil {
		return nil, fmt.Errorf("query stream viewers: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan stream viewers: %w", err)
	}
	return keys, nil
}

// Get returns the row for a stream and day, or nil when none exists.
func (r *Repository) Get(ctx context.Context, streamID string, date time.Time) (*models.DailyAnalytics, error) {
	q := `SELECT ` + selectColumns + ` FROM stream_analytics WHERE stream_id = $1 AND date = $2`
	d, err := scanRow(r.pool.QueryRow(ctx, q, streamID, models.Day(date)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListRange returns a stream's rows between from and to inclusive, oldest first.
func (r *Repository) ListRange(ctx context.Context, streamID string, from, to time.Time) ([]models.DailyAnalytics, error) {
	q := `SELECT ` + selectColumns + ` FROM stream_analytics
		WHERE stream_id = $1 AND date BETWEEN $2 AND $3 ORDER BY date`
	rows, err := r.pool.Query(ctx, q, streamID, models.Day(from), models.Day(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.DailyAnalytics
	for rows.Next() {
		d, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, rows.Err()
}

func scanRow(row pgx.Row) (models.DailyAnalytics, error) {
	var (
		d                 models.DailyAnalytics
		geo, dev, quality []byte
	)
	if err := row.Scan(&d.StreamID, &d.Date, &d.UniqueViewers, &d.TotalViews, &d.PeakConcurrentViewers,
		&d.TotalWatchTimeSeconds, &geo, &dev, &quality); err != nil {
		return d, err
	}
	d.Date = models.Day(d.Date)
	d.GeographicCounts = make(map[string]int64)
	d.DeviceCounts = make(map[string]int64)
	if err := decodeJSON(geo, &d.GeographicCounts); err != nil {
		return d, fmt.Errorf("decode geographic data: %w", err)
	}
	if err := decodeJSON(dev, &d.DeviceCounts); err != nil {
		return d, fmt.Errorf("decode device data: %w", err)
	}
	if err := decodeJSON(quality, &d.Quality); err != nil {
		return d, fmt.Errorf("decode quality metrics: %w", err)
	}
	return d, nil
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
