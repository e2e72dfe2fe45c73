package sixsigma

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cruvz/streaming-analytics/internal/models"
)

// maxSeriesRows bounds a single series read.
const maxSeriesRows = 10000

// Repository handles six_sigma_metrics persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a six sigma repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends a metric. An existing (metric_name, date) row wins and ErrDuplicateMetric is returned.
func (r *Repository) Insert(ctx context.Context, m models.QualityMetric) error {
	const q = `INSERT INTO six_sigma_metrics (metric_name, date, metric_type, value, target, sigma_level, error_rate, dpmo)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (metric_name, date) DO NOTHING`
	tag, err := r.pool.Exec(ctx, q, m.MetricName, m.Date, m.Category, m.Value, m.Target, m.SigmaLevel, m.ErrorRate, m.DPMO)
	if err != nil {
		return fmt.Errorf("insert six sigma metric: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateMetric
	}
	return nil
}

// Range lists metrics between from and to, oldest first. An empty category matches all.
func (r *Repository) Range(ctx context.Context, category string, from, to time.Time) ([]models.QualityMetric, error) {
	const q = `SELECT metric_name, metric_type, value, target, sigma_level, error_rate, dpmo, date
		FROM six_sigma_metrics
		WHERE ($1 = '' OR metric_type = $1) AND date >= $2 AND date <= $3
		ORDER BY date, metric_name
		LIMIT $4`
	rows, err := r.pool.Query(ctx, q, category, from, to, maxSeriesRows)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.QualityMetric
	for rows.Next() {
		var m models.QualityMetric
		if err := rows.Scan(&m.MetricName, &m.Category, &m.Value, &m.Target, &m.SigmaLevel, &m.ErrorRate, &m.DPMO, &m.Date); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// Mean returns the average sigma level and row count since the given time. An empty category matches all.
func (r *Repository) Mean(ctx context.Context, category string, since time.Time) (float64, int, error) {
	const q = `SELECT COALESCE(AVG(sigma_level), 0)::float8, COUNT(*)
		FROM six_sigma_metrics
		WHERE ($1 = '' OR metric_type = $1) AND date >= $2`
	var (
		mean float64
		n    int
	)
	if err := r.pool.QueryRow(ctx, q, category, since).Scan(&mean, &n); err != nil {
		return 0, 0, fmt.Errorf("mean sigma level: %w", err)
	}
	return mean, n, nil
}
