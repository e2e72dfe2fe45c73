package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueExports is the Redis list key for analytics export jobs.
	QueueExports = "worker:analytics_export"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of attempts before a job moves to the DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// PollTimeout bounds one blocking dequeue so shutdown is observed.
	PollTimeout = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

const JobTypeAnalyticsExport JobType = "analytics_export"

// ExportPayload names one closed analytics day to export.
type ExportPayload struct {
	StreamID string `json:"stream_id"`
	Date     string `json:"date"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis lists.
type Queue struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client redis.UniversalClient, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// NewExportJob builds an analytics export job.
func NewExportJob(streamID, date string) (*Job, error) {
	body, err := json.Marshal(ExportPayload{StreamID: streamID, Date: date})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Job{
		ID:        uuid.New().String(),
		Type:      JobTypeAnalyticsExport,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// EnqueueDayExport enqueues the export of one closed analytics day.
func (q *Queue) EnqueueDayExport(ctx context.Context, streamID string, day time.Time) error {
	date := day.UTC().Format(time.DateOnly)
	job, err := NewExportJob(streamID, date)
	if err != nil {
		return err
	}
	if err := q.push(ctx, QueueExports, job); err != nil {
		return err
	}
	q.logger.Debug("enqueued analytics export job", zap.String("job_id", job.ID), zap.String("stream_id", streamID), zap.String("date", date))
	return nil
}

func (q *Queue) push(ctx context.Context, key string, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

// Dequeue waits up to PollTimeout for a job. It returns nil, nil when none arrived.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, PollTimeout, QueueExports).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// RetryTarget increments the attempt counter and returns the list the job belongs on next.
func RetryTarget(job *Job) string {
	job.Attempt++
	if job.Attempt >= MaxRetries {
		return QueueDLQ
	}
	return QueueExports
}

// Retry re-enqueues a failed job, or moves it to the DLQ once MaxRetries is reached.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	target := RetryTarget(job)
	if err := q.push(ctx, target, job); err != nil {
		q.logger.Error("retry push failed", zap.Error(err), zap.String("job_id", job.ID))
		return err
	}
	if target == QueueDLQ {
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
