package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/cruvz/streaming-analytics/internal/models"
	"github.com/cruvz/streaming-analytics/pkg/queue"
	"github.com/cruvz/streaming-analytics/pkg/storage"
)

var errBadJob = errors.New("bad job")

// Source loads durable analytics rows.
type Source interface {
	Get(ctx context.Context, streamID string, date time.Time) (*models.DailyAnalytics, error)
}

// Uploader stores rendered exports.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// Jobs is the queue surface used by the processor.
type Jobs interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Export is the document written for one closed day.
type Export struct {
	ExportedAt time.Time                 `json:"exported_at"`
	Analytics  models.DailyAnalyticsView `json:"analytics"`
}

// ExportProcessor renders closed analytics days to JSON and uploads them to S3.
type ExportProcessor struct {
	source  Source
	store   Uploader
	jobs    Jobs
	backoff time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewExportProcessor creates an analytics export processor.
func NewExportProcessor(source Source, store Uploader, jobs Jobs, logger *zap.Logger) *ExportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportProcessor{source: source, store: store, jobs: jobs, backoff: queue.RetryBackoff, logger: logger, now: time.Now}
}

func (p *ExportProcessor) String() string { return "analytics-export-worker" }

// Process executes one export job.
func (p *ExportProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeAnalyticsExport {
		return fmt.Errorf("%w: unknown job type %s", errBadJob, job.Type)
	}
	var payload queue.ExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: unmarshal payload: %v", errBadJob, err)
	}
	date, err := time.Parse(models.DateLayout, payload.Date)
	if err != nil || payload.StreamID == "" {
		return fmt.Errorf("%w: stream %q date %q", errBadJob, payload.StreamID, payload.Date)
	}

	row, err := p.source.Get(ctx, payload.StreamID, date)
	if err != nil {
		return fmt.Errorf("load analytics: %w", err)
	}
	if row == nil {
		return fmt.Errorf("analytics row %s/%s not found", payload.StreamID, payload.Date)
	}

	body, err := json.Marshal(Export{ExportedAt: p.now().UTC(), Analytics: row.View()})
	if err != nil {
		return fmt.Errorf("render export: %w", err)
	}
	key := storage.AnalyticsKey(payload.StreamID, payload.Date)
	url, err := p.store.Upload(ctx, key, "application/json", bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	p.logger.Info("analytics export completed",
		zap.String("stream_id", payload.StreamID),
		zap.String("date", payload.Date),
		zap.String("s3_key", key),
		zap.String("url", url),
	)
	return nil
}

// Serve runs the worker loop: dequeue, process, retry on error.
func (p *ExportProcessor) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			p.logger.Info("export worker stopping")
			return nil
		}

		job, err := p.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		err = p.Process(ctx, job)
		switch {
		case err == nil:
		case errors.Is(err, errBadJob):
			p.logger.Error("dropping bad job", zap.String("job_id", job.ID), zap.Error(err))
		default:
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.jobs.Retry(context.WithoutCancel(ctx), job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ExportProcessor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.backoff):
	}
}
