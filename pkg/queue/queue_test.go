package queue

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExportJob(t *testing.T) {
	job, err := NewExportJob("S1", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, JobTypeAnalyticsExport, job.Type)
	assert.NotEmpty(t, job.ID)
	assert.Zero(t, job.Attempt)

	var p ExportPayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	assert.Equal(t, ExportPayload{StreamID: "S1", Date: "2026-03-02"}, p)
}

func TestRetryTargetMovesToDLQ(t *testing.T) {
	job := &Job{ID: "j"}
	assert.Equal(t, QueueExports, RetryTarget(job))
	assert.Equal(t, QueueExports, RetryTarget(job))
	assert.Equal(t, QueueDLQ, RetryTarget(job))
	assert.Equal(t, MaxRetries, job.Attempt)
}

func TestEnqueueSurfacesRedisErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	q := NewQueue(client, nil)

	err := q.EnqueueDayExport(context.Background(), "S1", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Contains(t, err.Error(), QueueExports)
}
