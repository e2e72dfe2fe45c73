package cache

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruvz/streaming-analytics/internal/models"
)

func point(stream string, i int) models.QualityPoint {
	return models.QualityPoint{
		StreamID:  stream,
		Timestamp: time.Unix(int64(i), 0).UTC(),
		Bitrate:   float64(i),
	}
}

func bitrates(seq iter.Seq[models.QualityPoint]) []float64 {
	var out []float64
	for p := range seq {
		out = append(out, p.Bitrate)
	}
	return out
}

func TestLocalOnlyLayer(t *testing.T) {
	ctx := context.Background()
	l := New(nil, Options{}, nil, nil)

	var dst map[string]int
	assert.False(t, l.Get(ctx, "k", &dst))
	assert.ErrorIs(t, l.Set(ctx, "k", map[string]int{"a": 1}, time.Second), ErrUnavailable)
	assert.ErrorIs(t, l.Invalidate(ctx, "k"), ErrUnavailable)
	assert.NoError(t, l.SyncLiveCounts(ctx))
	assert.False(t, l.Available())

	l.SetLiveViewerCount("S1", 4)
	assert.Equal(t, 4, l.GetLiveViewerCount(ctx, "S1"))
	assert.Equal(t, 0, l.GetLiveViewerCount(ctx, "S2"))
	assert.Equal(t, map[string]int{"S1": 4}, l.LiveCounts())

	require.NoError(t, l.Forget(ctx, "S1"))
	assert.Empty(t, l.LiveCounts())
}

func TestEndedStreamIsForgotten(t *testing.T) {
	ctx := context.Background()
	l := New(nil, Options{}, nil, nil)
	l.SetLiveViewerCount("S1", 3)
	l.PushQualityPoint(ctx, point("S1", 1))

	l.OnStreamTransition(models.StreamState{ID: "S1", Status: models.StreamError}, models.StreamActive)
	assert.Equal(t, map[string]int{"S1": 3}, l.LiveCounts())

	l.SetLiveViewerCount("S1", 0)
	l.OnStreamTransition(models.StreamState{ID: "S1", Status: models.StreamEnded}, models.StreamActive)
	assert.Empty(t, l.LiveCounts())
	assert.Empty(t, bitrates(l.GetRecentMetrics("S1", 5)))
	_, ok := l.recent.Load("S1")
	assert.False(t, ok)
}

func TestRecentMetricsAreBoundedAndOrdered(t *testing.T) {
	ctx := context.Background()
	l := New(nil, Options{RecentCapacity: 5}, nil, nil)
	for i := 1; i <= 8; i++ {
		l.PushQualityPoint(ctx, point("S1", i))
	}

	assert.Equal(t, []float64{4, 5, 6, 7, 8}, bitrates(l.GetRecentMetrics("S1", 10)))
	assert.Equal(t, []float64{7, 8}, bitrates(l.GetRecentMetrics("S1", 2)))
	assert.Empty(t, bitrates(l.GetRecentMetrics("S1", 0)))
	assert.Empty(t, bitrates(l.GetRecentMetrics("S9", 3)))
}

func TestRecentMetricsSnapshotPerIteration(t *testing.T) {
	ctx := context.Background()
	l := New(nil, Options{RecentCapacity: 4}, nil, nil)
	l.PushQualityPoint(ctx, point("S1", 1))
	l.PushQualityPoint(ctx, point("S1", 2))

	seq := l.GetRecentMetrics("S1", 4)
	var first []float64
	for p := range seq {
		first = append(first, p.Bitrate)
		l.PushQualityPoint(ctx, point("S1", 10+int(p.Bitrate)))
	}
	assert.Equal(t, []float64{1, 2}, first)

	// the same sequence sees the pushes on its next pass
	assert.Equal(t, []float64{1, 2, 11, 12}, bitrates(seq))
}

func TestConcurrentPushAndRead(t *testing.T) {
	ctx := context.Background()
	l := New(nil, Options{RecentCapacity: 16}, nil, nil)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			stream := fmt.Sprintf("S%d", w%2)
			for i := 0; i < 200; i++ {
				l.PushQualityPoint(ctx, point(stream, i))
				l.SetLiveViewerCount(stream, i)
				for range l.GetRecentMetrics(stream, 8) {
				}
			}
		}(w)
	}
	wg.Wait()

	for _, stream := range []string{"S0", "S1"} {
		got := bitrates(l.GetRecentMetrics(stream, 100))
		assert.Len(t, got, 16)
		assert.True(t, slices.Contains(got, 199))
	}
}

func TestBreakerOpensOnUnreachableRedis(t *testing.T) {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	l := New(rdb, Options{TripAfter: 2, BreakerTimeout: time.Minute}, nil, nil)
	require.True(t, l.Available())

	for i := 0; i < 2; i++ {
		err := l.Set(ctx, "k", i, time.Second)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}

	assert.False(t, l.Available())
	assert.ErrorIs(t, l.Set(ctx, "k", 3, time.Second), ErrUnavailable)
	var v int
	assert.False(t, l.Get(ctx, "k", &v))

	// local tier keeps serving while the remote is down
	l.SetLiveViewerCount("S1", 2)
	assert.Equal(t, 2, l.GetLiveViewerCount(ctx, "S1"))
	l.PushQualityPoint(ctx, point("S1", 1))
	assert.Equal(t, []float64{1}, bitrates(l.GetRecentMetrics("S1", 5)))

	// forgetting still releases the local entries
	assert.ErrorIs(t, l.Forget(ctx, "S1"), ErrUnavailable)
	assert.Empty(t, l.LiveCounts())
}
