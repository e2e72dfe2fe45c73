// Package cache is the two-tier cache in front of the analytics pipeline: process-local hot values backed
// by Redis. Redis calls run through a circuit breaker and never block ingest paths.
package cache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/cruvz/streaming-analytics/internal/metrics"
	"github.com/cruvz/streaming-analytics/internal/models"
	"github.com/cruvz/streaming-analytics/pkg/ring"
)

// ErrUnavailable is returned when the remote tier is unreachable or the breaker is open.
var ErrUnavailable = errors.New("cache unavailable")

const (
	DefaultOpTimeout      = 250 * time.Millisecond
	DefaultRecentCapacity = 256
	DefaultBreakerTimeout = 30 * time.Second
	DefaultTripAfter      = 5

	liveCountTTL = 10 * time.Minute
	recentTTL    = time.Hour
)

// Options tunes the cache layer. Zero values use the defaults.
type Options struct {
	OpTimeout      time.Duration
	RecentCapacity int
	BreakerTimeout time.Duration
	TripAfter      uint32
}

func (o Options) withDefaults() Options {
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	if o.RecentCapacity <= 0 {
		o.RecentCapacity = DefaultRecentCapacity
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = DefaultBreakerTimeout
	}
	if o.TripAfter == 0 {
		o.TripAfter = DefaultTripAfter
	}
	return o
}

type recentBuffer struct {
	mu     sync.Mutex
	points *ring.Ring[models.QualityPoint]
}

// Layer is safe for concurrent use. A nil Redis client gives a local-only cache.
type Layer struct {
	rdb     redis.UniversalClient
	cb      *gobreaker.CircuitBreaker[any]
	opts    Options
	live    sync.Map // streamID -> *atomic.Int64
	recent  sync.Map // streamID -> *recentBuffer
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a cache layer.
func New(rdb redis.UniversalClient, opts Options, m *metrics.Metrics, logger *zap.Logger) *Layer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	opts = opts.withDefaults()
	l := &Layer{rdb: rdb, opts: opts, metrics: m, logger: logger}
	l.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "cache-redis",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.TripAfter
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			m.SetCacheBreakerOpen(to == gobreaker.StateOpen)
		},
	})
	return l
}

// Available reports whether remote calls are currently attempted.
func (l *Layer) Available() bool {
	return l.rdb != nil && l.cb.State() != gobreaker.StateOpen
}

func (l *Layer) remote(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if l.rdb == nil {
		return nil, ErrUnavailable
	}
	v, err := l.cb.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, l.opts.OpTimeout)
		defer cancel()
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, err
}

func (l *Layer) record(op string, err error) {
	switch {
	case err == nil:
		l.metrics.CacheRequest(op, "ok")
	case errors.Is(err, redis.Nil):
		l.metrics.CacheRequest(op, "miss")
	case errors.Is(err, ErrUnavailable):
		l.metrics.CacheRequest(op, "unavailable")
	default:
		l.metrics.CacheRequest(op, "error")
	}
}

// Set JSON-encodes value under key.
func (l *Layer) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}
	_, err = l.remote(ctx, func(ctx context.Context) (any, error) {
		return nil, l.rdb.Set(ctx, key, raw, ttl).Err()
	})
	l.record("set", err)
	return err
}

// Get decodes the value under key into dst. Absent, expired, undecodable and unavailable all read as a miss.
func (l *Layer) Get(ctx context.Context, key string, dst any) bool {
	v, err := l.remote(ctx, func(ctx context.Context) (any, error) {
		return l.rdb.Get(ctx, key).Bytes()
	})
	if err != nil {
		l.record("get", err)
		if !errors.Is(err, redis.Nil) && !errors.Is(err, ErrUnavailable) {
			l.logger.Debug("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(v.([]byte), dst); err != nil {
		l.metrics.CacheRequest("get", "miss")
		l.logger.Debug("cache value undecodable", zap.String("key", key), zap.Error(err))
		return false
	}
	l.metrics.CacheRequest("get", "hit")
	return true
}

// Invalidate deletes key.
func (l *Layer) Invalidate(ctx context.Context, key string) error {
	_, err := l.remote(ctx, func(ctx context.Context) (any, error) {
		return nil, l.rdb.Del(ctx, key).Err()
	})
	l.record("invalidate", err)
	return err
}

// LiveViewerKey is the Redis key mirroring a stream's live viewer count.
func LiveViewerKey(streamID string) string { return "live:viewers:" + streamID }

// RecentMetricsKey is the Redis list of a stream's recent quality points.
func RecentMetricsKey(streamID string) string { return "live:quality:" + streamID }

func (l *Layer) counter(streamID string) *atomic.Int64 {
	if v, ok := l.live.Load(streamID); ok {
		return v.(*atomic.Int64)
	}
	v, _ := l.live.LoadOrStore(streamID, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// SetLiveViewerCount stores a stream's live count in the local tier. It never blocks on the network;
// SyncLiveCounts mirrors the local counts to Redis.
func (l *Layer) SetLiveViewerCount(streamID string, n int) {
	l.counter(streamID).Store(int64(n))
}

// GetLiveViewerCount reads the local count, falling back to the Redis mirror written by another instance.
func (l *Layer) GetLiveViewerCount(ctx context.Context, streamID string) int {
	if v, ok := l.live.Load(streamID); ok {
		l.metrics.CacheRequest("live_count", "hit")
		return int(v.(*atomic.Int64).Load())
	}
	v, err := l.remote(ctx, func(ctx context.Context) (any, error) {
		return l.rdb.Get(ctx, LiveViewerKey(streamID)).Result()
	})
	if err != nil {
		l.record("live_count", err)
		return 0
	}
	n, err := strconv.Atoi(v.(string))
	if err != nil {
		l.metrics.CacheRequest("live_count", "miss")
		return 0
	}
	l.metrics.CacheRequest("live_count", "hit")
	return n
}

// LiveCounts returns a snapshot of every local live count.
func (l *Layer) LiveCounts() map[string]int {
	out := make(map[string]int)
	l.live.Range(func(k, v any) bool {
		out[k.(string)] = int(v.(*atomic.Int64).Load())
		return true
	})
	return out
}

// SyncLiveCounts mirrors local live counts to Redis in one pipeline. Zero counts are deleted.
func (l *Layer) SyncLiveCounts(ctx context.Context) error {
	counts := l.LiveCounts()
	if len(counts) == 0 {
		return nil
	}
	_, err := l.remote(ctx, func(ctx context.Context) (any, error) {
		_, err := l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for id, n := range counts {
				if n == 0 {
					pipe.Del(ctx, LiveViewerKey(id))
					continue
				}
				pipe.Set(ctx, LiveViewerKey(id), n, liveCountTTL)
			}
			return nil
		})
		return nil, err
	})
	l.record("sync_live", err)
	return err
}

func (l *Layer) recentBuffer(streamID string) *recentBuffer {
	if v, ok := l.recent.Load(streamID); ok {
		return v.(*recentBuffer)
	}
	v, _ := l.recent.LoadOrStore(streamID, &recentBuffer{points: ring.New[models.QualityPoint](l.opts.RecentCapacity)})
	return v.(*recentBuffer)
}

// PushQualityPoint appends to the stream's recent points and mirrors the point to a capped Redis list.
// Remote failures are logged, never returned.
func (l *Layer) PushQualityPoint(ctx context.Context, p models.QualityPoint) {
	buf := l.recentBuffer(p.StreamID)
	buf.mu.Lock()
	buf.points.Push(p)
	buf.mu.Unlock()

	if l.rdb == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	key := RecentMetricsKey(p.StreamID)
	_, err = l.remote(ctx, func(ctx context.Context) (any, error) {
		_, err := l.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, raw)
			pipe.LTrim(ctx, key, int64(-l.opts.RecentCapacity), -1)
			pipe.Expire(ctx, key, recentTTL)
			return nil
		})
		return nil, err
	})
	l.record("push_quality", err)
	if err != nil && !errors.Is(err, ErrUnavailable) {
		l.logger.Debug("mirror quality point failed", zap.String("stream_id", p.StreamID), zap.Error(err))
	}
}

// GetRecentMetrics yields at most n of the stream's most recent quality points, oldest first.
// Each iteration works on a fresh snapshot, so concurrent pushes never tear a pass.
func (l *Layer) GetRecentMetrics(streamID string, n int) iter.Seq[models.QualityPoint] {
	return func(yield func(models.QualityPoint) bool) {
		v, ok := l.recent.Load(streamID)
		if !ok || n <= 0 {
			return
		}
		buf := v.(*recentBuffer)
		buf.mu.Lock()
		points := buf.points.Tail(n)
		buf.mu.Unlock()
		for _, p := range points {
			if !yield(p) {
				return
			}
		}
	}
}

// RemoteRecentMetrics reads a stream's recent points from Redis, for streams served by another instance.
func (l *Layer) RemoteRecentMetrics(ctx context.Context, streamID string, n int) ([]models.QualityPoint, error) {
	if n <= 0 {
		return nil, nil
	}
	v, err := l.remote(ctx, func(ctx context.Context) (any, error) {
		return l.rdb.LRange(ctx, RecentMetricsKey(streamID), int64(-n), -1).Result()
	})
	l.record("recent_remote", err)
	if err != nil {
		return nil, err
	}
	raw := v.([]string)
	out := make([]models.QualityPoint, 0, len(raw))
	for _, s := range raw {
		var p models.QualityPoint
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Forget drops a stream's local entries and deletes its Redis live count mirror, so no instance keeps
// reporting viewers for it. The local entries go even when Redis fails.
func (l *Layer) Forget(ctx context.Context, streamID string) error {
	l.live.Delete(streamID)
	l.recent.Delete(streamID)
	if l.rdb == nil {
		return nil
	}
	_, err := l.remote(ctx, func(ctx context.Context) (any, error) {
		return nil, l.rdb.Del(ctx, LiveViewerKey(streamID)).Err()
	})
	l.record("forget", err)
	return err
}

// OnStreamTransition forgets a stream once it has ended. Registered after the tracker, it runs once the
// stream's sessions are closed and its count is zero.
func (l *Layer) OnStreamTransition(state models.StreamState, _ models.StreamStatus) {
	if state.Status != models.StreamEnded {
		return
	}
	if err := l.Forget(context.Background(), state.ID); err != nil {
		l.logger.Warn("clear live count mirror failed", zap.String("stream_id", state.ID), zap.Error(err))
	}
}
