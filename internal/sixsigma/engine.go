package sixsigma

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cruvz/streaming-analytics/internal/metrics"
	"github.com/cruvz/streaming-analytics/internal/models"
)

const (
	// Bucket is the width of the time bucket observed samples are averaged over.
	Bucket = time.Minute

	DefaultAggregateTTL = 10 * time.Second
	DefaultAlertBelow   = 3
)

var (
	ErrInvalidMeasurement = errors.New("invalid measurement")
	ErrDuplicateMetric    = errors.New("quality metric already recorded")
)

// Store is the durable sigma time series.
type Store interface {
	// Insert appends m. A row with the same metric name and date is left unchanged and ErrDuplicateMetric
	// is returned.
	Insert(ctx context.Context, m models.QualityMetric) error
	Range(ctx context.Context, category string, from, to time.Time) ([]models.QualityMetric, error)
	Mean(ctx context.Context, category string, since time.Time) (float64, int, error)
}

// Cache is the shared cache used for aggregates.
type Cache interface {
	Get(ctx context.Context, key string, dst any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// Summary is the mean sigma level of a category over a window.
type Summary struct {
	Category   string  `json:"category"`
	Window     string  `json:"window"`
	SigmaLevel float64 `json:"sigma_level"`
	Samples    int     `json:"samples"`
}

// Options configures an Engine.
type Options struct {
	Targets      []Target
	AggregateTTL time.Duration
	AlertBelow   int
	// OnAlert is called for every evaluated metric whose sigma level is below AlertBelow.
	OnAlert func(models.QualityMetric)
}

type pendingKey struct {
	name   string
	bucket time.Time
}

type accum struct {
	sum   float64
	count int
}

type memo struct {
	summary Summary
	expires time.Time
}

// Engine evaluates measurements and serves sigma aggregates.
type Engine struct {
	targets map[string]Target
	store   Store
	cache   Cache
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[pendingKey]*accum

	memoMu sync.Mutex
	memos  map[string]memo
}

// NewEngine creates an engine. cache may be nil.
func NewEngine(store Store, cache Cache, opts Options, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	if len(opts.Targets) == 0 {
		opts.Targets = DefaultTargets()
	}
	if opts.AggregateTTL <= 0 {
		opts.AggregateTTL = DefaultAggregateTTL
	}
	if opts.AlertBelow <= 0 {
		opts.AlertBelow = DefaultAlertBelow
	}
	targets := make(map[string]Target, len(opts.Targets))
	for _, t := range opts.Targets {
		targets[t.Name] = t
	}
	return &Engine{
		targets: targets,
		store:   store,
		cache:   cache,
		opts:    opts,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		pending: make(map[pendingKey]*accum),
		memos:   make(map[string]memo),
	}
}

// Targets returns the declared targets sorted by name.
func (e *Engine) Targets() []Target {
	out := make([]Target, 0, len(e.targets))
	for _, t := range e.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) categoryOf(name string) string {
	if t, ok := e.targets[name]; ok && t.Category != "" {
		return t.Category
	}
	return CategoryGeneral
}

// Evaluate scores one measurement of a named metric, honouring the bound declared for it.
func (e *Engine) Evaluate(name string, value, target float64) models.QualityMetric {
	r := Target{Value: target, Bound: e.targets[name].Bound}.Score(value)
	return models.QualityMetric{
		MetricName: name,
		Category:   e.categoryOf(name),
		Value:      value,
		Target:     target,
		SigmaLevel: r.SigmaLevel,
		ErrorRate:  r.ErrorRate,
		DPMO:       r.DPMO,
		Date:       e.now().UTC(),
	}
}

// Observe accumulates a raw sample of a declared metric. Undeclared names and non-finite values are ignored.
func (e *Engine) Observe(name string, value float64) {
	if _, ok := e.targets[name]; !ok || math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	key := pendingKey{name: name, bucket: e.now().UTC().Truncate(Bucket)}
	e.mu.Lock()
	a, ok := e.pending[key]
	if !ok {
		a = &accum{}
		e.pending[key] = a
	}
	a.sum += value
	a.count++
	e.mu.Unlock()
}

// EvaluatePending evaluates the mean of every bucket closed by at and appends the results to the store.
// Buckets that fail to persist are kept and retried on the next call.
func (e *Engine) EvaluatePending(ctx context.Context, at time.Time) error {
	e.mu.Lock()
	due := make(map[pendingKey]accum)
	for k, a := range e.pending {
		if !k.bucket.Add(Bucket).After(at) {
			due[k] = *a
			delete(e.pending, k)
		}
	}
	e.mu.Unlock()

	var errs []error
	for k, a := range due {
		t := e.targets[k.name]
		m := e.Evaluate(k.name, a.sum/float64(a.count), t.Value)
		m.Date = k.bucket
		err := e.persist(ctx, m)
		switch {
		case errors.Is(err, ErrDuplicateMetric):
			e.logger.Debug("quality metric bucket already stored", zap.String("metric", k.name), zap.Time("bucket", k.bucket))
		case err != nil:
			errs = append(errs, err)
			e.requeue(k, a)
		}
	}
	if len(errs) > 0 {
		e.logger.Warn("quality metrics kept for retry", zap.Int("failed", len(errs)), zap.Int("due", len(due)))
	}
	return errors.Join(errs...)
}

func (e *Engine) requeue(k pendingKey, a accum) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.pending[k]
	if !ok {
		cur = &accum{}
		e.pending[k] = cur
	}
	cur.sum += a.sum
	cur.count += a.count
}

// Pending reports how many buckets await evaluation.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Record evaluates and stores one explicit measurement. An empty category falls back to the declared one.
// A measurement for a metric and time already stored fails with ErrDuplicateMetric and raises no alert.
func (e *Engine) Record(ctx context.Context, category, name string, value, target float64, at time.Time) (models.QualityMetric, error) {
	name = strings.TrimSpace(name)
	if name == "" || math.IsNaN(value) || math.IsInf(value, 0) || math.IsNaN(target) || math.IsInf(target, 0) {
		return models.QualityMetric{}, ErrInvalidMeasurement
	}
	m := e.Evaluate(name, value, target)
	if category != "" {
		m.Category = category
	}
	if !at.IsZero() {
		m.Date = at.UTC()
	}
	if err := e.persist(ctx, m); err != nil {
		return models.QualityMetric{}, err
	}
	return m, nil
}

func (e *Engine) persist(ctx context.Context, m models.QualityMetric) error {
	if err := e.store.Insert(ctx, m); err != nil {
		return fmt.Errorf("store quality metric %s: %w", m.MetricName, err)
	}
	e.metrics.SetSigmaLevel(m.MetricName, m.Category, m.SigmaLevel)
	e.invalidate(ctx, m.Category)
	if m.SigmaLevel < e.opts.AlertBelow && e.opts.OnAlert != nil {
		e.opts.OnAlert(m)
	}
	return nil
}

func (e *Engine) invalidate(ctx context.Context, category string) {
	e.memoMu.Lock()
	for k := range e.memos {
		if strings.HasPrefix(k, aggregatePrefix(category)) || strings.HasPrefix(k, aggregatePrefix("")) {
			delete(e.memos, k)
		}
	}
	e.memoMu.Unlock()
	if e.cache == nil {
		return
	}
	for _, w := range cachedWindows {
		_ = e.cache.Invalidate(ctx, aggregateKey(category, w))
		_ = e.cache.Invalidate(ctx, aggregateKey("", w))
	}
}

// cachedWindows are the aggregate windows shared through the remote cache.
var cachedWindows = []time.Duration{time.Hour, 24 * time.Hour, 7 * 24 * time.Hour}

func aggregatePrefix(category string) string {
	if category == "" {
		category = "all"
	}
	return "sixsigma:aggregate:" + category + ":"
}

func aggregateKey(category string, window time.Duration) string {
	return aggregatePrefix(category) + window.String()
}

func shared(window time.Duration) bool {
	for _, w := range cachedWindows {
		if w == window {
			return true
		}
	}
	return false
}

// Aggregate returns the mean sigma level of category over the trailing window. An empty category covers
// every category. Results are cached briefly and invalidated by writes.
func (e *Engine) Aggregate(ctx context.Context, category string, window time.Duration) (Summary, error) {
	key := aggregateKey(category, window)
	now := e.now()

	e.memoMu.Lock()
	if m, ok := e.memos[key]; ok && now.Before(m.expires) {
		e.memoMu.Unlock()
		return m.summary, nil
	}
	e.memoMu.Unlock()

	var s Summary
	if e.cache != nil && shared(window) && e.cache.Get(ctx, key, &s) {
		e.remember(key, s, now)
		return s, nil
	}

	mean, n, err := e.store.Mean(ctx, category, now.Add(-window))
	if err != nil {
		return Summary{}, fmt.Errorf("aggregate sigma level: %w", err)
	}
	s = Summary{
		Category:   category,
		Window:     window.String(),
		SigmaLevel: math.Round(mean*100) / 100,
		Samples:    n,
	}
	e.remember(key, s, now)
	if e.cache != nil && shared(window) {
		_ = e.cache.Set(ctx, key, s, e.opts.AggregateTTL)
	}
	return s, nil
}

func (e *Engine) remember(key string, s Summary, now time.Time) {
	e.memoMu.Lock()
	e.memos[key] = memo{summary: s, expires: now.Add(e.opts.AggregateTTL)}
	e.memoMu.Unlock()
}

// Series returns the metrics of category in the trailing window, oldest first.
func (e *Engine) Series(ctx context.Context, category string, window time.Duration) ([]models.QualityMetric, error) {
	now := e.now()
	list, err := e.store.Range(ctx, category, now.Add(-window), now)
	if err != nil {
		return nil, fmt.Errorf("load quality metrics: %w", err)
	}
	return list, nil
}
