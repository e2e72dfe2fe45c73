// Package scheduler runs the pipeline's periodic tasks and long-lived workers under a suture supervisor.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"github.com/cruvz/streaming-analytics/internal/metrics"
)

const defaultFinalTimeout = 15 * time.Second

// Task is a job run on a fixed interval.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	// Final runs once on shutdown with a context detached from the cancelled one.
	Final        func(ctx context.Context) error
	FinalTimeout time.Duration
}

// Config tunes the supervisor's restart policy.
type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = 30
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 5 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 20 * time.Second
	}
	return c
}

// Scheduler owns the supervisor tree.
type Scheduler struct {
	sup     *suture.Supervisor
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a scheduler.
func New(cfg Config, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	cfg = cfg.withDefaults()
	sup := suture.New("analytics-scheduler", suture.Spec{
		EventHook:        eventHook(logger),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
	return &Scheduler{sup: sup, metrics: m, logger: logger}
}

// AddTask supervises a periodic task.
func (s *Scheduler) AddTask(t Task) {
	if t.FinalTimeout <= 0 {
		t.FinalTimeout = defaultFinalTimeout
	}
	s.sup.Add(&periodic{task: t, metrics: s.metrics, logger: s.logger.With(zap.String("task", t.Name))})
}

// Add supervises a long-lived service.
func (s *Scheduler) Add(svc suture.Service) {
	s.sup.Add(svc)
}

// Serve runs every task until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	return s.sup.Serve(ctx)
}

type periodic struct {
	task    Task
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func (p *periodic) String() string { return p.task.Name }

// Serve ticks until ctx ends. A failed run is logged and counted; the next tick runs regardless.
func (p *periodic) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.final(ctx)
			return ctx.Err()
		case <-ticker.C:
			p.run(ctx, p.task.Run)
		}
	}
}

func (p *periodic) run(ctx context.Context, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	p.metrics.TaskRun(p.task.Name, err)
	if err != nil {
		p.logger.Warn("task failed", zap.Duration("took", time.Since(start)), zap.Error(err))
	}
}

func (p *periodic) final(ctx context.Context) {
	if p.task.Final == nil {
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.task.FinalTimeout)
	defer cancel()
	p.run(fctx, p.task.Final)
	p.logger.Info("final run complete")
}

// eventHook logs supervisor events through zap.
func eventHook(logger *zap.Logger) suture.EventHook {
	return func(e suture.Event) {
		fields := make([]zap.Field, 0, 8)
		for k, v := range e.Map() {
			fields = append(fields, zap.Any(k, v))
		}
		switch e.(type) {
		case suture.EventServicePanic:
			logger.Error("supervised service panicked", fields...)
		case suture.EventStopTimeout:
			logger.Error("supervised service did not stop in time", fields...)
		case suture.EventServiceTerminate, suture.EventBackoff:
			logger.Warn(e.String(), fields...)
		default:
			logger.Info(e.String(), fields...)
		}
	}
}

// Func adapts a function to suture.Service.
type Func struct {
	Name string
	Fn   func(ctx context.Context) error
}

func (f Func) Serve(ctx context.Context) error {
	if err := f.Fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", f.Name, err)
	}
	return nil
}

func (f Func) String() string { return f.Name }
