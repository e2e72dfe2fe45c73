package streams

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cruvz/streaming-analytics/internal/models"
)

var (
	ErrUnknownStream      = errors.New("unknown stream")
	ErrStreamExists       = errors.New("stream already registered")
	ErrStreamNotAccepting = errors.New("stream is not accepting viewers")
	ErrInvalidTransition  = errors.New("invalid stream status transition")
)

// persistTimeout bounds write-through of lifecycle changes.
const persistTimeout = 5 * time.Second

// Store persists stream lifecycle state.
type Store interface {
	Upsert(ctx context.Context, s models.StreamState) error
	LoadAll(ctx context.Context) ([]models.StreamState, error)
	UpdatePeakViewers(ctx context.Context, id string, peak int) error
}

// TransitionHandler is called after a status change, outside the stream lock.
type TransitionHandler func(state models.StreamState, from models.StreamStatus)

type entry struct {
	mu    sync.Mutex
	state models.StreamState
}

// Registry holds StreamState records. Each stream has its own lock so unrelated streams never contend.
type Registry struct {
	entries sync.Map // id -> *entry
	store   Store
	logger  *zap.Logger
	now     func() time.Time

	hooksMu sync.RWMutex
	hooks   []TransitionHandler
}

// NewRegistry creates a registry. store may be nil for a purely in-memory registry.
func NewRegistry(store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, logger: logger, now: time.Now}
}

// Load seeds the registry from the store. Live viewer counts start at zero.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	list, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load streams: %w", err)
	}
	for _, s := range list {
		s.CurrentViewers = 0
		r.entries.Store(s.ID, &entry{state: s})
	}
	r.logger.Info("stream registry loaded", zap.Int("streams", len(list)))
	return nil
}

// OnTransition registers a handler for status changes.
func (r *Registry) OnTransition(fn TransitionHandler) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Register creates an inactive stream.
func (r *Registry) Register(ctx context.Context, id, ownerID, title string) (models.StreamState, error) {
	if id == "" {
		return models.StreamState{}, fmt.Errorf("%w: empty id", ErrUnknownStream)
	}
	e := &entry{state: models.StreamState{
		ID:        id,
		OwnerID:   ownerID,
		Title:     title,
		Status:    models.StreamInactive,
		CreatedAt: r.now().UTC(),
	}}
	if _, loaded := r.entries.LoadOrStore(id, e); loaded {
		return models.StreamState{}, ErrStreamExists
	}
	r.persist(ctx, e.state)
	return e.state, nil
}

// WithStream runs fn with the stream's lock held. fn may mutate the state in place.
func (r *Registry) WithStream(id string, fn func(*models.StreamState) error) error {
	v, ok := r.entries.Load(id)
	if !ok {
		return ErrUnknownStream
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(&e.state)
}

// Get returns a copy of the stream state.
func (r *Registry) Get(id string) (models.StreamState, bool) {
	var out models.StreamState
	err := r.WithStream(id, func(s *models.StreamState) error {
		out = *s
		return nil
	})
	return out, err == nil
}

// List returns copies of all streams ordered by id.
func (r *Registry) List() []models.StreamState {
	var out []models.StreamState
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns copies of streams currently in the active status.
func (r *Registry) Active() []models.StreamState {
	var out []models.StreamState
	for _, s := range r.List() {
		if s.Status == models.StreamActive {
			out = append(out, s)
		}
	}
	return out
}

// Start moves an inactive stream to active.
func (r *Registry) Start(ctx context.Context, id string) (models.StreamState, error) {
	return r.transition(ctx, id, func(s *models.StreamState, now time.Time) error {
		if s.Status != models.StreamInactive {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, models.StreamActive)
		}
		s.Status = models.StreamActive
		s.StartedAt = &now
		return nil
	})
}

// Stop ends an active or failed stream. Ended is terminal.
func (r *Registry) Stop(ctx context.Context, id string) (models.StreamState, error) {
	return r.transition(ctx, id, func(s *models.StreamState, now time.Time) error {
		if s.Status != models.StreamActive && s.Status != models.StreamError {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, models.StreamEnded)
		}
		s.Status = models.StreamEnded
		s.EndedAt = &now
		s.RecoveryArmed = false
		return nil
	})
}

// Fail records an externally reported failure and arms exactly one recovery.
func (r *Registry) Fail(ctx context.Context, id, reason string) (models.StreamState, error) {
	return r.transition(ctx, id, func(s *models.StreamState, _ time.Time) error {
		if s.Status != models.StreamActive {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, models.StreamError)
		}
		s.Status = models.StreamError
		s.FailureReason = reason
		s.RecoveryArmed = true
		return nil
	})
}

// Recover returns a failed stream to active, consuming the recovery armed by its failure.
func (r *Registry) Recover(ctx context.Context, id string) (models.StreamState, error) {
	return r.transition(ctx, id, func(s *models.StreamState, _ time.Time) error {
		if s.Status != models.StreamError || !s.RecoveryArmed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, models.StreamActive)
		}
		s.Status = models.StreamActive
		s.RecoveryArmed = false
		s.FailureReason = ""
		return nil
	})
}

func (r *Registry) transition(ctx context.Context, id string, apply func(*models.StreamState, time.Time) error) (models.StreamState, error) {
	var (
		after models.StreamState
		from  models.StreamStatus
	)
	err := r.WithStream(id, func(s *models.StreamState) error {
		from = s.Status
		if err := apply(s, r.now().UTC()); err != nil {
			return err
		}
		after = *s
		return nil
	})
	if err != nil {
		return models.StreamState{}, err
	}
	r.logger.Info("stream status changed",
		zap.String("stream_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(after.Status)),
	)
	r.hooksMu.RLock()
	hooks := append([]TransitionHandler(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, h := range hooks {
		h(after, from)
	}
	// Hooks may have changed counters (e.g. sessions closed on stop); persist the latest copy.
	if latest, ok := r.Get(id); ok {
		after = latest
	}
	r.persist(ctx, after)
	return after, nil
}

// SyncPeaks writes peak viewer counts of active streams to the store.
func (r *Registry) SyncPeaks(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	var errs []error
	for _, s := range r.Active() {
		if err := r.store.UpdatePeakViewers(ctx, s.ID, s.PeakViewers); err != nil {
			errs = append(errs, fmt.Errorf("stream %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) persist(ctx context.Context, s models.StreamState) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.store.Upsert(ctx, s); err != nil {
		r.logger.Warn("persist stream state failed", zap.String("stream_id", s.ID), zap.Error(err))
	}
}
