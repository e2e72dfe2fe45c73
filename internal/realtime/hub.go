// Package realtime fans live analytics out to dashboard clients over WebSocket.
package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/cruvz/streaming-analytics/internal/metrics"
	"github.com/cruvz/streaming-analytics/pkg/ring"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second
	// WriteWait bounds a single write to a client; a slower client is dropped.
	WriteWait = time.Second

	DefaultQueueCapacity = 64
)

// Message types pushed to clients.
const (
	TypeViewerJoined   = "viewer_joined"
	TypeViewerLeft     = "viewer_left"
	TypeStreamStatus   = "stream_status"
	TypeStreamStats    = "stream_stats"
	TypeGlobalSnapshot = "global_snapshot"
	TypeQualityAlert   = "quality_alert"
)

var ErrSubscriberUnresponsive = errors.New("subscriber unresponsive")

// ScopeKind selects what a subscription listens to.
type ScopeKind string

const (
	ScopeUser   ScopeKind = "user"
	ScopeStream ScopeKind = "stream"
	ScopeGlobal ScopeKind = "global"
)

// Scope is a subscription target. Global scopes have no ID.
type Scope struct {
	Kind ScopeKind `json:"scope"`
	ID   string    `json:"id,omitempty"`
}

func UserScope(id string) Scope   { return Scope{Kind: ScopeUser, ID: id} }
func StreamScope(id string) Scope { return Scope{Kind: ScopeStream, ID: id} }
func GlobalScope() Scope          { return Scope{Kind: ScopeGlobal} }

func (s Scope) String() string {
	if s.Kind == ScopeGlobal {
		return string(s.Kind)
	}
	return string(s.Kind) + ":" + s.ID
}

// Valid reports whether the scope is well formed.
func (s Scope) Valid() bool {
	switch s.Kind {
	case ScopeGlobal:
		return s.ID == ""
	case ScopeUser, ScopeStream:
		return s.ID != ""
	}
	return false
}

// Message is the envelope pushed to clients.
type Message struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage encodes data into an envelope stamped with the current time.
func NewMessage(msgType string, data any) (Message, error) {
	m := Message{Type: msgType, Timestamp: time.Now().UTC()}
	if data == nil {
		return m, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	m.Data = raw
	return m, nil
}

// Subscriber is one connected client with a bounded outbound queue. When the queue is full the oldest
// message is dropped.
type Subscriber struct {
	ID string

	mu      sync.Mutex
	queue   *ring.Ring[Message]
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
	err     error
	dropped atomic.Int64
}

func newSubscriber(id string, capacity int) *Subscriber {
	return &Subscriber{
		ID:     id,
		queue:  ring.New[Message](capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Subscriber) enqueue(m Message) (evicted bool) {
	s.mu.Lock()
	evicted = s.queue.Push(m)
	s.mu.Unlock()
	if evicted {
		s.dropped.Add(1)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return evicted
}

// Drain removes and returns every queued message, oldest first.
func (s *Subscriber) Drain() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue.Snapshot()
	for s.queue.Len() > 0 {
		s.queue.PopFront()
	}
	return out
}

// Pending returns the queue length.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Notify receives a signal after messages are queued.
func (s *Subscriber) Notify() <-chan struct{} { return s.notify }

// Done is closed when the subscriber is disconnected.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Err returns why the subscriber was disconnected, if it was dropped.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped counts messages evicted by overflow.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

func (s *Subscriber) close(cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		close(s.done)
	})
}

// Subscription is a cancellable registration of a client for a scope.
type Subscription struct {
	hub   *Hub
	sub   *Subscriber
	scope Scope
	once  sync.Once
}

func (s *Subscription) Scope() Scope            { return s.scope }
func (s *Subscription) Subscriber() *Subscriber { return s.sub }

// Cancel removes the registration. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.hub.unsubscribe(s.sub.ID, s.scope) })
}

// Bridge forwards published messages to other instances.
type Bridge interface {
	Forward(scope Scope, m Message)
}

// Hub routes messages to subscribers by scope. Publishing never blocks on a subscriber.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Subscriber
	scopes  map[Scope]map[string]*Subscriber
	member  map[string]map[Scope]struct{}

	bridge   Bridge
	capacity int
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewHub creates a hub whose subscribers queue at most capacity messages.
func NewHub(capacity int, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Hub{
		clients:  make(map[string]*Subscriber),
		scopes:   make(map[Scope]map[string]*Subscriber),
		member:   make(map[string]map[Scope]struct{}),
		capacity: capacity,
		metrics:  m,
		logger:   logger,
	}
}

// SetBridge installs the cross-instance bridge. Call before serving traffic.
func (h *Hub) SetBridge(b Bridge) {
	h.mu.Lock()
	h.bridge = b
	h.mu.Unlock()
}

// Connect registers a client, returning the existing subscriber when already connected.
func (h *Hub) Connect(clientID string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectLocked(clientID)
}

func (h *Hub) connectLocked(clientID string) *Subscriber {
	if s, ok := h.clients[clientID]; ok {
		return s
	}
	s := newSubscriber(clientID, h.capacity)
	h.clients[clientID] = s
	h.member[clientID] = make(map[Scope]struct{})
	h.metrics.SetHubSubscribers(len(h.clients))
	return s
}

// Subscribe registers clientID for scope, connecting it first if needed.
func (h *Hub) Subscribe(clientID string, scope Scope) *Subscription {
	h.mu.Lock()
	s := h.connectLocked(clientID)
	set, ok := h.scopes[scope]
	if !ok {
		set = make(map[string]*Subscriber)
		h.scopes[scope] = set
	}
	set[clientID] = s
	h.member[clientID][scope] = struct{}{}
	h.mu.Unlock()
	return &Subscription{hub: h, sub: s, scope: scope}
}

func (h *Hub) unsubscribe(clientID string, scope Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.scopes[scope]; ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(h.scopes, scope)
		}
	}
	if m, ok := h.member[clientID]; ok {
		delete(m, scope)
	}
}

// Disconnect removes a client and all its subscriptions. cause is nil for a normal close.
func (h *Hub) Disconnect(clientID string, cause error) {
	h.mu.Lock()
	s, ok := h.clients[clientID]
	if ok {
		for scope := range h.member[clientID] {
			if set := h.scopes[scope]; set != nil {
				delete(set, clientID)
				if len(set) == 0 {
					delete(h.scopes, scope)
				}
			}
		}
		delete(h.member, clientID)
		delete(h.clients, clientID)
		h.metrics.SetHubSubscribers(len(h.clients))
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	s.close(cause)
	if errors.Is(cause, ErrSubscriberUnresponsive) {
		h.metrics.HubSubscriberDropped()
		h.logger.Info("dropped unresponsive subscriber", zap.String("client_id", clientID), zap.Error(cause))
	}
}

// Publish delivers data to every local subscriber of scope and forwards it to other instances.
// It returns the number of local subscribers reached.
func (h *Hub) Publish(scope Scope, msgType string, data any) int {
	m, err := NewMessage(msgType, data)
	if err != nil {
		h.logger.Warn("encode hub message failed", zap.String("type", msgType), zap.Error(err))
		return 0
	}
	n := h.Deliver(scope, m)
	h.mu.RLock()
	b := h.bridge
	h.mu.RUnlock()
	if b != nil {
		b.Forward(scope, m)
	}
	return n
}

// Deliver queues m for the local subscribers of scope only.
func (h *Hub) Deliver(scope Scope, m Message) int {
	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.scopes[scope]))
	for _, s := range h.scopes[scope] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	h.fanOut(targets, m)
	return len(targets)
}

// Broadcast queues a message for every connected local client, subscribed or not.
func (h *Hub) Broadcast(msgType string, data any) int {
	m, err := NewMessage(msgType, data)
	if err != nil {
		h.logger.Warn("encode hub message failed", zap.String("type", msgType), zap.Error(err))
		return 0
	}
	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.clients))
	for _, s := range h.clients {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	h.fanOut(targets, m)
	return len(targets)
}

func (h *Hub) fanOut(targets []*Subscriber, m Message) {
	for _, s := range targets {
		if s.enqueue(m) {
			h.metrics.HubDropped()
		}
	}
	if len(targets) > 0 {
		h.metrics.HubPublished()
	}
}

// ActiveScopes lists the scopes of a kind that have at least one local subscriber.
func (h *Hub) ActiveScopes(kind ScopeKind) []Scope {
	h.mu.RLock()
	out := make([]Scope, 0, len(h.scopes))
	for s := range h.scopes {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Pump writes queued messages for s until ctx ends or s is disconnected. A failed write drops the
// client with ErrSubscriberUnresponsive. write must enforce its own deadline.
func (h *Hub) Pump(ctx context.Context, s *Subscriber, write func(Message) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Done():
			return s.Err()
		case <-s.Notify():
			for _, m := range s.Drain() {
				if err := write(m); err != nil {
					cause := errors.Join(ErrSubscriberUnresponsive, err)
					h.Disconnect(s.ID, cause)
					return cause
				}
			}
		}
	}
}
