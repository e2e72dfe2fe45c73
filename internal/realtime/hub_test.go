package realtime

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruvz/streaming-analytics/internal/models"
	"github.com/cruvz/streaming-analytics/internal/sessions"
)

func decode[T any](t *testing.T, m Message) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(m.Data, &v))
	return v
}

func TestQueueKeepsNewestMessages(t *testing.T) {
	h := NewHub(64, nil, nil)
	sub := h.Subscribe("c1", StreamScope("S1"))

	for i := 0; i < 100; i++ {
		h.Publish(StreamScope("S1"), TypeStreamStats, i)
	}

	got := sub.Subscriber().Drain()
	require.Len(t, got, 64)
	for i, m := range got {
		assert.Equal(t, 36+i, decode[int](t, m))
	}
	assert.Equal(t, int64(36), sub.Subscriber().Dropped())
	assert.Empty(t, sub.Subscriber().Drain())
}

func TestPublishRoutesByScope(t *testing.T) {
	h := NewHub(8, nil, nil)
	stream := h.Subscribe("c1", StreamScope("S1"))
	other := h.Subscribe("c2", StreamScope("S2"))
	owner := h.Subscribe("c3", UserScope("u1"))

	h.OnViewerDelta(sessions.Delta{Type: sessions.EventViewerJoined, StreamID: "S1", OwnerID: "u1", Current: 1})

	assert.Equal(t, 1, stream.Subscriber().Pending())
	assert.Zero(t, other.Subscriber().Pending())
	msgs := owner.Subscriber().Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeViewerJoined, msgs[0].Type)
	assert.Equal(t, 1, decode[sessions.Delta](t, msgs[0]).Current)
}

func TestCancelIsIdempotent(t *testing.T) {
	h := NewHub(8, nil, nil)
	a := h.Subscribe("c1", StreamScope("S1"))
	b := h.Subscribe("c1", GlobalScope())

	a.Cancel()
	a.Cancel()
	assert.Zero(t, h.Publish(StreamScope("S1"), TypeStreamStats, nil))
	assert.Equal(t, 1, h.Publish(GlobalScope(), TypeStreamStatus, nil))
	assert.Empty(t, h.ActiveScopes(ScopeStream))

	b.Cancel()
	// still connected, so broadcasts reach it
	assert.Equal(t, 1, h.Broadcast(TypeGlobalSnapshot, GlobalSnapshot{}))
	assert.Equal(t, 1, h.Clients())

	h.Disconnect("c1", nil)
	assert.Zero(t, h.Clients())
	assert.NoError(t, b.Subscriber().Err())
	b.Cancel()
}

func TestPumpDropsUnresponsiveSubscriber(t *testing.T) {
	h := NewHub(8, nil, nil)
	slow := h.Subscribe("slow", GlobalScope()).Subscriber()
	fast := h.Subscribe("fast", GlobalScope()).Subscriber()

	done := make(chan error, 1)
	go func() {
		done <- h.Pump(context.Background(), slow, func(Message) error {
			return errors.New("i/o timeout")
		})
	}()

	h.Publish(GlobalScope(), TypeQualityAlert, "x")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSubscriberUnresponsive)
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not return")
	}
	<-slow.Done()
	assert.ErrorIs(t, slow.Err(), ErrSubscriberUnresponsive)
	assert.Equal(t, 1, h.Clients())

	h.Publish(GlobalScope(), TypeQualityAlert, "y")
	assert.Len(t, fast.Drain(), 2)
}

func TestPublishDoesNotWaitForSlowConsumers(t *testing.T) {
	h := NewHub(4, nil, nil)
	sub := h.Subscribe("c1", GlobalScope()).Subscriber()
	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = h.Pump(ctx, sub, func(Message) error {
			<-release
			return nil
		})
	}()

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish(GlobalScope(), TypeStreamStats, i)
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}
	close(release)
}

func TestPumpDeliversInOrder(t *testing.T) {
	h := NewHub(64, nil, nil)
	sub := h.Subscribe("c1", StreamScope("S1")).Subscriber()

	var (
		mu  sync.Mutex
		got []int
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = h.Pump(ctx, sub, func(m Message) error {
			mu.Lock()
			got = append(got, decode[int](t, m))
			mu.Unlock()
			return nil
		})
	}()
	for i := 0; i < 10; i++ {
		h.Publish(StreamScope("S1"), TypeStreamStats, i)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

type forwardLog struct {
	mu   sync.Mutex
	msgs []string
}

func (f *forwardLog) Forward(scope Scope, m Message) {
	f.mu.Lock()
	f.msgs = append(f.msgs, scope.String()+" "+m.Type)
	f.mu.Unlock()
}

func TestPublishForwardsButTickStaysLocal(t *testing.T) {
	h := NewHub(8, nil, nil)
	fwd := &forwardLog{}
	h.SetBridge(fwd)
	h.Subscribe("c1", StreamScope("S1"))

	h.OnStreamTransition(models.StreamState{ID: "S1", OwnerID: "u1", Status: models.StreamActive}, models.StreamInactive)
	h.Broadcast(TypeGlobalSnapshot, GlobalSnapshot{})

	assert.Equal(t, []string{"stream:S1 stream_status", "user:u1 stream_status", "global stream_status"}, fwd.msgs)
}

func TestBridgeSkipsOwnEchoes(t *testing.T) {
	h := NewHub(8, nil, nil)
	sub := h.Subscribe("c1", StreamScope("S1")).Subscriber()
	b := NewRedisBridge(nil, h.Deliver, nil)

	m, err := NewMessage(TypeViewerLeft, map[string]int{"current_viewers": 2})
	require.NoError(t, err)
	encode := func(origin string, scope Scope) string {
		raw, err := json.Marshal(bridgePayload{Origin: origin, Scope: scope, Message: m})
		require.NoError(t, err)
		return string(raw)
	}

	b.receive(encode(b.Origin(), StreamScope("S1")))
	assert.Zero(t, sub.Pending())

	b.receive(encode("other-instance", StreamScope("S1")))
	b.receive(encode("other-instance", Scope{Kind: "bogus"}))
	b.receive("{not json")
	msgs := sub.Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeViewerLeft, msgs[0].Type)
}

func TestBridgeForwardNeverBlocks(t *testing.T) {
	b := NewRedisBridge(nil, func(Scope, Message) int { return 0 }, nil)
	for i := 0; i < outboxSize+10; i++ {
		b.Forward(GlobalScope(), Message{Type: fmt.Sprint(i)})
	}
	assert.Len(t, b.outbox, outboxSize)
}

type fakeStreams map[string]models.StreamState

func (f fakeStreams) Get(id string) (models.StreamState, bool) {
	s, ok := f[id]
	return s, ok
}

func (f fakeStreams) Active() []models.StreamState {
	var out []models.StreamState
	for _, s := range f {
		if s.Status == models.StreamActive {
			out = append(out, s)
		}
	}
	return out
}

type fakeLive map[string]int

func (f fakeLive) GetLiveViewerCount(_ context.Context, id string) int { return f[id] }

func (f fakeLive) GetRecentMetrics(id string, _ int) iter.Seq[models.QualityPoint] {
	return func(yield func(models.QualityPoint) bool) {
		if id == "S1" {
			if !yield(models.QualityPoint{Bitrate: 3000, LatencyMs: 80}) {
				return
			}
			yield(models.QualityPoint{Bitrate: 2000, LatencyMs: 40})
		}
	}
}

func TestSnapshotterTick(t *testing.T) {
	h := NewHub(8, nil, nil)
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	streams := fakeStreams{
		"S1": {ID: "S1", Status: models.StreamActive, PeakViewers: 5, StartedAt: &started},
		"S2": {ID: "S2", Status: models.StreamActive},
		"S3": {ID: "S3", Status: models.StreamEnded},
	}
	s := NewSnapshotter(h, streams, fakeLive{"S1": 3, "S2": 4})
	s.now = func() time.Time { return started.Add(90 * time.Second) }

	idle := h.Connect("idle")
	watcher := h.Subscribe("watcher", StreamScope("S1")).Subscriber()

	require.NoError(t, s.Tick(context.Background()))

	idleMsgs := idle.Drain()
	require.Len(t, idleMsgs, 1)
	snap := decode[GlobalSnapshot](t, idleMsgs[0])
	assert.Equal(t, 2, snap.ActiveStreams)
	assert.Equal(t, 7, snap.TotalViewers)

	msgs := watcher.Drain()
	require.Len(t, msgs, 2)
	assert.Equal(t, TypeGlobalSnapshot, msgs[0].Type)
	assert.Equal(t, TypeStreamStats, msgs[1].Type)
	stats := decode[StreamStats](t, msgs[1])
	assert.Equal(t, StreamStats{
		StreamID:     "S1",
		Status:       models.StreamActive,
		LiveViewers:  3,
		PeakViewers:  5,
		AvgBitrate:   2500,
		AvgLatencyMs: 60,
		Uptime:       90,
	}, stats)
}
