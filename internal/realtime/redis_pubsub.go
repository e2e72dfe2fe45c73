package realtime

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
	// BroadcastChannel carries hub messages between instances.
	BroadcastChannel = "analytics:broadcast"

	publishTimeout = time.Second
	outboxSize     = 1024
)

// bridgePayload is the message published to Redis for cross-instance delivery.
type bridgePayload struct {
	Origin  string  `json:"origin"`
	Scope   Scope   `json:"scope"`
	Message Message `json:"message"`
}

type outbound struct {
	scope Scope
	msg   Message
}

// RedisBridge relays hub messages through Redis pub/sub. Messages published by this instance are tagged
// with its origin and skipped when they echo back.
type RedisBridge struct {
	client  redis.UniversalClient
	origin  string
	deliver func(Scope, Message) int
	outbox  chan outbound
	logger  *zap.Logger
}

// NewRedisBridge creates a bridge that hands foreign messages to deliver.
func NewRedisBridge(client redis.UniversalClient, deliver func(Scope, Message) int, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:  client,
		origin:  uuid.NewString(),
		deliver: deliver,
		outbox:  make(chan outbound, outboxSize),
		logger:  logger,
	}
}

// Origin identifies this instance on the channel.
func (b *RedisBridge) Origin() string { return b.origin }

// Forward queues a message for publication. It never blocks; a full outbox drops the message.
func (b *RedisBridge) Forward(scope Scope, m Message) {
	select {
	case b.outbox <- outbound{scope: scope, msg: m}:
	default:
		b.logger.Debug("bridge outbox full, message dropped", zap.String("scope", scope.String()), zap.String("type", m.Type))
	}
}

// Serve subscribes to the broadcast channel and publishes the outbox until ctx ends.
func (b *RedisBridge) Serve(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, BroadcastChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", BroadcastChannel, err)
	}
	in := pubsub.Channel()
	b.logger.Info("hub bridge subscribed", zap.String("channel", BroadcastChannel), zap.String("origin", b.origin))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-b.outbox:
			if err := b.publish(ctx, out); err != nil {
				b.logger.Warn("bridge publish failed", zap.String("scope", out.scope.String()), zap.Error(err))
			}
		case msg, ok := <-in:
			if !ok {
				return errors.New("bridge subscription closed")
			}
			b.receive(msg.Payload)
		}
	}
}

func (b *RedisBridge) publish(ctx context.Context, out outbound) error {
	body, err := json.Marshal(bridgePayload{Origin: b.origin, Scope: out.scope, Message: out.msg})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return b.client.Publish(ctx, BroadcastChannel, body).Err()
}

func (b *RedisBridge) receive(payload string) {
	var p bridgePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		b.logger.Debug("bridge payload undecodable", zap.Error(err))
		return
	}
	if p.Origin == b.origin || !p.Scope.Valid() {
		return
	}
	b.deliver(p.Scope, p.Message)
}
