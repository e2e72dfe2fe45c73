package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	DefaultQueue         = "media.analytics.events"
	DefaultPrefetch      = 64
	DefaultRetryMinDelay = time.Second
	DefaultRetryMaxDelay = 30 * time.Second
)

var errDeliveriesClosed = errors.New("amqp: delivery channel closed")

// Channel is the subset of *amqp.Channel used by the consumer.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// ConnectFunc opens a channel to the broker.
type ConnectFunc func(ctx context.Context, uri string) (Channel, error)

// ConsumerConfig configures the media-engine event consumer.
type ConsumerConfig struct {
	URI           string
	Queue         string
	ConsumerTag   string
	Prefetch      int
	RetryMinDelay time.Duration
	RetryMaxDelay time.Duration
}

// Consumer applies media-engine events from a queue. It runs as a supervised service
// and reconnects with backoff until its context ends.
type Consumer struct {
	cfg        ConsumerConfig
	connect    ConnectFunc
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewConsumer creates a consumer. A nil connect dials with amqp091.
func NewConsumer(cfg ConsumerConfig, connect ConnectFunc, d *Dispatcher, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if connect == nil {
		connect = Dial
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	if cfg.RetryMinDelay <= 0 {
		cfg.RetryMinDelay = DefaultRetryMinDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryMinDelay {
		cfg.RetryMaxDelay = max(DefaultRetryMaxDelay, cfg.RetryMinDelay)
	}
	return &Consumer{cfg: cfg, connect: connect, dispatcher: d, logger: logger}
}

func (c *Consumer) String() string { return "ingest-amqp" }

// Serve consumes until ctx is cancelled.
func (c *Consumer) Serve(ctx context.Context) error {
	delay := c.cfg.RetryMinDelay
	for {
		connected, err := c.run(ctx)
		if ctx.Err() != nil {
			c.logger.Info("amqp consumer stopped", zap.String("queue", c.cfg.Queue))
			return nil
		}
		if connected {
			delay = c.cfg.RetryMinDelay
		}
		c.logger.Warn("amqp consumer disconnected",
			zap.String("queue", c.cfg.Queue),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, c.cfg.RetryMaxDelay)
	}
}

func (c *Consumer) run(ctx context.Context) (bool, error) {
	ch, err := c.connect(ctx, c.cfg.URI)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return false, fmt.Errorf("qos: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return false, fmt.Errorf("declare queue %q: %w", c.cfg.Queue, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("consume %q: %w", c.cfg.Queue, err)
	}
	c.logger.Info("amqp consumer connected", zap.String("queue", c.cfg.Queue))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case aerr, ok := <-closed:
			if !ok || aerr == nil {
				return true, errDeliveriesClosed
			}
			return true, aerr
		case d, ok := <-deliveries:
			if !ok {
				return true, errDeliveriesClosed
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle applies one delivery and settles it. Successful and permanently rejected
// events are acked; transient failures are requeued.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("panic handling amqp delivery",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			c.settle(d.Nack(false, false))
		}
	}()

	ev, err := Decode(d.Body)
	if err == nil {
		_, err = c.dispatcher.Apply(ctx, ev, SourceAMQP)
	} else {
		c.dispatcher.metrics.IngestEvent(SourceAMQP, "invalid", "rejected")
		c.logger.Debug("dropping malformed amqp event", zap.Error(err))
	}
	if err == nil || IsPermanent(err) {
		c.settle(d.Ack(false))
		return
	}
	c.settle(d.Nack(false, true))
}

func (c *Consumer) settle(err error) {
	if err != nil {
		c.logger.Warn("failed to settle amqp delivery", zap.Error(err))
	}
}

type dialedChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (d dialedChannel) Close() error {
	return errors.Join(d.Channel.Close(), d.conn.Close())
}

// Dial connects to the broker and opens one channel.
func Dial(_ context.Context, uri string) (Channel, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return dialedChannel{Channel: ch, conn: conn}, nil
}
