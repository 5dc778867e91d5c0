// Package consumer runs the at-least-once event loop of a provisioning worker:
// one unacknowledged message at a time, acknowledged only after its side effect.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"clinix/backend/internal/events"
	"clinix/backend/internal/events/domain"
	"clinix/backend/internal/events/topology"
	"clinix/backend/internal/logging"
	"clinix/backend/internal/telemetry"
)

// Prefetch is fixed at one in-flight message per consumer.
const Prefetch = 1

var errNotConsuming = errors.New("consumer not connected")

// Handler performs the side effect for one event. Returning an error wrapping
// events.ErrNoRetry acks the message; any other error requeues it.
type Handler interface {
	Handle(ctx context.Context, env domain.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env domain.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env domain.Envelope) error { return f(ctx, env) }

// Config configures a Consumer.
type Config struct {
	URI      string
	Topology topology.Descriptor
	Tag      string
	// NackDelay is waited before requeueing a failed message so a persistent fault does not spin.
	NackDelay time.Duration
	// HandlerTimeout bounds one side effect.
	HandlerTimeout time.Duration
	// ReconnectBase and ReconnectMax shape the reconnect backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

type route struct {
	pattern string
	handler Handler
}

// Consumer owns one connection, one channel, and one delivery stream.
type Consumer struct {
	cfg     Config
	dial    events.Dialer
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu         sync.Mutex
	routes     []route
	conn       events.Connection
	ch         events.Channel
	deliveries <-chan amqp.Delivery
}

// New returns a Consumer. Register handlers with Handle before Setup.
func New(cfg Config, dial events.Dialer, metrics *telemetry.Metrics, logger *slog.Logger) *Consumer {
	if dial == nil {
		dial = events.Dial
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Consumer{cfg: cfg, dial: dial, metrics: metrics, logger: logger}
}

// Handle routes envelopes whose pattern matches the topic pattern to h. The first match wins.
func (c *Consumer) Handle(pattern string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes = append(c.routes, route{pattern: pattern, handler: h})
}

func (c *Consumer) handlerFor(pattern string) Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.routes {
		if domain.MatchRoutingKey(r.pattern, pattern) {
			return r.handler
		}
	}
	return nil
}

// Setup connects, asserts the topology, sets prefetch, and starts a manual-ack consumer.
// A failure here at startup means the worker must not run.
func (c *Consumer) Setup(ctx context.Context) error {
	if err := c.cfg.Topology.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := c.dial(ctx, c.cfg.URI)
	if err != nil {
		return oops.Code("BROKER_DIAL_FAILED").Wrap(err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return oops.Code("BROKER_CHANNEL_FAILED").Wrap(err)
	}
	if err := topology.Assert(ch, c.cfg.Topology); err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.Qos(Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return oops.Code("BROKER_QOS_FAILED").Wrap(err)
	}
	deliveries, err := ch.Consume(c.cfg.Topology.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return oops.Code("BROKER_CONSUME_FAILED").With("queue", c.cfg.Topology.Queue).Wrap(err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn, c.ch, c.deliveries = conn, ch, deliveries
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	c.logger.InfoContext(ctx, "consumer ready",
		slog.String("queue", c.cfg.Topology.Queue),
		slog.String("exchange", c.cfg.Topology.Exchange),
		slog.Any("bindings", c.cfg.Topology.Bindings),
	)
	return nil
}

// Run processes deliveries until ctx is done. When the broker drops the stream it
// reconnects with backoff and asserts the topology again. Returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	ready := c.deliveries != nil
	c.mu.Unlock()
	if !ready {
		if err := c.Setup(ctx); err != nil {
			return err
		}
	}
	defer c.Close()

	for {
		c.mu.Lock()
		deliveries := c.deliveries
		c.mu.Unlock()

		if !c.drain(ctx, deliveries) {
			return nil
		}
		c.logger.WarnContext(ctx, "consumer stream closed; reconnecting", slog.String("queue", c.cfg.Topology.Queue))
		c.Close()

		b := retry.NewExponential(c.cfg.ReconnectBase)
		b = retry.WithCappedDuration(c.cfg.ReconnectMax, b)
		b = retry.WithJitterPercent(10, b)
		err := retry.Do(ctx, b, func(ctx context.Context) error {
			if err := c.Setup(ctx); err != nil {
				if ctx.Err() != nil {
					return err
				}
				logging.LogError(ctx, c.logger, "consumer reconnect failed", err)
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// drain handles deliveries until the stream closes (true) or ctx is done (false).
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-deliveries:
			if !ok {
				return ctx.Err() == nil
			}
			c.process(ctx, d)
		}
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	log := c.logger.With(
		slog.String("routing_key", d.RoutingKey),
		slog.String("message_id", d.MessageId),
		slog.Bool("redelivered", d.Redelivered),
	)

	env, err := domain.Decode(d.Body)
	if err != nil {
		logging.LogError(ctx, log, "dropping undecodable message", err)
		c.metrics.Consumed(ctx, d.RoutingKey, telemetry.ResultDropped)
		c.settle(ctx, log, d.Reject(false))
		return
	}
	h := c.handlerFor(env.Pattern)
	if h == nil {
		log.WarnContext(ctx, "no handler for pattern; acking", slog.String("pattern", env.Pattern))
		c.metrics.Consumed(ctx, d.RoutingKey, telemetry.ResultDropped)
		c.settle(ctx, log, d.Ack(false))
		return
	}

	// The side effect runs to completion or timeout even if shutdown starts meanwhile.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HandlerTimeout)
	err = h.Handle(hctx, env)
	cancel()

	switch {
	case err == nil:
		c.metrics.Consumed(ctx, d.RoutingKey, telemetry.ResultSuccess)
		c.settle(ctx, log, d.Ack(false))
	case errors.Is(err, events.ErrNoRetry):
		logging.LogError(ctx, log, "event rejected permanently; acking", err)
		c.metrics.Consumed(ctx, d.RoutingKey, telemetry.ResultDropped)
		c.settle(ctx, log, d.Ack(false))
	default:
		logging.LogError(ctx, log, "event handler failed; requeueing", err)
		c.metrics.Consumed(ctx, d.RoutingKey, telemetry.ResultRetry)
		if c.cfg.NackDelay > 0 {
			t := time.NewTimer(c.cfg.NackDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
		c.settle(ctx, log, d.Nack(false, true))
	}
}

func (c *Consumer) settle(ctx context.Context, log *slog.Logger, err error) {
	if err != nil {
		logging.LogError(ctx, log, "settling delivery failed", err)
	}
}

// Ping reports whether the consumer currently holds a live delivery stream.
func (c *Consumer) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deliveries == nil {
		return errNotConsuming
	}
	return nil
}

// Close drops the connection. Unacked messages return to the queue.
func (c *Consumer) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn, c.ch, c.deliveries = nil, nil, nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
