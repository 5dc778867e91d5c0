// Package publisher emits user events onto a durable topic exchange over one
// lazily opened, shared broker connection.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/samber/oops"

	"clinix/backend/internal/events"
	"clinix/backend/internal/events/domain"
	"clinix/backend/internal/events/topology"
	"clinix/backend/internal/logging"
	"clinix/backend/internal/telemetry"
)

// State is the connection state of a Publisher.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures a Publisher.
type Config struct {
	URI      string
	Exchange string
	// Timeout bounds one publish call. Zero means 5s.
	Timeout time.Duration
	AppID   string
}

// Publisher publishes persistent messages. Concurrent callers share one connection;
// only one of them connects at a time, the rest wait for its outcome. Any publish
// failure drops the connection so the next call starts from scratch.
type Publisher struct {
	cfg     Config
	dial    events.Dialer
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	state State
	// gen increments on each successful connect; resets carry the gen they observed
	// so a late failure report cannot tear down a newer connection.
	gen    uint64
	conn   events.Connection
	ch     events.Channel
	ready  chan struct{} // closed when the in-flight connect attempt finishes
	closed bool
	wg     sync.WaitGroup
}

// New returns a disconnected Publisher. Nothing is dialed until the first Publish.
func New(cfg Config, dial events.Dialer, metrics *telemetry.Metrics, logger *slog.Logger) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if dial == nil {
		dial = events.Dial
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Publisher{cfg: cfg, dial: dial, metrics: metrics, logger: logger}
}

// State returns the current connection state.
func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Publish sends payload wrapped in an envelope under routingKey. Errors wrap events.ErrPublishFailed.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	err := p.publish(ctx, routingKey, payload)
	if err != nil {
		p.metrics.Published(ctx, routingKey, telemetry.ResultFailure)
		return oops.Code("EVENT_PUBLISH_FAILED").
			With("exchange", p.cfg.Exchange).
			With("routing_key", routingKey).
			Wrap(fmt.Errorf("%w: %w", events.ErrPublishFailed, err))
	}
	p.metrics.Published(ctx, routingKey, telemetry.ResultSuccess)
	return nil
}

func (p *Publisher) publish(ctx context.Context, routingKey string, payload any) error {
	body, err := domain.Encode(routingKey, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	ch, gen, err := p.channel(ctx)
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		AppId:        p.cfg.AppID,
		Body:         body,
	})
	if err != nil {
		p.reset(gen, "publish error")
		return err
	}
	return nil
}

// channel returns the open channel, connecting first when disconnected.
func (p *Publisher) channel(ctx context.Context) (events.Channel, uint64, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, 0, events.ErrClosed
		}
		switch p.state {
		case StateConnected:
			ch, gen := p.ch, p.gen
			p.mu.Unlock()
			return ch, gen, nil
		case StateConnecting:
			ready := p.ready
			p.mu.Unlock()
			select {
			case <-ready:
				continue
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}

		p.state = StateConnecting
		ready := make(chan struct{})
		p.ready = ready
		p.mu.Unlock()

		conn, ch, err := p.connect(ctx)

		p.mu.Lock()
		close(ready)
		if err == nil && p.closed {
			_ = conn.Close()
			err = events.ErrClosed
		}
		if err != nil {
			p.state = StateDisconnected
			p.mu.Unlock()
			return nil, 0, err
		}
		p.gen++
		gen := p.gen
		p.conn, p.ch, p.state = conn, ch, StateConnected
		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
		p.wg.Add(1)
		go p.watch(gen, connClosed, chClosed)
		p.mu.Unlock()

		p.logger.Info("publisher connected", slog.String("exchange", p.cfg.Exchange), slog.Uint64("generation", gen))
		return ch, gen, nil
	}
}

type dialResult struct {
	conn events.Connection
	err  error
}

// connect dials and declares the exchange. It returns when ctx is done even if the
// dialer does not; a connection that arrives after that is closed.
func (p *Publisher) connect(ctx context.Context) (events.Connection, events.Channel, error) {
	done := make(chan dialResult, 1)
	go func() {
		conn, err := p.dial(ctx, p.cfg.URI)
		done <- dialResult{conn: conn, err: err}
	}()

	var conn events.Connection
	select {
	case r := <-done:
		if r.err != nil {
			return nil, nil, oops.Code("BROKER_DIAL_FAILED").Wrap(r.err)
		}
		conn = r.conn
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, nil, oops.Code("BROKER_DIAL_FAILED").Wrap(ctx.Err())
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, oops.Code("BROKER_CHANNEL_FAILED").Wrap(err)
	}
	if err := topology.DeclareExchange(ch, p.cfg.Exchange); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// watch resets the publisher when the broker closes the connection or channel of generation gen.
func (p *Publisher) watch(gen uint64, connClosed, chClosed chan *amqp.Error) {
	defer p.wg.Done()
	var reason *amqp.Error
	select {
	case reason = <-connClosed:
	case reason = <-chClosed:
	}
	if reason != nil {
		p.logger.Warn("publisher connection closed by broker",
			slog.Int("code", reason.Code),
			slog.String("reason", reason.Reason),
			slog.Uint64("generation", gen),
		)
	}
	p.reset(gen, "connection closed")
	// Drain so the client never blocks delivering to an abandoned watcher.
	for range connClosed {
	}
}

// reset drops the connection of generation gen. Stale generations are ignored.
func (p *Publisher) reset(gen uint64, why string) {
	p.mu.Lock()
	if p.state != StateConnected || p.gen != gen {
		p.mu.Unlock()
		return
	}
	conn := p.conn
	p.conn, p.ch, p.state = nil, nil, StateDisconnected
	p.mu.Unlock()

	_ = conn.Close()
	p.logger.Info("publisher disconnected", slog.String("why", why), slog.Uint64("generation", gen))
}

// Close closes the connection and waits for the close watcher. Publish fails afterwards.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	p.conn, p.ch, p.state = nil, nil, StateDisconnected
	p.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	p.wg.Wait()
	return err
}
