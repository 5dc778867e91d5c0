// Package events holds the broker plumbing shared by the publisher and the consumer:
// the subset of the AMQP 0-9-1 client they use and the error kinds they report.
package events

import (
	"context"
	"errors"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrPublishFailed wraps any failure on the publish path.
	ErrPublishFailed = errors.New("publish failed")
	// ErrTopologyAssertionFailed wraps a failure to declare the exchange, queue, or bindings.
	ErrTopologyAssertionFailed = errors.New("topology assertion failed")
	// ErrNoRetry marks a handler error that redelivery cannot fix. The message is acked.
	ErrNoRetry = errors.New("not retryable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("events: closed")
)

// Channel is the subset of *amqp.Channel used by this module.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is the subset of *amqp.Connection used by this module.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a broker connection. Implementations give up when ctx is done.
type Dialer func(ctx context.Context, uri string) (Connection, error)

// defaultHandshakeTimeout bounds the AMQP handshake when ctx has no deadline.
const defaultHandshakeTimeout = 30 * time.Second

// Dial connects to a real broker. The TCP connect and the AMQP handshake are both
// bounded by ctx's deadline.
func Dial(ctx context.Context, uri string) (Connection, error) {
	conn, err := amqp.DialConfig(uri, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			c, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			deadline, ok := ctx.Deadline()
			if !ok {
				deadline = time.Now().Add(defaultHandshakeTimeout)
			}
			// amqp clears the deadline once the handshake completes.
			if err := c.SetDeadline(deadline); err != nil {
				_ = c.Close()
				return nil, err
			}
			return c, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(ch)
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrNoRetry, err)
}
