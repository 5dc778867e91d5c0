// Package eventstest provides an in-memory AMQP topic broker for tests of the
// publisher, topology, and consumer.
package eventstest

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"clinix/backend/internal/events"
	"clinix/backend/internal/events/domain"
)

// Message is a published message as routed by the broker.
type Message struct {
	Exchange   string
	RoutingKey string
	Publishing amqp.Publishing
}

type exchange struct {
	kind    string
	durable bool
}

type binding struct {
	queue, key, exchange string
}

type queuedMessage struct {
	msg         Message
	redelivered bool
}

type queue struct {
	name      string
	durable   bool
	ready     []queuedMessage
	consumers []*consumer
}

type consumer struct {
	ch          *Channel
	queue       string
	out         chan amqp.Delivery
	outstanding int
}

type pending struct {
	queue    string
	msg      Message
	consumer *consumer
}

// Broker is a single-node topic broker. All methods are safe for concurrent use.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]exchange
	queues    map[string]*queue
	bindings  []binding
	unacked   map[uint64]*pending
	conns     map[*Conn]bool
	nextTag   uint64
	published []Message

	dialErr    error
	publishErr error
	dials      int
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]exchange),
		queues:    make(map[string]*queue),
		unacked:   make(map[uint64]*pending),
		conns:     make(map[*Conn]bool),
	}
}

// Dial satisfies events.Dialer.
func (b *Broker) Dial(ctx context.Context, uri string) (events.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &Conn{broker: b, channels: make(map[*Channel]bool)}
	b.conns[c] = true
	return c, nil
}

// SetDialError makes subsequent dials fail with err until cleared with nil.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// SetPublishError makes subsequent publishes fail with err and close their channel.
func (b *Broker) SetPublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Dials returns the number of Dial calls.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenConnections returns the number of connections not yet closed.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Published returns every message accepted by an exchange, routed or not.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// HasExchange reports whether name is declared with kind.
func (b *Broker) HasExchange(name, kind string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	return ok && ex.kind == kind && ex.durable
}

// HasQueue reports whether a durable queue name exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return ok && q.durable
}

// Bindings returns the patterns binding queue to exchange, in declaration order.
func (b *Broker) Bindings(queueName, exchangeName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, bd := range b.bindings {
		if bd.queue == queueName && bd.exchange == exchangeName {
			out = append(out, bd.key)
		}
	}
	return out
}

// QueueDepth returns ready plus unacked messages on queue.
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	n := len(q.ready)
	for _, p := range b.unacked {
		if p.queue == name {
			n++
		}
	}
	return n
}

// Unacked returns the number of delivered, unsettled messages.
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

// Wipe forgets all topology and messages, as a broker restarted without persistence would.
// Open connections are dropped.
func (b *Broker) Wipe() {
	b.DropConnections()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges = make(map[string]exchange)
	b.queues = make(map[string]*queue)
	b.bindings = nil
	b.unacked = make(map[uint64]*pending)
}

// DropConnections closes every connection with a connection-forced error.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker dropped connection", Server: true})
	}
}

// Conn is a connection to a Broker.
type Conn struct {
	broker   *Broker
	closed   bool
	channels map[*Channel]bool
	notify   []chan *amqp.Error
}

func (c *Conn) Channel() (events.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c}
	c.channels[ch] = true
	return ch, nil
}

func (c *Conn) NotifyClose(n chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		close(n)
		return n
	}
	c.notify = append(c.notify, n)
	return n
}

func (c *Conn) Close() error {
	return c.shutdown(nil)
}

func (c *Conn) shutdown(reason *amqp.Error) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for ch := range c.channels {
		ch.closeLocked(reason)
	}
	notifyClosed(c.notify, reason)
	c.notify = nil
	delete(b.conns, c)
	return nil
}

func notifyClosed(chans []chan *amqp.Error, reason *amqp.Error) {
	for _, n := range chans {
		if reason != nil {
			select {
			case n <- reason:
			default:
			}
		}
		close(n)
	}
}

// Channel is a channel on a Conn. It is also the Acknowledger of its deliveries.
type Channel struct {
	conn      *Conn
	closed    bool
	prefetch  int
	consumers []*consumer
	notify    []chan *amqp.Error
}

// closeLocked requeues unacked deliveries and closes consumer streams. b.mu must be held.
func (ch *Channel) closeLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.conn.broker
	for tag, p := range b.unacked {
		if p.consumer.ch != ch {
			continue
		}
		delete(b.unacked, tag)
		if q, ok := b.queues[p.queue]; ok {
			q.ready = append([]queuedMessage{{msg: p.msg, redelivered: true}}, q.ready...)
		}
	}
	for _, cons := range ch.consumers {
		if q, ok := b.queues[cons.queue]; ok {
			q.consumers = removeConsumer(q.consumers, cons)
		}
		close(cons.out)
	}
	ch.consumers = nil
	notifyClosed(ch.notify, reason)
	ch.notify = nil
	delete(ch.conn.channels, ch)
	for _, q := range b.queues {
		b.dispatchLocked(q)
	}
}

func removeConsumer(list []*consumer, c *consumer) []*consumer {
	out := list[:0]
	for _, x := range list {
		if x != c {
			out = append(out, x)
		}
	}
	return out
}

// fail closes the channel with a channel-level error, as the broker does on protocol errors.
func (ch *Channel) failLocked(code int, reason string) error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	ch.closeLocked(err)
	return err
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return ch.failLocked(amqp.PreconditionFailed, "PRECONDITION_FAILED - inequivalent arg for exchange "+name)
		}
		return nil
	}
	b.exchanges[name] = exchange{kind: kind, durable: durable}
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if ok && q.durable != durable {
		return amqp.Queue{}, ch.failLocked(amqp.PreconditionFailed, "PRECONDITION_FAILED - inequivalent arg 'durable' for queue "+name)
	}
	if !ok {
		q = &queue{name: name, durable: durable}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.queues[name]; !ok {
		return ch.failLocked(amqp.NotFound, "NOT_FOUND - no queue "+name)
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return ch.failLocked(amqp.NotFound, "NOT_FOUND - no exchange "+exchangeName)
	}
	bd := binding{queue: name, key: key, exchange: exchangeName}
	for _, have := range b.bindings {
		if have == bd {
			return nil
		}
	}
	b.bindings = append(b.bindings, bd)
	return nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Prefetch returns the prefetch count set by Qos.
func (ch *Channel) Prefetch() int {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.prefetch
}

func (ch *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if autoAck {
		return nil, errors.New("eventstest: autoAck consumers are not supported")
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.failLocked(amqp.NotFound, "NOT_FOUND - no queue "+queueName)
	}
	cons := &consumer{ch: ch, queue: queueName, out: make(chan amqp.Delivery, 256)}
	ch.consumers = append(ch.consumers, cons)
	q.consumers = append(q.consumers, cons)
	b.dispatchLocked(q)
	return cons.out, nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if b.publishErr != nil {
		err := b.publishErr
		ch.closeLocked(&amqp.Error{Code: amqp.InternalError, Reason: err.Error(), Server: true})
		return err
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return ch.failLocked(amqp.NotFound, "NOT_FOUND - no exchange "+exchangeName)
	}
	m := Message{Exchange: exchangeName, RoutingKey: key, Publishing: msg}
	b.published = append(b.published, m)
	routed := make(map[string]bool)
	for _, bd := range b.bindings {
		if bd.exchange != exchangeName || routed[bd.queue] || !domain.MatchRoutingKey(bd.key, key) {
			continue
		}
		routed[bd.queue] = true
		q := b.queues[bd.queue]
		q.ready = append(q.ready, queuedMessage{msg: m})
		b.dispatchLocked(q)
	}
	return nil
}

func (ch *Channel) NotifyClose(n chan *amqp.Error) chan *amqp.Error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(n)
		return n
	}
	ch.notify = append(ch.notify, n)
	return n
}

func (ch *Channel) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

// dispatchLocked hands ready messages to consumers that have prefetch room. b.mu must be held.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		var target *consumer
		for _, c := range q.consumers {
			if c.ch.prefetch == 0 || c.outstanding < c.ch.prefetch {
				target = c
				break
			}
		}
		if target == nil {
			return
		}
		qm := q.ready[0]
		q.ready = q.ready[1:]
		b.nextTag++
		tag := b.nextTag
		b.unacked[tag] = &pending{queue: q.name, msg: qm.msg, consumer: target}
		target.outstanding++
		p := qm.msg.Publishing
		target.out <- amqp.Delivery{
			Acknowledger:    target.ch,
			DeliveryTag:     tag,
			Redelivered:     qm.redelivered,
			Exchange:        qm.msg.Exchange,
			RoutingKey:      qm.msg.RoutingKey,
			ConsumerTag:     "eventstest",
			Headers:         p.Headers,
			ContentType:     p.ContentType,
			ContentEncoding: p.ContentEncoding,
			DeliveryMode:    p.DeliveryMode,
			MessageId:       p.MessageId,
			Timestamp:       p.Timestamp,
			Type:            p.Type,
			AppId:           p.AppId,
			Body:            p.Body,
		}
		// Rotate consumers for round-robin delivery.
		if len(q.consumers) > 1 {
			q.consumers = append(removeConsumer(q.consumers, target), target)
		}
	}
}

func (ch *Channel) settle(tag uint64, requeue, drop bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	p, ok := b.unacked[tag]
	if !ok || p.consumer.ch != ch {
		return ch.failLocked(amqp.PreconditionFailed, "PRECONDITION_FAILED - unknown delivery tag")
	}
	delete(b.unacked, tag)
	p.consumer.outstanding--
	q, ok := b.queues[p.queue]
	if !ok {
		return nil
	}
	if requeue && !drop {
		q.ready = append([]queuedMessage{{msg: p.msg, redelivered: true}}, q.ready...)
	}
	b.dispatchLocked(q)
	return nil
}

// Ack implements amqp.Acknowledger.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, false, true)
}

// Nack implements amqp.Acknowledger.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, requeue, false)
}

// Reject implements amqp.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, requeue, false)
}
