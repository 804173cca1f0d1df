// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adaptertest

import (
	"context"
	"fmt"

	"github.com/rabbitmq/amqp091-go"

	"github.com/GwynCerbin/rabbit_gateway/pkg/adapter"
)

// Conn is an in-memory connection to a Broker.
type Conn struct {
	broker   *Broker
	closed   bool
	notify   []chan *amqp091.Error
	channels []*Channel
}

var (
	_ adapter.Connection = (*Conn)(nil)
	_ adapter.Channel    = (*Channel)(nil)
)

func (c *Conn) Channel() (adapter.Channel, error) {
	b := c.broker
	b.wait(OpChannel)

	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp091.ErrClosed
	}

	b.chanSeq++
	b.record(Call{Op: OpChannel, Channel: b.chanSeq})

	if err := b.failures[OpChannel]; err != nil {
		return nil, err
	}

	ch := &Channel{
		conn:      c,
		id:        b.chanSeq,
		unacked:   make(map[uint64]pending),
		consumers: make(map[string]*consumer),
	}
	c.channels = append(c.channels, ch)

	return ch, nil
}

func (c *Conn) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}

	c.notify = append(c.notify, receiver)

	return receiver
}

func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	return c.closed
}

func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	c.broker.record(Call{Op: OpConnClose})

	if c.closed {
		return amqp091.ErrClosed
	}

	c.shutdown(nil)

	return nil
}

// shutdown must be called with the broker lock held.
func (c *Conn) shutdown(err *amqp091.Error) {
	c.closed = true

	for _, ch := range c.channels {
		if !ch.closed {
			ch.shutdown(err)
		}
	}

	signal(c.notify, err)
	c.notify = nil
}

// Channel is an in-memory channel on a Conn.
type Channel struct {
	conn        *Conn
	id          int
	closed      bool
	confirm     bool
	publishSeq  uint64
	deliveryTag uint64
	notify      []chan *amqp091.Error
	confirms    []chan amqp091.Confirmation
	unacked     map[uint64]pending
	consumers   map[string]*consumer
}

// ID is the sequence number of the channel across the broker.
func (ch *Channel) ID() int {
	return ch.id
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, _, _ bool, _ amqp091.Table) error {
	b := ch.conn.broker
	b.wait(OpExchangeDeclare)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(Call{Op: OpExchangeDeclare, Channel: ch.id, Name: name, Kind: kind, Durable: durable, AutoDelete: autoDelete})

	if err := ch.usable(OpExchangeDeclare); err != nil {
		return err
	}

	decl := exchangeDecl{kind: kind, durable: durable, autoDelete: autoDelete}

	if existing, ok := b.exchanges[name]; ok && existing != decl {
		return ch.fail(preconditionFailed("inequivalent arg 'type' for exchange '%s'", name))
	}

	b.exchanges[name] = decl

	return nil
}

func (ch *Channel) ExchangeDelete(name string, _, _ bool) error {
	b := ch.conn.broker

	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(Call{Op: OpExchangeDelete, Channel: ch.id, Name: name})

	if err := ch.usable(OpExchangeDelete); err != nil {
		return err
	}

	delete(b.exchanges, name)

	for bind := range b.bindings {
		if bind.exchange == name {
			delete(b.bindings, bind)
		}
	}

	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, _ amqp091.Table) (amqp091.Queue, error) {
	b := ch.conn.broker
	b.wait(OpQueueDeclare)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(Call{Op: OpQueueDeclare, Channel: ch.id, Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive})

	if err := ch.usable(OpQueueDeclare); err != nil {
		return amqp091.Queue{}, err
	}

	if name == "" {
		name = b.genName()
	}

	q, ok := b.queues[name]
	if ok {
		if q.durable != durable || q.autoDelete != autoDelete || q.exclusive != exclusive {
			return amqp091.Queue{}, ch.fail(preconditionFailed("inequivalent arg 'auto_delete' for queue '%s'", name))
		}
	} else {
		q = &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive}
		b.queues[name] = q
	}

	return amqp091.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, _ bool, _ amqp091.Table) error {
	b := ch.conn.broker
	b.wait(OpQueueBind)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(Call{Op: OpQueueBind, Channel: ch.id, Name: name, Key: key, Exchange: exchange})

	if err := ch.usable(OpQueueBind); err != nil {
		return err
	}

	if _, ok := b.exchanges[exchange]; !ok {
		return ch.fail(notFound("no exchange '%s'", exchange))
	}

	if _, ok := b.queues[name]; !ok {
		return ch.fail(notFound("no queue '%s'", name))
	}

	b.bindings[binding{exchange: exchange, key: key, queue: name}] = struct{}{}

	return nil
}

func (ch *Channel) QueueDelete(name string, _, _, _ bool) (int, error) {
	b := ch.conn.broker

	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(Call{Op: OpQueueDelete, Channel: ch.id, Name: name})

	if err := ch.usable(OpQueueDelete); err != nil {
		return 0, err
	}

	if q, ok := b.queues[name]; ok {
		for _, c := range append([]*consumer(nil), q.consumers...) {
			delete(c.ch.consumers, c.tag)
			b.detach(c)
		}
	}

	return b.deleteQueue(name), nil
}

func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	b := ch.conn.broker

	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(Call{Op: OpQos, Channel: ch.id, Name: fmt.Sprint(prefetchCount)})

	return ch.usable(OpQos)
}

func (ch *Channel) Confirm(_ bool) error {
	b := ch.conn.broker

	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(Call{Op: OpConfirm, Channel: ch.id})

	if err := ch.usable(OpConfirm); err != nil {
		return err
	}

	ch.confirm = true

	return nil
}

func (ch *Channel) NotifyPublish(confirm chan amqp091.Confirmation) chan amqp091.Confirmation {
	b := ch.conn.broker

	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(confirm)
		return confirm
	}

	ch.confirms = append(ch.confirms, confirm)

	return confirm
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	b := ch.conn.broker
	b.wait(OpPublish)

	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(Call{Op: OpPublish, Channel: ch.id, Exchange: exchange, Key: key, Body: msg.Body})

	if err := ch.usable(OpPublish); err != nil {
		return err
	}

	if _, ok := b.exchanges[exchange]; exchange != "" && !ok {
		return ch.fail(notFound("no exchange '%s'", exchange))
	}

	b.published = append(b.published, msg)
	b.route(exchange, key, msg)

	if ch.confirm {
		ch.publishSeq++

		for _, c := range ch.confirms {
			select {
			case c <- amqp091.Confirmation{DeliveryTag: ch.publishSeq, Ack: !b.nack}:
			default:
			}
		}
	}

	return nil
}

func (ch *Channel) Consume(queueName, tag string, _, _, _, _ bool, _ amqp091.Table) (<-chan amqp091.Delivery, error) {
	b := ch.conn.broker
	b.wait(OpConsume)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(Call{Op: OpConsume, Channel: ch.id, Name: queueName, Key: tag})

	if err := ch.usable(OpConsume); err != nil {
		return nil, err
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.fail(notFound("no queue '%s'", queueName))
	}

	if tag == "" {
		tag = b.genName()
	}

	if _, dup := ch.consumers[tag]; dup {
		return nil, ch.fail(&amqp091.Error{Code: amqp091.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag", Server: true})
	}

	c := &consumer{tag: tag, queue: q, ch: ch, out: make(chan amqp091.Delivery, deliveryBuffer)}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)

	b.deliver(q)

	return c.out, nil
}

func (ch *Channel) Cancel(tag string, _ bool) error {
	b := ch.conn.broker

	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(Call{Op: OpCancel, Channel: ch.id, Key: tag})

	if ch.closed {
		return amqp091.ErrClosed
	}

	if c, ok := ch.consumers[tag]; ok {
		delete(ch.consumers, tag)
		b.detach(c)
	}

	return nil
}

func (ch *Channel) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	b := ch.conn.broker

	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}

	ch.notify = append(ch.notify, receiver)

	return receiver
}

func (ch *Channel) IsClosed() bool {
	b := ch.conn.broker

	b.mu.Lock()
	defer b.mu.Unlock()

	return ch.closed
}

func (ch *Channel) Close() error {
	b := ch.conn.broker

	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(Call{Op: OpChannelClose, Channel: ch.id})

	if ch.closed {
		return amqp091.ErrClosed
	}

	ch.shutdown(nil)

	return nil
}

// Ack implements amqp091.Acknowledger.
func (ch *Channel) Ack(tag uint64, _ bool) error {
	return ch.settle(OpAck, tag, false)
}

// Nack implements amqp091.Acknowledger.
func (ch *Channel) Nack(tag uint64, _ bool, requeue bool) error {
	return ch.settle(OpNack, tag, requeue)
}

// Reject implements amqp091.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(OpNack, tag, requeue)
}

func (ch *Channel) settle(op string, tag uint64, requeue bool) error {
	b := ch.conn.broker

	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp091.ErrClosed
	}

	p, ok := ch.unacked[tag]
	if !ok {
		return ch.fail(preconditionFailed("unknown delivery tag %d", tag))
	}

	delete(ch.unacked, tag)
	b.record(Call{Op: op, Channel: ch.id, Name: p.queue.name, Key: p.msg.key, Body: p.msg.pub.Body})

	if requeue {
		b.requeue(p)
	}

	return nil
}

// usable must be called with the broker lock held.
func (ch *Channel) usable(op string) error {
	if ch.closed {
		return amqp091.ErrClosed
	}

	return ch.conn.broker.failures[op]
}

// fail closes the channel with a broker error and returns it.
func (ch *Channel) fail(err *amqp091.Error) error {
	ch.shutdown(err)

	return err
}

// shutdown must be called with the broker lock held. Unacknowledged
// deliveries return to their queues marked redelivered.
func (ch *Channel) shutdown(err *amqp091.Error) {
	b := ch.conn.broker
	ch.closed = true

	for tag, c := range ch.consumers {
		delete(ch.consumers, tag)
		b.detach(c)
	}

	for tag, p := range ch.unacked {
		delete(ch.unacked, tag)
		b.requeue(p)
	}

	signal(ch.notify, err)
	ch.notify = nil

	for _, c := range ch.confirms {
		close(c)
	}
	ch.confirms = nil
}

func (b *Broker) requeue(p pending) {
	q, ok := b.queues[p.queue.name]
	if !ok || q != p.queue {
		return
	}

	p.msg.redelivered = true
	q.ready = append([]message{p.msg}, q.ready...)
	b.deliver(q)
}

func signal(receivers []chan *amqp091.Error, err *amqp091.Error) {
	for _, r := range receivers {
		if err != nil {
			select {
			case r <- err:
			default:
			}
		}

		close(r)
	}
}
