// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package adaptertest provides an in-memory broker implementing the adapter
// Connection and Channel interfaces. It routes direct exchanges, dispatches
// round-robin between consumers of one queue, tracks unacknowledged
// deliveries per channel and records every call for assertions.
package adaptertest

import (
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"github.com/GwynCerbin/rabbit_gateway/pkg/adapter"
)

const (
	OpDial            = "connection.open"
	OpConnClose       = "connection.close"
	OpChannel         = "channel.open"
	OpChannelClose    = "channel.close"
	OpExchangeDeclare = "exchange.declare"
	OpExchangeDelete  = "exchange.delete"
	OpQueueDeclare    = "queue.declare"
	OpQueueBind       = "queue.bind"
	OpQueueDelete     = "queue.delete"
	OpQos             = "basic.qos"
	OpConfirm         = "confirm.select"
	OpPublish         = "basic.publish"
	OpConsume         = "basic.consume"
	OpCancel          = "basic.cancel"
	OpAck             = "basic.ack"
	OpNack            = "basic.nack"
)

const deliveryBuffer = 256

// Call is one recorded broker operation.
type Call struct {
	Op         string
	Channel    int
	Name       string
	Kind       string
	Key        string
	Exchange   string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Body       []byte
}

type exchangeDecl struct {
	kind       string
	durable    bool
	autoDelete bool
}

type binding struct {
	exchange string
	key      string
	queue    string
}

type message struct {
	exchange    string
	key         string
	pub         amqp091.Publishing
	redelivered bool
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	ready      []message
	consumers  []*consumer
	next       int
}

type consumer struct {
	tag   string
	queue *queue
	ch    *Channel
	out   chan amqp091.Delivery
}

type pending struct {
	queue *queue
	msg   message
}

// Broker is an in-memory stand-in for the broker, safe for concurrent use.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]exchangeDecl
	queues    map[string]*queue
	bindings  map[binding]struct{}
	failures  map[string]error
	hangs     map[string]chan struct{}
	waiting   map[string]int
	calls     []Call
	published []amqp091.Publishing
	config    amqp091.Config
	url       string
	conns     []*Conn
	chanSeq   int
	genSeq    int
	nack      bool
}

func New() *Broker {
	return &Broker{
		exchanges: make(map[string]exchangeDecl),
		queues:    make(map[string]*queue),
		bindings:  make(map[binding]struct{}),
		failures:  make(map[string]error),
		hangs:     make(map[string]chan struct{}),
		waiting:   make(map[string]int),
	}
}

var _ adapter.Dialer = New().Dial

// Dial implements adapter.Dialer.
func (b *Broker) Dial(url string, cfg amqp091.Config) (adapter.Connection, error) {
	b.wait(OpDial)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(Call{Op: OpDial, Name: url})
	b.url, b.config = url, cfg

	if err := b.failures[OpDial]; err != nil {
		return nil, err
	}

	c := &Conn{broker: b}
	b.conns = append(b.conns, c)

	return c, nil
}

// Fail makes every later op return err. A nil err clears it.
func (b *Broker) Fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		delete(b.failures, op)
		return
	}

	b.failures[op] = err
}

// Hang blocks every later op until release is called.
func (b *Broker) Hang(op string) (release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	gate := make(chan struct{})
	b.hangs[op] = gate

	var once sync.Once

	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.hangs, op)
			b.mu.Unlock()
			close(gate)
		})
	}
}

// NackConfirms makes confirm-mode channels negatively confirm publishings.
func (b *Broker) NackConfirms(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nack = nack
}

// Calls returns a copy of every recorded call in order.
func (b *Broker) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Call(nil), b.calls...)
}

// Calls filtered by op.
func (b *Broker) CallsOf(op string) []Call {
	var out []Call

	for _, c := range b.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}

	return out
}

// Ops returns the recorded op names in order.
func (b *Broker) Ops() []string {
	calls := b.Calls()
	out := make([]string, len(calls))

	for i, c := range calls {
		out[i] = c.Op
	}

	return out
}

func (b *Broker) Count(op string) int {
	return len(b.CallsOf(op))
}

// Published returns every publishing accepted by the broker in order.
func (b *Broker) Published() []amqp091.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]amqp091.Publishing(nil), b.published...)
}

// LastConfig returns the url and amqp091.Config of the last dial.
func (b *Broker) LastConfig() (string, amqp091.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.url, b.config
}

// QueueState reports the ready message count and consumer count of a queue.
func (b *Broker) QueueState(name string) (ready, consumers int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return 0, 0, false
	}

	return len(q.ready), len(q.consumers), true
}

// Drop closes every open connection with err, the way a broker-side failure does.
func (b *Broker) Drop(err *amqp091.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.conns {
		if !c.closed {
			c.shutdown(err)
		}
	}
}

func (b *Broker) record(c Call) {
	b.calls = append(b.calls, c)
}

// Waiting reports how many callers are blocked on a hung op.
func (b *Broker) Waiting(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.waiting[op]
}

func (b *Broker) wait(op string) {
	b.mu.Lock()
	gate, ok := b.hangs[op]
	if ok {
		b.waiting[op]++
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	<-gate

	b.mu.Lock()
	b.waiting[op]--
	b.mu.Unlock()
}

// route appends a publishing to every queue bound to exchange under key.
func (b *Broker) route(exchange, key string, pub amqp091.Publishing) {
	msg := message{exchange: exchange, key: key, pub: pub}

	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			q.ready = append(q.ready, msg)
			b.deliver(q)
		}
		return
	}

	for bind := range b.bindings {
		if bind.exchange != exchange || bind.key != key {
			continue
		}

		if q, ok := b.queues[bind.queue]; ok {
			q.ready = append(q.ready, msg)
			b.deliver(q)
		}
	}
}

// deliver pushes ready messages to the queue's consumers in turn.
func (b *Broker) deliver(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		c := q.consumers[q.next%len(q.consumers)]
		msg := q.ready[0]

		c.ch.deliveryTag++
		d := amqp091.Delivery{
			Acknowledger: c.ch,
			Headers:      msg.pub.Headers,
			ContentType:  msg.pub.ContentType,
			DeliveryMode: msg.pub.DeliveryMode,
			MessageId:    msg.pub.MessageId,
			Timestamp:    msg.pub.Timestamp,
			AppId:        msg.pub.AppId,
			ConsumerTag:  c.tag,
			DeliveryTag:  c.ch.deliveryTag,
			Redelivered:  msg.redelivered,
			Exchange:     msg.exchange,
			RoutingKey:   msg.key,
			Body:         msg.pub.Body,
		}

		select {
		case c.out <- d:
		default:
			c.ch.deliveryTag--
			return
		}

		q.next++
		q.ready = q.ready[1:]
		c.ch.unacked[d.DeliveryTag] = pending{queue: q, msg: msg}
	}
}

// detach removes a consumer and deletes its queue when auto-delete applies.
func (b *Broker) detach(c *consumer) {
	q := c.queue

	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}

	close(c.out)

	if q.autoDelete && len(q.consumers) == 0 {
		b.deleteQueue(q.name)
	}
}

func (b *Broker) deleteQueue(name string) int {
	q, ok := b.queues[name]
	if !ok {
		return 0
	}

	delete(b.queues, name)

	for bind := range b.bindings {
		if bind.queue == name {
			delete(b.bindings, bind)
		}
	}

	return len(q.ready)
}

func (b *Broker) genName() string {
	b.genSeq++

	return fmt.Sprintf("amq.gen-%d", b.genSeq)
}

func preconditionFailed(format string, args ...interface{}) *amqp091.Error {
	return &amqp091.Error{
		Code:   amqp091.PreconditionFailed,
		Reason: "PRECONDITION_FAILED - " + fmt.Sprintf(format, args...),
		Server: true,
	}
}

func notFound(format string, args ...interface{}) *amqp091.Error {
	return &amqp091.Error{
		Code:   amqp091.NotFound,
		Reason: "NOT_FOUND - " + fmt.Sprintf(format, args...),
		Server: true,
	}
}
