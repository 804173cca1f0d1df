// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/GwynCerbin/rabbit_gateway/pkg/broker"
	"github.com/GwynCerbin/rabbit_gateway/pkg/config"
)

// Subscription is a running consumer created by Consumer.Subscribe.
//   - deliveries: stream the broker pushes to this consumer tag.
//   - workChan:   bounded hand-off from the receive loop to the workers.
//   - wg:         tracks workers for graceful shutdown.
//   - gos:        fixed worker pool size.
type Subscription struct {
	ch         Channel
	queue      string
	tag        string
	routingKey string
	handler    broker.Handler
	policy     config.MismatchPolicy
	logger     *zap.Logger

	deliveries <-chan amqp091.Delivery
	workChan   chan func()
	wg         sync.WaitGroup
	gos        int

	done   chan struct{}
	closed atomic.Bool
}

func newSubscription(ch Channel, queue, tag, routingKey string, handler broker.Handler, cfg config.Broker, logger *zap.Logger) *Subscription {
	s := &Subscription{
		ch:         ch,
		queue:      queue,
		tag:        tag,
		routingKey: routingKey,
		handler:    handler,
		policy:     cfg.MismatchPolicy,
		logger:     logger.With(zap.String("queue", queue), zap.String("consumer_tag", tag)),
		workChan:   make(chan func(), 1),
		gos:        max(cfg.Workers, 1),
		done:       make(chan struct{}),
	}

	if s.handler == nil {
		s.handler = func(content, routingKey string) {
			s.logger.Info("received", zap.String("content", content), zap.String("routing_key", routingKey))
		}
	}

	return s
}

func (s *Subscription) Queue() string {
	return s.queue
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe cancels the consumer tag and waits until every in-flight
// handler returned or ctx ends. Deliveries prefetched but not yet handed to a
// worker stay unacknowledged and return to the queue.
//
// Called from the subscription's own handler, Unsubscribe cannot see that
// handler return: it cancels the consumer, then blocks until ctx ends and
// reports ctx.Err(). Done closes once the handler returned.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return SubscriptionClosedError{}
	}

	err := run(ctx, func() error { return s.ch.Cancel(s.tag, false) })
	if err != nil && !errorsIsClosed(err) {
		return &ChannelError{Op: "cancel consumer " + s.tag, Err: err}
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// listen starts the worker pool and feeds it until the delivery stream closes.
func (s *Subscription) listen() {
	for i := 0; i < s.gos; i++ {
		s.wg.Add(1)

		go runner(s.workChan, &s.wg)
	}

	for d := range s.deliveries {
		s.dispatch(newMessage(d))
	}

	close(s.workChan)
	s.wg.Wait()

	s.logger.Info("consumer stopped")

	close(s.done)
}

// dispatch filters one delivery by routing key and decodes it. Accepted
// deliveries go to a worker; the rest are settled according to policy.
func (s *Subscription) dispatch(msg *Message) {
	s.logger.Debug("delivery received",
		zap.Uint64("delivery_tag", msg.DeliveryTag()),
		zap.String("routing_key", msg.RoutingKey()),
		zap.Bool("redelivered", msg.IsRedelivered()),
		zap.String("content_type", msg.ContentType()),
		zap.String("api_key", msg.APIKey()))

	if msg.RoutingKey() != s.routingKey {
		s.logger.Info("ignored: invalid key",
			zap.Error(fmt.Errorf("%w, routing key: %s", UnroutedMessageError{}, msg.RoutingKey())))

		if s.policy == config.MismatchIgnore {
			msg.leave()
			return
		}

		if err := msg.Ack(); err != nil {
			s.logger.Error("ack unrouted message", zap.Error(err))
		}

		return
	}

	if !utf8.Valid(msg.Body()) {
		s.logger.Error("decode delivery", zap.Error(&DecodeError{DeliveryTag: msg.DeliveryTag()}))
		msg.leave()

		return
	}

	content := string(msg.Body())

	s.workChan <- func() {
		s.handle(msg, content)
	}
}

// handle runs the handler and acknowledges afterwards. A panicking handler
// leaves its delivery unacknowledged.
func (s *Subscription) handle(msg *Message, content string) {
	defer func() {
		if r := recover(); r != nil {
			msg.leave()
			s.logger.Error("handler panic", zap.Any("panic", r), zap.Uint64("delivery_tag", msg.DeliveryTag()))
		}
	}()

	s.handler(content, msg.RoutingKey())

	if err := msg.Ack(); err != nil {
		s.logger.Error("ack message", zap.Error(err), zap.Uint64("delivery_tag", msg.DeliveryTag()))
	}
}

// runner executes tasks from workChan and signals completion via WaitGroup.
func runner(workChan chan func(), wg *sync.WaitGroup) {
	for work := range workChan {
		work()
	}

	wg.Done()
}
