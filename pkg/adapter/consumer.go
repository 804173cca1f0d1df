// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/GwynCerbin/rabbit_gateway/pkg/broker"
	"github.com/GwynCerbin/rabbit_gateway/pkg/config"
)

// Consumer subscribes handlers to queues provisioned on the shared channel.
type Consumer struct {
	// con owns the shared channel every subscription consumes on.
	con *Manager
	// topology declares exchange, queue and binding before consuming.
	topology *Provisioner
	// cfg stores queue naming, mismatch policy and worker count.
	cfg    config.Broker
	logger *zap.Logger
}

// NewConsumer returns a Consumer bound to con.
func NewConsumer(con *Manager) *Consumer {
	return &Consumer{
		con:      con,
		topology: NewProvisioner(con.cfg.Broker.OperationTimeout),
		cfg:      con.cfg.Broker,
		logger:   con.logger,
	}
}

// QueueName derives the queue a subscriber consumes from.
func (c *Consumer) QueueName(routingKey, apiKey string) string {
	if c.cfg.QueueNaming == config.NamingAPIKey {
		return apiKey
	}

	return routingKey + "-" + apiKey
}

// Subscribe provisions exchange, queue and binding, then registers a consumer
// and returns once the broker accepted it. Deliveries are handed to onMessage
// by a bounded worker pool until the subscription is cancelled or the channel
// closes. A nil onMessage only logs what it receives.
func (c *Consumer) Subscribe(ctx context.Context, exchange, routingKey, apiKey string, onMessage broker.Handler) (broker.Subscription, error) {
	if apiKey == "" {
		return nil, EmptyAPIKeyError{}
	}

	ch, err := c.con.Channel(ctx)
	if err != nil {
		return nil, err
	}

	queue, err := c.topology.EnsureTopology(ctx, ch, exchange, c.QueueName(routingKey, apiKey), routingKey)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()

	tag := consumerTag + "-" + uuid.NewString()

	sub := newSubscription(ch, queue, tag, routingKey, onMessage, c.cfg, c.logger)

	deliveries, err := c.consume(ctx, ch, queue, tag)
	if err != nil {
		return nil, &ChannelError{Op: "consume " + queue, Err: err}
	}

	sub.deliveries = deliveries

	go sub.listen()

	c.logger.Info("waiting for messages",
		zap.String("queue", queue),
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey))

	return sub, nil
}

// consume registers tag on queue until ctx ends. A registration the broker
// confirms after ctx ended is cancelled again.
func (c *Consumer) consume(ctx context.Context, ch Channel, queue, tag string) (<-chan amqp091.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type registered struct {
		deliveries <-chan amqp091.Delivery
		err        error
	}

	done := make(chan registered, 1)

	go func() {
		deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
		done <- registered{deliveries: deliveries, err: err}
	}()

	select {
	case res := <-done:
		return res.deliveries, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				if err := ch.Cancel(tag, false); err != nil && !errorsIsClosed(err) {
					c.logger.Warn("cancel late consumer", zap.String("consumer_tag", tag), zap.Error(err))
				}
			}
		}()

		return nil, ctx.Err()
	}
}
