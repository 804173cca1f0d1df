// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// publishConfirmed puts a private channel into confirm mode, publishes once
// and waits for the broker's confirmation. Only per-call channels use it,
// since a single publishing then maps to exactly one confirmation.
func (p *Publisher) publishConfirmed(ctx context.Context, ch Channel, exchange, routingKey, message, apiKey string) error {
	if err := p.topology.EnsureExchange(ctx, ch, exchange); err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx, p.cfg.OperationTimeout)
	defer cancel()

	if err := run(ctx, func() error { return ch.Confirm(false) }); err != nil {
		return &ChannelError{Op: "confirm channel for publisher", Err: err}
	}

	confirms := ch.NotifyPublish(make(chan amqp091.Confirmation, 1))

	if err := ch.PublishWithContext(setPublisherConfig(ctx, p.cfg, exchange, routingKey, []byte(message), apiKey)); err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	select {
	case <-ctx.Done():
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ctx.Err()}
	case conf, ok := <-confirms:
		if !ok {
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: amqp091.ErrClosed}
		}

		if !conf.Ack {
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: NotConfirmedError{}}
		}
	}

	p.logger.Debug("message confirmed",
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey))

	return nil
}
