// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/GwynCerbin/rabbit_gateway/pkg/config"
)

// Publisher sends text payloads to a direct exchange. In shared mode it
// publishes on the Manager's channel and leaves it open; in per-call mode it
// dials a private connection for every Send and tears it down afterwards.
type Publisher struct {
	// con owns the shared connection and dials private ones.
	con *Manager
	// topology declares the target exchange before each publish.
	topology *Provisioner
	// cfg stores publisher settings like mode, AppId and delivery mode.
	cfg    config.Broker
	logger *zap.Logger
}

// NewPublisher returns a Publisher bound to con.
func NewPublisher(con *Manager) *Publisher {
	mimetype.SetLimit(mimeReadLimit)

	return &Publisher{
		con:      con,
		topology: NewProvisioner(con.cfg.Broker.OperationTimeout),
		cfg:      con.cfg.Broker,
		logger:   con.logger,
	}
}

// Send declares exchange and publishes message under routingKey. Credential,
// connect, channel, topology and publish errors are returned unchanged in
// meaning; nothing is retried.
func (p *Publisher) Send(ctx context.Context, exchange, routingKey, message, apiKey string) error {
	if p.cfg.Mode == config.ModePerCall {
		return p.sendPerCall(ctx, exchange, routingKey, message, apiKey)
	}

	ch, err := p.con.Channel(ctx)
	if err != nil {
		return err
	}

	return p.publish(ctx, ch, exchange, routingKey, message, apiKey)
}

// sendPerCall closes the private channel and then its connection whatever the
// publish outcome.
func (p *Publisher) sendPerCall(ctx context.Context, exchange, routingKey, message, apiKey string) error {
	conn, ch, err := p.con.Open(ctx)
	if err != nil {
		return err
	}

	defer closePair(p.logger, ch, conn)

	if p.cfg.Confirm {
		return p.publishConfirmed(ctx, ch, exchange, routingKey, message, apiKey)
	}

	return p.publish(ctx, ch, exchange, routingKey, message, apiKey)
}

func (p *Publisher) publish(ctx context.Context, ch Channel, exchange, routingKey, message, apiKey string) error {
	if err := p.topology.EnsureExchange(ctx, ch, exchange); err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx, p.cfg.OperationTimeout)
	defer cancel()

	if err := ch.PublishWithContext(setPublisherConfig(ctx, p.cfg, exchange, routingKey, []byte(message), apiKey)); err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}

	p.logger.Debug("message sent",
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
		zap.Int("size", len(message)))

	return nil
}

// setPublisherConfig maps the publisher settings and payload into AMQP publish arguments.
//
//nolint:gocritic // returning multiple values is justified in this context
func setPublisherConfig(ctx context.Context, cfg config.Broker, exchange, routingKey string, data []byte, apiKey string) (_ context.Context, _, key string, mandatory, immediate bool, msg amqp091.Publishing) {
	msg = amqp091.Publishing{
		ContentType: mimetype.Detect(data).String(),
		Body:        data,
		AppId:       cfg.AppID,
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
	}

	if cfg.Persistent {
		msg.DeliveryMode = amqp091.Persistent
	}

	if apiKey != "" {
		msg.Headers = amqp091.Table{apiKeyHeader: apiKey}
	}

	return ctx, exchange, routingKey, false, false, msg
}
