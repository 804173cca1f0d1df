// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package gateway moves text payloads between producers and consumers through
// a direct exchange on an AMQP 0-9-1 broker reached over mutual TLS.
//
// One Gateway owns one shared connection and channel. SendMessage and
// ConsumeMessages may be called from any number of goroutines.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GwynCerbin/rabbit_gateway/pkg/adapter"
	"github.com/GwynCerbin/rabbit_gateway/pkg/broker"
	"github.com/GwynCerbin/rabbit_gateway/pkg/config"
)

var (
	_ broker.Publisher  = (*adapter.Publisher)(nil)
	_ broker.Subscriber = (*adapter.Consumer)(nil)
)

// Gateway is the façade over the connection manager, publisher and consumer.
type Gateway struct {
	con       *adapter.Manager
	publisher broker.Publisher
	consumer  broker.Subscriber

	mu   sync.Mutex
	subs map[broker.Subscription]struct{}
}

// New builds a Gateway from cfg. Nothing is dialed until the first call.
func New(cfg *config.Config, opts ...adapter.Option) (*Gateway, error) {
	con, err := adapter.NewManager(cfg, opts...)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		con:       con,
		publisher: adapter.NewPublisher(con),
		consumer:  adapter.NewConsumer(con),
		subs:      make(map[broker.Subscription]struct{}),
	}, nil
}

// SendMessage publishes message to exchange under routingKey.
func (g *Gateway) SendMessage(ctx context.Context, exchange, routingKey, message, apiKey string) error {
	return g.publisher.Send(ctx, exchange, routingKey, message, apiKey)
}

// ConsumeMessages subscribes onMessage to deliveries on exchange with
// routingKey for the queue derived from apiKey. It returns once the consumer
// is registered.
func (g *Gateway) ConsumeMessages(ctx context.Context, exchange, routingKey, apiKey string, onMessage broker.Handler) (broker.Subscription, error) {
	sub, err := g.consumer.Subscribe(ctx, exchange, routingKey, apiKey, onMessage)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.subs[sub] = struct{}{}
	g.mu.Unlock()

	go func() {
		<-sub.Done()

		g.mu.Lock()
		delete(g.subs, sub)
		g.mu.Unlock()
	}()

	return sub, nil
}

// Shutdown cancels every live subscription, waits for their handlers or ctx,
// and closes the shared channel and connection. Calling it from a message
// handler blocks until ctx ends, since that handler is one it waits for.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	subs := make([]broker.Subscription, 0, len(g.subs))
	for sub := range g.subs {
		subs = append(subs, sub)
	}
	g.mu.Unlock()

	var errs []error

	for _, sub := range subs {
		err := sub.Unsubscribe(ctx)
		if err != nil && !errors.Is(err, adapter.SubscriptionClosedError{}) {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", sub.Queue(), err))
		}
	}

	if err := g.con.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
