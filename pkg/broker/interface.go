// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package broker

import "context"

// Handler receives the decoded text payload and routing key of one accepted delivery.
type Handler func(content, routingKey string)

// Publisher defines the interface for sending text payloads to a broker exchange.
type Publisher interface {
	// Send publishes message to exchange under routingKey on behalf of apiKey.
	// Broker errors are returned to the caller, never swallowed.
	Send(ctx context.Context, exchange, routingKey, message, apiKey string) error
}

// Subscriber defines the interface for consuming text payloads from a broker.
type Subscriber interface {
	// Subscribe provisions the queue for apiKey, binds it to exchange under routingKey
	// and starts delivering to onMessage. It returns once the subscription is registered;
	// deliveries keep flowing until the Subscription is cancelled.
	Subscribe(ctx context.Context, exchange, routingKey, apiKey string, onMessage Handler) (Subscription, error)
}

// Subscription is a registered consumption loop.
type Subscription interface {
	// Queue returns the name of the queue being consumed.
	Queue() string

	// Done is closed once the loop has stopped and every in-flight handler returned.
	Done() <-chan struct{}

	// Unsubscribe cancels the consumer and waits for in-flight handlers or ctx.
	Unsubscribe(ctx context.Context) error
}
