// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import "fmt"

// ConnClosedError is returned when the shared connection is gone, either
// closed by the client or lost to a broker-side error. No reconnect is attempted.
type ConnClosedError struct{}

// ConfigEmptyError indicates that a nil configuration was passed.
type ConfigEmptyError struct{}

// EmptyAPIKeyError is returned when a subscriber passes no api key to derive its queue from.
type EmptyAPIKeyError struct{}

// SubscriptionClosedError is returned when a subscription is cancelled twice.
type SubscriptionClosedError struct{}

// UnroutedMessageError marks a delivery whose routing key differs from the subscribed one.
type UnroutedMessageError struct{}

// NotConfirmedError is returned when the broker negatively confirms a publishing.
type NotConfirmedError struct{}

func (ConnClosedError) Error() string {
	return "connection closed"
}

func (ConfigEmptyError) Error() string {
	return "empty config passed, unable to create"
}

func (EmptyAPIKeyError) Error() string {
	return "empty api key, unable to derive queue name"
}

func (SubscriptionClosedError) Error() string {
	return "subscription already closed"
}

func (UnroutedMessageError) Error() string {
	return "unrouted message"
}

func (NotConfirmedError) Error() string {
	return "publishing not confirmed by broker"
}

// ConnectionError wraps a TLS handshake or TCP connect failure.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError wraps a failure to open or configure a channel, or to register a consumer on it.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// TopologyError wraps an exchange, queue or binding declaration rejected by the broker.
type TopologyError struct {
	Op   string
	Name string
	Err  error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// PublishError wraps a broker error raised while publishing.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %q with key %q: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// DecodeError is logged when a delivery body is not valid UTF-8 text.
type DecodeError struct {
	DeliveryTag uint64
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("delivery %d: body is not valid utf-8 text", e.DeliveryTag)
}
