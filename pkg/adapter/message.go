// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"
)

// Message wraps an AMQP delivery and tracks acknowledgment state.
// A delivery is settled at most once; later Ack calls are no-ops.
type Message struct {
	// deliver holds the original AMQP delivery metadata and payload.
	deliver amqp091.Delivery
	// completed flips once the delivery has been acked or deliberately left alone.
	completed atomic.Bool
}

func newMessage(d amqp091.Delivery) *Message {
	return &Message{deliver: d}
}

// RoutingKey returns the message routing key set on the AMQP delivery.
func (m *Message) RoutingKey() string {
	return m.deliver.RoutingKey
}

// Headers returns the message headers set on the AMQP delivery.
func (m *Message) Headers() map[string]interface{} {
	return m.deliver.Headers
}

// APIKey returns the publisher api key carried in the x-api-key header, if any.
func (m *Message) APIKey() string {
	key, _ := m.Headers()[apiKeyHeader].(string)
	return key
}

// ContentType returns the MIME content type of the message payload.
func (m *Message) ContentType() string {
	return m.deliver.ContentType
}

// IsRedelivered indicates if the delivery is a redelivery (duplicate) of a previous message.
func (m *Message) IsRedelivered() bool {
	return m.deliver.Redelivered
}

// Body returns the raw message payload as a byte slice.
func (m *Message) Body() []byte {
	return m.deliver.Body
}

func (m *Message) DeliveryTag() uint64 {
	return m.deliver.DeliveryTag
}

// Ack acknowledges the delivery exactly once, removing it from the queue.
func (m *Message) Ack() error {
	if m.completed.CompareAndSwap(false, true) {
		return m.deliver.Ack(false)
	}
	return nil
}

// leave settles the message locally without telling the broker, so the
// delivery stays unacknowledged until the channel closes.
func (m *Message) leave() {
	m.completed.Store(true)
}
