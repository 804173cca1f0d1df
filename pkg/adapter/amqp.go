// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"

	"github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp091.Channel the gateway uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp091.Confirmation) chan amqp091.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	IsClosed() bool
	Close() error
}

// Connection is the part of *amqp091.Connection the gateway uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string, cfg amqp091.Config) (Connection, error)

// amqpConnection adapts *amqp091.Connection to Connection.
type amqpConnection struct {
	*amqp091.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

// DialAMQP is the default Dialer backed by amqp091.DialConfig.
func DialAMQP(url string, cfg amqp091.Config) (Connection, error) {
	con, err := amqp091.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}

	return amqpConnection{Connection: con}, nil
}
