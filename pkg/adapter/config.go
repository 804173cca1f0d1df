// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"go.uber.org/zap"

	"github.com/GwynCerbin/rabbit_gateway/pkg/credentials"

	"github.com/rabbitmq/amqp091-go"
)

const (
	mimeReadLimit = 512 //bytes that mime will read

	exchangeKind = amqp091.ExchangeDirect
	apiKeyHeader = "x-api-key"
	consumerTag  = "rabbit_gateway"
)

type ExchangeDeclare struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       amqp091.Table
}

type QueueDeclareAndBind struct {
	Name         string
	NoBind       bool
	RoutingKey   string
	ExchangeName string
	BindArgs     amqp091.Table
	Durable      bool
	AutoDelete   bool
	Exclusive    bool
	Args         amqp091.Table
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDialer replaces DialAMQP.
func WithDialer(dial Dialer) Option {
	return func(m *Manager) {
		m.dial = dial
	}
}

// WithLoader replaces the credential loader built from the TLS configuration.
func WithLoader(loader *credentials.Loader) Option {
	return func(m *Manager) {
		m.loader = loader
	}
}
