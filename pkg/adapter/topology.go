// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"time"
)

// Provisioner declares exchanges, queues and bindings on a given channel.
// Every broker call is bounded by timeout unless the caller's context carries
// its own deadline. Broker errors are wrapped in TopologyError and stay
// reachable through errors.Is / errors.As.
type Provisioner struct {
	timeout time.Duration
}

func NewProvisioner(timeout time.Duration) *Provisioner {
	return &Provisioner{timeout: timeout}
}

// EnsureExchange declares name as a durable direct exchange. Redeclaring with
// the same parameters is a no-op on the broker.
func (p *Provisioner) EnsureExchange(ctx context.Context, ch Channel, name string) error {
	return p.DeclareExchange(ctx, ch, &ExchangeDeclare{
		Name:    name,
		Type:    exchangeKind,
		Durable: true,
	})
}

// EnsureTopology declares the exchange, a non-exclusive auto-delete queue and
// the binding between them on routingKey, in that order. The first failure
// aborts the rest. It returns the declared queue name.
func (p *Provisioner) EnsureTopology(ctx context.Context, ch Channel, exchange, queueName, routingKey string) (string, error) {
	if err := p.EnsureExchange(ctx, ch, exchange); err != nil {
		return "", err
	}

	return p.QueueDeclareAndBind(ctx, ch, &QueueDeclareAndBind{
		Name:         queueName,
		RoutingKey:   routingKey,
		ExchangeName: exchange,
		AutoDelete:   true,
	})
}

// DeclareExchange declares one exchange.
func (p *Provisioner) DeclareExchange(ctx context.Context, ch Channel, cfg *ExchangeDeclare) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	err := run(ctx, func() error {
		return ch.ExchangeDeclare(cfg.Name, cfg.Type, cfg.Durable, cfg.AutoDelete, cfg.Internal, false, cfg.Args)
	})
	if err != nil {
		return &TopologyError{Op: "declare exchange", Name: cfg.Name, Err: err}
	}

	return nil
}

// QueueDeclareAndBind declares a queue and optionally binds it to an exchange.
func (p *Provisioner) QueueDeclareAndBind(ctx context.Context, ch Channel, cfg *QueueDeclareAndBind) (string, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	var name string

	err := run(ctx, func() error {
		queue, err := ch.QueueDeclare(cfg.Name, cfg.Durable, cfg.AutoDelete, cfg.Exclusive, false, cfg.Args)
		name = queue.Name
		return err
	})
	if err != nil {
		return "", &TopologyError{Op: "declare queue", Name: cfg.Name, Err: err}
	}

	if cfg.NoBind {
		return name, nil
	}

	err = run(ctx, func() error {
		return ch.QueueBind(name, cfg.RoutingKey, cfg.ExchangeName, false, cfg.BindArgs)
	})
	if err != nil {
		return "", &TopologyError{Op: "bind queue", Name: name, Err: err}
	}

	return name, nil
}

// DeleteExchange removes an existing exchange by name.
func (p *Provisioner) DeleteExchange(ctx context.Context, ch Channel, name string) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	if err := run(ctx, func() error { return ch.ExchangeDelete(name, false, false) }); err != nil {
		return &TopologyError{Op: "delete exchange", Name: name, Err: err}
	}

	return nil
}

// DeleteQueue removes an existing queue by name.
func (p *Provisioner) DeleteQueue(ctx context.Context, ch Channel, name string) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	err := run(ctx, func() error {
		_, err := ch.QueueDelete(name, false, false, false)
		return err
	})
	if err != nil {
		return &TopologyError{Op: "delete queue", Name: name, Err: err}
	}

	return nil
}
