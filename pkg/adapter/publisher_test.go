// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GwynCerbin/rabbit_gateway/pkg/adapter"
	"github.com/GwynCerbin/rabbit_gateway/pkg/adapter/adaptertest"
	"github.com/GwynCerbin/rabbit_gateway/pkg/config"
	"github.com/GwynCerbin/rabbit_gateway/pkg/credentials"
)

func perCallConfig() *config.Config {
	cfg := testConfig()
	cfg.Broker.Mode = config.ModePerCall

	return cfg
}

func TestSendPerCall(t *testing.T) {
	b := adaptertest.New()
	m, _ := newManager(t, b, perCallConfig())

	err := adapter.NewPublisher(m).Send(context.Background(), "test_exchange", "test_routing_key", "Test message", "")
	require.NoError(t, err)

	assert.Equal(t, []string{
		adaptertest.OpDial,
		adaptertest.OpChannel,
		adaptertest.OpExchangeDeclare,
		adaptertest.OpPublish,
		adaptertest.OpChannelClose,
		adaptertest.OpConnClose,
	}, b.Ops())

	declare := b.CallsOf(adaptertest.OpExchangeDeclare)[0]
	assert.Equal(t, "test_exchange", declare.Name)
	assert.Equal(t, "direct", declare.Kind)
	assert.True(t, declare.Durable)
	assert.False(t, declare.AutoDelete)

	publish := b.CallsOf(adaptertest.OpPublish)[0]
	assert.Equal(t, "test_exchange", publish.Exchange)
	assert.Equal(t, "test_routing_key", publish.Key)
	assert.Equal(t, []byte("Test message"), publish.Body)

	msg := b.Published()[0]
	assert.Equal(t, "text/plain; charset=utf-8", msg.ContentType)
	assert.NotEmpty(t, msg.MessageId)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Zero(t, msg.DeliveryMode)
	assert.Nil(t, msg.Headers)
}

func TestSendPerCallClosesOnPublishFailure(t *testing.T) {
	b := adaptertest.New()
	boom := errors.New("boom")
	b.Fail(adaptertest.OpPublish, boom)

	m, _ := newManager(t, b, perCallConfig())

	err := adapter.NewPublisher(m).Send(context.Background(), "test_exchange", "test_routing_key", "Test message", "")
	require.ErrorIs(t, err, boom)

	var pubErr *adapter.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "test_exchange", pubErr.Exchange)
	assert.Equal(t, "test_routing_key", pubErr.RoutingKey)

	ops := b.Ops()
	assert.Equal(t, []string{adaptertest.OpChannelClose, adaptertest.OpConnClose}, ops[len(ops)-2:])
}

func TestSendPerCallClosesOnTopologyFailure(t *testing.T) {
	b := adaptertest.New()
	require.NoError(t, rawChannel(t, b).ExchangeDeclare("test_exchange", amqp091.ExchangeFanout, true, false, false, false, nil))

	m, _ := newManager(t, b, perCallConfig())

	err := adapter.NewPublisher(m).Send(context.Background(), "test_exchange", "test_routing_key", "Test message", "")

	var topoErr *adapter.TopologyError
	require.ErrorAs(t, err, &topoErr)
	assert.Equal(t, "test_exchange", topoErr.Name)

	var amqpErr *amqp091.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp091.PreconditionFailed, amqpErr.Code)

	assert.Zero(t, b.Count(adaptertest.OpPublish))

	ops := b.Ops()
	assert.Equal(t, []string{adaptertest.OpChannelClose, adaptertest.OpConnClose}, ops[len(ops)-2:])
}

func TestSendPerCallMissingCredentials(t *testing.T) {
	b := adaptertest.New()

	cfg := perCallConfig()
	cfg.Broker.URL = "amqps://localhost:5671/"
	cfg.TLS.Disabled = false

	m, _ := newManager(t, b, cfg)

	err := adapter.NewPublisher(m).Send(context.Background(), "test_exchange", "test_routing_key", "Test message", "")
	require.ErrorIs(t, err, credentials.CertPathNotDefinedError{})
	assert.Empty(t, b.Calls())
}

func TestSendPerCallDialsEveryTime(t *testing.T) {
	b := adaptertest.New()
	m, _ := newManager(t, b, perCallConfig())
	p := adapter.NewPublisher(m)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Send(context.Background(), "test_exchange", "test_routing_key", "Test message", ""))
	}

	assert.Equal(t, 3, b.Count(adaptertest.OpDial))
	assert.Equal(t, 3, b.Count(adaptertest.OpConnClose))
}

func TestSendShared(t *testing.T) {
	b := adaptertest.New()
	m, _ := newManager(t, b, testConfig())
	p := adapter.NewPublisher(m)

	require.NoError(t, p.Send(context.Background(), "test_exchange", "test_routing_key", "first", ""))
	require.NoError(t, p.Send(context.Background(), "test_exchange", "test_routing_key", "second", ""))

	assert.Equal(t, 1, b.Count(adaptertest.OpDial))
	assert.Equal(t, 1, b.Count(adaptertest.OpChannel))
	assert.Zero(t, b.Count(adaptertest.OpChannelClose))
	assert.Len(t, b.Published(), 2)
}

func TestSendProperties(t *testing.T) {
	b := adaptertest.New()

	cfg := testConfig()
	cfg.Broker.AppID = "billing"
	cfg.Broker.Persistent = true

	m, _ := newManager(t, b, cfg)

	require.NoError(t, adapter.NewPublisher(m).Send(context.Background(), "test_exchange", "test_routing_key", `{"id":1}`, "key-1"))

	msg := b.Published()[0]
	assert.Equal(t, "billing", msg.AppId)
	assert.Equal(t, uint8(amqp091.Persistent), msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, "key-1", msg.Headers["x-api-key"])
}

func TestSendUniqueMessageIDs(t *testing.T) {
	b := adaptertest.New()
	m, _ := newManager(t, b, testConfig())
	p := adapter.NewPublisher(m)

	require.NoError(t, p.Send(context.Background(), "test_exchange", "k", "a", ""))
	require.NoError(t, p.Send(context.Background(), "test_exchange", "k", "a", ""))

	published := b.Published()
	assert.NotEqual(t, published[0].MessageId, published[1].MessageId)
}

func TestSendConfirmed(t *testing.T) {
	b := adaptertest.New()

	cfg := perCallConfig()
	cfg.Broker.Confirm = true

	m, _ := newManager(t, b, cfg)
	p := adapter.NewPublisher(m)

	require.NoError(t, p.Send(context.Background(), "test_exchange", "test_routing_key", "Test message", ""))
	assert.Equal(t, 1, b.Count(adaptertest.OpConfirm))

	b.NackConfirms(true)

	err := p.Send(context.Background(), "test_exchange", "test_routing_key", "Test message", "")
	require.ErrorIs(t, err, adapter.NotConfirmedError{})
	assert.Equal(t, 2, b.Count(adaptertest.OpConnClose))
}

func TestSendCancelledContext(t *testing.T) {
	b := adaptertest.New()
	m, _ := newManager(t, b, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := adapter.NewPublisher(m).Send(ctx, "test_exchange", "test_routing_key", "Test message", "")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, b.Count(adaptertest.OpPublish))
}
