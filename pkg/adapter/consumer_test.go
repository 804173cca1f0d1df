// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GwynCerbin/rabbit_gateway/pkg/adapter"
	"github.com/GwynCerbin/rabbit_gateway/pkg/adapter/adaptertest"
	"github.com/GwynCerbin/rabbit_gateway/pkg/broker"
	"github.com/GwynCerbin/rabbit_gateway/pkg/config"
)

type received struct {
	content    string
	routingKey string
}

// collector records handler invocations.
type collector struct {
	mu   sync.Mutex
	msgs []received
}

func (c *collector) handle(content, routingKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.msgs = append(c.msgs, received{content: content, routingKey: routingKey})
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.msgs)
}

func (c *collector) all() []received {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]received(nil), c.msgs...)
}

func subscribe(t *testing.T, m *adapter.Manager, exchange, routingKey, apiKey string, h broker.Handler) broker.Subscription {
	t.Helper()

	sub, err := adapter.NewConsumer(m).Subscribe(context.Background(), exchange, routingKey, apiKey, h)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = sub.Unsubscribe(context.Background())
	})

	return sub
}

func publish(t *testing.T, ch adapter.Channel, exchange, routingKey string, body []byte) {
	t.Helper()

	require.NoError(t, ch.PublishWithContext(context.Background(), exchange, routingKey, false, false, amqp091.Publishing{Body: body}))
}

func TestSubscribeDeliversAndAcks(t *testing.T) {
	b := adaptertest.New()
	m, _ := newManager(t, b, testConfig())

	var got collector

	sub := subscribe(t, m, "test_exchange", "test_routing_key", "key1", got.handle)
	assert.Equal(t, "test_routing_key-key1", sub.Queue())

	assert.Equal(t, []string{
		adaptertest.OpExchangeDeclare,
		adaptertest.OpQueueDeclare,
		adaptertest.OpQueueBind,
		adaptertest.OpConsume,
	}, opsWithout(b.Ops(), adaptertest.OpDial, adaptertest.OpChannel))

	require.NoError(t, adapter.NewPublisher(m).Send(context.Background(), "test_exchange", "test_routing_key", "Test message", "key1"))

	require.Eventually(t, func() bool { return b.Count(adaptertest.OpAck) == 1 }, waitFor, tick)
	assert.Equal(t, []received{{content: "Test message", routingKey: "test_routing_key"}}, got.all())

	ack := b.CallsOf(adaptertest.OpAck)[0]
	assert.Equal(t, "test_routing_key-key1", ack.Name)
}

func TestSubscribeEmptyAPIKey(t *testing.T) {
	b := adaptertest.New()
	m, _ := newManager(t, b, testConfig())

	_, err := adapter.NewConsumer(m).Subscribe(context.Background(), "test_exchange", "test_routing_key", "", nil)
	require.ErrorIs(t, err, adapter.EmptyAPIKeyError{})
	assert.Empty(t, b.Calls())
}

func TestSubscribeTopologyFailure(t *testing.T) {
	b := adaptertest.New()
	require.NoError(t, rawChannel(t, b).ExchangeDeclare("test_exchange", amqp091.ExchangeFanout, true, false, false, false, nil))

	m, _ := newManager(t, b, testConfig())

	_, err := adapter.NewConsumer(m).Subscribe(context.Background(), "test_exchange", "test_routing_key", "key1", nil)

	var topoErr *adapter.TopologyError
	require.ErrorAs(t, err, &topoErr)
	assert.Zero(t, b.Count(adaptertest.OpConsume))
}

func TestSubscribeDeadlineCancelsLateConsumer(t *testing.T) {
	b := adaptertest.New()
	m, _ := newManager(t, b, testConfig())

	_, err := m.Channel(context.Background())
	require.NoError(t, err)

	release := b.Hang(adaptertest.OpConsume)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = adapter.NewConsumer(m).Subscribe(ctx, "test_exchange", "test_routing_key", "key1", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var chErr *adapter.ChannelError
	require.ErrorAs(t, err, &chErr)

	release()

	require.Eventually(t, func() bool { return b.Count(adaptertest.OpCancel) == 1 }, waitFor, tick)

	consume := b.CallsOf(adaptertest.OpConsume)
	require.Len(t, consume, 1)
	assert.Equal(t, consume[0].Key, b.CallsOf(adaptertest.OpCancel)[0].Key)

	// the auto-delete queue goes away with the cancelled consumer
	_, _, ok := b.QueueState("test_routing_key-key1")
	assert.False(t, ok)
}

func TestSubscribeQueueNaming(t *testing.T) {
	b := adaptertest.New()

	cfg := testConfig()
	cfg.Broker.QueueNaming = config.NamingAPIKey

	m, _ := newManager(t, b, cfg)

	sub := subscribe(t, m, "test_exchange", "test_routing_key", "key1", nil)
	assert.Equal(t, "key1", sub.Queue())
}

func TestRoutingKeyMismatch(t *testing.T) {
	tests := []struct {
		name   string
		policy config.MismatchPolicy
		acks   int
	}{
		{name: "ack", policy: config.MismatchAck, acks: 1},
		{name: "ignore", policy: config.MismatchIgnore, acks: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := adaptertest.New()

			cfg := testConfig()
			cfg.Broker.MismatchPolicy = tt.policy

			m, logs := newManager(t, b, cfg)

			var got collector

			subscribe(t, m, "test_exchange", "test_routing_key", "key1", got.handle)

			// a second binding lets a foreign key reach the queue
			raw := rawChannel(t, b)
			require.NoError(t, raw.QueueBind("test_routing_key-key1", "other_key", "test_exchange", false, nil))
			publish(t, raw, "test_exchange", "other_key", []byte("stray"))

			require.Eventually(t, func() bool {
				return logs.FilterMessage("ignored: invalid key").Len() == 1
			}, waitFor, tick)

			assert.Eventually(t, func() bool {
				return b.Count(adaptertest.OpAck) == tt.acks
			}, waitFor, tick)
			assert.Zero(t, got.len())
		})
	}
}

func TestInvalidUTF8LeftUnacked(t *testing.T) {
	b := adaptertest.New()
	m, logs := newManager(t, b, testConfig())

	var got collector

	subscribe(t, m, "test_exchange", "test_routing_key", "key1", got.handle)
	publish(t, rawChannel(t, b), "test_exchange", "test_routing_key", []byte{0xff, 0xfe, 0xfd})

	require.Eventually(t, func() bool {
		return logs.FilterMessage("decode delivery").Len() == 1
	}, waitFor, tick)

	assert.Zero(t, got.len())
	assert.Zero(t, b.Count(adaptertest.OpAck))
	assert.Zero(t, b.Count(adaptertest.OpNack))
}

func TestHandlerPanicKeepsConsuming(t *testing.T) {
	b := adaptertest.New()
	m, logs := newManager(t, b, testConfig())

	var got collector

	subscribe(t, m, "test_exchange", "test_routing_key", "key1", func(content, routingKey string) {
		if content == "bad" {
			panic("handler failed")
		}

		got.handle(content, routingKey)
	})

	raw := rawChannel(t, b)
	publish(t, raw, "test_exchange", "test_routing_key", []byte("bad"))
	publish(t, raw, "test_exchange", "test_routing_key", []byte("good"))

	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return b.Count(adaptertest.OpAck) == 1 }, waitFor, tick)

	assert.Equal(t, 1, logs.FilterMessage("handler panic").Len())
	assert.Equal(t, []byte("good"), b.CallsOf(adaptertest.OpAck)[0].Body)
}

func TestNilHandlerLogs(t *testing.T) {
	b := adaptertest.New()
	m, logs := newManager(t, b, testConfig())

	subscribe(t, m, "test_exchange", "test_routing_key", "key1", nil)
	publish(t, rawChannel(t, b), "test_exchange", "test_routing_key", []byte("Test message"))

	require.Eventually(t, func() bool { return b.Count(adaptertest.OpAck) == 1 }, waitFor, tick)

	entries := logs.FilterMessage("received").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Test message", entries[0].ContextMap()["content"])
}

func TestDeliveryMetadataLogged(t *testing.T) {
	b := adaptertest.New()
	m, logs := newManager(t, b, testConfig())

	var got collector

	subscribe(t, m, "test_exchange", "test_routing_key", "key1", got.handle)
	require.NoError(t, adapter.NewPublisher(m).Send(context.Background(), "test_exchange", "test_routing_key", "Test message", "key1"))

	require.Eventually(t, func() bool { return b.Count(adaptertest.OpAck) == 1 }, waitFor, tick)

	entries := logs.FilterMessage("delivery received").All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "key1", fields["api_key"])
	assert.Equal(t, "text/plain; charset=utf-8", fields["content_type"])
	assert.Equal(t, false, fields["redelivered"])
	assert.Equal(t, "test_routing_key", fields["routing_key"])
}

func TestUnsubscribe(t *testing.T) {
	b := adaptertest.New()
	m, _ := newManager(t, b, testConfig())

	sub, err := adapter.NewConsumer(m).Subscribe(context.Background(), "test_exchange", "test_routing_key", "key1", nil)
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe(context.Background()))

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription not done after unsubscribe")
	}

	// auto-delete queue goes away with its last consumer
	_, _, ok := b.QueueState("test_routing_key-key1")
	assert.False(t, ok)

	assert.ErrorIs(t, sub.Unsubscribe(context.Background()), adapter.SubscriptionClosedError{})
}

func TestUnsubscribeFromOwnHandler(t *testing.T) {
	b := adaptertest.New()
	m, _ := newManager(t, b, testConfig())

	var sub broker.Subscription

	ready := make(chan struct{})
	result := make(chan error, 1)

	sub = subscribe(t, m, "test_exchange", "test_routing_key", "key1", func(string, string) {
		<-ready

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		result <- sub.Unsubscribe(ctx)
	})
	close(ready)

	publish(t, rawChannel(t, b), "test_exchange", "test_routing_key", []byte("stop"))

	select {
	case err := <-result:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(waitFor):
		t.Fatal("Unsubscribe from handler did not return")
	}

	// the consumer was cancelled and the loop ends once the handler returned
	require.Eventually(t, func() bool {
		select {
		case <-sub.Done():
			return true
		default:
			return false
		}
	}, waitFor, tick)

	assert.Equal(t, 1, b.Count(adaptertest.OpCancel))
	assert.Equal(t, 1, b.Count(adaptertest.OpAck))
}

func TestSubscriptionEndsWithChannel(t *testing.T) {
	b := adaptertest.New()
	m, _ := newManager(t, b, testConfig())

	sub := subscribe(t, m, "test_exchange", "test_routing_key", "key1", nil)

	b.Drop(&amqp091.Error{Code: amqp091.ConnectionForced, Reason: "CONNECTION_FORCED"})

	require.Eventually(t, func() bool {
		select {
		case <-sub.Done():
			return true
		default:
			return false
		}
	}, waitFor, tick)
}

func TestCompetingConsumers(t *testing.T) {
	b := adaptertest.New()
	m, _ := newManager(t, b, testConfig())

	var first, second collector

	subA := subscribe(t, m, "test_exchange", "test_routing_key", "key1", first.handle)
	subB := subscribe(t, m, "test_exchange", "test_routing_key", "key1", second.handle)
	assert.Equal(t, subA.Queue(), subB.Queue())

	p := adapter.NewPublisher(m)
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Send(context.Background(), "test_exchange", "test_routing_key", "job", ""))
	}

	require.Eventually(t, func() bool { return first.len()+second.len() == 4 }, waitFor, tick)
	assert.Equal(t, 2, first.len())
	assert.Equal(t, 2, second.len())
}

func TestFanOutByAPIKey(t *testing.T) {
	b := adaptertest.New()
	m, _ := newManager(t, b, testConfig())

	var first, second collector

	subscribe(t, m, "test_exchange", "test_routing_key", "key1", first.handle)
	subscribe(t, m, "test_exchange", "test_routing_key", "key2", second.handle)

	require.NoError(t, adapter.NewPublisher(m).Send(context.Background(), "test_exchange", "test_routing_key", "event", ""))

	require.Eventually(t, func() bool { return first.len() == 1 && second.len() == 1 }, waitFor, tick)
}

func TestWorkerPool(t *testing.T) {
	b := adaptertest.New()

	cfg := testConfig()
	cfg.Broker.Workers = 3

	m, _ := newManager(t, b, cfg)

	var (
		started sync.WaitGroup
		gate    = make(chan struct{})
	)

	started.Add(3)

	subscribe(t, m, "test_exchange", "test_routing_key", "key1", func(string, string) {
		started.Done()
		<-gate
	})

	raw := rawChannel(t, b)
	for i := 0; i < 3; i++ {
		publish(t, raw, "test_exchange", "test_routing_key", []byte("slow"))
	}

	// three handlers run at once or this blocks forever
	started.Wait()
	close(gate)

	require.Eventually(t, func() bool { return b.Count(adaptertest.OpAck) == 3 }, waitFor, tick)
}
