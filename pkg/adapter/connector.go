// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/GwynCerbin/rabbit_gateway/pkg/config"
	"github.com/GwynCerbin/rabbit_gateway/pkg/credentials"

	"github.com/rabbitmq/amqp091-go"
)

// Manager owns at most one broker connection and one channel per process.
// The pair is created lazily on first use and shared by every publisher and
// consumer afterwards. A lost connection is logged and reported to later
// callers as ConnClosedError; it is never re-established.
type Manager struct {
	// cfg stores the broker and TLS configuration.
	cfg config.Config
	// loader resolves the TLS credential bundle for each dial.
	loader *credentials.Loader
	// dial opens the transport session.
	dial   Dialer
	logger *zap.Logger
	// group collapses concurrent first callers into a single dial.
	group singleflight.Group

	mu   sync.Mutex
	conn Connection
	ch   Channel
	// lost holds why the shared connection went away.
	lost error
}

// NewManager returns a Manager for cfg without connecting.
func NewManager(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, ConfigEmptyError{}
	}

	m := &Manager{
		cfg:    *cfg,
		dial:   DialAMQP,
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.loader == nil {
		m.loader = credentials.NewLoader(cfg.TLS)
	}

	if !cfg.TLS.Disabled && !strings.HasPrefix(cfg.Broker.URL, "amqps://") {
		m.logger.Warn("tls credentials configured for a non amqps url, they will not be presented",
			zap.String("url", redact(cfg.Broker.URL)))
	}

	return m, nil
}

// Channel returns the shared channel, dialing the connection on first use.
// Concurrent first callers share one dial and receive the same channel; each
// caller only waits as long as its own ctx allows, while the dial itself is
// bounded by the configured timeouts. A channel closed by the broker is
// replaced on the same connection.
func (m *Manager) Channel(ctx context.Context) (Channel, error) {
	if ch, err := m.cached(); ch != nil || err != nil {
		return ch, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	flight := m.group.DoChan("channel", func() (interface{}, error) {
		return m.share(context.WithoutCancel(ctx))
	})

	select {
	case res := <-flight:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(Channel), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// share opens the shared pair. A Close that ran while it was dialing wins:
// whatever was opened meanwhile is closed again.
func (m *Manager) share(ctx context.Context) (Channel, error) {
	if ch, err := m.cached(); ch != nil || err != nil {
		return ch, err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn != nil && conn.IsClosed() {
		return nil, ConnClosedError{}
	}

	if conn == nil {
		var err error
		if conn, err = m.connect(ctx); err != nil {
			return nil, err
		}

		m.mu.Lock()
		if lost := m.lost; lost != nil {
			m.mu.Unlock()
			m.closeConn(conn)

			return nil, lost
		}
		m.conn = conn
		m.mu.Unlock()

		go m.watch(conn, conn.NotifyClose(make(chan *amqp091.Error, 1)))
	}

	ch, err := m.openChannel(ctx, conn)
	if err != nil {
		if lost := m.lostErr(); lost != nil {
			return nil, lost
		}

		return nil, err
	}

	m.mu.Lock()
	if lost := m.lost; lost != nil {
		m.mu.Unlock()
		closePair(m.logger, ch, conn)

		return nil, lost
	}
	m.ch = ch
	m.mu.Unlock()

	go m.watchChannel(ch, ch.NotifyClose(make(chan *amqp091.Error, 1)))

	m.logger.Info("shared broker channel opened", zap.String("url", redact(m.cfg.Broker.URL)))

	return ch, nil
}

func (m *Manager) lostErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lost
}

func (m *Manager) cached() (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lost != nil {
		return nil, m.lost
	}

	return m.ch, nil
}

// Open dials a private connection and opens one channel on it. Credentials
// are resolved before any network attempt. The caller owns the returned pair.
func (m *Manager) Open(ctx context.Context) (Connection, Channel, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, nil, err
	}

	ch, err := m.openChannel(ctx, conn)
	if err != nil {
		m.closeConn(conn)

		return nil, nil, err
	}

	return conn, ch, nil
}

func (m *Manager) connect(ctx context.Context) (Connection, error) {
	amqpCfg, err := m.amqpConfig()
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, m.cfg.Broker.ConnectTimeout)
	defer cancel()

	conn, err := m.dialContext(ctx, amqpCfg)
	if err != nil {
		return nil, &ConnectionError{URL: redact(m.cfg.Broker.URL), Err: err}
	}

	return conn, nil
}

func (m *Manager) openChannel(ctx context.Context, conn Connection) (Channel, error) {
	ctx, cancel := withTimeout(ctx, m.cfg.Broker.OperationTimeout)
	defer cancel()

	var ch Channel

	err := run(ctx, func() (err error) {
		ch, err = conn.Channel()
		return err
	})
	if err != nil {
		return nil, &ChannelError{Op: "create channel", Err: err}
	}

	if prefetch := m.cfg.Broker.Prefetch; prefetch > 0 {
		if err = run(ctx, func() error { return ch.Qos(prefetch, 0, false) }); err != nil {
			if cerr := ch.Close(); cerr != nil && !errorsIsClosed(cerr) {
				m.logger.Warn("close channel", zap.Error(cerr))
			}

			return nil, &ChannelError{Op: "set qos", Err: err}
		}
	}

	return ch, nil
}

// dialContext runs the dialer until ctx ends. A connection that arrives after
// ctx ended is closed at once.
func (m *Manager) dialContext(ctx context.Context, amqpCfg amqp091.Config) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		conn Connection
		err  error
	}

	done := make(chan result, 1)

	go func() {
		conn, err := m.dial(m.cfg.Broker.URL, amqpCfg)
		done <- result{conn: conn, err: err}
	}()

	select {
	case res := <-done:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				m.closeConn(res.conn)
			}
		}()

		return nil, ctx.Err()
	}
}

func (m *Manager) amqpConfig() (amqp091.Config, error) {
	props := amqp091.NewConnectionProperties()
	if m.cfg.Broker.AppID != "" {
		props.SetClientConnectionName(m.cfg.Broker.AppID)
	}

	amqpCfg := amqp091.Config{
		Heartbeat:  m.cfg.Broker.Heartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp091.DefaultDial(m.cfg.Broker.ConnectTimeout),
	}

	if m.cfg.TLS.Disabled {
		return amqpCfg, nil
	}

	bundle, err := m.loader.Load()
	if err != nil {
		return amqpCfg, err
	}

	tlsCfg, err := bundle.TLSConfig(m.cfg.TLS.ServerName)
	if err != nil {
		return amqpCfg, fmt.Errorf("build tls config: %w", err)
	}

	amqpCfg.TLSClientConfig = tlsCfg

	return amqpCfg, nil
}

// watch logs the asynchronous error and close signals of the shared connection.
func (m *Manager) watch(conn Connection, notify chan *amqp091.Error) {
	var reason error = ConnClosedError{}

	for amqpErr := range notify {
		m.logger.Error("broker connection error", zap.Error(amqpErr))
		reason = fmt.Errorf("%w: %w", ConnClosedError{}, amqpErr)
	}

	m.logger.Info("broker connection closed")

	m.mu.Lock()
	if m.conn == conn && m.lost == nil {
		m.lost = reason
	}
	m.mu.Unlock()
}

// watchChannel drops the shared channel once the broker closes it, so the
// next caller opens a fresh one on the same connection.
func (m *Manager) watchChannel(ch Channel, notify chan *amqp091.Error) {
	for amqpErr := range notify {
		m.logger.Error("broker channel error", zap.Error(amqpErr))
	}

	m.mu.Lock()
	if m.ch == ch {
		m.ch = nil
	}
	m.mu.Unlock()
}

// Close closes the shared channel, then the connection. Later calls to
// Channel return ConnClosedError.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn, ch := m.conn, m.ch
	if m.lost == nil {
		m.lost = ConnClosedError{}
	}
	m.mu.Unlock()

	if conn == nil {
		return nil
	}

	if ch != nil {
		if err := ch.Close(); err != nil && !errorsIsClosed(err) {
			m.logger.Warn("close shared channel", zap.Error(err))
		}
	}

	if err := conn.Close(); err != nil && !errorsIsClosed(err) {
		return fmt.Errorf("close connection error: %w", err)
	}

	return nil
}

func (m *Manager) closeConn(conn Connection) {
	if err := conn.Close(); err != nil && !errorsIsClosed(err) {
		m.logger.Warn("close connection", zap.Error(err))
	}
}

// closePair closes the channel before the connection and logs failures.
func closePair(logger *zap.Logger, ch Channel, conn Connection) {
	if err := ch.Close(); err != nil && !errorsIsClosed(err) {
		logger.Warn("close channel", zap.Error(err))
	}

	if err := conn.Close(); err != nil && !errorsIsClosed(err) {
		logger.Warn("close connection", zap.Error(err))
	}
}

// redact hides the password of a broker URL for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}

	return u.Redacted()
}
