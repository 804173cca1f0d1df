// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package config holds the single configuration object of the gateway.
// Values come from the environment, optionally layered over a YAML or .env file.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Mode selects how the publisher obtains its channel.
type Mode string

const (
	// ModeShared reuses the process-wide connection and channel.
	ModeShared Mode = "shared"
	// ModePerCall dials a private connection and channel for every publish.
	ModePerCall Mode = "per_call"
)

// QueueNaming selects how a consumer queue name is derived.
type QueueNaming string

const (
	// NamingRoutingKeyAPIKey names the queue "<routingKey>-<apiKey>".
	NamingRoutingKeyAPIKey QueueNaming = "routing_key_api_key"
	// NamingAPIKey names the queue after the api key alone.
	NamingAPIKey QueueNaming = "api_key"
)

// MismatchPolicy selects what happens to a delivery whose routing key
// differs from the one the subscriber asked for.
type MismatchPolicy string

const (
	// MismatchAck acknowledges and drops the delivery.
	MismatchAck MismatchPolicy = "ack"
	// MismatchIgnore leaves the delivery unacknowledged.
	MismatchIgnore MismatchPolicy = "ignore"
)

// Config is the full gateway configuration, read by Read or GetConfig.
type Config struct {
	Broker Broker `yaml:"broker"`
	TLS    TLS    `yaml:"tls"`
	Log    Log    `yaml:"log"`
}

// Broker holds the broker connection and consumer settings.
type Broker struct {
	URL              string         `env:"RABBIT_MQ_URL" env-default:"amqps://localhost:5671" yaml:"url" env-description:"broker URL"`
	Mode             Mode           `env:"RABBIT_MQ_MODE" env-default:"shared" yaml:"mode" env-description:"publisher channel mode: shared or per_call"`
	QueueNaming      QueueNaming    `env:"RABBIT_MQ_QUEUE_NAMING" env-default:"routing_key_api_key" yaml:"queue_naming" env-description:"consumer queue naming: routing_key_api_key or api_key"`
	MismatchPolicy   MismatchPolicy `env:"RABBIT_MQ_MISMATCH_POLICY" env-default:"ack" yaml:"mismatch_policy" env-description:"routing key mismatch policy: ack or ignore"`
	ConnectTimeout   time.Duration  `env:"RABBIT_MQ_CONNECT_TIMEOUT" env-default:"30s" yaml:"connect_timeout"`
	OperationTimeout time.Duration  `env:"RABBIT_MQ_OPERATION_TIMEOUT" env-default:"10s" yaml:"operation_timeout"`
	Heartbeat        time.Duration  `env:"RABBIT_MQ_HEARTBEAT" env-default:"10s" yaml:"heartbeat"`
	Prefetch         int            `env:"RABBIT_MQ_PREFETCH" env-default:"0" yaml:"prefetch"`
	Workers          int            `env:"RABBIT_MQ_WORKERS" env-default:"1" yaml:"workers"`
	AppID            string         `env:"RABBIT_MQ_APP_ID" yaml:"app_id"`
	Persistent       bool           `env:"RABBIT_MQ_PERSISTENT" yaml:"persistent"`
	Confirm          bool           `env:"RABBIT_MQ_CONFIRM" yaml:"confirm" env-description:"wait for broker confirmation, per_call mode only"`
}

// TLS locates the client credential bundle presented on amqps dials.
type TLS struct {
	Disabled       bool   `env:"RABBIT_MQ_TLS_DISABLED" yaml:"disabled" env-description:"connect without TLS, credentials are not required"`
	ServerName     string `env:"RABBIT_MQ_SERVER_NAME" yaml:"server_name"`
	ClientCertPath string `env:"CLIENT_CERT_PATH" yaml:"client_cert" env-description:"client certificate PEM file"`
	ClientKeyPath  string `env:"CLIENT_KEY_PATH" yaml:"client_key" env-description:"client private key PEM file"`
	CACertPath     string `env:"CA_CERT_PATH" yaml:"ca_cert" env-description:"CA certificate PEM file"`
	Passphrase     string `env:"PASSPHRASE" yaml:"-" env-description:"client private key passphrase"`
}

// Log configures the zap logger built by the command.
type Log struct {
	Level       string `env:"LOG_LEVEL" env-default:"info" yaml:"level"`
	Development bool   `env:"LOG_DEVELOPMENT" yaml:"development"`
}

// Read loads the configuration from path (YAML or .env) and the environment.
// An empty path reads the environment only.
func Read(path string) (*Config, error) {
	var (
		cfg = new(Config)
		err error
	)

	if path == "" {
		err = cleanenv.ReadEnv(cfg)
	} else {
		err = cleanenv.ReadConfig(path, cfg)
	}

	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the enumerated options and numeric bounds.
func (c *Config) Validate() error {
	switch c.Broker.Mode {
	case ModeShared, ModePerCall:
	default:
		return fmt.Errorf("invalid broker mode %q", c.Broker.Mode)
	}

	switch c.Broker.QueueNaming {
	case NamingRoutingKeyAPIKey, NamingAPIKey:
	default:
		return fmt.Errorf("invalid queue naming %q", c.Broker.QueueNaming)
	}

	switch c.Broker.MismatchPolicy {
	case MismatchAck, MismatchIgnore:
	default:
		return fmt.Errorf("invalid mismatch policy %q", c.Broker.MismatchPolicy)
	}

	if c.Broker.Workers < 1 {
		return fmt.Errorf("invalid workers count: %d", c.Broker.Workers)
	}

	if c.Broker.Prefetch < 0 {
		return fmt.Errorf("invalid prefetch count: %d", c.Broker.Prefetch)
	}

	return nil
}

// Description returns the cleanenv help text for every recognized variable.
func Description() string {
	help, err := cleanenv.GetDescription(new(Config), nil)
	if err != nil {
		return err.Error()
	}

	return help
}

var (
	once     sync.Once
	instance *Config
	readErr  error
)

// GetConfig reads the process configuration once and returns the same instance afterwards.
func GetConfig(path string) (*Config, error) {
	once.Do(func() {
		instance, readErr = Read(path)
	})

	return instance, readErr
}
