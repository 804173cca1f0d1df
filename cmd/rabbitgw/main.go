// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Command rabbitgw publishes to or consumes from a direct exchange through
// the gateway.
//
//	rabbitgw publish -exchange orders -key created -api-key svc "payload"
//	rabbitgw consume -exchange orders -key created -api-key svc
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	gateway "github.com/GwynCerbin/rabbit_gateway"
	"github.com/GwynCerbin/rabbit_gateway/pkg/adapter"
	"github.com/GwynCerbin/rabbit_gateway/pkg/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return errors.New("missing command")
	}

	cmd, args := args[0], args[1:]

	flags := flag.NewFlagSet(cmd, flag.ContinueOnError)
	configPath := flags.String("config", "", "YAML config file, the environment is read when empty")
	envFile := flags.String("env", ".env", "dotenv file loaded before reading the environment")
	exchange := flags.String("exchange", "", "exchange name")
	routingKey := flags.String("key", "", "routing key")
	apiKey := flags.String("api-key", "", "api key, names the consumer queue")
	flags.Usage = usage

	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envFile, err)
	}

	cfg, err := config.GetConfig(*configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	gw, err := gateway.New(cfg, adapter.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "publish":
		err = gw.SendMessage(ctx, *exchange, *routingKey, strings.Join(flags.Args(), " "), *apiKey)
	case "consume":
		err = consume(ctx, gw, *exchange, *routingKey, *apiKey)
	default:
		usage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return errors.Join(err, gw.Shutdown(shutdownCtx))
}

func consume(ctx context.Context, gw *gateway.Gateway, exchange, routingKey, apiKey string) error {
	sub, err := gw.ConsumeMessages(ctx, exchange, routingKey, apiKey, func(content, routingKey string) {
		fmt.Printf("%s\t%s\n", routingKey, content)
	})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-sub.Done():
		return adapter.ConnClosedError{}
	}
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: rabbitgw publish|consume [flags] [payload]\n\n%s\n", config.Description())
}
