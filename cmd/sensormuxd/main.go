// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sensormux/sensormux/hal"
	"github.com/sensormux/sensormux/lib/clock"
	"github.com/sensormux/sensormux/lib/config"
	"github.com/sensormux/sensormux/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sensormuxd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	socketPath := flag.String("socket", "", "data-plane socket path (overrides config)")
	backend := flag.String("backend", "", "hardware backend, \"sim\" or \"host\" (overrides config)")
	maxClients := flag.Int("max-clients", 0, "maximum simultaneous clients (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *socketPath != "" {
		cfg.Socket = *socketPath
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *maxClients > 0 {
		cfg.MaxClients = *maxClients
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))

	clk := clock.Real()
	device, err := newDevice(cfg, clk)
	if err != nil {
		return fmt.Errorf("initializing %s backend: %w", cfg.Backend, err)
	}

	server, err := proxy.NewServer(proxy.Config{
		SocketPath: cfg.Socket,
		MaxClients: cfg.MaxClients,
		Backend:    cfg.Backend,
		Device:     device,
		Logger:     logger,
		Clock:      clk,
	})
	if err != nil {
		device.Close()
		return err
	}
	control := proxy.NewControlServer(cfg.ControlSocketPath(), server, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controlDone := make(chan error, 1)
	go func() {
		controlDone <- control.Serve(ctx)
	}()

	// Serve blocks until the context is cancelled; bind/listen
	// failures surface here before any client was accepted.
	if err := server.Serve(ctx); err != nil {
		return err
	}
	if err := <-controlDone; err != nil {
		return err
	}
	return nil
}

func newDevice(cfg *config.Config, clk clock.Clock) (hal.Device, error) {
	switch cfg.Backend {
	case "sim":
		return hal.NewSim(clk), nil
	case "host":
		return hal.NewHost(clk, cfg.Host.DefaultDelay)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
