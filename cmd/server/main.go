package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"shiptrack-svr/internal/config"
	"shiptrack-svr/internal/link"
	"shiptrack-svr/internal/mqttpub"
	"shiptrack-svr/internal/observability"
	"shiptrack-svr/internal/server"
	"shiptrack-svr/internal/shiplog"
	"shiptrack-svr/internal/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "shiptrack-svr:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("shiptrack-svr", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	ports := fs.String("ports", "", `listen ports: "4001", "4001-4002" or "4001,4003"`)
	maxClients := fs.Int("max-clients", 0, "maximum concurrent WebSocket clients")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if fs.Changed("ports") {
		cfg.Listen.Ports = *ports
	}
	if fs.Changed("max-clients") {
		cfg.Clients.Max = *maxClients
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logger := observability.NewLogger(cfg.Log.Level)
	logger.Info("Starting shiptrack-svr...", "ports", cfg.Listen.Ports, "maxClients", cfg.Clients.Max)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := shiplog.Open(cfg.ShipLog, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	pubs, closers := startPublishers(ctx, cfg, logger)
	defer func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("publisher close failed", "error", err)
			}
		}
	}()

	srv, err := server.New(cfg, sink, logger, pubs...)
	if err != nil {
		return err
	}

	if cfg.Metrics.Port != "" {
		metrics := observability.NewMetricsServer(":" + cfg.Metrics.Port)
		metrics.Start(logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Health.GRPCPort != "" {
		health, err := observability.NewHealthServer(":" + cfg.Health.GRPCPort)
		if err != nil {
			return err
		}
		health.Start(logger)
		defer health.Stop()
		health.SetServing(true)
		go func() {
			<-ctx.Done()
			health.SetServing(false)
		}()
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server failed", "error", err)
		return err
	}
	return nil
}

// startPublishers connects the optional downstreams. A downstream that
// cannot be reached at startup is logged and skipped.
func startPublishers(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]server.Publisher, []func() error) {
	var (
		pubs    []server.Publisher
		closers []func() error
	)

	if cfg.Redis.Addr != "" {
		mirror, err := store.NewMirror(ctx, cfg.Redis.Addr, cfg.Redis.DB, cfg.RedisTTL())
		if err != nil {
			logger.Error("Redis init failed", "error", err)
		} else {
			logger.Info("redis mirror enabled", "addr", cfg.Redis.Addr)
			pubs = append(pubs, mirror)
			closers = append(closers, mirror.Close)
		}
	}

	if cfg.MQTT.Broker != "" {
		mq, err := mqttpub.Connect(cfg.MQTT)
		if err != nil {
			logger.Error("MQTT init failed", "error", err)
		} else {
			logger.Info("mqtt publisher enabled", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic)
			pubs = append(pubs, mq)
			closers = append(closers, mq.Close)
		}
	}

	if cfg.Proxy.Addr != "" {
		ports, _ := config.ParsePorts(cfg.Listen.Ports)
		lc := link.Start(ctx, cfg.Proxy.Addr, link.Hello{
			Service:    "shiptrack-svr",
			Ports:      ports,
			MaxClients: cfg.Clients.Max,
		}, logger)
		pubs = append(pubs, lc)
		closers = append(closers, lc.Close)
	}

	return pubs, closers
}
