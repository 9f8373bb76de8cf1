package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kelseyhightower/envconfig"

	"linewatch/internal/broker"
	"linewatch/internal/config"
	"linewatch/internal/simulator"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	var sim simulator.Config
	if err := envconfig.Process("", &sim); err != nil {
		logger.Error("invalid simulator configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bc := broker.New(broker.Config{
		URL:        cfg.BrokerURL,
		Username:   cfg.BrokerUsername,
		Password:   cfg.BrokerPassword,
		ClientName: cfg.BrokerClientID + "-simulator",
	}, logger.With("module", "broker"))
	if err := bc.Connect(ctx, nil); err != nil {
		logger.Error("broker connect failed", "url", cfg.RedactedBrokerURL(), "err", err)
		os.Exit(1)
	}
	defer bc.Close()

	logger.Info("simulator publishing", "lines", sim.Lines, "interval", sim.Interval.Std(), "namespace", cfg.BrokerNamespace)
	if err := simulator.New(sim, bc, cfg.BrokerNamespace, logger.With("module", "simulator")).Run(ctx); err != nil {
		logger.Error("simulator failed", "err", err)
		os.Exit(1)
	}
}
