package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lotwise/ledger/internal/app"
	"github.com/lotwise/ledger/internal/config"
	"github.com/lotwise/ledger/internal/fifo"
	"github.com/lotwise/ledger/internal/logging"
	"github.com/lotwise/ledger/internal/stream"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName+"-worker", cfg.Env)
	slog.SetDefault(logger)

	if !cfg.Kafka.Active() {
		logger.Info("kafka disabled or no brokers configured, worker has nothing to consume")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer res.Close()
	if !res.Durable {
		logger.Warn("worker is settling into an in-memory store; the front door will not see its writes")
	}

	engine := fifo.NewEngine(res.Store, logger)

	var dlq stream.JSONPublisher
	if cfg.Kafka.DeadLetterTopic != "" {
		pub, err := stream.NewKafkaPublisher(app.StreamConfig(cfg), cfg.Ingest.UnhealthyCooldown, logger)
		if err != nil {
			logger.Error("dead-letter producer failed", "err", err)
			os.Exit(1)
		}
		defer pub.Close()
		dlq = pub
	}

	if err := app.RunWorker(ctx, cfg, engine, dlq, logger); err != nil {
		logger.Error("worker stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
