package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lotwise/ledger/internal/config"
	"github.com/lotwise/ledger/internal/stream"
	"github.com/lotwise/ledger/internal/worker"
)

// RunWorker consumes the trades topic until ctx is cancelled, settling each
// message through engine. dlq may be nil; terminal failures are then only
// logged.
func RunWorker(ctx context.Context, cfg *config.AppConfig, engine worker.Settler, dlq stream.JSONPublisher, logger *slog.Logger) error {
	sc := StreamConfig(cfg)
	consumer, err := stream.NewKafkaConsumer(sc, dlq, logger)
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumer.Close()

	handler := worker.NewHandler(engine, logger, worker.Options{
		RetryBackoff:    cfg.Worker.RetryBackoff,
		MaxRetryBackoff: cfg.Worker.MaxRetryBackoff,
	})

	logger.Info("stream worker consuming",
		"topic", sc.Topic, "group", sc.GroupID, "brokers", sc.Brokers)
	err = consumer.Consume(ctx, []string{sc.Topic}, handler)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
