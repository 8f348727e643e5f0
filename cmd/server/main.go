package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lotwise/ledger/internal/api"
	"github.com/lotwise/ledger/internal/app"
	"github.com/lotwise/ledger/internal/config"
	"github.com/lotwise/ledger/internal/fifo"
	"github.com/lotwise/ledger/internal/ingest"
	"github.com/lotwise/ledger/internal/logging"
	"github.com/lotwise/ledger/internal/stream"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName, cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	res, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer res.Close()

	// --- Matching engine + settlement feed ---
	engine := fifo.NewEngine(res.Store, logger)
	hub := api.NewHub()
	engine.OnSettled(hub.PublishSettlement)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	// --- Stream publisher ---
	var (
		publisher stream.Publisher
		kafkaPub  *stream.KafkaPublisher
	)
	if cfg.Kafka.Active() {
		sc := app.StreamConfig(cfg)
		if cfg.Kafka.CreateTopic {
			if err := stream.EnsureTopic(sc); err != nil {
				logger.Warn("topic bootstrap failed", "topic", sc.Topic, "err", err)
			}
		}
		kafkaPub, err = stream.NewKafkaPublisher(sc, cfg.Ingest.UnhealthyCooldown, logger)
		if err != nil {
			logger.Warn("kafka producer unavailable, settling trades directly", "err", err)
		} else {
			publisher = kafkaPub
			defer kafkaPub.Close()
			logger.Info("kafka producer ready", "topic", sc.Topic, "brokers", sc.Brokers)
		}
	} else {
		logger.Info("kafka disabled, settling trades directly")
	}

	svc := ingest.NewService(res.Store, engine, publisher, logger, ingest.Options{
		PublishAttempts: cfg.Ingest.PublishAttempts,
		PublishBackoff:  cfg.Ingest.PublishBackoff,
	})

	// --- Embedded stream worker ---
	if cfg.Worker.Embedded && kafkaPub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := app.RunWorker(ctx, cfg, engine, kafkaPub, logger); err != nil {
				logger.Error("embedded worker stopped", "err", err)
			}
		}()
	}

	// --- HTTP router ---
	router := api.NewRouter(api.RouterConfig{
		ServiceName: cfg.ServiceName,
		Handler:     api.NewHandler(svc, res.Store),
		Hub:         hub,
		StreamStatus: func() string {
			switch {
			case publisher == nil:
				return api.StreamDisabled
			case publisher.Healthy():
				return api.StreamUp
			default:
				return api.StreamDown
			}
		},
		Logging: true,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("ledger listening", "addr", srv.Addr, "durable", res.Durable)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	wg.Wait()
	logger.Info("ledger stopped")
}
