// Package worker settles trades delivered over the stream.
//
// Each message is settled through the same matching engine the direct path
// uses. Transient store failures are retried in place so the partition does
// not advance past an unsettled trade; deterministic failures are terminal
// and handed back to the consumer as dead letters.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/lotwise/ledger/internal/fifo"
	"github.com/lotwise/ledger/internal/metrics"
	"github.com/lotwise/ledger/internal/model"
	"github.com/lotwise/ledger/internal/store"
	"github.com/lotwise/ledger/internal/stream"
)

// Settler is the settlement routine the worker drives.
type Settler interface {
	Settle(ctx context.Context, tradeID int64) (*model.SettlementResult, error)
}

// Options tunes the retry behaviour of a Handler.
type Options struct {
	// RetryBackoff is the first wait after a failed attempt; it doubles up to
	// MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// MaxUnclassifiedAttempts bounds retries of errors that are neither
	// transient nor known to be terminal.
	MaxUnclassifiedAttempts int
}

func (o Options) withDefaults() Options {
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	if o.MaxRetryBackoff < o.RetryBackoff {
		o.MaxRetryBackoff = 10 * time.Second
	}
	if o.MaxUnclassifiedAttempts <= 0 {
		o.MaxUnclassifiedAttempts = 5
	}
	return o
}

// Handler implements stream.MessageHandler.
type Handler struct {
	engine Settler
	logger *slog.Logger
	opts   Options
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewHandler returns a Handler settling through engine. Zero Options fields
// take their defaults.
func NewHandler(engine Settler, logger *slog.Logger, opts Options) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine: engine,
		logger: logger,
		opts:   opts.withDefaults(),
		sleep:  sleepCtx,
	}
}

// HandleMessage settles the trade named by msg. It returns nil once the trade
// is settled (now or earlier), a *stream.DLQError for a terminal failure, or
// the context error if ctx ends while a transient failure is being retried.
func (h *Handler) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	tm, err := stream.DecodeTradeMessage(msg.Value)
	if err != nil {
		metrics.WorkerMessages.WithLabelValues("malformed").Inc()
		h.logger.Error("dropping malformed trade message",
			"partition", msg.Partition, "offset", msg.Offset, "err", err)
		return stream.DLQ(err, "decode")
	}

	log := h.logger.With("trade_id", tm.ID, "symbol", tm.Symbol)
	backoff := h.opts.RetryBackoff
	unclassified := 0

	for attempt := 1; ; attempt++ {
		res, err := h.engine.Settle(ctx, tm.ID)
		if err == nil {
			h.settled(log, tm, res)
			return nil
		}

		switch {
		case errors.Is(err, fifo.ErrInsufficientInventory):
			incon := &fifo.DataInconsistencyError{TradeID: tm.ID, Symbol: tm.Symbol, Err: err}
			metrics.WorkerMessages.WithLabelValues("inconsistent").Inc()
			log.Error("trade left unsettled: authoritative match failed",
				"signed_quantity", tm.Quantity.String(),
				"price", tm.Price.String(),
				"trade_time", tm.TradeTime,
				"offset", msg.Offset,
				"err", err)
			return stream.DLQ(incon, "data_inconsistency")

		case errors.Is(err, fifo.ErrTradeNotFound), errors.Is(err, fifo.ErrInvalidTrade):
			metrics.WorkerMessages.WithLabelValues("dropped").Inc()
			log.Error("dropping trade message", "offset", msg.Offset, "err", err)
			return stream.DLQ(err, "unsettleable")

		case ctx.Err() != nil:
			return ctx.Err()

		case !store.IsTransient(err):
			unclassified++
			if unclassified >= h.opts.MaxUnclassifiedAttempts {
				metrics.WorkerMessages.WithLabelValues("dropped").Inc()
				log.Error("giving up on trade message", "attempts", attempt, "err", err)
				return stream.DLQ(err, "retries_exhausted")
			}
		}

		metrics.WorkerMessages.WithLabelValues("retry").Inc()
		log.Warn("settlement failed, retrying", "attempt", attempt, "backoff", backoff, "err", err)
		if err := h.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*2, h.opts.MaxRetryBackoff)
	}
}

func (h *Handler) settled(log *slog.Logger, tm stream.TradeMessage, res *model.SettlementResult) {
	if res.Symbol != tm.Symbol {
		log.Warn("stream payload disagrees with stored trade", "stored_symbol", res.Symbol)
	}
	if res.AlreadySettled {
		metrics.WorkerMessages.WithLabelValues("duplicate").Inc()
		return
	}
	metrics.WorkerMessages.WithLabelValues("settled").Inc()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
