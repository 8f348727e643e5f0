// Package ingest is the front door for trade submissions: it validates a
// trade, runs the advisory inventory pre-check for sells, persists the trade
// as pending and routes it to settlement, either through the stream or
// inline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lotwise/ledger/internal/fifo"
	"github.com/lotwise/ledger/internal/metrics"
	"github.com/lotwise/ledger/internal/model"
	"github.com/lotwise/ledger/internal/store"
	"github.com/lotwise/ledger/internal/stream"
	"github.com/lotwise/ledger/internal/symbol"
)

// ErrValidation is the sentinel every *ValidationError unwraps to.
var ErrValidation = errors.New("validation failed")

// ValidationError rejects a submission before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// SettlementError reports a direct settlement that failed after the trade was
// persisted. The trade is pending under TradeID; resubmitting would store a
// second trade.
type SettlementError struct {
	TradeID int64
	Err     error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settle trade %d: %v", e.TradeID, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// Settler is the settlement routine used on the direct path.
type Settler interface {
	Settle(ctx context.Context, tradeID int64) (*model.SettlementResult, error)
}

// SubmitInput is one trade as submitted. A nil TradeTime means now.
type SubmitInput struct {
	Symbol    string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	TradeTime *time.Time
}

// SubmitResult describes the stored trade and the route it took.
type SubmitResult struct {
	Trade        model.Trade
	ProcessedVia string
	// Settlement is set on the direct path only.
	Settlement *model.SettlementResult
}

// Options bounds publishing before the direct fallback.
type Options struct {
	PublishAttempts int
	PublishBackoff  time.Duration
}

// Service accepts trades. A nil publisher means every trade settles inline.
type Service struct {
	store     store.Store
	engine    Settler
	publisher stream.Publisher
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewService returns a front door over st. PublishAttempts defaults to 3.
func NewService(st store.Store, engine Settler, publisher stream.Publisher, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PublishAttempts <= 0 {
		opts.PublishAttempts = 3
	}
	return &Service{
		store:     st,
		engine:    engine,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
}

// Submit validates, pre-checks, persists and routes one trade.
//
// A sell that exceeds the symbol's open quantity fails with
// *fifo.InsufficientInventoryError before the trade is stored. After the
// trade is stored, it is published keyed by symbol when the stream is
// healthy; otherwise, or once publishing has failed PublishAttempts times,
// it is settled inline. A stored trade that fails inline settlement stays
// pending and is reported as *fifo.DataInconsistencyError when the
// authoritative match came up short, or *SettlementError otherwise.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	trade, err := s.validate(in)
	if err != nil {
		metrics.TradeRejections.WithLabelValues("validation").Inc()
		return nil, err
	}

	if trade.Side() == model.SideSell {
		open, err := s.store.OpenQuantity(ctx, trade.Symbol)
		if err != nil {
			return nil, fmt.Errorf("pre-check %s: %w", trade.Symbol, err)
		}
		need := trade.Quantity.Neg()
		if need.GreaterThan(open) {
			metrics.TradeRejections.WithLabelValues("insufficient").Inc()
			return nil, &fifo.InsufficientInventoryError{
				Symbol:    trade.Symbol,
				Requested: need,
				Available: open,
			}
		}
	}

	if err := s.store.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("persist trade: %w", err)
	}

	log := s.logger.With("trade_id", trade.ID, "symbol", trade.Symbol, "side", trade.Side())

	if s.publish(ctx, log, *trade) {
		metrics.TradesSubmitted.WithLabelValues(trade.Side(), model.ViaQueued).Inc()
		log.Info("trade queued")
		return &SubmitResult{Trade: *trade, ProcessedVia: model.ViaQueued}, nil
	}

	res, err := s.engine.Settle(ctx, trade.ID)
	if errors.Is(err, fifo.ErrInsufficientInventory) {
		log.Error("trade left pending: authoritative match failed after pre-check",
			"signed_quantity", trade.Quantity.String(),
			"price", trade.Price.String(),
			"trade_time", trade.TradeTime,
			"err", err)
		return nil, &fifo.DataInconsistencyError{TradeID: trade.ID, Symbol: trade.Symbol, Err: err}
	}
	if err != nil {
		log.Warn("direct settlement failed, trade left pending", "err", err)
		return nil, &SettlementError{TradeID: trade.ID, Err: err}
	}
	metrics.TradesSubmitted.WithLabelValues(trade.Side(), model.ViaDirect).Inc()

	settledAt := res.SettledAt
	trade.ProcessedAt = &settledAt
	return &SubmitResult{Trade: *trade, ProcessedVia: model.ViaDirect, Settlement: res}, nil
}

func (s *Service) validate(in SubmitInput) (*model.Trade, error) {
	sym, err := symbol.Parse(in.Symbol)
	if err != nil {
		return nil, &ValidationError{Field: "symbol", Reason: err.Error()}
	}
	if in.Quantity.IsZero() {
		return nil, &ValidationError{Field: "signed_quantity", Reason: "must be non-zero"}
	}
	if !in.Price.IsPositive() {
		return nil, &ValidationError{Field: "price", Reason: "must be positive"}
	}

	tradeTime := s.now()
	if in.TradeTime != nil && !in.TradeTime.IsZero() {
		tradeTime = in.TradeTime.UTC()
	}
	return &model.Trade{
		Symbol:    sym,
		Quantity:  in.Quantity,
		Price:     in.Price,
		TradeTime: tradeTime,
	}, nil
}

// publish reports whether the trade was handed to the stream. It makes up to
// PublishAttempts tries with a linearly growing pause between them.
func (s *Service) publish(ctx context.Context, log *slog.Logger, t model.Trade) bool {
	if s.publisher == nil || !s.publisher.Healthy() {
		return false
	}
	for attempt := 1; attempt <= s.opts.PublishAttempts; attempt++ {
		err := s.publisher.PublishTrade(ctx, t)
		if err == nil {
			return true
		}
		log.Warn("publish failed", "attempt", attempt, "err", err)
		if attempt == s.opts.PublishAttempts {
			break
		}
		if err := s.sleep(ctx, s.opts.PublishBackoff*time.Duration(attempt)); err != nil {
			break
		}
	}
	log.Warn("falling back to direct settlement", "attempts", s.opts.PublishAttempts)
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
