// Package fifo implements lot-level FIFO settlement: a buy opens a lot, a
// sell consumes open lots oldest-first and realizes P&L per matched quantity.
//
// Settle is the only routine that mutates the ledger. The direct path, the
// stream worker and operator tooling all call it; it is safe to call any
// number of times for the same trade.
package fifo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lotwise/ledger/internal/metrics"
	"github.com/lotwise/ledger/internal/model"
	"github.com/lotwise/ledger/internal/store"
)

// Engine settles trades against a ledger store. It keeps no ledger state of
// its own between calls.
type Engine struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	observers []func(model.SettlementResult)
}

// NewEngine creates a matching engine over st.
func NewEngine(st store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// OnSettled registers fn to be called after every settlement that commits a
// change. Replays that find the trade already settled are not reported.
func (e *Engine) OnSettled(fn func(model.SettlementResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// Settle applies one trade to the ledger in a single transaction:
//
//  1. lock the trade row; if it is already processed, return AlreadySettled
//  2. buy: open a lot; sell: lock the symbol's open lots and walk them FIFO
//  3. mark the trade processed
//
// A sell that cannot be fully covered fails with *InsufficientInventoryError
// and leaves the ledger untouched.
func (e *Engine) Settle(ctx context.Context, tradeID int64) (*model.SettlementResult, error) {
	start := time.Now()
	var result *model.SettlementResult

	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		trade, err := tx.LockTrade(ctx, tradeID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %d", ErrTradeNotFound, tradeID)
			}
			return err
		}

		if trade.Settled() {
			result = &model.SettlementResult{
				TradeID:        trade.ID,
				Symbol:         trade.Symbol,
				Side:           trade.Side(),
				AlreadySettled: true,
				MatchedQty:     decimal.Zero,
				RealizedPnL:    decimal.Zero,
				SettledAt:      *trade.ProcessedAt,
			}
			return nil
		}

		if trade.Quantity.IsZero() || !trade.Price.IsPositive() {
			return fmt.Errorf("%w: trade %d quantity %s price %s",
				ErrInvalidTrade, trade.ID, trade.Quantity, trade.Price)
		}

		now := e.now()
		res := &model.SettlementResult{
			TradeID:     trade.ID,
			Symbol:      trade.Symbol,
			Side:        trade.Side(),
			MatchedQty:  decimal.Zero,
			RealizedPnL: decimal.Zero,
			SettledAt:   now,
		}

		if trade.Quantity.IsPositive() {
			err = e.settleBuy(ctx, tx, trade, res)
		} else {
			err = e.settleSell(ctx, tx, trade, res)
		}
		if err != nil {
			return err
		}

		if err := tx.MarkTradeProcessed(ctx, trade.ID, now); err != nil {
			return err
		}
		result = res
		return nil
	})

	side := "unknown"
	if result != nil {
		side = result.Side
	}
	if err != nil {
		outcome := "error"
		var insufficient *InsufficientInventoryError
		if errors.As(err, &insufficient) {
			side = model.SideSell
			outcome = "insufficient"
		}
		metrics.Settlements.WithLabelValues(side, outcome).Inc()
		return nil, err
	}

	if result.AlreadySettled {
		metrics.Settlements.WithLabelValues(side, "already_settled").Inc()
		e.logger.Info("trade already settled", "trade_id", tradeID, "symbol", result.Symbol)
		return result, nil
	}

	metrics.Settlements.WithLabelValues(side, "settled").Inc()
	metrics.SettlementLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.Allocations.Add(float64(len(result.Allocations)))

	e.logger.Info("trade settled",
		"trade_id", result.TradeID,
		"symbol", result.Symbol,
		"side", result.Side,
		"matched_qty", result.MatchedQty.String(),
		"realized_pnl", result.RealizedPnL.String(),
		"allocations", len(result.Allocations),
	)

	e.notify(*result)
	return result, nil
}

func (e *Engine) settleBuy(ctx context.Context, tx store.Tx, trade *model.Trade, res *model.SettlementResult) error {
	lot := &model.Lot{
		Symbol:             trade.Symbol,
		OriginatingTradeID: trade.ID,
		UnitPrice:          trade.Price,
		InitialQuantity:    trade.Quantity,
		RemainingQuantity:  trade.Quantity,
		OpenedAt:           trade.TradeTime,
	}
	if err := tx.InsertLot(ctx, lot); err != nil {
		return err
	}
	res.Lot = lot
	return nil
}

func (e *Engine) settleSell(ctx context.Context, tx store.Tx, trade *model.Trade, res *model.SettlementResult) error {
	need := trade.Quantity.Neg()

	lots, err := tx.LockOpenLots(ctx, trade.Symbol)
	if err != nil {
		return err
	}

	fills, shortfall := Match(lots, need, trade.Price)
	if shortfall.IsPositive() {
		return &InsufficientInventoryError{
			Symbol:    trade.Symbol,
			Requested: need,
			Available: need.Sub(shortfall),
		}
	}

	for _, f := range fills {
		if err := tx.ConsumeLot(ctx, f.LotID, f.Matched); err != nil {
			return err
		}
		alloc := model.Allocation{
			Symbol:         trade.Symbol,
			LotID:          f.LotID,
			SellTradeID:    trade.ID,
			MatchedQty:     f.Matched,
			BuyPrice:       f.BuyPrice,
			SellPrice:      f.SellPrice,
			RealizedPnL:    f.PnL,
			AllocationTime: trade.TradeTime,
		}
		if err := tx.InsertAllocation(ctx, &alloc); err != nil {
			return err
		}
		res.Allocations = append(res.Allocations, alloc)
		res.MatchedQty = res.MatchedQty.Add(f.Matched)
		res.RealizedPnL = res.RealizedPnL.Add(f.PnL)
	}

	return tx.UpsertRealizedPnL(ctx, trade.Symbol, res.MatchedQty, res.RealizedPnL, trade.TradeTime)
}

func (e *Engine) notify(res model.SettlementResult) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, fn := range e.observers {
		fn(res)
	}
}
