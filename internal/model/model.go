// Package model defines the core domain types shared across the ledger.
// All quantities and prices use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side values derived from the sign of a trade's quantity.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Routes a submitted trade can take to settlement.
const (
	ViaDirect = "direct"
	ViaQueued = "queued"
)

// Trade is an intent to buy or sell. ProcessedAt is set exactly once, by the
// settlement that applied the trade to the ledger.
type Trade struct {
	ID          int64           `json:"id"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"signed_quantity"` // +buy, -sell, never zero
	Price       decimal.Decimal `json:"price"`
	TradeTime   time.Time       `json:"trade_time"`
	ProcessedAt *time.Time      `json:"processed_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Side returns SideBuy or SideSell.
func (t Trade) Side() string {
	if t.Quantity.IsNegative() {
		return SideSell
	}
	return SideBuy
}

// Settled reports whether the trade has been applied to the ledger.
func (t Trade) Settled() bool {
	return t.ProcessedAt != nil
}

// Lot is an inventory unit opened by exactly one buy. InitialQuantity never
// changes; RemainingQuantity only decreases. Closed lots (remaining = 0) are
// retained for audit.
type Lot struct {
	ID                 int64           `json:"lot_id"`
	Symbol             string          `json:"symbol"`
	OriginatingTradeID int64           `json:"originating_trade_id"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	InitialQuantity    decimal.Decimal `json:"initial_quantity"`
	RemainingQuantity  decimal.Decimal `json:"remaining_quantity"`
	OpenedAt           time.Time       `json:"opened_at"`
}

// Open reports whether the lot still holds inventory.
func (l Lot) Open() bool {
	return l.RemainingQuantity.IsPositive()
}

// Allocation is an immutable record of one sell consuming quantity from one lot.
type Allocation struct {
	ID             int64           `json:"id"`
	Symbol         string          `json:"symbol"`
	LotID          int64           `json:"lot_id"`
	SellTradeID    int64           `json:"sell_trade_id"`
	MatchedQty     decimal.Decimal `json:"matched_quantity"`
	BuyPrice       decimal.Decimal `json:"buy_price"`
	SellPrice      decimal.Decimal `json:"sell_price"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	AllocationTime time.Time       `json:"allocation_time"`
}

// RealizedPnL is the per-symbol aggregate of all allocations.
type RealizedPnL struct {
	Symbol           string          `json:"symbol"`
	RealizedQuantity decimal.Decimal `json:"realized_quantity"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	LastSellTime     *time.Time      `json:"last_sell_time"`
}

// OpenLot is the position-view projection of a lot.
type OpenLot struct {
	LotID             int64           `json:"lot_id"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	OpenedAt          time.Time       `json:"opened_at"`
}

// Position is computed on read from a symbol's open lots; it is never stored.
type Position struct {
	Symbol        string           `json:"symbol"`
	TotalQuantity decimal.Decimal  `json:"total_quantity"`
	AverageCost   *decimal.Decimal `json:"average_cost"` // nil when TotalQuantity is zero
	Lots          []OpenLot        `json:"open_lots"`
}

// SettlementResult describes what one settlement did to the ledger.
type SettlementResult struct {
	TradeID        int64           `json:"trade_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	AlreadySettled bool            `json:"already_settled"`
	Lot            *Lot            `json:"lot,omitempty"`
	Allocations    []Allocation    `json:"allocations,omitempty"`
	MatchedQty     decimal.Decimal `json:"matched_quantity"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	SettledAt      time.Time       `json:"settled_at"`
}
