// Package store defines the Ledger Store: the durable state of trades, lots,
// allocations and realized P&L aggregates. Implementations include PostgreSQL
// (source of truth), Redis (read-through cache for queries), and in-memory
// (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lotwise/ledger/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Reads outside WithTx see only
// committed state.
type Store interface {
	// --- Trades ---

	// InsertTrade persists a pending trade and assigns its ID and CreatedAt.
	InsertTrade(ctx context.Context, trade *model.Trade) error

	// GetTrade retrieves a trade by ID.
	GetTrade(ctx context.Context, id int64) (*model.Trade, error)

	// ListTrades returns the most recent trades, newest first.
	ListTrades(ctx context.Context, limit int) ([]model.Trade, error)

	// ListPendingTrades returns unsettled trades, oldest first.
	ListPendingTrades(ctx context.Context, limit int) ([]model.Trade, error)

	// --- Position and P&L queries ---

	// OpenQuantity sums remaining quantity across a symbol's open lots.
	// Advisory only: nothing is locked.
	OpenQuantity(ctx context.Context, symbol string) (decimal.Decimal, error)

	// GetPosition computes one symbol's position from its open lots.
	GetPosition(ctx context.Context, symbol string) (*model.Position, error)

	// ListPositions returns a position for every symbol with open quantity,
	// sorted by symbol.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// ListRealizedPnL returns the per-symbol aggregates sorted by symbol.
	ListRealizedPnL(ctx context.Context) ([]model.RealizedPnL, error)

	// --- Audit ---

	// ListLots returns every lot of a symbol, open or closed, in FIFO order.
	ListLots(ctx context.Context, symbol string) ([]model.Lot, error)

	// ListAllocations returns every allocation of a symbol in insertion order.
	ListAllocations(ctx context.Context, symbol string) ([]model.Allocation, error)

	// AuditSnapshot reads a symbol's lots, allocations and aggregate from
	// the source of truth as of a single point in time.
	AuditSnapshot(ctx context.Context, symbol string) (*AuditSnapshot, error)

	// --- Settlement ---

	// WithTx runs fn inside one atomic transaction. If fn returns an error
	// nothing it wrote is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the read-modify-write surface available inside WithTx. Lock methods
// hold their row locks until the transaction ends.
type Tx interface {
	// LockTrade loads a trade and locks its row.
	LockTrade(ctx context.Context, id int64) (*model.Trade, error)

	// LockOpenLots loads and locks a symbol's open lots ordered by
	// (opened_at, id) ascending.
	LockOpenLots(ctx context.Context, symbol string) ([]model.Lot, error)

	// InsertLot creates a lot and assigns its ID.
	InsertLot(ctx context.Context, lot *model.Lot) error

	// ConsumeLot decrements a locked lot's remaining quantity.
	ConsumeLot(ctx context.Context, lotID int64, qty decimal.Decimal) error

	// InsertAllocation records a fill and assigns its ID.
	InsertAllocation(ctx context.Context, alloc *model.Allocation) error

	// UpsertRealizedPnL adds to a symbol's aggregate, creating it if needed.
	// last_sell_time becomes the later of the stored value and sellTime.
	UpsertRealizedPnL(ctx context.Context, symbol string, qty, pnl decimal.Decimal, sellTime time.Time) error

	// MarkTradeProcessed sets processed_at on a locked, unsettled trade.
	MarkTradeProcessed(ctx context.Context, id int64, at time.Time) error
}

// AuditSnapshot is one symbol's ledger rows read from a single snapshot.
// Aggregate is nil when the symbol has never been sold.
type AuditSnapshot struct {
	Lots        []model.Lot
	Allocations []model.Allocation
	Aggregate   *model.RealizedPnL
}
