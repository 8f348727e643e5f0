package fifo

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientInventory is returned when a sell needs more quantity
	// than the symbol's open lots hold. Nothing is committed.
	ErrInsufficientInventory = errors.New("fifo: insufficient open quantity")

	// ErrTradeNotFound is returned when the trade to settle does not exist.
	ErrTradeNotFound = errors.New("fifo: trade not found")

	// ErrInvalidTrade is returned for a stored trade that can never settle
	// (zero quantity or non-positive price).
	ErrInvalidTrade = errors.New("fifo: invalid trade")
)

// InsufficientInventoryError reports how short a sell fell.
type InsufficientInventoryError struct {
	Symbol    string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("%v: sell %s %s, available %s",
		ErrInsufficientInventory, e.Requested, e.Symbol, e.Available)
}

func (e *InsufficientInventoryError) Unwrap() error {
	return ErrInsufficientInventory
}

// ErrDataInconsistency marks a sell that passed the front door's pre-check
// but failed the authoritative match.
var ErrDataInconsistency = errors.New("fifo: data inconsistency")

// DataInconsistencyError wraps the authoritative match failure for a trade
// that is already persisted. The trade stays pending until an operator
// intervenes.
type DataInconsistencyError struct {
	TradeID int64
	Symbol  string
	Err     error
}

func (e *DataInconsistencyError) Error() string {
	return fmt.Sprintf("%v: trade %d (%s): %v", ErrDataInconsistency, e.TradeID, e.Symbol, e.Err)
}

func (e *DataInconsistencyError) Unwrap() []error {
	return []error{ErrDataInconsistency, e.Err}
}
