package fifo

import (
	"github.com/shopspring/decimal"

	"github.com/lotwise/ledger/internal/model"
)

// Fill is one planned consumption of a lot by a sell.
type Fill struct {
	LotID     int64
	Matched   decimal.Decimal
	BuyPrice  decimal.Decimal
	SellPrice decimal.Decimal
	PnL       decimal.Decimal
}

// Match walks lots in the given order and plans fills for a sell of need at
// sellPrice. It returns the fills and the quantity left unmatched; a positive
// shortfall means the lots could not cover the sell. Lots are not modified.
func Match(lots []model.Lot, need, sellPrice decimal.Decimal) ([]Fill, decimal.Decimal) {
	var fills []Fill
	for _, lot := range lots {
		if !need.IsPositive() {
			break
		}
		if !lot.Open() {
			continue
		}
		matched := decimal.Min(lot.RemainingQuantity, need)
		fills = append(fills, Fill{
			LotID:     lot.ID,
			Matched:   matched,
			BuyPrice:  lot.UnitPrice,
			SellPrice: sellPrice,
			PnL:       matched.Mul(sellPrice.Sub(lot.UnitPrice)),
		})
		need = need.Sub(matched)
	}
	return fills, need
}
