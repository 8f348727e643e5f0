package model

import "github.com/shopspring/decimal"

// BuildPosition folds a symbol's lots into a Position. Lots with no remaining
// quantity are skipped; lot order is preserved.
func BuildPosition(symbol string, lots []Lot) Position {
	p := Position{
		Symbol:        symbol,
		TotalQuantity: decimal.Zero,
		Lots:          []OpenLot{},
	}
	cost := decimal.Zero
	for _, l := range lots {
		if !l.Open() {
			continue
		}
		p.TotalQuantity = p.TotalQuantity.Add(l.RemainingQuantity)
		cost = cost.Add(l.RemainingQuantity.Mul(l.UnitPrice))
		p.Lots = append(p.Lots, OpenLot{
			LotID:             l.ID,
			RemainingQuantity: l.RemainingQuantity,
			UnitPrice:         l.UnitPrice,
			OpenedAt:          l.OpenedAt,
		})
	}
	if p.TotalQuantity.IsPositive() {
		avg := cost.Div(p.TotalQuantity)
		p.AverageCost = &avg
	}
	return p
}

// BuildPositions groups lots (already ordered by symbol, then FIFO order) into
// one Position per symbol that still has open quantity.
func BuildPositions(lots []Lot) []Position {
	var positions []Position
	start := 0
	for i := 1; i <= len(lots); i++ {
		if i < len(lots) && lots[i].Symbol == lots[start].Symbol {
			continue
		}
		p := BuildPosition(lots[start].Symbol, lots[start:i])
		if p.TotalQuantity.IsPositive() {
			positions = append(positions, p)
		}
		start = i
	}
	return positions
}
