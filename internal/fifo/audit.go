package fifo

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/lotwise/ledger/internal/store"
)

// AuditReport is the result of checking a symbol's ledger invariants.
type AuditReport struct {
	Symbol      string          `json:"symbol"`
	Lots        int             `json:"lots"`
	Allocations int             `json:"allocations"`
	MatchedQty  decimal.Decimal `json:"matched_quantity"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Violations  []string        `json:"violations"`
}

// OK reports whether no invariant was violated.
func (r *AuditReport) OK() bool {
	return len(r.Violations) == 0
}

// Audit checks conservation (every lot's remaining plus allocated quantity
// equals its initial quantity) and reconciliation (the symbol's realized P&L
// aggregate equals the sum of its allocations). All inputs come from one
// store snapshot that bypasses any read cache.
func Audit(ctx context.Context, st store.Store, symbol string) (*AuditReport, error) {
	snap, err := st.AuditSnapshot(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("audit %s: %w", symbol, err)
	}
	lots, allocs := snap.Lots, snap.Allocations

	report := &AuditReport{
		Symbol:      symbol,
		Lots:        len(lots),
		Allocations: len(allocs),
		MatchedQty:  decimal.Zero,
		RealizedPnL: decimal.Zero,
		Violations:  []string{},
	}

	allocated := make(map[int64]decimal.Decimal, len(lots))
	for _, a := range allocs {
		allocated[a.LotID] = allocated[a.LotID].Add(a.MatchedQty)
		report.MatchedQty = report.MatchedQty.Add(a.MatchedQty)
		report.RealizedPnL = report.RealizedPnL.Add(a.RealizedPnL)

		want := a.MatchedQty.Mul(a.SellPrice.Sub(a.BuyPrice))
		if !a.RealizedPnL.Equal(want) {
			report.violate("allocation %d: realized_pnl %s, want %s", a.ID, a.RealizedPnL, want)
		}
	}

	for _, l := range lots {
		if l.RemainingQuantity.IsNegative() || l.RemainingQuantity.GreaterThan(l.InitialQuantity) {
			report.violate("lot %d: remaining %s outside [0, %s]", l.ID, l.RemainingQuantity, l.InitialQuantity)
		}
		sum := l.RemainingQuantity.Add(allocated[l.ID])
		if !sum.Equal(l.InitialQuantity) {
			report.violate("lot %d: remaining %s + allocated %s != initial %s",
				l.ID, l.RemainingQuantity, allocated[l.ID], l.InitialQuantity)
		}
		delete(allocated, l.ID)
	}
	for lotID := range allocated {
		report.violate("allocations reference unknown lot %d", lotID)
	}

	aggQty, aggPnL := decimal.Zero, decimal.Zero
	if agg := snap.Aggregate; agg != nil {
		aggQty, aggPnL = agg.RealizedQuantity, agg.RealizedPnL
	}
	if !aggQty.Equal(report.MatchedQty) {
		report.violate("aggregate realized_quantity %s != allocations %s", aggQty, report.MatchedQty)
	}
	if !aggPnL.Equal(report.RealizedPnL) {
		report.violate("aggregate realized_pnl %s != allocations %s", aggPnL, report.RealizedPnL)
	}

	return report, nil
}

func (r *AuditReport) violate(format string, args ...any) {
	r.Violations = append(r.Violations, fmt.Sprintf(format, args...))
}
