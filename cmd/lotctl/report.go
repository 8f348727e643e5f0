package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/lotwise/ledger/internal/fifo"
	"github.com/lotwise/ledger/internal/model"
)

func table(b *strings.Builder, header []string, rows [][]string) {
	b.WriteString("| " + strings.Join(header, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(header)) + "\n")
	for _, row := range rows {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	b.WriteString("\n")
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func positionsMarkdown(positions []model.Position) string {
	var b strings.Builder
	b.WriteString("# Open positions\n\n")
	if len(positions) == 0 {
		b.WriteString("No open lots.\n")
		return b.String()
	}
	rows := make([][]string, 0, len(positions))
	for _, p := range positions {
		avg := "-"
		if p.AverageCost != nil {
			avg = p.AverageCost.StringFixed(4)
		}
		rows = append(rows, []string{p.Symbol, p.TotalQuantity.String(), avg, fmt.Sprint(len(p.Lots))})
	}
	table(&b, []string{"Symbol", "Quantity", "Average cost", "Open lots"}, rows)

	for _, p := range positions {
		fmt.Fprintf(&b, "## %s\n\n", p.Symbol)
		lots := make([][]string, 0, len(p.Lots))
		for _, l := range p.Lots {
			lots = append(lots, []string{fmt.Sprint(l.LotID), stamp(l.OpenedAt), l.RemainingQuantity.String(), l.UnitPrice.String()})
		}
		table(&b, []string{"Lot", "Opened", "Remaining", "Unit price"}, lots)
	}
	return b.String()
}

func pnlMarkdown(rows []model.RealizedPnL) string {
	var b strings.Builder
	b.WriteString("# Realized P&L\n\n")
	if len(rows) == 0 {
		b.WriteString("Nothing realized yet.\n")
		return b.String()
	}
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		last := "-"
		if r.LastSellTime != nil {
			last = stamp(*r.LastSellTime)
		}
		out = append(out, []string{r.Symbol, r.RealizedQuantity.String(), r.RealizedPnL.StringFixed(2), last})
	}
	table(&b, []string{"Symbol", "Quantity", "Realized P&L", "Last sell"}, out)
	return b.String()
}

func pendingMarkdown(trades []model.Trade) string {
	var b strings.Builder
	b.WriteString("# Pending trades\n\n")
	if len(trades) == 0 {
		b.WriteString("Every trade is settled.\n")
		return b.String()
	}
	rows := make([][]string, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, []string{fmt.Sprint(t.ID), t.Symbol, t.Side(), t.Quantity.String(), t.Price.String(), stamp(t.TradeTime), stamp(t.CreatedAt)})
	}
	table(&b, []string{"ID", "Symbol", "Side", "Quantity", "Price", "Trade time", "Created"}, rows)
	b.WriteString("Settle one with `lotctl settle <id>`.\n")
	return b.String()
}

func settlementMarkdown(res *model.SettlementResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Trade %d (%s %s)\n\n", res.TradeID, res.Side, res.Symbol)
	if res.AlreadySettled {
		fmt.Fprintf(&b, "Already settled at %s, nothing changed.\n", stamp(res.SettledAt))
		return b.String()
	}
	fmt.Fprintf(&b, "Settled at %s.\n\n", stamp(res.SettledAt))
	if res.Lot != nil {
		fmt.Fprintf(&b, "Opened lot %d: %s @ %s.\n", res.Lot.ID, res.Lot.InitialQuantity, res.Lot.UnitPrice)
		return b.String()
	}
	rows := make([][]string, 0, len(res.Allocations))
	for _, a := range res.Allocations {
		rows = append(rows, []string{fmt.Sprint(a.LotID), a.MatchedQty.String(), a.BuyPrice.String(), a.SellPrice.String(), a.RealizedPnL.StringFixed(2)})
	}
	table(&b, []string{"Lot", "Matched", "Buy", "Sell", "P&L"}, rows)
	fmt.Fprintf(&b, "Matched **%s**, realized **%s**.\n", res.MatchedQty, res.RealizedPnL.StringFixed(2))
	return b.String()
}

func auditMarkdown(r *fifo.AuditReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Audit %s\n\n", r.Symbol)
	fmt.Fprintf(&b, "%d lots, %d allocations, matched %s, realized %s.\n\n",
		r.Lots, r.Allocations, r.MatchedQty, r.RealizedPnL.StringFixed(2))
	if r.OK() {
		b.WriteString("No violations.\n")
		return b.String()
	}
	b.WriteString("## Violations\n\n")
	for _, v := range r.Violations {
		fmt.Fprintf(&b, "- %s\n", v)
	}
	return b.String()
}
