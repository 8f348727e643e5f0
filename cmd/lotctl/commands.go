package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"

	"github.com/lotwise/ledger/internal/fifo"
	"github.com/lotwise/ledger/internal/model"
	"github.com/lotwise/ledger/internal/symbol"
)

// migrateCmd applies the embedded schema.
type migrateCmd struct{}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "create the ledger tables if they do not exist" }
func (*migrateCmd) Usage() string {
	return `lotctl migrate

  Applies the ledger schema to the configured PostgreSQL database. Safe to run repeatedly.
`
}
func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (*migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return subcommands.ExitFailure
	}
	if cfg.Database.URL == "" {
		fmt.Fprintln(os.Stderr, "Error: database.url (DATABASE_URL) is not set")
		return subcommands.ExitUsageError
	}
	cfg.Database.AutoMigrate = true

	res, _, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error applying schema: %v\n", err)
		return subcommands.ExitFailure
	}
	defer res.Close()

	fmt.Println("schema up to date")
	return subcommands.ExitSuccess
}

// positionsCmd prints open positions and their lots.
type positionsCmd struct {
	symbol string
}

func (*positionsCmd) Name() string     { return "positions" }
func (*positionsCmd) Synopsis() string { return "display open positions with their FIFO lots" }
func (*positionsCmd) Usage() string {
	return `lotctl positions [-s <symbol>]

  Displays open quantity, average cost and open lots, oldest first.
`
}

func (c *positionsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.symbol, "s", "", "restrict the report to one symbol")
}

func (c *positionsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	res, _, err := openLedger(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening ledger: %v\n", err)
		return subcommands.ExitFailure
	}
	defer res.Close()

	if c.symbol == "" {
		positions, err := res.Store.ListPositions(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing positions: %v\n", err)
			return subcommands.ExitFailure
		}
		printMarkdown(positionsMarkdown(positions))
		return subcommands.ExitSuccess
	}

	sym, err := symbol.Parse(c.symbol)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	pos, err := res.Store.GetPosition(ctx, sym)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading position: %v\n", err)
		return subcommands.ExitFailure
	}
	if len(pos.Lots) == 0 {
		printMarkdown(positionsMarkdown(nil))
		return subcommands.ExitSuccess
	}
	printMarkdown(positionsMarkdown([]model.Position{*pos}))
	return subcommands.ExitSuccess
}

// pnlCmd prints the realized P&L aggregates.
type pnlCmd struct{}

func (*pnlCmd) Name() string     { return "pnl" }
func (*pnlCmd) Synopsis() string { return "display realized P&L per symbol" }
func (*pnlCmd) Usage() string {
	return `lotctl pnl

  Displays cumulative realized quantity and P&L for every symbol that has sold.
`
}
func (*pnlCmd) SetFlags(*flag.FlagSet) {}

func (*pnlCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	res, _, err := openLedger(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening ledger: %v\n", err)
		return subcommands.ExitFailure
	}
	defer res.Close()

	rows, err := res.Store.ListRealizedPnL(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing realized P&L: %v\n", err)
		return subcommands.ExitFailure
	}
	printMarkdown(pnlMarkdown(rows))
	return subcommands.ExitSuccess
}

// pendingCmd lists trades that were persisted but never settled.
type pendingCmd struct {
	limit int
}

func (*pendingCmd) Name() string     { return "pending" }
func (*pendingCmd) Synopsis() string { return "list trades that have not been settled" }
func (*pendingCmd) Usage() string {
	return `lotctl pending [-n <limit>]

  Lists trades without processed_at, oldest first. These are in flight on the
  stream or were dropped by the worker and need "lotctl settle".
`
}

func (c *pendingCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.limit, "n", 100, "maximum number of trades to list")
}

func (c *pendingCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	res, _, err := openLedger(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening ledger: %v\n", err)
		return subcommands.ExitFailure
	}
	defer res.Close()

	trades, err := res.Store.ListPendingTrades(ctx, c.limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing pending trades: %v\n", err)
		return subcommands.ExitFailure
	}
	printMarkdown(pendingMarkdown(trades))
	return subcommands.ExitSuccess
}

// settleCmd runs the matching engine for one trade.
type settleCmd struct{}

func (*settleCmd) Name() string     { return "settle" }
func (*settleCmd) Synopsis() string { return "settle one persisted trade by id" }
func (*settleCmd) Usage() string {
	return `lotctl settle <trade-id>

  Applies a pending trade to the ledger. Settling an already settled trade is a no-op.
`
}
func (*settleCmd) SetFlags(*flag.FlagSet) {}

func (*settleCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: settle takes exactly one trade id")
		return subcommands.ExitUsageError
	}
	id, err := strconv.ParseInt(f.Arg(0), 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(os.Stderr, "Error: invalid trade id %q\n", f.Arg(0))
		return subcommands.ExitUsageError
	}

	res, logger, err := openLedger(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening ledger: %v\n", err)
		return subcommands.ExitFailure
	}
	defer res.Close()

	result, err := fifo.NewEngine(res.Store, logger).Settle(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error settling trade %d: %v\n", id, err)
		return subcommands.ExitFailure
	}
	printMarkdown(settlementMarkdown(result))
	return subcommands.ExitSuccess
}

// auditCmd checks one symbol's ledger invariants.
type auditCmd struct{}

func (*auditCmd) Name() string     { return "audit" }
func (*auditCmd) Synopsis() string { return "check lot conservation and P&L reconciliation for a symbol" }
func (*auditCmd) Usage() string {
	return `lotctl audit <symbol>

  Exits non-zero when any violation is found.
`
}
func (*auditCmd) SetFlags(*flag.FlagSet) {}

func (*auditCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: audit takes exactly one symbol")
		return subcommands.ExitUsageError
	}
	sym, err := symbol.Parse(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}

	res, _, err := openLedger(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening ledger: %v\n", err)
		return subcommands.ExitFailure
	}
	defer res.Close()

	report, err := fifo.Audit(ctx, res.Store, sym)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error auditing %s: %v\n", sym, err)
		return subcommands.ExitFailure
	}
	printMarkdown(auditMarkdown(report))
	if !report.OK() {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
