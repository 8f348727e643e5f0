package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lotwise/ledger/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All quantities and prices are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the ledger tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const tradeColumns = `id, symbol, signed_quantity::TEXT, price::TEXT, trade_time, processed_at, created_at`

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO trades (symbol, signed_quantity, price, trade_time)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 RETURNING id, created_at`,
		t.Symbol, t.Quantity.String(), t.Price.String(), t.TradeTime,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	t.ProcessedAt = nil
	return nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, id int64) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get trade %d: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades ORDER BY id DESC LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListPendingTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE processed_at IS NULL ORDER BY id LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) OpenQuantity(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var qtyS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(remaining_quantity), 0)::TEXT
		 FROM lots WHERE symbol = $1 AND remaining_quantity > 0`, symbol).Scan(&qtyS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("open quantity %s: %w", symbol, err)
	}
	return decimal.NewFromString(qtyS)
}

const lotColumns = `id, symbol, originating_trade_id, unit_price::TEXT,
	initial_quantity::TEXT, remaining_quantity::TEXT, opened_at`

func (s *PostgresStore) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotColumns+` FROM lots
		 WHERE symbol = $1 AND remaining_quantity > 0
		 ORDER BY opened_at, id`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lots, err := scanLots(rows)
	if err != nil {
		return nil, err
	}
	p := model.BuildPosition(symbol, lots)
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lotColumns+` FROM lots
		 WHERE remaining_quantity > 0
		 ORDER BY symbol, opened_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lots, err := scanLots(rows)
	if err != nil {
		return nil, err
	}
	return model.BuildPositions(lots), nil
}

func (s *PostgresStore) ListRealizedPnL(ctx context.Context) ([]model.RealizedPnL, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, realized_quantity::TEXT, realized_pnl::TEXT, last_sell_time
		 FROM realized_pnl_by_symbol ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RealizedPnL
	for rows.Next() {
		var r model.RealizedPnL
		var qtyS, pnlS string
		if err := rows.Scan(&r.Symbol, &qtyS, &pnlS, &r.LastSellTime); err != nil {
			return nil, err
		}
		if r.RealizedQuantity, err = decimal.NewFromString(qtyS); err != nil {
			return nil, fmt.Errorf("parse realized quantity: %w", err)
		}
		if r.RealizedPnL, err = decimal.NewFromString(pnlS); err != nil {
			return nil, fmt.Errorf("parse realized pnl: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) ListLots(ctx context.Context, symbol string) ([]model.Lot, error) {
	return listLots(ctx, s.pool, symbol)
}

func listLots(ctx context.Context, q querier, symbol string) ([]model.Lot, error) {
	rows, err := q.Query(ctx,
		`SELECT `+lotColumns+` FROM lots WHERE symbol = $1 ORDER BY opened_at, id`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLots(rows)
}

func (s *PostgresStore) ListAllocations(ctx context.Context, symbol string) ([]model.Allocation, error) {
	return listAllocations(ctx, s.pool, symbol)
}

func listAllocations(ctx context.Context, q querier, symbol string) ([]model.Allocation, error) {
	rows, err := q.Query(ctx,
		`SELECT id, symbol, lot_id, sell_trade_id, matched_quantity::TEXT,
		        buy_price::TEXT, sell_price::TEXT, realized_pnl::TEXT, allocation_time
		 FROM allocations WHERE symbol = $1 ORDER BY id`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Allocation
	for rows.Next() {
		var a model.Allocation
		var qtyS, buyS, sellS, pnlS string
		if err := rows.Scan(&a.ID, &a.Symbol, &a.LotID, &a.SellTradeID,
			&qtyS, &buyS, &sellS, &pnlS, &a.AllocationTime); err != nil {
			return nil, err
		}
		if err := parseDecimals(
			decField{&a.MatchedQty, qtyS, "matched_quantity"},
			decField{&a.BuyPrice, buyS, "buy_price"},
			decField{&a.SellPrice, sellS, "sell_price"},
			decField{&a.RealizedPnL, pnlS, "realized_pnl"},
		); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AuditSnapshot reads in a REPEATABLE READ, read-only transaction so the
// three reads share one snapshot.
func (s *PostgresStore) AuditSnapshot(ctx context.Context, symbol string) (*AuditSnapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	snap := &AuditSnapshot{}
	if snap.Lots, err = listLots(ctx, tx, symbol); err != nil {
		return nil, fmt.Errorf("snapshot lots: %w", err)
	}
	if snap.Allocations, err = listAllocations(ctx, tx, symbol); err != nil {
		return nil, fmt.Errorf("snapshot allocations: %w", err)
	}

	var agg model.RealizedPnL
	var qtyS, pnlS string
	err = tx.QueryRow(ctx,
		`SELECT symbol, realized_quantity::TEXT, realized_pnl::TEXT, last_sell_time
		 FROM realized_pnl_by_symbol WHERE symbol = $1`, symbol,
	).Scan(&agg.Symbol, &qtyS, &pnlS, &agg.LastSellTime)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return snap, nil
	case err != nil:
		return nil, fmt.Errorf("snapshot aggregate: %w", err)
	}
	if err := parseDecimals(
		decField{&agg.RealizedQuantity, qtyS, "realized_quantity"},
		decField{&agg.RealizedPnL, pnlS, "realized_pnl"},
	); err != nil {
		return nil, err
	}
	snap.Aggregate = &agg
	return snap, nil
}

// WithTx runs fn in a READ COMMITTED transaction. Row locks taken through Tx
// serialize conflicting settlements; the deferred rollback discards every
// write when fn fails.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockTrade(ctx context.Context, id int64) (*model.Trade, error) {
	trade, err := scanTrade(t.tx.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("lock trade %d: %w", id, err)
	}
	return trade, nil
}

func (t *pgTx) LockOpenLots(ctx context.Context, symbol string) ([]model.Lot, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+lotColumns+` FROM lots
		 WHERE symbol = $1 AND remaining_quantity > 0
		 ORDER BY opened_at, id
		 FOR UPDATE`, symbol)
	if err != nil {
		return nil, fmt.Errorf("lock open lots %s: %w", symbol, err)
	}
	defer rows.Close()

	return scanLots(rows)
}

func (t *pgTx) InsertLot(ctx context.Context, l *model.Lot) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO lots (symbol, originating_trade_id, unit_price, initial_quantity, remaining_quantity, opened_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 RETURNING id`,
		l.Symbol, l.OriginatingTradeID, l.UnitPrice.String(),
		l.InitialQuantity.String(), l.RemainingQuantity.String(), l.OpenedAt,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("insert lot: %w", err)
	}
	return nil
}

func (t *pgTx) ConsumeLot(ctx context.Context, lotID int64, qty decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE lots SET remaining_quantity = remaining_quantity - $2::NUMERIC
		 WHERE id = $1 AND remaining_quantity >= $2::NUMERIC`,
		lotID, qty.String())
	if err != nil {
		return fmt.Errorf("consume lot %d: %w", lotID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("consume lot %d: cannot consume %s", lotID, qty)
	}
	return nil
}

func (t *pgTx) InsertAllocation(ctx context.Context, a *model.Allocation) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO allocations (symbol, lot_id, sell_trade_id, matched_quantity,
		                          buy_price, sell_price, realized_pnl, allocation_time)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
		 RETURNING id`,
		a.Symbol, a.LotID, a.SellTradeID, a.MatchedQty.String(),
		a.BuyPrice.String(), a.SellPrice.String(), a.RealizedPnL.String(), a.AllocationTime,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert allocation: %w", err)
	}
	return nil
}

func (t *pgTx) UpsertRealizedPnL(ctx context.Context, symbol string, qty, pnl decimal.Decimal, sellTime time.Time) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO realized_pnl_by_symbol (symbol, realized_quantity, realized_pnl, last_sell_time)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (symbol) DO UPDATE SET
		   realized_quantity = realized_pnl_by_symbol.realized_quantity + EXCLUDED.realized_quantity,
		   realized_pnl      = realized_pnl_by_symbol.realized_pnl + EXCLUDED.realized_pnl,
		   last_sell_time    = GREATEST(realized_pnl_by_symbol.last_sell_time, EXCLUDED.last_sell_time)`,
		symbol, qty.String(), pnl.String(), sellTime)
	if err != nil {
		return fmt.Errorf("upsert realized pnl %s: %w", symbol, err)
	}
	return nil
}

func (t *pgTx) MarkTradeProcessed(ctx context.Context, id int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE trades SET processed_at = $2 WHERE id = $1 AND processed_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("mark trade %d processed: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("trade %d already processed", id)
	}
	return nil
}

// limitArg maps a non-positive limit to NULL, which Postgres treats as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// --- Scanning helpers ---

type pgxRow interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTrade(row pgxRow) (*model.Trade, error) {
	var t model.Trade
	var qtyS, priceS string
	if err := row.Scan(&t.ID, &t.Symbol, &qtyS, &priceS, &t.TradeTime, &t.ProcessedAt, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := parseDecimals(
		decField{&t.Quantity, qtyS, "signed_quantity"},
		decField{&t.Price, priceS, "price"},
	); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func scanLots(rows pgxRows) ([]model.Lot, error) {
	var lots []model.Lot
	for rows.Next() {
		var l model.Lot
		var priceS, initS, remS string
		if err := rows.Scan(&l.ID, &l.Symbol, &l.OriginatingTradeID,
			&priceS, &initS, &remS, &l.OpenedAt); err != nil {
			return nil, err
		}
		if err := parseDecimals(
			decField{&l.UnitPrice, priceS, "unit_price"},
			decField{&l.InitialQuantity, initS, "initial_quantity"},
			decField{&l.RemainingQuantity, remS, "remaining_quantity"},
		); err != nil {
			return nil, err
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

type decField struct {
	dst  *decimal.Decimal
	src  string
	name string
}

func parseDecimals(fields ...decField) error {
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return nil
}
