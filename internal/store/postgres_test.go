package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") != "1" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	// Applying the schema twice must be harmless.
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema again: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE allocations, realized_pnl_by_symbol, lots, trades RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("reset tables: %v", err)
	}
	return s
}

func TestPostgresStore_Trades(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	a := seedTrade(t, s, "AAPL", "10.5", "100.25")
	b := seedTrade(t, s, "AAPL", "-2", "101")

	got, err := s.GetTrade(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Quantity.Equal(d("10.5")) || !got.Price.Equal(d("100.25")) {
		t.Errorf("decimal round trip failed: %+v", got)
	}
	if _, err := s.GetTrade(ctx, 999999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.WithTx(ctx, func(tx Tx) error {
		return tx.MarkTradeProcessed(ctx, a.ID, time.Now().UTC())
	}); err != nil {
		t.Fatal(err)
	}

	all, _ := s.ListTrades(ctx, 0)
	if len(all) != 2 || all[0].ID != b.ID {
		t.Errorf("ListTrades should be newest first: %+v", all)
	}
	pending, _ := s.ListPendingTrades(ctx, 10)
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Errorf("pending = %+v", pending)
	}
}

func TestPostgresStore_LotsAndAggregate(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	lot := seedLot(t, s, "AAPL", "10", "100", now)
	seedLot(t, s, "AAPL", "5", "110", now.Add(time.Second))

	open, err := s.OpenQuantity(ctx, "AAPL")
	if err != nil || !open.Equal(d("15")) {
		t.Fatalf("open quantity = %s, %v", open, err)
	}

	err = s.WithTx(ctx, func(tx Tx) error {
		if err := tx.ConsumeLot(ctx, lot.ID, d("11")); err == nil {
			t.Error("over-consumption should fail")
		}
		return errors.New("rollback")
	})
	if err == nil {
		t.Fatal("expected rollback error")
	}

	for i := 0; i < 2; i++ {
		if err := s.WithTx(ctx, func(tx Tx) error {
			return tx.UpsertRealizedPnL(ctx, "AAPL", d("2"), d("7.5"), now.Add(time.Duration(-i)*time.Hour))
		}); err != nil {
			t.Fatal(err)
		}
	}
	rows, _ := s.ListRealizedPnL(ctx)
	if len(rows) != 1 || !rows[0].RealizedPnL.Equal(d("15")) || !rows[0].RealizedQuantity.Equal(d("4")) {
		t.Fatalf("aggregate = %+v", rows)
	}
	if rows[0].LastSellTime == nil || !rows[0].LastSellTime.Equal(now) {
		t.Errorf("last_sell_time = %v, want %v", rows[0].LastSellTime, now)
	}

	pos, _ := s.GetPosition(ctx, "AAPL")
	if !pos.TotalQuantity.Equal(d("15")) || len(pos.Lots) != 2 {
		t.Errorf("position = %+v", pos)
	}
}
