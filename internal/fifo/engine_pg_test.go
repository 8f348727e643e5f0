package fifo

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lotwise/ledger/internal/store"
)

// Runs the engine suite against PostgreSQL. Requires RUN_DB_INTEGRATION=1
// and DATABASE_URL pointing at a disposable database.
func TestEnginePostgresStore(t *testing.T) {
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

	pg := store.NewPostgresStore(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	engineSuite(t, func(t *testing.T) store.Store {
		_, err := pool.Exec(ctx,
			`TRUNCATE allocations, realized_pnl_by_symbol, lots, trades RESTART IDENTITY CASCADE`)
		if err != nil {
			t.Fatalf("reset tables: %v", err)
		}
		return pg
	})
}
