package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/lotwise/ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for position and P&L queries. Settlements go to the primary store
// and invalidate the cache after commit; reads check Redis first then fall
// back to the primary. The advisory pre-check (OpenQuantity), the audit
// snapshot and every transactional read bypass the cache.
//
// Every invalidation bumps a generation counter. A read-through fill is
// written only if the generation it observed before loading is still
// current, so a load that raced a commit never repopulates the old view.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.InsertTrade(ctx, t)
}

// WithTx records which symbols a transaction touched and drops their cached
// views once it commits.
func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	touched := make(map[string]struct{})
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		return fn(&trackingTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}

	if len(touched) == 0 {
		return nil
	}
	keys := []string{positionsKey(), pnlKey()}
	for sym := range touched {
		keys = append(keys, positionKey(sym))
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey())
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	return readThrough(ctx, s, positionKey(symbol), func(ctx context.Context) (*model.Position, error) {
		return s.primary.GetPosition(ctx, symbol)
	})
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	return readThrough(ctx, s, positionsKey(), s.primary.ListPositions)
}

func (s *CachedStore) ListRealizedPnL(ctx context.Context) ([]model.RealizedPnL, error) {
	return readThrough(ctx, s, pnlKey(), s.primary.ListRealizedPnL)
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetTrade(ctx context.Context, id int64) (*model.Trade, error) {
	return s.primary.GetTrade(ctx, id)
}

func (s *CachedStore) ListTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, limit)
}

func (s *CachedStore) ListPendingTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	return s.primary.ListPendingTrades(ctx, limit)
}

func (s *CachedStore) OpenQuantity(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return s.primary.OpenQuantity(ctx, symbol)
}

func (s *CachedStore) ListLots(ctx context.Context, symbol string) ([]model.Lot, error) {
	return s.primary.ListLots(ctx, symbol)
}

func (s *CachedStore) ListAllocations(ctx context.Context, symbol string) ([]model.Allocation, error) {
	return s.primary.ListAllocations(ctx, symbol)
}

func (s *CachedStore) AuditSnapshot(ctx context.Context, symbol string) (*AuditSnapshot, error) {
	return s.primary.AuditSnapshot(ctx, symbol)
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// readThrough serves key from Redis or loads it from the primary. The fill
// is skipped when an invalidation landed while load ran.
func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func(context.Context) (T, error)) (T, error) {
	var v T
	if s.getJSON(ctx, key, &v) {
		return v, nil
	}

	// Cache miss.
	gen, genErr := generation(ctx, s.rdb)
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if genErr == nil {
		s.setIfCurrent(ctx, key, v, gen)
	}
	return v, nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func generation(ctx context.Context, c stringGetter) (int64, error) {
	gen, err := c.Get(ctx, generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// setIfCurrent writes v under key unless the generation moved past gen.
// WATCH aborts the write if an invalidation commits between check and set.
func (s *CachedStore) setIfCurrent(ctx context.Context, key string, v any, gen int64) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := generation(ctx, tx)
		if err != nil {
			return err
		}
		if cur != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, generationKey())
	if err != nil && !errors.Is(err, errStaleFill) && !errors.Is(err, redis.TxFailedErr) {
		slog.Warn("cache fill failed", "key", key, "err", err)
	}
}

var errStaleFill = errors.New("cache generation moved during load")

// trackingTx notes the symbols whose lots or aggregates a transaction wrote.
type trackingTx struct {
	Tx
	touched map[string]struct{}
}

func (t *trackingTx) InsertLot(ctx context.Context, l *model.Lot) error {
	t.touched[l.Symbol] = struct{}{}
	return t.Tx.InsertLot(ctx, l)
}

func (t *trackingTx) UpsertRealizedPnL(ctx context.Context, symbol string, qty, pnl decimal.Decimal, sellTime time.Time) error {
	t.touched[symbol] = struct{}{}
	return t.Tx.UpsertRealizedPnL(ctx, symbol, qty, pnl, sellTime)
}

func positionsKey() string          { return "lotwise:positions" }
func pnlKey() string                { return "lotwise:pnl" }
func generationKey() string         { return "lotwise:generation" }
func positionKey(sym string) string { return fmt.Sprintf("lotwise:position:%s", sym) }
