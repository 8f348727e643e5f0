package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lotwise/ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// WithTx serializes transactions behind a single lock and runs fn against a
// private copy of the state; the copy replaces the live state only if fn
// succeeds.
type MemoryStore struct {
	txMu sync.Mutex   // held for the whole of a transaction
	mu   sync.RWMutex // guards state
	st   *memState
}

type memState struct {
	trades      map[int64]model.Trade
	lots        map[int64]model.Lot
	allocations []model.Allocation
	pnl         map[string]model.RealizedPnL

	nextTradeID int64
	nextLotID   int64
	nextAllocID int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		st: &memState{
			trades: make(map[int64]model.Trade),
			lots:   make(map[int64]model.Lot),
			pnl:    make(map[string]model.RealizedPnL),
		},
	}
}

func (st *memState) clone() *memState {
	return &memState{
		trades:      maps.Clone(st.trades),
		lots:        maps.Clone(st.lots),
		allocations: slices.Clone(st.allocations),
		pnl:         maps.Clone(st.pnl),
		nextTradeID: st.nextTradeID,
		nextLotID:   st.nextLotID,
		nextAllocID: st.nextAllocID,
	}
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	// A running transaction swaps in its copy on commit; wait for it.
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.nextTradeID++
	t.ID = s.st.nextTradeID
	t.CreatedAt = time.Now().UTC()
	t.ProcessedAt = nil
	s.st.trades[t.ID] = *t
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id int64) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.st.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	return &t, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := s.sortedTrades(func(model.Trade) bool { return true })
	slices.Reverse(trades)
	return truncate(trades, limit), nil
}

func (s *MemoryStore) ListPendingTrades(_ context.Context, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := s.sortedTrades(func(t model.Trade) bool { return !t.Settled() })
	return truncate(trades, limit), nil
}

// sortedTrades returns matching trades in ascending ID order. Caller holds mu.
func (s *MemoryStore) sortedTrades(keep func(model.Trade) bool) []model.Trade {
	trades := make([]model.Trade, 0, len(s.st.trades))
	for _, t := range s.st.trades {
		if keep(t) {
			trades = append(trades, t)
		}
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].ID < trades[j].ID })
	return trades
}

func (s *MemoryStore) OpenQuantity(_ context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, l := range s.st.lots {
		if l.Symbol == symbol && l.Open() {
			total = total.Add(l.RemainingQuantity)
		}
	}
	return total, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, symbol string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := model.BuildPosition(symbol, s.st.openLots(symbol))
	return &p, nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return model.BuildPositions(s.st.openLots("")), nil
}

func (s *MemoryStore) ListRealizedPnL(_ context.Context) ([]model.RealizedPnL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]model.RealizedPnL, 0, len(s.st.pnl))
	for _, r := range s.st.pnl {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })
	return rows, nil
}

func (s *MemoryStore) ListLots(_ context.Context, symbol string) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.st.symbolLots(symbol), nil
}

func (s *MemoryStore) ListAllocations(_ context.Context, symbol string) ([]model.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.st.symbolAllocations(symbol), nil
}

// AuditSnapshot reads under one read lock, so a committing transaction is
// either wholly visible or not at all.
func (s *MemoryStore) AuditSnapshot(_ context.Context, symbol string) (*AuditSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &AuditSnapshot{
		Lots:        s.st.symbolLots(symbol),
		Allocations: s.st.symbolAllocations(symbol),
	}
	if agg, ok := s.st.pnl[symbol]; ok {
		snap.Aggregate = &agg
	}
	return snap, nil
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

func (st *memState) symbolLots(symbol string) []model.Lot {
	var lots []model.Lot
	for _, l := range st.lots {
		if l.Symbol == symbol {
			lots = append(lots, l)
		}
	}
	sortFIFO(lots)
	return lots
}

func (st *memState) symbolAllocations(symbol string) []model.Allocation {
	var allocs []model.Allocation
	for _, a := range st.allocations {
		if a.Symbol == symbol {
			allocs = append(allocs, a)
		}
	}
	return allocs
}

// openLots returns open lots for symbol ("" for all symbols) ordered by
// symbol, then FIFO.
func (st *memState) openLots(symbol string) []model.Lot {
	var lots []model.Lot
	for _, l := range st.lots {
		if l.Open() && (symbol == "" || l.Symbol == symbol) {
			lots = append(lots, l)
		}
	}
	sortFIFO(lots)
	return lots
}

// sortFIFO orders lots by (symbol, opened_at, id).
func sortFIFO(lots []model.Lot) {
	sort.Slice(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if !a.OpenedAt.Equal(b.OpenedAt) {
			return a.OpenedAt.Before(b.OpenedAt)
		}
		return a.ID < b.ID
	})
}

func truncate[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

// memTx operates on a private copy of the state. Locks are implicit: the
// owning MemoryStore admits one transaction at a time.
type memTx struct {
	st *memState
}

func (tx *memTx) LockTrade(_ context.Context, id int64) (*model.Trade, error) {
	t, ok := tx.st.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	return &t, nil
}

func (tx *memTx) LockOpenLots(_ context.Context, symbol string) ([]model.Lot, error) {
	return tx.st.openLots(symbol), nil
}

func (tx *memTx) InsertLot(_ context.Context, l *model.Lot) error {
	for _, existing := range tx.st.lots {
		if existing.OriginatingTradeID == l.OriginatingTradeID {
			return fmt.Errorf("lot for trade %d already exists", l.OriginatingTradeID)
		}
	}
	tx.st.nextLotID++
	l.ID = tx.st.nextLotID
	tx.st.lots[l.ID] = *l
	return nil
}

func (tx *memTx) ConsumeLot(_ context.Context, lotID int64, qty decimal.Decimal) error {
	l, ok := tx.st.lots[lotID]
	if !ok {
		return fmt.Errorf("lot %d: %w", lotID, ErrNotFound)
	}
	if !qty.IsPositive() || qty.GreaterThan(l.RemainingQuantity) {
		return fmt.Errorf("lot %d: cannot consume %s of %s remaining", lotID, qty, l.RemainingQuantity)
	}
	l.RemainingQuantity = l.RemainingQuantity.Sub(qty)
	tx.st.lots[lotID] = l
	return nil
}

func (tx *memTx) InsertAllocation(_ context.Context, a *model.Allocation) error {
	tx.st.nextAllocID++
	a.ID = tx.st.nextAllocID
	tx.st.allocations = append(tx.st.allocations, *a)
	return nil
}

func (tx *memTx) UpsertRealizedPnL(_ context.Context, symbol string, qty, pnl decimal.Decimal, sellTime time.Time) error {
	row, ok := tx.st.pnl[symbol]
	if !ok {
		row = model.RealizedPnL{
			Symbol:           symbol,
			RealizedQuantity: decimal.Zero,
			RealizedPnL:      decimal.Zero,
		}
	}
	row.RealizedQuantity = row.RealizedQuantity.Add(qty)
	row.RealizedPnL = row.RealizedPnL.Add(pnl)
	if row.LastSellTime == nil || sellTime.After(*row.LastSellTime) {
		t := sellTime
		row.LastSellTime = &t
	}
	tx.st.pnl[symbol] = row
	return nil
}

func (tx *memTx) MarkTradeProcessed(_ context.Context, id int64, at time.Time) error {
	t, ok := tx.st.trades[id]
	if !ok {
		return fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	if t.Settled() {
		return fmt.Errorf("trade %d already processed", id)
	}
	t.ProcessedAt = &at
	tx.st.trades[id] = t
	return nil
}
