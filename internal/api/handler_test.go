package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/lotwise/ledger/internal/api"
	"github.com/lotwise/ledger/internal/fifo"
	"github.com/lotwise/ledger/internal/ingest"
	"github.com/lotwise/ledger/internal/model"
	"github.com/lotwise/ledger/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestEnv wires an in-memory ledger behind the full router.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	engine := fifo.NewEngine(ms, slog.Default())
	svc := ingest.NewService(ms, engine, nil, slog.Default(), ingest.Options{})

	r := api.NewRouter(api.RouterConfig{
		ServiceName: "lotwise-ledger",
		Handler:     api.NewHandler(svc, ms),
	})
	return ms, r
}

func doTrade(t *testing.T, router http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trades", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doGet(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

// --- Trade submission ---

func TestSubmitTrade_Buy(t *testing.T) {
	_, router := newTestEnv(t)

	w := doTrade(t, router, `{"symbol":" aapl ","signed_quantity":"10","price":"100.50","trade_time":"2024-03-01T14:30:00Z"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode[api.TradeResponse](t, w)
	if resp.ID == 0 || resp.Symbol != "AAPL" {
		t.Errorf("unexpected trade: %+v", resp.Trade)
	}
	if resp.ProcessedVia != model.ViaDirect {
		t.Errorf("processed_via = %q, want direct", resp.ProcessedVia)
	}
	if !resp.TradeTime.Equal(time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)) {
		t.Errorf("trade_time = %v", resp.TradeTime)
	}
	if resp.Settlement == nil || resp.Settlement.Lot == nil {
		t.Fatalf("expected settlement with lot: %+v", resp.Settlement)
	}
	if !resp.Settlement.Lot.UnitPrice.Equal(d("100.50")) {
		t.Errorf("lot price = %s", resp.Settlement.Lot.UnitPrice)
	}
}

func TestSubmitTrade_NumericJSON(t *testing.T) {
	_, router := newTestEnv(t)

	w := doTrade(t, router, `{"symbol":"MSFT","signed_quantity":5,"price":300.25}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSubmitTrade_Validation(t *testing.T) {
	_, router := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"symbol":`},
		{"missing symbol", `{"signed_quantity":"1","price":"1"}`},
		{"zero quantity", `{"symbol":"AAPL","signed_quantity":"0","price":"1"}`},
		{"non-positive price", `{"symbol":"AAPL","signed_quantity":"1","price":"0"}`},
		{"bad symbol", `{"symbol":"A A","signed_quantity":"1","price":"1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doTrade(t, router, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestSubmitTrade_InsufficientInventory(t *testing.T) {
	ms, router := newTestEnv(t)
	doTrade(t, router, `{"symbol":"AAPL","signed_quantity":"12","price":"100"}`)

	w := doTrade(t, router, `{"symbol":"AAPL","signed_quantity":"-20","price":"150"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	body := decode[struct {
		Error   string            `json:"error"`
		Details map[string]string `json:"details"`
	}](t, w)
	if body.Details["available"] != "12" || body.Details["requested"] != "20" {
		t.Errorf("details = %v", body.Details)
	}

	trades, _ := ms.ListTrades(context.Background(), 0)
	if len(trades) != 1 {
		t.Errorf("rejected sell must not be persisted, have %d trades", len(trades))
	}
}

// overstatedStore lets a sell through the pre-check that the locked lots
// cannot cover.
type overstatedStore struct {
	*store.MemoryStore
}

func (overstatedStore) OpenQuantity(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1000), nil
}

func TestSubmitTrade_MatchShortfallAfterPreCheck(t *testing.T) {
	st := overstatedStore{store.NewMemoryStore()}
	svc := ingest.NewService(st, fifo.NewEngine(st, slog.Default()), nil, slog.Default(), ingest.Options{})
	router := api.NewRouter(api.RouterConfig{ServiceName: "lotwise-ledger", Handler: api.NewHandler(svc, st)})

	w := doTrade(t, router, `{"symbol":"AAPL","signed_quantity":"-5","price":"10"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}
	body := decode[struct {
		Error   string `json:"error"`
		Details struct {
			TradeID int64 `json:"trade_id"`
			Pending bool  `json:"pending"`
		} `json:"details"`
	}](t, w)
	if body.Details.TradeID != 1 || !body.Details.Pending {
		t.Errorf("details = %+v", body.Details)
	}

	pending := decode[[]model.Trade](t, doGet(t, router, "/api/v1/trades?pending=true"))
	if len(pending) != 1 || pending[0].ID != body.Details.TradeID {
		t.Errorf("expected trade %d pending, got %+v", body.Details.TradeID, pending)
	}
}

// --- Queries ---

func TestPositionsAndPnL(t *testing.T) {
	_, router := newTestEnv(t)
	doTrade(t, router, `{"symbol":"AAPL","signed_quantity":"10","price":"100","trade_time":"2024-01-01T00:00:00Z"}`)
	doTrade(t, router, `{"symbol":"AAPL","signed_quantity":"5","price":"110","trade_time":"2024-01-02T00:00:00Z"}`)
	doTrade(t, router, `{"symbol":"AAPL","signed_quantity":"5","price":"120","trade_time":"2024-01-03T00:00:00Z"}`)
	w := doTrade(t, router, `{"symbol":"AAPL","signed_quantity":"-12","price":"150","trade_time":"2024-01-04T00:00:00Z"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("sell failed: %d %s", w.Code, w.Body.String())
	}

	pos := decode[model.Position](t, doGet(t, router, "/api/v1/positions/aapl"))
	if !pos.TotalQuantity.Equal(d("8")) {
		t.Errorf("open quantity = %s, want 8", pos.TotalQuantity)
	}
	// (3*110 + 5*120) / 8 = 116.25
	if pos.AverageCost == nil || !pos.AverageCost.Equal(d("116.25")) {
		t.Errorf("average cost = %v, want 116.25", pos.AverageCost)
	}
	if len(pos.Lots) != 2 || !pos.Lots[0].RemainingQuantity.Equal(d("3")) {
		t.Errorf("open lots = %+v", pos.Lots)
	}

	all := decode[[]model.Position](t, doGet(t, router, "/api/v1/positions"))
	if len(all) != 1 {
		t.Errorf("expected one position, got %d", len(all))
	}

	pnl := decode[[]model.RealizedPnL](t, doGet(t, router, "/api/v1/pnl"))
	if len(pnl) != 1 || !pnl[0].RealizedPnL.Equal(d("580")) || !pnl[0].RealizedQuantity.Equal(d("12")) {
		t.Errorf("pnl = %+v", pnl)
	}

	audit := decode[struct {
		OK         bool     `json:"ok"`
		Violations []string `json:"violations"`
	}](t, doGet(t, router, "/api/v1/audit/AAPL"))
	if !audit.OK {
		t.Errorf("audit violations: %v", audit.Violations)
	}
}

func TestEmptyCollectionsAreArrays(t *testing.T) {
	_, router := newTestEnv(t)
	for _, path := range []string{"/api/v1/positions", "/api/v1/pnl", "/api/v1/trades"} {
		w := doGet(t, router, path)
		if got := strings.TrimSpace(w.Body.String()); got != "[]" {
			t.Errorf("%s = %s, want []", path, got)
		}
	}
}

func TestListAndGetTrades(t *testing.T) {
	_, router := newTestEnv(t)
	for i := 0; i < 3; i++ {
		doTrade(t, router, `{"symbol":"AAPL","signed_quantity":"1","price":"10"}`)
	}

	trades := decode[[]model.Trade](t, doGet(t, router, "/api/v1/trades?limit=2"))
	if len(trades) != 2 || trades[0].ID != 3 {
		t.Errorf("expected the two newest trades, got %+v", trades)
	}
	if !trades[0].Settled() {
		t.Error("direct trades should carry processed_at")
	}

	pending := decode[[]model.Trade](t, doGet(t, router, "/api/v1/trades?pending=true"))
	if len(pending) != 0 {
		t.Errorf("expected no pending trades, got %d", len(pending))
	}

	if w := doGet(t, router, "/api/v1/trades?limit=abc"); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}

	one := decode[model.Trade](t, doGet(t, router, "/api/v1/trades/2"))
	if one.ID != 2 {
		t.Errorf("got trade %d", one.ID)
	}
	if w := doGet(t, router, "/api/v1/trades/99"); w.Code != http.StatusNotFound {
		t.Errorf("unknown trade: expected 404, got %d", w.Code)
	}
	if w := doGet(t, router, "/api/v1/trades/x"); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", w.Code)
	}
}

// --- Surface ---

func TestHealth(t *testing.T) {
	_, router := newTestEnv(t)
	body := decode[map[string]string](t, doGet(t, router, "/health"))
	if body["status"] != "ok" || body["service"] != "lotwise-ledger" || body["stream"] != api.StreamDisabled {
		t.Errorf("health = %v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, router := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/trades", bytes.NewReader(nil))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestInvalidSymbolPath(t *testing.T) {
	_, router := newTestEnv(t)
	if w := doGet(t, router, "/api/v1/positions/%20"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
