// Package api provides the HTTP surface of the ledger: trade submission,
// trade listing, position and realized P&L queries, the ledger audit and a
// WebSocket settlement feed.
//
// All monetary values use shopspring/decimal and are rendered as strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/lotwise/ledger/internal/fifo"
	"github.com/lotwise/ledger/internal/ingest"
	"github.com/lotwise/ledger/internal/model"
	"github.com/lotwise/ledger/internal/store"
	"github.com/lotwise/ledger/internal/symbol"
)

const (
	defaultTradeLimit = 200
	maxTradeLimit     = 1000
)

// Handler serves the /api/v1 routes.
type Handler struct {
	ingest *ingest.Service
	store  store.Store
}

func NewHandler(svc *ingest.Service, st store.Store) *Handler {
	return &Handler{ingest: svc, store: st}
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /api/v1/trades.
type TradeRequest struct {
	Symbol         string          `json:"symbol"`
	SignedQuantity decimal.Decimal `json:"signed_quantity"` // positive = buy, negative = sell
	Price          decimal.Decimal `json:"price"`
	TradeTime      *time.Time      `json:"trade_time,omitempty"` // defaults to now
}

// TradeResponse is returned from POST /api/v1/trades.
type TradeResponse struct {
	model.Trade
	ProcessedVia string                  `json:"processed_via"`
	Settlement   *model.SettlementResult `json:"settlement,omitempty"`
}

// --- HTTP Handlers ---

// SubmitTrade handles POST /api/v1/trades
func (h *Handler) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.ingest.Submit(r.Context(), ingest.SubmitInput{
		Symbol:    req.Symbol,
		Quantity:  req.SignedQuantity,
		Price:     req.Price,
		TradeTime: req.TradeTime,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, TradeResponse{
		Trade:        res.Trade,
		ProcessedVia: res.ProcessedVia,
		Settlement:   res.Settlement,
	})
}

// ListTrades handles GET /api/v1/trades?limit=N&pending=true
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxTradeLimit)
	}

	var (
		trades []model.Trade
		err    error
	)
	if pending, _ := strconv.ParseBool(r.URL.Query().Get("pending")); pending {
		trades, err = h.store.ListPendingTrades(r.Context(), limit)
	} else {
		trades, err = h.store.ListTrades(r.Context(), limit)
	}
	if err != nil {
		slog.Error("list trades failed", "err", err)
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetTrade handles GET /api/v1/trades/{tradeID}
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "tradeID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid trade id", http.StatusBadRequest)
		return
	}
	trade, err := h.store.GetTrade(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// ListPositions handles GET /api/v1/positions
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.store.ListPositions(r.Context())
	if err != nil {
		slog.Error("list positions failed", "err", err)
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/positions/{symbol}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	sym, err := symbol.Parse(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	pos, err := h.store.GetPosition(r.Context(), sym)
	if err != nil {
		slog.Error("get position failed", "symbol", sym, "err", err)
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ListRealizedPnL handles GET /api/v1/pnl
func (h *Handler) ListRealizedPnL(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListRealizedPnL(r.Context())
	if err != nil {
		slog.Error("list realized pnl failed", "err", err)
		writeError(w, "failed to list realized pnl", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []model.RealizedPnL{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// Audit handles GET /api/v1/audit/{symbol}
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	sym, err := symbol.Parse(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	report, err := fifo.Audit(r.Context(), h.store, sym)
	if err != nil {
		slog.Error("audit failed", "symbol", sym, "err", err)
		writeError(w, "audit failed", http.StatusInternalServerError)
		return
	}
	if !report.OK() {
		slog.Error("ledger audit found violations", "symbol", sym, "violations", report.Violations)
	}
	writeJSON(w, http.StatusOK, struct {
		*fifo.AuditReport
		OK bool `json:"ok"`
	}{report, report.OK()})
}

// --- Helpers ---

// writeDomainError maps ledger errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		verr         *ingest.ValidationError
		incon        *fifo.DataInconsistencyError
		serr         *ingest.SettlementError
		insufficient *fifo.InsufficientInventoryError
	)
	switch {
	case errors.As(err, &verr):
		writeErrorDetails(w, "invalid trade", []string{verr.Error()}, http.StatusBadRequest)
	case errors.As(err, &incon):
		// Stored but unsettleable: the client must not resubmit.
		writeErrorDetails(w, "trade persisted but could not be settled; operator review required", map[string]any{
			"trade_id": incon.TradeID,
			"symbol":   incon.Symbol,
			"pending":  true,
		}, http.StatusInternalServerError)
	case errors.As(err, &serr):
		slog.Error("direct settlement failed", "trade_id", serr.TradeID, "err", serr.Err)
		writeErrorDetails(w, "trade persisted but not yet settled", map[string]any{
			"trade_id": serr.TradeID,
			"pending":  true,
		}, http.StatusInternalServerError)
	case errors.As(err, &insufficient):
		writeErrorDetails(w, insufficient.Error(), map[string]string{
			"symbol":    insufficient.Symbol,
			"requested": insufficient.Requested.String(),
			"available": insufficient.Available.String(),
		}, http.StatusConflict)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, fifo.ErrTradeNotFound):
		writeError(w, "trade not found", http.StatusNotFound)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeErrorDetails(w http.ResponseWriter, message string, details any, status int) {
	writeJSON(w, status, map[string]any{"error": message, "details": details})
}
