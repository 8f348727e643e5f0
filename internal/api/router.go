package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lotwise/ledger/internal/metrics"
)

// Stream health values reported by /health.
const (
	StreamUp       = "up"
	StreamDown     = "down"
	StreamDisabled = "disabled"
)

type RouterConfig struct {
	ServiceName string
	Handler     *Handler
	// Hub is optional; without it /api/v1/ws is not served.
	Hub *Hub
	// StreamStatus reports one of StreamUp, StreamDown or StreamDisabled.
	StreamStatus func() string
	// Logging enables chi's request logger.
	Logging bool
}

// NewRouter assembles middleware, health, metrics and the /api/v1 routes.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	if cfg.Logging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		stream := StreamDisabled
		if cfg.StreamStatus != nil {
			stream = cfg.StreamStatus()
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"service": cfg.ServiceName,
			"stream":  stream,
		})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	h := cfg.Handler
	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Hub != nil {
			r.Get("/ws", cfg.Hub.HandleWS)
		}

		r.Post("/trades", h.SubmitTrade)
		r.Get("/trades", h.ListTrades)
		r.Get("/trades/{tradeID}", h.GetTrade)

		r.Get("/positions", h.ListPositions)
		r.Get("/positions/{symbol}", h.GetPosition)

		r.Get("/pnl", h.ListRealizedPnL)
		r.Get("/audit/{symbol}", h.Audit)
	})

	return r
}

// cors allows cross-origin requests from the portfolio frontend.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
