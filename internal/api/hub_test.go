package api_test

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lotwise/ledger/internal/api"
	"github.com/lotwise/ledger/internal/fifo"
	"github.com/lotwise/ledger/internal/ingest"
	"github.com/lotwise/ledger/internal/store"
)

func TestHubBroadcastsSettlements(t *testing.T) {
	ms := store.NewMemoryStore()
	engine := fifo.NewEngine(ms, slog.Default())
	hub := api.NewHub()
	engine.OnSettled(hub.PublishSettlement)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	svc := ingest.NewService(ms, engine, nil, slog.Default(), ingest.Options{})
	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{
		ServiceName: "lotwise-ledger",
		Handler:     api.NewHandler(svc, ms),
		Hub:         hub,
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w := doTrade(t, srv.Config.Handler, `{"symbol":"AAPL","signed_quantity":"10","price":"100"}`)
	if w.Code != 201 {
		t.Fatalf("submit failed: %d %s", w.Code, w.Body.String())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev api.SettlementEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != "trade_settled" || ev.Symbol != "AAPL" || ev.Side != "buy" || ev.LotID == 0 {
		t.Errorf("unexpected event: %+v", ev)
	}
}
