package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hyperliquid-sentry/internal/logging"
)

func TestLiquidationFromStream(t *testing.T) {
	s := NewFillStream(StreamOptions{TokenPriceUSD: 1.0}, logging.Nop())

	tests := []struct {
		name       string
		fill       userFill
		wantOK     bool
		wantID     string
		wantSide   string
		wantAmount float64
	}{
		{
			name:       "flagged fill",
			fill:       userFill{Coin: "BTC", Px: "65000", Sz: "-2", Dir: "Close Long", Oid: 777, Liquidation: true},
			wantOK:     true,
			wantID:     "liq-777",
			wantSide:   "LONG",
			wantAmount: 130000,
		},
		{
			name:       "liquidation wording without flag",
			fill:       userFill{Coin: "ETH", Px: "3000", Sz: "5", Dir: "Liquidated Short", Oid: 778},
			wantOK:     true,
			wantID:     "liq-778",
			wantSide:   "SHORT",
			wantAmount: 15000,
		},
		{
			name:   "ordinary close",
			fill:   userFill{Coin: "BTC", Px: "65000", Sz: "2", Dir: "Close Long", Oid: 779},
			wantOK: false,
		},
		{
			name:       "missing price falls back to token value",
			fill:       userFill{Coin: "HYPE", Px: "0", Sz: "40000", Dir: "Close Long", Oid: 780, Liquidation: true},
			wantOK:     true,
			wantID:     "liq-780",
			wantSide:   "LONG",
			wantAmount: 40000,
		},
		{
			name:       "hash fallback when oid missing",
			fill:       userFill{Coin: "BTC", Px: "100", Sz: "1", Dir: "Close Short", Hash: "0xdeadbeef", Liquidation: true},
			wantOK:     true,
			wantID:     "liq-0xdeadbeef",
			wantSide:   "SHORT",
			wantAmount: 100,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := s.liquidationFromStream("0xabc", tc.fill)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if ev.ID != tc.wantID {
				t.Errorf("id = %s, want %s", ev.ID, tc.wantID)
			}
			if ev.Side != tc.wantSide {
				t.Errorf("side = %s, want %s", ev.Side, tc.wantSide)
			}
			if ev.AmountUSD != tc.wantAmount {
				t.Errorf("amount = %f, want %f", ev.AmountUSD, tc.wantAmount)
			}
			if ev.User != "0xabc" {
				t.Errorf("user = %s", ev.User)
			}
		})
	}
}

func TestHandleMessageSkipsSnapshots(t *testing.T) {
	s := NewFillStream(StreamOptions{TokenPriceUSD: 1.0}, logging.Nop())

	snapshot := `{"channel":"userFills","data":{"isSnapshot":true,"user":"0xabc","fills":[{"coin":"BTC","px":"100","sz":"1","dir":"Close Long","oid":1,"liquidation":true}]}}`
	s.handleMessage([]byte(snapshot))
	if got := s.Drain(); len(got) != 0 {
		t.Fatalf("snapshot fills should be ignored, got %d", len(got))
	}

	live := `{"channel":"userFills","data":{"isSnapshot":false,"user":"0xabc","fills":[{"coin":"BTC","px":"100","sz":"1","dir":"Close Long","oid":2,"liquidation":true}]}}`
	s.handleMessage([]byte(live))
	got := s.Drain()
	if len(got) != 1 {
		t.Fatalf("expected 1 live liquidation, got %d", len(got))
	}
	if got[0].ID != "liq-2" {
		t.Errorf("id = %s", got[0].ID)
	}

	s.handleMessage([]byte(`{"channel":"pong"}`))
	s.handleMessage([]byte(`not json`))
	if got := s.Drain(); len(got) != 0 {
		t.Fatalf("unrelated messages should produce nothing, got %d", len(got))
	}
}

func TestRunDeliversLiveFills(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan wsRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub wsRequest
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		received <- sub

		payload := `{"channel":"userFills","data":{"isSnapshot":false,"user":"0xabc","fills":[{"coin":"BTC","px":"65000","sz":"-2","time":1700000000000,"dir":"Close Long","closedPnl":"-120000","oid":777,"tid":9001,"liquidation":true}]}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			return
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewFillStream(StreamOptions{
		WSURL:         wsURL,
		Users:         []string{"0xabc"},
		TokenPriceUSD: 1.0,
	}, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	select {
	case sub := <-received:
		if sub.Method != "subscribe" || sub.Subscription == nil {
			t.Fatalf("unexpected subscribe request: %+v", sub)
		}
		if sub.Subscription.Type != "userFills" || sub.Subscription.User != "0xabc" {
			t.Fatalf("unexpected subscription: %+v", sub.Subscription)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no subscribe request received")
	}

	select {
	case ev := <-stream.Events():
		if ev.ID != "liq-777" {
			t.Errorf("id = %s", ev.ID)
		}
		if ev.AmountUSD != 130000 {
			t.Errorf("amount = %f, want px*size", ev.AmountUSD)
		}
		if ev.Side != "LONG" {
			t.Errorf("side = %s", ev.Side)
		}
		if !ev.Timestamp.Equal(time.UnixMilli(1700000000000).UTC()) {
			t.Errorf("timestamp = %s", ev.Timestamp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no liquidation event received")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestRunDisabledWithoutUsers(t *testing.T) {
	stream := NewFillStream(StreamOptions{WSURL: "ws://localhost"}, logging.Nop())
	if stream.Enabled() {
		t.Fatal("stream without users should be disabled")
	}
	if err := stream.Run(context.Background()); err != nil {
		t.Fatalf("disabled run should return nil, got %v", err)
	}
}
