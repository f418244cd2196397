package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"polybot/pkg/types"
)

// wsTestServer upgrades connections, records subscribe messages, and lets
// the test push frames to the client.
type wsTestServer struct {
	t *testing.T

	mu         sync.Mutex
	conns      []*websocket.Conn
	subscribes []types.WSSubscribeMsg

	srv *httptest.Server
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	ws := &wsTestServer{t: t}
	upgrader := websocket.Upgrader{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.HasPrefix(string(msg), "{") {
				var sub types.WSSubscribeMsg
				if json.Unmarshal(msg, &sub) == nil {
					ws.mu.Lock()
					ws.subscribes = append(ws.subscribes, sub)
					ws.mu.Unlock()
				}
			}
		}
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsTestServer) push(frame string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.conns) == 0 {
		ws.t.Fatal("no client connected")
	}
	conn := ws.conns[len(ws.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		ws.t.Fatalf("push: %v", err)
	}
}

func (ws *wsTestServer) waitForConn(n int) {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ws.mu.Lock()
		got := len(ws.conns)
		ws.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	ws.t.Fatalf("client never connected %d times", n)
}

func TestFeedDeliversPricesAndCachesThem(t *testing.T) {
	srv := newWSTestServer(t)
	feed := NewFeed(srv.url(), "", slog.Default())
	feed.Subscribe([]string{"tok-1"})

	ticks := make(chan float64, 8)
	feed.OnPrice(func(tokenID string, price float64, at time.Time) {
		if tokenID == "tok-1" {
			ticks <- price
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	srv.waitForConn(1)
	srv.push(`{"event_type":"price_change","asset_id":"tok-1","price":"0.42","timestamp":"1700000000"}`)

	select {
	case price := <-ticks:
		if price != 0.42 {
			t.Errorf("tick price = %v", price)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}

	if price, ok := feed.LatestPrice("tok-1"); !ok || price != 0.42 {
		t.Errorf("LatestPrice = %v, %v", price, ok)
	}
	if _, ok := feed.LatestPrice("unknown"); ok {
		t.Error("unknown token should have no price")
	}
}

func TestFeedIgnoresTerminalAndMalformedPrices(t *testing.T) {
	srv := newWSTestServer(t)
	feed := NewFeed(srv.url(), "", slog.Default())
	feed.Subscribe([]string{"tok-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)
	srv.waitForConn(1)

	srv.push(`{"event_type":"price_change","asset_id":"tok-1","price":"1"}`)
	srv.push(`{"event_type":"price_change","asset_id":"tok-1","price":"0"}`)
	srv.push(`not json at all`)
	srv.push(`{"event_type":"price_change","asset_id":"tok-1","price":"0.55"}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if price, ok := feed.LatestPrice("tok-1"); ok {
			if price != 0.55 {
				t.Errorf("cached price = %v, want 0.55", price)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("valid price never cached")
}

func TestFeedResubscribesOnReconnect(t *testing.T) {
	srv := newWSTestServer(t)
	feed := NewFeed(srv.url(), "", slog.Default())
	feed.Subscribe([]string{"tok-1", "tok-2"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	srv.waitForConn(1)
	// Kill the connection server-side to force a reconnect.
	srv.mu.Lock()
	srv.conns[0].Close()
	srv.mu.Unlock()

	srv.waitForConn(2)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		n := len(srv.subscribes)
		srv.mu.Unlock()
		if n >= 2 {
			srv.mu.Lock()
			last := srv.subscribes[len(srv.subscribes)-1]
			srv.mu.Unlock()
			if last.Type != "subscribe" || len(last.AssetIDs) != 2 {
				t.Errorf("resubscribe message = %+v", last)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no resubscribe after reconnect")
}

func TestFeedUnsubscribeDropsCache(t *testing.T) {
	feed := NewFeed("ws://unused", "", slog.Default())
	feed.prices["tok-1"] = pricePoint{price: 0.5, at: time.Now()}

	if err := feed.Unsubscribe([]string{"tok-1"}); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if _, ok := feed.LatestPrice("tok-1"); ok {
		t.Error("price survived unsubscribe")
	}
}

func TestFeedStalePriceWithheld(t *testing.T) {
	feed := NewFeed("ws://unused", "", slog.Default())
	feed.prices["tok-1"] = pricePoint{price: 0.5, at: time.Now().Add(-stalePriceAfter - time.Second)}

	if _, ok := feed.LatestPrice("tok-1"); ok {
		t.Error("stale price should be withheld")
	}
}
