// feed.go implements the streaming market-data feed.
//
// The feed subscribes to outcome tokens on the public market channel and
// maintains an in-memory last-price cache with per-token receipt times.
// Prices older than the staleness window are withheld from readers, so
// downstream trading logic never acts on a quote from a dead connection.
//
// The feed auto-reconnects with exponential backoff (1s → 60s max) and
// re-subscribes to every tracked token on reconnection. A watchdog forces
// a reconnect when the connection goes silent.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polybot/pkg/types"
)

const (
	// stalePriceAfter is the age past which a cached price is withheld.
	stalePriceAfter = 30 * time.Second
	// heartbeatEvery is how often the watchdog checks connection health.
	heartbeatEvery = 10 * time.Second
	// forceReconnectAfter is the silence threshold that tears the
	// connection down for a fresh dial.
	forceReconnectAfter = 60 * time.Second

	feedPingInterval = 50 * time.Second
	feedWriteTimeout = 10 * time.Second
	maxReconnectWait = 60 * time.Second
)

// PriceHandler receives every accepted price tick.
type PriceHandler func(tokenID string, price float64, at time.Time)

type pricePoint struct {
	price float64
	at    time.Time
}

// Feed is the streaming price client. Subscribe before or after Run;
// subscriptions persist across reconnects.
type Feed struct {
	url    string
	apiKey string // optional bearer token for the dial

	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // token IDs

	pricesMu sync.RWMutex
	prices   map[string]pricePoint

	lastMsgMu sync.Mutex
	lastMsg   time.Time

	handlersMu sync.RWMutex
	handlers   []PriceHandler

	logger *slog.Logger
}

// NewFeed creates a market-data feed. apiKey may be empty for anonymous
// access.
func NewFeed(wsURL, apiKey string, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		apiKey:     apiKey,
		subscribed: make(map[string]bool),
		prices:     make(map[string]pricePoint),
		logger:     logger.With("component", "feed"),
	}
}

// OnPrice registers a handler called for every accepted tick. Handlers run
// on the read goroutine and must not block.
func (f *Feed) OnPrice(h PriceHandler) {
	f.handlersMu.Lock()
	f.handlers = append(f.handlers, h)
	f.handlersMu.Unlock()
}

// LatestPrice returns the cached price for a token. ok is false when no
// tick arrived yet or the cached tick is older than the staleness window.
func (f *Feed) LatestPrice(tokenID string) (price float64, ok bool) {
	f.pricesMu.RLock()
	p, exists := f.prices[tokenID]
	f.pricesMu.RUnlock()
	if !exists || time.Since(p.at) > stalePriceAfter {
		return 0, false
	}
	return p.price, true
}

// Subscribe adds token IDs to the live subscription and the resubscribe set.
func (f *Feed) Subscribe(tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	f.subscribedMu.Lock()
	for _, id := range tokenIDs {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	// Not connected yet: the connect path replays the full set.
	err := f.writeJSON(types.WSSubscribeMsg{
		Type:     "subscribe",
		AssetIDs: tokenIDs,
		Channels: []string{"book"},
	})
	if err != nil && err != errNotConnected {
		return err
	}
	return nil
}

// Unsubscribe removes token IDs and drops their cached prices.
func (f *Feed) Unsubscribe(tokenIDs []string) error {
	f.subscribedMu.Lock()
	for _, id := range tokenIDs {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()

	f.pricesMu.Lock()
	for _, id := range tokenIDs {
		delete(f.prices, id)
	}
	f.pricesMu.Unlock()

	err := f.writeJSON(types.WSSubscribeMsg{
		Type:     "unsubscribe",
		AssetIDs: tokenIDs,
		Channels: []string{"book"},
	})
	if err != nil && err != errNotConnected {
		return err
	}
	return nil
}

// Run connects and maintains the feed with auto-reconnect. Blocks until
// ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that lived a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		f.logger.Warn("feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close tears down the current connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	var header http.Header
	if f.apiKey != "" {
		header = http.Header{"Authorization": {"Bearer " + f.apiKey}}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.touchLastMsg()

	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("feed connected", "url", f.url)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.pingLoop(loopCtx, conn)
	go f.watchdog(loopCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(forceReconnectAfter + heartbeatEvery))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.touchLastMsg()
		f.dispatch(msg)
	}
}

// resubscribe replays the full tracked set on a fresh connection.
func (f *Feed) resubscribe() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	if len(ids) == 0 {
		return nil
	}
	return f.writeJSON(types.WSSubscribeMsg{
		Type:     "subscribe",
		AssetIDs: ids,
		Channels: []string{"book"},
	})
}

func (f *Feed) dispatch(data []byte) {
	// Some frames arrive as arrays of events.
	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			return
		}
		for _, item := range batch {
			f.dispatch(item)
		}
		return
	}

	var msg types.WSPriceMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring non-json feed message", "data", string(data))
		return
	}

	switch msg.Kind() {
	case "book", "price_change":
		price, err := msg.Price.Float64()
		if err != nil || msg.AssetID == "" {
			return
		}
		if price <= 0 || price >= 1 {
			// Terminal and out-of-range prices reach us via the
			// resolution poll, not the book stream.
			return
		}
		now := time.Now()
		f.pricesMu.Lock()
		f.prices[msg.AssetID] = pricePoint{price: price, at: now}
		f.pricesMu.Unlock()

		f.handlersMu.RLock()
		handlers := f.handlers
		f.handlersMu.RUnlock()
		for _, h := range handlers {
			h(msg.AssetID, price, now)
		}
	default:
		f.logger.Debug("ignoring feed event", "type", msg.Kind())
	}
}

// watchdog closes the connection when no frame arrived inside the silence
// threshold, which unblocks the read loop into a reconnect.
func (f *Feed) watchdog(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.lastMsgMu.Lock()
			silent := time.Since(f.lastMsg)
			f.lastMsgMu.Unlock()
			if silent > forceReconnectAfter {
				f.logger.Warn("feed silent, forcing reconnect", "silent_for", silent)
				conn.Close()
				return
			}
		}
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			if f.conn == conn {
				conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
					f.logger.Warn("ping failed", "error", err)
					f.connMu.Unlock()
					return
				}
			}
			f.connMu.Unlock()
		}
	}
}

var errNotConnected = fmt.Errorf("feed not connected")

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteJSON(v)
}

// Healthy reports whether the feed received a frame recently.
func (f *Feed) Healthy() bool {
	f.lastMsgMu.Lock()
	defer f.lastMsgMu.Unlock()
	return !f.lastMsg.IsZero() && time.Since(f.lastMsg) < forceReconnectAfter
}

func (f *Feed) touchLastMsg() {
	f.lastMsgMu.Lock()
	f.lastMsg = time.Now()
	f.lastMsgMu.Unlock()
}
