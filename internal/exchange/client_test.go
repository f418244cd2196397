package exchange

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"polybot/internal/config"
	"polybot/pkg/types"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	// resty only unmarshals SetResult targets when the response declares a
	// JSON content type; fixture bodies would otherwise sniff as text/plain.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.API.CLOBBaseURL = srv.URL
	cfg.API.GammaBaseURL = srv.URL
	cfg.API.DataBaseURL = srv.URL
	return NewClient(cfg, nil, slog.Default())
}

func TestWireOrderType(t *testing.T) {
	t.Parallel()

	cases := map[types.Discipline]string{
		types.Resting:            "GTC",
		types.ImmediateOrKill:    "FOK",
		types.ImmediatePartialOK: "FAK",
	}
	for d, want := range cases {
		if got := wireOrderType(d); got != want {
			t.Errorf("wireOrderType(%s) = %s, want %s", d, got, want)
		}
	}
}

func TestListMarketsBindsTokensByLabel(t *testing.T) {
	t.Parallel()

	// Outcomes arrive No-first; label binding must still put the Yes
	// token in YesTokenID.
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[{
			"conditionId": "0xc1",
			"slug": "will-it-rain",
			"question": "Will it rain?",
			"outcomes": "[\"No\",\"Yes\"]",
			"outcomePrices": "[\"0.55\",\"0.45\"]",
			"clobTokenIds": "[\"tok-no\",\"tok-yes\"]",
			"active": true,
			"closed": false,
			"volume24hr": "12345.6",
			"liquidityNum": "999"
		}]`))
	}))

	markets, err := c.ListMarkets(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("got %d markets", len(markets))
	}
	m := markets[0]
	if m.YesTokenID != "tok-yes" || m.NoTokenID != "tok-no" {
		t.Errorf("token binding: yes=%s no=%s", m.YesTokenID, m.NoTokenID)
	}
	if m.YesPrice != 0.45 || m.NoPrice != 0.55 {
		t.Errorf("prices: yes=%v no=%v", m.YesPrice, m.NoPrice)
	}
	if m.Volume24h != 12345.6 {
		t.Errorf("volume = %v", m.Volume24h)
	}
}

func TestListMarketsSkipsMalformed(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"conditionId": "0xbad", "clobTokenIds": "not json"},
			{"conditionId": "0xok", "clobTokenIds": "[\"a\",\"b\"]", "outcomes": "[\"Yes\",\"No\"]", "active": true}
		]`))
	}))

	markets, err := c.ListMarkets(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(markets) != 1 || markets[0].ID != "0xok" {
		t.Errorf("markets = %+v", markets)
	}
}

func TestGetMarketResolved(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{
			"conditionId": "0xc1",
			"outcomes": "[\"Yes\",\"No\"]",
			"outcomePrices": "[\"1\",\"0\"]",
			"clobTokenIds": "[\"ty\",\"tn\"]",
			"active": false,
			"closed": true
		}]`))
	}))

	m, err := c.GetMarket(context.Background(), "0xc1")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if m == nil || !m.Resolved {
		t.Fatalf("market = %+v, want resolved", m)
	}
	if m.WinningTokenID() != "ty" {
		t.Errorf("winner = %s, want ty", m.WinningTokenID())
	}
}

func TestGetMarketAbsent(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	m, err := c.GetMarket(context.Background(), "0xmissing")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if m != nil {
		t.Errorf("want nil for unknown market, got %+v", m)
	}
}

func TestBestBidAsk(t *testing.T) {
	t.Parallel()

	// Book sides arrive worst-to-best; top of book is the last entry.
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"bids": [{"price":"0.40","size":"10"},{"price":"0.44","size":"5"}],
			"asks": [{"price":"0.52","size":"10"},{"price":"0.46","size":"5"}]
		}`))
	}))

	bid, ask, err := c.BestBidAsk(context.Background(), "tok")
	if err != nil {
		t.Fatalf("BestBidAsk: %v", err)
	}
	if bid != 0.44 || ask != 0.46 {
		t.Errorf("bid/ask = %v/%v, want 0.44/0.46", bid, ask)
	}
}

func TestLastPrice(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"mid":"0.475"}`))
	}))
	price, err := c.LastPrice(context.Background(), "tok")
	if err != nil {
		t.Fatalf("LastPrice: %v", err)
	}
	if price != 0.475 {
		t.Errorf("price = %v", price)
	}
}

func TestClassifySubmitError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		msg    string
		want   types.ErrorKind
	}{
		{http.StatusTooManyRequests, "slow down", types.KindRateLimited},
		{http.StatusBadRequest, "rate limit exceeded", types.KindRateLimited},
		{http.StatusBadRequest, "order couldn't be fully filled", types.KindNotFilled},
		{http.StatusBadGateway, "upstream", types.KindConnectivity},
		{http.StatusBadRequest, "invalid amount", types.KindRejected},
	}
	for _, tc := range cases {
		if got := classifySubmitError(tc.status, tc.msg); got != tc.want {
			t.Errorf("classify(%d, %q) = %s, want %s", tc.status, tc.msg, got, tc.want)
		}
	}
}

func TestSubmitOrderRequiresAuth(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	_, err := c.SubmitOrder(context.Background(), types.Intent{
		TokenID: "tok", Side: types.BUY, Price: 0.5, Notional: 50,
	})
	if err == nil {
		t.Error("expected error without signing credentials")
	}
}

func TestListExternalPositions(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("user"); got != "0xabc" {
			t.Errorf("user param = %q", got)
		}
		w.Write([]byte(`[
			{"conditionId":"0xc1","asset":"tok-1","size":200,"avgPrice":0.35},
			{"conditionId":"0xc2","asset":"tok-2","size":50,"avgPrice":0.8}
		]`))
	}))

	got, err := c.ListExternalPositions(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("ListExternalPositions: %v", err)
	}
	if len(got) != 2 || got[0].TokenID != "tok-1" || got[0].Size != 200 {
		t.Errorf("positions = %+v", got)
	}
}
