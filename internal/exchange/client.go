// Package exchange implements the CLOB REST client, market discovery, the
// data-API reader, and the streaming price feed.
//
// The REST client (Client) is the single surface the rest of the bot uses
// to reach the exchange:
//   - ListMarkets / GetMarket:  market discovery via the Gamma API
//   - BestBidAsk / LastPrice:   book reads via the CLOB API
//   - SubmitOrder:              place one signed order built from an Intent
//   - CancelOrder / CancelAll:  order cancellation
//   - ListOpenOrders:           resting-order inventory
//   - ListExternalPositions:    holdings of watched accounts via the data API
//
// Submission failures come back as a classified OrderResult instead of a
// bare error, so the order manager can distinguish throttling from
// rejection without parsing strings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"

	"polybot/internal/config"
	"polybot/pkg/types"
)

// ctfExchangeAddress is the CTF exchange contract the order signature
// targets. Same address on Polygon mainnet and Amoy.
const ctfExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

// wire order types understood by the CLOB.
const (
	orderTypeGTC = "GTC" // resting, good till cancelled
	orderTypeFOK = "FOK" // full fill immediately or nothing
	orderTypeFAK = "FAK" // partial fill immediately, remainder cancelled
)

// wireOrderType maps an order lifetime policy to its CLOB wire name.
func wireOrderType(d types.Discipline) string {
	switch d {
	case types.ImmediateOrKill:
		return orderTypeFOK
	case types.ImmediatePartialOK:
		return orderTypeFAK
	default:
		return orderTypeGTC
	}
}

// Client is the exchange REST client. It wraps three resty clients (CLOB,
// Gamma, data API) with retry and auth.
type Client struct {
	clob   *resty.Client
	gamma  *resty.Client
	data   *resty.Client
	auth   *Auth // nil in paper mode; live submission requires it
	logger *slog.Logger
}

// NewClient creates the REST client. auth may be nil when the bot never
// submits live orders.
func NewClient(cfg *config.Config, auth *Auth, logger *slog.Logger) *Client {
	newHTTP := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(30 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json")
	}

	return &Client{
		clob:   newHTTP(cfg.API.CLOBBaseURL),
		gamma:  newHTTP(cfg.API.GammaBaseURL),
		data:   newHTTP(cfg.API.DataBaseURL),
		auth:   auth,
		logger: logger.With("component", "exchange"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market discovery (Gamma API)
// ————————————————————————————————————————————————————————————————————————

// gammaMarket is the Gamma API market shape. Token ids and outcome labels
// arrive as JSON-encoded strings inside the JSON document.
type gammaMarket struct {
	ConditionID  string `json:"conditionId"`
	Slug         string `json:"slug"`
	Question     string `json:"question"`
	Outcomes     string `json:"outcomes"`       // e.g. `["Yes","No"]`
	OutcomesJSON string `json:"outcomePrices"`  // e.g. `["0.45","0.55"]`
	TokenIDs     string `json:"clobTokenIds"`   // e.g. `["123...","456..."]`
	Active       bool   `json:"active"`
	Closed       bool   `json:"closed"`
	EndDate      string `json:"endDate"`
	Volume24h    string `json:"volume24hr"`
	Liquidity    string `json:"liquidityNum"`
}

// ListMarkets pages through active markets, up to limit (0 = 500).
func (c *Client) ListMarkets(ctx context.Context, limit int) ([]types.Market, error) {
	if limit <= 0 {
		limit = 500
	}
	const pageSize = 100

	var out []types.Market
	for offset := 0; len(out) < limit; offset += pageSize {
		var page []gammaMarket
		resp, err := c.gamma.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"active":    "true",
				"closed":    "false",
				"limit":     strconv.Itoa(pageSize),
				"offset":    strconv.Itoa(offset),
				"order":     "volume24hr",
				"ascending": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("list markets: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("list markets: status %d: %s", resp.StatusCode(), resp.String())
		}
		if len(page) == 0 {
			break
		}

		for _, gm := range page {
			m, err := gm.toMarket()
			if err != nil {
				c.logger.Debug("skipping unparseable market", "slug", gm.Slug, "error", err)
				continue
			}
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
		if len(page) < pageSize {
			break
		}
	}
	return out, nil
}

// GetMarket fetches a single market by condition ID, including resolution
// state. Returns nil when the exchange does not know the market.
func (c *Client) GetMarket(ctx context.Context, conditionID string) (*types.Market, error) {
	var page []gammaMarket
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParam("condition_ids", conditionID).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get market: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(page) == 0 {
		return nil, nil
	}
	m, err := page[0].toMarket()
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", conditionID, err)
	}
	return &m, nil
}

// toMarket decodes the stringified token/outcome arrays and binds each token
// to its outcome by label. Positional order is a fallback only.
func (gm gammaMarket) toMarket() (types.Market, error) {
	var tokenIDs, outcomes, prices []string
	if err := json.Unmarshal([]byte(gm.TokenIDs), &tokenIDs); err != nil || len(tokenIDs) != 2 {
		return types.Market{}, fmt.Errorf("token ids %q: want 2 entries", gm.TokenIDs)
	}
	if gm.Outcomes != "" {
		json.Unmarshal([]byte(gm.Outcomes), &outcomes)
	}
	if gm.OutcomesJSON != "" {
		json.Unmarshal([]byte(gm.OutcomesJSON), &prices)
	}

	m := types.Market{
		ID:       gm.ConditionID,
		Slug:     gm.Slug,
		Question: gm.Question,
		Active:   gm.Active,
		Closed:   gm.Closed,
	}

	// Bind tokens by outcome label; index order is not guaranteed.
	yesIdx, noIdx := 0, 1
	if len(outcomes) == 2 {
		for i, label := range outcomes {
			switch strings.ToLower(strings.TrimSpace(label)) {
			case "yes":
				yesIdx = i
			case "no":
				noIdx = i
			}
		}
	}
	m.YesTokenID = tokenIDs[yesIdx]
	m.NoTokenID = tokenIDs[noIdx]

	if len(prices) == 2 {
		m.YesPrice, _ = strconv.ParseFloat(prices[yesIdx], 64)
		m.NoPrice, _ = strconv.ParseFloat(prices[noIdx], 64)
	}
	// A closed market with a terminal outcome price has resolved.
	if m.Closed && (m.YesPrice >= 0.999 || m.NoPrice >= 0.999) {
		m.Resolved = true
	}

	if gm.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
			m.EndDate = t
		}
	}
	m.Volume24h, _ = strconv.ParseFloat(gm.Volume24h, 64)
	m.Liquidity, _ = strconv.ParseFloat(gm.Liquidity, 64)
	return m, nil
}

// ————————————————————————————————————————————————————————————————————————
// Book reads (CLOB API)
// ————————————————————————————————————————————————————————————————————————

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	Bids []bookLevel `json:"bids"`
	Asks []bookLevel `json:"asks"`
}

// BestBidAsk returns the top of book for a token. A missing side comes back
// as zero.
func (c *Client) BestBidAsk(ctx context.Context, tokenID string) (bid, ask float64, err error) {
	var book bookResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&book).
		Get("/book")
	if err != nil {
		return 0, 0, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, 0, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}

	// The book arrives sorted worst-to-best on both sides.
	if n := len(book.Bids); n > 0 {
		bid, _ = strconv.ParseFloat(book.Bids[n-1].Price, 64)
	}
	if n := len(book.Asks); n > 0 {
		ask, _ = strconv.ParseFloat(book.Asks[n-1].Price, 64)
	}
	return bid, ask, nil
}

// LastPrice returns the CLOB midpoint for a token.
func (c *Client) LastPrice(ctx context.Context, tokenID string) (float64, error) {
	var result struct {
		Mid string `json:"mid"`
	}
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/midpoint")
	if err != nil {
		return 0, fmt.Errorf("get midpoint: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get midpoint: status %d: %s", resp.StatusCode(), resp.String())
	}
	price, err := strconv.ParseFloat(result.Mid, 64)
	if err != nil {
		return 0, fmt.Errorf("parse midpoint %q: %w", result.Mid, err)
	}
	return price, nil
}

// ————————————————————————————————————————————————————————————————————————
// Order submission and cancellation (CLOB API, L2 auth)
// ————————————————————————————————————————————————————————————————————————

type signedOrder struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Side          string `json:"side"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type orderPayload struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
}

type orderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// SubmitOrder signs and places one order built from the intent. Shares are
// derived from the intent's quote-currency notional at the limit price.
// Failures come back inside the OrderResult, classified; err is reserved
// for caller bugs like a missing Auth.
func (c *Client) SubmitOrder(ctx context.Context, intent types.Intent) (types.OrderResult, error) {
	if c.auth == nil {
		return types.OrderResult{}, fmt.Errorf("submit order: no signing credentials configured")
	}

	shares := intent.Notional / intent.Price
	makerAmt, takerAmt := PriceToAmounts(intent.Price, shares, intent.Side)

	payload := orderPayload{
		Order: signedOrder{
			Salt:          strconv.FormatInt(time.Now().UnixNano(), 10),
			Maker:         c.auth.FunderAddress().Hex(),
			Signer:        c.auth.Address().Hex(),
			Taker:         "0x0000000000000000000000000000000000000000",
			TokenID:       intent.TokenID,
			MakerAmount:   makerAmt.String(),
			TakerAmount:   takerAmt.String(),
			Side:          string(intent.Side),
			Expiration:    "0",
			Nonce:         "0",
			FeeRateBps:    "0",
			SignatureType: c.auth.sigType,
		},
		Owner:     c.auth.creds.ApiKey,
		OrderType: wireOrderType(intent.Discipline),
	}

	sig, err := c.signOrder(payload.Order)
	if err != nil {
		return types.OrderResult{
			Error: err.Error(),
			Kind:  types.KindSigning,
		}, nil
	}
	payload.Order.Signature = sig

	body, err := json.Marshal(payload)
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return types.OrderResult{
			Error: err.Error(),
			Kind:  types.KindSigning,
		}, nil
	}

	var result orderResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return types.OrderResult{
			Error: err.Error(),
			Kind:  types.KindConnectivity,
		}, nil
	}

	raw := json.RawMessage(resp.Body())
	if resp.StatusCode() != http.StatusOK || !result.Success {
		msg := result.ErrorMsg
		if msg == "" {
			msg = fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String())
		}
		return types.OrderResult{
			Error: msg,
			Kind:  classifySubmitError(resp.StatusCode(), msg),
			Raw:   raw,
		}, nil
	}

	return types.OrderResult{
		OK:      true,
		OrderID: result.OrderID,
		Raw:     raw,
	}, nil
}

// classifySubmitError folds an HTTP status and error message into an
// ErrorKind. 429 and anything mentioning rate limiting is throttling.
func classifySubmitError(status int, msg string) types.ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case status == http.StatusTooManyRequests, strings.Contains(lower, "rate"):
		return types.KindRateLimited
	case strings.Contains(lower, "not filled"), strings.Contains(lower, "couldn't be fully filled"):
		return types.KindNotFilled
	case status >= 500:
		return types.KindConnectivity
	default:
		return types.KindRejected
	}
}

// signOrder signs the CTF exchange order struct (EIP-712).
func (c *Client) signOrder(o signedOrder) (string, error) {
	side := "0"
	if o.Side == string(types.SELL) {
		side = "1"
	}
	domain := apitypes.TypedDataDomain{
		Name:              "Polymarket CTF Exchange",
		Version:           "1",
		ChainId:           (*ethmath.HexOrDecimal256)(c.auth.chainID),
		VerifyingContract: ctfExchangeAddress,
	}
	sig, err := c.auth.SignTypedData(
		&domain,
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		apitypes.TypedDataMessage{
			"salt":          o.Salt,
			"maker":         o.Maker,
			"signer":        o.Signer,
			"taker":         o.Taker,
			"tokenId":       o.TokenID,
			"makerAmount":   o.MakerAmount,
			"takerAmount":   o.TakerAmount,
			"expiration":    o.Expiration,
			"nonce":         o.Nonce,
			"feeRateBps":    o.FeeRateBps,
			"side":          side,
			"signatureType": strconv.Itoa(o.SignatureType),
		},
		"Order",
	)
	if err != nil {
		return "", err
	}
	return "0x" + fmt.Sprintf("%x", sig), nil
}

// CancelOrder cancels one order by ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.auth == nil {
		return fmt.Errorf("cancel order: no signing credentials configured")
	}

	body := fmt.Sprintf(`{"orderID":"%s"}`, orderID)
	headers, err := c.auth.L2Headers("DELETE", "/order", body)
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Delete("/order")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// CancelAll cancels every open order across all markets, used on shutdown
// and kill switch.
func (c *Client) CancelAll(ctx context.Context) error {
	if c.auth == nil {
		return fmt.Errorf("cancel all: no signing credentials configured")
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete("/cancel-all")
	if err != nil {
		return fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}
	c.logger.Warn("all open orders cancelled")
	return nil
}

// ListOpenOrders returns the bot's resting orders. An order absent from the
// result either filled or was cancelled.
func (c *Client) ListOpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("list open orders: no signing credentials configured")
	}

	headers, err := c.auth.L2Headers("GET", "/data/orders", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var raw []struct {
		ID           string `json:"id"`
		Market       string `json:"market"`
		AssetID      string `json:"asset_id"`
		Side         string `json:"side"`
		Price        string `json:"price"`
		OriginalSize string `json:"original_size"`
	}
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&raw).
		Get("/data/orders")
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list open orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.OpenOrder, 0, len(raw))
	for _, o := range raw {
		price, _ := strconv.ParseFloat(o.Price, 64)
		size, _ := strconv.ParseFloat(o.OriginalSize, 64)
		out = append(out, types.OpenOrder{
			OrderID:  o.ID,
			MarketID: o.Market,
			TokenID:  o.AssetID,
			Side:     types.Side(o.Side),
			Price:    price,
			Size:     size,
		})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// External accounts (data API)
// ————————————————————————————————————————————————————————————————————————

// ListExternalPositions returns the current holdings of any account,
// no auth required. Used by the mirror strategy to watch tracked wallets.
func (c *Client) ListExternalPositions(ctx context.Context, account string) ([]types.ExternalPosition, error) {
	var raw []struct {
		ConditionID string  `json:"conditionId"`
		Asset       string  `json:"asset"`
		Size        float64 `json:"size"`
		AvgPrice    float64 `json:"avgPrice"`
	}
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":          account,
			"sizeThreshold": "1",
		}).
		SetResult(&raw).
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("list positions for %s: %w", account, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list positions for %s: status %d: %s", account, resp.StatusCode(), resp.String())
	}

	out := make([]types.ExternalPosition, 0, len(raw))
	for _, p := range raw {
		out = append(out, types.ExternalPosition{
			MarketID: p.ConditionID,
			TokenID:  p.Asset,
			Size:     p.Size,
			AvgCost:  p.AvgPrice,
		})
	}
	return out, nil
}
