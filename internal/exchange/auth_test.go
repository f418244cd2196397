package exchange

import (
	"math"
	"math/big"
	"testing"

	"polybot/internal/config"
	"polybot/pkg/types"
)

func TestRoundDown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		val      float64
		decimals int
		want     float64
	}{
		{"truncate 2 decimals", 1.2345, 2, 1.23},
		{"truncate 4 decimals", 0.55559, 4, 0.5555},
		{"exact value unchanged", 0.55, 2, 0.55},
		{"zero", 0.0, 2, 0.0},
		{"negative truncates toward zero", -1.239, 2, -1.23},
		{"high precision", 0.123456789, 6, 0.123456},
		{"whole number", 5.0, 2, 5.0},
		{"zero decimals", 3.99, 0, 3.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := roundDown(tt.val, tt.decimals)
			if math.Abs(got-tt.want) > 1e-10 {
				t.Errorf("roundDown(%v, %d) = %v, want %v", tt.val, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestPriceToAmounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		price   float64
		size    float64
		side    types.Side
		wantMkr int64 // expected makerAmount (6 decimal USDC)
		wantTkr int64 // expected takerAmount (6 decimal USDC)
	}{
		{
			name:    "BUY at 0.50, size 100",
			price:   0.50,
			size:    100.0,
			side:    types.BUY,
			wantMkr: 50_000_000,  // 100 * 0.50 = 50 USDC
			wantTkr: 100_000_000, // 100 tokens
		},
		{
			name:    "SELL at 0.50, size 100",
			price:   0.50,
			size:    100.0,
			side:    types.SELL,
			wantMkr: 100_000_000, // 100 tokens
			wantTkr: 50_000_000,  // 100 * 0.50 = 50 USDC
		},
		{
			name:    "BUY at 0.75, size 10",
			price:   0.75,
			size:    10.0,
			side:    types.BUY,
			wantMkr: 7_500_000,  // 10 * 0.75 = 7.5 USDC
			wantTkr: 10_000_000, // 10 tokens
		},
		{
			name:    "BUY small size truncated",
			price:   0.55,
			size:    1.999, // truncated to 1.99
			side:    types.BUY,
			wantMkr: 1_094_500, // roundDown(1.99 * 0.55, 4) = 1.0945 → 1094500
			wantTkr: 1_990_000, // 1.99 tokens
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mkr, tkr := PriceToAmounts(tt.price, tt.size, tt.side)

			if mkr.Cmp(big.NewInt(tt.wantMkr)) != 0 {
				t.Errorf("makerAmount = %s, want %d", mkr.String(), tt.wantMkr)
			}
			if tkr.Cmp(big.NewInt(tt.wantTkr)) != 0 {
				t.Errorf("takerAmount = %s, want %d", tkr.String(), tt.wantTkr)
			}
		})
	}
}

func TestPriceToAmountsSellMirrorsBuy(t *testing.T) {
	t.Parallel()

	// For the same price/size, BUY's maker == SELL's taker (tokens)
	// and BUY's taker == SELL's maker (USDC)
	buyMkr, buyTkr := PriceToAmounts(0.60, 50.0, types.BUY)
	sellMkr, sellTkr := PriceToAmounts(0.60, 50.0, types.SELL)

	if buyMkr.Cmp(sellTkr) != 0 {
		t.Errorf("BUY maker (%s) != SELL taker (%s)", buyMkr, sellTkr)
	}
	if buyTkr.Cmp(sellMkr) != 0 {
		t.Errorf("BUY taker (%s) != SELL maker (%s)", buyTkr, sellMkr)
	}
}

func TestNewAuthDerivesAddress(t *testing.T) {
	t.Parallel()

	// Well-known test vector: private key 0x01 maps to this address.
	cfg := &config.Config{}
	cfg.Wallet.PrivateKey = "0x0000000000000000000000000000000000000000000000000000000000000001"
	cfg.Wallet.ChainID = 137

	a, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	want := "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"
	if a.Address().Hex() != want {
		t.Errorf("Address() = %s, want %s", a.Address().Hex(), want)
	}
	// No funder configured: funder falls back to the EOA.
	if a.FunderAddress() != a.Address() {
		t.Errorf("FunderAddress() = %s, want EOA", a.FunderAddress().Hex())
	}
	if a.HasL2Credentials() {
		t.Error("HasL2Credentials() = true with empty creds")
	}
}

func TestL2HeadersShape(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Wallet.PrivateKey = "0x0000000000000000000000000000000000000000000000000000000000000001"
	cfg.Wallet.ChainID = 137
	cfg.API.ApiKey = "key"
	cfg.API.Secret = "c2VjcmV0" // base64("secret")
	cfg.API.Passphrase = "pass"

	a, err := NewAuth(cfg)
	if err != nil {
		t.Fatal(err)
	}
	headers, err := a.L2Headers("POST", "/order", `{"x":1}`)
	if err != nil {
		t.Fatalf("L2Headers: %v", err)
	}
	for _, key := range []string{"POLY_ADDRESS", "POLY_SIGNATURE", "POLY_TIMESTAMP", "POLY_API_KEY", "POLY_PASSPHRASE"} {
		if headers[key] == "" {
			t.Errorf("missing header %s", key)
		}
	}
	if headers["POLY_API_KEY"] != "key" || headers["POLY_PASSPHRASE"] != "pass" {
		t.Errorf("credential headers wrong: %v", headers)
	}
}
