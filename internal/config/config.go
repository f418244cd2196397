// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// credentials and endpoints overridable via environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	TradingMode string `mapstructure:"trading_mode"` // "paper" or "live"
	DatabaseURL string `mapstructure:"database_url"`
	HealthPort  int    `mapstructure:"health_port"` // 0 disables the status server

	// PaperBalance is the simulated cash balance used instead of on-chain
	// reads when trading_mode is "paper".
	PaperBalance float64 `mapstructure:"paper_balance"`

	API       APIConfig       `mapstructure:"api"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Global    GlobalLimits    `mapstructure:"global"`
	Fees      FeesConfig      `mapstructure:"fees"`
	Positions PositionsConfig `mapstructure:"positions"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
	Arb       ArbConfig       `mapstructure:"arb"`
	StinkBid  StinkBidConfig  `mapstructure:"stink_bid"`
}

// APIConfig holds exchange endpoints and L2 API credentials.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	DataBaseURL  string `mapstructure:"data_base_url"`
	WSURL        string `mapstructure:"ws_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// WalletConfig holds the signing wallet and the RPC endpoint used for
// balance reads. FunderAddress may differ from the signer when a proxy
// wallet funds the orders.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	FunderAddress string `mapstructure:"funder_address"`
	RPCURL        string `mapstructure:"rpc_url"`
	ChainID       int    `mapstructure:"chain_id"`
	SignatureType int    `mapstructure:"signature_type"`
	USDCAddress   string `mapstructure:"usdc_address"`
}

// TelegramConfig enables the operator chat surface when both fields are set.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RateLimitConfig bounds exchange-bound request admission. MaxRequests per
// Window is kept strictly below the exchange's advertised 60/min.
type RateLimitConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// GlobalLimits are the portfolio-wide risk limits every intent is checked
// against. Percentages are of current portfolio value.
type GlobalLimits struct {
	MaxPositionPct    float64 `mapstructure:"max_position_pct"`
	MaxOpenPositions  int     `mapstructure:"max_open_positions"`
	MinEdgePct        float64 `mapstructure:"min_edge_pct"`
	MinCashReservePct float64 `mapstructure:"min_cash_reserve_pct"`
	DailyLossLimitPct float64 `mapstructure:"daily_loss_limit_pct"`
	MinPositionSize   float64 `mapstructure:"min_position_size_usd"`
}

// FeesConfig models the exchange fee schedule used in P&L estimates.
type FeesConfig struct {
	WinnerFeePct    float64 `mapstructure:"winner_fee_pct"`
	MaxTakerFeePct  float64 `mapstructure:"max_taker_fee_pct"`
	EstimatedGasUSD float64 `mapstructure:"estimated_gas_usd"`
}

// TakerFeeRate returns the taker fee as a fraction.
func (f FeesConfig) TakerFeeRate() float64 { return f.MaxTakerFeePct / 100 }

// WinnerFeeRate returns the resolution winner fee as a fraction.
func (f FeesConfig) WinnerFeeRate() float64 { return f.WinnerFeePct / 100 }

// TakeProfitTier is one rung of the take-profit ladder. Tiers are consumed
// in order; SellPct ≥ 100 means a full exit.
type TakeProfitTier struct {
	GainPct float64 `mapstructure:"gain_pct"`
	SellPct float64 `mapstructure:"sell_pct"`
}

// PositionsConfig tunes the position manager's exit rules.
type PositionsConfig struct {
	TakeProfit      []TakeProfitTier `mapstructure:"take_profit"`
	StopLossPct     float64          `mapstructure:"stop_loss_pct"`
	TrailingStopPct float64          `mapstructure:"trailing_stop_pct"`
}

// TrackedAccount is one external wallet the mirror strategy follows.
type TrackedAccount struct {
	Address       string  `mapstructure:"address"`
	Alias         string  `mapstructure:"alias"`
	AllocationPct float64 `mapstructure:"allocation_pct"`
	Enabled       bool    `mapstructure:"enabled"`
}

// MirrorConfig tunes the mirror strategy (diff-tracking external accounts).
type MirrorConfig struct {
	Enabled           bool             `mapstructure:"enabled"`
	AllocationPct     float64          `mapstructure:"allocation_pct"`
	SizingMethod      string           `mapstructure:"sizing_method"` // fixed | portfolio_pct | source_pct
	FixedNotional     float64          `mapstructure:"fixed_notional"`
	PortfolioPct      float64          `mapstructure:"portfolio_pct"`
	SourcePct         float64          `mapstructure:"source_pct"`
	MinSourceNotional float64          `mapstructure:"min_source_notional"`
	MaxSlippagePct    float64          `mapstructure:"max_slippage_pct"`
	PollInterval      time.Duration    `mapstructure:"poll_interval"`
	OrderDiscipline   string           `mapstructure:"order_discipline"` // resting | immediate_or_kill | immediate_partial_ok
	Accounts          []TrackedAccount `mapstructure:"accounts"`
}

// EnabledAccounts returns the tracked accounts that are switched on and
// carry an address.
func (m MirrorConfig) EnabledAccounts() []TrackedAccount {
	var out []TrackedAccount
	for _, a := range m.Accounts {
		if a.Enabled && a.Address != "" {
			out = append(out, a)
		}
	}
	return out
}

// ArbConfig tunes the parity-arbitrage scanner.
type ArbConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	AllocationPct   float64       `mapstructure:"allocation_pct"`
	MinGapThreshold float64       `mapstructure:"min_gap_threshold"` // buy both sides when yes+no asks < this
	MaxPairNotional float64       `mapstructure:"max_pair_notional"`
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	MinLiquidity    float64       `mapstructure:"min_liquidity"`
}

// StinkBidConfig tunes the deep-discount resting-bid strategy.
type StinkBidConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	AllocationPct   float64       `mapstructure:"allocation_pct"`
	MinDiscountPct  float64       `mapstructure:"min_discount_pct"`
	MaxDiscountPct  float64       `mapstructure:"max_discount_pct"`
	MaxActiveBids   int           `mapstructure:"max_active_bids"`
	MinMarketVolume float64       `mapstructure:"min_market_volume_usd"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// Load reads config from a YAML file with env var overrides. The file is
// optional; every field has a default or an environment source.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading_mode", "paper")
	v.SetDefault("database_url", "sqlite:///data/polybot.db")
	v.SetDefault("health_port", 8080)
	v.SetDefault("paper_balance", 1000.0)

	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.data_base_url", "https://data-api.polymarket.com")
	v.SetDefault("api.ws_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")

	v.SetDefault("wallet.rpc_url", "https://polygon-rpc.com")
	v.SetDefault("wallet.chain_id", 137)
	v.SetDefault("wallet.usdc_address", "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("rate_limit.max_requests", 55)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("global.max_position_pct", 15.0)
	v.SetDefault("global.max_open_positions", 10)
	v.SetDefault("global.min_edge_pct", 5.0)
	v.SetDefault("global.min_cash_reserve_pct", 10.0)
	v.SetDefault("global.daily_loss_limit_pct", 10.0)
	v.SetDefault("global.min_position_size_usd", 25.0)

	v.SetDefault("fees.winner_fee_pct", 2.0)
	v.SetDefault("fees.max_taker_fee_pct", 3.15)
	v.SetDefault("fees.estimated_gas_usd", 0.03)

	v.SetDefault("positions.stop_loss_pct", 25.0)
	v.SetDefault("positions.trailing_stop_pct", 10.0)

	v.SetDefault("mirror.sizing_method", "fixed")
	v.SetDefault("mirror.fixed_notional", 50.0)
	v.SetDefault("mirror.min_source_notional", 500.0)
	v.SetDefault("mirror.max_slippage_pct", 5.0)
	v.SetDefault("mirror.poll_interval", 60*time.Second)
	v.SetDefault("mirror.order_discipline", "immediate_partial_ok")

	v.SetDefault("arb.min_gap_threshold", 0.95)
	v.SetDefault("arb.max_pair_notional", 100.0)
	v.SetDefault("arb.scan_interval", 120*time.Second)
	v.SetDefault("arb.min_liquidity", 1000.0)

	v.SetDefault("stink_bid.min_discount_pct", 70.0)
	v.SetDefault("stink_bid.max_discount_pct", 90.0)
	v.SetDefault("stink_bid.max_active_bids", 10)
	v.SetDefault("stink_bid.min_market_volume_usd", 10000.0)
	v.SetDefault("stink_bid.refresh_interval", 5*time.Minute)
}

// applyEnvOverrides maps the recognized environment variables onto the
// config. Env always wins over the YAML file.
func applyEnvOverrides(cfg *Config) {
	if m := os.Getenv("TRADING_MODE"); m != "" {
		cfg.TradingMode = m
	}
	if u := os.Getenv("DATABASE_URL"); u != "" {
		cfg.DatabaseURL = u
	}
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		cfg.Logging.Level = l
	}
	if p := os.Getenv("HEALTH_PORT"); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			cfg.HealthPort = port
		}
	}
	if k := os.Getenv("POLYMARKET_API_KEY"); k != "" {
		cfg.API.ApiKey = k
	}
	if s := os.Getenv("POLYMARKET_API_SECRET"); s != "" {
		cfg.API.Secret = s
	}
	if p := os.Getenv("POLYMARKET_API_PASSPHRASE"); p != "" {
		cfg.API.Passphrase = p
	}
	if k := os.Getenv("WALLET_PRIVATE_KEY"); k != "" {
		cfg.Wallet.PrivateKey = k
	}
	if a := os.Getenv("FUNDER_ADDRESS"); a != "" {
		cfg.Wallet.FunderAddress = a
	}
	if u := os.Getenv("POLYGON_RPC_URL"); u != "" {
		cfg.Wallet.RPCURL = u
	}
	if h := os.Getenv("POLYMARKET_HOST"); h != "" {
		cfg.API.CLOBBaseURL = h
	}
	if u := os.Getenv("GAMMA_API_URL"); u != "" {
		cfg.API.GammaBaseURL = u
	}
	if u := os.Getenv("DATA_API_URL"); u != "" {
		cfg.API.DataBaseURL = u
	}
	if u := os.Getenv("WS_URL"); u != "" {
		cfg.API.WSURL = u
	}
	if c := os.Getenv("CHAIN_ID"); c != "" {
		if id, err := strconv.Atoi(c); err == nil {
			cfg.Wallet.ChainID = id
		}
	}
	if t := os.Getenv("TELEGRAM_BOT_TOKEN"); t != "" {
		cfg.Telegram.BotToken = t
	}
	if c := os.Getenv("TELEGRAM_CHAT_ID"); c != "" {
		if id, err := strconv.ParseInt(c, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
}

// Live reports whether real orders will be sent to the exchange.
func (c *Config) Live() bool { return c.TradingMode == "live" }

// DBPath extracts the SQLite file path from the database URL.
func (c *Config) DBPath() string {
	const prefix = "sqlite:///"
	if strings.HasPrefix(c.DatabaseURL, prefix) {
		return strings.TrimPrefix(c.DatabaseURL, prefix)
	}
	return "data/polybot.db"
}

// Validate checks required fields and value ranges. Live mode requires the
// full credential set; paper mode runs without any.
func (c *Config) Validate() error {
	if c.TradingMode != "paper" && c.TradingMode != "live" {
		return fmt.Errorf("trading_mode must be 'paper' or 'live', got %q", c.TradingMode)
	}
	if c.Live() {
		var missing []string
		if c.Wallet.PrivateKey == "" {
			missing = append(missing, "wallet_private_key")
		}
		if c.API.ApiKey == "" {
			missing = append(missing, "polymarket_api_key")
		}
		if c.API.Secret == "" {
			missing = append(missing, "polymarket_api_secret")
		}
		if c.API.Passphrase == "" {
			missing = append(missing, "polymarket_api_passphrase")
		}
		if c.Wallet.FunderAddress == "" {
			missing = append(missing, "funder_address")
		}
		if len(missing) > 0 {
			return fmt.Errorf("live trading requires credentials: %s (set them in the environment or switch to trading_mode=paper)",
				strings.Join(missing, ", "))
		}
	}
	if !strings.HasPrefix(c.Wallet.RPCURL, "http://") && !strings.HasPrefix(c.Wallet.RPCURL, "https://") &&
		!strings.HasPrefix(c.Wallet.RPCURL, "ws://") && !strings.HasPrefix(c.Wallet.RPCURL, "wss://") {
		return fmt.Errorf("wallet.rpc_url must start with http(s):// or ws(s)://, got %q", c.Wallet.RPCURL)
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.max_requests and rate_limit.window must be > 0")
	}

	// Enabled strategy allocations must not oversubscribe the portfolio.
	total := 0.0
	for _, s := range []struct {
		name    string
		enabled bool
		pct     float64
	}{
		{"mirror", c.Mirror.Enabled, c.Mirror.AllocationPct},
		{"arb", c.Arb.Enabled, c.Arb.AllocationPct},
		{"stink_bid", c.StinkBid.Enabled, c.StinkBid.AllocationPct},
	} {
		if !s.enabled {
			continue
		}
		if s.pct < 0 {
			return fmt.Errorf("strategy %q has negative allocation_pct: %v", s.name, s.pct)
		}
		total += s.pct
	}
	if total > 100 {
		return fmt.Errorf("total strategy allocation (%.1f%%) exceeds 100%%", total)
	}
	return nil
}

// StrategyAllocationPct returns the allocation cap for a strategy name,
// or 0 when the strategy has no cap configured.
func (c *Config) StrategyAllocationPct(name string) float64 {
	switch name {
	case "mirror":
		return c.Mirror.AllocationPct
	case "arb":
		return c.Arb.AllocationPct
	case "stink_bid":
		return c.StinkBid.AllocationPct
	}
	return 0
}
