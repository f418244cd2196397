// Polybot is an automated trading bot for binary prediction markets.
//
// Architecture:
//
//	main.go              — entry point: flags, config, signals
//	engine/engine.go     — orchestrator: wires feed → strategies → orders → positions
//	strategy/mirror.go   — diff-tracks external accounts and copies their trades
//	strategy/arb.go      — buys both sides when YES+NO asks sum below parity minus fees
//	strategy/stinkbid.go — rests deep-discount bids under high-volume markets
//	order/manager.go     — serial execution path: risk gate, rate limiter, submission
//	position/manager.go  — exit ladder: stop loss, trailing stop, tiered take profit
//	risk/manager.go      — portfolio-wide limits and the durable kill switch
//	exchange/            — REST client, EIP-712/HMAC auth, price stream, rate limiter
//	store/store.go       — SQLite persistence for trades, positions, and the daily ledger
//
// How it makes money:
//
//	Mirror follows wallets with an edge and copies their entries at our
//	size. Arb locks in parity gaps that pay out at resolution regardless
//	of outcome. Stink bids wait for panic wicks on liquid markets. The
//	risk manager keeps any one idea from sinking the book.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"polybot/internal/config"
	"polybot/internal/engine"
)

func main() {
	// .env is optional; the environment always wins.
	_ = godotenv.Load()

	defaultCfg := os.Getenv("POLYBOT_CONFIG")
	if defaultCfg == "" {
		defaultCfg = "configs/config.yaml"
	}

	live := flag.Bool("live", false, "send real orders (default: paper)")
	status := flag.Bool("status", false, "print status JSON and exit")
	kill := flag.Bool("kill", false, "persist the kill switch, cancel open orders, and exit")
	logLevel := flag.String("log-level", "", "debug, info, warn, or error")
	cfgPath := flag.String("config", defaultCfg, "config file path")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if *live {
		cfg.TradingMode = "live"
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if *status {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		snap, err := engine.StatusReport(ctx, cfg)
		if err != nil {
			logger.Error("status failed", "error", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Println(string(out))
		return
	}

	if *kill {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := engine.Kill(ctx, cfg); err != nil {
			logger.Error("kill failed", "error", err)
			os.Exit(1)
		}
		logger.Warn("kill switch persisted")
		return
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if !cfg.Live() {
		logger.Warn("PAPER MODE: orders are simulated")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	eng.Stop()

	if sig == syscall.SIGINT {
		os.Exit(130)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "warning", "WARNING":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
