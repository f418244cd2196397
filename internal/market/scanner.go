// Package market maintains a periodically refreshed snapshot of active
// binary markets. Strategies that scan the whole exchange (parity
// arbitrage, deep-discount bids) read from the snapshot instead of hitting
// the discovery API themselves, so one poll serves every consumer.
package market

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"polybot/pkg/types"
)

// Lister fetches active markets. Implemented by the exchange client.
type Lister interface {
	ListMarkets(ctx context.Context, limit int) ([]types.Market, error)
}

// Scanner polls market discovery and serves the latest snapshot.
type Scanner struct {
	lister   Lister
	interval time.Duration
	limit    int
	logger   *slog.Logger

	mu        sync.RWMutex
	markets   []types.Market
	scannedAt time.Time
}

// NewScanner creates a scanner polling every interval, fetching up to
// limit markets per scan.
func NewScanner(lister Lister, interval time.Duration, limit int, logger *slog.Logger) *Scanner {
	return &Scanner{
		lister:   lister,
		interval: interval,
		limit:    limit,
		logger:   logger.With("component", "scanner"),
	}
}

// Run scans immediately, then on every tick until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	s.scan(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	markets, err := s.lister.ListMarkets(ctx, s.limit)
	if err != nil {
		// Keep serving the previous snapshot.
		s.logger.Error("market scan failed", "error", err)
		return
	}

	active := markets[:0]
	for _, m := range markets {
		if m.Active && !m.Closed && m.YesTokenID != "" && m.NoTokenID != "" {
			active = append(active, m)
		}
	}

	s.mu.Lock()
	s.markets = active
	s.scannedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("market scan complete", "active", len(active))
}

// Snapshot returns the latest scan and its timestamp. The slice is shared;
// callers must not mutate it.
func (s *Scanner) Snapshot() ([]types.Market, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markets, s.scannedAt
}

// TopByVolume returns up to n markets with at least minVolume 24h volume,
// highest volume first.
func (s *Scanner) TopByVolume(n int, minVolume float64) []types.Market {
	markets, _ := s.Snapshot()

	eligible := make([]types.Market, 0, len(markets))
	for _, m := range markets {
		if m.Volume24h >= minVolume {
			eligible = append(eligible, m)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Volume24h > eligible[j].Volume24h
	})
	if len(eligible) > n {
		eligible = eligible[:n]
	}
	return eligible
}

// Liquid returns markets with at least minLiquidity.
func (s *Scanner) Liquid(minLiquidity float64) []types.Market {
	markets, _ := s.Snapshot()

	out := make([]types.Market, 0, len(markets))
	for _, m := range markets {
		if m.Liquidity >= minLiquidity {
			out = append(out, m)
		}
	}
	return out
}
