// Package strategy hosts the trading strategies and the runtime that
// drives them. Strategies produce intents; they never place orders or
// write trades themselves. The Runner owns each strategy's evaluation
// loop, pause state, and persisted state blob.
package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polybot/internal/store"
	"polybot/pkg/types"
)

// Strategy is the contract every strategy implements. LoadState receives
// the blob persisted by the previous run ("" on first start); SaveState
// returns the blob to persist on shutdown.
type Strategy interface {
	Name() string
	EvalInterval() time.Duration
	LoadState(state string) error
	SaveState() string
	Initialize(ctx context.Context) error
	Evaluate(ctx context.Context) ([]types.Intent, error)
	Shutdown(ctx context.Context) error
}

// Submitter enqueues intents for execution.
type Submitter interface {
	Submit(intent types.Intent)
}

// Runner drives one strategy's evaluation loop.
type Runner struct {
	strategy Strategy
	store    *store.Store
	orders   Submitter
	logger   *slog.Logger

	mu     sync.Mutex
	paused bool
}

// NewRunner wraps a strategy with its loop.
func NewRunner(s Strategy, st *store.Store, orders Submitter, logger *slog.Logger) *Runner {
	return &Runner{
		strategy: s,
		store:    st,
		orders:   orders,
		logger:   logger.With("component", "strategy", "strategy", s.Name()),
	}
}

// Name returns the wrapped strategy's name.
func (r *Runner) Name() string {
	return r.strategy.Name()
}

// Pause suspends evaluation without losing state.
func (r *Runner) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	r.logger.Warn("strategy paused")
}

// Resume restarts evaluation.
func (r *Runner) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	r.logger.Info("strategy resumed")
}

// Paused reports the pause flag.
func (r *Runner) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Run restores state, initializes, and evaluates until ctx is cancelled,
// then saves state and shuts the strategy down.
func (r *Runner) Run(ctx context.Context) error {
	state, err := r.store.LoadStrategyState(ctx, r.strategy.Name())
	if err != nil {
		return err
	}
	if err := r.strategy.LoadState(state); err != nil {
		r.logger.Warn("discarding unreadable persisted state", "error", err)
	}
	if err := r.strategy.Initialize(ctx); err != nil {
		return err
	}
	r.logger.Info("strategy started", "interval", r.strategy.EvalInterval())

	ticker := time.NewTicker(r.strategy.EvalInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.stop()
		case <-ticker.C:
			if r.Paused() {
				continue
			}
			r.evaluateOnce(ctx)
		}
	}
}

func (r *Runner) evaluateOnce(ctx context.Context) {
	intents, err := r.strategy.Evaluate(ctx)
	if err != nil {
		r.logger.Error("evaluation failed", "error", err)
		return
	}
	for _, intent := range intents {
		r.orders.Submit(intent)
	}
	if len(intents) > 0 {
		r.logger.Info("intents submitted", "count", len(intents))
	}
}

func (r *Runner) stop() error {
	// Shutdown uses a fresh context; the loop's is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if state := r.strategy.SaveState(); state != "" {
		if err := r.store.SaveStrategyState(ctx, r.strategy.Name(), state); err != nil {
			r.logger.Error("save strategy state", "error", err)
		}
	}
	if err := r.strategy.Shutdown(ctx); err != nil {
		r.logger.Error("strategy shutdown", "error", err)
	}
	r.logger.Info("strategy stopped")
	return nil
}
