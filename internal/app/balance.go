package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"bracketBot/internal/metrics"
	"bracketBot/internal/ports"
)

// BalanceTracker caches the wallet balance of the quote asset. It is fed by
// account updates from the user stream and falls back to REST while nothing
// has arrived yet.
type BalanceTracker struct {
	exchange ports.ExchangeClient
	asset    string
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	value float64
	known bool
}

func NewBalanceTracker(exchange ports.ExchangeClient, asset string, m *metrics.Metrics) *BalanceTracker {
	return &BalanceTracker{exchange: exchange, asset: strings.ToUpper(asset), metrics: m}
}

// Get returns the cached balance, fetching it when unknown.
func (b *BalanceTracker) Get(ctx context.Context) (float64, error) {
	b.mu.RLock()
	v, ok := b.value, b.known
	b.mu.RUnlock()
	if ok {
		return v, nil
	}
	return b.Refresh(ctx)
}

// Refresh fetches the balance from the exchange.
func (b *BalanceTracker) Refresh(ctx context.Context) (float64, error) {
	v, err := b.exchange.GetAccountBalance(ctx, b.asset)
	if err != nil {
		return 0, fmt.Errorf("balance refresh failed: %w", err)
	}
	b.set(v)
	return v, nil
}

// HandleUpdate applies an account update for the tracked asset.
func (b *BalanceTracker) HandleUpdate(u *ports.BalanceUpdate) {
	if u == nil || !strings.EqualFold(u.Asset, b.asset) {
		return
	}
	b.set(u.Balance)
}

func (b *BalanceTracker) set(v float64) {
	b.mu.Lock()
	b.value, b.known = v, true
	b.mu.Unlock()
	b.metrics.SetBalance(v)
}
