package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bracketBot/internal/ports"
)

type pricePoint struct {
	price float64
	at    time.Time
}

// PriceFeed keeps the mark price stream subscribed to the instruments in use
// and caches the latest price of each. The subscription set and the price
// cache have separate locks so stream callbacks never wait on a resubscribe.
type PriceFeed struct {
	streamer   ports.PriceStreamer
	logger     ports.Logger
	staleAfter time.Duration
	now        func() time.Time

	priceMu sync.RWMutex
	prices  map[string]pricePoint

	subMu   sync.Mutex
	ctx     context.Context
	symbols map[string]struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPriceFeed creates a feed whose prices expire after staleAfter.
func NewPriceFeed(streamer ports.PriceStreamer, logger ports.Logger, staleAfter time.Duration) *PriceFeed {
	return &PriceFeed{
		streamer:   streamer,
		logger:     logger,
		staleAfter: staleAfter,
		now:        time.Now,
		prices:     make(map[string]pricePoint),
		ctx:        context.Background(),
		symbols:    make(map[string]struct{}),
	}
}

// Start binds the feed to ctx. Streams opened later end with it.
func (f *PriceFeed) Start(ctx context.Context) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	f.ctx = ctx
}

// Subscribe adds symbol to the streamed set.
func (f *PriceFeed) Subscribe(ctx context.Context, symbol string) error {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	if _, ok := f.symbols[symbol]; ok && f.stopCh != nil {
		return nil
	}
	f.symbols[symbol] = struct{}{}
	return f.restartLocked(ctx)
}

// SetSubscriptions replaces the streamed set with exactly symbols.
func (f *PriceFeed) SetSubscriptions(ctx context.Context, symbols []string) error {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	return f.replaceLocked(ctx, symbols)
}

// Resync replaces the streamed set with the result of want, evaluated under
// the subscription lock so a concurrent Subscribe is either seen by want or
// applied after the replacement.
func (f *PriceFeed) Resync(ctx context.Context, want func() []string) error {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	return f.replaceLocked(ctx, want())
}

func (f *PriceFeed) replaceLocked(ctx context.Context, symbols []string) error {
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}
	if sameSet(want, f.symbols) && (len(want) == 0 || f.stopCh != nil) {
		return nil
	}
	f.symbols = want

	f.priceMu.Lock()
	for s := range f.prices {
		if _, ok := want[s]; !ok {
			delete(f.prices, s)
		}
	}
	f.priceMu.Unlock()

	return f.restartLocked(ctx)
}

// Subscriptions returns the streamed symbols, sorted.
func (f *PriceFeed) Subscriptions() []string {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	return f.sortedLocked()
}

func (f *PriceFeed) sortedLocked() []string {
	out := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// restartLocked replaces the running stream with one covering the current
// set. Caller holds subMu.
func (f *PriceFeed) restartLocked(ctx context.Context) error {
	op := "PriceFeed.restart"
	f.stopLocked()
	if len(f.symbols) == 0 {
		return nil
	}
	symbols := f.sortedLocked()

	// The stream outlives the request that triggered it.
	doneCh, stopCh, err := f.streamer.StreamMarkPrices(f.ctx, symbols, f.Update, f.handleStreamError)
	if err != nil {
		f.logger.Error(ctx, err, op+": Failed to start mark price stream", map[string]interface{}{"symbols": symbols})
		return fmt.Errorf("%s failed: %w", op, err)
	}
	f.doneCh, f.stopCh = doneCh, stopCh
	f.logger.Debug(ctx, op+": Mark price stream started", map[string]interface{}{"symbols": symbols})
	return nil
}

func (f *PriceFeed) stopLocked() {
	if f.stopCh == nil {
		return
	}
	close(f.stopCh)
	f.stopCh, f.doneCh = nil, nil
}

// Stop ends the stream and waits briefly for it to shut down.
func (f *PriceFeed) Stop() {
	f.subMu.Lock()
	doneCh := f.doneCh
	f.stopLocked()
	f.subMu.Unlock()

	if doneCh == nil {
		return
	}
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		f.logger.Warn(context.Background(), "PriceFeed.Stop: Timeout waiting for mark price stream to shut down")
	}
}

// Update records price as the latest for symbol.
func (f *PriceFeed) Update(symbol string, price float64) {
	if price <= 0 {
		return
	}
	f.priceMu.Lock()
	f.prices[symbol] = pricePoint{price: price, at: f.now()}
	f.priceMu.Unlock()
}

// Price returns the latest price of symbol if it is still fresh.
func (f *PriceFeed) Price(symbol string) (float64, bool) {
	f.priceMu.RLock()
	p, ok := f.prices[symbol]
	f.priceMu.RUnlock()
	if !ok || f.now().Sub(p.at) > f.staleAfter {
		return 0, false
	}
	return p.price, true
}

func (f *PriceFeed) handleStreamError(err error) {
	f.logger.Error(context.Background(), err, "PriceFeed: Mark price stream error reported")
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
