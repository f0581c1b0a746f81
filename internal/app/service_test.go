package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketBot/config"
	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

type stubParser struct {
	cmds map[string]func() *ports.Command
}

func (p *stubParser) Parse(provider, text string) (*ports.Command, error) {
	build, ok := p.cmds[text]
	if !ok {
		return nil, errors.New("unrecognized message")
	}
	return build(), nil
}

type stubSource struct {
	msgs []string
}

func (s *stubSource) Run(ctx context.Context, handle func(ctx context.Context, provider, text string)) error {
	for _, m := range s.msgs {
		handle(ctx, "alpha", m)
	}
	<-ctx.Done()
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		QuoteAsset:         "USDT",
		DefaultRisk:        0.01,
		DefaultLeverage:    20,
		MaxTargets:         5,
		TPAllocation:       domain.AllocationHalving,
		SlippageMultiplier: 1.5,
		MaxEntryRatio:      0.8,
		StopLimitRatio:     0.2,
		DefaultStopPercent: 0.02,
		DedupWindow:        time.Hour,
		PriceWaitAttempts:  1,
		PriceWaitInterval:  time.Millisecond,
		PriceStaleAfter:    10 * time.Second,
		PlaceRetries:       2,
		PlaceRetryDelay:    time.Millisecond,
		ReconcileInterval:  time.Hour,
		WaitEntryTTL:       24 * time.Hour,
		PersistInterval:    time.Hour,
		WorkerPoolSize:     4,
		SignalQueueSize:    10,
	}
}

type serviceFixture struct {
	svc      *TradingService
	ex       *mockExchange
	store    *mockStore
	notifier *mockNotifier
}

func newServiceFixture(t *testing.T, parser ports.SignalParser, source ports.SignalSource) *serviceFixture {
	t.Helper()
	f := &serviceFixture{ex: newMockExchange(), store: &mockStore{}, notifier: &mockNotifier{}}
	f.ex.balance = 100000
	svc, err := NewTradingService(testConfig(), Deps{
		Logger:   &mockLogger{},
		Exchange: f.ex,
		Store:    f.store,
		Trades:   &mockTrades{},
		Notifier: f.notifier,
		Parser:   parser,
		Source:   source,
	})
	require.NoError(t, err)
	f.svc = svc
	t.Cleanup(svc.feed.Stop)
	return f
}

func (f *serviceFixture) price(symbol string, p float64) {
	f.ex.setMark(symbol, p)
	f.svc.feed.Update(symbol, p)
}

func hasPrefix(msgs []string, prefix string) bool {
	for _, m := range msgs {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func TestNewTradingService_Validation(t *testing.T) {
	deps := Deps{
		Logger:   &mockLogger{},
		Exchange: newMockExchange(),
		Store:    &mockStore{},
		Trades:   &mockTrades{},
		Notifier: &mockNotifier{},
	}

	tests := []struct {
		name   string
		cfg    func() *config.Config
		mutate func(d *Deps)
	}{
		{name: "nil config", cfg: func() *config.Config { return nil }},
		{name: "missing exchange", cfg: testConfig, mutate: func(d *Deps) { d.Exchange = nil }},
		{name: "missing store", cfg: testConfig, mutate: func(d *Deps) { d.Store = nil }},
		{name: "no targets", cfg: func() *config.Config { c := testConfig(); c.MaxTargets = 0; return c }},
		{name: "no attempts", cfg: func() *config.Config { c := testConfig(); c.PlaceRetries = 0; return c }},
		{name: "zero interval", cfg: func() *config.Config { c := testConfig(); c.ReconcileInterval = 0; return c }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := deps
			if tt.mutate != nil {
				tt.mutate(&d)
			}
			svc, err := NewTradingService(tt.cfg(), d)
			assert.Error(t, err)
			assert.Nil(t, svc)
		})
	}
}

func TestProcessSignal_PlacesAndAttaches(t *testing.T) {
	f := newServiceFixture(t, nil, nil)
	f.price("BTCUSDT", 39900)

	f.svc.processSignal(context.Background(), btcSignal(40000, 41000, 41500))

	entries := f.svc.book.FindByInstrument("BTCUSDT")
	require.Len(t, entries, 1)
	assert.Equal(t, domain.StateOpenBracketed, entries[0].Entry.State)
	assert.Equal(t, 5, f.svc.book.Len())
	assert.True(t, hasPrefix(f.notifier.all(), "[ENTRY]"))
}

func TestProcessSignal_ConcurrentSameInstrument(t *testing.T) {
	f := newServiceFixture(t, nil, nil)
	f.price("BTCUSDT", 39900)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// distinct first targets so dedup does not decide the race
			f.svc.processSignal(context.Background(), btcSignal(40000+float64(i)*10, 41500))
		}(i)
	}
	wg.Wait()

	assert.Len(t, f.svc.book.FindByInstrument("BTCUSDT"), 1)
	entries := 0
	for _, req := range f.ex.createdSince(0) {
		if req.Type == domain.OrderTypeMarket && !req.ReduceOnly {
			entries++
		}
	}
	assert.Equal(t, 1, entries, "exactly one entry order reaches the exchange")
}

func TestProcessSignal_Failures(t *testing.T) {
	t.Run("placement failure releases the reservation", func(t *testing.T) {
		f := newServiceFixture(t, nil, nil)
		// no price anywhere

		f.svc.processSignal(context.Background(), btcSignal(40000))

		assert.Equal(t, 0, f.svc.book.Len())
		assert.True(t, hasPrefix(f.notifier.all(), "[ERROR]"))
		assert.NoError(t, f.svc.gate.Reserve(btcSignal(40000)), "a resend is not a duplicate")
	})

	t.Run("no margin", func(t *testing.T) {
		f := newServiceFixture(t, nil, nil)
		f.price("BTCUSDT", 39900)
		f.ex.createErr = func(req *ports.OrderRequest) error { return ports.ErrInsufficientMargin }

		f.svc.processSignal(context.Background(), btcSignal(40000))

		assert.True(t, hasPrefix(f.notifier.all(), "[NO MARGIN]"))
		assert.Equal(t, 0, f.svc.book.Len())
	})

	t.Run("duplicate inside the window", func(t *testing.T) {
		f := newServiceFixture(t, nil, nil)
		f.price("ETHUSDT", 2000)
		first := ethSignal([]float64{2100}, 1900, 2200)
		f.svc.processSignal(context.Background(), first)
		require.Len(t, f.svc.book.FindByInstrument("ETHUSDT"), 1)

		// Once the pending entry is gone, the same signal is still a duplicate.
		require.NoError(t, f.svc.CloseTrades(context.Background(), "beta", "ETHUSDT"))
		require.Empty(t, f.svc.book.FindByInstrument("ETHUSDT"))
		n := f.ex.createdCount()
		f.svc.processSignal(context.Background(), ethSignal([]float64{2100}, 1900, 2200))
		assert.Equal(t, n, f.ex.createdCount())
		assert.Empty(t, f.svc.book.FindByInstrument("ETHUSDT"))
	})
}

func TestCloseTrades_RequiresScope(t *testing.T) {
	f := newServiceFixture(t, nil, nil)
	err := f.svc.CloseTrades(context.Background(), "", "")
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
	assert.NoError(t, f.svc.CloseTrades(context.Background(), "unknown-tag", ""))
}

func TestHandleMessage(t *testing.T) {
	parser := &stubParser{cmds: map[string]func() *ports.Command{
		"long btc": func() *ports.Command { return &ports.Command{Signal: btcSignal(40000, 41000)} },
		"close alpha": func() *ports.Command {
			return &ports.Command{Close: &domain.CloseRequest{Tag: "alpha"}}
		},
	}}
	f := newServiceFixture(t, parser, nil)
	f.price("BTCUSDT", 39900)
	ctx := context.Background()

	f.svc.HandleMessage(ctx, "alpha", "long btc")
	assert.Eventually(t, func() bool {
		e := f.svc.book.FindByInstrument("BTCUSDT")
		return len(e) == 1 && e[0].Entry.State == domain.StateOpenBracketed
	}, 2*time.Second, 10*time.Millisecond)

	f.svc.HandleMessage(ctx, "alpha", "close alpha")
	assert.Eventually(t, func() bool { return f.svc.book.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return hasPrefix(f.notifier.all(), "[CLOSED]") }, 2*time.Second, 10*time.Millisecond)

	f.svc.HandleMessage(ctx, "alpha", "gibberish")
	assert.True(t, hasPrefix(f.notifier.all(), "[ERROR] alpha"))
}

func TestHandleOrderUpdate_OrphanTakeProfitFlattens(t *testing.T) {
	f := newServiceFixture(t, nil, nil)
	f.price("BTCUSDT", 39900)
	f.ex.mu.Lock()
	f.ex.positions["BTCUSDT"] = &ports.PositionRisk{Symbol: "BTCUSDT", PositionAmt: 0.3}
	f.ex.mu.Unlock()

	f.svc.handleOrderUpdate(&ports.OrderUpdate{
		ClientOrderID: domain.NewOrderID(domain.PrefixTarget),
		Symbol:        "BTCUSDT",
		Status:        domain.OrderStatusFilled,
	})

	assert.Eventually(t, func() bool {
		positions, _ := f.ex.GetPositions(context.Background())
		return len(positions) == 0
	}, 2*time.Second, 10*time.Millisecond)
	reqs := f.ex.createdSince(0)
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].ReduceOnly)
}

func TestPersistAndRestore(t *testing.T) {
	f := newServiceFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.persist(ctx, false))
	assert.Equal(t, 0, f.store.saves, "unchanged book is not written")

	f.price("BTCUSDT", 39900)
	f.svc.processSignal(ctx, btcSignal(40000, 41000))
	require.NoError(t, f.svc.persist(ctx, false))
	require.NoError(t, f.svc.persist(ctx, false))
	assert.Equal(t, 1, f.store.saves)
	assert.Len(t, f.store.snap.Orders, 4)
	assert.Equal(t, []string{"BTCUSDT"}, f.store.snap.Subscriptions)

	restored := newServiceFixture(t, nil, nil)
	restored.store.snap = f.store.snap
	require.NoError(t, restored.svc.restore(ctx))
	assert.Equal(t, 4, restored.svc.book.Len())
	require.NoError(t, restored.svc.persist(ctx, false))
	assert.Equal(t, 0, restored.store.saves, "restored state counts as saved")
}

func TestStart_RunsUntilCanceled(t *testing.T) {
	parser := &stubParser{cmds: map[string]func() *ports.Command{
		"long btc": func() *ports.Command { return &ports.Command{Signal: btcSignal(40000, 41000)} },
	}}
	f := newServiceFixture(t, parser, &stubSource{msgs: []string{"long btc"}})
	f.ex.setMark("BTCUSDT", 39900)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.svc.Start(ctx) }()

	assert.Eventually(t, func() bool {
		return len(f.svc.book.FindByInstrument("BTCUSDT")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	require.NotNil(t, f.store.snap, "final snapshot is written")
	assert.NotEmpty(t, f.store.snap.Orders)
}
