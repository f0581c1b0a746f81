package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bracketBot/config"
	"bracketBot/internal/domain"
	"bracketBot/internal/metrics"
	"bracketBot/internal/ports"
	"bracketBot/internal/risk"
)

// Exchange is everything the service needs from the exchange adapter.
type Exchange interface {
	ports.ExchangeClient
	ports.UserStream
	ports.PriceStreamer
}

// Deps bundles the adapters the service runs on. Metrics, Source and Parser
// are optional.
type Deps struct {
	Logger   ports.Logger
	Exchange Exchange
	Store    ports.OrderStore
	Trades   ports.TradeRepository
	Notifier ports.Notifier
	Metrics  *metrics.Metrics
	Source   ports.SignalSource
	Parser   ports.SignalParser
}

// TradingService turns signals into tracked brackets and keeps them in line
// with the exchange.
type TradingService struct {
	cfg      *config.Config
	logger   ports.Logger
	exchange Exchange
	store    ports.OrderStore
	notifier ports.Notifier
	metrics  *metrics.Metrics
	source   ports.SignalSource
	parser   ports.SignalParser

	book       *OrderBook
	feed       *PriceFeed
	locks      *NamedLock
	gate       *Gate
	balance    *BalanceTracker
	placer     *Placer
	bracket    *BracketManager
	reconciler *Reconciler
	retry      RetryPolicy

	signals *WorkerPool
	events  *WorkerPool

	mu      sync.RWMutex
	runCtx  context.Context
	savedAt uint64 // book version of the last snapshot
}

// NewTradingService creates a new application service instance.
func NewTradingService(cfg *config.Config, deps Deps) (*TradingService, error) {
	// Validate dependencies
	if cfg == nil || deps.Logger == nil || deps.Exchange == nil || deps.Store == nil || deps.Trades == nil || deps.Notifier == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	if cfg.MaxTargets <= 0 {
		return nil, fmt.Errorf("configuration MaxTargets must be positive")
	}
	if cfg.PlaceRetries <= 0 {
		return nil, fmt.Errorf("configuration PlaceRetries must be positive")
	}
	if cfg.ReconcileInterval <= 0 || cfg.PersistInterval <= 0 {
		return nil, fmt.Errorf("configuration reconcile and persist intervals must be positive")
	}

	logger := deps.Logger
	book := NewOrderBook()
	feed := NewPriceFeed(deps.Exchange, logger, cfg.PriceStaleAfter)
	locks := NewNamedLock()
	balance := NewBalanceTracker(deps.Exchange, cfg.QuoteAsset, deps.Metrics)

	sizer := risk.NewSizer(risk.SizerConfig{
		Mode:               cfg.SizingMode,
		MaxAllocation:      cfg.MaxAllocation,
		SlippageMultiplier: cfg.SlippageMultiplier,
	})
	stops := risk.NewStopEstimator(risk.StopConfig{
		Interval:        cfg.StopATRInterval,
		Period:          cfg.StopATRPeriod,
		ATRMultiplier:   cfg.StopATRMultiplier,
		StopLossPercent: cfg.DefaultStopPercent,
	}, deps.Exchange, logger)

	placer := NewPlacer(PlacerConfig{
		MaxTargets:        cfg.MaxTargets,
		MaxEntryRatio:     cfg.MaxEntryRatio,
		StopLimitRatio:    cfg.StopLimitRatio,
		PriceWaitAttempts: cfg.PriceWaitAttempts,
		PriceWaitInterval: cfg.PriceWaitInterval,
		WaitEntryTTL:      cfg.WaitEntryTTL,
	}, deps.Exchange, book, feed, balance, sizer, stops, logger, deps.Metrics)

	bracket := NewBracketManager(BracketConfig{Allocation: cfg.TPAllocation},
		deps.Exchange, book, deps.Trades, deps.Notifier, logger, deps.Metrics)

	reconciler := NewReconciler(ReconcilerConfig{
		Interval:     cfg.ReconcileInterval,
		PassTimeout:  cfg.ReconcileInterval,
		WaitEntryTTL: cfg.WaitEntryTTL,
	}, deps.Exchange, book, bracket, feed, locks, logger, deps.Metrics)

	return &TradingService{
		cfg:        cfg,
		logger:     logger,
		exchange:   deps.Exchange,
		store:      deps.Store,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		source:     deps.Source,
		parser:     deps.Parser,
		book:       book,
		feed:       feed,
		locks:      locks,
		gate:       NewGate(book, cfg.DedupWindow),
		balance:    balance,
		placer:     placer,
		bracket:    bracket,
		reconciler: reconciler,
		retry: RetryPolicy{
			MaxAttempts: cfg.PlaceRetries,
			Delay:       cfg.PlaceRetryDelay,
			Retryable:   PlacementRetryable,
		},
		signals: NewWorkerPool(PoolConfig{
			Name:        "signals",
			MaxWorkers:  cfg.WorkerPoolSize,
			MaxCapacity: cfg.SignalQueueSize,
			NonBlocking: true,
		}, logger),
		events: NewWorkerPool(PoolConfig{
			Name:        "events",
			MaxWorkers:  cfg.WorkerPoolSize,
			MaxCapacity: cfg.SignalQueueSize * 10,
		}, logger),
		runCtx: context.Background(),
	}, nil
}

// Start restores state, opens the streams and runs until ctx is canceled,
// a shutdown signal arrives or the user data stream dies.
func (s *TradingService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Trading Service...")

	// Create a context that can be canceled by signals
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel() // Cancel the main context
		case <-ctx.Done():
		}
	}()

	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	// --- Initialization Steps ---
	// 1. Exchange filters, needed for every price and quantity we send
	if err := s.exchange.LoadSymbols(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to load exchange symbols")
		return fmt.Errorf("failed to load symbols: %w", err)
	}

	// 2. Restore the tracked brackets
	if err := s.restore(ctx); err != nil {
		return err
	}

	// 3. Balance
	if balance, err := s.balance.Refresh(ctx); err != nil {
		s.logger.Warn(ctx, "Initial balance fetch failed, will retry on first signal", map[string]interface{}{"error": err.Error()})
	} else {
		s.logger.Info(ctx, "Account balance loaded", map[string]interface{}{"asset": s.cfg.QuoteAsset, "balance": balance})
	}

	// 4. Streams
	s.feed.Start(ctx)
	if err := s.feed.SetSubscriptions(ctx, s.book.Symbols()); err != nil {
		s.logger.Warn(ctx, "Failed to resubscribe mark prices", map[string]interface{}{"error": err.Error()})
	}

	userDoneCh, err := s.exchange.StreamUserData(ctx, ports.UserStreamHandlers{
		OnOrderUpdate:   s.handleOrderUpdate,
		OnBalanceUpdate: s.balance.HandleUpdate,
		OnError:         s.handleWsError,
	})
	if err != nil {
		s.logger.Error(ctx, err, "Failed to start user data stream")
		return fmt.Errorf("failed to start user data stream: %w", err)
	}
	s.logger.Info(ctx, "User data stream started")

	// 5. Catch up with whatever happened while we were away
	if report, err := s.reconciler.Reconcile(ctx); err != nil {
		s.logger.Error(ctx, err, "Initial reconciliation failed")
	} else {
		s.logger.Info(ctx, "Initial reconciliation done", report.fields())
	}

	// --- Run loops ---
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.reconciler.Start(gctx) })
	g.Go(func() error { return s.persistLoop(gctx) })
	if s.cfg.MetricsAddr != "" && s.metrics != nil {
		g.Go(func() error { return s.metrics.Serve(gctx, s.cfg.MetricsAddr, s.logger) })
	}
	if s.source != nil {
		g.Go(func() error { return s.source.Run(gctx, s.HandleMessage) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-userDoneCh:
			if gctx.Err() != nil {
				return nil
			}
			// Max reconnect attempts failed
			return errors.New("user data stream stopped unexpectedly")
		}
	})

	runErr := g.Wait()
	if runErr != nil {
		s.logger.Error(ctx, runErr, "Trading Service run loop failed")
	}

	// --- Shutdown ---
	s.logger.Info(ctx, "Shutting down, draining workers...")
	s.signals.Stop()
	s.events.Stop()
	s.feed.Stop()

	saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer saveCancel()
	if err := s.persist(saveCtx, true); err != nil {
		s.logger.Error(saveCtx, err, "Final snapshot failed")
	}

	s.logger.Info(ctx, "Trading Service stopped.")
	return runErr
}

// Enqueue queues sig for placement. It fails with ErrQueueFull when the
// signal queue is saturated.
func (s *TradingService) Enqueue(sig *domain.Signal) error {
	if sig == nil {
		return fmt.Errorf("%w: nil signal", ports.ErrInvalidRequest)
	}
	err := s.signals.Submit(func() {
		s.processSignal(s.context(), sig)
	})
	if err != nil {
		s.metrics.SignalReceived("dropped")
		s.logger.Warn(s.context(), "Enqueue: Signal dropped", map[string]interface{}{"symbol": sig.Symbol, "error": err.Error()})
		return err
	}
	return nil
}

// CloseTrades closes every tracked trade carrying tag, limited to symbol when
// it is set. An empty tag closes everything on symbol.
func (s *TradingService) CloseTrades(ctx context.Context, tag, symbol string) error {
	if tag == "" && symbol == "" {
		return fmt.Errorf("%w: close needs a tag or a symbol", ports.ErrInvalidRequest)
	}

	var symbols []string
	if symbol != "" {
		symbols = []string{symbol}
	} else {
		seen := make(map[string]bool)
		for _, e := range s.book.FindByTag(tag) {
			if !seen[e.Symbol] {
				seen[e.Symbol] = true
				symbols = append(symbols, e.Symbol)
			}
		}
	}
	if len(symbols) == 0 {
		s.logger.Info(ctx, "CloseTrades: Nothing tracked for tag", map[string]interface{}{"tag": tag})
		return nil
	}

	var errs []error
	for _, sym := range symbols {
		unlock := s.locks.Lock(sym)
		_, err := s.bracket.CloseTrades(ctx, tag, sym)
		unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	s.metrics.SetTracked(s.book.Counts())
	return errors.Join(errs...)
}

// HandleMessage parses one provider message and acts on it.
func (s *TradingService) HandleMessage(ctx context.Context, provider, text string) {
	op := "HandleMessage"
	if s.parser == nil {
		s.logger.Warn(ctx, op+": No parser configured, dropping message", map[string]interface{}{"provider": provider})
		return
	}

	cmd, err := s.parser.Parse(provider, text)
	if err != nil {
		s.metrics.SignalReceived("unparsed")
		s.logger.Warn(ctx, op+": Could not parse message", map[string]interface{}{"provider": provider, "error": err.Error()})
		s.notify(ctx, errorMessage(provider, err))
		return
	}

	switch {
	case cmd.Signal != nil:
		if err := s.Enqueue(cmd.Signal); err != nil {
			s.notify(ctx, errorMessage(cmd.Signal.Tag, err))
		}
	case cmd.Close != nil:
		req := *cmd.Close
		err := s.events.Submit(func() {
			ctx := s.context()
			if err := s.CloseTrades(ctx, req.Tag, req.Symbol); err != nil {
				s.logger.Error(ctx, err, op+": Close request failed", map[string]interface{}{"tag": req.Tag, "symbol": req.Symbol})
				s.notify(ctx, errorMessage(req.Tag, err))
			}
		})
		if err != nil {
			s.logger.Error(ctx, err, op+": Could not queue close request")
		}
	}
}

// processSignal runs admission and placement for one signal while holding
// its instrument lock.
func (s *TradingService) processSignal(ctx context.Context, sig *domain.Signal) {
	op := "processSignal"
	fields := map[string]interface{}{"symbol": sig.Symbol, "direction": sig.Direction, "tag": sig.Tag, "source": sig.Source}

	unlock := s.locks.Lock(sig.Symbol)
	defer unlock()

	if err := s.gate.Reserve(sig); err != nil {
		s.metrics.SignalReceived("rejected")
		s.logger.Info(ctx, op+": Signal rejected", withField(fields, "reason", err.Error()))
		if errors.Is(err, ports.ErrPositionOpen) {
			s.notify(ctx, errorMessage(sig.Tag, err))
		}
		return
	}
	s.metrics.SignalReceived("admitted")

	order, err := Attempt(ctx, s.retry, func(ctx context.Context, attempt int) (*domain.Order, error) {
		if attempt > 1 {
			s.logger.Info(ctx, op+": Retrying placement", withField(fields, "attempt", attempt))
		}
		return s.placer.Place(ctx, sig)
	})
	if err != nil {
		s.gate.Release(sig)
		s.logger.Error(ctx, err, op+": Placement failed", fields)
		if errors.Is(err, ports.ErrInsufficientMargin) {
			s.notify(ctx, noMarginMessage(sig.Symbol))
		} else {
			s.notify(ctx, errorMessage(sig.Tag, err))
		}
		return
	}
	s.gate.Done(sig)

	s.notify(ctx, entryMessage(order, sig.RiskReward()))
	if order.Filled {
		if err := s.bracket.HandleEntryFilled(ctx, order.ID, order.AvgPrice, order.FilledQty); err != nil {
			s.logger.Error(ctx, err, op+": Attaching bracket failed", fields)
		}
	}
	s.metrics.SetTracked(s.book.Counts())
}

// handleOrderUpdate is the user stream callback; work runs on the event pool.
func (s *TradingService) handleOrderUpdate(u *ports.OrderUpdate) {
	update := *u
	err := s.events.Submit(func() {
		ctx := s.context()
		unlock := s.locks.Lock(update.Symbol)
		err := s.bracket.HandleOrderUpdate(ctx, &update)
		unlock()

		if errors.Is(err, errOrphanFill) {
			if err := s.CloseTrades(ctx, "", update.Symbol); err != nil {
				s.logger.Error(ctx, err, "handleOrderUpdate: Closing after orphan take-profit failed", map[string]interface{}{"symbol": update.Symbol})
			}
			return
		}
		if err != nil {
			s.logger.Error(ctx, err, "handleOrderUpdate: Order update handling failed", map[string]interface{}{"symbol": update.Symbol, "id": update.ClientOrderID})
		}
		s.metrics.SetTracked(s.book.Counts())
	})
	if err != nil {
		s.logger.Error(s.context(), err, "handleOrderUpdate: Could not queue order update")
	}
}

// handleWsError handles errors reported by the WebSocket stream.
func (s *TradingService) handleWsError(err error) {
	s.logger.Error(s.context(), err, "WebSocket stream error reported")
}

func (s *TradingService) restore(ctx context.Context) error {
	snap, err := s.store.LoadSnapshot(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to load order snapshot")
		return fmt.Errorf("failed to load order snapshot: %w", err)
	}
	s.book.Restore(snap.Orders)
	s.mu.Lock()
	s.savedAt = s.book.Version()
	s.mu.Unlock()
	s.metrics.SetTracked(s.book.Counts())
	s.logger.Info(ctx, "Order book restored", map[string]interface{}{
		"orders": len(snap.Orders), "subscriptions": len(snap.Subscriptions), "savedAt": snap.SavedAt,
	})
	return nil
}

func (s *TradingService) persistLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.persist(ctx, false); err != nil {
				s.logger.Error(ctx, err, "persistLoop: Snapshot failed")
			}
		}
	}
}

// persist saves the book when it changed since the last save, or always
// when force is set.
func (s *TradingService) persist(ctx context.Context, force bool) error {
	version := s.book.Version()
	s.mu.RLock()
	unchanged := version == s.savedAt
	s.mu.RUnlock()
	if unchanged && !force {
		return nil
	}

	snap := &ports.Snapshot{
		Orders:        s.book.Snapshot(),
		Subscriptions: s.feed.Subscriptions(),
		SavedAt:       time.Now().UTC(),
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	s.mu.Lock()
	s.savedAt = version
	s.mu.Unlock()
	s.logger.Debug(ctx, "persist: Snapshot saved", map[string]interface{}{"orders": len(snap.Orders)})
	return nil
}

func (s *TradingService) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runCtx
}

func (s *TradingService) notify(ctx context.Context, msg string) {
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.logger.Warn(ctx, "notify: Failed to deliver notification", map[string]interface{}{"error": err.Error()})
	}
}
