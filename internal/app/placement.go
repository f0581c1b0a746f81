package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bracketBot/internal/domain"
	"bracketBot/internal/metrics"
	"bracketBot/internal/ports"
	"bracketBot/internal/risk"
)

// StopSource supplies a stop for signals that arrive without one.
type StopSource interface {
	DefaultStop(ctx context.Context, symbol string, entry float64, dir domain.Direction) float64
}

// PlacerConfig holds the placement tunables.
type PlacerConfig struct {
	MaxTargets        int
	MaxEntryRatio     float64
	StopLimitRatio    float64
	PriceWaitAttempts int
	PriceWaitInterval time.Duration
	WaitEntryTTL      time.Duration
}

// Placer turns an admitted signal into a tracked entry order.
type Placer struct {
	cfg      PlacerConfig
	exchange ports.ExchangeClient
	book     *OrderBook
	feed     *PriceFeed
	balance  *BalanceTracker
	sizer    *risk.Sizer
	stops    StopSource
	logger   ports.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewPlacer(cfg PlacerConfig, exchange ports.ExchangeClient, book *OrderBook, feed *PriceFeed, balance *BalanceTracker,
	sizer *risk.Sizer, stops StopSource, logger ports.Logger, m *metrics.Metrics) *Placer {
	return &Placer{
		cfg:      cfg,
		exchange: exchange,
		book:     book,
		feed:     feed,
		balance:  balance,
		sizer:    sizer,
		stops:    stops,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Place prices, sizes and submits the entry order of sig and records it in
// the book. The returned order is already filled when the exchange filled it
// on creation; attaching the bracket is left to the caller.
func (p *Placer) Place(ctx context.Context, sig *domain.Signal) (*domain.Order, error) {
	op := "Place"
	fields := map[string]interface{}{"symbol": sig.Symbol, "direction": sig.Direction, "tag": sig.Tag}

	if _, err := p.exchange.Symbol(sig.Symbol); err != nil {
		return nil, err
	}
	if err := p.feed.Subscribe(ctx, sig.Symbol); err != nil {
		p.logger.Warn(ctx, op+": Price subscription failed, relying on REST price", fields)
	}

	price, err := p.waitPrice(ctx, sig.Symbol)
	if err != nil {
		return nil, err
	}

	sig.Correct(price)
	if sig.StopLoss <= 0 {
		sig.SetDefaultStop(p.stops.DefaultStop(ctx, sig.Symbol, sig.Entry, sig.Direction))
	}
	sig.ResolveTargets()
	if err := sig.Validate(); err != nil {
		return nil, err
	}

	kind, err := p.selectEntry(sig, price)
	if err != nil {
		return nil, err
	}

	// Wait entries fill at the trigger, market entries at the current price.
	ref := price
	if kind == domain.EntryWait {
		ref = sig.Entry
	}

	balance, err := p.balance.Get(ctx)
	if err != nil {
		return nil, err
	}
	funds := p.sizer.Funds(balance, sig)
	qty, err := p.exchange.NormalizeQuantity(sig.Symbol, p.sizer.Quantity(funds, ref, sig.Leverage))
	if err != nil {
		return nil, err
	}
	if err := p.sizer.Check(qty, ref, sig.Leverage, funds, balance); err != nil {
		return nil, err
	}

	if err := p.exchange.SetLeverage(ctx, sig.Symbol, sig.Leverage); err != nil {
		// Continue with current leverage instead of failing
		p.logger.Warn(ctx, op+": Failed to set leverage, continuing with current leverage", map[string]interface{}{
			"symbol": sig.Symbol, "leverage": sig.Leverage, "error": err.Error(),
		})
	}

	order, req, err := p.buildEntry(sig, kind, qty)
	if err != nil {
		return nil, err
	}

	p.logger.Info(ctx, op+": Placing entry order", map[string]interface{}{
		"symbol": sig.Symbol, "id": order.ID, "kind": kind, "type": req.Type,
		"quantity": qty, "entry": sig.Entry, "stopLoss": sig.StopLoss, "targets": sig.Targets, "price": price,
	})
	resp, err := p.exchange.CreateOrder(ctx, req)
	if err != nil {
		p.metrics.OrderError("create_entry")
		return nil, err
	}

	order.ExchangeID = resp.OrderID
	if resp.Status == domain.OrderStatusFilled {
		order.Filled = true
		order.FilledQty = resp.ExecutedQty
		order.AvgPrice = resp.AvgPrice
	}
	p.book.Upsert(order)
	p.metrics.OrderPlaced(string(domain.RoleEntry))

	p.logger.Info(ctx, op+": Entry order placed", map[string]interface{}{
		"symbol": sig.Symbol, "id": order.ID, "orderID": resp.OrderID, "status": resp.Status,
	})
	return order.Clone(), nil
}

// waitPrice waits for a fresh streamed price and falls back to a REST fetch.
func (p *Placer) waitPrice(ctx context.Context, symbol string) (float64, error) {
	for i := 0; i < p.cfg.PriceWaitAttempts; i++ {
		if price, ok := p.feed.Price(symbol); ok {
			return price, nil
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %w", ports.ErrContextCanceled, ctx.Err())
		case <-time.After(p.cfg.PriceWaitInterval):
		}
	}

	if price, ok := p.feed.Price(symbol); ok {
		return price, nil
	}
	mark, err := p.exchange.GetMarkPrice(ctx, symbol)
	if err == nil && mark > 0 {
		p.feed.Update(symbol, mark)
		return mark, nil
	}
	if err != nil && !errors.Is(err, ports.ErrPriceUnavailable) {
		return 0, fmt.Errorf("%w: %s: %w", ports.ErrPriceUnavailable, symbol, err)
	}
	return 0, fmt.Errorf("%w: %s", ports.ErrPriceUnavailable, symbol)
}

// selectEntry picks a market or wait entry for the current price.
func (p *Placer) selectEntry(sig *domain.Signal, price float64) (domain.EntryKind, error) {
	long := sig.IsLong()
	if len(sig.Targets) > 0 {
		limit := sig.MaxEntry(p.cfg.MaxEntryRatio)
		if (long && price > limit) || (!long && price < limit) {
			return "", fmt.Errorf("%w: price %.8g beyond %.8g", ports.ErrEntryCrossed, price, limit)
		}
	}
	if (long && price < sig.Entry) || (!long && price > sig.Entry) {
		return domain.EntryWait, nil
	}
	return domain.EntryMarket, nil
}

func (p *Placer) buildEntry(sig *domain.Signal, kind domain.EntryKind, qty float64) (*domain.Order, *ports.OrderRequest, error) {
	now := p.now().UTC()
	slots := len(sig.Targets)
	if slots > p.cfg.MaxTargets {
		slots = p.cfg.MaxTargets
	}

	prefix := domain.PrefixMarket
	if kind == domain.EntryWait {
		prefix = domain.PrefixWait
	}
	id := domain.NewOrderID(prefix)
	side := sig.Direction.EntrySide()

	req := &ports.OrderRequest{
		ClientOrderID: id,
		Symbol:        sig.Symbol,
		Side:          side,
		Type:          domain.OrderTypeMarket,
		Quantity:      qty,
	}
	price := sig.Entry
	if kind == domain.EntryWait {
		stop, err := p.exchange.NormalizePrice(sig.Symbol, sig.Entry)
		if err != nil {
			return nil, nil, err
		}
		limit, err := p.exchange.NormalizePrice(sig.Symbol, sig.MaxEntry(p.cfg.StopLimitRatio))
		if err != nil {
			return nil, nil, err
		}
		req.Type = domain.OrderTypeStop
		req.StopPrice = stop
		req.Price = limit
		price = stop
	}

	order := &domain.Order{
		ID:        id,
		Role:      domain.RoleEntry,
		Type:      req.Type,
		Symbol:    sig.Symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		CreatedAt: now,
		Entry: &domain.EntryDetails{
			Kind:          kind,
			State:         domain.StatePendingEntry,
			Entry:         sig.Entry,
			StopLoss:      sig.StopLoss,
			Targets:       append([]float64(nil), sig.Targets[:slots]...),
			Risk:          sig.Risk,
			Leverage:      sig.Leverage,
			Tag:           sig.Tag,
			TakeProfitIDs: make([]string, slots),
			ExpiresAt:     now.Add(p.cfg.WaitEntryTTL),
		},
	}
	return order, req, nil
}
