package app

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
	"bracketBot/internal/risk"
)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	debugMsgs []string
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugMsgs = append(m.debugMsgs, msg)
}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

type mockNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (m *mockNotifier) Notify(ctx context.Context, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockNotifier) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...)
}

type mockTrades struct {
	mu     sync.Mutex
	trades []*domain.Trade
}

func (m *mockTrades) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	trade.ID = int64(len(m.trades))
	return trade.ID, nil
}

func (m *mockTrades) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	return m.find(func(t *domain.Trade) bool { return t.Symbol == symbol }), nil
}

func (m *mockTrades) FindByTag(ctx context.Context, tag string, limit int) ([]*domain.Trade, error) {
	return m.find(func(t *domain.Trade) bool { return t.Tag == tag }), nil
}

func (m *mockTrades) GetTotalProfit(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0.0
	for _, t := range m.trades {
		total += t.PNL
	}
	return total, nil
}

func (m *mockTrades) find(match func(t *domain.Trade) bool) []*domain.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Trade
	for _, t := range m.trades {
		if match(t) {
			out = append(out, t)
		}
	}
	return out
}

type mockStore struct {
	mu    sync.Mutex
	snap  *ports.Snapshot
	saves int
}

func (m *mockStore) SaveSnapshot(ctx context.Context, snap *ports.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	m.saves++
	return nil
}

func (m *mockStore) LoadSnapshot(ctx context.Context) (*ports.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return &ports.Snapshot{}, nil
	}
	return m.snap, nil
}

// mockExchange is an in-memory futures venue. Market orders fill at the mark
// price on creation; everything else rests until the test fills it.
type mockExchange struct {
	mu sync.Mutex

	symbols   map[string]*ports.SymbolInfo
	mark      map[string]float64
	markErr   error
	balance   float64
	nextID    int64
	created   []*ports.OrderRequest
	canceled  []string
	orders    map[string]*ports.OrderResponse
	open      map[string]*ports.OrderResponse
	positions map[string]*ports.PositionRisk
	streams   [][]string
	createErr func(req *ports.OrderRequest) error
}

func newMockExchange() *mockExchange {
	return &mockExchange{
		symbols: map[string]*ports.SymbolInfo{
			"BTCUSDT": {Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT", TickSize: 0.1, StepSize: 0.001, MinQuantity: 0.001, MinNotional: 5},
			"ETHUSDT": {Symbol: "ETHUSDT", BaseAsset: "ETH", QuoteAsset: "USDT", TickSize: 0.01, StepSize: 0.001, MinQuantity: 0.001, MinNotional: 5},
		},
		mark:      map[string]float64{},
		balance:   1000,
		orders:    map[string]*ports.OrderResponse{},
		open:      map[string]*ports.OrderResponse{},
		positions: map[string]*ports.PositionRisk{},
	}
}

func (m *mockExchange) LoadSymbols(ctx context.Context) error { return nil }

func (m *mockExchange) Symbol(symbol string) (*ports.SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrUnknownSymbol, symbol)
	}
	c := *info
	return &c, nil
}

func (m *mockExchange) NormalizePrice(symbol string, price float64) (float64, error) {
	info, err := m.Symbol(symbol)
	if err != nil {
		return 0, err
	}
	return math.Round(price/info.TickSize) * info.TickSize, nil
}

func (m *mockExchange) NormalizeQuantity(symbol string, qty float64) (float64, error) {
	info, err := m.Symbol(symbol)
	if err != nil {
		return 0, err
	}
	if qty <= 0 || math.IsInf(qty, 0) || math.IsNaN(qty) {
		return 0, fmt.Errorf("%w: %.8g", ports.ErrInsufficientQuantity, qty)
	}
	q := math.Round(qty/info.StepSize) * info.StepSize
	if q < info.MinQuantity {
		q = info.MinQuantity
	}
	return q, nil
}

func (m *mockExchange) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return 0, m.markErr
	}
	p, ok := m.mark[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ports.ErrPriceUnavailable, symbol)
	}
	return p, nil
}

func (m *mockExchange) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *mockExchange) CreateOrder(ctx context.Context, req *ports.OrderRequest) (*ports.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		if err := m.createErr(req); err != nil {
			return nil, err
		}
	}
	c := *req
	m.created = append(m.created, &c)
	m.nextID++

	resp := &ports.OrderResponse{
		OrderID:       m.nextID,
		Symbol:        req.Symbol,
		ClientOrderID: req.ClientOrderID,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		OrigQuantity:  req.Quantity,
		Status:        domain.OrderStatusNew,
		Type:          req.Type,
		Side:          req.Side,
		ReduceOnly:    req.ReduceOnly,
		Timestamp:     time.Now(),
	}
	if req.Type == domain.OrderTypeMarket {
		resp.Status = domain.OrderStatusFilled
		resp.AvgPrice = m.mark[req.Symbol]
		resp.ExecutedQty = req.Quantity
		m.applyFillLocked(req.Symbol, req.Side, req.Quantity, resp.AvgPrice)
	} else {
		m.open[req.ClientOrderID] = resp
	}
	m.orders[req.ClientOrderID] = resp
	out := *resp
	return &out, nil
}

func (m *mockExchange) applyFillLocked(symbol string, side domain.OrderSide, qty, price float64) {
	amt := qty
	if side == domain.Sell {
		amt = -qty
	}
	pos, ok := m.positions[symbol]
	if !ok {
		pos = &ports.PositionRisk{Symbol: symbol, EntryPrice: price}
		m.positions[symbol] = pos
	}
	pos.PositionAmt += amt
	if math.Abs(pos.PositionAmt) < 1e-9 {
		delete(m.positions, symbol)
	}
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.open[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("CancelOrder failed: %w", ports.ErrOrderNotFound)
	}
	delete(m.open, clientOrderID)
	o.Status = domain.OrderStatusCanceled
	m.canceled = append(m.canceled, clientOrderID)
	out := *o
	return &out, nil
}

func (m *mockExchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("GetOrder failed: %w", ports.ErrOrderNotFound)
	}
	out := *o
	return &out, nil
}

func (m *mockExchange) GetOpenOrders(ctx context.Context) ([]*ports.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ports.OrderResponse, 0, len(m.open))
	for _, o := range m.open {
		c := *o
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (m *mockExchange) GetPositions(ctx context.Context) ([]*ports.PositionRisk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ports.PositionRisk, 0, len(m.positions))
	for _, p := range m.positions {
		c := *p
		out = append(out, &c)
	}
	return out, nil
}

func (m *mockExchange) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error) {
	return nil, nil
}

func (m *mockExchange) StreamUserData(ctx context.Context, handlers ports.UserStreamHandlers) (<-chan struct{}, error) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()
	return done, nil
}

func (m *mockExchange) StreamMarkPrices(ctx context.Context, symbols []string, handler func(string, float64), errHandler func(error)) (chan struct{}, chan struct{}, error) {
	m.mu.Lock()
	m.streams = append(m.streams, append([]string(nil), symbols...))
	m.mu.Unlock()

	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-stop:
		case <-ctx.Done():
		}
		close(done)
	}()
	return done, stop, nil
}

// fill marks a resting order filled and returns the execution report.
func (m *mockExchange) fill(id string, price float64) *ports.OrderUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[id]
	delete(m.open, id)
	o.Status = domain.OrderStatusFilled
	o.AvgPrice = price
	o.ExecutedQty = o.OrigQuantity
	qty := o.OrigQuantity
	if qty == 0 { // closePosition
		if pos, ok := m.positions[o.Symbol]; ok {
			qty = math.Abs(pos.PositionAmt)
			o.ExecutedQty = qty
		}
	}
	m.applyFillLocked(o.Symbol, o.Side, qty, price)
	return &ports.OrderUpdate{
		ExchangeID:    o.OrderID,
		ClientOrderID: id,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Status:        domain.OrderStatusFilled,
		AvgPrice:      price,
		FilledQty:     o.ExecutedQty,
		Time:          time.Now(),
	}
}

// cancelExternally cancels a resting order as if done from the exchange UI.
func (m *mockExchange) cancelExternally(id string) *ports.OrderUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[id]
	delete(m.open, id)
	o.Status = domain.OrderStatusCanceled
	return &ports.OrderUpdate{ClientOrderID: id, Symbol: o.Symbol, Side: o.Side, Type: o.Type, Status: domain.OrderStatusCanceled}
}

func (m *mockExchange) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

func (m *mockExchange) createdSince(n int) []*ports.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ports.OrderRequest(nil), m.created[n:]...)
}

func (m *mockExchange) canceledIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.canceled...)
}

func (m *mockExchange) isOpen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.open[id]
	return ok
}

func (m *mockExchange) setMark(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mark[symbol] = price
}

// harness wires the components the way the service does.
type harness struct {
	ex         *mockExchange
	logger     *mockLogger
	notifier   *mockNotifier
	trades     *mockTrades
	book       *OrderBook
	feed       *PriceFeed
	locks      *NamedLock
	gate       *Gate
	balance    *BalanceTracker
	placer     *Placer
	bracket    *BracketManager
	reconciler *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ex:       newMockExchange(),
		logger:   &mockLogger{},
		notifier: &mockNotifier{},
		trades:   &mockTrades{},
		book:     NewOrderBook(),
		locks:    NewNamedLock(),
	}
	h.feed = NewPriceFeed(h.ex, h.logger, 10*time.Second)
	h.gate = NewGate(h.book, time.Hour)
	h.balance = NewBalanceTracker(h.ex, "USDT", nil)
	h.placer = NewPlacer(PlacerConfig{
		MaxTargets:        5,
		MaxEntryRatio:     0.8,
		StopLimitRatio:    0.2,
		PriceWaitAttempts: 1,
		PriceWaitInterval: time.Millisecond,
		WaitEntryTTL:      24 * time.Hour,
	}, h.ex, h.book, h.feed, h.balance,
		risk.NewSizer(risk.SizerConfig{SlippageMultiplier: 1.5}),
		risk.NewStopEstimator(risk.StopConfig{StopLossPercent: 0.02}, h.ex, h.logger),
		h.logger, nil)
	h.bracket = NewBracketManager(BracketConfig{Allocation: domain.AllocationHalving},
		h.ex, h.book, h.trades, h.notifier, h.logger, nil)
	h.reconciler = NewReconciler(ReconcilerConfig{Interval: time.Minute, WaitEntryTTL: 24 * time.Hour},
		h.ex, h.book, h.bracket, h.feed, h.locks, h.logger, nil)
	t.Cleanup(h.feed.Stop)
	return h
}

// price sets both the streamed and the REST price of symbol.
func (h *harness) price(symbol string, p float64) {
	h.ex.setMark(symbol, p)
	h.feed.Update(symbol, p)
}

// btcSignal is the long BTC example: entry 39793.5, stop 39792.
func btcSignal(targets ...float64) *domain.Signal {
	sig := domain.NewSignal("BTC", "USDT", domain.Long)
	sig.Entries = []float64{39793.5}
	sig.StopLoss = 39792
	sig.Targets = targets
	sig.Risk = 0.01
	sig.Leverage = 20
	sig.Tag = "alpha"
	return sig
}

// openBTC places the BTC example at 39900 and attaches its bracket.
func openBTC(t *testing.T, h *harness, targets ...float64) *domain.Order {
	t.Helper()
	h.price("BTCUSDT", 39900)
	order, err := h.placer.Place(context.Background(), btcSignal(targets...))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := h.bracket.HandleEntryFilled(context.Background(), order.ID, order.AvgPrice, order.FilledQty); err != nil {
		t.Fatalf("attach: %v", err)
	}
	entry, ok := h.book.Get(order.ID)
	if !ok {
		t.Fatalf("entry %s not tracked", order.ID)
	}
	return entry
}
