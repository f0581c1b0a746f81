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

// qtyEpsilon absorbs float drift when summing filled quantities.
const qtyEpsilon = 1e-9

// errOrphanFill marks a take-profit fill whose entry is no longer tracked.
var errOrphanFill = errors.New("take-profit fill without a tracked entry")

// BracketConfig holds the bracket tunables.
type BracketConfig struct {
	Allocation domain.AllocationStrategy
}

// BracketManager attaches, trails and tears down the stop-loss and
// take-profit legs of filled entries. Every exported method expects the
// caller to hold the instrument lock of the orders it touches.
type BracketManager struct {
	cfg      BracketConfig
	exchange ports.ExchangeClient
	book     *OrderBook
	trades   ports.TradeRepository
	notifier ports.Notifier
	logger   ports.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewBracketManager(cfg BracketConfig, exchange ports.ExchangeClient, book *OrderBook, trades ports.TradeRepository,
	notifier ports.Notifier, logger ports.Logger, m *metrics.Metrics) *BracketManager {
	if cfg.Allocation == "" {
		cfg.Allocation = domain.AllocationHalving
	}
	return &BracketManager{
		cfg:      cfg,
		exchange: exchange,
		book:     book,
		trades:   trades,
		notifier: notifier,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// HandleOrderUpdate routes an execution report to the matching transition.
// It returns errOrphanFill when a take-profit fills for an untracked entry.
func (m *BracketManager) HandleOrderUpdate(ctx context.Context, u *ports.OrderUpdate) error {
	op := "HandleOrderUpdate"
	fields := map[string]interface{}{"symbol": u.Symbol, "id": u.ClientOrderID, "status": u.Status}

	o, tracked := m.book.Get(u.ClientOrderID)
	if !tracked {
		role, ours := domain.RoleFromID(u.ClientOrderID)
		if ours && role == domain.RoleTakeProfit && u.Status == domain.OrderStatusFilled {
			m.logger.Warn(ctx, op+": Take-profit filled for an untracked entry", fields)
			return errOrphanFill
		}
		m.logger.Debug(ctx, op+": Ignoring update for untracked order", fields)
		return nil
	}

	switch {
	case u.Status == domain.OrderStatusFilled:
		switch o.Role {
		case domain.RoleEntry:
			return m.HandleEntryFilled(ctx, o.ID, u.AvgPrice, u.FilledQty)
		case domain.RoleTakeProfit:
			return m.handleTakeProfitFilled(ctx, o, u.AvgPrice, u.FilledQty)
		case domain.RoleStopLoss:
			return m.handleStopLossFilled(ctx, o, u.AvgPrice, u.FilledQty)
		}
	case u.Status.IsTerminalUnfilled() && o.IsEntry() && u.FilledQty > 0:
		// A wait entry can fill in part before it expires; the part is a position.
		m.logger.Warn(ctx, op+": Entry ended partially filled, opening what filled", withField(fields, "filledQty", u.FilledQty))
		return m.HandleEntryFilled(ctx, o.ID, u.AvgPrice, u.FilledQty)
	case u.Status.IsTerminalUnfilled():
		m.handleCanceled(ctx, o, u.Status)
	default:
		m.logger.Debug(ctx, op+": Order update", fields)
	}
	return nil
}

// HandleEntryFilled opens the position behind entryID and attaches its bracket.
// Duplicate fill reports are ignored.
func (m *BracketManager) HandleEntryFilled(ctx context.Context, entryID string, avgPrice, qty float64) error {
	op := "HandleEntryFilled"
	entry, err := m.book.Update(entryID, func(o *domain.Order) error {
		if !o.IsEntry() {
			return fmt.Errorf("%s is not an entry", o.ID)
		}
		next, err := domain.Transition(o.Entry.State, domain.EntryFilled())
		if err != nil {
			return err
		}
		o.Entry.State = next
		o.Filled = true
		if avgPrice > 0 {
			o.AvgPrice = avgPrice
		}
		if qty > 0 {
			o.FilledQty = qty
		}
		if o.FilledQty <= 0 {
			o.FilledQty = o.Quantity
		}
		o.Entry.FilledAt = m.now().UTC()
		return nil
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		m.logger.Debug(ctx, op+": Entry already filled, ignoring duplicate", map[string]interface{}{"id": entryID})
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}

	m.metrics.BracketEvent(domain.EventEntryFilled.String())
	m.logger.Info(ctx, op+": Entry filled", map[string]interface{}{
		"symbol": entry.Symbol, "id": entry.ID, "avgPrice": entry.AvgPrice, "quantity": entry.FilledQty,
	})
	_, err = m.AttachBracket(ctx, entryID)
	return err
}

// AttachBracket places whichever legs of an open entry are missing and
// returns how many it created. Legs that fail to place are left empty for
// reconciliation, except the stop: without one the position is closed at
// market.
func (m *BracketManager) AttachBracket(ctx context.Context, entryID string) (int, error) {
	op := "AttachBracket"
	entry, ok := m.book.Get(entryID)
	if !ok || !entry.IsEntry() {
		return 0, fmt.Errorf("%s failed: %w: %s", op, ErrNotTracked, entryID)
	}
	if !entry.Entry.State.IsOpen() {
		return 0, nil
	}
	fields := map[string]interface{}{"symbol": entry.Symbol, "id": entry.ID}
	created := 0

	children := m.book.Children(entryID)
	remaining := remainingQty(entry, children)

	if entry.Entry.StopLossID == "" {
		stop := entry.Entry.StopLoss
		if filledTakeProfits(children) > 0 {
			stop = entry.BreakEven() // already trailed
		}
		if _, err := m.placeStop(ctx, entry, stop, remaining); err != nil {
			m.logger.Error(ctx, err, op+": Stop-loss placement failed, closing position", fields)
			m.closeAtMarket(ctx, entry, remaining, domain.CloseReasonMarket)
			return created, fmt.Errorf("%s failed: stop-loss: %w", op, err)
		}
		created++
	}

	info, err := m.exchange.Symbol(entry.Symbol)
	if err != nil {
		return created, fmt.Errorf("%s failed: %w", op, err)
	}
	slots := len(entry.Entry.TakeProfitIDs)
	parts := risk.SplitQuantity(entry.FilledQty, m.cfg.Allocation.Weights(slots), info.StepSize)

	var legErr error
	for i := 0; i < slots; i++ {
		if entry.Entry.TakeProfitIDs[i] != "" {
			continue
		}
		final := i == slots-1
		if !final && parts[i] < info.MinQuantity {
			// Too small to stand alone; the final target closes it.
			continue
		}
		if err := m.placeTakeProfit(ctx, entry, i, parts[i], final); err != nil {
			m.logger.Error(ctx, err, op+": Take-profit placement failed, leaving it to reconciliation", withIndex(fields, i))
			legErr = err
			continue
		}
		created++
	}

	entry, _ = m.book.Get(entryID)
	if entry != nil && entry.Entry.State == domain.StateOpenNoBracket && entry.Entry.StopLossID != "" && legErr == nil {
		m.transition(ctx, entryID, domain.BracketAttached())
	}
	if created > 0 {
		m.logger.Info(ctx, op+": Bracket legs attached", withField(fields, "created", created))
	}
	if legErr != nil {
		return created, fmt.Errorf("%s failed: take-profit: %w", op, legErr)
	}
	return created, nil
}

func (m *BracketManager) placeStop(ctx context.Context, entry *domain.Order, price, qty float64) (string, error) {
	stop, err := m.exchange.NormalizePrice(entry.Symbol, price)
	if err != nil {
		return "", err
	}
	id := domain.NewOrderID(domain.PrefixStopLoss)
	resp, err := m.exchange.CreateOrder(ctx, &ports.OrderRequest{
		ClientOrderID: id,
		Symbol:        entry.Symbol,
		Side:          entry.Side.Opposite(),
		Type:          domain.OrderTypeStopMarket,
		Quantity:      qty,
		StopPrice:     stop,
		ReduceOnly:    true,
	})
	if err != nil {
		m.metrics.OrderError("create_stop")
		return "", err
	}
	m.track(entry, &domain.Order{
		ID:         id,
		ExchangeID: resp.OrderID,
		Role:       domain.RoleStopLoss,
		Type:       domain.OrderTypeStopMarket,
		Symbol:     entry.Symbol,
		Side:       entry.Side.Opposite(),
		Quantity:   qty,
		Price:      stop,
		ParentID:   entry.ID,
		CreatedAt:  m.now().UTC(),
	}, func(e *domain.EntryDetails) { e.StopLossID = id })
	m.metrics.OrderPlaced(string(domain.RoleStopLoss))
	return id, nil
}

func (m *BracketManager) placeTakeProfit(ctx context.Context, entry *domain.Order, idx int, qty float64, final bool) error {
	target, err := m.exchange.NormalizePrice(entry.Symbol, entry.Entry.Targets[idx])
	if err != nil {
		return err
	}
	id := domain.NewOrderID(domain.PrefixTarget)
	req := &ports.OrderRequest{
		ClientOrderID: id,
		Symbol:        entry.Symbol,
		Side:          entry.Side.Opposite(),
	}
	if final {
		req.Type = domain.OrderTypeTakeProfitMarket
		req.StopPrice = target
		req.ClosePosition = true
	} else {
		req.Type = domain.OrderTypeLimit
		req.Price = target
		req.Quantity = qty
		req.ReduceOnly = true
	}

	resp, err := m.exchange.CreateOrder(ctx, req)
	if err != nil {
		m.metrics.OrderError("create_take_profit")
		return err
	}
	m.track(entry, &domain.Order{
		ID:          id,
		ExchangeID:  resp.OrderID,
		Role:        domain.RoleTakeProfit,
		Type:        req.Type,
		Symbol:      entry.Symbol,
		Side:        req.Side,
		Quantity:    qty,
		Price:       target,
		ParentID:    entry.ID,
		TargetIndex: idx,
		CreatedAt:   m.now().UTC(),
	}, func(e *domain.EntryDetails) { e.TakeProfitIDs[idx] = id })
	m.metrics.OrderPlaced(string(domain.RoleTakeProfit))
	return nil
}

// track records a new child and links it into its entry.
func (m *BracketManager) track(entry *domain.Order, child *domain.Order, link func(e *domain.EntryDetails)) {
	m.book.Upsert(child)
	_, err := m.book.Update(entry.ID, func(o *domain.Order) error {
		link(o.Entry)
		return nil
	})
	if err != nil {
		// Entry vanished while the order was in flight; reconciliation
		// cancels the orphan.
		m.logger.Warn(context.Background(), "BracketManager.track: Entry no longer tracked", map[string]interface{}{"entryID": entry.ID, "childID": child.ID})
	}
}

func (m *BracketManager) handleTakeProfitFilled(ctx context.Context, tp *domain.Order, avgPrice, qty float64) error {
	op := "handleTakeProfitFilled"
	tp, err := m.markFilled(tp.ID, avgPrice, qty)
	if err != nil {
		return nil // duplicate report
	}
	entry, ok := m.book.Get(tp.ParentID)
	if !ok {
		m.book.Remove(tp.ID)
		return errOrphanFill
	}
	fields := map[string]interface{}{"symbol": entry.Symbol, "id": entry.ID, "target": tp.TargetIndex}

	children := m.book.Children(entry.ID)
	remaining := remainingQty(entry, children)
	final := tp.TargetIndex == len(entry.Entry.TakeProfitIDs)-1 ||
		(!hasLiveTakeProfit(children) && remaining <= qtyEpsilon)
	if !m.transition(ctx, entry.ID, domain.TakeProfitFilled(tp.TargetIndex, final)) {
		return nil
	}

	exit := fillPrice(tp)
	m.recordTrade(ctx, entry, exit, tp.FilledQty, domain.CloseReasonTakeProfit)
	m.notify(ctx, exitMessage(entry, exit, tp.FilledQty, false))

	if final {
		m.logger.Info(ctx, op+": Final target filled, tearing down bracket", fields)
		m.teardown(ctx, entry)
		return nil
	}

	// Trail the stop to breakeven for what is left.
	breakEven := entry.BreakEven()
	oldStop := entry.Entry.StopLossID
	if oldStop != "" {
		if err := m.cancelOrderWarn(ctx, entry.Symbol, oldStop, "SL"); err != nil {
			m.logger.Error(ctx, err, op+": Could not cancel old stop, keeping it", fields)
			return nil
		}
		m.book.Remove(oldStop)
		_, _ = m.book.Update(entry.ID, func(o *domain.Order) error {
			o.Entry.StopLossID = ""
			return nil
		})
	}
	if _, err := m.placeStop(ctx, entry, breakEven, remaining); err != nil {
		m.logger.Error(ctx, err, op+": Breakeven stop failed, closing remainder", fields)
		m.closeAtMarket(ctx, entry, remaining, domain.CloseReasonMarket)
		return fmt.Errorf("%s failed: %w", op, err)
	}
	m.logger.Info(ctx, op+": Stop moved to breakeven", withField(fields, "stop", breakEven))
	m.notify(ctx, trailMessage(entry, breakEven))
	return nil
}

func (m *BracketManager) handleStopLossFilled(ctx context.Context, sl *domain.Order, avgPrice, qty float64) error {
	op := "handleStopLossFilled"
	sl, err := m.markFilled(sl.ID, avgPrice, qty)
	if err != nil {
		return nil
	}
	entry, ok := m.book.Get(sl.ParentID)
	if !ok {
		m.book.Remove(sl.ID)
		return nil
	}
	if !m.transition(ctx, entry.ID, domain.StopLossFilled()) {
		return nil
	}

	children := m.book.Children(entry.ID)
	exit := fillPrice(sl)
	m.recordTrade(ctx, entry, exit, sl.FilledQty, domain.CloseReasonStopLoss)
	m.notify(ctx, exitMessage(entry, exit, sl.FilledQty, filledTakeProfits(children) > 0))

	m.logger.Info(ctx, op+": Stop-loss filled, tearing down bracket", map[string]interface{}{"symbol": entry.Symbol, "id": entry.ID})
	m.teardown(ctx, entry)
	return nil
}

// handleCanceled reacts to an order that ended without filling.
func (m *BracketManager) handleCanceled(ctx context.Context, o *domain.Order, status domain.OrderStatus) {
	op := "handleCanceled"
	fields := map[string]interface{}{"symbol": o.Symbol, "id": o.ID, "status": status}

	if o.IsEntry() {
		if o.Entry.State != domain.StatePendingEntry {
			return
		}
		m.logger.Warn(ctx, op+": Pending entry ended on the exchange, dropping it", fields)
		m.transition(ctx, o.ID, domain.EntryExpired())
		m.book.RemoveTree(o.ID)
		return
	}

	// Our own cancels remove the record first, so this one came from outside.
	m.book.Remove(o.ID)
	_, err := m.book.Update(o.ParentID, func(e *domain.Order) error {
		clearSlot(e.Entry, o.ID)
		return nil
	})
	if err != nil {
		return
	}
	m.transition(ctx, o.ParentID, domain.BracketBroken())
	m.logger.Warn(ctx, op+": Bracket leg canceled externally, left for reconciliation", fields)
}

// CloseTrades closes the positions of the entries on symbol carrying tag,
// or every entry on symbol when tag is empty. With an empty tag and nothing
// tracked, whatever is left on the exchange for symbol is flattened.
func (m *BracketManager) CloseTrades(ctx context.Context, tag, symbol string) (int, error) {
	op := "CloseTrades"
	var errs []error
	closed := 0

	for _, entry := range m.book.FindByInstrument(symbol) {
		if tag != "" && entry.Entry.Tag != tag {
			continue
		}
		if err := m.closeEntry(ctx, entry); err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
	}

	// Untracked residue only; tracked brackets were closed reduce-only above.
	if tag == "" && closed == 0 {
		if err := m.flatten(ctx, symbol); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return closed, fmt.Errorf("%s failed: %w", op, errors.Join(errs...))
	}
	m.logger.Info(ctx, op+": Trades closed", map[string]interface{}{"symbol": symbol, "tag": tag, "closed": closed})
	return closed, nil
}

func (m *BracketManager) closeEntry(ctx context.Context, entry *domain.Order) error {
	op := "closeEntry"
	if entry.Entry.State == domain.StatePendingEntry {
		_, err := m.exchange.CancelOrder(ctx, entry.Symbol, entry.ID)
		switch {
		case err == nil:
			m.transition(ctx, entry.ID, domain.PositionClosed())
			m.teardown(ctx, entry)
			m.notify(ctx, closedMessage(entry, domain.CloseReasonManual))
			return nil
		case !errors.Is(err, ports.ErrOrderNotFound):
			m.metrics.OrderError("cancel")
			return fmt.Errorf("%s failed: %w", op, err)
		}

		// Gone from the book of open orders: it may have filled meanwhile.
		resp, err := m.exchange.GetOrder(ctx, entry.Symbol, entry.ID)
		if err != nil && !errors.Is(err, ports.ErrOrderNotFound) && !errors.Is(err, ports.ErrNotFound) {
			return fmt.Errorf("%s failed: %w", op, err)
		}
		if resp == nil || resp.Status != domain.OrderStatusFilled {
			m.transition(ctx, entry.ID, domain.PositionClosed())
			m.teardown(ctx, entry)
			return nil
		}
		if err := m.HandleEntryFilled(ctx, entry.ID, resp.AvgPrice, resp.ExecutedQty); err != nil {
			m.logger.Warn(ctx, op+": Bracket after late fill failed", map[string]interface{}{"id": entry.ID, "error": err.Error()})
		}
		var ok bool
		if entry, ok = m.book.Get(entry.ID); !ok {
			return nil
		}
	}
	children := m.book.Children(entry.ID)
	m.closeAtMarket(ctx, entry, remainingQty(entry, children), domain.CloseReasonManual)
	return nil
}

// flatten cancels our untracked orders on symbol and closes any position
// still open there.
func (m *BracketManager) flatten(ctx context.Context, symbol string) error {
	op := "flatten"
	open, err := m.exchange.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	for _, o := range open {
		if o.Symbol != symbol {
			continue
		}
		if _, ours := domain.RoleFromID(o.ClientOrderID); !ours {
			continue
		}
		_ = m.cancelOrderWarn(ctx, symbol, o.ClientOrderID, "untracked")
	}

	positions, err := m.exchange.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	for _, p := range positions {
		if p.Symbol != symbol || p.PositionAmt == 0 {
			continue
		}
		side := domain.Buy
		qty := p.PositionAmt
		if qty > 0 {
			side = domain.Sell
		} else {
			qty = -qty
		}
		if err := m.emergencyClose(ctx, symbol, side, qty); err != nil {
			return err
		}
	}
	return nil
}

// closeAtMarket cancels the bracket of entry, closes qty at market and drops
// the tree.
func (m *BracketManager) closeAtMarket(ctx context.Context, entry *domain.Order, qty float64, reason domain.CloseReason) {
	op := "closeAtMarket"
	fields := map[string]interface{}{"symbol": entry.Symbol, "id": entry.ID, "reason": reason}

	m.cancelChildren(ctx, entry)
	exit := 0.0
	if qty > 0 {
		if err := m.emergencyClose(ctx, entry.Symbol, entry.Side.Opposite(), qty); err != nil {
			m.logger.Error(ctx, err, op+": EMERGENCY CLOSE FAILED", fields)
			m.notify(ctx, errorMessage(entry.Entry.Tag, fmt.Errorf("closing %s failed: %w", entry.Symbol, err)))
			return
		}
		if mark, err := m.exchange.GetMarkPrice(ctx, entry.Symbol); err == nil {
			exit = mark
		}
	}
	m.transition(ctx, entry.ID, domain.PositionClosed())
	m.book.RemoveTree(entry.ID)
	if exit > 0 {
		m.recordTrade(ctx, entry, exit, qty, reason)
	}
	m.notify(ctx, closedMessage(entry, reason))
}

// teardown cancels the live legs of entry and drops its tree.
func (m *BracketManager) teardown(ctx context.Context, entry *domain.Order) {
	m.cancelChildren(ctx, entry)
	m.book.RemoveTree(entry.ID)
}

func (m *BracketManager) cancelChildren(ctx context.Context, entry *domain.Order) {
	for _, c := range m.book.Children(entry.ID) {
		if c.Filled {
			continue
		}
		if err := m.cancelOrderWarn(ctx, c.Symbol, c.ID, string(c.Role)); err == nil {
			m.book.Remove(c.ID)
		}
	}
}

// emergencyClose places a reduce-only market order against an open position.
func (m *BracketManager) emergencyClose(ctx context.Context, symbol string, side domain.OrderSide, qty float64) error {
	op := "emergencyClose"
	m.logger.Warn(ctx, op+": Placing emergency closing order", map[string]interface{}{"symbol": symbol, "side": side, "quantity": qty})
	_, err := m.exchange.CreateOrder(ctx, &ports.OrderRequest{
		ClientOrderID: domain.NewOrderID(domain.PrefixMarket),
		Symbol:        symbol,
		Side:          side,
		Type:          domain.OrderTypeMarket,
		Quantity:      qty,
		ReduceOnly:    true,
	})
	if err != nil {
		m.metrics.OrderError("emergency_close")
		m.logger.Error(ctx, err, op+": FAILED TO PLACE EMERGENCY CLOSE ORDER")
		return fmt.Errorf("emergency close order placement failed: %w", err)
	}
	m.logger.Info(ctx, op+": Emergency close order placed successfully", map[string]interface{}{"symbol": symbol})
	return nil
}

// cancelOrderWarn attempts to cancel an order and logs a warning on failure.
func (m *BracketManager) cancelOrderWarn(ctx context.Context, symbol, id, orderType string) error {
	op := "cancelOrderWarn"
	_, err := m.exchange.CancelOrder(ctx, symbol, id)
	if err != nil {
		// Ignore "Order does not exist" errors, as it might have already been filled or cancelled.
		if errors.Is(err, ports.ErrOrderNotFound) {
			m.logger.Warn(ctx, op+": Order not found, likely already filled or cancelled", map[string]interface{}{"id": id, "type": orderType})
			return nil
		}
		m.metrics.OrderError("cancel")
		m.logger.Error(ctx, err, op+": Failed to cancel order", map[string]interface{}{"id": id, "type": orderType})
		return err
	}
	m.logger.Info(ctx, op+": Order cancelled successfully", map[string]interface{}{"id": id, "type": orderType})
	return nil
}

// transition applies ev to the entry state and reports whether it applied.
func (m *BracketManager) transition(ctx context.Context, entryID string, ev domain.Event) bool {
	_, err := m.book.Update(entryID, func(o *domain.Order) error {
		next, err := domain.Transition(o.Entry.State, ev)
		if err != nil {
			return err
		}
		o.Entry.State = next
		return nil
	})
	if err != nil {
		m.logger.Debug(ctx, "BracketManager.transition: Event ignored", map[string]interface{}{"id": entryID, "event": ev.Kind.String(), "reason": err.Error()})
		return false
	}
	m.metrics.BracketEvent(ev.Kind.String())
	return true
}

func (m *BracketManager) markFilled(id string, avgPrice, qty float64) (*domain.Order, error) {
	return m.book.Update(id, func(o *domain.Order) error {
		if o.Filled {
			return fmt.Errorf("%s already filled", id)
		}
		o.Filled = true
		o.AvgPrice = avgPrice
		o.FilledQty = qty
		if o.FilledQty <= 0 {
			o.FilledQty = o.Quantity
		}
		return nil
	})
}

func (m *BracketManager) recordTrade(ctx context.Context, entry *domain.Order, exit, qty float64, reason domain.CloseReason) {
	if m.trades == nil {
		return
	}
	trade := &domain.Trade{
		EntryID:     entry.ID,
		Symbol:      entry.Symbol,
		Tag:         entry.Entry.Tag,
		Side:        entry.Side,
		EntryPrice:  entry.BreakEven(),
		ExitPrice:   exit,
		Quantity:    qty,
		Leverage:    entry.Entry.Leverage,
		PNL:         domain.RealizedPNL(entry.Side, entry.BreakEven(), exit, qty),
		EntryTime:   entry.Entry.FilledAt,
		ExitTime:    m.now().UTC(),
		CloseReason: reason,
	}
	if _, err := m.trades.CreateTrade(ctx, trade); err != nil {
		m.logger.Error(ctx, err, "recordTrade: Failed to save trade", map[string]interface{}{"symbol": entry.Symbol, "id": entry.ID})
	}
}

func (m *BracketManager) notify(ctx context.Context, msg string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, msg); err != nil {
		m.logger.Warn(ctx, "notify: Failed to deliver notification", map[string]interface{}{"error": err.Error()})
	}
}

// remainingQty is the filled entry quantity not yet closed by targets.
func remainingQty(entry *domain.Order, children []*domain.Order) float64 {
	qty := entry.FilledQty
	if qty <= 0 {
		qty = entry.Quantity
	}
	for _, c := range children {
		if c.Role == domain.RoleTakeProfit && c.Filled {
			qty -= c.FilledQty
		}
	}
	if qty < 0 {
		return 0
	}
	return qty
}

func hasLiveTakeProfit(children []*domain.Order) bool {
	for _, c := range children {
		if c.Role == domain.RoleTakeProfit && !c.Filled {
			return true
		}
	}
	return false
}

func filledTakeProfits(children []*domain.Order) int {
	n := 0
	for _, c := range children {
		if c.Role == domain.RoleTakeProfit && c.Filled {
			n++
		}
	}
	return n
}

func clearSlot(e *domain.EntryDetails, id string) {
	if e.StopLossID == id {
		e.StopLossID = ""
	}
	for i, tp := range e.TakeProfitIDs {
		if tp == id {
			e.TakeProfitIDs[i] = ""
		}
	}
}

func fillPrice(o *domain.Order) float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	return o.Price
}

func withField(fields map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}

func withIndex(fields map[string]interface{}, i int) map[string]interface{} {
	return withField(fields, "target", i)
}
