package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bracketBot/internal/domain"
	"bracketBot/internal/metrics"
	"bracketBot/internal/ports"
)

// ReconcilerConfig holds the watchdog tunables.
type ReconcilerConfig struct {
	Interval     time.Duration
	PassTimeout  time.Duration
	WaitEntryTTL time.Duration
}

// Report summarizes one reconciliation pass.
type Report struct {
	Entries  int // entries inspected
	Filled   int // fills discovered by polling
	Removed  int // pending entries gone from the exchange
	Expired  int // wait entries canceled for age
	Closed   int // open entries whose position disappeared
	Cleared  int // child slots freed for re-attachment
	Attached int // legs (re)created
	Orphans  int // untracked or parentless orders canceled
	Errors   int
}

// Changed reports whether the pass repaired anything.
func (r *Report) Changed() bool {
	return r.Filled+r.Removed+r.Expired+r.Closed+r.Cleared+r.Attached+r.Orphans > 0
}

func (r *Report) fields() map[string]interface{} {
	return map[string]interface{}{
		"entries": r.Entries, "filled": r.Filled, "removed": r.Removed, "expired": r.Expired,
		"closed": r.Closed, "cleared": r.Cleared, "attached": r.Attached, "orphans": r.Orphans, "errors": r.Errors,
	}
}

// exchangeView is the exchange truth fetched at the start of a pass.
type exchangeView struct {
	open      map[string]*ports.OrderResponse
	positions map[string]*ports.PositionRisk
}

// Reconciler periodically compares the order book with the exchange and
// repairs the drift left by missed events, restarts and partial failures.
// A pass over unchanged exchange state places no orders and leaves the book
// untouched.
type Reconciler struct {
	cfg      ReconcilerConfig
	exchange ports.ExchangeClient
	book     *OrderBook
	bracket  *BracketManager
	feed     *PriceFeed
	locks    *NamedLock
	logger   ports.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewReconciler(cfg ReconcilerConfig, exchange ports.ExchangeClient, book *OrderBook, bracket *BracketManager,
	feed *PriceFeed, locks *NamedLock, logger ports.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		exchange: exchange,
		book:     book,
		bracket:  bracket,
		feed:     feed,
		locks:    locks,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Start runs a pass every interval until ctx is canceled.
func (r *Reconciler) Start(ctx context.Context) error {
	op := "Reconciler.Start"
	r.logger.Info(ctx, op+": Starting reconciliation loop", map[string]interface{}{"interval": r.cfg.Interval.String()})

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, op+": Reconciliation loop stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error(ctx, err, op+": Reconciliation pass failed")
			}
		}
	}
}

// Reconcile performs a single pass.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	op := "Reconcile"
	if r.cfg.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.PassTimeout)
		defer cancel()
	}

	view, err := r.fetch(ctx)
	if err != nil {
		r.metrics.ReconcileRun("error")
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	report := &Report{}
	for _, symbol := range r.book.Symbols() {
		unlock := r.locks.Lock(symbol)
		r.reconcileSymbol(ctx, symbol, view, report)
		unlock()
	}
	r.cancelUntracked(ctx, view, report)

	if err := r.feed.Resync(ctx, r.streamedSymbols); err != nil {
		report.Errors++
		r.logger.Warn(ctx, op+": Price feed resubscription failed", map[string]interface{}{"error": err.Error()})
	}

	r.metrics.Repaired("filled", report.Filled)
	r.metrics.Repaired("removed", report.Removed)
	r.metrics.Repaired("expired", report.Expired)
	r.metrics.Repaired("closed", report.Closed)
	r.metrics.Repaired("cleared", report.Cleared)
	r.metrics.Repaired("attached", report.Attached)
	r.metrics.Repaired("orphans", report.Orphans)
	r.metrics.SetTracked(r.book.Counts())

	switch {
	case report.Errors > 0:
		r.metrics.ReconcileRun("partial")
		r.logger.Warn(ctx, op+": Pass finished with errors", report.fields())
	case report.Changed():
		r.metrics.ReconcileRun("repaired")
		r.logger.Warn(ctx, op+": Drift repaired", report.fields())
	default:
		r.metrics.ReconcileRun("clean")
		r.logger.Debug(ctx, op+": Book matches exchange", report.fields())
	}
	return report, nil
}

// streamedSymbols is every instrument in the book plus those whose lock is
// taken, since a signal being placed subscribes before it is recorded.
func (r *Reconciler) streamedSymbols() []string {
	symbols := r.book.Symbols()
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		seen[s] = struct{}{}
	}
	for _, s := range r.locks.Names() {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			symbols = append(symbols, s)
		}
	}
	return symbols
}

func (r *Reconciler) fetch(ctx context.Context) (*exchangeView, error) {
	open, err := r.exchange.GetOpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := r.exchange.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	view := &exchangeView{
		open:      make(map[string]*ports.OrderResponse, len(open)),
		positions: make(map[string]*ports.PositionRisk, len(positions)),
	}
	for _, o := range open {
		view.open[o.ClientOrderID] = o
	}
	for _, p := range positions {
		if p.PositionAmt != 0 {
			view.positions[p.Symbol] = p
		}
	}
	return view, nil
}

// reconcileSymbol repairs the trees of one instrument. Caller holds its lock.
func (r *Reconciler) reconcileSymbol(ctx context.Context, symbol string, view *exchangeView, report *Report) {
	for _, entry := range r.book.FindByInstrument(symbol) {
		report.Entries++
		switch {
		case entry.Entry.State == domain.StatePendingEntry:
			r.reconcilePending(ctx, entry, view, report)
		case entry.Entry.State.IsOpen():
			r.reconcileOpen(ctx, entry, view, report)
		default:
			r.book.RemoveTree(entry.ID)
			report.Removed++
		}
	}

	for _, orphan := range r.book.Orphans() {
		if orphan.Symbol != symbol {
			continue
		}
		if !orphan.Filled {
			if err := r.bracket.cancelOrderWarn(ctx, symbol, orphan.ID, string(orphan.Role)); err != nil {
				report.Errors++
				continue
			}
			delete(view.open, orphan.ID)
		}
		r.book.Remove(orphan.ID)
		report.Orphans++
	}
}

func (r *Reconciler) reconcilePending(ctx context.Context, entry *domain.Order, view *exchangeView, report *Report) {
	op := "reconcilePending"
	fields := map[string]interface{}{"symbol": entry.Symbol, "id": entry.ID}

	if _, open := view.open[entry.ID]; open {
		if entry.Entry.Kind == domain.EntryWait && !entry.HasChildren() && r.expired(entry) {
			if err := r.bracket.cancelOrderWarn(ctx, entry.Symbol, entry.ID, "entry"); err != nil {
				report.Errors++
				return
			}
			delete(view.open, entry.ID)
			r.bracket.transition(ctx, entry.ID, domain.EntryExpired())
			r.book.RemoveTree(entry.ID)
			r.bracket.notify(ctx, closedMessage(entry, domain.CloseReasonExpired))
			r.logger.Info(ctx, op+": Wait entry expired", fields)
			report.Expired++
		}
		return
	}

	resp, err := r.exchange.GetOrder(ctx, entry.Symbol, entry.ID)
	switch {
	case isMissing(err):
		r.logger.Warn(ctx, op+": Pending entry unknown to the exchange, dropping it", fields)
		r.book.RemoveTree(entry.ID)
		report.Removed++
	case err != nil:
		r.logger.Error(ctx, err, op+": Failed to query pending entry", fields)
		report.Errors++
	case resp.Status == domain.OrderStatusFilled, resp.Status.IsTerminalUnfilled() && resp.ExecutedQty > 0:
		report.Filled++
		if err := r.bracket.HandleEntryFilled(ctx, entry.ID, resp.AvgPrice, resp.ExecutedQty); err != nil {
			r.logger.Error(ctx, err, op+": Attaching bracket after missed fill failed", fields)
			report.Errors++
		}
	case resp.Status.IsTerminalUnfilled():
		r.logger.Warn(ctx, op+": Pending entry ended unfilled, dropping it", withField(fields, "status", resp.Status))
		r.bracket.transition(ctx, entry.ID, domain.EntryExpired())
		r.book.RemoveTree(entry.ID)
		report.Removed++
	default:
		// Accepted after the open orders were fetched.
	}
}

func (r *Reconciler) reconcileOpen(ctx context.Context, entry *domain.Order, view *exchangeView, report *Report) {
	op := "reconcileOpen"
	fields := map[string]interface{}{"symbol": entry.Symbol, "id": entry.ID}

	if _, ok := view.positions[entry.Symbol]; !ok {
		// A leg that filled unseen explains the missing position.
		if r.pollLegs(ctx, entry, view, report, false) {
			return
		}
		r.logger.Warn(ctx, op+": Position no longer open on the exchange, dropping bracket", fields)
		for _, c := range r.book.Children(entry.ID) {
			if _, open := view.open[c.ID]; open {
				_ = r.bracket.cancelOrderWarn(ctx, c.Symbol, c.ID, string(c.Role))
				delete(view.open, c.ID)
			}
		}
		r.bracket.transition(ctx, entry.ID, domain.PositionClosed())
		r.book.RemoveTree(entry.ID)
		r.bracket.notify(ctx, closedMessage(entry, domain.CloseReasonExternal))
		report.Closed++
		return
	}

	// Slots pointing at records the book lost.
	for _, id := range entry.ChildIDs() {
		if _, ok := r.book.Get(id); !ok {
			r.clearChild(ctx, entry.ID, id)
			report.Cleared++
		}
	}

	if r.pollLegs(ctx, entry, view, report, true) {
		return
	}

	current, ok := r.book.Get(entry.ID)
	if !ok || !current.Entry.State.IsOpen() {
		return
	}
	created, err := r.bracket.AttachBracket(ctx, entry.ID)
	report.Attached += created
	if err != nil {
		report.Errors++
	}
}

// pollLegs queries the unfilled legs of entry that are missing from the open
// orders. Fills are applied; with clearMissing set, legs the exchange no longer has
// or ended unfilled are freed for re-attachment. Legs still live are left alone. It reports whether the entry left the book.
func (r *Reconciler) pollLegs(ctx context.Context, entry *domain.Order, view *exchangeView, report *Report, clearMissing bool) bool {
	op := "pollLegs"
	fields := map[string]interface{}{"symbol": entry.Symbol, "id": entry.ID}

	for _, c := range r.book.Children(entry.ID) {
		if c.Filled {
			continue
		}
		if _, open := view.open[c.ID]; open {
			continue
		}

		resp, err := r.exchange.GetOrder(ctx, c.Symbol, c.ID)
		if err != nil && !isMissing(err) {
			r.logger.Error(ctx, err, op+": Failed to query bracket leg", withField(fields, "child", c.ID))
			report.Errors++
			continue
		}
		if err == nil && resp.Status == domain.OrderStatusFilled {
			report.Filled++
			update := &ports.OrderUpdate{
				ExchangeID:    resp.OrderID,
				ClientOrderID: c.ID,
				Symbol:        c.Symbol,
				Side:          c.Side,
				Type:          c.Type,
				Status:        domain.OrderStatusFilled,
				Price:         resp.Price,
				AvgPrice:      resp.AvgPrice,
				FilledQty:     resp.ExecutedQty,
				Time:          r.now(),
			}
			if err := r.bracket.HandleOrderUpdate(ctx, update); err != nil {
				r.logger.Error(ctx, err, op+": Applying missed leg fill failed", withField(fields, "child", c.ID))
				report.Errors++
			}
			if _, ok := r.book.Get(entry.ID); !ok {
				return true
			}
			continue
		}

		if err == nil && !resp.Status.IsTerminalUnfilled() {
			// Placed after the open orders were fetched.
			r.logger.Debug(ctx, op+": Bracket leg live but not in snapshot", withField(fields, "child", c.ID))
			continue
		}
		if clearMissing {
			r.logger.Warn(ctx, op+": Bracket leg missing on the exchange, clearing it", withField(fields, "child", c.ID))
			r.clearChild(ctx, entry.ID, c.ID)
			report.Cleared++
		}
	}
	return false
}

// clearChild drops a child record and frees its slot on the entry.
func (r *Reconciler) clearChild(ctx context.Context, entryID, childID string) {
	r.book.Remove(childID)
	_, _ = r.book.Update(entryID, func(o *domain.Order) error {
		clearSlot(o.Entry, childID)
		return nil
	})
	r.bracket.transition(ctx, entryID, domain.BracketBroken())
}

// cancelUntracked cancels open orders carrying our id prefixes that the book
// does not know, typically left behind by a lost snapshot.
func (r *Reconciler) cancelUntracked(ctx context.Context, view *exchangeView, report *Report) {
	for id, o := range view.open {
		if _, ours := domain.RoleFromID(id); !ours {
			continue
		}
		if _, tracked := r.book.Get(id); tracked {
			continue
		}
		unlock := r.locks.Lock(o.Symbol)
		if _, tracked := r.book.Get(id); !tracked {
			r.logger.Warn(ctx, "cancelUntracked: Canceling order unknown to the book", map[string]interface{}{"symbol": o.Symbol, "id": id})
			if err := r.bracket.cancelOrderWarn(ctx, o.Symbol, id, "untracked"); err != nil {
				report.Errors++
			} else {
				report.Orphans++
			}
		}
		unlock()
	}
}

func (r *Reconciler) expired(entry *domain.Order) bool {
	now := r.now()
	if !entry.Entry.ExpiresAt.IsZero() && now.After(entry.Entry.ExpiresAt) {
		return true
	}
	return r.cfg.WaitEntryTTL > 0 && now.Sub(entry.CreatedAt) > r.cfg.WaitEntryTTL
}

func isMissing(err error) bool {
	return errors.Is(err, ports.ErrOrderNotFound) || errors.Is(err, ports.ErrNotFound)
}
