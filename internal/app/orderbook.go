package app

import (
	"errors"
	"sort"
	"sync"

	"bracketBot/internal/domain"
)

// ErrNotTracked is returned for ids missing from the order book.
var ErrNotTracked = errors.New("order is not tracked")

// OrderBook owns every tracked order. Callers only ever see clones; mutations
// go through Update so the state checks run under the book lock. Nothing in
// here talks to the network.
type OrderBook struct {
	mu      sync.Mutex
	orders  map[string]*domain.Order
	version uint64 // bumped on every mutation
}

// NewOrderBook creates an empty book.
func NewOrderBook() *OrderBook {
	return &OrderBook{orders: make(map[string]*domain.Order)}
}

// Upsert stores a copy of o.
func (b *OrderBook) Upsert(o *domain.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[o.ID] = o.Clone()
	b.version++
}

// Get returns a copy of the order with id.
func (b *OrderBook) Get(id string) (*domain.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// Update applies fn to the stored order. When fn fails the order is left
// untouched and the error is returned.
func (b *OrderBook) Update(id string, fn func(o *domain.Order) error) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return nil, ErrNotTracked
	}
	work := o.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	b.orders[id] = work
	b.version++
	return work.Clone(), nil
}

// Remove drops a single order.
func (b *OrderBook) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[id]; !ok {
		return false
	}
	delete(b.orders, id)
	b.version++
	return true
}

// RemoveTree drops an entry together with every order whose parent it is.
func (b *OrderBook) RemoveTree(entryID string) []*domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	var removed []*domain.Order
	for id, o := range b.orders {
		if id == entryID || o.ParentID == entryID {
			removed = append(removed, o.Clone())
			delete(b.orders, id)
		}
	}
	if len(removed) > 0 {
		b.version++
	}
	return removed
}

// FindByInstrument returns the entries tracked on symbol.
func (b *OrderBook) FindByInstrument(symbol string) []*domain.Order {
	return b.entries(func(o *domain.Order) bool { return o.Symbol == symbol })
}

// FindByTag returns the entries opened for tag.
func (b *OrderBook) FindByTag(tag string) []*domain.Order {
	return b.entries(func(o *domain.Order) bool { return o.Entry.Tag == tag })
}

// Entries returns every tracked entry.
func (b *OrderBook) Entries() []*domain.Order {
	return b.entries(func(*domain.Order) bool { return true })
}

func (b *OrderBook) entries(match func(o *domain.Order) bool) []*domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*domain.Order
	for _, o := range b.orders {
		if o.IsEntry() && match(o) {
			out = append(out, o.Clone())
		}
	}
	sortOrders(out)
	return out
}

// Children returns the stop-loss and take-profit orders of an entry.
func (b *OrderBook) Children(entryID string) []*domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*domain.Order
	for _, o := range b.orders {
		if o.ParentID == entryID {
			out = append(out, o.Clone())
		}
	}
	sortOrders(out)
	return out
}

// Orphans returns child orders whose entry is no longer tracked.
func (b *OrderBook) Orphans() []*domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*domain.Order
	for _, o := range b.orders {
		if o.ParentID == "" {
			continue
		}
		if _, ok := b.orders[o.ParentID]; !ok {
			out = append(out, o.Clone())
		}
	}
	sortOrders(out)
	return out
}

// Symbols returns the distinct instruments with tracked orders.
func (b *OrderBook) Symbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := make(map[string]struct{})
	for _, o := range b.orders {
		set[o.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of tracked orders per role.
func (b *OrderBook) Counts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := map[string]int{
		string(domain.RoleEntry):      0,
		string(domain.RoleStopLoss):   0,
		string(domain.RoleTakeProfit): 0,
	}
	for _, o := range b.orders {
		counts[string(o.Role)]++
	}
	return counts
}

// Len returns the number of tracked orders.
func (b *OrderBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// Version changes whenever the book is mutated.
func (b *OrderBook) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Snapshot returns copies of every tracked order.
func (b *OrderBook) Snapshot() []*domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*domain.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o.Clone())
	}
	sortOrders(out)
	return out
}

// Restore replaces the book content with orders.
func (b *OrderBook) Restore(orders []*domain.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = make(map[string]*domain.Order, len(orders))
	for _, o := range orders {
		b.orders[o.ID] = o.Clone()
	}
	b.version++
}

func sortOrders(orders []*domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}
