package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderRole is the part an order plays inside a bracket.
type OrderRole string

const (
	RoleEntry      OrderRole = "entry"
	RoleStopLoss   OrderRole = "stop_loss"
	RoleTakeProfit OrderRole = "take_profit"
)

// EntryKind distinguishes immediate entries from ones waiting for a trigger.
type EntryKind string

const (
	EntryMarket EntryKind = "market"
	EntryWait   EntryKind = "wait" // stop-limit triggered at the entry price
)

// Client order id prefixes. The role of an order can be recovered from its
// id even when it is missing from the book.
const (
	PrefixStopLoss = "stop-"
	PrefixTarget   = "trgt-"
	PrefixWait     = "wait-"
	PrefixMarket   = "mrkt-"
)

// NewOrderID returns a random client order id carrying prefix. The result
// keeps the 36 character length of a uuid.
func NewOrderID(prefix string) string {
	id := uuid.NewString()
	return prefix + id[len(prefix):]
}

// RoleFromID classifies a client order id by its prefix.
func RoleFromID(id string) (OrderRole, bool) {
	switch {
	case strings.HasPrefix(id, PrefixStopLoss):
		return RoleStopLoss, true
	case strings.HasPrefix(id, PrefixTarget):
		return RoleTakeProfit, true
	case strings.HasPrefix(id, PrefixWait), strings.HasPrefix(id, PrefixMarket):
		return RoleEntry, true
	}
	return "", false
}

// Order is the local tracking record of one exchange order.
type Order struct {
	ID         string // client order id
	ExchangeID int64
	Role       OrderRole
	Type       OrderType
	Symbol     string
	Side       OrderSide
	Quantity   float64
	Price      float64 // limit or trigger price

	Filled    bool
	FilledQty float64
	AvgPrice  float64

	ParentID    string // set on stop-loss and take-profit orders
	TargetIndex int    // take-profit slot
	CreatedAt   time.Time

	Entry *EntryDetails // only on entry orders
}

// EntryDetails carries the signal metadata and bracket linkage of an entry.
type EntryDetails struct {
	Kind     EntryKind
	State    PositionState
	Entry    float64
	StopLoss float64
	Targets  []float64
	Risk     float64
	Leverage int
	Tag      string

	StopLossID    string
	TakeProfitIDs []string // one slot per target, "" while unattached

	ExpiresAt time.Time
	FilledAt  time.Time
}

// IsEntry reports whether o is an entry order.
func (o *Order) IsEntry() bool {
	return o.Role == RoleEntry && o.Entry != nil
}

// IsLong reports whether the position behind o is long.
func (o *Order) IsLong() bool {
	if o.Role == RoleEntry {
		return o.Side == Buy
	}
	return o.Side == Sell
}

// ChildIDs lists the stop-loss and take-profit ids attached to an entry.
func (o *Order) ChildIDs() []string {
	if o.Entry == nil {
		return nil
	}
	ids := make([]string, 0, len(o.Entry.TakeProfitIDs)+1)
	if o.Entry.StopLossID != "" {
		ids = append(ids, o.Entry.StopLossID)
	}
	for _, id := range o.Entry.TakeProfitIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// HasChildren reports whether any bracket leg is attached.
func (o *Order) HasChildren() bool {
	return len(o.ChildIDs()) > 0
}

// BreakEven returns the price a trailed stop moves to.
func (o *Order) BreakEven() float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	if o.Entry != nil {
		return o.Entry.Entry
	}
	return o.Price
}

// Clone returns a deep copy safe to use outside the book lock.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.Entry != nil {
		e := *o.Entry
		e.Targets = append([]float64(nil), o.Entry.Targets...)
		e.TakeProfitIDs = append([]string(nil), o.Entry.TakeProfitIDs...)
		c.Entry = &e
	}
	return &c
}
