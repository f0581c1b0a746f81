package ports

import (
	"context"
	"time"

	"bracketBot/internal/domain"
)

// Snapshot is the persisted state of the order book.
type Snapshot struct {
	Orders        []*domain.Order
	Subscriptions []string
	SavedAt       time.Time
}

// OrderStore persists order book snapshots so tracked brackets survive a restart.
type OrderStore interface {
	// SaveSnapshot atomically replaces the stored book with snap.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	// LoadSnapshot returns the stored book, or an empty snapshot when nothing was saved.
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
}

// TradeRepository defines the interface for storing and retrieving completed trades.
type TradeRepository interface {
	// CreateTrade saves a new trade record and returns its assigned ID.
	CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error)
	// FindBySymbol retrieves the most recent trades for a given symbol, up to a limit.
	FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error)
	// FindByTag retrieves the most recent trades opened for a signal tag.
	FindByTag(ctx context.Context, tag string, limit int) ([]*domain.Trade, error)
	// GetTotalProfit calculates the sum of PNL for all recorded trades.
	GetTotalProfit(ctx context.Context) (float64, error)
}

// Notifier delivers human-readable messages to the operator.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// SignalSource produces raw signal text from a provider.
type SignalSource interface {
	// Run delivers messages to handle until ctx is canceled or the source ends.
	Run(ctx context.Context, handle func(ctx context.Context, provider, text string)) error
}

// Command is one parsed provider or operator message. Exactly one field is set.
type Command struct {
	Signal *domain.Signal
	Close  *domain.CloseRequest
}

// SignalParser turns raw message text into a command.
type SignalParser interface {
	Parse(provider, text string) (*Command, error)
}
