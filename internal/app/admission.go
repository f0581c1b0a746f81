package app

import (
	"fmt"
	"sync"
	"time"

	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

// NamedLock hands out one mutex per name. Entries are dropped once nobody
// holds or waits for them.
type NamedLock struct {
	mu    sync.Mutex
	locks map[string]*namedEntry
}

type namedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewNamedLock() *NamedLock {
	return &NamedLock{locks: make(map[string]*namedEntry)}
}

// Lock acquires the lock for name and returns its release function.
func (l *NamedLock) Lock(name string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.locks[name]
	if !ok {
		e = &namedEntry{}
		l.locks[name] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.locks, name)
			}
			l.mu.Unlock()
		})
	}
}

// Names returns the names currently held or waited on.
func (l *NamedLock) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.locks))
	for name := range l.locks {
		out = append(out, name)
	}
	return out
}

// Gate decides whether a signal may be placed. It rejects near-identical
// signals seen within the dedup window and signals for instruments that
// already carry a live bracket. Callers hold the instrument lock across
// Reserve and placement.
type Gate struct {
	book   *OrderBook
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	seen     map[string]time.Time
	reserved map[*domain.Signal]string
}

func NewGate(book *OrderBook, window time.Duration) *Gate {
	return &Gate{
		book:     book,
		window:   window,
		now:      time.Now,
		seen:     make(map[string]time.Time),
		reserved: make(map[*domain.Signal]string),
	}
}

// Admit reports whether sig may proceed and reserves its dedup key if so.
func (g *Gate) Admit(sig *domain.Signal) bool {
	return g.Reserve(sig) == nil
}

// Reserve is Admit with the rejection reason.
func (g *Gate) Reserve(sig *domain.Signal) error {
	for _, e := range g.book.FindByInstrument(sig.Symbol) {
		if e.Entry.State != domain.StateClosed {
			return fmt.Errorf("%w: %s already tracks entry %s", ports.ErrPositionOpen, sig.Symbol, e.ID)
		}
	}

	key := sig.DedupKey()
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	for k, at := range g.seen {
		if now.Sub(at) > g.window {
			delete(g.seen, k)
		}
	}
	if at, ok := g.seen[key]; ok {
		return fmt.Errorf("%w: %s first seen %s ago", ports.ErrDuplicateSignal, key, now.Sub(at).Round(time.Second))
	}
	g.seen[key] = now
	g.reserved[sig] = key
	return nil
}

// Release frees the reservation of a signal whose placement failed, so a
// corrected resend is not treated as a duplicate.
func (g *Gate) Release(sig *domain.Signal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key, ok := g.reserved[sig]
	if !ok {
		return
	}
	delete(g.reserved, sig)
	delete(g.seen, key)
}

// Done forgets the reservation of a placed signal while keeping its key
// inside the dedup window.
func (g *Gate) Done(sig *domain.Signal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.reserved, sig)
}
