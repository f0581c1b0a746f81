// Package parser turns provider message text into signals and close requests.
package parser

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"bracketBot/internal/ports"
)

// ErrUnrecognized is returned for text no parser understands.
var ErrUnrecognized = errors.New("unrecognized message")

// Registry dispatches messages to the parser registered for their provider
// and falls back to a default parser for everyone else.
type Registry struct {
	mu       sync.RWMutex
	parsers  map[string]ports.SignalParser
	fallback ports.SignalParser
}

// NewRegistry creates a registry. fallback may be nil.
func NewRegistry(fallback ports.SignalParser) *Registry {
	return &Registry{parsers: make(map[string]ports.SignalParser), fallback: fallback}
}

// Register binds p to provider, replacing any earlier binding.
func (r *Registry) Register(provider string, p ports.SignalParser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[strings.ToLower(provider)] = p
}

// Parse implements ports.SignalParser.
func (r *Registry) Parse(provider, text string) (*ports.Command, error) {
	r.mu.RLock()
	p, ok := r.parsers[strings.ToLower(provider)]
	r.mu.RUnlock()
	if !ok {
		p = r.fallback
	}
	if p == nil {
		return nil, fmt.Errorf("%w: no parser for provider %q", ErrUnrecognized, provider)
	}

	cmd, err := p.Parse(provider, text)
	if err != nil {
		return nil, err
	}
	if cmd == nil || (cmd.Signal == nil) == (cmd.Close == nil) {
		return nil, fmt.Errorf("%w: parser for %q returned no command", ErrUnrecognized, provider)
	}
	if cmd.Signal != nil && cmd.Signal.Source == "" {
		cmd.Signal.Source = provider
	}
	return cmd, nil
}
