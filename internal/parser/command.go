package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"bracketBot/config"
	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

// DefaultsSource resolves the risk and leverage of a provider.
type DefaultsSource interface {
	ProviderDefaults(provider string) config.ProviderDefaults
}

// CommandParser understands the operator command grammar:
//
//	long|l|short|s <asset> [entry ...] [sl <price>] [tp <price ...> | tp <pct%> ...] [r <pct%>] [x<leverage>] [tag <tag>]
//	cancel|close <tag|*> [asset]
//
// Omitted entries mean entering at the live price. Percentage targets are
// measured on the entry to stop distance. The signal tag defaults to the
// provider name.
type CommandParser struct {
	quote    string
	defaults DefaultsSource
}

// NewCommandParser creates a parser quoting every asset in quote.
func NewCommandParser(quote string, defaults DefaultsSource) *CommandParser {
	return &CommandParser{quote: strings.ToUpper(quote), defaults: defaults}
}

// Parse implements ports.SignalParser.
func (p *CommandParser) Parse(provider, text string) (*ports.Command, error) {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrUnrecognized)
	}

	switch tokens[0] {
	case "long", "l":
		return p.parseSignal(provider, domain.Long, tokens[1:])
	case "short", "s":
		return p.parseSignal(provider, domain.Short, tokens[1:])
	case "cancel", "close":
		return p.parseClose(tokens[1:])
	}
	return nil, fmt.Errorf("%w: unknown command %q", ErrUnrecognized, tokens[0])
}

func (p *CommandParser) parseClose(args []string) (*ports.Command, error) {
	if len(args) == 0 || len(args) > 2 {
		return nil, fmt.Errorf("%w: usage: cancel <tag|*> [asset]", ErrUnrecognized)
	}
	req := &domain.CloseRequest{Tag: args[0]}
	if req.Tag == "*" {
		req.Tag = ""
	}
	if len(args) == 2 {
		req.Symbol = p.symbol(args[1])
	}
	if req.Tag == "" && req.Symbol == "" {
		return nil, fmt.Errorf("%w: closing every tag needs an asset", ErrUnrecognized)
	}
	return &ports.Command{Close: req}, nil
}

type section int

const (
	sectionEntries section = iota
	sectionTargets
	sectionNone
)

func (p *CommandParser) parseSignal(provider string, dir domain.Direction, args []string) (*ports.Command, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: missing asset", ErrUnrecognized)
	}
	asset := strings.TrimSuffix(strings.ToUpper(args[0]), p.quote)
	if asset == "" {
		return nil, fmt.Errorf("%w: missing asset", ErrUnrecognized)
	}

	defaults := config.ProviderDefaults{Name: provider}
	if p.defaults != nil {
		defaults = p.defaults.ProviderDefaults(provider)
	}
	sig := domain.NewSignal(asset, p.quote, dir)
	sig.Risk = defaults.Risk
	sig.Leverage = defaults.Leverage
	sig.Tag = strings.ToLower(provider)
	sig.Source = provider

	next := func(i int, what string) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("%w: %s needs a value", ErrUnrecognized, what)
		}
		return args[i+1], nil
	}

	sec := sectionEntries
	percentSeen, pricesSeen := false, false
	for i := 1; i < len(args); i++ {
		tok := args[i]
		switch {
		case tok == "sl":
			v, err := next(i, "sl")
			if err != nil {
				return nil, err
			}
			if sig.StopLoss, err = parsePrice(v); err != nil {
				return nil, err
			}
			i++
			sec = sectionNone
		case tok == "tp":
			sec = sectionTargets
		case tok == "r":
			v, err := next(i, "r")
			if err != nil {
				return nil, err
			}
			pct, ok, err := parsePercent(v)
			if err != nil || !ok {
				return nil, fmt.Errorf("%w: risk must be a percentage, got %q", ErrUnrecognized, v)
			}
			sig.Risk = pct / 100
			i++
			sec = sectionNone
		case tok == "tag":
			v, err := next(i, "tag")
			if err != nil {
				return nil, err
			}
			sig.Tag = v
			i++
			sec = sectionNone
		case strings.HasPrefix(tok, "x") && len(tok) > 1:
			lev, err := strconv.Atoi(tok[1:])
			if err != nil || lev <= 0 {
				return nil, fmt.Errorf("%w: bad leverage %q", ErrUnrecognized, tok)
			}
			sig.Leverage = lev
			sec = sectionNone
		case sec == sectionEntries:
			v, err := parsePrice(tok)
			if err != nil {
				return nil, err
			}
			sig.Entries = append(sig.Entries, v)
		case sec == sectionTargets:
			v, isPct, err := parsePercent(tok)
			if err != nil {
				return nil, err
			}
			if isPct {
				percentSeen = true
			} else {
				pricesSeen = true
			}
			sig.Targets = append(sig.Targets, v)
			if percentSeen && pricesSeen {
				return nil, fmt.Errorf("%w: targets mix prices and percentages", ErrUnrecognized)
			}
		default:
			return nil, fmt.Errorf("%w: unexpected %q", ErrUnrecognized, tok)
		}
	}
	sig.PercentTargets = percentSeen

	if sig.Risk <= 0 || sig.Risk >= 1 {
		return nil, fmt.Errorf("%w: risk %.4g outside (0, 1)", ErrUnrecognized, sig.Risk)
	}
	if sig.Leverage <= 0 {
		return nil, fmt.Errorf("%w: no leverage for provider %q", ErrUnrecognized, provider)
	}
	return &ports.Command{Signal: sig}, nil
}

func (p *CommandParser) symbol(asset string) string {
	return strings.TrimSuffix(strings.ToUpper(asset), p.quote) + p.quote
}

func parsePrice(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimPrefix(s, "$"), 64)
	if err != nil || !finite(v) || v <= 0 {
		return 0, fmt.Errorf("%w: bad price %q", ErrUnrecognized, s)
	}
	return v, nil
}

// parsePercent parses "150%" as (150, true) and "0.27" as (0.27, false).
func parsePercent(s string) (float64, bool, error) {
	if strings.HasSuffix(s, "%") {
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil || !finite(v) || v <= 0 {
			return 0, false, fmt.Errorf("%w: bad percentage %q", ErrUnrecognized, s)
		}
		return v, true, nil
	}
	v, err := parsePrice(s)
	return v, false, err
}

// finite rejects the inf and nan spellings ParseFloat accepts.
func finite(v float64) bool {
	return !math.IsInf(v, 0) && !math.IsNaN(v)
}
