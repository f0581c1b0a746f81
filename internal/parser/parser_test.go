package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bracketBot/config"
	"bracketBot/internal/domain"
	"bracketBot/internal/ports"
)

func testDefaults() *config.Config {
	return &config.Config{
		DefaultRisk:     0.025,
		DefaultLeverage: 10,
		Providers: map[string]config.ProviderDefaults{
			"whales": {Name: "whales", Risk: 0.04, Leverage: 5},
		},
	}
}

func TestCommandParser_Signals(t *testing.T) {
	p := NewCommandParser("usdt", testDefaults())

	tests := []struct {
		name     string
		provider string
		text     string
		want     domain.Signal
	}{
		{
			name:     "market long with stop",
			provider: "ops",
			text:     "long akro sl 0.05",
			want: domain.Signal{Symbol: "AKROUSDT", Asset: "AKRO", Quote: "USDT", Direction: domain.Long,
				StopLoss: 0.05, Risk: 0.025, Leverage: 10, Tag: "ops"},
		},
		{
			name:     "entry stop and targets",
			provider: "ops",
			text:     "l chr 0.25 sl 0.23 tp 0.27 0.29",
			want: domain.Signal{Symbol: "CHRUSDT", Asset: "CHR", Quote: "USDT", Direction: domain.Long,
				Entries: []float64{0.25}, StopLoss: 0.23, Targets: []float64{0.27, 0.29}, Risk: 0.025, Leverage: 10, Tag: "ops"},
		},
		{
			name:     "percentage targets",
			provider: "ops",
			text:     "long dydx sl 20.4 tp 75% 150%",
			want: domain.Signal{Symbol: "DYDXUSDT", Asset: "DYDX", Quote: "USDT", Direction: domain.Long,
				StopLoss: 20.4, Targets: []float64{75, 150}, PercentTargets: true, Risk: 0.025, Leverage: 10, Tag: "ops"},
		},
		{
			name:     "short with overrides and provider defaults",
			provider: "Whales",
			text:     "S ATOMUSDT 32.7 32.6 sl 32.73 tp 32.5 r 1.5% x20 tag atom-1",
			want: domain.Signal{Symbol: "ATOMUSDT", Asset: "ATOM", Quote: "USDT", Direction: domain.Short,
				Entries: []float64{32.7, 32.6}, StopLoss: 32.73, Targets: []float64{32.5}, Risk: 0.015, Leverage: 20, Tag: "atom-1"},
		},
		{
			name:     "provider defaults apply",
			provider: "whales",
			text:     "short btc",
			want: domain.Signal{Symbol: "BTCUSDT", Asset: "BTC", Quote: "USDT", Direction: domain.Short,
				Risk: 0.04, Leverage: 5, Tag: "whales"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := p.Parse(tt.provider, tt.text)
			require.NoError(t, err)
			require.NotNil(t, cmd.Signal)
			assert.Nil(t, cmd.Close)

			got := cmd.Signal
			assert.Equal(t, tt.want.Symbol, got.Symbol)
			assert.Equal(t, tt.want.Asset, got.Asset)
			assert.Equal(t, tt.want.Quote, got.Quote)
			assert.Equal(t, tt.want.Direction, got.Direction)
			assert.Equal(t, tt.want.Entries, got.Entries)
			assert.Equal(t, tt.want.StopLoss, got.StopLoss)
			assert.Equal(t, tt.want.Targets, got.Targets)
			assert.Equal(t, tt.want.PercentTargets, got.PercentTargets)
			assert.InDelta(t, tt.want.Risk, got.Risk, 1e-12)
			assert.Equal(t, tt.want.Leverage, got.Leverage)
			assert.Equal(t, tt.want.Tag, got.Tag)
			assert.Equal(t, tt.provider, got.Source)
		})
	}
}

func TestCommandParser_PercentTargetsResolve(t *testing.T) {
	p := NewCommandParser("USDT", testDefaults())
	cmd, err := p.Parse("ops", "long dydx sl 20.4 tp 75% 150%")
	require.NoError(t, err)

	sig := cmd.Signal
	sig.Correct(20.573)
	sig.ResolveTargets()
	assert.InDelta(t, 20.573, sig.Entry, 1e-9)
	require.Len(t, sig.Targets, 2)
	assert.InDelta(t, 20.70275, sig.Targets[0], 1e-9)
	assert.InDelta(t, 20.8325, sig.Targets[1], 1e-9)
}

func TestCommandParser_Close(t *testing.T) {
	p := NewCommandParser("USDT", testDefaults())

	tests := []struct {
		text string
		want domain.CloseRequest
	}{
		{text: "cancel my_tag", want: domain.CloseRequest{Tag: "my_tag"}},
		{text: "close my_tag btc", want: domain.CloseRequest{Tag: "my_tag", Symbol: "BTCUSDT"}},
		{text: "close * ethusdt", want: domain.CloseRequest{Symbol: "ETHUSDT"}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			cmd, err := p.Parse("ops", tt.text)
			require.NoError(t, err)
			require.NotNil(t, cmd.Close)
			assert.Equal(t, tt.want, *cmd.Close)
		})
	}
}

func TestCommandParser_Errors(t *testing.T) {
	p := NewCommandParser("USDT", testDefaults())

	for _, text := range []string{
		"",
		"buy btc",
		"long",
		"long btc sl",
		"long btc sl abc",
		"long btc 0 sl 1",
		"long btc sl 1 tp 2 50%",
		"long btc r 2",
		"long btc r 150%",
		"long btc xabc",
		"long btc sl 1 whatever",
		"long btc 39000 sl 38000 tp 40000 inf",
		"long btc nan sl 1",
		"long btc sl 1 tp inf%",
		"long btc sl +Inf",
		"long btc r NaN%",
		"cancel",
		"cancel *",
		"cancel a b c",
	} {
		t.Run(text, func(t *testing.T) {
			_, err := p.Parse("ops", text)
			assert.ErrorIs(t, err, ErrUnrecognized)
		})
	}

	noLeverage := NewCommandParser("USDT", &config.Config{DefaultRisk: 0.01})
	_, err := noLeverage.Parse("ops", "long btc")
	assert.ErrorIs(t, err, ErrUnrecognized)
}

type fixedParser struct {
	cmd *ports.Command
}

func (f fixedParser) Parse(provider, text string) (*ports.Command, error) {
	return f.cmd, nil
}

func TestRegistry(t *testing.T) {
	fallback := NewCommandParser("USDT", testDefaults())
	reg := NewRegistry(fallback)

	special := domain.NewSignal("BTC", "USDT", domain.Long)
	reg.Register("Special", fixedParser{cmd: &ports.Command{Signal: special}})

	cmd, err := reg.Parse("special", "anything at all")
	require.NoError(t, err)
	assert.Same(t, special, cmd.Signal)
	assert.Equal(t, "special", cmd.Signal.Source)

	cmd, err = reg.Parse("ops", "cancel x")
	require.NoError(t, err)
	assert.Equal(t, "x", cmd.Close.Tag)

	t.Run("parser returning nothing", func(t *testing.T) {
		reg.Register("broken", fixedParser{cmd: &ports.Command{}})
		_, err := reg.Parse("broken", "x")
		assert.ErrorIs(t, err, ErrUnrecognized)
	})

	t.Run("no fallback", func(t *testing.T) {
		_, err := NewRegistry(nil).Parse("ops", "long btc")
		assert.ErrorIs(t, err, ErrUnrecognized)
	})
}
