package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_Correct(t *testing.T) {
	tests := []struct {
		name      string
		signal    *Signal
		mark      float64
		wantEntry float64
		wantStop  float64
		wantTgts  []float64
	}{
		{
			name: "prices already at the right magnitude are untouched",
			signal: &Signal{Symbol: "BTCUSDT", Direction: Long, Entries: []float64{39793.5}, StopLoss: 39792,
				Targets: []float64{40000, 41000, 41500}},
			mark:      39900,
			wantEntry: 39793.5,
			wantStop:  39792,
			wantTgts:  []float64{40000, 41000, 41500},
		},
		{
			name: "human-readable prices are shifted down",
			signal: &Signal{Symbol: "SHIBUSDT", Direction: Long, Entries: []float64{0.578}, StopLoss: 0.55,
				Targets: []float64{0.6}},
			mark:      0.000578,
			wantEntry: 0.000578,
			wantStop:  0.00055,
			wantTgts:  []float64{0.0006},
		},
		{
			name:      "market signal takes the mark as entry",
			signal:    &Signal{Symbol: "AKROUSDT", Direction: Long, StopLoss: 0.05},
			mark:      0.052,
			wantEntry: 0.052,
			wantStop:  0.05,
		},
		{
			name: "closest candidate becomes the entry",
			signal: &Signal{Symbol: "ETHUSDT", Direction: Long, Entries: []float64{1900, 1950, 2000}, StopLoss: 1800,
				Targets: []float64{2100}},
			mark:      1960,
			wantEntry: 1950,
			wantStop:  1800,
			wantTgts:  []float64{2100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.signal.Correct(tt.mark)

			require.True(t, tt.signal.Corrected)
			assert.InDelta(t, tt.wantEntry, tt.signal.Entry, 1e-12)
			assert.InDelta(t, tt.wantStop, tt.signal.StopLoss, 1e-12)
			require.Len(t, tt.signal.Targets, len(tt.wantTgts))
			for i := range tt.wantTgts {
				assert.InDelta(t, tt.wantTgts[i], tt.signal.Targets[i], 1e-12)
			}
		})
	}
}

func TestSignal_CorrectRunsOnce(t *testing.T) {
	s := &Signal{Symbol: "CHRUSDT", Direction: Long, Entries: []float64{0.25}, StopLoss: 0.23, Targets: []float64{0.27}}
	s.Correct(0.25)
	s.Correct(0.00025)

	assert.Equal(t, 0.25, s.Entry)
	assert.Equal(t, 0.23, s.StopLoss)
}

func TestSignal_PercentTargets(t *testing.T) {
	t.Run("long targets relative to the stop distance", func(t *testing.T) {
		s := &Signal{Symbol: "DYDXUSDT", Direction: Long, StopLoss: 20.4, Targets: []float64{75, 150}, PercentTargets: true}
		s.Correct(20.573)
		s.ResolveTargets()

		assert.Equal(t, 20.573, s.Entry)
		assert.InDelta(t, 20.70275, s.Targets[0], 1e-9)
		assert.InDelta(t, 20.8325, s.Targets[1], 1e-9)
		assert.False(t, s.PercentTargets)
	})

	t.Run("short targets move down", func(t *testing.T) {
		s := &Signal{Symbol: "ATOMUSDT", Direction: Short, Entries: []float64{32.7}, StopLoss: 32.73,
			Targets: []float64{50, 75}, PercentTargets: true}
		s.Correct(34)
		s.ResolveTargets()

		assert.InDelta(t, 32.685, s.Targets[0], 1e-9)
		assert.InDelta(t, 32.6775, s.Targets[1], 1e-9)
	})
}

func TestSignal_Validate(t *testing.T) {
	tests := []struct {
		name    string
		signal  Signal
		wantErr bool
	}{
		{
			name:   "valid long",
			signal: Signal{Symbol: "BTCUSDT", Direction: Long, Entry: 100, StopLoss: 95, Targets: []float64{105, 110}, Risk: 0.01, Leverage: 10},
		},
		{
			name:   "valid short",
			signal: Signal{Symbol: "BTCUSDT", Direction: Short, Entry: 100, StopLoss: 105, Targets: []float64{95, 90}, Risk: 0.01, Leverage: 10},
		},
		{
			name:    "long stop above entry",
			signal:  Signal{Symbol: "BTCUSDT", Direction: Long, Entry: 100, StopLoss: 101, Targets: []float64{105}, Risk: 0.01, Leverage: 10},
			wantErr: true,
		},
		{
			name:    "stop inside the entry zone",
			signal:  Signal{Symbol: "BTCUSDT", Direction: Long, Entries: []float64{94, 100}, Entry: 100, StopLoss: 95, Targets: []float64{105}, Risk: 0.01, Leverage: 10},
			wantErr: true,
		},
		{
			name:    "targets not monotonic",
			signal:  Signal{Symbol: "BTCUSDT", Direction: Long, Entry: 100, StopLoss: 95, Targets: []float64{110, 105}, Risk: 0.01, Leverage: 10},
			wantErr: true,
		},
		{
			name:    "short target above entry",
			signal:  Signal{Symbol: "BTCUSDT", Direction: Short, Entry: 100, StopLoss: 105, Targets: []float64{101}, Risk: 0.01, Leverage: 10},
			wantErr: true,
		},
		{
			name:    "missing stop",
			signal:  Signal{Symbol: "BTCUSDT", Direction: Long, Entry: 100, Risk: 0.01, Leverage: 10},
			wantErr: true,
		},
		{
			name:    "risk out of range",
			signal:  Signal{Symbol: "BTCUSDT", Direction: Long, Entry: 100, StopLoss: 95, Risk: 1.5, Leverage: 10},
			wantErr: true,
		},
		{
			name:    "infinite target",
			signal:  Signal{Symbol: "BTCUSDT", Direction: Long, Entry: 100, StopLoss: 95, Targets: []float64{105, math.Inf(1)}, Risk: 0.01, Leverage: 10},
			wantErr: true,
		},
		{
			name:    "nan entry zone",
			signal:  Signal{Symbol: "BTCUSDT", Direction: Long, Entries: []float64{math.NaN()}, Entry: 100, StopLoss: 95, Risk: 0.01, Leverage: 10},
			wantErr: true,
		},
		{
			name:    "nan risk",
			signal:  Signal{Symbol: "BTCUSDT", Direction: Long, Entry: 100, StopLoss: 95, Risk: math.NaN(), Leverage: 10},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.signal.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSignal)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSignal_MaxEntry(t *testing.T) {
	s := &Signal{Direction: Long, Entry: 39793.5, Targets: []float64{40000}}
	assert.InDelta(t, 39834.8, s.MaxEntry(0.2), 1e-9)

	short := &Signal{Direction: Short, Entry: 100, Targets: []float64{90}}
	assert.InDelta(t, 98, short.MaxEntry(0.2), 1e-9)

	bare := &Signal{Direction: Long, Entry: 5}
	assert.Equal(t, 5.0, bare.MaxEntry(0.2))
}

func TestSignal_DedupKeyIgnoresProvider(t *testing.T) {
	a := &Signal{Symbol: "BTCUSDT", Direction: Long, StopLoss: 39792, Targets: []float64{40000}, Tag: "alpha"}
	b := &Signal{Symbol: "BTCUSDT", Direction: Long, StopLoss: 39792, Targets: []float64{40000}, Tag: "beta"}
	c := &Signal{Symbol: "BTCUSDT", Direction: Short, StopLoss: 41000, Targets: []float64{39000}, Tag: "alpha"}

	assert.Equal(t, a.DedupKey(), b.DedupKey())
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
}
