package usecase

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/hedge_trade_bot/internal/domain"
)

func TestSplitQuantity(t *testing.T) {
	tests := []struct {
		name  string
		total float64
		parts int
		want  []float64
	}{
		{"even split", 1.0, 4, []float64{0.25, 0.25, 0.25, 0.25}},
		{"single part", 0.5, 1, []float64{0.5}},
		{"zero parts treated as one", 0.3, 0, []float64{0.3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitQuantity(tt.total, tt.parts)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.InDelta(t, tt.want[i], got[i], 1e-12)
			}
		})
	}
}

func TestSplitQuantitySumsToTotal(t *testing.T) {
	// 0.1 is not exactly representable; the last part absorbs the drift.
	parts := SplitQuantity(0.1, 3)
	var sum float64
	for _, p := range parts {
		sum += p
	}
	assert.Equal(t, 0.1, sum)
}

func TestSharedNotionalPart(t *testing.T) {
	primary := &domain.ContractSpec{Symbol: "BTCUSDT", QtyStep: 0.001, MinQty: 0.001}
	hedge := &domain.ContractSpec{Symbol: "BTC-USDT", QtyStep: 0.01, MinQty: 0.01}

	t.Run("aligned to coarser step", func(t *testing.T) {
		got, err := SharedNotionalPart(primary, hedge, 0.5, 0.55, 4)
		require.NoError(t, err)
		// min(0.5, 0.55)/4 = 0.125, floored to 0.01 step.
		assert.InDelta(t, 0.12, got, 1e-12)
	})

	t.Run("missing spec", func(t *testing.T) {
		_, err := SharedNotionalPart(nil, hedge, 0.5, 0.5, 4)
		require.Error(t, err)
	})

	t.Run("below contract minimum", func(t *testing.T) {
		_, err := SharedNotionalPart(primary, hedge, 0.02, 0.02, 4)
		require.Error(t, err)
	})
}

func TestPartQuantitiesByStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.Parts = 4
	cfg.Primary.Quantity = 0.4
	cfg.Hedge.Quantity = 0.4

	t.Run("combined divides each leg independently", func(t *testing.T) {
		cfg := cfg
		cfg.Strategy = domain.StrategyCombined
		primaryParts, hedgeParts := partQuantities(&cfg, nil, nil)
		require.Len(t, primaryParts, 4)
		require.Len(t, hedgeParts, 4)
		assert.InDelta(t, 0.1, primaryParts[0], 1e-12)
		assert.InDelta(t, 0.1, hedgeParts[0], 1e-12)
	})

	t.Run("funding_farm shares one spec-aligned quantity", func(t *testing.T) {
		cfg := cfg
		cfg.Strategy = domain.StrategyFundingFarm
		spec := &domain.ContractSpec{QtyStep: 0.03, MinQty: 0.03}
		primaryParts, hedgeParts := partQuantities(&cfg, spec, spec)
		require.Len(t, primaryParts, 4)
		for i := range primaryParts {
			assert.Equal(t, primaryParts[i], hedgeParts[i])
			assert.InDelta(t, 0.09, primaryParts[i], 1e-12)
		}
	})

	t.Run("funding_farm without specs falls back to coin split", func(t *testing.T) {
		cfg := cfg
		cfg.Strategy = domain.StrategyFundingFarm
		primaryParts, _ := partQuantities(&cfg, nil, nil)
		var sum float64
		for _, p := range primaryParts {
			sum += p
		}
		assert.True(t, math.Abs(sum-0.4) < 1e-9)
	})
}
