package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/hedge_trade_bot/internal/domain"
)

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTCUSDT", "BTCUSDT"},
		{"BTC-USDT", "BTCUSDT"},
		{"btc/usdt", "BTCUSDT"},
		{"BTC_USDT", "BTCUSDT"},
		{"BTC/USDT:USDT", "BTCUSDTUSDT"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeSymbol(tt.in), tt.in)
	}
}

func TestNormalizeSide(t *testing.T) {
	tests := []struct {
		in   string
		want domain.Side
	}{
		{"Buy", domain.SideLong},
		{"sell", domain.SideShort},
		{"LONG", domain.SideLong},
		{"short", domain.SideShort},
		{"1", domain.SideLong},
		{"2", domain.SideShort},
		{"Both", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeSide(tt.in), tt.in)
	}
}

func TestFindLegPosition(t *testing.T) {
	positions := []domain.ExchangePosition{
		{Symbol: "ETH-USDT", Side: "LONG", Size: 1.5, EntryPrice: 3000},
		{Symbol: "BTC-USDT", Side: "SHORT", Size: 0, EntryPrice: 0},
		{Symbol: "BTC-USDT", Side: "LONG", Size: 0.5, EntryPrice: 60000},
	}

	t.Run("matches across symbol formats and side spellings", func(t *testing.T) {
		got := findLegPosition(positions, "BTCUSDT", domain.SideLong)
		require.NotNil(t, got)
		assert.Equal(t, 0.5, got.Size)
		assert.Equal(t, 60000.0, got.EntryPrice)
	})

	t.Run("zero size is no position", func(t *testing.T) {
		got := findLegPosition(positions, "BTCUSDT", domain.SideShort)
		assert.Nil(t, got)
	})

	t.Run("unknown symbol", func(t *testing.T) {
		got := findLegPosition(positions, "SOLUSDT", domain.SideLong)
		assert.Nil(t, got)
	})

	t.Run("unparseable side matches any", func(t *testing.T) {
		odd := []domain.ExchangePosition{{Symbol: "BTCUSDT", Side: "Both", Size: 0.3}}
		got := findLegPosition(odd, "BTCUSDT", domain.SideShort)
		require.NotNil(t, got)
		assert.Equal(t, 0.3, got.Size)
	})
}
