package usecase

import (
	"strings"

	"github.com/vitos/hedge_trade_bot/internal/domain"
)

// NormalizeSymbol strips the separators exchanges disagree on and uppercases,
// so BTC-USDT, btc/usdt and BTC_USDT:USDT all compare equal to BTCUSDT.
func NormalizeSymbol(symbol string) string {
	r := strings.NewReplacer("-", "", "/", "", ":", "", "_", "")
	return strings.ToUpper(r.Replace(symbol))
}

// NormalizeSide maps the side spellings seen across exchange position
// payloads (Buy/Sell, long/short, LONG/SHORT, 1/2) onto domain sides.
func NormalizeSide(side string) domain.Side {
	switch strings.ToLower(strings.TrimSpace(side)) {
	case "buy", "long", "1":
		return domain.SideLong
	case "sell", "short", "2":
		return domain.SideShort
	}
	return ""
}

// findLegPosition picks the live exchange position matching symbol and side
// out of a connector's GetPositions response. Returns nil when the exchange
// reports no such position (or zero size).
func findLegPosition(positions []domain.ExchangePosition, symbol string, side domain.Side) *domain.ExchangePosition {
	want := NormalizeSymbol(symbol)
	for i := range positions {
		p := &positions[i]
		if NormalizeSymbol(p.Symbol) != want {
			continue
		}
		if s := NormalizeSide(p.Side); s != "" && s != side {
			continue
		}
		if p.Size == 0 {
			continue
		}
		return p
	}
	return nil
}
