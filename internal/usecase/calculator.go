package usecase

import (
	"github.com/vitos/hedge_trade_bot/internal/domain"
)

const (
	// maintenanceMarginRate approximates the isolated-margin maintenance
	// requirement shared by the supported perpetual contracts.
	maintenanceMarginRate = 0.005

	// stopLossDistanceFraction places the stop loss at this fraction of the
	// entry-to-liquidation distance, so the stop always fires before the
	// exchange forces a close.
	stopLossDistanceFraction = 0.8

	// fundingHorizonHours is how long the funding-aware variant expects the
	// position to be held when pricing the funding edge into the levels.
	fundingHorizonHours = 24
)

// LiquidationPrice computes the approximate liquidation price for an
// isolated position from its entry price, leverage and side.
func LiquidationPrice(entryPrice float64, leverage int, side domain.Side) float64 {
	if entryPrice <= 0 || leverage <= 0 {
		return 0
	}
	margin := 1.0/float64(leverage) - maintenanceMarginRate
	if margin < 0 {
		margin = 0
	}
	if side == domain.SideLong {
		return entryPrice * (1 - margin)
	}
	return entryPrice * (1 + margin)
}

// ProtectiveLevels are the synchronized stop-loss/take-profit prices for
// both legs. The invariant is that one leg's stop loss equals the other
// leg's take profit, so both legs exit together.
type ProtectiveLevels struct {
	PrimaryStopLoss   float64
	PrimaryTakeProfit float64
	HedgeStopLoss     float64
	HedgeTakeProfit   float64
}

// SyncedTpSl computes mirrored protective levels for both legs. The default
// variant derives each leg's stop loss from its liquidation distance; when
// both legs carry hourly funding rates, the stop distances are widened by
// the funding edge expected over the holding horizon, letting a profitable
// funding position breathe further before exiting.
func SyncedTpSl(cfg *domain.PositionConfig, primaryEntry, hedgeEntry float64) ProtectiveLevels {
	primarySL := stopLossFor(primaryEntry, cfg.Primary.Leverage, cfg.Primary.Side)
	hedgeSL := stopLossFor(hedgeEntry, cfg.Hedge.Leverage, cfg.Hedge.Side)

	if cfg.PrimaryFundingRate != 0 && cfg.HedgeFundingRate != 0 {
		edge := fundingEdge(cfg)
		if edge > 0 {
			primarySL = widenStop(primaryEntry, primarySL, cfg.Primary.Side, edge)
			hedgeSL = widenStop(hedgeEntry, hedgeSL, cfg.Hedge.Side, edge)
		}
	}

	return ProtectiveLevels{
		PrimaryStopLoss:   primarySL,
		PrimaryTakeProfit: hedgeSL,
		HedgeStopLoss:     hedgeSL,
		HedgeTakeProfit:   primarySL,
	}
}

func stopLossFor(entry float64, leverage int, side domain.Side) float64 {
	liq := LiquidationPrice(entry, leverage, side)
	if liq == 0 {
		return 0
	}
	if side == domain.SideLong {
		return entry - (entry-liq)*stopLossDistanceFraction
	}
	return entry + (liq-entry)*stopLossDistanceFraction
}

// fundingEdge is the net hourly funding collected by the pair, accrued over
// the holding horizon, expressed as a price fraction. Positive means the
// pair earns funding net.
func fundingEdge(cfg *domain.PositionConfig) float64 {
	net := legFundingIncome(cfg.Primary.Side, cfg.PrimaryFundingRate) +
		legFundingIncome(cfg.Hedge.Side, cfg.HedgeFundingRate)
	return net * fundingHorizonHours
}

// legFundingIncome: shorts collect positive funding, longs pay it.
func legFundingIncome(side domain.Side, hourlyRate float64) float64 {
	if side == domain.SideShort {
		return hourlyRate
	}
	return -hourlyRate
}

func widenStop(entry, stop float64, side domain.Side, edge float64) float64 {
	if side == domain.SideLong {
		return stop * (1 - edge)
	}
	return stop * (1 + edge)
}
