package usecase

import (
	"math"

	"github.com/pkg/errors"
	"github.com/vitos/hedge_trade_bot/internal/domain"
)

// SplitQuantity divides a requested coin quantity into equal sequential
// parts. The last part absorbs the floating point remainder so the parts
// always sum back to the total.
func SplitQuantity(total float64, parts int) []float64 {
	if parts <= 0 {
		parts = 1
	}
	per := total / float64(parts)
	out := make([]float64, parts)
	var acc float64
	for i := 0; i < parts-1; i++ {
		out[i] = per
		acc += per
	}
	out[parts-1] = total - acc
	return out
}

// SharedNotionalPart computes one per-part quantity shared by both legs so
// their notional value matches, aligned down to the coarser quantity step of
// the two contracts. Used by funding_farm/spot_futures strategies.
func SharedNotionalPart(primary, hedge *domain.ContractSpec, primaryQty, hedgeQty float64, parts int) (float64, error) {
	if primary == nil || hedge == nil {
		return 0, errors.New("contract specification missing")
	}
	if parts <= 0 {
		parts = 1
	}

	base := math.Min(primaryQty, hedgeQty) / float64(parts)

	step := math.Max(primary.QtyStep, hedge.QtyStep)
	if step > 0 {
		base = math.Floor(base/step) * step
	}
	if base <= 0 {
		return 0, errors.Errorf("per-part quantity %.10f collapses to zero at step %.10f", math.Min(primaryQty, hedgeQty)/float64(parts), step)
	}

	minQty := math.Max(primary.MinQty, hedge.MinQty)
	if minQty > 0 && base < minQty {
		return 0, errors.Errorf("per-part quantity %.10f below contract minimum %.10f", base, minQty)
	}
	return base, nil
}

// partQuantities resolves the per-part quantities for both legs from the
// strategy kind: coin-based independent division for combined/price_only,
// specification-aware shared notional parts for funding_farm/spot_futures.
// The caller supplies specs fetched from ContractSpecCapable connectors;
// nil specs (unsupported or failed lookups) fall back to coin-based division.
func partQuantities(cfg *domain.PositionConfig, primarySpec, hedgeSpec *domain.ContractSpec) (primaryParts, hedgeParts []float64) {
	switch cfg.Strategy {
	case domain.StrategyFundingFarm, domain.StrategySpotFutures:
		shared, err := SharedNotionalPart(primarySpec, hedgeSpec, cfg.Primary.Quantity, cfg.Hedge.Quantity, cfg.Parts)
		if err == nil {
			primaryParts = make([]float64, cfg.Parts)
			hedgeParts = make([]float64, cfg.Parts)
			for i := range primaryParts {
				primaryParts[i] = shared
				hedgeParts[i] = shared
			}
			return primaryParts, hedgeParts
		}
		// Fall back to coin-based division.
	}
	return SplitQuantity(cfg.Primary.Quantity, cfg.Parts), SplitQuantity(cfg.Hedge.Quantity, cfg.Parts)
}
