package usecase

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vitos/hedge_trade_bot/internal/domain"
	"go.uber.org/zap"
)

// TpSlSynchronizer places mirrored protective stops on both legs so they
// exit together: the primary's stop loss sits at the hedge's take profit
// and vice versa.
type TpSlSynchronizer struct {
	logger *zap.Logger
}

func NewTpSlSynchronizer(logger *zap.Logger) *TpSlSynchronizer {
	return &TpSlSynchronizer{logger: logger}
}

// Sync computes the synchronized levels from both legs' confirmed entry
// prices and places them on every leg whose connector supports protective
// stops. At least one leg must succeed; both failing is an error. Callers in
// the entry flow catch and log it, monitoring continues regardless.
func (t *TpSlSynchronizer) Sync(ctx context.Context, pos *domain.ActivePosition, primaryEntry, hedgeEntry float64) error {
	if primaryEntry <= 0 || hedgeEntry <= 0 {
		return errors.New("entry prices required for tp/sl sync")
	}

	levels := SyncedTpSl(&pos.Config, primaryEntry, hedgeEntry)

	placed := 0
	placed += t.place(ctx, pos, pos.Primary, pos.Config.Primary.Side, levels.PrimaryTakeProfit, levels.PrimaryStopLoss)
	placed += t.place(ctx, pos, pos.Hedge, pos.Config.Hedge.Side, levels.HedgeTakeProfit, levels.HedgeStopLoss)

	if placed == 0 {
		return errors.Errorf("failed to place protective stops on both legs (%s, %s)",
			pos.Primary.Exchange(), pos.Hedge.Exchange())
	}
	t.logger.Info("Protective stops synchronized",
		zap.String("position_id", pos.ID),
		zap.Int("legs_protected", placed),
		zap.Float64("primary_sl", levels.PrimaryStopLoss),
		zap.Float64("primary_tp", levels.PrimaryTakeProfit))
	return nil
}

func (t *TpSlSynchronizer) place(ctx context.Context, pos *domain.ActivePosition, leg *domain.LegState, side domain.Side, takeProfit, stopLoss float64) int {
	capable, ok := leg.Connector.(domain.TradingStopCapable)
	if !ok {
		t.logger.Info("Connector does not support protective stops",
			zap.String("position_id", pos.ID),
			zap.String("exchange", leg.Exchange()))
		return 0
	}
	// "Already set / not modified" responses are absorbed by the adapters.
	err := capable.SetTradingStop(ctx, domain.TradingStopParams{
		Symbol:     pos.Config.Symbol,
		Side:       side,
		TakeProfit: takeProfit,
		StopLoss:   stopLoss,
	})
	if err != nil {
		t.logger.Warn("Protective stop placement failed",
			zap.String("position_id", pos.ID),
			zap.String("exchange", leg.Exchange()), zap.Error(err))
		return 0
	}
	return 1
}
