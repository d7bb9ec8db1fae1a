package usecase

import (
	"context"
	"math"
	"time"

	"github.com/vitos/hedge_trade_bot/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// rebalanceTolerance is the relative leg-size discrepancy below which the
// position is considered balanced.
const rebalanceTolerance = 0.001

// Rebalancer corrects residual size mismatch between the two legs after the
// graduated entry completes. Every failure here is logged and leaves the
// position unbalanced but valid and monitored; it never fails the saga.
type Rebalancer struct {
	logger *zap.Logger

	// settleDelay gives the correction order time to land before re-checking.
	settleDelay time.Duration
	sleep       func(time.Duration)
}

func NewRebalancer(logger *zap.Logger) *Rebalancer {
	return &Rebalancer{
		logger:      logger,
		settleDelay: 2 * time.Second,
		sleep:       time.Sleep,
	}
}

func (r *Rebalancer) Rebalance(ctx context.Context, pos *domain.ActivePosition) {
	symbol := pos.Config.Symbol

	primarySize, hedgeSize, err := r.legSizes(ctx, pos)
	if err != nil {
		r.logger.Warn("Rebalance skipped, size query failed",
			zap.String("position_id", pos.ID), zap.Error(err))
		return
	}
	if primarySize == 0 && hedgeSize == 0 {
		r.logger.Warn("Rebalance skipped, no live positions reported",
			zap.String("position_id", pos.ID))
		return
	}

	larger := math.Max(primarySize, hedgeSize)
	gap := math.Abs(primarySize - hedgeSize)
	if larger == 0 || gap/larger <= rebalanceTolerance {
		r.logger.Debug("Legs balanced within tolerance",
			zap.String("position_id", pos.ID),
			zap.Float64("primary_size", primarySize),
			zap.Float64("hedge_size", hedgeSize))
		return
	}

	under, underCfg := pos.Hedge, pos.Config.Hedge
	over, overCfg := pos.Primary, pos.Config.Primary
	if primarySize < hedgeSize {
		under, underCfg = pos.Primary, pos.Config.Primary
		over, overCfg = pos.Hedge, pos.Config.Hedge
	}

	r.logger.Info("Rebalancing legs",
		zap.String("position_id", pos.ID),
		zap.String("under_sized", under.Exchange()),
		zap.Float64("gap", gap))

	if r.canAddToLeg(ctx, under, symbol, larger) {
		// Enough margin on the under-sized leg: grow it by the gap.
		if _, err := under.Connector.PlaceMarketOrder(ctx, symbol, underCfg.Side, gap); err != nil {
			r.logger.Warn("Rebalance add order failed",
				zap.String("position_id", pos.ID),
				zap.String("exchange", under.Exchange()), zap.Error(err))
			return
		}
	} else {
		// Not enough balance to grow: shrink the over-sized leg instead.
		if _, err := over.Connector.PlaceMarketOrder(ctx, symbol, overCfg.Side.Opposite(), gap); err != nil {
			r.logger.Warn("Rebalance reduce order failed",
				zap.String("position_id", pos.ID),
				zap.String("exchange", over.Exchange()), zap.Error(err))
			return
		}
	}

	r.sleep(r.settleDelay)

	primarySize, hedgeSize, err = r.legSizes(ctx, pos)
	if err != nil {
		r.logger.Warn("Post-rebalance verification failed",
			zap.String("position_id", pos.ID), zap.Error(err))
		return
	}
	larger = math.Max(primarySize, hedgeSize)
	gap = math.Abs(primarySize - hedgeSize)
	within := larger > 0 && gap/larger <= rebalanceTolerance
	r.logger.Info("Rebalance result",
		zap.String("position_id", pos.ID),
		zap.Float64("primary_size", primarySize),
		zap.Float64("hedge_size", hedgeSize),
		zap.Bool("within_tolerance", within))
}

func (r *Rebalancer) legSizes(ctx context.Context, pos *domain.ActivePosition) (primarySize, hedgeSize float64, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var e error
		primarySize, e = legSize(gctx, pos.Primary, pos.Config.Symbol, pos.Config.Primary.Side)
		return e
	})
	g.Go(func() error {
		var e error
		hedgeSize, e = legSize(gctx, pos.Hedge, pos.Config.Symbol, pos.Config.Hedge.Side)
		return e
	})
	err = g.Wait()
	return primarySize, hedgeSize, err
}

// canAddToLeg checks whether the under-sized leg's account can carry the
// full entry notional of the position; only then is adding size (rather
// than reducing the other leg) safe.
func (r *Rebalancer) canAddToLeg(ctx context.Context, leg *domain.LegState, symbol string, targetSize float64) bool {
	balance, err := leg.Connector.GetAccountBalance(ctx)
	if err != nil {
		r.logger.Warn("Balance query failed, falling back to reduce",
			zap.String("exchange", leg.Exchange()), zap.Error(err))
		return false
	}
	price, err := leg.Connector.GetMarketPrice(ctx, symbol)
	if err != nil {
		r.logger.Warn("Price query failed, falling back to reduce",
			zap.String("exchange", leg.Exchange()), zap.Error(err))
		return false
	}
	return balance.AvailableBalance >= targetSize*price
}
