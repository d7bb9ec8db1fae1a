package usecase

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vitos/hedge_trade_bot/internal/domain"
	"github.com/vitos/hedge_trade_bot/internal/metrics"
	"go.uber.org/zap"
)

// fillDiscrepancyTolerance is the relative gap between the two legs' fills
// for one part above which a warning is logged.
const fillDiscrepancyTolerance = 0.001

// GraduatedEntryEngine drives the multi-part entry saga: for each part it
// places the primary order, then hedges it with the primary's confirmed fill.
// The per-part loop is intentionally sequential: the primary must fully
// commit before the hedge is attempted, and parts are never pipelined; the
// compensation logic depends on that ordering.
type GraduatedEntryEngine struct {
	repo   domain.PositionRepository
	bus    *domain.EventBus
	logger *zap.Logger

	rebalancer *Rebalancer
	tpsl       *TpSlSynchronizer
	monitor    *LiquidationMonitor

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func NewGraduatedEntryEngine(
	repo domain.PositionRepository,
	bus *domain.EventBus,
	logger *zap.Logger,
	rebalancer *Rebalancer,
	tpsl *TpSlSynchronizer,
	monitor *LiquidationMonitor,
) *GraduatedEntryEngine {
	return &GraduatedEntryEngine{
		repo:       repo,
		bus:        bus,
		logger:     logger,
		rebalancer: rebalancer,
		tpsl:       tpsl,
		monitor:    monitor,
		sleep:      time.Sleep,
	}
}

// Execute runs the saga to one of its terminal outcomes. All failures are
// handled internally and converted into error events; nothing propagates to
// the goroutine scheduler.
func (e *GraduatedEntryEngine) Execute(ctx context.Context, pos *domain.ActivePosition) {
	cfg := &pos.Config

	pos.SetStatus(domain.StatusExecuting)
	pos.Primary.Status = domain.LegExecuting
	pos.Hedge.Status = domain.LegExecuting
	e.persist(ctx, pos)

	primaryParts, hedgeParts := e.resolvePartQuantities(ctx, pos)

	for part := 1; part <= cfg.Parts; part++ {
		pos.CurrentPart = part
		e.bus.Publish(domain.Event{
			Type:       domain.EventPartExecuting,
			PositionID: pos.ID,
			PartNumber: part,
			TotalParts: cfg.Parts,
		})

		primaryRes, err := pos.Primary.Connector.PlaceMarketOrder(ctx, cfg.Symbol, cfg.Primary.Side, primaryParts[part-1])
		if err != nil {
			if IsValidationError(err) {
				// The only failure path guaranteed to have opened nothing
				// for this part: abort before any hedge order exists.
				e.failValidation(ctx, pos, part, err)
				return
			}
			e.fail(ctx, pos, part, domain.SourcePrimary,
				fmt.Sprintf("primary order failed on %s: %v", pos.Primary.Exchange(), err))
			return
		}
		metrics.OrdersPlaced.WithLabelValues(pos.Primary.Exchange(), string(cfg.Primary.Side)).Inc()

		// Hedge with what actually filled, not what we asked for, so
		// slippage and partial fills on the primary are mirrored exactly.
		hedgeQty := primaryRes.FilledQuantity
		if hedgeQty <= 0 {
			hedgeQty = hedgeParts[part-1]
		}

		hedgeRes, err := pos.Hedge.Connector.PlaceMarketOrder(ctx, cfg.Symbol, cfg.Hedge.Side, hedgeQty)
		if err != nil {
			e.compensate(ctx, pos, part, primaryRes, err)
			return
		}
		metrics.OrdersPlaced.WithLabelValues(pos.Hedge.Exchange(), string(cfg.Hedge.Side)).Inc()

		e.recordFills(pos, part, primaryRes, hedgeRes)
		e.persist(ctx, pos)
		metrics.PartsCompleted.Inc()

		e.bus.Publish(domain.Event{
			Type:           domain.EventPartCompleted,
			PositionID:     pos.ID,
			PartNumber:     part,
			TotalParts:     cfg.Parts,
			PrimaryOrderID: primaryRes.OrderID,
			HedgeOrderID:   hedgeRes.OrderID,
			PrimaryFilled:  primaryRes.FilledQuantity,
			HedgeFilled:    hedgeRes.FilledQuantity,
		})

		if part == cfg.Parts-1 {
			e.verifyLegSizes(ctx, pos)
		}
		if part < cfg.Parts {
			e.sleep(cfg.PartDelay)
		}
	}

	e.complete(ctx, pos)
}

// resolvePartQuantities applies the quantity balancer, querying contract
// specifications when the strategy is notional-balanced. Spec lookups are
// best-effort; the balancer falls back to coin-based division without them.
func (e *GraduatedEntryEngine) resolvePartQuantities(ctx context.Context, pos *domain.ActivePosition) ([]float64, []float64) {
	cfg := &pos.Config
	var primarySpec, hedgeSpec *domain.ContractSpec

	if cfg.Strategy == domain.StrategyFundingFarm || cfg.Strategy == domain.StrategySpotFutures {
		primarySpec = e.contractSpec(ctx, pos.Primary, cfg.Symbol)
		hedgeSpec = e.contractSpec(ctx, pos.Hedge, cfg.Symbol)
	}
	return partQuantities(cfg, primarySpec, hedgeSpec)
}

func (e *GraduatedEntryEngine) contractSpec(ctx context.Context, leg *domain.LegState, symbol string) *domain.ContractSpec {
	capable, ok := leg.Connector.(domain.ContractSpecCapable)
	if !ok {
		e.logger.Debug("Connector has no contract specifications, using coin-based split",
			zap.String("exchange", leg.Exchange()))
		return nil
	}
	spec, err := capable.GetContractSpecification(ctx, symbol)
	if err != nil {
		e.logger.Warn("Contract specification lookup failed, using coin-based split",
			zap.String("exchange", leg.Exchange()), zap.Error(err))
		return nil
	}
	return spec
}

func (e *GraduatedEntryEngine) recordFills(pos *domain.ActivePosition, part int, primaryRes, hedgeRes *domain.OrderResult) {
	pos.Primary.FilledQuantity += primaryRes.FilledQuantity
	pos.Primary.OrderIDs = append(pos.Primary.OrderIDs, primaryRes.OrderID)
	pos.Hedge.FilledQuantity += hedgeRes.FilledQuantity
	pos.Hedge.OrderIDs = append(pos.Hedge.OrderIDs, hedgeRes.OrderID)

	if primaryRes.FilledQuantity > 0 {
		disc := math.Abs(primaryRes.FilledQuantity-hedgeRes.FilledQuantity) / primaryRes.FilledQuantity
		if disc >= fillDiscrepancyTolerance {
			e.logger.Warn("Leg fill discrepancy above tolerance",
				zap.String("position_id", pos.ID),
				zap.Int("part", part),
				zap.Float64("primary_filled", primaryRes.FilledQuantity),
				zap.Float64("hedge_filled", hedgeRes.FilledQuantity),
				zap.Float64("discrepancy", disc))
		} else {
			e.logger.Debug("Part fills recorded",
				zap.String("position_id", pos.ID),
				zap.Int("part", part),
				zap.Float64("discrepancy", disc))
		}
	}
}

// verifyLegSizes queries both legs' live sizes before the final part and
// logs the gap as a diagnostic. Purely informational: it never adjusts the
// remaining part and its failures never abort the saga.
func (e *GraduatedEntryEngine) verifyLegSizes(ctx context.Context, pos *domain.ActivePosition) {
	primarySize, err1 := legSize(ctx, pos.Primary, pos.Config.Symbol, pos.Config.Primary.Side)
	hedgeSize, err2 := legSize(ctx, pos.Hedge, pos.Config.Symbol, pos.Config.Hedge.Side)
	if err1 != nil || err2 != nil {
		e.logger.Debug("Pre-final-part verification skipped",
			zap.String("position_id", pos.ID),
			zap.NamedError("primary_err", err1),
			zap.NamedError("hedge_err", err2))
		return
	}
	if primarySize > 0 {
		gap := math.Abs(primarySize-hedgeSize) / primarySize
		e.logger.Info("Pre-final-part leg sizes",
			zap.String("position_id", pos.ID),
			zap.Float64("primary_size", primarySize),
			zap.Float64("hedge_size", hedgeSize),
			zap.Float64("gap", gap))
	}
}

func (e *GraduatedEntryEngine) complete(ctx context.Context, pos *domain.ActivePosition) {
	cfg := &pos.Config
	pos.Primary.Status = domain.LegCompleted
	pos.Hedge.Status = domain.LegCompleted

	// Best effort: a missing entry price skips the TP/SL sync but never
	// fails the saga; the liquidation monitor still protects the position.
	primaryEntry := e.entryPrice(ctx, pos.Primary, cfg.Symbol, cfg.Primary.Side)
	hedgeEntry := e.entryPrice(ctx, pos.Hedge, cfg.Symbol, cfg.Hedge.Side)
	pos.Primary.EntryPrice = primaryEntry
	pos.Hedge.EntryPrice = hedgeEntry

	e.rebalancer.Rebalance(ctx, pos)

	if primaryEntry > 0 && hedgeEntry > 0 {
		if err := e.tpsl.Sync(ctx, pos, primaryEntry, hedgeEntry); err != nil {
			e.logger.Warn("TP/SL sync failed, position remains monitored",
				zap.String("position_id", pos.ID), zap.Error(err))
		}
	} else {
		e.logger.Warn("Entry prices unavailable, skipping TP/SL sync",
			zap.String("position_id", pos.ID),
			zap.Float64("primary_entry", primaryEntry),
			zap.Float64("hedge_entry", hedgeEntry))
	}

	pos.SetStatus(domain.StatusActive)
	pos.CompletedAt = timePtr(time.Now())
	e.persist(ctx, pos)

	e.bus.Publish(domain.Event{
		Type:          domain.EventPositionCompleted,
		PositionID:    pos.ID,
		PrimaryFilled: pos.Primary.FilledQuantity,
		HedgeFilled:   pos.Hedge.FilledQuantity,
		PrimaryOrders: append([]string(nil), pos.Primary.OrderIDs...),
		HedgeOrders:   append([]string(nil), pos.Hedge.OrderIDs...),
	})

	e.logger.Info("Graduated entry complete",
		zap.String("position_id", pos.ID),
		zap.Float64("primary_filled", pos.Primary.FilledQuantity),
		zap.Float64("hedge_filled", pos.Hedge.FilledQuantity))

	e.monitor.Start(pos)
}

func (e *GraduatedEntryEngine) entryPrice(ctx context.Context, leg *domain.LegState, symbol string, side domain.Side) float64 {
	positions, err := leg.Connector.GetPositions(ctx, symbol)
	if err != nil {
		e.logger.Warn("Entry price fetch failed",
			zap.String("exchange", leg.Exchange()), zap.Error(err))
		return 0
	}
	if p := findLegPosition(positions, symbol, side); p != nil {
		return p.EntryPrice
	}
	return 0
}

// compensate handles the critical case: the primary order for this part
// committed but the hedge failed, leaving an unhedged exposure. We attempt
// exactly one synchronous close of the primary leg and report which outcome
// occurred; ambiguity here means an operator does not know whether an
// unhedged position is open.
func (e *GraduatedEntryEngine) compensate(ctx context.Context, pos *domain.ActivePosition, part int, primaryRes *domain.OrderResult, hedgeErr error) {
	cfg := &pos.Config
	pos.Primary.FilledQuantity += primaryRes.FilledQuantity
	pos.Primary.OrderIDs = append(pos.Primary.OrderIDs, primaryRes.OrderID)

	e.logger.Error("Hedge order failed, closing primary leg",
		zap.String("position_id", pos.ID),
		zap.Int("part", part),
		zap.String("hedge_exchange", pos.Hedge.Exchange()),
		zap.Error(hedgeErr))

	var msg string
	if closeErr := pos.Primary.Connector.ClosePosition(ctx, cfg.Symbol); closeErr != nil {
		msg = fmt.Sprintf("hedge order failed on %s: %v; %s position open, close manually: %v",
			pos.Hedge.Exchange(), hedgeErr, pos.Primary.Exchange(), closeErr)
	} else {
		msg = fmt.Sprintf("hedge order failed on %s: %v; %s position closed automatically",
			pos.Hedge.Exchange(), hedgeErr, pos.Primary.Exchange())
	}

	metrics.EntryFailures.WithLabelValues(string(ErrClassCompensated)).Inc()
	pos.Primary.Status = domain.LegError
	pos.Hedge.Status = domain.LegError
	pos.Primary.ErrorMsg = msg
	pos.Hedge.ErrorMsg = hedgeErr.Error()
	pos.ErrorMsg = msg
	pos.SetStatus(domain.StatusError)
	e.persist(ctx, pos)

	e.bus.Publish(domain.Event{
		Type:       domain.EventError,
		PositionID: pos.ID,
		PartNumber: part,
		Err:        msg,
		Source:     domain.SourceHedge,
	})
}

func (e *GraduatedEntryEngine) failValidation(ctx context.Context, pos *domain.ActivePosition, part int, err error) {
	msg := fmt.Sprintf("order rejected by %s: %v", pos.Primary.Exchange(), err)
	e.logger.Error("Primary order rejected, nothing opened for this part",
		zap.String("position_id", pos.ID),
		zap.Int("part", part),
		zap.Error(err))

	metrics.EntryFailures.WithLabelValues(string(ErrClassValidation)).Inc()
	pos.Primary.Status = domain.LegError
	pos.Hedge.Status = domain.LegError
	pos.Primary.ErrorMsg = msg
	pos.ErrorMsg = msg
	pos.SetStatus(domain.StatusError)
	e.persist(ctx, pos)

	e.bus.Publish(domain.Event{
		Type:       domain.EventError,
		PositionID: pos.ID,
		PartNumber: part,
		Err:        msg,
		Source:     domain.SourcePrimary,
	})
}

func (e *GraduatedEntryEngine) fail(ctx context.Context, pos *domain.ActivePosition, part int, source domain.ErrorSource, msg string) {
	metrics.EntryFailures.WithLabelValues(string(ErrClassUnknown)).Inc()
	pos.Primary.Status = domain.LegError
	pos.Hedge.Status = domain.LegError
	pos.ErrorMsg = msg
	pos.SetStatus(domain.StatusError)
	e.persist(ctx, pos)

	e.bus.Publish(domain.Event{
		Type:       domain.EventError,
		PositionID: pos.ID,
		PartNumber: part,
		Err:        msg,
		Source:     source,
	})
}

// persist writes the current position state to the durable store. Write
// failures are logged, not propagated: the in-memory state stays the
// operational truth for the rest of the saga.
func (e *GraduatedEntryEngine) persist(ctx context.Context, pos *domain.ActivePosition) {
	if err := e.repo.UpdatePosition(ctx, positionToRecord(pos)); err != nil {
		e.logger.Error("Failed to persist position state",
			zap.String("position_id", pos.ID), zap.Error(err))
	}
}

func legSize(ctx context.Context, leg *domain.LegState, symbol string, side domain.Side) (float64, error) {
	positions, err := leg.Connector.GetPositions(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if p := findLegPosition(positions, symbol, side); p != nil {
		return p.Size, nil
	}
	return 0, nil
}
