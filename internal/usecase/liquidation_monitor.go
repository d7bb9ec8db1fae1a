package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/hedge_trade_bot/internal/domain"
	"github.com/vitos/hedge_trade_bot/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// monitorThrottle caps evaluations at one per second per position, no
	// matter how many ticks arrive.
	monitorThrottle = time.Second

	// pollInterval is the fallback cadence when stream subscription fails.
	pollInterval = 5 * time.Second

	// liquidationPriceBuffer: a leg's market price must have crossed its
	// computed liquidation price within this buffer before a missing
	// position is believed to be a liquidation.
	liquidationPriceBuffer = 0.02
)

// LiquidationMonitor watches both legs of every active position and closes
// the surviving leg when one side is liquidated. A leg is considered
// liquidated only when the exchange reports no open position AND its market
// price has crossed the computed liquidation price with a 2% buffer; a bare
// "no position" response (a transient API hiccup) never triggers
// compensation.
type LiquidationMonitor struct {
	repo   domain.PositionRepository
	bus    *domain.EventBus
	logger *zap.Logger

	// remove detaches a position from the supervisor's in-memory index;
	// called only after the durable store reflects the terminal status.
	remove func(positionID string)

	mu       sync.Mutex
	watchers map[string]*positionWatcher

	// pollEvery and throttle are shortened in tests.
	pollEvery time.Duration
	throttle  time.Duration
}

type positionWatcher struct {
	pos      *domain.ActivePosition
	stopCh   chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	lastEval time.Time
	busy     bool
}

func NewLiquidationMonitor(repo domain.PositionRepository, bus *domain.EventBus, logger *zap.Logger, remove func(positionID string)) *LiquidationMonitor {
	return &LiquidationMonitor{
		repo:      repo,
		bus:       bus,
		logger:    logger,
		remove:    remove,
		watchers:  make(map[string]*positionWatcher),
		pollEvery: pollInterval,
		throttle:  monitorThrottle,
	}
}

// Start begins supervising a position: live price/mark-price streams where
// the connectors support them, fixed-interval polling otherwise, plus an
// immediate first check either way.
func (m *LiquidationMonitor) Start(pos *domain.ActivePosition) {
	w := &positionWatcher{
		pos:    pos,
		stopCh: make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.watchers[pos.ID]; exists {
		m.mu.Unlock()
		return
	}
	m.watchers[pos.ID] = w
	m.mu.Unlock()

	streamsOK := m.subscribeLeg(w, pos.Primary) && m.subscribeLeg(w, pos.Hedge)

	go m.maybeEvaluate(w)

	if !streamsOK {
		m.logger.Info("Stream subscription unavailable, polling",
			zap.String("position_id", pos.ID),
			zap.Duration("interval", m.pollEvery))
		go m.pollLoop(w)
	}

	m.logger.Info("Liquidation monitor started",
		zap.String("position_id", pos.ID),
		zap.Bool("streaming", streamsOK))
}

// subscribeLeg wires price (and, where supported, mark-price) ticks for one
// leg into the throttled evaluation. Returns false when no live price feed
// could be established for the leg.
func (m *LiquidationMonitor) subscribeLeg(w *positionWatcher, leg *domain.LegState) bool {
	symbol := w.pos.Config.Symbol
	ok := false

	if capable, isCapable := leg.Connector.(domain.PriceStreamCapable); isCapable {
		unsub, err := capable.SubscribeToPriceStream(symbol, func(price float64, ts time.Time) {
			m.maybeEvaluate(w)
		})
		if err != nil {
			m.logger.Warn("Price stream subscription failed",
				zap.String("position_id", w.pos.ID),
				zap.String("exchange", leg.Exchange()), zap.Error(err))
		} else {
			leg.Unsubscribers = append(leg.Unsubscribers, unsub)
			ok = true
		}
	}

	if capable, isCapable := leg.Connector.(domain.MarkPriceStreamCapable); isCapable {
		unsub, err := capable.SubscribeToMarkPriceStream(symbol, func(price float64, ts time.Time) {
			m.maybeEvaluate(w)
		})
		if err != nil {
			m.logger.Debug("Mark price stream subscription failed",
				zap.String("position_id", w.pos.ID),
				zap.String("exchange", leg.Exchange()), zap.Error(err))
		} else {
			leg.Unsubscribers = append(leg.Unsubscribers, unsub)
		}
	}
	return ok
}

// Stop tears down all live streams and the poll loop for a position. Called
// by the supervisor before it issues its own closing orders, so the monitor
// never reacts to those as liquidations.
func (m *LiquidationMonitor) Stop(positionID string) {
	m.mu.Lock()
	w, ok := m.watchers[positionID]
	delete(m.watchers, positionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	unsubscribeLeg(w.pos.Primary)
	unsubscribeLeg(w.pos.Hedge)
}

func unsubscribeLeg(leg *domain.LegState) {
	for _, unsub := range leg.Unsubscribers {
		unsub()
	}
	leg.Unsubscribers = nil
}

func (m *LiquidationMonitor) pollLoop(w *positionWatcher) {
	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.pos.GetStatus() != domain.StatusActive {
				return
			}
			m.maybeEvaluate(w)
		}
	}
}

// maybeEvaluate runs one evaluation unless another ran within the throttle
// window or is still in flight.
func (m *LiquidationMonitor) maybeEvaluate(w *positionWatcher) {
	w.mu.Lock()
	if w.busy || time.Since(w.lastEval) < m.throttle {
		w.mu.Unlock()
		return
	}
	w.busy = true
	w.lastEval = time.Now()
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
	}()

	// Per-tick errors are swallowed: a missed check is preferred over a
	// crashed monitor.
	m.evaluate(context.Background(), w)
}

func (m *LiquidationMonitor) evaluate(ctx context.Context, w *positionWatcher) {
	pos := w.pos
	if pos.GetStatus() != domain.StatusActive {
		return
	}
	cfg := &pos.Config
	pos.LastCheckAt = time.Now()

	var primaryLive, hedgeLive *domain.ExchangePosition
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		positions, err := pos.Primary.Connector.GetPositions(gctx, cfg.Symbol)
		if err != nil {
			return err
		}
		primaryLive = findLegPosition(positions, cfg.Symbol, cfg.Primary.Side)
		return nil
	})
	g.Go(func() error {
		positions, err := pos.Hedge.Connector.GetPositions(gctx, cfg.Symbol)
		if err != nil {
			return err
		}
		hedgeLive = findLegPosition(positions, cfg.Symbol, cfg.Hedge.Side)
		return nil
	})
	if err := g.Wait(); err != nil {
		m.logger.Debug("Monitor position query failed, skipping check",
			zap.String("position_id", pos.ID), zap.Error(err))
		return
	}

	primaryGone := primaryLive == nil
	hedgeGone := hedgeLive == nil
	if !primaryGone && !hedgeGone {
		return
	}

	primaryLiquidated := primaryGone && m.priceCrossedLiquidation(ctx, pos.Primary, cfg.Symbol, cfg.Primary.Side, cfg.Primary.Leverage)
	hedgeLiquidated := hedgeGone && m.priceCrossedLiquidation(ctx, pos.Hedge, cfg.Symbol, cfg.Hedge.Side, cfg.Hedge.Leverage)

	if !primaryLiquidated && !hedgeLiquidated {
		// The conjunctive rule: a missing position whose price never
		// reached the liquidation zone is treated as an API hiccup, not
		// a liquidation.
		m.logger.Warn("Leg reported no position but price has not crossed liquidation threshold, ignoring",
			zap.String("position_id", pos.ID),
			zap.Bool("primary_missing", primaryGone),
			zap.Bool("hedge_missing", hedgeGone))
		return
	}

	// Re-check registration: a concurrent stop/emergency-close unsubscribed
	// us and owns the position now.
	m.mu.Lock()
	_, registered := m.watchers[pos.ID]
	m.mu.Unlock()
	if !registered {
		return
	}

	switch {
	case primaryLiquidated && hedgeLiquidated:
		m.finalize(ctx, pos, "both",
			fmt.Sprintf("both legs liquidated (%s, %s); no surviving position to close",
				pos.Primary.Exchange(), pos.Hedge.Exchange()))
	case primaryLiquidated:
		m.closeSurvivorAndFinalize(ctx, pos, "primary", pos.Primary, pos.Hedge)
	default:
		m.closeSurvivorAndFinalize(ctx, pos, "hedge", pos.Hedge, pos.Primary)
	}
}

// priceCrossedLiquidation checks condition (b) of the confirmation rule:
// the leg's current market price has crossed its computed liquidation price
// with the 2% buffer (long: price <= liq*1.02; short: price >= liq*0.98).
func (m *LiquidationMonitor) priceCrossedLiquidation(ctx context.Context, leg *domain.LegState, symbol string, side domain.Side, leverage int) bool {
	if leg.EntryPrice <= 0 {
		m.logger.Warn("No stored entry price, cannot confirm liquidation",
			zap.String("exchange", leg.Exchange()))
		return false
	}
	liq := LiquidationPrice(leg.EntryPrice, leverage, side)
	if liq <= 0 {
		return false
	}
	price, err := leg.Connector.GetMarketPrice(ctx, symbol)
	if err != nil {
		m.logger.Debug("Market price query failed during liquidation check",
			zap.String("exchange", leg.Exchange()), zap.Error(err))
		return false
	}
	if side == domain.SideLong {
		return price <= liq*(1+liquidationPriceBuffer)
	}
	return price >= liq*(1-liquidationPriceBuffer)
}

func (m *LiquidationMonitor) closeSurvivorAndFinalize(ctx context.Context, pos *domain.ActivePosition, liquidatedLeg string, liquidated, survivor *domain.LegState) {
	// Streams down first so the survivor's close is not observed as
	// another liquidation.
	m.Stop(pos.ID)

	var msg string
	if err := survivor.Connector.ClosePosition(ctx, pos.Config.Symbol); err != nil {
		msg = fmt.Sprintf("%s leg liquidated on %s; surviving %s position open, close manually: %v",
			liquidatedLeg, liquidated.Exchange(), survivor.Exchange(), err)
		m.logger.Error("Surviving leg close failed",
			zap.String("position_id", pos.ID),
			zap.String("exchange", survivor.Exchange()), zap.Error(err))
	} else {
		msg = fmt.Sprintf("%s leg liquidated on %s; surviving %s position closed automatically",
			liquidatedLeg, liquidated.Exchange(), survivor.Exchange())
	}

	m.persistAndRemove(ctx, pos, liquidatedLeg, msg)
}

func (m *LiquidationMonitor) finalize(ctx context.Context, pos *domain.ActivePosition, leg, msg string) {
	m.Stop(pos.ID)
	m.persistAndRemove(ctx, pos, leg, msg)
}

func (m *LiquidationMonitor) persistAndRemove(ctx context.Context, pos *domain.ActivePosition, leg, msg string) {
	metrics.Liquidations.WithLabelValues(leg).Inc()

	pos.SetStatus(domain.StatusLiquidated)
	pos.ErrorMsg = msg
	pos.CompletedAt = timePtr(time.Now())
	if err := m.repo.UpdatePosition(ctx, positionToRecord(pos)); err != nil {
		m.logger.Error("Failed to persist liquidated position",
			zap.String("position_id", pos.ID), zap.Error(err))
	}

	// Store first, then index removal, then notification.
	m.remove(pos.ID)
	m.bus.Publish(domain.Event{
		Type:       domain.EventPositionLiquidated,
		PositionID: pos.ID,
		Err:        msg,
		Source:     domain.ErrorSource(leg),
	})

	m.logger.Error("Position liquidated",
		zap.String("position_id", pos.ID),
		zap.String("leg", leg),
		zap.String("detail", msg))
}
