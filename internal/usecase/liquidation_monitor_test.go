package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/hedge_trade_bot/internal/domain"
	"go.uber.org/zap"
)

type removeTracker struct {
	mu  sync.Mutex
	ids []string
}

func (r *removeTracker) remove(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *removeTracker) removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

// monitorFixture wires a monitor with a manually registered watcher so the
// evaluation can be driven synchronously.
func monitorFixture(t *testing.T, primary, hedge domain.Connector) (*LiquidationMonitor, *positionWatcher, *domain.ActivePosition, *mockRepo, *eventLog, *removeTracker) {
	t.Helper()

	repo := newMockRepo()
	bus := domain.NewEventBus()
	log := &eventLog{}
	bus.Subscribe(log.record)
	tracker := &removeTracker{}

	m := NewLiquidationMonitor(repo, bus, zap.NewNop(), tracker.remove)

	pos := testPosition(testConfig(), primary, hedge)
	pos.Status = domain.StatusActive
	pos.Primary.EntryPrice = 100
	pos.Hedge.EntryPrice = 100
	seedPosition(t, repo, pos)

	w := &positionWatcher{pos: pos, stopCh: make(chan struct{})}
	m.mu.Lock()
	m.watchers[pos.ID] = w
	m.mu.Unlock()

	return m, w, pos, repo, log, tracker
}

// Long 10x at entry 100 liquidates near 90.5; short 10x near 109.5.

func TestMonitorIgnoresMissingPositionWithoutPriceCross(t *testing.T) {
	primary := newMockConnector("BYBIT")
	hedge := newMockConnector("BINGX")

	// The exchange momentarily reports no position while the price is
	// nowhere near the liquidation zone. This exact pattern once closed
	// healthy positions; it must be treated as an API hiccup.
	primary.setPositions(nil)
	primary.marketPrice = 100
	hedge.setPositions([]domain.ExchangePosition{
		{Symbol: "BTC-USDT", Side: "SHORT", Size: 0.1, EntryPrice: 100},
	})

	m, w, pos, _, events, tracker := monitorFixture(t, primary, hedge)
	m.evaluate(context.Background(), w)

	assert.Equal(t, domain.StatusActive, pos.GetStatus())
	assert.Zero(t, hedge.closed())
	assert.Empty(t, events.byType(domain.EventPositionLiquidated))
	assert.Empty(t, tracker.removed())
	assert.False(t, pos.LastCheckAt.IsZero())
}

func TestMonitorConfirmsLiquidationAndClosesSurvivor(t *testing.T) {
	primary := newMockConnector("BYBIT")
	hedge := newMockConnector("BINGX")

	// Primary long is gone and the price sits below the liquidation
	// threshold: both confirmation conditions hold.
	primary.setPositions(nil)
	primary.marketPrice = 90
	hedge.setPositions([]domain.ExchangePosition{
		{Symbol: "BTC-USDT", Side: "SHORT", Size: 0.1, EntryPrice: 100},
	})
	hedge.marketPrice = 90

	m, w, pos, repo, events, tracker := monitorFixture(t, primary, hedge)
	m.evaluate(context.Background(), w)

	assert.Equal(t, domain.StatusLiquidated, pos.GetStatus())
	assert.Equal(t, 1, hedge.closed(), "the surviving hedge leg must be closed")
	assert.Zero(t, primary.closed())
	assert.Contains(t, pos.ErrorMsg, "primary leg liquidated on BYBIT")
	assert.Contains(t, pos.ErrorMsg, "closed automatically")

	liq := events.byType(domain.EventPositionLiquidated)
	require.Len(t, liq, 1)
	assert.Equal(t, domain.SourcePrimary, liq[0].Source)

	assert.Equal(t, []string{pos.ID}, tracker.removed())

	rec := repo.stored(pos.StoreID)
	require.NotNil(t, rec)
	assert.Equal(t, domain.StatusLiquidated, rec.Status)
}

func TestMonitorReportsSurvivorCloseFailure(t *testing.T) {
	primary := newMockConnector("BYBIT")
	hedge := newMockConnector("BINGX")

	primary.setPositions(nil)
	primary.marketPrice = 90
	hedge.setPositions([]domain.ExchangePosition{
		{Symbol: "BTC-USDT", Side: "SHORT", Size: 0.1, EntryPrice: 100},
	})
	hedge.closeErr = errors.New("api timeout")

	m, w, pos, _, _, tracker := monitorFixture(t, primary, hedge)
	m.evaluate(context.Background(), w)

	assert.Equal(t, domain.StatusLiquidated, pos.GetStatus())
	assert.Contains(t, pos.ErrorMsg, "close manually")
	assert.Contains(t, pos.ErrorMsg, "api timeout")
	assert.Len(t, tracker.removed(), 1, "removed even when the close fails")
}

func TestMonitorBothLegsLiquidated(t *testing.T) {
	primary := newMockConnector("BYBIT")
	hedge := newMockConnector("BINGX")

	primary.setPositions(nil)
	primary.marketPrice = 90 // long crossed down
	hedge.setPositions(nil)
	hedge.marketPrice = 110 // short crossed up

	m, w, pos, _, events, _ := monitorFixture(t, primary, hedge)
	m.evaluate(context.Background(), w)

	assert.Equal(t, domain.StatusLiquidated, pos.GetStatus())
	assert.Zero(t, primary.closed())
	assert.Zero(t, hedge.closed(), "no surviving leg to close")
	assert.Contains(t, pos.ErrorMsg, "both legs liquidated")

	liq := events.byType(domain.EventPositionLiquidated)
	require.Len(t, liq, 1)
	assert.Equal(t, domain.SourceBoth, liq[0].Source)
}

func TestMonitorSkipsCheckOnQueryError(t *testing.T) {
	primary := newMockConnector("BYBIT")
	hedge := newMockConnector("BINGX")
	primary.positionsErr = errors.New("rate limited")

	m, w, pos, _, events, _ := monitorFixture(t, primary, hedge)
	m.evaluate(context.Background(), w)

	assert.Equal(t, domain.StatusActive, pos.GetStatus())
	assert.Empty(t, events.byType(domain.EventPositionLiquidated))
}

func TestMonitorCannotConfirmWithoutEntryPrice(t *testing.T) {
	primary := newMockConnector("BYBIT")
	hedge := newMockConnector("BINGX")
	primary.setPositions(nil)
	primary.marketPrice = 50 // would cross, but there is no stored entry

	m, w, pos, _, _, tracker := monitorFixture(t, primary, hedge)
	pos.Primary.EntryPrice = 0
	m.evaluate(context.Background(), w)

	assert.Equal(t, domain.StatusActive, pos.GetStatus())
	assert.Empty(t, tracker.removed())
}

func TestMonitorThrottlesEvaluations(t *testing.T) {
	primary := newMockConnector("BYBIT")
	hedge := newMockConnector("BINGX")
	primary.setPositions([]domain.ExchangePosition{
		{Symbol: "BTCUSDT", Side: "Buy", Size: 0.1, EntryPrice: 100},
	})
	hedge.setPositions([]domain.ExchangePosition{
		{Symbol: "BTC-USDT", Side: "SHORT", Size: 0.1, EntryPrice: 100},
	})

	m, w, _, _, _, _ := monitorFixture(t, primary, hedge)

	m.maybeEvaluate(w)
	first := primary.positionQueryCount()
	require.Equal(t, 1, first)

	// A burst of ticks inside the throttle window runs no further checks.
	for i := 0; i < 10; i++ {
		m.maybeEvaluate(w)
	}
	assert.Equal(t, first, primary.positionQueryCount())
}

func TestMonitorPollingFallbackConfirmsLiquidation(t *testing.T) {
	primary := &mockStreamConnector{mockConnector: newMockConnector("BYBIT"), subscribeErr: errors.New("ws refused")}
	hedge := &mockStreamConnector{mockConnector: newMockConnector("BINGX"), subscribeErr: errors.New("ws refused")}
	primary.setPositions([]domain.ExchangePosition{
		{Symbol: "BTCUSDT", Side: "Buy", Size: 0.1, EntryPrice: 100},
	})
	primary.marketPrice = 90
	hedge.setPositions([]domain.ExchangePosition{
		{Symbol: "BTC-USDT", Side: "SHORT", Size: 0.1, EntryPrice: 100},
	})

	repo := newMockRepo()
	bus := domain.NewEventBus()
	log := &eventLog{}
	bus.Subscribe(log.record)
	tracker := &removeTracker{}
	m := NewLiquidationMonitor(repo, bus, zap.NewNop(), tracker.remove)
	m.pollEvery = 20 * time.Millisecond
	m.throttle = time.Millisecond

	pos := testPosition(testConfig(), primary, hedge)
	pos.Status = domain.StatusActive
	pos.Primary.EntryPrice = 100
	pos.Hedge.EntryPrice = 100
	seedPosition(t, repo, pos)

	m.Start(pos)
	assert.Empty(t, primary.callbacks, "no stream could be established")

	// The immediate first check sees both legs healthy; only a later poll
	// tick can observe the primary disappearing below its liquidation price.
	time.Sleep(30 * time.Millisecond)
	primary.setPositions(nil)

	require.Eventually(t, func() bool {
		return len(log.byType(domain.EventPositionLiquidated)) == 1
	}, 2*time.Second, 10*time.Millisecond, "polling never confirmed the liquidation")

	assert.Equal(t, domain.StatusLiquidated, pos.GetStatus())
	assert.Equal(t, 1, hedge.closed(), "the surviving hedge leg must be closed")
	assert.Contains(t, pos.ErrorMsg, "primary leg liquidated on BYBIT")
	assert.Equal(t, []string{pos.ID}, tracker.removed())
}

func TestMonitorPollLoopStopsWhenPositionLeavesActive(t *testing.T) {
	primary := &mockStreamConnector{mockConnector: newMockConnector("BYBIT"), subscribeErr: errors.New("ws refused")}
	hedge := &mockStreamConnector{mockConnector: newMockConnector("BINGX"), subscribeErr: errors.New("ws refused")}
	primary.setPositions([]domain.ExchangePosition{
		{Symbol: "BTCUSDT", Side: "Buy", Size: 0.1, EntryPrice: 100},
	})
	hedge.setPositions([]domain.ExchangePosition{
		{Symbol: "BTC-USDT", Side: "SHORT", Size: 0.1, EntryPrice: 100},
	})

	repo := newMockRepo()
	m := NewLiquidationMonitor(repo, domain.NewEventBus(), zap.NewNop(), func(string) {})
	m.pollEvery = 10 * time.Millisecond
	m.throttle = time.Millisecond

	pos := testPosition(testConfig(), primary, hedge)
	pos.Status = domain.StatusActive
	pos.Primary.EntryPrice = 100
	pos.Hedge.EntryPrice = 100
	seedPosition(t, repo, pos)

	m.Start(pos)

	// Poll ticks keep evaluating while the position is active.
	require.Eventually(t, func() bool {
		return primary.positionQueryCount() >= 2
	}, 2*time.Second, 5*time.Millisecond, "poll loop never evaluated")

	pos.SetStatus(domain.StatusCompleted)

	// Let any in-flight evaluation drain, then the query count must freeze.
	time.Sleep(50 * time.Millisecond)
	settled := primary.positionQueryCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, primary.positionQueryCount(),
		"poll loop must stop once the position is no longer active")

	m.Stop(pos.ID)
}

func TestMonitorStartStopManagesStreams(t *testing.T) {
	primary := &mockStreamConnector{mockConnector: newMockConnector("BYBIT")}
	hedge := &mockStreamConnector{mockConnector: newMockConnector("BINGX")}
	primary.setPositions([]domain.ExchangePosition{
		{Symbol: "BTCUSDT", Side: "Buy", Size: 0.1, EntryPrice: 100},
	})
	hedge.setPositions([]domain.ExchangePosition{
		{Symbol: "BTC-USDT", Side: "SHORT", Size: 0.1, EntryPrice: 100},
	})

	repo := newMockRepo()
	m := NewLiquidationMonitor(repo, domain.NewEventBus(), zap.NewNop(), func(string) {})

	pos := testPosition(testConfig(), primary, hedge)
	pos.Status = domain.StatusActive
	pos.Primary.EntryPrice = 100
	pos.Hedge.EntryPrice = 100
	seedPosition(t, repo, pos)

	m.Start(pos)
	require.Len(t, primary.callbacks, 1)
	require.Len(t, hedge.callbacks, 1)
	assert.NotEmpty(t, pos.Primary.Unsubscribers)

	m.Stop(pos.ID)
	assert.Equal(t, 1, primary.unsubscribed)
	assert.Equal(t, 1, hedge.unsubscribed)
	assert.Empty(t, pos.Primary.Unsubscribers)

	// Stopping twice is harmless.
	m.Stop(pos.ID)

	// Give the immediate first check a moment so it cannot race test exit.
	time.Sleep(20 * time.Millisecond)
}
