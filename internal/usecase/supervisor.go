package usecase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vitos/hedge_trade_bot/internal/domain"
	"github.com/vitos/hedge_trade_bot/internal/metrics"
	"go.uber.org/zap"
)

// ConnectorFactory builds a connector for an exchange name. Unknown names
// must fail fast with ErrUnsupportedExchange.
type ConnectorFactory func(exchange string, creds *domain.ExchangeCredentials) (domain.Connector, error)

// PositionService is the top-level supervisor: it owns the in-memory index
// of active positions, allocates position IDs, exposes the public lifecycle
// operations and routes events between the engines. One instance per process.
type PositionService struct {
	repo       domain.PositionRepository
	creds      domain.CredentialRepository
	connectors ConnectorFactory
	bus        *domain.EventBus
	logger     *zap.Logger

	entry   *GraduatedEntryEngine
	tpsl    *TpSlSynchronizer
	monitor *LiquidationMonitor

	mu        sync.RWMutex
	positions map[string]*domain.ActivePosition

	seq         atomic.Int64
	restoreOnce sync.Once
}

func NewPositionService(
	repo domain.PositionRepository,
	creds domain.CredentialRepository,
	connectors ConnectorFactory,
	bus *domain.EventBus,
	logger *zap.Logger,
) *PositionService {
	s := &PositionService{
		repo:       repo,
		creds:      creds,
		connectors: connectors,
		bus:        bus,
		logger:     logger,
		positions:  make(map[string]*domain.ActivePosition),
	}
	s.tpsl = NewTpSlSynchronizer(logger)
	s.monitor = NewLiquidationMonitor(repo, bus, logger, s.removeFromIndex)
	s.entry = NewGraduatedEntryEngine(repo, bus, logger, NewRebalancer(logger), s.tpsl, s.monitor)
	return s
}

// Bus exposes the event bus for external subscribers.
func (s *PositionService) Bus() *domain.EventBus {
	return s.bus
}

// StartPosition opens a new hedged position: creates and initializes both
// connectors, sets leverage, persists the initial record and launches the
// graduated entry saga in the background. The returned position ID is valid
// immediately; saga failures surface as error events, never here.
func (s *PositionService) StartPosition(ctx context.Context, cfg domain.PositionConfig, primaryCreds, hedgeCreds *domain.ExchangeCredentials) (string, error) {
	if cfg.Symbol == "" {
		return "", errors.New("symbol is required")
	}
	if cfg.Parts <= 0 {
		return "", errors.New("part count must be positive")
	}
	if cfg.Primary.Quantity <= 0 || cfg.Hedge.Quantity <= 0 {
		return "", errors.New("leg quantities must be positive")
	}

	primaryConn, err := s.connectors(cfg.Primary.Exchange, primaryCreds)
	if err != nil {
		return "", errors.Wrapf(err, "primary connector (%s)", cfg.Primary.Exchange)
	}
	hedgeConn, err := s.connectors(cfg.Hedge.Exchange, hedgeCreds)
	if err != nil {
		return "", errors.Wrapf(err, "hedge connector (%s)", cfg.Hedge.Exchange)
	}

	if err := primaryConn.Initialize(ctx); err != nil {
		return "", errors.Wrapf(err, "initialize %s", primaryConn.Name())
	}
	if err := hedgeConn.Initialize(ctx); err != nil {
		return "", errors.Wrapf(err, "initialize %s", hedgeConn.Name())
	}

	// "Leverage not modified" is success; adapters already absorb it.
	if err := primaryConn.SetLeverage(ctx, cfg.Symbol, cfg.Primary.Leverage); err != nil {
		return "", errors.Wrapf(err, "set leverage on %s", primaryConn.Name())
	}
	if err := hedgeConn.SetLeverage(ctx, cfg.Symbol, cfg.Hedge.Leverage); err != nil {
		return "", errors.Wrapf(err, "set leverage on %s", hedgeConn.Name())
	}

	pos := &domain.ActivePosition{
		ID:      s.allocateID(),
		StoreID: uuid.NewString(),
		Config:  cfg,
		Primary: &domain.LegState{
			Connector:   primaryConn,
			Credentials: primaryCreds,
			Status:      domain.LegPending,
		},
		Hedge: &domain.LegState{
			Connector:   hedgeConn,
			Credentials: hedgeCreds,
			Status:      domain.LegPending,
		},
		Status:    domain.StatusInitializing,
		StartedAt: time.Now(),
	}

	if err := s.repo.SavePosition(ctx, positionToRecord(pos)); err != nil {
		return "", errors.Wrap(err, "persist position")
	}

	s.mu.Lock()
	s.positions[pos.ID] = pos
	s.mu.Unlock()
	metrics.ActivePositions.Inc()

	s.bus.Publish(domain.Event{
		Type:       domain.EventPositionStarting,
		PositionID: pos.ID,
		Config:     &cfg,
	})

	s.logger.Info("Position starting",
		zap.String("position_id", pos.ID),
		zap.String("symbol", cfg.Symbol),
		zap.String("primary", primaryConn.Name()),
		zap.String("hedge", hedgeConn.Name()),
		zap.Int("parts", cfg.Parts))

	// Fire and forget: the saga handles its own errors and converts them
	// into events. Its lifetime is decoupled from the caller's context.
	go s.entry.Execute(context.Background(), pos)

	return pos.ID, nil
}

// GetPosition returns the in-memory position for an ID, if supervised.
func (s *PositionService) GetPosition(positionID string) (*domain.ActivePosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[positionID]
	return pos, ok
}

// StopPosition closes both legs and retires the position. The two closes run
// concurrently and independently; only both failing is an error. Streams are
// torn down first so the monitor cannot mistake our own closing trades for a
// liquidation.
func (s *PositionService) StopPosition(ctx context.Context, positionID string) error {
	pos, ok := s.GetPosition(positionID)
	if !ok {
		return errors.Errorf("position %s not found", positionID)
	}

	s.monitor.Stop(positionID)

	pErr, hErr := s.closeBothLegs(ctx, pos)
	if pErr != nil && hErr != nil {
		return errors.Errorf("failed to close both legs: %s: %v; %s: %v",
			pos.Primary.Exchange(), pErr, pos.Hedge.Exchange(), hErr)
	}
	if pErr != nil {
		s.logger.Warn("Primary leg close failed during stop",
			zap.String("position_id", positionID),
			zap.String("exchange", pos.Primary.Exchange()),
			zap.Error(pErr))
	}
	if hErr != nil {
		s.logger.Warn("Hedge leg close failed during stop",
			zap.String("position_id", positionID),
			zap.String("exchange", pos.Hedge.Exchange()),
			zap.Error(hErr))
	}

	pos.SetStatus(domain.StatusCompleted)
	pos.CompletedAt = timePtr(time.Now())
	if err := s.repo.UpdatePosition(ctx, positionToRecord(pos)); err != nil {
		s.logger.Error("Failed to persist stopped position", zap.String("position_id", positionID), zap.Error(err))
	}

	s.removeFromIndex(positionID)
	s.bus.Publish(domain.Event{
		Type:          domain.EventPositionClosed,
		PositionID:    positionID,
		PrimaryFilled: pos.Primary.FilledQuantity,
		HedgeFilled:   pos.Hedge.FilledQuantity,
	})
	return nil
}

// EmergencyClosePosition is the monitor/operator forced exit: same dual close
// as StopPosition, but the position is always removed from the index, even if
// both closes fail.
func (s *PositionService) EmergencyClosePosition(ctx context.Context, positionID, reason string) error {
	pos, ok := s.GetPosition(positionID)
	if !ok {
		return errors.Errorf("position %s not found", positionID)
	}

	s.monitor.Stop(positionID)

	pErr, hErr := s.closeBothLegs(ctx, pos)
	msg := reason
	if pErr != nil {
		msg = fmt.Sprintf("%s; %s close failed: %v", msg, pos.Primary.Exchange(), pErr)
	}
	if hErr != nil {
		msg = fmt.Sprintf("%s; %s close failed: %v", msg, pos.Hedge.Exchange(), hErr)
	}

	pos.SetStatus(domain.StatusCancelled)
	pos.ErrorMsg = msg
	pos.CompletedAt = timePtr(time.Now())
	if err := s.repo.UpdatePosition(ctx, positionToRecord(pos)); err != nil {
		s.logger.Error("Failed to persist emergency close", zap.String("position_id", positionID), zap.Error(err))
	}

	s.removeFromIndex(positionID)
	s.bus.Publish(domain.Event{
		Type:       domain.EventPositionClosed,
		PositionID: positionID,
		Err:        msg,
	})

	if pErr != nil && hErr != nil {
		return errors.Errorf("failed to close both legs: %s: %v; %s: %v",
			pos.Primary.Exchange(), pErr, pos.Hedge.Exchange(), hErr)
	}
	return nil
}

func (s *PositionService) closeBothLegs(ctx context.Context, pos *domain.ActivePosition) (pErr, hErr error) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pErr = pos.Primary.Connector.ClosePosition(ctx, pos.Config.Symbol)
	}()
	go func() {
		defer wg.Done()
		hErr = pos.Hedge.Connector.ClosePosition(ctx, pos.Config.Symbol)
	}()
	wg.Wait()
	return pErr, hErr
}

// SyncTpSlForPosition re-places protective stops on a position, re-hydrating
// it from the durable store when absent from memory. Unlike the entry flow's
// best-effort call, a missing entry price here is a hard error.
func (s *PositionService) SyncTpSlForPosition(ctx context.Context, positionID, userID string) error {
	pos, ok := s.GetPosition(positionID)
	if !ok {
		rec, err := s.repo.GetPositionByPositionID(ctx, positionID)
		if err != nil {
			return errors.Wrapf(err, "position %s", positionID)
		}
		if rec.UserID != userID {
			return errors.Errorf("position %s does not belong to user %s", positionID, userID)
		}
		// Error-status positions may still hold open exchange positions, so
		// they stay eligible for a TP/SL re-sync.
		if rec.Status != domain.StatusActive && rec.Status != domain.StatusError {
			return errors.Errorf("position %s is %s, tp/sl sync requires active or error status", positionID, rec.Status)
		}
		pos, err = s.rehydrate(ctx, rec)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.positions[pos.ID] = pos
		s.mu.Unlock()
		metrics.ActivePositions.Inc()
	} else if pos.Config.UserID != userID {
		return errors.Errorf("position %s does not belong to user %s", positionID, userID)
	}

	primaryEntry, err := s.fetchEntryPrice(ctx, pos.Primary, pos.Config.Symbol, pos.Config.Primary.Side)
	if err != nil {
		return errors.Wrapf(err, "entry price on %s", pos.Primary.Exchange())
	}
	hedgeEntry, err := s.fetchEntryPrice(ctx, pos.Hedge, pos.Config.Symbol, pos.Config.Hedge.Side)
	if err != nil {
		return errors.Wrapf(err, "entry price on %s", pos.Hedge.Exchange())
	}

	pos.Primary.EntryPrice = primaryEntry
	pos.Hedge.EntryPrice = hedgeEntry
	if err := s.repo.UpdatePosition(ctx, positionToRecord(pos)); err != nil {
		s.logger.Error("Failed to persist entry prices", zap.String("position_id", positionID), zap.Error(err))
	}

	return s.tpsl.Sync(ctx, pos, primaryEntry, hedgeEntry)
}

func (s *PositionService) fetchEntryPrice(ctx context.Context, leg *domain.LegState, symbol string, side domain.Side) (float64, error) {
	positions, err := leg.Connector.GetPositions(ctx, symbol)
	if err != nil {
		return 0, err
	}
	p := findLegPosition(positions, symbol, side)
	if p == nil || p.EntryPrice <= 0 {
		return 0, errors.New("no open position with an entry price")
	}
	return p.EntryPrice, nil
}

// RestoreOnBoot re-hydrates every stored position whose status is
// initializing, executing or active, and restarts the liquidation monitor
// for the active ones. Idempotent: the work runs once per process lifetime.
func (s *PositionService) RestoreOnBoot(ctx context.Context) error {
	var err error
	s.restoreOnce.Do(func() {
		err = s.restore(ctx)
	})
	return err
}

func (s *PositionService) restore(ctx context.Context) error {
	records, err := s.repo.ListPositionsByStatus(ctx,
		domain.StatusInitializing, domain.StatusExecuting, domain.StatusActive)
	if err != nil {
		return errors.Wrap(err, "list restorable positions")
	}

	restored := 0
	for _, rec := range records {
		pos, err := s.rehydrate(ctx, rec)
		if err != nil {
			s.logger.Error("Failed to restore position, marking as error",
				zap.String("position_id", rec.PositionID), zap.Error(err))
			msg := fmt.Sprintf("restore failed: %v", err)
			if uerr := s.repo.UpdatePositionStatus(ctx, rec.StoreID, domain.StatusError, msg); uerr != nil {
				s.logger.Error("Failed to mark unrestorable position",
					zap.String("position_id", rec.PositionID), zap.Error(uerr))
			}
			continue
		}

		s.mu.Lock()
		s.positions[pos.ID] = pos
		s.mu.Unlock()
		metrics.ActivePositions.Inc()
		restored++

		if rec.Status == domain.StatusActive {
			s.monitor.Start(pos)
		}
	}

	s.logger.Info("Boot restoration complete",
		zap.Int("stored", len(records)), zap.Int("restored", restored))
	return nil
}

func (s *PositionService) rehydrate(ctx context.Context, rec *domain.PositionRecord) (*domain.ActivePosition, error) {
	primary, err := s.rehydrateLeg(ctx, rec.Primary)
	if err != nil {
		return nil, errors.Wrapf(err, "primary leg (%s)", rec.Primary.Exchange)
	}
	hedge, err := s.rehydrateLeg(ctx, rec.Hedge)
	if err != nil {
		return nil, errors.Wrapf(err, "hedge leg (%s)", rec.Hedge.Exchange)
	}
	return recordToPosition(rec, primary, hedge), nil
}

func (s *PositionService) rehydrateLeg(ctx context.Context, rec domain.LegRecord) (*domain.LegState, error) {
	creds, err := s.creds.GetCredentials(ctx, rec.CredentialID)
	if err != nil {
		return nil, errors.Wrapf(err, "credentials %s", rec.CredentialID)
	}
	conn, err := s.connectors(rec.Exchange, creds)
	if err != nil {
		return nil, err
	}
	if err := conn.Initialize(ctx); err != nil {
		return nil, errors.Wrap(err, "initialize connector")
	}
	return &domain.LegState{Connector: conn, Credentials: creds}, nil
}

func (s *PositionService) removeFromIndex(positionID string) {
	s.mu.Lock()
	_, ok := s.positions[positionID]
	delete(s.positions, positionID)
	s.mu.Unlock()
	if ok {
		metrics.ActivePositions.Dec()
	}
}

// allocateID produces a globally unique, time-ordered position ID: start
// millis salt plus a process-wide monotonic counter.
func (s *PositionService) allocateID() string {
	return fmt.Sprintf("pos-%d-%d", time.Now().UnixMilli(), s.seq.Add(1))
}
