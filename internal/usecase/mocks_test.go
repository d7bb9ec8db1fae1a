package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vitos/hedge_trade_bot/internal/domain"
)

type placedOrder struct {
	Symbol   string
	Side     domain.Side
	Quantity float64
}

// mockConnector implements only the base Connector surface. Capability
// interfaces are added by the wrapper types below so type assertions in the
// code under test behave like real adapters.
type mockConnector struct {
	mu sync.Mutex

	name string

	// placeOrder overrides order handling when set; the default confirms
	// the requested quantity in full.
	placeOrder func(call int, symbol string, side domain.Side, qty float64) (*domain.OrderResult, error)

	positions    []domain.ExchangePosition
	positionsErr error

	marketPrice    float64
	marketPriceErr error

	balance float64

	closeErr error

	orders          []placedOrder
	closeCalls      int
	leverages       []int
	orderSeq        int
	positionQueries int
}

func newMockConnector(name string) *mockConnector {
	return &mockConnector{name: name, marketPrice: 100, balance: 1_000_000}
}

func (m *mockConnector) Name() string                         { return m.name }
func (m *mockConnector) Initialize(ctx context.Context) error { return nil }

func (m *mockConnector) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, qty float64) (*domain.OrderResult, error) {
	m.mu.Lock()
	m.orderSeq++
	call := m.orderSeq
	m.mu.Unlock()

	if m.placeOrder != nil {
		res, err := m.placeOrder(call, symbol, side, qty)
		if err != nil {
			return nil, err
		}
		m.recordOrder(symbol, side, res.FilledQuantity)
		return res, nil
	}
	m.recordOrder(symbol, side, qty)
	return &domain.OrderResult{OrderID: m.name + "-order", FilledQuantity: qty}, nil
}

func (m *mockConnector) recordOrder(symbol string, side domain.Side, qty float64) {
	m.mu.Lock()
	m.orders = append(m.orders, placedOrder{Symbol: symbol, Side: side, Quantity: qty})
	m.mu.Unlock()
}

func (m *mockConnector) placedOrders() []placedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]placedOrder(nil), m.orders...)
}

func (m *mockConnector) ClosePosition(ctx context.Context, symbol string) error {
	m.mu.Lock()
	m.closeCalls++
	m.mu.Unlock()
	if m.closeErr != nil {
		return m.closeErr
	}
	m.setPositions(nil)
	return nil
}

func (m *mockConnector) closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

func (m *mockConnector) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	m.leverages = append(m.leverages, leverage)
	m.mu.Unlock()
	return nil
}

func (m *mockConnector) GetPositions(ctx context.Context, symbol string) ([]domain.ExchangePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionQueries++
	if m.positionsErr != nil {
		return nil, m.positionsErr
	}
	return append([]domain.ExchangePosition(nil), m.positions...), nil
}

func (m *mockConnector) positionQueryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionQueries
}

func (m *mockConnector) setPositions(positions []domain.ExchangePosition) {
	m.mu.Lock()
	m.positions = positions
	m.mu.Unlock()
}

func (m *mockConnector) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	if m.marketPriceErr != nil {
		return 0, m.marketPriceErr
	}
	return m.marketPrice, nil
}

func (m *mockConnector) GetAccountBalance(ctx context.Context) (*domain.AccountBalance, error) {
	return &domain.AccountBalance{AvailableBalance: m.balance}, nil
}

// mockStopConnector adds the trading stop capability.
type mockStopConnector struct {
	*mockConnector

	stopErr error
	stops   []domain.TradingStopParams
}

func (m *mockStopConnector) SetTradingStop(ctx context.Context, params domain.TradingStopParams) error {
	if m.stopErr != nil {
		return m.stopErr
	}
	m.mu.Lock()
	m.stops = append(m.stops, params)
	m.mu.Unlock()
	return nil
}

// mockStreamConnector adds the price stream capability.
type mockStreamConnector struct {
	*mockConnector

	subscribeErr error
	callbacks    []func(price float64, ts time.Time)
	unsubscribed int
}

func (m *mockStreamConnector) SubscribeToPriceStream(symbol string, callback func(price float64, ts time.Time)) (func(), error) {
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	m.mu.Lock()
	m.callbacks = append(m.callbacks, callback)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.unsubscribed++
		m.mu.Unlock()
	}, nil
}

// mockSpecConnector adds contract specifications.
type mockSpecConnector struct {
	*mockConnector

	spec    *domain.ContractSpec
	specErr error
}

func (m *mockSpecConnector) GetContractSpecification(ctx context.Context, symbol string) (*domain.ContractSpec, error) {
	if m.specErr != nil {
		return nil, m.specErr
	}
	return m.spec, nil
}

// mockRepo is an in-memory PositionRepository and CredentialRepository.
type mockRepo struct {
	mu          sync.Mutex
	records     map[string]*domain.PositionRecord
	credentials map[string]*domain.ExchangeCredentials
	updateErr   error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		records:     make(map[string]*domain.PositionRecord),
		credentials: make(map[string]*domain.ExchangeCredentials),
	}
}

func copyRecord(rec *domain.PositionRecord) *domain.PositionRecord {
	c := *rec
	return &c
}

func (r *mockRepo) SavePosition(ctx context.Context, rec *domain.PositionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.StoreID] = copyRecord(rec)
	return nil
}

func (r *mockRepo) UpdatePosition(ctx context.Context, rec *domain.PositionRecord) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.StoreID]; !ok {
		return errors.Errorf("position %s not found", rec.StoreID)
	}
	r.records[rec.StoreID] = copyRecord(rec)
	return nil
}

func (r *mockRepo) UpdatePositionStatus(ctx context.Context, storeID string, status domain.PositionStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[storeID]
	if !ok {
		return errors.Errorf("position %s not found", storeID)
	}
	rec.Status = status
	rec.ErrorMsg = errMsg
	return nil
}

func (r *mockRepo) GetPosition(ctx context.Context, storeID string) (*domain.PositionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[storeID]
	if !ok {
		return nil, errors.Errorf("position %s not found", storeID)
	}
	return copyRecord(rec), nil
}

func (r *mockRepo) GetPositionByPositionID(ctx context.Context, positionID string) (*domain.PositionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.PositionID == positionID {
			return copyRecord(rec), nil
		}
	}
	return nil, errors.Errorf("position %s not found", positionID)
}

func (r *mockRepo) ListPositionsByStatus(ctx context.Context, statuses ...domain.PositionStatus) ([]*domain.PositionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.PositionRecord
	for _, rec := range r.records {
		for _, st := range statuses {
			if rec.Status == st {
				out = append(out, copyRecord(rec))
				break
			}
		}
	}
	return out, nil
}

func (r *mockRepo) SaveCredentials(ctx context.Context, creds *domain.ExchangeCredentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *creds
	r.credentials[creds.ID] = &c
	return nil
}

func (r *mockRepo) GetCredentials(ctx context.Context, id string) (*domain.ExchangeCredentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.credentials[id]
	if !ok {
		return nil, errors.Errorf("credentials %s not found", id)
	}
	out := *c
	return &out, nil
}

func (r *mockRepo) stored(storeID string) *domain.PositionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[storeID]
}

func testConfig() domain.PositionConfig {
	return domain.PositionConfig{
		UserID: "user-1",
		Symbol: "BTCUSDT",
		Primary: domain.LegConfig{
			Exchange: "BYBIT",
			Side:     domain.SideLong,
			Leverage: 10,
			Quantity: 0.1,
		},
		Hedge: domain.LegConfig{
			Exchange: "BINGX",
			Side:     domain.SideShort,
			Leverage: 10,
			Quantity: 0.1,
		},
		Parts:     5,
		PartDelay: 50 * time.Millisecond,
		Strategy:  domain.StrategyCombined,
	}
}

func testPosition(cfg domain.PositionConfig, primary, hedge domain.Connector) *domain.ActivePosition {
	return &domain.ActivePosition{
		ID:      "pos-test-1",
		StoreID: "store-test-1",
		Config:  cfg,
		Primary: &domain.LegState{
			Connector:   primary,
			Credentials: &domain.ExchangeCredentials{ID: "cred-primary"},
			Status:      domain.LegPending,
		},
		Hedge: &domain.LegState{
			Connector:   hedge,
			Credentials: &domain.ExchangeCredentials{ID: "cred-hedge"},
			Status:      domain.LegPending,
		},
		Status:    domain.StatusInitializing,
		StartedAt: time.Now(),
	}
}
