package domain

import (
	"sync"
	"time"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the side that closes or hedges this one.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// StrategyKind selects how per-part quantities are balanced between the legs.
type StrategyKind string

const (
	StrategyCombined    StrategyKind = "combined"
	StrategyPriceOnly   StrategyKind = "price_only"
	StrategyFundingFarm StrategyKind = "funding_farm"
	StrategySpotFutures StrategyKind = "spot_futures"
)

type PositionStatus string

const (
	StatusInitializing PositionStatus = "initializing"
	StatusExecuting    PositionStatus = "executing"
	// StatusActive means both legs are open and the position is under
	// supervision by the liquidation monitor.
	StatusActive     PositionStatus = "active"
	StatusCompleted  PositionStatus = "completed"
	StatusError      PositionStatus = "error"
	StatusCancelled  PositionStatus = "cancelled"
	StatusLiquidated PositionStatus = "liquidated"
)

type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegExecuting LegStatus = "executing"
	LegCompleted LegStatus = "completed"
	LegError     LegStatus = "error"
)

// LegConfig describes one side of the hedged position.
type LegConfig struct {
	Exchange string  `yaml:"exchange" json:"exchange"`
	Side     Side    `yaml:"side" json:"side"`
	Leverage int     `yaml:"leverage" json:"leverage"`
	Quantity float64 `yaml:"quantity" json:"quantity"`
}

// PositionConfig is the immutable input to the supervisor's start operation.
type PositionConfig struct {
	UserID  string    `yaml:"user_id" json:"user_id"`
	Symbol  string    `yaml:"symbol" json:"symbol"`
	Primary LegConfig `yaml:"primary" json:"primary"`
	Hedge   LegConfig `yaml:"hedge" json:"hedge"`

	Parts     int           `yaml:"parts" json:"parts"`
	PartDelay time.Duration `yaml:"part_delay" json:"part_delay"`
	Strategy  StrategyKind  `yaml:"strategy" json:"strategy"`

	// Hourly funding rates, used only by the TP/SL calculator. Zero means unknown.
	PrimaryFundingRate float64 `yaml:"primary_funding_rate" json:"primary_funding_rate"`
	HedgeFundingRate   float64 `yaml:"hedge_funding_rate" json:"hedge_funding_rate"`
}

type ExchangeCredentials struct {
	ID        string
	APIKey    string
	APISecret string
	Testnet   bool
	// AuthToken is an extra exchange-specific token (passphrase etc).
	AuthToken string
}

// LegState is the mutable runtime state of one leg of an ActivePosition.
type LegState struct {
	Connector   Connector
	Credentials *ExchangeCredentials

	// FilledQuantity only grows, and only by amounts the connector confirmed
	// filled, never by requested quantities.
	FilledQuantity float64
	OrderIDs       []string
	Status         LegStatus
	ErrorMsg       string
	EntryPrice     float64

	// Live stream teardown handles, populated by the liquidation monitor.
	Unsubscribers []func()
}

func (l *LegState) Exchange() string {
	if l.Connector != nil {
		return l.Connector.Name()
	}
	return ""
}

// ActivePosition is the aggregate root for one hedged position. Exactly one
// instance per position ID lives in the supervisor's in-memory index while
// the position is not cancelled/removed.
type ActivePosition struct {
	ID      string
	StoreID string
	Config  PositionConfig

	Primary *LegState
	Hedge   *LegState

	Status      PositionStatus
	ErrorMsg    string
	StartedAt   time.Time
	CompletedAt *time.Time

	// CurrentPart is 1-based; 0 before the first part starts.
	CurrentPart int

	LastCheckAt time.Time

	// mu guards the status against the stop/emergency-close vs monitor
	// evaluation race. Leg fill accounting is single-writer (the entry
	// engine) and needs no lock during the saga.
	mu sync.Mutex
}

func (p *ActivePosition) SetStatus(status PositionStatus) {
	p.mu.Lock()
	p.Status = status
	p.mu.Unlock()
}

func (p *ActivePosition) GetStatus() PositionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Status
}

// LegRecord is the durable image of one leg.
type LegRecord struct {
	Exchange     string
	CredentialID string
	Side         Side
	Leverage     int
	Quantity     float64
	Filled       float64
	OrderIDs     []string
	Status       LegStatus
	ErrorMsg     string
	EntryPrice   float64
}

// PositionRecord is the durable-store row for a position. The store is the
// source of truth across restarts.
type PositionRecord struct {
	StoreID    string
	PositionID string
	UserID     string
	Symbol     string

	Primary LegRecord
	Hedge   LegRecord

	Parts       int
	PartDelay   time.Duration
	CurrentPart int
	Strategy    StrategyKind

	PrimaryFundingRate float64
	HedgeFundingRate   float64

	Status      PositionStatus
	ErrorMsg    string
	StartedAt   time.Time
	CompletedAt *time.Time
	LastCheckAt *time.Time
}
