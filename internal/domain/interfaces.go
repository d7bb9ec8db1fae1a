package domain

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// OrderResult is what a connector reports back for a placed market order.
// FilledQuantity is the exchange-confirmed fill, not the requested amount.
type OrderResult struct {
	OrderID        string
	FilledQuantity float64
}

// ExchangePosition is one live position row as reported by an exchange.
// Side keeps the exchange's own spelling (Buy/Sell, long/short, 1/2); the
// core normalizes it, along with symbol formatting, before comparing.
type ExchangePosition struct {
	Symbol     string
	Side       string
	Size       float64
	EntryPrice float64
}

type AccountBalance struct {
	AvailableBalance float64
}

// ContractSpec describes an instrument's sizing rules, used only for
// notional balancing of per-part quantities.
type ContractSpec struct {
	Symbol       string
	ContractSize float64
	QtyStep      float64
	MinQty       float64
}

type TradingStopParams struct {
	Symbol     string
	Side       Side
	TakeProfit float64
	StopLoss   float64
}

// ErrUnsupportedExchange is returned when no connector exists for an
// exchange name.
var ErrUnsupportedExchange = errors.New("unsupported exchange")

// Connector is the uniform capability surface the core consumes per exchange.
// Initialize must be awaited before any other call. Optional capabilities are
// modeled as separate interfaces the implementations opt into.
type Connector interface {
	Name() string
	Initialize(ctx context.Context) error

	PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64) (*OrderResult, error)
	// ClosePosition must treat "no open position" as success.
	ClosePosition(ctx context.Context, symbol string) error
	// SetLeverage must treat "leverage not modified" as success.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetPositions(ctx context.Context, symbol string) ([]ExchangePosition, error)
	GetMarketPrice(ctx context.Context, symbol string) (float64, error)
	GetAccountBalance(ctx context.Context) (*AccountBalance, error)
}

// TradingStopCapable is implemented by connectors that support protective
// stop placement on an open position.
type TradingStopCapable interface {
	SetTradingStop(ctx context.Context, params TradingStopParams) error
}

// PriceStreamCapable connectors push live trade/ticker prices. The returned
// function tears the subscription down.
type PriceStreamCapable interface {
	SubscribeToPriceStream(symbol string, callback func(price float64, ts time.Time)) (func(), error)
}

// MarkPriceStreamCapable connectors additionally push mark prices, which lead
// the last price during fast moves.
type MarkPriceStreamCapable interface {
	SubscribeToMarkPriceStream(symbol string, callback func(price float64, ts time.Time)) (func(), error)
}

// ContractSpecCapable connectors expose instrument sizing rules.
type ContractSpecCapable interface {
	GetContractSpecification(ctx context.Context, symbol string) (*ContractSpec, error)
}

// PositionRepository is the durable store for position records.
type PositionRepository interface {
	SavePosition(ctx context.Context, rec *PositionRecord) error
	UpdatePosition(ctx context.Context, rec *PositionRecord) error
	UpdatePositionStatus(ctx context.Context, storeID string, status PositionStatus, errMsg string) error
	GetPosition(ctx context.Context, storeID string) (*PositionRecord, error)
	GetPositionByPositionID(ctx context.Context, positionID string) (*PositionRecord, error)
	ListPositionsByStatus(ctx context.Context, statuses ...PositionStatus) ([]*PositionRecord, error)
}

// CredentialRepository resolves stored credential references on boot.
type CredentialRepository interface {
	SaveCredentials(ctx context.Context, creds *ExchangeCredentials) error
	GetCredentials(ctx context.Context, id string) (*ExchangeCredentials, error)
}
