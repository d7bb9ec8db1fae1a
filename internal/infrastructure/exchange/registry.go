package exchange

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/vitos/hedge_trade_bot/internal/domain"
	"go.uber.org/zap"
)

// NewConnector builds the adapter for a supported exchange. Credentials are
// bound at construction; Initialize still has to be called before use.
func NewConnector(exchangeName string, creds *domain.ExchangeCredentials, logger *zap.Logger) (domain.Connector, error) {
	switch strings.ToUpper(strings.TrimSpace(exchangeName)) {
	case "BYBIT":
		return NewBybitConnector(creds, logger), nil
	case "BINGX":
		return NewBingXConnector(creds, logger), nil
	default:
		return nil, errors.Wrap(domain.ErrUnsupportedExchange, exchangeName)
	}
}
