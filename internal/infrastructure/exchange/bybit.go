package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/vitos/hedge_trade_bot/internal/domain"
	"go.uber.org/zap"
)

const (
	BybitBaseURL        = "https://api.bybit.com"
	BybitTestnetBaseURL = "https://api-testnet.bybit.com"
	BybitWSURL          = "wss://stream.bybit.com/v5/public/linear"
	BybitTestnetWSURL   = "wss://stream-testnet.bybit.com/v5/public/linear"
)

// Bybit V5 retCodes that mean "already in the requested state" and must be
// treated as success.
const (
	bybitRetLeverageNotModified    = 110043
	bybitRetTradingStopNotModified = 34040
	bybitRetReduceOnlyZero         = 110017
)

// BybitConnector talks to Bybit's V5 unified API. It implements every
// optional capability: trading stops, price and mark price streams, and
// contract specifications.
type BybitConnector struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	logger    *zap.Logger
}

func NewBybitConnector(creds *domain.ExchangeCredentials, logger *zap.Logger) *BybitConnector {
	baseURL := BybitBaseURL
	wsURL := BybitWSURL
	if creds.Testnet {
		baseURL = BybitTestnetBaseURL
		wsURL = BybitTestnetWSURL
	}
	return &BybitConnector{
		apiKey:    creds.APIKey,
		apiSecret: creds.APISecret,
		baseURL:   baseURL,
		wsURL:     wsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
	}
}

func (b *BybitConnector) Name() string { return "BYBIT" }

// Initialize verifies the credentials with an authenticated balance query.
func (b *BybitConnector) Initialize(ctx context.Context) error {
	if _, err := b.GetAccountBalance(ctx); err != nil {
		return errors.Wrap(err, "bybit credential check failed")
	}
	return nil
}

// --- REST API ---

func (b *BybitConnector) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitConnector) sendRequest(ctx context.Context, method, path string, payload map[string]interface{}) ([]byte, error) {
	timestamp := time.Now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, _ := json.Marshal(payload)
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if method == http.MethodGet {
		// For GET the signed params are the query string.
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	signature := b.sign(paramsStr, timestamp, recvWindow)

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, errors.Errorf("bybit API error: %s", string(respBody))
	}

	return respBody, nil
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *BybitConnector) call(ctx context.Context, method, path string, payload map[string]interface{}, okCodes ...int) (*bybitEnvelope, error) {
	resp, err := b.sendRequest(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(resp, &env); err != nil {
		return nil, errors.Wrap(err, "bybit response decode")
	}
	if env.RetCode != 0 {
		for _, code := range okCodes {
			if env.RetCode == code {
				return &env, nil
			}
		}
		return nil, errors.Errorf("bybit error %d: %s", env.RetCode, env.RetMsg)
	}
	return &env, nil
}

func bybitSide(side domain.Side) string {
	if side == domain.SideShort {
		return "Sell"
	}
	return "Buy"
}

func formatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}

// PlaceMarketOrder creates a market order and polls the order status for the
// exchange-confirmed fill. If the fill cannot be read in time the requested
// quantity is reported with a warning; hedge sizing depends on this number.
func (b *BybitConnector) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*domain.OrderResult, error) {
	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"side":        bybitSide(side),
		"orderType":   "Market",
		"qty":         formatQty(quantity),
		"timeInForce": "IOC",
	}

	env, err := b.call(ctx, http.MethodPost, "/v5/order/create", payload)
	if err != nil {
		return nil, err
	}

	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(env.Result, &created); err != nil {
		return nil, errors.Wrap(err, "bybit order create decode")
	}

	filled := b.awaitFill(ctx, symbol, created.OrderID)
	if filled <= 0 {
		b.logger.Warn("Could not confirm fill, assuming requested quantity",
			zap.String("symbol", symbol),
			zap.String("order_id", created.OrderID))
		filled = quantity
	}

	return &domain.OrderResult{OrderID: created.OrderID, FilledQuantity: filled}, nil
}

// awaitFill polls the realtime order endpoint for cumExecQty.
func (b *BybitConnector) awaitFill(ctx context.Context, symbol, orderID string) float64 {
	path := fmt.Sprintf("/v5/order/realtime?category=linear&symbol=%s&orderId=%s", symbol, orderID)
	for attempt := 0; attempt < 5; attempt++ {
		env, err := b.call(ctx, http.MethodGet, path, nil)
		if err == nil {
			var result struct {
				List []struct {
					CumExecQty  string `json:"cumExecQty"`
					OrderStatus string `json:"orderStatus"`
				} `json:"list"`
			}
			if json.Unmarshal(env.Result, &result) == nil && len(result.List) > 0 {
				qty, _ := strconv.ParseFloat(result.List[0].CumExecQty, 64)
				if qty > 0 && result.List[0].OrderStatus == "Filled" {
					return qty
				}
			}
		}
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(200 * time.Millisecond):
		}
	}
	return 0
}

// ClosePosition closes whatever is open on the symbol with a reduce-only
// market order. No open position is success.
func (b *BybitConnector) ClosePosition(ctx context.Context, symbol string) error {
	positions, err := b.GetPositions(ctx, symbol)
	if err != nil {
		return err
	}

	var open *domain.ExchangePosition
	for i := range positions {
		if positions[i].Size > 0 {
			open = &positions[i]
			break
		}
	}
	if open == nil {
		return nil
	}

	closeSide := "Sell"
	if open.Side == "Sell" {
		closeSide = "Buy"
	}

	payload := map[string]interface{}{
		"category":   "linear",
		"symbol":     symbol,
		"side":       closeSide,
		"orderType":  "Market",
		"qty":        formatQty(open.Size),
		"reduceOnly": true,
	}

	// 110017: reduce-only order with nothing left to reduce; the position
	// is already gone.
	_, err = b.call(ctx, http.MethodPost, "/v5/order/create", payload, bybitRetReduceOnlyZero)
	return err
}

func (b *BybitConnector) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	payload := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	// 110043: leverage already at the requested value.
	_, err := b.call(ctx, http.MethodPost, "/v5/position/set-leverage", payload, bybitRetLeverageNotModified)
	return err
}

func (b *BybitConnector) GetPositions(ctx context.Context, symbol string) ([]domain.ExchangePosition, error) {
	path := "/v5/position/list?category=linear&symbol=" + symbol
	env, err := b.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			Symbol   string `json:"symbol"`
			Side     string `json:"side"`
			Size     string `json:"size"`
			AvgPrice string `json:"avgPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, errors.Wrap(err, "bybit position list decode")
	}

	positions := make([]domain.ExchangePosition, 0, len(result.List))
	for _, raw := range result.List {
		size, _ := strconv.ParseFloat(raw.Size, 64)
		entry, _ := strconv.ParseFloat(raw.AvgPrice, 64)
		positions = append(positions, domain.ExchangePosition{
			Symbol:     raw.Symbol,
			Side:       raw.Side,
			Size:       size,
			EntryPrice: entry,
		})
	}
	return positions, nil
}

func (b *BybitConnector) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	path := "/v5/market/tickers?category=linear&symbol=" + symbol
	env, err := b.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, errors.Errorf("bybit: symbol %s not found", symbol)
	}
	return strconv.ParseFloat(result.List[0].LastPrice, 64)
}

func (b *BybitConnector) GetAccountBalance(ctx context.Context) (*domain.AccountBalance, error) {
	path := "/v5/account/wallet-balance?accountType=UNIFIED"
	env, err := b.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, errors.Wrap(err, "bybit balance decode")
	}
	if len(result.List) == 0 {
		return &domain.AccountBalance{}, nil
	}
	available, _ := strconv.ParseFloat(result.List[0].TotalAvailableBalance, 64)
	return &domain.AccountBalance{AvailableBalance: available}, nil
}

// SetTradingStop attaches take profit and stop loss to the open position.
// "Not modified" means the levels are already in place and is success.
func (b *BybitConnector) SetTradingStop(ctx context.Context, params domain.TradingStopParams) error {
	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      params.Symbol,
		"tpslMode":    "Full",
		"positionIdx": 0,
	}
	if params.TakeProfit > 0 {
		payload["takeProfit"] = formatQty(params.TakeProfit)
	}
	if params.StopLoss > 0 {
		payload["stopLoss"] = formatQty(params.StopLoss)
	}

	_, err := b.call(ctx, http.MethodPost, "/v5/position/trading-stop", payload, bybitRetTradingStopNotModified)
	return err
}

func (b *BybitConnector) GetContractSpecification(ctx context.Context, symbol string) (*domain.ContractSpec, error) {
	path := "/v5/market/instruments-info?category=linear&symbol=" + symbol
	env, err := b.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, errors.Wrap(err, "bybit instruments decode")
	}
	if len(result.List) == 0 {
		return nil, errors.Errorf("bybit: instrument %s not found", symbol)
	}

	raw := result.List[0]
	step, _ := strconv.ParseFloat(raw.LotSizeFilter.QtyStep, 64)
	minQty, _ := strconv.ParseFloat(raw.LotSizeFilter.MinOrderQty, 64)
	return &domain.ContractSpec{
		Symbol:       raw.Symbol,
		ContractSize: 1,
		QtyStep:      step,
		MinQty:       minQty,
	}, nil
}

// --- WebSocket ---

// SubscribeToPriceStream opens a dedicated public WS connection for the
// symbol's ticker and delivers last prices. The returned function closes the
// connection.
func (b *BybitConnector) SubscribeToPriceStream(symbol string, callback func(price float64, ts time.Time)) (func(), error) {
	return b.subscribeTickers(symbol, func(lastPrice, markPrice float64, ts time.Time) {
		if lastPrice > 0 {
			callback(lastPrice, ts)
		}
	})
}

// SubscribeToMarkPriceStream delivers mark prices from the same ticker topic.
func (b *BybitConnector) SubscribeToMarkPriceStream(symbol string, callback func(price float64, ts time.Time)) (func(), error) {
	return b.subscribeTickers(symbol, func(lastPrice, markPrice float64, ts time.Time) {
		if markPrice > 0 {
			callback(markPrice, ts)
		}
	})
}

func (b *BybitConnector) subscribeTickers(symbol string, handle func(lastPrice, markPrice float64, ts time.Time)) (func(), error) {
	conn, _, err := websocket.DefaultDialer.Dial(b.wsURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "bybit ws dial")
	}

	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": []interface{}{"tickers." + symbol},
	}
	if err := conn.WriteJSON(subMsg); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "bybit ws subscribe")
	}

	done := make(chan struct{})
	go b.tickerReadLoop(conn, done, handle)

	return func() {
		close(done)
		conn.Close()
	}, nil
}

func (b *BybitConnector) tickerReadLoop(conn *websocket.Conn, done chan struct{}, handle func(lastPrice, markPrice float64, ts time.Time)) {
	defer conn.Close()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				b.logger.Warn("Bybit WS read error", zap.Error(err))
			}
			return
		}

		var event struct {
			Topic string `json:"topic"`
			TS    int64  `json:"ts"`
			Data  struct {
				LastPrice string `json:"lastPrice"`
				MarkPrice string `json:"markPrice"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if !strings.HasPrefix(event.Topic, "tickers.") {
			continue
		}

		// Ticker snapshots/deltas omit unchanged fields; zero means absent.
		last, _ := strconv.ParseFloat(event.Data.LastPrice, 64)
		mark, _ := strconv.ParseFloat(event.Data.MarkPrice, 64)
		ts := time.UnixMilli(event.TS)
		handle(last, mark, ts)
	}
}
