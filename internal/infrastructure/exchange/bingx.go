package exchange

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/vitos/hedge_trade_bot/internal/domain"
	"go.uber.org/zap"
)

const (
	BingXBaseURL = "https://open-api.bingx.com"
	BingXWSURL   = "wss://open-api-swap.bingx.com/swap-market"
)

// BingXConnector talks to BingX's perpetual swap v2 API. It supports trading
// stops and a live price stream but exposes no mark price stream and no
// contract specifications; callers fall back accordingly.
type BingXConnector struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	logger    *zap.Logger
}

func NewBingXConnector(creds *domain.ExchangeCredentials, logger *zap.Logger) *BingXConnector {
	return &BingXConnector{
		apiKey:    creds.APIKey,
		apiSecret: creds.APISecret,
		baseURL:   BingXBaseURL,
		wsURL:     BingXWSURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
	}
}

func (x *BingXConnector) Name() string { return "BINGX" }

func (x *BingXConnector) Initialize(ctx context.Context) error {
	if _, err := x.GetAccountBalance(ctx); err != nil {
		return errors.Wrap(err, "bingx credential check failed")
	}
	return nil
}

// bingxSymbol converts the core's compact form to BingX's dashed pairs
// (BTCUSDT -> BTC-USDT).
func bingxSymbol(symbol string) string {
	if strings.Contains(symbol, "-") {
		return symbol
	}
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return symbol[:len(symbol)-len(quote)] + "-" + quote
		}
	}
	return symbol
}

// --- REST API ---

func (x *BingXConnector) sign(query string) string {
	h := hmac.New(sha256.New, []byte(x.apiSecret))
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}

func (x *BingXConnector) sendRequest(ctx context.Context, method, path string, params map[string]string) ([]byte, error) {
	if params == nil {
		params = map[string]string{}
	}
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	rawQuery := sb.String()
	signed := rawQuery + "&signature=" + x.sign(rawQuery)

	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, x.baseURL+path+"?"+signed, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, x.baseURL+path, bytes.NewBufferString(signed))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-BX-APIKEY", x.apiKey)

	resp, err := x.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, errors.Errorf("bingx API error: %s", string(body))
	}
	return body, nil
}

func (x *BingXConnector) call(ctx context.Context, method, path string, params map[string]string) (json.RawMessage, error) {
	body, err := x.sendRequest(ctx, method, path, params)
	if err != nil {
		return nil, err
	}
	var env struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrap(err, "bingx response decode")
	}
	if env.Code != 0 {
		return nil, errors.Errorf("bingx error %d: %s", env.Code, env.Msg)
	}
	return env.Data, nil
}

func bingxPositionSide(side domain.Side) string {
	if side == domain.SideShort {
		return "SHORT"
	}
	return "LONG"
}

func (x *BingXConnector) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*domain.OrderResult, error) {
	pair := bingxSymbol(symbol)
	orderSide := "BUY"
	if side == domain.SideShort {
		orderSide = "SELL"
	}

	params := map[string]string{
		"symbol":       pair,
		"side":         orderSide,
		"positionSide": bingxPositionSide(side),
		"type":         "MARKET",
		"quantity":     formatQty(quantity),
	}
	data, err := x.call(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", params)
	if err != nil {
		return nil, err
	}

	var created struct {
		Order struct {
			OrderID int64 `json:"orderId"`
		} `json:"order"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, errors.Wrap(err, "bingx order create decode")
	}
	orderID := strconv.FormatInt(created.Order.OrderID, 10)

	filled := x.awaitFill(ctx, pair, orderID)
	if filled <= 0 {
		x.logger.Warn("Could not confirm fill, assuming requested quantity",
			zap.String("symbol", pair),
			zap.String("order_id", orderID))
		filled = quantity
	}
	return &domain.OrderResult{OrderID: orderID, FilledQuantity: filled}, nil
}

func (x *BingXConnector) awaitFill(ctx context.Context, pair, orderID string) float64 {
	params := map[string]string{"symbol": pair, "orderId": orderID}
	for attempt := 0; attempt < 5; attempt++ {
		data, err := x.call(ctx, http.MethodGet, "/openApi/swap/v2/trade/order", params)
		if err == nil {
			var result struct {
				Order struct {
					ExecutedQty string `json:"executedQty"`
					Status      string `json:"status"`
				} `json:"order"`
			}
			if json.Unmarshal(data, &result) == nil {
				qty, _ := strconv.ParseFloat(result.Order.ExecutedQty, 64)
				if qty > 0 && result.Order.Status == "FILLED" {
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

func (x *BingXConnector) ClosePosition(ctx context.Context, symbol string) error {
	positions, err := x.GetPositions(ctx, symbol)
	if err != nil {
		return err
	}

	pair := bingxSymbol(symbol)
	for _, open := range positions {
		if open.Size <= 0 {
			continue
		}
		// Closing a LONG sells, closing a SHORT buys.
		orderSide := "SELL"
		if strings.EqualFold(open.Side, "SHORT") {
			orderSide = "BUY"
		}
		params := map[string]string{
			"symbol":       pair,
			"side":         orderSide,
			"positionSide": strings.ToUpper(open.Side),
			"type":         "MARKET",
			"quantity":     formatQty(open.Size),
			"reduceOnly":   "true",
		}
		if _, err := x.call(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", params); err != nil {
			return err
		}
	}
	return nil
}

// SetLeverage applies the leverage to both position sides; BingX keeps them
// separate. A response saying the value is unchanged is success.
func (x *BingXConnector) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	pair := bingxSymbol(symbol)
	for _, posSide := range []string{"LONG", "SHORT"} {
		params := map[string]string{
			"symbol":   pair,
			"side":     posSide,
			"leverage": strconv.Itoa(leverage),
		}
		if _, err := x.call(ctx, http.MethodPost, "/openApi/swap/v2/trade/leverage", params); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "not modified") {
				continue
			}
			return err
		}
	}
	return nil
}

func (x *BingXConnector) GetPositions(ctx context.Context, symbol string) ([]domain.ExchangePosition, error) {
	params := map[string]string{"symbol": bingxSymbol(symbol)}
	data, err := x.call(ctx, http.MethodGet, "/openApi/swap/v2/user/positions", params)
	if err != nil {
		return nil, err
	}

	var list []struct {
		Symbol       string `json:"symbol"`
		PositionSide string `json:"positionSide"`
		PositionAmt  string `json:"positionAmt"`
		AvgPrice     string `json:"avgPrice"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, errors.Wrap(err, "bingx position list decode")
	}

	positions := make([]domain.ExchangePosition, 0, len(list))
	for _, raw := range list {
		size, _ := strconv.ParseFloat(raw.PositionAmt, 64)
		if size < 0 {
			size = -size
		}
		entry, _ := strconv.ParseFloat(raw.AvgPrice, 64)
		positions = append(positions, domain.ExchangePosition{
			Symbol:     raw.Symbol,
			Side:       raw.PositionSide,
			Size:       size,
			EntryPrice: entry,
		})
	}
	return positions, nil
}

func (x *BingXConnector) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	params := map[string]string{"symbol": bingxSymbol(symbol)}
	data, err := x.call(ctx, http.MethodGet, "/openApi/swap/v2/quote/price", params)
	if err != nil {
		return 0, err
	}
	var result struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(result.Price, 64)
}

func (x *BingXConnector) GetAccountBalance(ctx context.Context) (*domain.AccountBalance, error) {
	data, err := x.call(ctx, http.MethodGet, "/openApi/swap/v2/user/balance", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Balance struct {
			AvailableMargin string `json:"availableMargin"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "bingx balance decode")
	}
	available, _ := strconv.ParseFloat(result.Balance.AvailableMargin, 64)
	return &domain.AccountBalance{AvailableBalance: available}, nil
}

// SetTradingStop emulates a position trading stop with a pair of
// close-position trigger orders, since BingX has no single endpoint for it.
func (x *BingXConnector) SetTradingStop(ctx context.Context, params domain.TradingStopParams) error {
	pair := bingxSymbol(params.Symbol)
	posSide := bingxPositionSide(params.Side)
	orderSide := "SELL"
	if params.Side == domain.SideShort {
		orderSide = "BUY"
	}

	place := func(orderType string, triggerPrice float64) error {
		p := map[string]string{
			"symbol":        pair,
			"side":          orderSide,
			"positionSide":  posSide,
			"type":          orderType,
			"stopPrice":     formatQty(triggerPrice),
			"closePosition": "true",
		}
		_, err := x.call(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", p)
		return err
	}

	if params.StopLoss > 0 {
		if err := place("STOP_MARKET", params.StopLoss); err != nil {
			return errors.Wrap(err, "bingx stop loss order")
		}
	}
	if params.TakeProfit > 0 {
		if err := place("TAKE_PROFIT_MARKET", params.TakeProfit); err != nil {
			return errors.Wrap(err, "bingx take profit order")
		}
	}
	return nil
}

// --- WebSocket ---

// SubscribeToPriceStream opens a market data connection for the symbol's
// last price channel. BingX compresses every frame with gzip and expects a
// literal Pong reply to its Ping.
func (x *BingXConnector) SubscribeToPriceStream(symbol string, callback func(price float64, ts time.Time)) (func(), error) {
	conn, _, err := websocket.DefaultDialer.Dial(x.wsURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "bingx ws dial")
	}

	channel := bingxSymbol(symbol) + "@lastPrice"
	subMsg := map[string]interface{}{
		"id":       uuid.NewString(),
		"reqType":  "sub",
		"dataType": channel,
	}
	if err := conn.WriteJSON(subMsg); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "bingx ws subscribe")
	}

	done := make(chan struct{})
	go x.priceReadLoop(conn, done, channel, callback)

	return func() {
		close(done)
		conn.Close()
	}, nil
}

func (x *BingXConnector) priceReadLoop(conn *websocket.Conn, done chan struct{}, channel string, callback func(price float64, ts time.Time)) {
	defer conn.Close()
	for {
		_, compressed, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				x.logger.Warn("BingX WS read error", zap.Error(err))
			}
			return
		}

		message, err := gunzip(compressed)
		if err != nil {
			// Control frames may arrive uncompressed.
			message = compressed
		}

		if string(message) == "Ping" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte("Pong"))
			continue
		}

		var event struct {
			DataType string `json:"dataType"`
			Data     struct {
				Price string `json:"c"`
				Time  int64  `json:"E"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if event.DataType != channel {
			continue
		}
		price, err := strconv.ParseFloat(event.Data.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		callback(price, time.UnixMilli(event.Data.Time))
	}
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
