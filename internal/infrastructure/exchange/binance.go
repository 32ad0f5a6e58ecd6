package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_perp_engine/internal/domain"
)

const (
	BinanceFuturesBaseURL        = "https://fapi.binance.com"
	BinanceFuturesTestnetBaseURL = "https://testnet.binancefuture.com"
)

// BinanceFutures is the signed USD-M futures REST client. It implements
// domain.FuturesVenue.
type BinanceFutures struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	recvWindow int64
	client     *http.Client
	logger     *zap.Logger
	timeNow    func() time.Time
}

func NewBinanceFutures(apiKey, apiSecret, baseURL string, logger *zap.Logger) *BinanceFutures {
	return &BinanceFutures{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    strings.TrimRight(baseURL, "/"),
		recvWindow: 5000,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		timeNow:    time.Now,
	}
}

var _ domain.FuturesVenue = (*BinanceFutures)(nil)

// --- transport ---

func (b *BinanceFutures) sign(q url.Values) string {
	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	_, _ = io.WriteString(mac, q.Encode())
	return hex.EncodeToString(mac.Sum(nil))
}

// request performs one REST call. Signed requests get timestamp and
// recvWindow appended and the signature added last so it is never part of
// the signed payload.
func (b *BinanceFutures) request(ctx context.Context, method, path string, q url.Values, signed bool) ([]byte, error) {
	if q == nil {
		q = url.Values{}
	}
	query := q.Encode()
	if signed {
		q.Set("timestamp", strconv.FormatInt(b.timeNow().UnixMilli(), 10))
		q.Set("recvWindow", strconv.FormatInt(b.recvWindow, 10))
		query = q.Encode()
		query += "&signature=" + b.sign(q)
	}

	u := b.baseURL + path
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	if b.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseVenueError(resp.StatusCode, body)
	}
	return body, nil
}

func parseVenueError(status int, body []byte) error {
	var envelope struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Code == 0 {
		return &domain.VenueError{HTTPStatus: status, Message: string(body)}
	}
	return &domain.VenueError{Code: envelope.Code, HTTPStatus: status, Message: envelope.Msg}
}

// --- market data ---

func (b *BinanceFutures) Klines(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))

	body, err := b.request(ctx, http.MethodGet, "/fapi/v1/klines", q, false)
	if err != nil {
		return nil, err
	}

	// Row: [openTime, open, high, low, close, volume, closeTime, ...]
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse klines: %w", err)
	}
	candles := make([]domain.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		openTime, ok1 := asInt64(row[0])
		closeTime, ok2 := asInt64(row[6])
		open, e1 := parseFinite(asStr(row[1]))
		high, e2 := parseFinite(asStr(row[2]))
		low, e3 := parseFinite(asStr(row[3]))
		closeP, e4 := parseFinite(asStr(row[4]))
		vol, e5 := parseFinite(asStr(row[5]))
		if !ok1 || !ok2 || e1 != nil || e2 != nil || e3 != nil || e4 != nil || e5 != nil {
			continue
		}
		if closeTime <= openTime {
			continue
		}
		candles = append(candles, domain.Candle{
			OpenTime:  openTime,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closeP,
			Volume:    vol,
			CloseTime: closeTime,
		})
	}
	return candles, nil
}

func (b *BinanceFutures) BookTicker(ctx context.Context, symbol string) (*domain.BookTicker, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	body, err := b.request(ctx, http.MethodGet, "/fapi/v1/ticker/bookTicker", q, false)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse bookTicker: %w", err)
	}
	bid, e1 := parseFinite(raw.BidPrice)
	ask, e2 := parseFinite(raw.AskPrice)
	if e1 != nil || e2 != nil {
		return nil, fmt.Errorf("bookTicker has non-finite prices")
	}
	return &domain.BookTicker{Symbol: raw.Symbol, BidPrice: bid, AskPrice: ask}, nil
}

// --- account setup ---

func (b *BinanceFutures) PositionMode(ctx context.Context) (bool, error) {
	body, err := b.request(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", nil, true)
	if err != nil {
		return false, err
	}
	var raw struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return false, fmt.Errorf("parse position mode: %w", err)
	}
	return raw.DualSidePosition, nil
}

func (b *BinanceFutures) ExchangeInfo(ctx context.Context) (map[string]domain.SymbolFilters, error) {
	body, err := b.request(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				MinQty     string `json:"minQty"`
				StepSize   string `json:"stepSize"`
				TickSize   string `json:"tickSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse exchangeInfo: %w", err)
	}
	out := make(map[string]domain.SymbolFilters, len(raw.Symbols))
	for _, s := range raw.Symbols {
		f := domain.SymbolFilters{Symbol: s.Symbol}
		for _, filter := range s.Filters {
			switch filter.FilterType {
			case "LOT_SIZE":
				f.MinQty, _ = strconv.ParseFloat(filter.MinQty, 64)
				f.StepSize, _ = strconv.ParseFloat(filter.StepSize, 64)
			case "PRICE_FILTER":
				f.TickSize, _ = strconv.ParseFloat(filter.TickSize, 64)
			}
		}
		out[s.Symbol] = f
	}
	return out, nil
}

func (b *BinanceFutures) LeverageBrackets(ctx context.Context) (map[string]domain.LeverageBracket, error) {
	body, err := b.request(ctx, http.MethodGet, "/fapi/v1/leverageBracket", nil, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol   string `json:"symbol"`
		Brackets []struct {
			InitialLeverage int `json:"initialLeverage"`
		} `json:"brackets"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse leverageBracket: %w", err)
	}
	out := make(map[string]domain.LeverageBracket, len(raw))
	for _, entry := range raw {
		max := 0
		for _, br := range entry.Brackets {
			if br.InitialLeverage > max {
				max = br.InitialLeverage
			}
		}
		out[entry.Symbol] = domain.LeverageBracket{Symbol: entry.Symbol, MaxLeverage: max}
	}
	return out, nil
}

func (b *BinanceFutures) SetMarginType(ctx context.Context, symbol string, mode domain.MarginMode) error {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("marginType", string(mode))
	_, err := b.request(ctx, http.MethodPost, "/fapi/v1/marginType", q, true)
	return err
}

func (b *BinanceFutures) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("leverage", strconv.Itoa(leverage))
	_, err := b.request(ctx, http.MethodPost, "/fapi/v1/leverage", q, true)
	return err
}

// --- orders ---

// orderSide maps the trade direction to the venue order side.
func orderSide(side domain.Side) string {
	if side == domain.SideLong {
		return "BUY"
	}
	return "SELL"
}

func (b *BinanceFutures) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(req.Symbol))
	q.Set("side", orderSide(req.Side))
	q.Set("type", req.Type)
	q.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.Price > 0 {
		q.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	}
	if req.TimeInForce != "" {
		q.Set("timeInForce", req.TimeInForce)
	}
	if req.ReduceOnly {
		q.Set("reduceOnly", "true")
	}
	if req.PositionSide != "" {
		q.Set("positionSide", req.PositionSide)
	}
	if req.ClientOrderID != "" {
		q.Set("newClientOrderId", req.ClientOrderID)
	}
	q.Set("newOrderRespType", "RESULT")

	body, err := b.request(ctx, http.MethodPost, "/fapi/v1/order", q, true)
	if err != nil {
		return nil, err
	}
	return parseOrder(body)
}

func (b *BinanceFutures) GetOrder(ctx context.Context, symbol string, orderID int64) (*domain.Order, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("orderId", strconv.FormatInt(orderID, 10))
	body, err := b.request(ctx, http.MethodGet, "/fapi/v1/order", q, true)
	if err != nil {
		return nil, err
	}
	return parseOrder(body)
}

func (b *BinanceFutures) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := b.request(ctx, http.MethodDelete, "/fapi/v1/order", q, true)
	return err
}

func parseOrder(body []byte) (*domain.Order, error) {
	var raw struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Status        string `json:"status"`
		Price         string `json:"price"`
		OrigQty       string `json:"origQty"`
		ExecutedQty   string `json:"executedQty"`
		AvgPrice      string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse order: %w", err)
	}
	side := domain.SideLong
	if raw.Side == "SELL" {
		side = domain.SideShort
	}
	price, _ := strconv.ParseFloat(raw.Price, 64)
	origQty, _ := strconv.ParseFloat(raw.OrigQty, 64)
	executed, _ := strconv.ParseFloat(raw.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(raw.AvgPrice, 64)
	return &domain.Order{
		OrderID:       raw.OrderID,
		ClientOrderID: raw.ClientOrderID,
		Symbol:        raw.Symbol,
		Side:          side,
		Status:        raw.Status,
		Price:         price,
		OrigQty:       origQty,
		ExecutedQty:   executed,
		AvgPrice:      avg,
	}, nil
}

// --- reconciliation ---

func (b *BinanceFutures) PositionRisk(ctx context.Context) ([]domain.LivePosition, error) {
	body, err := b.request(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Notional         string `json:"notional"`
		IsolatedMargin   string `json:"isolatedMargin"`
		MarginType       string `json:"marginType"`
		Leverage         string `json:"leverage"`
		PositionSide     string `json:"positionSide"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse positionRisk: %w", err)
	}

	var out []domain.LivePosition
	for _, p := range raw {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		upnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		notional, _ := strconv.ParseFloat(p.Notional, 64)
		isoMargin, _ := strconv.ParseFloat(p.IsolatedMargin, 64)
		lev, _ := strconv.ParseFloat(p.Leverage, 64)

		// One-way positions derive the side from the signed amount; hedge
		// mode reports it explicitly.
		side := domain.SideLong
		switch p.PositionSide {
		case "LONG":
			side = domain.SideLong
		case "SHORT":
			side = domain.SideShort
		default:
			if amt < 0 {
				side = domain.SideShort
			}
		}

		marginMode := domain.MarginCross
		if strings.EqualFold(p.MarginType, "isolated") {
			marginMode = domain.MarginIsolated
		}

		out = append(out, domain.LivePosition{
			Symbol:           p.Symbol,
			Side:             side,
			Quantity:         math.Abs(amt),
			EntryPrice:       entry,
			MarkPrice:        mark,
			UnrealizedPnlUsd: upnl,
			NotionalUsd:      math.Abs(notional),
			MarginUsd:        isoMargin,
			MarginType:       marginMode,
			Leverage:         lev,
		})
	}
	return out, nil
}

func (b *BinanceFutures) Income(ctx context.Context, startTs int64, limit int) ([]domain.IncomeEvent, error) {
	q := url.Values{}
	if startTs > 0 {
		q.Set("startTime", strconv.FormatInt(startTs, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	body, err := b.request(ctx, http.MethodGet, "/fapi/v1/income", q, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol     string `json:"symbol"`
		IncomeType string `json:"incomeType"`
		Income     string `json:"income"`
		Time       int64  `json:"time"`
		TranID     int64  `json:"tranId"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse income: %w", err)
	}
	var out []domain.IncomeEvent
	for _, e := range raw {
		amount, err := parseFinite(e.Income)
		if err != nil {
			continue
		}
		switch domain.IncomeType(e.IncomeType) {
		case domain.IncomeRealizedPnl, domain.IncomeCommission, domain.IncomeFunding:
		default:
			continue
		}
		out = append(out, domain.IncomeEvent{
			TranID:     e.TranID,
			Symbol:     e.Symbol,
			IncomeType: domain.IncomeType(e.IncomeType),
			Income:     amount,
			Ts:         e.Time,
		})
	}
	return out, nil
}

// --- helpers ---

func asStr(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func asInt64(v interface{}) (int64, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}
