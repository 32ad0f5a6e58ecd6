package exchange

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vitos/crypto_perp_engine/internal/domain"
)

// DecodeFrame parses one raw stream frame into at most one MarketEvent.
// Frames arrive either wrapped in a combined-stream envelope {stream, data}
// or as a bare payload. Unknown event discriminators yield (nil, nil);
// malformed JSON, venue error envelopes and non-finite numerics are errors.
func DecodeFrame(raw []byte) (*domain.MarketEvent, error) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	payload := raw
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 {
		payload = envelope.Data
	}

	var head struct {
		Event string `json:"e"`
		Code  *int   `json:"code"`
		Msg   string `json:"msg"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if head.Code != nil {
		return nil, &domain.VenueError{Code: *head.Code, Message: head.Msg}
	}

	switch head.Event {
	case "trade", "aggTrade":
		return decodeTrade(payload)
	case "markPriceUpdate":
		return decodeMark(payload)
	case "kline":
		return decodeKline(payload)
	default:
		return nil, nil
	}
}

func decodeTrade(payload []byte) (*domain.MarketEvent, error) {
	var msg struct {
		Symbol       string `json:"s"`
		Price        string `json:"p"`
		Qty          string `json:"q"`
		TradeTime    int64  `json:"T"`
		IsBuyerMaker bool   `json:"m"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode trade: %w", err)
	}
	price, err1 := parseFinite(msg.Price)
	qty, err2 := parseFinite(msg.Qty)
	if err1 != nil || err2 != nil || msg.Symbol == "" {
		return nil, fmt.Errorf("trade payload has non-finite fields")
	}
	return &domain.MarketEvent{
		Type:         domain.EventTrade,
		Symbol:       strings.ToLower(msg.Symbol),
		Price:        price,
		Qty:          qty,
		Ts:           msg.TradeTime,
		IsBuyerMaker: msg.IsBuyerMaker,
	}, nil
}

func decodeMark(payload []byte) (*domain.MarketEvent, error) {
	var msg struct {
		Symbol    string `json:"s"`
		MarkPrice string `json:"p"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode mark: %w", err)
	}
	mark, err := parseFinite(msg.MarkPrice)
	if err != nil || msg.Symbol == "" {
		return nil, fmt.Errorf("mark payload has non-finite fields")
	}
	return &domain.MarketEvent{
		Type:      domain.EventMark,
		Symbol:    strings.ToLower(msg.Symbol),
		MarkPrice: mark,
		Ts:        msg.EventTime,
	}, nil
}

func decodeKline(payload []byte) (*domain.MarketEvent, error) {
	var msg struct {
		Symbol string `json:"s"`
		K      struct {
			OpenTime  int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Open      string `json:"o"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Close     string `json:"c"`
			Volume    string `json:"v"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode kline: %w", err)
	}
	open, e1 := parseFinite(msg.K.Open)
	high, e2 := parseFinite(msg.K.High)
	low, e3 := parseFinite(msg.K.Low)
	closeP, e4 := parseFinite(msg.K.Close)
	vol, e5 := parseFinite(msg.K.Volume)
	if e1 != nil || e2 != nil || e3 != nil || e4 != nil || e5 != nil || msg.Symbol == "" {
		return nil, fmt.Errorf("kline payload has non-finite fields")
	}
	if msg.K.CloseTime <= msg.K.OpenTime {
		return nil, fmt.Errorf("kline closeTime %d <= openTime %d", msg.K.CloseTime, msg.K.OpenTime)
	}
	return &domain.MarketEvent{
		Type:   domain.EventKline,
		Symbol: strings.ToLower(msg.Symbol),
		Kline: domain.Candle{
			OpenTime:  msg.K.OpenTime,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closeP,
			Volume:    vol,
			CloseTime: msg.K.CloseTime,
		},
		KlineClosed: msg.K.Closed,
	}, nil
}

func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}
