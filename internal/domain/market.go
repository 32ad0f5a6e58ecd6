package domain

// Candle is one closed (or closing) kline on the decision timeframe.
// Timestamps are unix milliseconds, matching the wire format.
type Candle struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"closeTime"`
}

type TradeSide string

const (
	TradeBuy  TradeSide = "buy"
	TradeSell TradeSide = "sell"
)

// AggTrade is one aggregated trade kept in the rolling flow window.
type AggTrade struct {
	Ts   int64
	Qty  float64
	Side TradeSide
}

// FlowSnapshot summarizes the flow window at a point in time.
type FlowSnapshot struct {
	BuyQty  float64
	SellQty float64
	Samples int
}

// Imbalance returns (buy-sell)/(buy+sell), or 0 when the window is empty.
func (f FlowSnapshot) Imbalance() float64 {
	total := f.BuyQty + f.SellQty
	if total <= 0 {
		return 0
	}
	return (f.BuyQty - f.SellQty) / total
}

type EventType string

const (
	EventTrade EventType = "trade"
	EventMark  EventType = "mark"
	EventKline EventType = "kline"
)

// MarketEvent is one decoded stream frame, keyed by lowercase market symbol.
// Exactly the fields for the event's Type are populated.
type MarketEvent struct {
	Type   EventType
	Symbol string

	// Trade
	Price        float64
	Qty          float64
	Ts           int64
	IsBuyerMaker bool

	// Mark
	MarkPrice float64

	// Kline
	Kline       Candle
	KlineClosed bool
}
