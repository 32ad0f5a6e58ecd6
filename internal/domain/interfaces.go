package domain

import "context"

// FuturesVenue is the signed REST surface of the derivatives exchange.
type FuturesVenue interface {
	// Market data
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	BookTicker(ctx context.Context, symbol string) (*BookTicker, error)

	// Account setup
	PositionMode(ctx context.Context) (hedge bool, err error)
	ExchangeInfo(ctx context.Context) (map[string]SymbolFilters, error)
	LeverageBrackets(ctx context.Context) (map[string]LeverageBracket, error)
	SetMarginType(ctx context.Context, symbol string, mode MarginMode) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// Orders
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error

	// Reconciliation
	PositionRisk(ctx context.Context) ([]LivePosition, error)
	Income(ctx context.Context, startTs int64, limit int) ([]IncomeEvent, error)
}

// OrderRequest is a venue order submission. Zero-valued optional fields are
// omitted from the wire request.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          string
	Quantity      float64
	Price         float64
	TimeInForce   string
	ReduceOnly    bool
	PositionSide  string
	ClientOrderID string
}

// TradeJournal persists closed simulated trades and venue income events.
type TradeJournal interface {
	SaveClosedTrade(ctx context.Context, symbol string, trade *ClosedTrade) error
	ListClosedTrades(ctx context.Context, limit int) ([]*JournalTrade, error)
	SaveIncomeEvent(ctx context.Context, e IncomeEvent) error
	ListIncomeEvents(ctx context.Context, limit int) ([]IncomeEvent, error)
	SaveCandles(ctx context.Context, symbol, interval string, candles []Candle) error
}

// JournalTrade is a persisted closed trade row.
type JournalTrade struct {
	ID         int64      `json:"id"`
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	Quantity   float64    `json:"quantity"`
	MarginUsd  float64    `json:"margin_usd"`
	Leverage   float64    `json:"leverage"`
	ExitReason ExitReason `json:"exit_reason"`
	PnlUsd     float64    `json:"pnl_usd"`
	RoiPct     float64    `json:"roi_pct"`
	IsWin      bool       `json:"is_win"`
	EntryTime  int64      `json:"entry_time"`
	ExitTime   int64      `json:"exit_time"`
}

// Renderer consumes the per-tick status rows. Formatting is its concern.
type Renderer interface {
	Publish(rows []StatusRow)
}
