package domain

import "fmt"

type MarginMode string

const (
	MarginIsolated MarginMode = "ISOLATED"
	MarginCross    MarginMode = "CROSS"
	MarginUnknown  MarginMode = "UNKNOWN"
)

type EntryMode string

const (
	EntryMarket   EntryMode = "MARKET"
	EntryLimitGTX EntryMode = "LIMIT_GTX"
)

// SymbolFilters are the venue lot/tick constraints for one market symbol,
// taken from the LOT_SIZE and PRICE_FILTER exchange-info filters.
type SymbolFilters struct {
	Symbol   string
	MinQty   float64
	StepSize float64
	TickSize float64
}

// LivePosition is a reconciled server-side position snapshot.
type LivePosition struct {
	Symbol           string     `json:"symbol"`
	Side             Side       `json:"side"`
	Quantity         float64    `json:"quantity"`
	EntryPrice       float64    `json:"entry_price"`
	MarkPrice        float64    `json:"mark_price"`
	UnrealizedPnlUsd float64    `json:"unrealized_pnl_usd"`
	NotionalUsd      float64    `json:"notional_usd"`
	MarginUsd        float64    `json:"margin_usd"`
	MarginType       MarginMode `json:"margin_type"`
	Leverage         float64    `json:"leverage"`
}

type IncomeType string

const (
	IncomeRealizedPnl IncomeType = "REALIZED_PNL"
	IncomeCommission  IncomeType = "COMMISSION"
	IncomeFunding     IncomeType = "FUNDING_FEE"
)

// IncomeEvent is one row of the venue income ledger.
type IncomeEvent struct {
	TranID     int64
	Symbol     string
	IncomeType IncomeType
	Income     float64
	Ts         int64
}

// DedupeKey identifies an income row; replaying the same row never changes
// the accumulated stats.
func (e IncomeEvent) DedupeKey() string {
	return fmt.Sprintf("%d|%s|%s|%d|%.8f", e.TranID, e.Symbol, e.IncomeType, e.Ts, e.Income)
}

// IncomeStats are monotonic accumulators over deduplicated income events.
type IncomeStats struct {
	RealizedPnlUsd float64 `json:"realized_pnl_usd"`
	CommissionUsd  float64 `json:"commission_usd"`
	FundingUsd     float64 `json:"funding_usd"`
	NetUsd         float64 `json:"net_usd"`
	Events         int     `json:"events"`
}

func (s *IncomeStats) Apply(e IncomeEvent) {
	switch e.IncomeType {
	case IncomeRealizedPnl:
		s.RealizedPnlUsd += e.Income
	case IncomeCommission:
		s.CommissionUsd += e.Income
	case IncomeFunding:
		s.FundingUsd += e.Income
	}
	s.NetUsd += e.Income
	s.Events++
}

// VenueError is a parsed venue error envelope {code, msg}. Retry logic
// branches on Code.
type VenueError struct {
	Code       int
	HTTPStatus int
	Message    string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Known venue error codes with dedicated handling.
const (
	CodeNoNeedChangeMargin = -4046 // margin type already set
	CodeInvalidLeverage    = -4028 // leverage outside bracket
	CodeGTXWouldMatch      = -5022 // post-only order would immediately match
	CodeOrderWouldMatch    = -2010 // order rejected (immediate match variant)
)

// OrderStatus values returned by the order endpoint.
const (
	OrderNew             = "NEW"
	OrderPartiallyFilled = "PARTIALLY_FILLED"
	OrderFilled          = "FILLED"
	OrderCanceled        = "CANCELED"
	OrderExpired         = "EXPIRED"
	OrderRejected        = "REJECTED"
)

// Order is the subset of a venue order used by the live trader.
type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          Side
	Status        string
	Price         float64
	OrigQty       float64
	ExecutedQty   float64
	AvgPrice      float64
}

// BookTicker is a top-of-book snapshot.
type BookTicker struct {
	Symbol   string
	BidPrice float64
	AskPrice float64
}

// SpreadBps returns the observed spread in basis points over the mid price.
func (b BookTicker) SpreadBps() float64 {
	mid := (b.BidPrice + b.AskPrice) / 2
	if mid <= 0 {
		return 0
	}
	return (b.AskPrice - b.BidPrice) / mid * 10000
}

// LeverageBracket is the max initial leverage discovered for a symbol.
type LeverageBracket struct {
	Symbol      string
	MaxLeverage int
}
