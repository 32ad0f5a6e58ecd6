package domain

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

type ExitReason string

const (
	ExitStopLoss   ExitReason = "SL_ROI"
	ExitTrail      ExitReason = "TRAIL_ROI"
	ExitLockProfit ExitReason = "LOCK_PROFIT"
)

// ActiveTrade is the single open simulated trade of a symbol.
type ActiveTrade struct {
	Side             Side
	EntryPrice       float64
	EntryTime        int64
	MarginUsd        float64
	Leverage         float64
	PositionValueUsd float64
	Quantity         float64

	StopLossRoiPct      float64
	TrailActivateRoiPct float64
	TrailDdRoiPct       float64
	MinNetProfitUsd     float64

	FeeRatePct          float64
	EntryFeeUsd         float64
	EstimatedExitFeeUsd float64

	TrailingArmed bool
	PeakNetPnlUsd float64
	PeakRoiPct    float64

	Meta string
}

// ClosedTrade is the terminal snapshot of an ActiveTrade.
type ClosedTrade struct {
	ActiveTrade

	ExitPrice   float64
	ExitTime    int64
	ExitReason  ExitReason
	GrossPnlUsd float64
	FeesUsd     float64
	PnlUsd      float64
	RoiPct      float64
	IsWin       bool
}

// SimStats are per-symbol aggregate counters over closed trades.
type SimStats struct {
	Total          int     `json:"total"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	RealizedPnlUsd float64 `json:"realized_pnl_usd"`
}
