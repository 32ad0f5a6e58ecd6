package domain

// StatusRow is the published per-symbol snapshot consumed by renderers.
// Field semantics are stable; formatting is the renderer's concern.
type StatusRow struct {
	Symbol         string         `json:"symbol"`
	MarkPrice      float64        `json:"mark_price"`
	TradePrice     float64        `json:"trade_price"`
	LastVolume5m   float64        `json:"last_volume_5m"`
	MsToNextCandle int64          `json:"ms_to_next_candle"`
	PlanStatus     DecisionStatus `json:"plan_status"`
	LongAbove      float64        `json:"long_above"`
	ShortBelow     float64        `json:"short_below"`
	SimSide        Side           `json:"sim_side,omitempty"`
	Note           string         `json:"note,omitempty"`
	LastError      string         `json:"last_error,omitempty"`

	SimMetrics     *SimMetrics   `json:"sim_metrics,omitempty"`
	LivePosition   *LivePosition `json:"live_position,omitempty"`
	LiveIncome     *IncomeStats  `json:"live_income,omitempty"`
	LiveLastAction string        `json:"live_last_action,omitempty"`
	LiveLeverage   int           `json:"live_leverage,omitempty"`
}

// SimMetrics summarizes the simulator for one symbol.
type SimMetrics struct {
	Stats         SimStats `json:"stats"`
	OpenRoiPct    float64  `json:"open_roi_pct"`
	OpenNetPnlUsd float64  `json:"open_net_pnl_usd"`
	TrailingArmed bool     `json:"trailing_armed"`
	LastExit      string   `json:"last_exit,omitempty"`
}
