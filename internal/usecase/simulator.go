package usecase

import (
	"fmt"
	"math"
	"sync"

	"github.com/vitos/crypto_perp_engine/internal/domain"
	"github.com/vitos/crypto_perp_engine/internal/metrics"
)

const (
	simHistoryBound = 30

	// Risk parameters interpolate against the setup trigger mapped into
	// this range.
	interpTriggerMinPct = 0.08
	interpTriggerMaxPct = 1.8

	// Hard flow veto on entry, independent of the planner's confirm
	// threshold.
	flowVetoImbalance  = 0.05
	flowVetoMinSamples = 20
)

// SimRiskConfig are the min/max risk parameter pairs interpolated per trade.
type SimRiskConfig struct {
	MarginUsd              float64
	Leverage               float64
	StopLossRoiMinPct      float64
	StopLossRoiMaxPct      float64
	TrailActivateRoiMinPct float64
	TrailActivateRoiMaxPct float64
	TrailDdRoiMinPct       float64
	TrailDdRoiMaxPct       float64
	MinNetProfitUsd        float64
	FeeRatePct             float64
}

// SimState is one symbol's simulator state: at most one open trade, a
// bounded history and aggregate stats.
type SimState struct {
	Active     *domain.ActiveTrade
	History    []domain.ClosedTrade
	Stats      domain.SimStats
	LastClosed *domain.ClosedTrade
}

// Simulator drives the ROI-based trade state machine per symbol.
type Simulator struct {
	cfg SimRiskConfig

	mu     sync.Mutex
	states map[string]*SimState
}

func NewSimulator(cfg SimRiskConfig) *Simulator {
	return &Simulator{cfg: cfg, states: make(map[string]*SimState)}
}

func (s *Simulator) state(symbol string) *SimState {
	st, ok := s.states[symbol]
	if !ok {
		st = &SimState{}
		s.states[symbol] = st
	}
	return st
}

// ActiveTrade returns a copy of the open trade, if any.
func (s *Simulator) ActiveTrade(symbol string) (domain.ActiveTrade, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(symbol)
	if st.Active == nil {
		return domain.ActiveTrade{}, false
	}
	return *st.Active, true
}

// Metrics summarizes the symbol's simulator for the renderer row.
func (s *Simulator) Metrics(symbol string, livePrice float64) domain.SimMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(symbol)
	out := domain.SimMetrics{Stats: st.Stats}
	if st.Active != nil && livePrice > 0 {
		net, roi := netPnl(st.Active, livePrice)
		out.OpenNetPnlUsd = net
		out.OpenRoiPct = roi
		out.TrailingArmed = st.Active.TrailingArmed
	}
	if st.LastClosed != nil {
		out.LastExit = fmt.Sprintf("%s %.2f USD", st.LastClosed.ExitReason, st.LastClosed.PnlUsd)
	}
	return out
}

// MaybeOpenTrade opens a trade when the plan is an untriggered SETUP and the
// live price has crossed a threshold. Returns the opened trade, or nil.
func (s *Simulator) MaybeOpenTrade(symbol string, plan *domain.DecisionPlan, livePrice float64, now int64) *domain.ActiveTrade {
	if plan == nil || plan.Status != domain.StatusSetup || plan.HasTriggered {
		return nil
	}
	if !finitePositive(livePrice) || !finitePositive(plan.LongAbove) || !finitePositive(plan.ShortBelow) {
		return nil
	}

	var side domain.Side
	switch {
	case livePrice >= plan.LongAbove:
		side = domain.SideLong
	case livePrice <= plan.ShortBelow:
		side = domain.SideShort
	default:
		return nil
	}

	// Flow veto: do not buy into heavy selling or sell into heavy buying.
	if plan.HasFlow && plan.FlowSamples >= flowVetoMinSamples && isFinite(plan.FlowImbalance) {
		if side == domain.SideLong && plan.FlowImbalance < -flowVetoImbalance {
			return nil
		}
		if side == domain.SideShort && plan.FlowImbalance > flowVetoImbalance {
			return nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(symbol)
	if st.Active != nil {
		return nil
	}

	t := interpT(plan.TriggerPct)
	positionValue := s.cfg.MarginUsd * s.cfg.Leverage
	quantity := positionValue / livePrice
	if !finitePositive(quantity) {
		return nil
	}

	entryFee := positionValue * s.cfg.FeeRatePct / 100
	estimatedExitFee := entryFee
	minNetProfit := math.Max(s.cfg.MinNetProfitUsd, (entryFee+estimatedExitFee)*1.25)

	trade := &domain.ActiveTrade{
		Side:                side,
		EntryPrice:          livePrice,
		EntryTime:           now,
		MarginUsd:           s.cfg.MarginUsd,
		Leverage:            s.cfg.Leverage,
		PositionValueUsd:    positionValue,
		Quantity:            quantity,
		StopLossRoiPct:      lerp(s.cfg.StopLossRoiMinPct, s.cfg.StopLossRoiMaxPct, t),
		TrailActivateRoiPct: lerp(s.cfg.TrailActivateRoiMinPct, s.cfg.TrailActivateRoiMaxPct, t),
		TrailDdRoiPct:       lerp(s.cfg.TrailDdRoiMinPct, s.cfg.TrailDdRoiMaxPct, t),
		MinNetProfitUsd:     minNetProfit,
		FeeRatePct:          s.cfg.FeeRatePct,
		EntryFeeUsd:         entryFee,
		EstimatedExitFeeUsd: estimatedExitFee,
		// Peaks start net of the round trip so trailing references real profit.
		PeakNetPnlUsd: -(entryFee + estimatedExitFee),
		PeakRoiPct:    -(entryFee + estimatedExitFee) / s.cfg.MarginUsd * 100,
		Meta:          plan.Reason,
	}
	st.Active = trade
	plan.HasTriggered = true
	metrics.IncSimTrades("open")
	return trade
}

// UpdateOpenTrade re-evaluates the open trade against the live price and
// closes it when an exit rule fires. Returns the closed trade, or nil.
func (s *Simulator) UpdateOpenTrade(symbol string, livePrice float64, now int64) *domain.ClosedTrade {
	if !finitePositive(livePrice) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(symbol)
	trade := st.Active
	if trade == nil {
		return nil
	}

	net, roi := netPnl(trade, livePrice)

	// 1. Stop-loss outranks everything.
	if roi <= -trade.StopLossRoiPct {
		return s.closeLocked(st, symbol, livePrice, now, domain.ExitStopLoss)
	}

	// 2. Track peaks.
	if net > trade.PeakNetPnlUsd {
		trade.PeakNetPnlUsd = net
		trade.PeakRoiPct = roi
	}

	// 3. Arm trailing once; it never un-arms.
	if roi >= trade.TrailActivateRoiPct {
		trade.TrailingArmed = true
	}

	// 4. Trailing drawdown from the peak.
	if trade.TrailingArmed && trade.PeakRoiPct-roi >= trade.TrailDdRoiPct && net >= trade.MinNetProfitUsd {
		return s.closeLocked(st, symbol, livePrice, now, domain.ExitTrail)
	}

	// 5. Lock profit when the peak cleared the floor and net fell back to it.
	if trade.TrailingArmed && trade.PeakNetPnlUsd >= trade.MinNetProfitUsd && net <= trade.MinNetProfitUsd {
		return s.closeLocked(st, symbol, livePrice, now, domain.ExitLockProfit)
	}

	return nil
}

func (s *Simulator) closeLocked(st *SimState, symbol string, livePrice float64, now int64, reason domain.ExitReason) *domain.ClosedTrade {
	trade := st.Active
	gross := grossPnl(trade, livePrice)
	exitFee := math.Abs(trade.Quantity*livePrice) * trade.FeeRatePct / 100
	fees := trade.EntryFeeUsd + exitFee
	net := gross - fees

	closed := domain.ClosedTrade{
		ActiveTrade: *trade,
		ExitPrice:   livePrice,
		ExitTime:    now,
		ExitReason:  reason,
		GrossPnlUsd: gross,
		FeesUsd:     fees,
		PnlUsd:      net,
		RoiPct:      net / trade.MarginUsd * 100,
		IsWin:       net > 0,
	}

	st.Active = nil
	st.History = append(st.History, closed)
	if len(st.History) > simHistoryBound {
		st.History = st.History[len(st.History)-simHistoryBound:]
	}
	st.Stats.Total++
	if closed.IsWin {
		st.Stats.Wins++
		metrics.IncSimTrades("win")
	} else {
		st.Stats.Losses++
		metrics.IncSimTrades("loss")
	}
	st.Stats.RealizedPnlUsd += closed.PnlUsd
	st.LastClosed = &closed
	metrics.IncSimExit(string(reason), string(closed.Side))

	var total float64
	for _, state := range s.states {
		total += state.Stats.RealizedPnlUsd
	}
	metrics.SetSimRealizedPnl(total)

	return &closed
}

func grossPnl(t *domain.ActiveTrade, price float64) float64 {
	if t.Side == domain.SideLong {
		return (price - t.EntryPrice) * t.Quantity
	}
	return (t.EntryPrice - price) * t.Quantity
}

func netPnl(t *domain.ActiveTrade, price float64) (net, roiPct float64) {
	gross := grossPnl(t, price)
	exitFee := math.Abs(t.Quantity*price) * t.FeeRatePct / 100
	net = gross - (t.EntryFeeUsd + exitFee)
	roiPct = net / t.MarginUsd * 100
	return net, roiPct
}

// interpT maps a setup trigger into [0,1] over the interpolation range.
func interpT(triggerPct float64) float64 {
	return clamp((triggerPct-interpTriggerMinPct)/(interpTriggerMaxPct-interpTriggerMinPct), 0, 1)
}

func lerp(min, max, t float64) float64 {
	return min + (max-min)*t
}

func finitePositive(v float64) bool {
	return v > 0 && isFinite(v)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
