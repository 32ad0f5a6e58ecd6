package usecase_test

import (
	"math"
	"testing"

	"github.com/vitos/crypto_perp_engine/internal/domain"
	"github.com/vitos/crypto_perp_engine/internal/usecase"
)

var simCfg = usecase.SimRiskConfig{
	MarginUsd:              10,
	Leverage:               20,
	StopLossRoiMinPct:      8,
	StopLossRoiMaxPct:      15,
	TrailActivateRoiMinPct: 10,
	TrailActivateRoiMaxPct: 20,
	TrailDdRoiMinPct:       3,
	TrailDdRoiMaxPct:       6,
	MinNetProfitUsd:        0.2,
	FeeRatePct:             0.05,
}

func setupPlan(longAbove, shortBelow, triggerPct float64) *domain.DecisionPlan {
	return &domain.DecisionPlan{
		CycleID:    1000,
		Status:     domain.StatusSetup,
		TriggerPct: triggerPct,
		LongAbove:  longAbove,
		ShortBelow: shortBelow,
		BasePrice:  (longAbove + shortBelow) / 2,
	}
}

func approx(t *testing.T, got, want, tol float64, label string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %f, want %f", label, got, want)
	}
}

func TestOpenTradeMathAndInterpolation(t *testing.T) {
	sim := usecase.NewSimulator(simCfg)
	plan := setupPlan(100.5, 99.5, 0.5)

	trade := sim.MaybeOpenTrade("btcusdt", plan, 100.5, 1)
	if trade == nil {
		t.Fatal("expected trade at long threshold")
	}
	if trade.Side != domain.SideLong {
		t.Fatalf("side = %s, want LONG", trade.Side)
	}

	// margin 10 x leverage 20 over price 100.5
	approx(t, trade.PositionValueUsd, 200, 1e-9, "position value")
	approx(t, trade.Quantity, 200/100.5, 1e-9, "quantity")
	approx(t, trade.EntryFeeUsd, 0.1, 1e-9, "entry fee")

	// trigger 0.5 maps to t = (0.5-0.08)/(1.8-0.08)
	approx(t, trade.StopLossRoiPct, 9.709302, 1e-5, "stop loss roi")
	approx(t, trade.TrailActivateRoiPct, 12.441860, 1e-5, "trail activate roi")
	approx(t, trade.TrailDdRoiPct, 3.732558, 1e-5, "trail drawdown roi")

	// min net profit is lifted to 1.25x the estimated round trip fee
	approx(t, trade.MinNetProfitUsd, 0.25, 1e-9, "min net profit")
	// peaks start at the negative round trip cost
	approx(t, trade.PeakNetPnlUsd, -0.2, 1e-9, "initial peak net")
	approx(t, trade.PeakRoiPct, -2, 1e-9, "initial peak roi")

	if !plan.HasTriggered {
		t.Error("plan must be marked triggered")
	}
	// The plan fires once per cycle.
	if again := sim.MaybeOpenTrade("btcusdt", plan, 100.5, 2); again != nil {
		t.Error("second open on a triggered plan")
	}
}

func TestOpenTradeRequiresThresholdCross(t *testing.T) {
	sim := usecase.NewSimulator(simCfg)
	plan := setupPlan(100.5, 99.5, 0.5)

	if trade := sim.MaybeOpenTrade("btcusdt", plan, 100.2, 1); trade != nil {
		t.Error("opened inside the band")
	}
	trade := sim.MaybeOpenTrade("btcusdt", plan, 99.5, 1)
	if trade == nil || trade.Side != domain.SideShort {
		t.Fatalf("trade = %+v, want SHORT at lower threshold", trade)
	}
}

func TestOpenTradeFlowVeto(t *testing.T) {
	tests := []struct {
		name      string
		imbalance float64
		samples   int
		price     float64
		wantOpen  bool
	}{
		{"long into heavy selling", -0.2, 30, 100.5, false},
		{"short into heavy buying", 0.2, 30, 99.5, false},
		{"long with supportive flow", 0.2, 30, 100.5, true},
		{"veto needs enough samples", -0.2, 5, 100.5, true},
		{"small imbalance passes", -0.04, 30, 100.5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := usecase.NewSimulator(simCfg)
			plan := setupPlan(100.5, 99.5, 0.5)
			plan.HasFlow = true
			plan.FlowImbalance = tt.imbalance
			plan.FlowSamples = tt.samples

			trade := sim.MaybeOpenTrade("btcusdt", plan, tt.price, 1)
			if (trade != nil) != tt.wantOpen {
				t.Errorf("open = %v, want %v", trade != nil, tt.wantOpen)
			}
		})
	}
}

func TestStopLossExit(t *testing.T) {
	sim := usecase.NewSimulator(simCfg)
	plan := setupPlan(100.5, 99.5, 0.5)
	if sim.MaybeOpenTrade("btcusdt", plan, 100.5, 1) == nil {
		t.Fatal("no trade opened")
	}

	// A 1% adverse move at 20x is roughly -22% ROI, well past the stop.
	closed := sim.UpdateOpenTrade("btcusdt", 99.495, 2)
	if closed == nil {
		t.Fatal("expected stop loss close")
	}
	if closed.ExitReason != domain.ExitStopLoss {
		t.Errorf("reason = %s, want SL_ROI", closed.ExitReason)
	}
	if closed.IsWin {
		t.Error("stop loss close marked as win")
	}
	if closed.PnlUsd >= 0 {
		t.Errorf("pnl = %f, want negative", closed.PnlUsd)
	}
	if _, open := sim.ActiveTrade("btcusdt"); open {
		t.Error("trade still active after close")
	}
}

func TestTrailingStopExit(t *testing.T) {
	sim := usecase.NewSimulator(simCfg)
	plan := setupPlan(100, 99, 0.5)
	if sim.MaybeOpenTrade("btcusdt", plan, 100, 1) == nil {
		t.Fatal("no trade opened")
	}

	// Run up to ~18% ROI: arms trailing and sets the peak.
	if closed := sim.UpdateOpenTrade("btcusdt", 101, 2); closed != nil {
		t.Fatalf("closed early: %+v", closed)
	}
	active, _ := sim.ActiveTrade("btcusdt")
	if !active.TrailingArmed {
		t.Fatal("trailing not armed after run-up")
	}

	// Fall back to ~9% ROI: drawdown from peak exceeds the trail band
	// while net profit is still above the floor.
	closed := sim.UpdateOpenTrade("btcusdt", 100.55, 3)
	if closed == nil {
		t.Fatal("expected trailing close")
	}
	if closed.ExitReason != domain.ExitTrail {
		t.Errorf("reason = %s, want TRAIL_ROI", closed.ExitReason)
	}
	if !closed.IsWin {
		t.Error("trailing close should be a win")
	}
}

func TestLockProfitExit(t *testing.T) {
	sim := usecase.NewSimulator(simCfg)
	plan := setupPlan(100, 99, 0.5)
	if sim.MaybeOpenTrade("btcusdt", plan, 100, 1) == nil {
		t.Fatal("no trade opened")
	}

	if closed := sim.UpdateOpenTrade("btcusdt", 101, 2); closed != nil {
		t.Fatalf("closed early: %+v", closed)
	}

	// Net collapses under the profit floor: the trail rule cannot fire
	// (net < floor) so the lock-profit rule closes instead.
	closed := sim.UpdateOpenTrade("btcusdt", 100.2, 3)
	if closed == nil {
		t.Fatal("expected lock profit close")
	}
	if closed.ExitReason != domain.ExitLockProfit {
		t.Errorf("reason = %s, want LOCK_PROFIT", closed.ExitReason)
	}
}

func TestTrailingArmedIsSticky(t *testing.T) {
	sim := usecase.NewSimulator(simCfg)
	plan := setupPlan(100, 99, 0.5)
	if sim.MaybeOpenTrade("btcusdt", plan, 100, 1) == nil {
		t.Fatal("no trade opened")
	}

	sim.UpdateOpenTrade("btcusdt", 101, 2) // arm
	// Small pullback: inside the trail band, trade stays open and armed.
	if closed := sim.UpdateOpenTrade("btcusdt", 100.9, 3); closed != nil {
		t.Fatalf("closed inside trail band: %+v", closed)
	}
	active, _ := sim.ActiveTrade("btcusdt")
	if !active.TrailingArmed {
		t.Error("trailing un-armed on pullback")
	}
}

func TestStatsAccumulate(t *testing.T) {
	sim := usecase.NewSimulator(simCfg)

	plan := setupPlan(100.5, 99.5, 0.5)
	sim.MaybeOpenTrade("btcusdt", plan, 100.5, 1)
	sim.UpdateOpenTrade("btcusdt", 99, 2) // stop loss

	m := sim.Metrics("btcusdt", 99)
	if m.Stats.Total != 1 || m.Stats.Losses != 1 || m.Stats.Wins != 0 {
		t.Errorf("stats = %+v, want one loss", m.Stats)
	}
	if m.Stats.RealizedPnlUsd >= 0 {
		t.Errorf("realized pnl = %f, want negative", m.Stats.RealizedPnlUsd)
	}
	if m.LastExit == "" {
		t.Error("last exit not recorded")
	}
}
