package usecase_test

import (
	"math"
	"strings"
	"testing"

	"github.com/vitos/crypto_perp_engine/internal/domain"
	"github.com/vitos/crypto_perp_engine/internal/usecase"
)

var analyzerCfg = usecase.AnalyzerConfig{
	HistoryCandles:       30,
	DecisionWindowMs:     300000,
	FlowMinSamples:       20,
	FlowConfirmThreshold: 0.08,
}

// flatCandles builds n identical candles closing at the given price.
func flatCandles(n int, close float64) []domain.Candle {
	candles := make([]domain.Candle, n)
	for i := range candles {
		candles[i] = domain.Candle{
			OpenTime:  int64(i) * 1000,
			CloseTime: int64(i+1) * 1000,
			Open:      close, High: close, Low: close, Close: close,
			Volume: 100,
		}
	}
	return candles
}

// trendingCandles builds n candles with closes rising by stepPct each.
func trendingCandles(n int, start, stepPct float64) []domain.Candle {
	candles := make([]domain.Candle, n)
	price := start
	for i := range candles {
		next := price * (1 + stepPct/100)
		candles[i] = domain.Candle{
			OpenTime:  int64(i) * 1000,
			CloseTime: int64(i+1) * 1000,
			Open:      price, High: next, Low: price, Close: next,
			Volume: 100,
		}
		price = next
	}
	return candles
}

func TestAnalyzeWaitPreconditions(t *testing.T) {
	full := flatCandles(30, 100)

	tests := []struct {
		name       string
		candles    []domain.Candle
		livePrice  float64
		msToNext   int64
		wantReason string
	}{
		{"no live price", full, 0, 1000, "no live price"},
		{"nan live price", full, math.NaN(), 1000, "no live price"},
		{"short history", flatCandles(10, 100), 100, 1000, "history"},
		{"outside window", full, 100, 300001, "outside decision window"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := usecase.Analyze(tt.candles, tt.livePrice, tt.msToNext, domain.FlowSnapshot{}, analyzerCfg)
			if got.Status != domain.StatusWait {
				t.Fatalf("status = %s, want WAIT", got.Status)
			}
			if !strings.Contains(got.Reason, tt.wantReason) {
				t.Errorf("reason = %q, want substring %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestAnalyzeTriggerClampFloor(t *testing.T) {
	// Zero range and zero variance would give a zero trigger; the clamp
	// keeps the thresholds away from the live price.
	got := usecase.Analyze(flatCandles(30, 100), 100, 1000, domain.FlowSnapshot{}, analyzerCfg)

	if got.TriggerPct != 0.08 {
		t.Fatalf("trigger = %f, want clamp floor 0.08", got.TriggerPct)
	}
	wantLong := 100 * (1 + 0.08/100)
	if math.Abs(got.LongAbove-wantLong) > 1e-9 {
		t.Errorf("longAbove = %f, want %f", got.LongAbove, wantLong)
	}
	wantShort := 100 * (1 - 0.08/100)
	if math.Abs(got.ShortBelow-wantShort) > 1e-9 {
		t.Errorf("shortBelow = %f, want %f", got.ShortBelow, wantShort)
	}
}

func TestAnalyzeSidewaysOnWeakTrendAndVolume(t *testing.T) {
	candles := flatCandles(30, 100)
	candles[len(candles)-1].Volume = 10 // well below the rolling mean

	got := usecase.Analyze(candles, 100, 1000, domain.FlowSnapshot{}, analyzerCfg)
	if got.Status != domain.StatusSideways {
		t.Fatalf("status = %s, want SIDEWAYS", got.Status)
	}
}

func TestAnalyzeSetupWithLongBias(t *testing.T) {
	candles := trendingCandles(30, 100, 0.3)
	livePrice := candles[len(candles)-1].Close

	got := usecase.Analyze(candles, livePrice, 1000, domain.FlowSnapshot{}, analyzerCfg)
	if got.Status != domain.StatusSetup {
		t.Fatalf("status = %s, want SETUP (reason %q)", got.Status, got.Reason)
	}
	if got.Bias != domain.SideLong {
		t.Errorf("bias = %s, want LONG", got.Bias)
	}
	if got.LongAbove <= livePrice || got.ShortBelow >= livePrice {
		t.Errorf("thresholds do not bracket price: long %f short %f price %f",
			got.LongAbove, got.ShortBelow, livePrice)
	}
}

func TestAnalyzeFlowConflictForcesSideways(t *testing.T) {
	candles := trendingCandles(30, 100, 0.3)
	livePrice := candles[len(candles)-1].Close

	// Confirm the trend is otherwise a SETUP, then contradict it with flow.
	base := usecase.Analyze(candles, livePrice, 1000, domain.FlowSnapshot{}, analyzerCfg)
	if base.Status != domain.StatusSetup {
		t.Fatalf("baseline status = %s, want SETUP", base.Status)
	}

	sellFlow := domain.FlowSnapshot{BuyQty: 25, SellQty: 75, Samples: 40}
	got := usecase.Analyze(candles, livePrice, 1000, sellFlow, analyzerCfg)
	if got.Status != domain.StatusSideways {
		t.Fatalf("status = %s, want SIDEWAYS on flow conflict", got.Status)
	}
	// Conflicting flow also widens the trigger unless already clamped.
	if got.TriggerPct < base.TriggerPct {
		t.Errorf("conflict trigger %f < baseline %f", got.TriggerPct, base.TriggerPct)
	}
}

func TestAnalyzeFlowBelowMinSamplesIgnored(t *testing.T) {
	candles := trendingCandles(30, 100, 0.3)
	livePrice := candles[len(candles)-1].Close

	thinFlow := domain.FlowSnapshot{BuyQty: 1, SellQty: 99, Samples: 5}
	got := usecase.Analyze(candles, livePrice, 1000, thinFlow, analyzerCfg)
	if got.HasFlow {
		t.Error("flow below min samples should not count")
	}
	if got.Status != domain.StatusSetup {
		t.Errorf("status = %s, want SETUP when thin flow is ignored", got.Status)
	}
}
