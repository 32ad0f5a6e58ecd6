package usecase

import (
	"fmt"
	"math"

	"github.com/vitos/crypto_perp_engine/internal/domain"
)

// AnalyzerConfig are the knobs of the pure strategy function.
type AnalyzerConfig struct {
	HistoryCandles       int
	DecisionWindowMs     int64
	FlowMinSamples       int
	FlowConfirmThreshold float64
}

const (
	triggerClampMinPct = 0.08
	triggerClampMaxPct = 2.2

	weakTrendPct    = 0.08
	weakVolumeRatio = 0.75

	atrPeriod        = 14
	emaFastPeriod    = 9
	emaSlowPeriod    = 21
	emaFastWindow    = 30
	emaSlowWindow    = 40
	volumeMeanWindow = 20
)

// Analyze converts a symbol's candle history plus live context into a
// directional analysis. Pure: no state, no clock.
func Analyze(candles []domain.Candle, livePrice float64, msToNextCandle int64, flow domain.FlowSnapshot, cfg AnalyzerConfig) domain.DecisionAnalysis {
	if livePrice <= 0 || math.IsNaN(livePrice) || math.IsInf(livePrice, 0) {
		return waitAnalysis("no live price")
	}
	if len(candles) < cfg.HistoryCandles {
		return waitAnalysis(fmt.Sprintf("history %d/%d", len(candles), cfg.HistoryCandles))
	}
	if msToNextCandle > cfg.DecisionWindowMs {
		return waitAnalysis("outside decision window")
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
		}
	}

	atrPct := atrPercent(candles, atrPeriod)
	volPct := stddev(returns) * 100
	fast := ema(tail(closes, emaFastWindow), emaFastPeriod)
	slow := ema(tail(closes, emaSlowWindow), emaSlowPeriod)
	trendPct := 0.0
	if slow != 0 {
		trendPct = (fast - slow) / slow * 100
	}

	volumeRatio := 1.0
	if mean := meanVolume(candles, volumeMeanWindow); mean > 0 {
		volumeRatio = candles[len(candles)-1].Volume / mean
	}

	hasFlow := flow.Samples >= cfg.FlowMinSamples
	imbalance := 0.0
	if hasFlow {
		imbalance = flow.Imbalance()
	}

	flowSupports := hasFlow && sameSign(imbalance, trendPct) && math.Abs(imbalance) >= cfg.FlowConfirmThreshold
	flowConflicts := hasFlow && sameSign(-imbalance, trendPct) && math.Abs(imbalance) >= cfg.FlowConfirmThreshold

	triggerPct := atrPct*0.6 + volPct*0.8
	switch {
	case flowConflicts:
		triggerPct *= 1.25
	case flowSupports:
		triggerPct *= 0.85
	}
	triggerPct = clamp(triggerPct, triggerClampMinPct, triggerClampMaxPct)

	analysis := domain.DecisionAnalysis{
		TriggerPct:    triggerPct,
		LongAbove:     livePrice * (1 + triggerPct/100),
		ShortBelow:    livePrice * (1 - triggerPct/100),
		TrendPct:      trendPct,
		AtrPct:        atrPct,
		VolPct:        volPct,
		VolumeRatio:   volumeRatio,
		FlowImbalance: imbalance,
		FlowSamples:   flow.Samples,
		HasFlow:       hasFlow,
	}

	weakTrend := math.Abs(trendPct) < weakTrendPct
	weakVolume := volumeRatio < weakVolumeRatio
	switch {
	case weakTrend && weakVolume:
		analysis.Status = domain.StatusSideways
		analysis.Reason = fmt.Sprintf("flat trend %.3f%%, volume ratio %.2f", trendPct, volumeRatio)
	case flowConflicts:
		analysis.Status = domain.StatusSideways
		analysis.Reason = fmt.Sprintf("flow %.2f against trend %.3f%%", imbalance, trendPct)
	default:
		analysis.Status = domain.StatusSetup
		if trendPct >= 0 {
			analysis.Bias = domain.SideLong
		} else {
			analysis.Bias = domain.SideShort
		}
		analysis.Reason = fmt.Sprintf("trend %.3f%%, trigger %.2f%%", trendPct, triggerPct)
	}
	return analysis
}

func waitAnalysis(reason string) domain.DecisionAnalysis {
	return domain.DecisionAnalysis{Status: domain.StatusWait, Reason: reason}
}

// atrPercent is the mean high-low range of the last n candles relative to
// their closes, in percent.
func atrPercent(candles []domain.Candle, n int) float64 {
	window := candles
	if len(window) > n {
		window = window[len(window)-n:]
	}
	var sum float64
	var count int
	for _, c := range window {
		if c.Close != 0 {
			sum += math.Abs(c.High-c.Low) / c.Close * 100
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// ema is seeded with the first value; each step uses alpha = 2/(period+1).
func ema(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	alpha := 2.0 / float64(period+1)
	out := values[0]
	for _, v := range values[1:] {
		out = v*alpha + out*(1-alpha)
	}
	return out
}

func stddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)))
}

func meanVolume(candles []domain.Candle, n int) float64 {
	window := candles
	if len(window) > n {
		window = window[len(window)-n:]
	}
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, c := range window {
		sum += c.Volume
	}
	return sum / float64(len(window))
}

func tail(values []float64, n int) []float64 {
	if len(values) > n {
		return values[len(values)-n:]
	}
	return values
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
