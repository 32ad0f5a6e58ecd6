package usecase

import (
	"math"
	"sync"

	"github.com/vitos/crypto_perp_engine/internal/domain"
)

// Planner applies cycle-scoped hysteresis over per-tick analyses: one plan
// per (symbol, cycle), a single SIDEWAYS to SETUP promotion, thresholds
// frozen once SETUP is reached.
type Planner struct {
	mu    sync.Mutex
	plans map[string]*domain.DecisionPlan
}

func NewPlanner() *Planner {
	return &Planner{plans: make(map[string]*domain.DecisionPlan)}
}

// Plan returns the current plan for the symbol, or nil.
func (p *Planner) Plan(symbol string) *domain.DecisionPlan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plans[symbol]
}

// Sync folds the latest analysis into the symbol's plan for the given cycle
// and returns the resulting plan (possibly nil when no plan can exist yet).
func (p *Planner) Sync(symbol string, cycleID int64, analysis domain.DecisionAnalysis, livePrice float64, now int64) *domain.DecisionPlan {
	if cycleID == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.plans[symbol]
	if current == nil || current.CycleID != cycleID {
		plan := newPlan(cycleID, analysis, livePrice, now)
		if plan == nil {
			// Keep a stale plan out of the next cycle.
			if current != nil && current.CycleID != cycleID {
				delete(p.plans, symbol)
			}
			return nil
		}
		p.plans[symbol] = plan
		return plan
	}

	// Promote SIDEWAYS to SETUP once; after that thresholds are frozen
	// until the cycle rolls over.
	if current.Status == domain.StatusSideways && analysis.Status == domain.StatusSetup &&
		validThresholds(analysis.LongAbove, analysis.ShortBelow) {
		current.Status = domain.StatusSetup
		current.Reason = analysis.Reason
		current.TriggerPct = analysis.TriggerPct
		current.FlowImbalance = analysis.FlowImbalance
		current.FlowSamples = analysis.FlowSamples
		current.HasFlow = analysis.HasFlow
		current.BasePrice = livePrice
		current.LongAbove = analysis.LongAbove
		current.ShortBelow = analysis.ShortBelow
	}
	return current
}

func newPlan(cycleID int64, analysis domain.DecisionAnalysis, livePrice float64, now int64) *domain.DecisionPlan {
	if analysis.Status != domain.StatusSetup && analysis.Status != domain.StatusSideways {
		return nil
	}
	if !validThresholds(analysis.LongAbove, analysis.ShortBelow) {
		return nil
	}
	return &domain.DecisionPlan{
		CycleID:       cycleID,
		Status:        analysis.Status,
		Reason:        analysis.Reason,
		TriggerPct:    analysis.TriggerPct,
		FlowImbalance: analysis.FlowImbalance,
		FlowSamples:   analysis.FlowSamples,
		HasFlow:       analysis.HasFlow,
		BasePrice:     livePrice,
		LongAbove:     analysis.LongAbove,
		ShortBelow:    analysis.ShortBelow,
		CreatedAt:     now,
	}
}

func validThresholds(longAbove, shortBelow float64) bool {
	return longAbove > 0 && shortBelow > 0 &&
		!math.IsNaN(longAbove) && !math.IsInf(longAbove, 0) &&
		!math.IsNaN(shortBelow) && !math.IsInf(shortBelow, 0)
}
