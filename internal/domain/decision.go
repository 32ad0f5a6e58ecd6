package domain

type DecisionStatus string

const (
	StatusWait     DecisionStatus = "WAIT"
	StatusSideways DecisionStatus = "SIDEWAYS"
	StatusSetup    DecisionStatus = "SETUP"
)

// DecisionAnalysis is the pure per-tick output of the strategy analyzer.
type DecisionAnalysis struct {
	Status     DecisionStatus
	Reason     string
	Bias       Side // meaningful only when Status == SETUP
	TriggerPct float64
	LongAbove  float64
	ShortBelow float64

	TrendPct    float64
	AtrPct      float64
	VolPct      float64
	VolumeRatio float64

	FlowImbalance float64
	FlowSamples   int
	HasFlow       bool
}

// DecisionPlan is the cycle-scoped plan derived from analyses. At most one
// plan exists per (symbol, cycleID); once it reaches SETUP its thresholds are
// frozen until the cycle ends.
type DecisionPlan struct {
	CycleID       int64
	Status        DecisionStatus
	Reason        string
	TriggerPct    float64
	FlowImbalance float64
	FlowSamples   int
	HasFlow       bool
	BasePrice     float64
	LongAbove     float64
	ShortBelow    float64
	CreatedAt     int64
	HasTriggered  bool
}
