package state

import "time"

// #region run-record
// RunRecord is one invocation of the decision loop.
type RunRecord struct {
	RunID         string
	StartedAt     time.Time
	FinishedAt    time.Time // zero while running
	Iterations    int
	ManualApprove bool
	Seed          uint64
	ConfigJSON    string
}

// #endregion run-record

// #region plan-outcome
// PlanOutcome is one ranked plan as produced in a tick.
type PlanOutcome struct {
	RunID        string
	Tick         int
	Rank         int
	PlanID       string
	Zone         string
	Name         string
	Confidence   float64
	ImpactPct    float64
	Cost         float64
	TimeSavedMin float64
	Approved     bool
	CreatedAt    time.Time
}

// #endregion plan-outcome

// #region stage-record
// StageRecord is a stage_log row read back for inspection.
type StageRecord struct {
	RunID       string
	Tick        int
	Stage       string
	Decision    string // "ok" | "failed"
	Reason      string
	SignalsJSON string
	CreatedAt   time.Time
}

// #endregion stage-record
