package logging

import "time"

// Stage decisions.
const (
	DecisionOK     = "ok"
	DecisionFailed = "failed"
)

// #region stage-entry
// StageEntry is a single row in the stage_log table.
type StageEntry struct {
	RunID       string
	Tick        int
	Stage       string
	SignalsJSON string
	Decision    string // "ok" | "failed"
	Reason      string
	CreatedAt   time.Time
}

// #endregion stage-entry

// #region stage-signals
// StageSignals summarizes what a stage left in the state record.
// Serialized as JSON into stage_log.signals_json.
type StageSignals struct {
	Observations int      `json:"observations"`
	Zones        int      `json:"zones"`
	Verified     bool     `json:"verified"`
	Flags        int      `json:"flags"`
	Incidents    int      `json:"incidents"`
	Plans        int      `json:"plans"`
	ApprovedPlan string   `json:"approved_plan,omitempty"`
	Executions   int      `json:"executions"`
	LedgerHash   string   `json:"ledger_hash,omitempty"`
	Notes        []string `json:"notes,omitempty"`
}

// #endregion stage-signals
