package orchestrator

// #region imports
import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/danielpatrickdp/tidewatch/internal/assess"
	"github.com/danielpatrickdp/tidewatch/internal/gate"
	"github.com/danielpatrickdp/tidewatch/internal/ledger"
	"github.com/danielpatrickdp/tidewatch/internal/oracle"
	"github.com/danielpatrickdp/tidewatch/internal/planner"
	"github.com/danielpatrickdp/tidewatch/internal/sensor"
	"github.com/danielpatrickdp/tidewatch/internal/world"
)

// #endregion

// #region stage-names

// Stage names in pipeline order.
const (
	StagePerception  = "perception"
	StageFusion      = "fusion"
	StageSafety      = "safety"
	StageAssessor    = "assessor"
	StageCoalition   = "coalition"
	StagePlanner     = "planner"
	StageNegotiation = "negotiation"
	StageExecutor    = "executor"
	StageAudit       = "audit"
	StageLearning    = "learning"
)

// #endregion

// #region execution-status

// ExecutionStatus is the outcome of one executed (or skipped) step.
type ExecutionStatus string

const (
	StatusOK              ExecutionStatus = "ok"
	StatusSimulated       ExecutionStatus = "simulated"
	StatusBlockedBySafety ExecutionStatus = "blocked_by_safety"
	StatusFailed          ExecutionStatus = "failed"
)

// ExecutionResult records one step. A blocked plan yields a single result
// with no step and the plan id set.
type ExecutionResult struct {
	Step   *planner.Step   `json:"step,omitempty"`
	Result map[string]any  `json:"result,omitempty"`
	Status ExecutionStatus `json:"status"`
	PlanID string          `json:"plan_id,omitempty"`
}

// #endregion

// #region notes

// Provenance marks which stage produced an observation. ObsID is its index
// in the observation log.
type Provenance struct {
	Agent string `json:"agent"`
	ObsID int    `json:"obs_id"`
}

// Note is a one-line oracle summary attached by a stage.
type Note struct {
	Agent string `json:"agent"`
	Text  string `json:"text"`
}

// LearningNote is advisory output of the learning stage. It is never fed
// back into planning.
type LearningNote struct {
	Tick       int     `json:"tick"`
	Entries    int     `json:"entries"`
	AvgImpact  float64 `json:"avg_impact_pct"`
	Suggestion string  `json:"suggestion"`
}

// AuditCard is the payload appended to the ledger for an approved plan.
type AuditCard struct {
	Tick             int               `json:"tick"`
	PlanID           string            `json:"plan_id"`
	PlanName         string            `json:"plan_name"`
	Zone             string            `json:"zone"`
	Rationale        planner.Rationale `json:"rationale"`
	ExplainCard      string            `json:"explain_card"`
	ImpactPct        float64           `json:"impact_pct"`
	ExecutionResults []ExecutionResult `json:"execution_results"`
}

// #endregion

// #region tick-state

// TickState is the record threaded through every stage. It is owned by the
// orchestrator loop for the whole run and is not safe for concurrent use;
// outside callers hand approvals in through Orchestrator.Approve.
type TickState struct {
	Tick          int
	ManualApprove bool
	ManualInject  *sensor.Observation // consumed by perception when the stream is dry

	ObservationLog []sensor.Observation
	Provenance     []Provenance

	WorldState    world.State
	VerifiedWorld world.State
	SafetyReport  *gate.SafetyReport // nil until the safety stage has run
	Quarantine    []gate.Flag

	Incidents  []assess.Incident
	Coalitions []assess.Coalition

	Plans         []planner.Plan
	FallbackZones []string
	ApprovedPlan  *planner.Plan

	// PendingApprovals is filled from the approval queue at the start of each tick.
	PendingApprovals []string

	ExecutionResults []ExecutionResult // current tick only
	ExecutionLog     []ExecutionResult // every tick of the run

	AuditLog       []ledger.Entry
	LastLedgerHash string

	Summaries     []Note
	SafetyNotes   []Note
	AssessorNotes []Note
	LearningNotes []LearningNote
}

// NewTickState returns an empty state.
func NewTickState(manualApprove bool) *TickState {
	return &TickState{ManualApprove: manualApprove}
}

// Clone returns a copy that shares no slices, maps or pointers with s.
func (s *TickState) Clone() *TickState {
	c := s.snapshot()
	c.ObservationLog = slices.Clone(s.ObservationLog)
	c.Provenance = slices.Clone(s.Provenance)
	c.ExecutionLog = cloneResults(s.ExecutionLog)
	c.AuditLog = slices.Clone(s.AuditLog)
	c.Summaries = slices.Clone(s.Summaries)
	c.SafetyNotes = slices.Clone(s.SafetyNotes)
	c.AssessorNotes = slices.Clone(s.AssessorNotes)
	c.LearningNotes = slices.Clone(s.LearningNotes)
	return c
}

// snapshot is the copy taken before each stage. Fields a stage replaces are
// deep-copied. The run-long logs only ever grow by append, so the snapshot
// keeps their slice headers; restoring it drops whatever a failed stage
// appended without copying the logs on every stage.
func (s *TickState) snapshot() *TickState {
	c := *s
	if s.ManualInject != nil {
		obs := *s.ManualInject
		c.ManualInject = &obs
	}
	c.WorldState = s.WorldState.Clone()
	c.VerifiedWorld = s.VerifiedWorld.Clone()
	if s.SafetyReport != nil {
		r := *s.SafetyReport
		r.Flags = slices.Clone(s.SafetyReport.Flags)
		c.SafetyReport = &r
	}
	c.Quarantine = slices.Clone(s.Quarantine)
	c.Incidents = cloneIncidents(s.Incidents)
	c.Coalitions = cloneCoalitions(s.Coalitions)
	c.Plans = clonePlans(s.Plans)
	c.FallbackZones = slices.Clone(s.FallbackZones)
	if s.ApprovedPlan != nil {
		p := s.ApprovedPlan.Clone()
		c.ApprovedPlan = &p
	}
	c.PendingApprovals = slices.Clone(s.PendingApprovals)
	c.ExecutionResults = cloneResults(s.ExecutionResults)
	return &c
}

func cloneIncidents(in []assess.Incident) []assess.Incident {
	out := slices.Clone(in)
	for i := range out {
		out[i].Notes = slices.Clone(out[i].Notes)
	}
	return out
}

func cloneCoalitions(in []assess.Coalition) []assess.Coalition {
	out := slices.Clone(in)
	for i := range out {
		out[i].Roles = slices.Clone(out[i].Roles)
	}
	return out
}

func clonePlans(in []planner.Plan) []planner.Plan {
	if in == nil {
		return nil
	}
	out := make([]planner.Plan, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}

func cloneResults(in []ExecutionResult) []ExecutionResult {
	if in == nil {
		return nil
	}
	out := make([]ExecutionResult, len(in))
	for i, r := range in {
		if r.Step != nil {
			st := r.Step.Clone()
			r.Step = &st
		}
		r.Result = maps.Clone(r.Result)
		out[i] = r
	}
	return out
}

// #endregion

// #region tools

// Oracle is the text-completion surface stages use. *oracle.Client satisfies it.
type Oracle interface {
	Ask(ctx context.Context, prompt string) oracle.Result
}

// DispatchRequest is the payload handed to the dispatch tool.
type DispatchRequest struct {
	Zone  string `json:"zone"`
	Count int    `json:"count"`
}

// DispatchResult is the dispatch tool's answer.
type DispatchResult struct {
	OK      bool `json:"ok"`
	Payload any  `json:"payload,omitempty"`
}

// DispatchFunc sends trucks to a zone.
type DispatchFunc func(ctx context.Context, req DispatchRequest) (DispatchResult, error)

// EchoDispatch acknowledges every request and echoes it back.
func EchoDispatch(_ context.Context, req DispatchRequest) (DispatchResult, error) {
	return DispatchResult{OK: true, Payload: req}, nil
}

// Tools is the fixed collaborator set handed to every stage.
type Tools struct {
	Stream   sensor.Stream // nil = no stream; perception falls back to ManualInject
	Oracle   Oracle
	Dispatch DispatchFunc
	Ledger   *ledger.Ledger
	Gate     *gate.Gate
	Planner  *planner.Planner
}

// #endregion

// #region stage

// Stage is one named pipeline step. Run mutates st in place; on error or
// panic the orchestrator restores st to its state before the call.
type Stage struct {
	Name string
	Run  func(ctx context.Context, st *TickState, tools *Tools) error
}

// StageError is a stage failure isolated by the orchestrator.
type StageError struct {
	Tick  int
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("tick %d stage %s: %v", e.Tick, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// #endregion

// #region tick-report

// TickReport summarizes one finished tick for observers.
type TickReport struct {
	Tick         int
	Duration     time.Duration
	Failures     []*StageError
	Observations int
	Incidents    int
	Plans        int
	ApprovedPlan string
	Executions   int
	LedgerHash   string
	Verified     *bool
}

// #endregion
