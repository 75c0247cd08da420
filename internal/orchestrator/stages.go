package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/danielpatrickdp/tidewatch/internal/assess"
	"github.com/danielpatrickdp/tidewatch/internal/ledger"
	"github.com/danielpatrickdp/tidewatch/internal/sensor"
	"github.com/danielpatrickdp/tidewatch/internal/world"
)

// #region constants

// Window sizes and thresholds the stages read.
const (
	FusionWindow    = 20
	SafetyWindow    = 50
	BlockImpactPct  = 50.0 // executor refuses plans above this on an unverified tick
	LearningMinimum = 2    // ledger entries needed before learning runs

	ActionDispatchTruck = "dispatch_truck"
	SimulatedNote       = "simulated action"
	LearningSuggestion  = "increase_planner_weight_on_impact_by_5pct"
)

var (
	errNoGate    = errors.New("no safety gate configured")
	errNoPlanner = errors.New("no planner configured")
	errNoLedger  = errors.New("no ledger configured")
)

// #endregion

// #region pipeline

// Windows sizes the observation windows read by fusion and safety.
type Windows struct {
	Fusion int
	Safety int
}

// DefaultStages returns the ten stages in their fixed order.
func DefaultStages(w Windows) []Stage {
	if w.Fusion <= 0 {
		w.Fusion = FusionWindow
	}
	if w.Safety <= 0 {
		w.Safety = SafetyWindow
	}
	return []Stage{
		{Name: StagePerception, Run: perceive},
		{Name: StageFusion, Run: fuse(w.Fusion)},
		{Name: StageSafety, Run: verify(w.Safety)},
		{Name: StageAssessor, Run: assessIncidents},
		{Name: StageCoalition, Run: staffCoalitions},
		{Name: StagePlanner, Run: plan},
		{Name: StageNegotiation, Run: negotiate},
		{Name: StageExecutor, Run: execute},
		{Name: StageAudit, Run: audit},
		{Name: StageLearning, Run: learn},
	}
}

// #endregion

// #region perception

// perceive takes at most one observation per tick. The stream comes first;
// a manual inject is used once when the stream is dry or absent.
func perceive(ctx context.Context, st *TickState, tools *Tools) error {
	if tools.Stream != nil {
		obs, ok, err := tools.Stream.Next(ctx)
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		if ok {
			st.appendObservation(obs)
			return nil
		}
	}
	if st.ManualInject != nil {
		obs := *st.ManualInject
		st.ManualInject = nil
		if obs.Source == "" {
			obs.Source = "manual"
		}
		st.appendObservation(obs)
	}
	return nil
}

func (s *TickState) appendObservation(obs sensor.Observation) {
	s.ObservationLog = append(s.ObservationLog, obs)
	s.Provenance = append(s.Provenance, Provenance{Agent: StagePerception, ObsID: len(s.ObservationLog) - 1})
}

// #endregion

// #region fusion

func fuse(window int) func(context.Context, *TickState, *Tools) error {
	return func(ctx context.Context, st *TickState, tools *Tools) error {
		st.WorldState = world.Fuse(world.Window(st.ObservationLog, window))

		prompt := fmt.Sprintf("fusion\nworld: %s\nSummarize in one short sentence.", mustJSON(st.WorldState))
		st.Summaries = appendNote(ctx, st.Summaries, tools, StageFusion, prompt)
		return nil
	}
}

// #endregion

// #region safety

func verify(window int) func(context.Context, *TickState, *Tools) error {
	return func(ctx context.Context, st *TickState, tools *Tools) error {
		if tools.Gate == nil {
			return errNoGate
		}
		verdict := tools.Gate.Evaluate(st.WorldState, world.Window(st.ObservationLog, window))
		report := verdict.Report
		st.SafetyReport = &report
		st.Quarantine = report.Flags
		st.VerifiedWorld = verdict.VerifiedWorld

		prompt := fmt.Sprintf("safety check\nworld_state: %s\nflags: %s\nExplain.",
			mustJSON(st.WorldState), mustJSON(report.Flags))
		st.SafetyNotes = appendNote(ctx, st.SafetyNotes, tools, StageSafety, prompt)
		return nil
	}
}

// #endregion

// #region assessor

func assessIncidents(ctx context.Context, st *TickState, tools *Tools) error {
	st.Incidents = assess.Assess(st.VerifiedWorld)

	prompt := fmt.Sprintf("assess\nincidents: %s\nReturn 1-line summary.", mustJSON(st.Incidents))
	st.AssessorNotes = appendNote(ctx, st.AssessorNotes, tools, StageAssessor, prompt)
	return nil
}

// #endregion

// #region coalition

func staffCoalitions(_ context.Context, st *TickState, _ *Tools) error {
	st.Coalitions = assess.Staff(st.Incidents)
	return nil
}

// #endregion

// #region planner

func plan(ctx context.Context, st *TickState, tools *Tools) error {
	if tools.Planner == nil {
		return errNoPlanner
	}
	out := tools.Planner.Plan(ctx, st.Incidents, st.VerifiedWorld)
	st.Plans = out.Plans
	st.FallbackZones = out.FallbackZones
	return nil
}

// #endregion

// #region negotiation

// negotiate picks the tick's approved plan. Auto mode takes the top ranked
// plan overall. Manual mode only approves a plan named in PendingApprovals;
// with none the pipeline holds. Approvals naming no current plan are dropped.
func negotiate(_ context.Context, st *TickState, _ *Tools) error {
	pending := st.PendingApprovals
	st.PendingApprovals = nil
	st.ApprovedPlan = nil

	if len(st.Plans) == 0 {
		return nil
	}
	if !st.ManualApprove {
		p := st.Plans[0]
		st.ApprovedPlan = &p
		return nil
	}
	for _, id := range pending {
		for _, p := range st.Plans {
			if p.ID == id {
				st.ApprovedPlan = &p
				return nil
			}
		}
	}
	return nil
}

// #endregion

// #region executor

// execute runs the approved plan's steps in order. A high-impact plan on a
// tick whose safety report is explicitly unverified is blocked outright and
// no tool is called.
func execute(ctx context.Context, st *TickState, tools *Tools) error {
	st.ExecutionResults = nil
	p := st.ApprovedPlan
	if p == nil {
		return nil
	}

	if p.ImpactPct > BlockImpactPct && st.SafetyReport != nil && !st.SafetyReport.Verified {
		blocked := ExecutionResult{Status: StatusBlockedBySafety, PlanID: p.ID}
		st.ExecutionResults = []ExecutionResult{blocked}
		st.ExecutionLog = append(st.ExecutionLog, blocked)
		return nil
	}

	dispatch := tools.Dispatch
	if dispatch == nil {
		dispatch = EchoDispatch
	}
	for _, step := range p.Steps {
		res := ExecutionResult{Step: &step}
		if step.Action == ActionDispatchTruck {
			req := DispatchRequest{Zone: p.Zone, Count: step.Count()}
			out, err := dispatch(ctx, req)
			switch {
			case err != nil:
				res.Status = StatusFailed
				res.Result = map[string]any{"ok": false, "error": err.Error()}
			case !out.OK:
				res.Status = StatusFailed
				res.Result = map[string]any{"ok": false, "payload": out.Payload}
			default:
				res.Status = StatusOK
				res.Result = map[string]any{"ok": true, "payload": out.Payload}
			}
		} else {
			res.Status = StatusSimulated
			res.Result = map[string]any{"ok": true, "note": SimulatedNote}
		}
		st.ExecutionResults = append(st.ExecutionResults, res)
	}
	st.ExecutionLog = append(st.ExecutionLog, st.ExecutionResults...)
	return nil
}

// #endregion

// #region audit

func audit(_ context.Context, st *TickState, tools *Tools) error {
	p := st.ApprovedPlan
	if p == nil {
		return nil
	}
	if tools.Ledger == nil {
		return errNoLedger
	}

	results := st.ExecutionResults
	if results == nil {
		results = []ExecutionResult{}
	}
	card := AuditCard{
		Tick:             st.Tick,
		PlanID:           p.ID,
		PlanName:         p.Name,
		Zone:             p.Zone,
		Rationale:        p.Rationale,
		ExplainCard:      p.ExplainCard,
		ImpactPct:        p.ImpactPct,
		ExecutionResults: results,
	}
	entry, err := tools.Ledger.Append(card)
	if err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	st.AuditLog = append(st.AuditLog, entry)
	st.LastLedgerHash = entry.Hash
	return nil
}

// #endregion

// #region learning

// learn averages impact_pct over every ledger entry that carries one. The
// ledger file is the source, so history from earlier runs counts too.
func learn(_ context.Context, st *TickState, tools *Tools) error {
	if tools.Ledger == nil {
		return nil
	}
	entries, err := tools.Ledger.Entries()
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	if len(entries) < LearningMinimum {
		return nil
	}

	avg, n := averageImpact(entries)
	if n == 0 {
		return nil
	}
	st.LearningNotes = append(st.LearningNotes, LearningNote{
		Tick:       st.Tick,
		Entries:    n,
		AvgImpact:  world.Round2(avg),
		Suggestion: LearningSuggestion,
	})
	return nil
}

func averageImpact(entries []ledger.Entry) (float64, int) {
	var sum float64
	var n int
	for _, e := range entries {
		var card struct {
			ImpactPct *float64 `json:"impact_pct"`
		}
		if err := json.Unmarshal(e.Entry, &card); err != nil || card.ImpactPct == nil {
			continue
		}
		sum += *card.ImpactPct
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

// #endregion

// #region helpers

// appendNote asks the oracle for a one-line note. Any failure leaves notes as is.
func appendNote(ctx context.Context, notes []Note, tools *Tools, agent, prompt string) []Note {
	if tools.Oracle == nil {
		return notes
	}
	res := tools.Oracle.Ask(ctx, prompt)
	if !res.OK() {
		return notes
	}
	return append(notes, Note{Agent: agent, Text: res.Text})
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// #endregion
