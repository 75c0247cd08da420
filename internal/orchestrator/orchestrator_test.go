package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/tidewatch/internal/gate"
	"github.com/danielpatrickdp/tidewatch/internal/ledger"
	"github.com/danielpatrickdp/tidewatch/internal/logging"
	"github.com/danielpatrickdp/tidewatch/internal/oracle"
	"github.com/danielpatrickdp/tidewatch/internal/planner"
	"github.com/danielpatrickdp/tidewatch/internal/sensor"
	"github.com/danielpatrickdp/tidewatch/internal/state"
)

// #region helpers

func offlineTools(t *testing.T, stream sensor.Stream) Tools {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, err)
	client := oracle.NewClient(oracle.Offline{}, oracle.DefaultClientConfig(), nil)
	return Tools{
		Stream:  stream,
		Oracle:  client,
		Ledger:  l,
		Gate:    gate.NewGate(gate.DefaultGateConfig(), nil),
		Planner: planner.New(client, planner.DefaultConfig(), nil),
	}
}

// planCompleter answers planner prompts with fixed plans and everything
// else like the offline oracle.
type planCompleter struct{ plans string }

func (c planCompleter) Complete(ctx context.Context, prompt string) (oracle.Response, error) {
	if strings.HasPrefix(prompt, "Planner:") {
		return oracle.Response{Text: c.plans}, nil
	}
	return oracle.Offline{}.Complete(ctx, prompt)
}

const dispatchPlans = `{"plans":[{"id":"d1","name":"alert_and_dispatch","confidence":0.9,"steps":[
	{"actor":"Executor","action":"dispatch_truck","count":2},
	{"actor":"PublicComm","action":"send_sms"}]}]}`

func obs(sensorID, sensorType, zone string, v float64) sensor.Observation {
	return sensor.Observation{SensorID: sensorID, SensorType: sensorType, Location: zone, Value: v, Source: "test"}
}

func recomputeHash(t *testing.T, e ledger.Entry) string {
	t.Helper()
	h, err := ledger.HashOf(map[string]any{
		"ts":    json.Number(strconv.FormatFloat(e.TS, 'f', -1, 64)),
		"entry": e.Entry,
		"prev":  e.Prev,
	})
	require.NoError(t, err)
	return h
}

// #endregion

// #region end-to-end

func TestRun_EmptyPerceptionEndToEnd(t *testing.T) {
	tools := offlineTools(t, nil)
	o := New(Config{Iterations: 1}, tools, nil)

	st, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, st.ObservationLog)
	assert.NotNil(t, st.WorldState)
	assert.Empty(t, st.WorldState)
	assert.Empty(t, st.Incidents)

	require.Len(t, st.Plans, 1)
	assert.Equal(t, planner.MonitorPlanID, st.Plans[0].ID)
	assert.Equal(t, 0.5, st.Plans[0].Confidence)

	require.NotNil(t, st.ApprovedPlan)
	assert.Equal(t, planner.MonitorPlanID, st.ApprovedPlan.ID)

	require.Len(t, st.ExecutionResults, 1)
	assert.Equal(t, StatusSimulated, st.ExecutionResults[0].Status)
	assert.Equal(t, SimulatedNote, st.ExecutionResults[0].Result["note"])

	require.Len(t, st.AuditLog, 1)
	entry := st.AuditLog[0]
	assert.Equal(t, "", entry.Prev)
	assert.Equal(t, entry.Hash, recomputeHash(t, entry))
	assert.Equal(t, entry.Hash, st.LastLedgerHash)

	n, err := tools.Ledger.Verify()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRun_FloodScenarioDispatchesToZone(t *testing.T) {
	stream := sensor.NewSliceStream([]sensor.Observation{
		obs("w1", "water_level", "zoneA", 2.8),
		obs("w1", "water_level", "zoneA", 3.0),
	})
	tools := offlineTools(t, stream)
	client := oracle.NewClient(planCompleter{plans: dispatchPlans}, oracle.DefaultClientConfig(), nil)
	tools.Oracle = client
	tools.Planner = planner.New(client, planner.DefaultConfig(), nil)
	var dispatched []DispatchRequest
	tools.Dispatch = func(_ context.Context, req DispatchRequest) (DispatchResult, error) {
		dispatched = append(dispatched, req)
		return DispatchResult{OK: true, Payload: req}, nil
	}

	st, err := New(Config{Iterations: 2}, tools, nil).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, st.Incidents, 1)
	assert.Equal(t, "zoneA", st.Incidents[0].Zone)
	assert.Equal(t, 3, st.Incidents[0].Severity)
	require.Len(t, st.Coalitions, 1)
	assert.Contains(t, st.Coalitions[0].Roles, "Traffic")

	require.NotNil(t, st.ApprovedPlan)
	assert.Equal(t, "d1", st.ApprovedPlan.ID)
	assert.Equal(t, []DispatchRequest{{Zone: "zoneA", Count: 2}, {Zone: "zoneA", Count: 2}}, dispatched)

	require.Len(t, st.ExecutionResults, 2, "current tick only")
	assert.Equal(t, StatusOK, st.ExecutionResults[0].Status)
	assert.Equal(t, StatusSimulated, st.ExecutionResults[1].Status)
	assert.Len(t, st.ExecutionLog, 4)

	assert.Len(t, st.AuditLog, 2)
	assert.Equal(t, st.AuditLog[0].Hash, st.AuditLog[1].Prev)
	assert.NotEmpty(t, st.Summaries)
	assert.NotEmpty(t, st.SafetyNotes)
	assert.NotEmpty(t, st.AssessorNotes)
	require.Len(t, st.LearningNotes, 1, "learning needs two ledger entries")
	assert.Equal(t, LearningSuggestion, st.LearningNotes[0].Suggestion)
}

// #endregion

// #region failure-isolation

func TestRun_StageFailureIsIsolated(t *testing.T) {
	tools := offlineTools(t, nil)
	boom := errors.New("boom")

	stages := DefaultStages(Windows{})
	for i, s := range stages {
		if s.Name == StageAssessor {
			stages[i].Run = func(_ context.Context, st *TickState, _ *Tools) error {
				st.Incidents = nil
				st.WorldState = nil // partial write must be undone
				return boom
			}
		}
	}

	var reports []TickReport
	o := NewWithStages(Config{Iterations: 1}, stages, tools, nil).
		OnTick(func(r TickReport) { reports = append(reports, r) })
	st, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, reports, 1)
	require.Len(t, reports[0].Failures, 1)
	assert.Equal(t, StageAssessor, reports[0].Failures[0].Stage)
	assert.True(t, errors.Is(reports[0].Failures[0], boom))

	assert.NotNil(t, st.WorldState, "failed stage writes are rolled back")
	require.Len(t, st.Plans, 1, "later stages still run")
	assert.Len(t, st.AuditLog, 1)
}

func TestRun_FailedStageCannotMutatePlanSteps(t *testing.T) {
	stream := sensor.NewSliceStream([]sensor.Observation{obs("w1", "water_level", "zoneA", 3.0)})
	tools := offlineTools(t, stream)
	client := oracle.NewClient(planCompleter{plans: dispatchPlans}, oracle.DefaultClientConfig(), nil)
	tools.Oracle = client
	tools.Planner = planner.New(client, planner.DefaultConfig(), nil)

	stages := DefaultStages(Windows{})
	for i, s := range stages {
		if s.Name == StageNegotiation {
			stages[i].Run = func(_ context.Context, st *TickState, _ *Tools) error {
				st.Plans[0].Steps[0].Params["count"] = 99.0
				st.Plans[0].Rationale[0] = "rewritten"
				return errors.New("negotiation broke")
			}
		}
	}

	st, err := NewWithStages(Config{Iterations: 1}, stages, tools, nil).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, st.Plans, 1)
	assert.Equal(t, 2, st.Plans[0].Steps[0].Count())
	assert.NotEqual(t, "rewritten", st.Plans[0].Rationale[0])
}

func TestRun_FailedStageAppendsToLogsAreDropped(t *testing.T) {
	stream := sensor.NewSliceStream([]sensor.Observation{
		obs("w1", "water_level", "zoneA", 1.0),
		obs("w1", "water_level", "zoneA", 1.1),
	})
	tools := offlineTools(t, stream)

	stages := DefaultStages(Windows{})
	for i, s := range stages {
		if s.Name == StageLearning {
			stages[i].Run = func(_ context.Context, st *TickState, _ *Tools) error {
				st.ObservationLog = append(st.ObservationLog, obs("x", "water_level", "zoneX", 9))
				st.ExecutionLog = append(st.ExecutionLog, ExecutionResult{Status: StatusFailed})
				st.Summaries = append(st.Summaries, Note{Agent: "learning", Text: "x"})
				return errors.New("learning broke")
			}
		}
	}

	st, err := NewWithStages(Config{Iterations: 2}, stages, tools, nil).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, st.ObservationLog, 2)
	assert.Equal(t, "w1", st.ObservationLog[1].SensorID)
	assert.Len(t, st.ExecutionLog, 2, "one monitor step per tick")
	for _, r := range st.ExecutionLog {
		assert.NotEqual(t, StatusFailed, r.Status)
	}
	for _, n := range st.Summaries {
		assert.NotEqual(t, "learning", n.Agent)
	}
}

func TestRun_PanicIsRecovered(t *testing.T) {
	tools := offlineTools(t, nil)
	stages := DefaultStages(Windows{})
	stages[1].Run = func(context.Context, *TickState, *Tools) error {
		panic("fusion exploded")
	}

	var failures []*StageError
	o := NewWithStages(Config{Iterations: 1}, stages, tools, nil).
		OnTick(func(r TickReport) { failures = r.Failures })
	st, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, failures, 1)
	assert.Equal(t, StageFusion, failures[0].Stage)
	assert.Contains(t, failures[0].Error(), "fusion exploded")
	assert.Nil(t, st.WorldState)
	require.Len(t, st.Plans, 1)
}

func TestRun_MissingCollaboratorsFailStagesNotRun(t *testing.T) {
	o := New(Config{Iterations: 1}, Tools{}, nil)
	var failed []string
	o.OnTick(func(r TickReport) {
		for _, f := range r.Failures {
			failed = append(failed, f.Stage)
		}
	})
	st, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{StageSafety, StagePlanner}, failed)
	assert.Empty(t, st.Plans)
	assert.Nil(t, st.ApprovedPlan)
	assert.Empty(t, st.AuditLog)
}

// #endregion

// #region manual-approval

func TestRun_ManualApprovalHoldsUntilApproved(t *testing.T) {
	tools := offlineTools(t, nil)
	o := New(Config{Iterations: 2, ManualApprove: true}, tools, nil)

	o.OnTick(func(r TickReport) {
		if r.Tick == 0 {
			assert.Empty(t, r.ApprovedPlan, "manual mode holds without approval")
			require.NoError(t, o.Approve(planner.MonitorPlanID))
		}
	})
	st, err := o.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, st.ApprovedPlan)
	assert.Equal(t, planner.MonitorPlanID, st.ApprovedPlan.ID)
	assert.Len(t, st.AuditLog, 1)
	assert.Empty(t, st.PendingApprovals)
}

func TestRun_ManualApprovalOfOraclePlanWithoutID(t *testing.T) {
	stream := sensor.NewSliceStream([]sensor.Observation{
		obs("w1", "water_level", "zoneA", 3.0),
		obs("w1", "water_level", "zoneA", 3.0),
		obs("w1", "water_level", "zoneA", 3.0),
	})
	tools := offlineTools(t, stream)
	client := oracle.NewClient(planCompleter{plans: `{"plans":[{"name":"alert_and_dispatch","confidence":0.9,
		"steps":[{"actor":"Executor","action":"dispatch_truck","count":1}]}]}`}, oracle.DefaultClientConfig(), nil)
	tools.Oracle = client
	tools.Planner = planner.New(client, planner.DefaultConfig(), nil)
	var dispatched []DispatchRequest
	tools.Dispatch = func(_ context.Context, req DispatchRequest) (DispatchResult, error) {
		dispatched = append(dispatched, req)
		return DispatchResult{OK: true}, nil
	}

	o := New(Config{Iterations: 3, ManualApprove: true}, tools, nil)
	var seen []string
	var approved []string
	o.OnTick(func(r TickReport) {
		approved = append(approved, r.ApprovedPlan)
		require.NotEmpty(t, o.State().Plans)
		seen = append(seen, o.State().Plans[0].ID)
		if r.Tick == 0 {
			require.NoError(t, o.Approve(o.State().Plans[0].ID))
		}
	})
	_, err := o.Run(context.Background())
	require.NoError(t, err)

	want := planner.CandidateID("zoneA", 0, "alert_and_dispatch")
	assert.Equal(t, []string{want, want, want}, seen, "id must survive across ticks")
	assert.Equal(t, []string{"", want, ""}, approved)
	assert.Equal(t, []DispatchRequest{{Zone: "zoneA", Count: 1}}, dispatched)
}

func TestRun_ManualApprovalOfSecondZoneOfflinePlan(t *testing.T) {
	stream := sensor.NewSliceStream([]sensor.Observation{
		obs("wa", "water_level", "zoneA", 3.0),
		obs("wb", "water_level", "zoneB", 3.0),
		obs("wb", "water_level", "zoneB", 3.0),
	})
	tools := offlineTools(t, stream)
	o := New(Config{Iterations: 3, ManualApprove: true}, tools, nil)
	o.OnTick(func(r TickReport) {
		if r.Tick == 1 {
			require.NoError(t, o.Approve("p1-zoneB"))
		}
	})
	st, err := o.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, st.ApprovedPlan)
	assert.Equal(t, "p1-zoneB", st.ApprovedPlan.ID)
	assert.Equal(t, "zoneB", st.ApprovedPlan.Zone)
}

func TestApprove_QueueFull(t *testing.T) {
	o := New(Config{Iterations: 1, ManualApprove: true}, Tools{}, nil)
	for i := 0; i < ApprovalQueueSize; i++ {
		require.NoError(t, o.Approve("p"))
	}
	assert.ErrorIs(t, o.Approve("p"), ErrApprovalQueueFull)
}

// #endregion

// #region cancellation

func TestRun_CancelAtTickBoundary(t *testing.T) {
	tools := offlineTools(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	ticks := 0
	o := New(Config{Iterations: 10, TickDelay: time.Hour}, tools, nil).
		OnTick(func(TickReport) {
			ticks++
			cancel()
		})
	st, err := o.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, ticks)
	assert.Len(t, st.AuditLog, 1)
}

// #endregion

// #region inject

func TestRun_ManualInjectConsumedOnce(t *testing.T) {
	tools := offlineTools(t, sensor.NewSliceStream(nil))
	o := New(Config{Iterations: 3}, tools, nil)
	o.Inject(obs("g1", "garbage_fill", "zoneB", 95))

	st, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, st.ObservationLog, 1)
	assert.Equal(t, Provenance{Agent: StagePerception, ObsID: 0}, st.Provenance[0])
	assert.Nil(t, st.ManualInject)
	require.Len(t, st.Incidents, 1)
	assert.Equal(t, 2, st.Incidents[0].Severity)
}

// #endregion

// #region persistence

func TestRun_WritesStageLogAndPlans(t *testing.T) {
	store, err := state.NewStore(filepath.Join(t.TempDir(), "run.db"))
	require.NoError(t, err)
	defer store.Close()
	run, err := store.StartRun(state.RunRecord{Iterations: 2})
	require.NoError(t, err)

	tools := offlineTools(t, nil)
	_, err = New(Config{Iterations: 2}, tools, nil).WithStore(store, run.RunID).Run(context.Background())
	require.NoError(t, err)

	rows, err := store.ListStageLog(run.RunID)
	require.NoError(t, err)
	require.Len(t, rows, 20)
	assert.Equal(t, StagePerception, rows[0].Stage)
	assert.Equal(t, StageLearning, rows[19].Stage)
	for _, r := range rows {
		assert.Equal(t, logging.DecisionOK, r.Decision)
	}

	var sig logging.StageSignals
	require.NoError(t, json.Unmarshal([]byte(rows[8].SignalsJSON), &sig))
	assert.Equal(t, planner.MonitorPlanID, sig.ApprovedPlan)
	assert.NotEmpty(t, sig.LedgerHash)

	plans, err := store.ListPlanOutcomes(run.RunID)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.True(t, plans[0].Approved)
	assert.Equal(t, 1, plans[1].Tick)
}

// #endregion
