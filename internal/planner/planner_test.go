package planner

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/tidewatch/internal/assess"
	"github.com/danielpatrickdp/tidewatch/internal/oracle"
	"github.com/danielpatrickdp/tidewatch/internal/world"
)

// #region fakes
// scripted answers plan prompts with planText and everything else with explainText.
type scripted struct {
	planText    string
	planErr     error
	explainErr  error
	explainText string
	prompts     []string
}

func (s *scripted) Ask(_ context.Context, prompt string) oracle.Result {
	s.prompts = append(s.prompts, prompt)
	if strings.HasPrefix(prompt, "Planner:") {
		if s.planErr != nil {
			return oracle.Result{Source: oracle.SourceNone, Err: s.planErr}
		}
		return oracle.Result{Text: s.planText, Source: oracle.SourcePrimary}
	}
	if s.explainErr != nil {
		return oracle.Result{Source: oracle.SourceNone, Err: s.explainErr}
	}
	return oracle.Result{Text: s.explainText, Source: oracle.SourcePrimary}
}

func offlinePlanner() *Planner {
	return New(oracle.NewClient(oracle.Offline{}, oracle.DefaultClientConfig(), nil), DefaultConfig(), nil)
}

// #endregion fakes

func TestPlan_NoIncidentsYieldsMonitorPlan(t *testing.T) {
	out := offlinePlanner().Plan(context.Background(), nil, world.State{})

	require.Len(t, out.Plans, 1)
	p := out.Plans[0]
	assert.Equal(t, MonitorPlanID, p.ID)
	assert.Equal(t, 0.5, p.Confidence)
	assert.Equal(t, Rationale{"no high-risk events detected"}, p.Rationale)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "observe", p.Steps[0].Action)
	assert.Empty(t, out.FallbackZones)
}

func TestPlan_OfflineOracleCandidatesRanked(t *testing.T) {
	incidents := []assess.Incident{{Zone: "zoneA", Severity: 3, EstimatedPeople: 3000}}
	w := world.State{"zoneA": {AvgWater: world.Float(2.8)}}

	out := offlinePlanner().Plan(context.Background(), incidents, w)

	require.Len(t, out.Plans, 2)
	assert.Equal(t, "alert_and_dispatch", out.Plans[0].Name)
	assert.Equal(t, "p1", out.Plans[0].ID)
	assert.Equal(t, "zoneA", out.Plans[0].Zone)
	assert.Equal(t, 40.0, out.Plans[0].ImpactPct)
	assert.Equal(t, "monitor", out.Plans[1].Name)
	assert.Equal(t, oracle.CannedExplain, out.Plans[0].ExplainCard)
	assert.Empty(t, out.FallbackZones)
}

func TestPlan_UnparseableResponseUsesFallback(t *testing.T) {
	s := &scripted{planText: "I would send trucks.", explainText: "because"}
	p := New(s, DefaultConfig(), nil)
	incidents := []assess.Incident{{Zone: "zoneB", Severity: 2}}

	first := p.Plan(context.Background(), incidents, world.State{})
	second := p.Plan(context.Background(), incidents, world.State{})

	require.Len(t, first.Plans, 2)
	assert.Equal(t, []string{"zoneB"}, first.FallbackZones)
	assert.Equal(t, "alert_and_dispatch", first.Plans[0].Name)
	assert.Equal(t, 0.9, first.Plans[0].Confidence)
	assert.Equal(t, "monitor_only", first.Plans[1].Name)
	assert.Equal(t, 0.6, first.Plans[1].Confidence)
	assert.Equal(t, first.Plans, second.Plans, "fallback must be reproducible")
	assert.Equal(t, 2, first.Plans[0].Steps[0].Count())
}

func TestPlan_OracleErrorUsesFallbackAndPlaceholder(t *testing.T) {
	s := &scripted{planErr: errors.New("offline"), explainErr: errors.New("offline")}
	out := New(s, DefaultConfig(), nil).Plan(context.Background(), []assess.Incident{{Zone: "z", Severity: 3}}, world.State{})

	require.Len(t, out.Plans, 2)
	for _, p := range out.Plans {
		assert.Equal(t, ExplainPlaceholder, p.ExplainCard)
	}
}

func TestPlan_TopKPerIncidentInIncidentOrder(t *testing.T) {
	text := `{"plans":[
		{"id":"a","name":"monitor_a","confidence":0.9},
		{"id":"b","name":"dispatch_b","confidence":0.5},
		{"id":"c","name":"alert_c","confidence":0.8},
		{"id":"d","name":"alert_d","confidence":1.0}
	]}`
	s := &scripted{planText: text, explainText: "x"}
	cfg := Config{MaxCandidates: 4, TopK: 3}
	incidents := []assess.Incident{{Zone: "z1", Severity: 3}, {Zone: "z2", Severity: 2}}

	out := New(s, cfg, nil).Plan(context.Background(), incidents, world.State{})

	require.Len(t, out.Plans, 6)
	var ids []string
	for _, p := range out.Plans {
		ids = append(ids, p.Zone+":"+p.ID)
	}
	// scores: a=4.5 b=20 c=32 d=40
	assert.Equal(t, []string{"z1:d", "z1:c", "z1:b", "z2:d-z2", "z2:c-z2", "z2:b-z2"}, ids)
}

func TestPlan_MaxCandidatesTruncates(t *testing.T) {
	text := `{"plans":[{"name":"a1"},{"name":"a2"},{"name":"a3"},{"name":"a4"}]}`
	s := &scripted{planText: text, explainText: "x"}
	out := New(s, DefaultConfig(), nil).Plan(context.Background(), []assess.Incident{{Zone: "z", Severity: 2}}, world.State{})

	require.Len(t, out.Plans, 3)
	assert.Equal(t, "a1", out.Plans[0].Name)
}

func TestPlan_IDlessCandidatesGetStableZoneIDs(t *testing.T) {
	s := &scripted{planText: `{"plans":[{"name":"Alert and Dispatch","confidence":0.9},{"name":"monitor"}]}`, explainText: "x"}
	p := New(s, DefaultConfig(), nil)
	incidents := []assess.Incident{{Zone: "zoneA", Severity: 3}}

	first := p.Plan(context.Background(), incidents, world.State{})
	second := p.Plan(context.Background(), incidents, world.State{})

	require.Len(t, first.Plans, 2)
	assert.Equal(t, "zoneA-1-alert_and_dispatch", first.Plans[0].ID)
	assert.Equal(t, "zoneA-2-monitor", first.Plans[1].ID)
	for i := range first.Plans {
		assert.Equal(t, first.Plans[i].ID, second.Plans[i].ID, "ids must not change between ticks")
	}
}

func TestPlan_DuplicateIDsAcrossZonesAreSuffixed(t *testing.T) {
	incidents := []assess.Incident{{Zone: "zoneA", Severity: 3}, {Zone: "zoneB", Severity: 3}}

	out := offlinePlanner().Plan(context.Background(), incidents, world.State{})

	var ids []string
	for _, p := range out.Plans {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"p1", "p2", "p1-zoneB", "p2-zoneB"}, ids)
}

func TestCandidateID(t *testing.T) {
	cases := []struct {
		zone, name, want string
		index            int
	}{
		{"zoneA", "alert_and_dispatch", "zoneA-1-alert_and_dispatch", 0},
		{"z", "  Send 2 Trucks!! ", "z-3-send_2_trucks", 2},
		{"z", "monitor-only", "z-2-monitor-only", 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CandidateID(tc.zone, tc.index, tc.name))
	}
}

func TestRank_StableOnTies(t *testing.T) {
	plans := []Plan{
		{ID: "first", Confidence: 0.5, ImpactPct: 40},  // 20
		{ID: "second", Confidence: 1.0, ImpactPct: 20}, // 20
		{ID: "top", Confidence: 0.9, ImpactPct: 40},    // 36
		{ID: "third", Confidence: 0.25, ImpactPct: 80}, // 20
	}
	got := Rank(plans)

	var ids []string
	for _, p := range got {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"top", "first", "second", "third"}, ids)
	assert.Equal(t, "first", plans[0].ID, "input must not be reordered")
}

func TestDecodeCandidates(t *testing.T) {
	t.Run("canned offline plans", func(t *testing.T) {
		got, err := DecodeCandidates(oracle.CannedPlans)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "p1", got[0].ID)
		assert.Equal(t, Rationale{"water > threshold"}, got[0].Rationale)
		assert.NotNil(t, got[0].Steps)
	})

	t.Run("fenced json with steps", func(t *testing.T) {
		text := "```json\n{\"plans\":[{\"name\":\"alert_and_dispatch\",\"rationale\":\"rising water\",\"steps\":[{\"actor\":\"Executor\",\"action\":\"dispatch_truck\",\"count\":3}]}]}\n```"
		got, err := DecodeCandidates(text)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Empty(t, got[0].ID, "missing id is filled in per zone by the planner")
		assert.Equal(t, DefaultConfidence, got[0].Confidence)
		assert.Equal(t, Rationale{"rising water"}, got[0].Rationale)
		assert.Equal(t, 3, got[0].Steps[0].Count())
		assert.Equal(t, "dispatch_truck", got[0].Steps[0].Action)
	})

	bad := map[string]string{
		"not json":            "OK",
		"missing plans":       `{"zones":{}}`,
		"empty plans":         `{"plans":[]}`,
		"plans wrong type":    `{"plans":"p1"}`,
		"nameless":            `{"plans":[{"confidence":0.5}]}`,
		"confidence too high": `{"plans":[{"name":"x","confidence":1.5}]}`,
		"negative confidence": `{"plans":[{"name":"x","confidence":-0.1}]}`,
		"bad step":            `{"plans":[{"name":"x","steps":[1]}]}`,
		"trailing garbage":    `{"plans":[{"name":"x"}]} extra`,
	}
	for name, text := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCandidates(text)
			assert.True(t, errors.Is(err, ErrDecode), "got %v", err)
		})
	}
}

func TestStepParamsRoundTrip(t *testing.T) {
	var s Step
	require.NoError(t, json.Unmarshal([]byte(`{"actor":"Executor","action":"dispatch_truck","params":{"count":4},"priority":"high"}`), &s))
	assert.Equal(t, 4, s.Count())
	assert.Equal(t, "high", s.Params["priority"])

	var empty Step
	require.NoError(t, json.Unmarshal([]byte(`{"action":"monitor"}`), &empty))
	assert.Equal(t, 1, empty.Count())
}

func TestStepCountClamped(t *testing.T) {
	cases := map[string]struct {
		params map[string]any
		want   int
	}{
		"huge float":   {map[string]any{"count": 1e300}, MaxStepCount},
		"infinite":     {map[string]any{"count": math.Inf(1)}, MaxStepCount},
		"at cap":       {map[string]any{"count": float64(MaxStepCount)}, MaxStepCount},
		"large int":    {map[string]any{"count": 1 << 40}, MaxStepCount},
		"fraction":     {map[string]any{"count": 2.7}, 2},
		"zero":         {map[string]any{"count": 0.0}, 1},
		"NaN":          {map[string]any{"count": math.NaN()}, 1},
		"string count": {map[string]any{"count": "5"}, 1},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Step{Params: tc.params}.Count())
		})
	}
}

func TestPlanCloneSharesNothing(t *testing.T) {
	p := Plan{
		ID:        "p1",
		Steps:     []Step{{Action: "dispatch_truck", Params: map[string]any{"count": 2.0}}},
		Rationale: Rationale{"rising water"},
	}
	c := p.Clone()
	c.Steps[0].Params["count"] = 9.0
	c.Steps[0].Action = "changed"
	c.Rationale[0] = "changed"

	assert.Equal(t, 2, p.Steps[0].Count())
	assert.Equal(t, "dispatch_truck", p.Steps[0].Action)
	assert.Equal(t, "rising water", p.Rationale[0])
}

func TestExplainPromptRoutesToExplainCanned(t *testing.T) {
	prompt := ExplainPrompt(Plan{Name: "alert_and_dispatch", Zone: "zoneA"}, world.State{})
	assert.Equal(t, oracle.CannedExplain, oracle.Simulate(prompt))
}
