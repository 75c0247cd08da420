// Package planner generates, simulates and ranks response plans per incident.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/tidewatch/internal/assess"
	"github.com/danielpatrickdp/tidewatch/internal/oracle"
	"github.com/danielpatrickdp/tidewatch/internal/twin"
	"github.com/danielpatrickdp/tidewatch/internal/world"
)

// #region constants
const (
	MonitorPlanID      = "p_monitor"
	MonitorPlanName    = "monitor_environment"
	MonitorConfidence  = 0.5
	MonitorRationale   = "no high-risk events detected"
	DefaultConfidence  = 0.7
	ExplainPlaceholder = "Simulated explanation"
	NoRationale        = "No rationale provided"
)

// ErrDecode wraps every reason an oracle plan response was rejected.
var ErrDecode = errors.New("decode candidate plans")

// #endregion constants

// #region asker
// Asker is the oracle surface the planner needs. *oracle.Client satisfies it.
type Asker interface {
	Ask(ctx context.Context, prompt string) oracle.Result
}

// #endregion asker

// #region planner
// Output is one planning pass.
type Output struct {
	Plans         []Plan
	FallbackZones []string // incidents whose candidates came from the canned fallback
}

// Planner turns incidents into ranked plans.
type Planner struct {
	oracle Asker
	config Config
	logger *zap.Logger
}

// New creates a planner.
func New(asker Asker, config Config, logger *zap.Logger) *Planner {
	if config.MaxCandidates <= 0 {
		config.MaxCandidates = DefaultConfig().MaxCandidates
	}
	if config.TopK <= 0 {
		config.TopK = DefaultConfig().TopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{oracle: asker, config: config, logger: logger}
}

// Plan always returns at least one plan. With no incidents that is the single
// monitor plan; otherwise each incident contributes its top-K ranked plans,
// concatenated in incident order.
func (p *Planner) Plan(ctx context.Context, incidents []assess.Incident, w world.State) Output {
	if len(incidents) == 0 {
		monitor := Candidate{
			ID:         MonitorPlanID,
			Name:       MonitorPlanName,
			Steps:      []Step{{Actor: "Monitoring", Action: "observe"}},
			Confidence: MonitorConfidence,
			Rationale:  Rationale{MonitorRationale},
		}
		return Output{Plans: []Plan{p.enrich(ctx, monitor, "", w)}}
	}

	var out Output
	seen := make(map[string]bool)
	for _, inc := range incidents {
		candidates, err := p.candidates(ctx, inc, w)
		if err != nil {
			p.logger.Info("planner using fallback candidates",
				zap.String("zone", inc.Zone), zap.Error(err))
			candidates = FallbackCandidates(inc.Zone)
			out.FallbackZones = append(out.FallbackZones, inc.Zone)
		}

		ranked := make([]Plan, 0, len(candidates))
		for _, c := range candidates {
			ranked = append(ranked, p.enrich(ctx, c, inc.Zone, w))
		}
		ranked = Rank(ranked)
		if len(ranked) > p.config.TopK {
			ranked = ranked[:p.config.TopK]
		}
		uniqueIDs(ranked, inc.Zone, seen)
		out.Plans = append(out.Plans, ranked...)
	}
	return out
}

// candidates asks the oracle and decodes its answer strictly.
func (p *Planner) candidates(ctx context.Context, inc assess.Incident, w world.State) ([]Candidate, error) {
	res := p.oracle.Ask(ctx, PlanPrompt(w, inc, p.config.MaxCandidates))
	if !res.OK() {
		return nil, fmt.Errorf("%w: %v", ErrDecode, res.Err)
	}
	candidates, err := DecodeCandidates(res.Text)
	if err != nil {
		return nil, err
	}
	if len(candidates) > p.config.MaxCandidates {
		candidates = candidates[:p.config.MaxCandidates]
	}
	for i := range candidates {
		if candidates[i].ID == "" {
			candidates[i].ID = CandidateID(inc.Zone, i, candidates[i].Name)
		}
	}
	return candidates, nil
}

// CandidateID names a candidate the oracle sent without an id. The result
// depends only on zone, position and name, so the same answer yields the same
// id on every tick and an operator can approve it.
func CandidateID(zone string, index int, name string) string {
	return fmt.Sprintf("%s-%d-%s", zone, index+1, slug(name))
}

func slug(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// uniqueIDs rewrites ids already taken by an earlier zone this tick as
// <id>-<zone>, numbering further clashes, so every plan of a tick is
// addressable by id alone.
func uniqueIDs(plans []Plan, zone string, seen map[string]bool) {
	for i := range plans {
		id := plans[i].ID
		if seen[id] {
			base := id
			id = base + "-" + zone
			for n := 2; seen[id]; n++ {
				id = fmt.Sprintf("%s-%s-%d", base, zone, n)
			}
			plans[i].ID = id
		}
		seen[id] = true
	}
}

// enrich simulates a candidate and attaches its explanation card.
func (p *Planner) enrich(ctx context.Context, c Candidate, zone string, w world.State) Plan {
	outcome := twin.Simulate(c, w)
	plan := Plan{
		ID:           c.ID,
		Name:         c.Name,
		Zone:         zone,
		Steps:        c.Steps,
		Confidence:   c.Confidence,
		Rationale:    c.Rationale,
		Cost:         outcome.Cost,
		TimeSavedMin: outcome.TimeSavedMin,
		ImpactPct:    outcome.DamageReducedPct,
	}

	if res := p.oracle.Ask(ctx, ExplainPrompt(plan, w)); res.OK() {
		plan.ExplainCard = res.Text
	} else {
		plan.ExplainCard = ExplainPlaceholder
	}
	return plan
}

// #endregion planner

// #region rank
// Rank orders plans by Score descending. Ties keep their input order.
func Rank(plans []Plan) []Plan {
	out := make([]Plan, len(plans))
	copy(out, plans)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score() > out[j].Score()
	})
	return out
}

// #endregion rank

// #region fallback
// FallbackCandidates are used whenever the oracle answer cannot be decoded.
// Content is fixed so runs stay reproducible.
func FallbackCandidates(zone string) []Candidate {
	return []Candidate{
		{
			ID:         "fallback-alert_and_dispatch-" + zone,
			Name:       "alert_and_dispatch",
			Steps:      []Step{{Actor: "Executor", Action: "dispatch_truck", Params: map[string]any{"count": float64(2)}}},
			Confidence: 0.9,
			Rationale:  Rationale{NoRationale},
		},
		{
			ID:         "fallback-monitor_only-" + zone,
			Name:       "monitor_only",
			Steps:      []Step{{Actor: "Monitoring", Action: "monitor"}},
			Confidence: 0.6,
			Rationale:  Rationale{NoRationale},
		},
	}
}

// #endregion fallback

// #region decode
type candidateDoc struct {
	Plans *[]candidateJSON `json:"plans"`
}

type candidateJSON struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Steps      []Step    `json:"steps"`
	Confidence *float64  `json:"confidence"`
	Rationale  Rationale `json:"rationale"`
}

// DecodeCandidates parses {"plans":[...]} from oracle text. A fenced code
// block around the JSON is tolerated. The document must hold at least one
// plan, every plan needs a name or id, and confidence must lie in [0,1].
// Missing ids are left empty for the planner to fill in per zone; missing
// confidence defaults to 0.7.
func DecodeCandidates(text string) ([]Candidate, error) {
	var doc candidateDoc
	if err := json.Unmarshal([]byte(stripFence(text)), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if doc.Plans == nil {
		return nil, fmt.Errorf("%w: missing plans", ErrDecode)
	}
	if len(*doc.Plans) == 0 {
		return nil, fmt.Errorf("%w: empty plans", ErrDecode)
	}

	out := make([]Candidate, 0, len(*doc.Plans))
	for i, cj := range *doc.Plans {
		c := Candidate{
			ID:         cj.ID,
			Name:       cj.Name,
			Steps:      cj.Steps,
			Confidence: DefaultConfidence,
			Rationale:  cj.Rationale,
		}
		if c.Name == "" {
			c.Name = c.ID
		}
		if c.Name == "" {
			return nil, fmt.Errorf("%w: plan %d has no name or id", ErrDecode, i)
		}
		if cj.Confidence != nil {
			if *cj.Confidence < 0 || *cj.Confidence > 1 {
				return nil, fmt.Errorf("%w: plan %d confidence %v outside [0,1]", ErrDecode, i, *cj.Confidence)
			}
			c.Confidence = *cj.Confidence
		}
		if len(c.Rationale) == 0 {
			c.Rationale = Rationale{NoRationale}
		}
		if c.Steps == nil {
			c.Steps = []Step{}
		}
		out = append(out, c)
	}
	return out, nil
}

func stripFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

// #endregion decode

// #region prompts
// PlanPrompt asks for up to n candidate plans for one incident.
func PlanPrompt(w world.State, inc assess.Incident, n int) string {
	return fmt.Sprintf("Planner: world=%s\nIncident=%s\nProduce up to %d plans with steps, required roles, and a short rationale. Output JSON.",
		mustJSON(w), mustJSON(inc), n)
}

// ExplainPrompt asks for a one-paragraph justification of a simulated option.
func ExplainPrompt(p Plan, w world.State) string {
	return fmt.Sprintf("Explain the expected outcome of response option %q for zone %q: world=%s option=%s",
		p.Name, p.Zone, mustJSON(w), mustJSON(p))
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// #endregion prompts
