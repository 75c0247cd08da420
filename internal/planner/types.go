package planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// #region step
// Step is one action in a plan. Params holds everything besides actor and
// action; keys found at the top level of a decoded step (e.g. "count") are
// folded into Params.
type Step struct {
	Actor  string         `json:"actor"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Step) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("step: %w", err)
	}
	var out Step
	for k, v := range raw {
		switch k {
		case "actor":
			if err := json.Unmarshal(v, &out.Actor); err != nil {
				return fmt.Errorf("step actor: %w", err)
			}
		case "action":
			if err := json.Unmarshal(v, &out.Action); err != nil {
				return fmt.Errorf("step action: %w", err)
			}
		case "params":
			var params map[string]any
			if err := json.Unmarshal(v, &params); err != nil {
				return fmt.Errorf("step params: %w", err)
			}
			for pk, pv := range params {
				out.setParam(pk, pv)
			}
		default:
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return fmt.Errorf("step %s: %w", k, err)
			}
			out.setParam(k, val)
		}
	}
	*s = out
	return nil
}

func (s *Step) setParam(k string, v any) {
	if s.Params == nil {
		s.Params = make(map[string]any)
	}
	s.Params[k] = v
}

// MaxStepCount caps the "count" param of a single step.
const MaxStepCount = 100

// Count reads the integer "count" param, defaulting to 1 and capped at
// MaxStepCount.
func (s Step) Count() int {
	switch v := s.Params["count"].(type) {
	case float64:
		if v >= MaxStepCount {
			return MaxStepCount
		}
		if v >= 1 {
			return int(v)
		}
	case int:
		if v >= 1 {
			return min(v, MaxStepCount)
		}
	}
	return 1
}

// Clone copies s without sharing its Params map.
func (s Step) Clone() Step {
	s.Params = maps.Clone(s.Params)
	return s
}

// #endregion step

// #region rationale
// Rationale is a list of short reasons. It decodes from either a JSON string
// or an array of strings.
type Rationale []string

// UnmarshalJSON implements json.Unmarshaler.
func (r *Rationale) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*r = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = Rationale{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("rationale: %w", err)
	}
	*r = list
	return nil
}

// #endregion rationale

// #region candidate
// Candidate is a proposed plan before simulation.
type Candidate struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Steps      []Step    `json:"steps"`
	Confidence float64   `json:"confidence"`
	Rationale  Rationale `json:"rationale"`
}

// PlanName lets the digital twin read the candidate.
func (c Candidate) PlanName() string { return c.Name }

// #endregion candidate

// #region plan
// Plan is a candidate enriched with its simulated outcome and explanation.
type Plan struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Zone         string    `json:"zone"`
	Steps        []Step    `json:"steps"`
	Confidence   float64   `json:"confidence"`
	Rationale    Rationale `json:"rationale"`
	Cost         float64   `json:"cost"`
	TimeSavedMin float64   `json:"time_saved_min"`
	ImpactPct    float64   `json:"impact_pct"`
	ExplainCard  string    `json:"explain_card"`
}

// Clone copies p without sharing its steps or rationale.
func (p Plan) Clone() Plan {
	if p.Steps != nil {
		steps := make([]Step, len(p.Steps))
		for i, st := range p.Steps {
			steps[i] = st.Clone()
		}
		p.Steps = steps
	}
	p.Rationale = slices.Clone(p.Rationale)
	return p
}

// Score is the ranking key: confidence × impact_pct.
func (p Plan) Score() float64 {
	return p.Confidence * p.ImpactPct
}

// #endregion plan

// #region config
// Config bounds candidate generation.
type Config struct {
	MaxCandidates int // candidates requested per incident
	TopK          int // ranked plans kept per incident
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{MaxCandidates: 3, TopK: 3}
}

// #endregion config
