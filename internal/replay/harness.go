// Package replay runs recorded scenarios through the full pipeline with the
// offline oracle and compares each tick against its expected outcome.
package replay

import (
	"context"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/tidewatch/internal/gate"
	"github.com/danielpatrickdp/tidewatch/internal/ledger"
	"github.com/danielpatrickdp/tidewatch/internal/oracle"
	"github.com/danielpatrickdp/tidewatch/internal/orchestrator"
	"github.com/danielpatrickdp/tidewatch/internal/planner"
	"github.com/danielpatrickdp/tidewatch/internal/sensor"
)

// #region types

// TickResult captures the outcome of one replayed tick.
type TickResult struct {
	Tick         int
	Verified     bool
	Incidents    int
	Plans        int
	ApprovedPlan string
	Executions   int
	Blocked      bool
	Failures     []string
	LedgerHash   string
}

// Mismatch is one field where a replayed tick diverged from its expectation.
type Mismatch struct {
	Tick  int
	Field string
	Want  string
	Got   string
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	TotalTicks    int
	Approved      int
	Held          int
	Blocked       int
	Unverified    int
	StageFailures int
	LedgerEntries int
}

// #endregion types

// #region replay

// Replay runs the fixture with the offline oracle, appending audit cards to
// the ledger at ledgerPath. Noise uses a PCG source seeded from the fixture,
// so identical fixtures replay identically.
func Replay(ctx context.Context, f *Fixture, ledgerPath string, logger *zap.Logger) ([]TickResult, error) {
	l, err := ledger.Open(ledgerPath)
	if err != nil {
		return nil, err
	}

	client := oracle.NewClient(oracle.Offline{}, oracle.DefaultClientConfig(), logger)
	rng := rand.New(rand.NewPCG(f.Config.Seed, f.Config.Seed))
	tools := orchestrator.Tools{
		Stream:   sensor.NewSliceStream(f.Observations),
		Oracle:   client,
		Dispatch: orchestrator.EchoDispatch,
		Ledger:   l,
		Gate:     gate.NewGate(f.Config.ToGateConfig(), rng),
		Planner:  planner.New(client, planner.DefaultConfig(), logger),
	}

	o := orchestrator.New(orchestrator.Config{
		Iterations:    f.Config.Iterations,
		ManualApprove: f.Config.ManualApprove,
	}, tools, logger)
	if f.ManualInject != nil {
		o.Inject(*f.ManualInject)
	}

	var approveErr error
	queue := func(tick int) {
		for _, a := range f.Approvals {
			if a.Tick == tick {
				if err := o.Approve(a.PlanID); err != nil && approveErr == nil {
					approveErr = fmt.Errorf("approve %s before tick %d: %w", a.PlanID, tick, err)
				}
			}
		}
	}
	queue(0)

	results := make([]TickResult, 0, f.Config.Iterations)
	o.OnTick(func(r orchestrator.TickReport) {
		st := o.State()
		res := TickResult{
			Tick:         r.Tick,
			Verified:     r.Verified != nil && *r.Verified,
			Incidents:    r.Incidents,
			Plans:        r.Plans,
			ApprovedPlan: r.ApprovedPlan,
			Executions:   r.Executions,
			LedgerHash:   r.LedgerHash,
		}
		for _, er := range st.ExecutionResults {
			if er.Status == orchestrator.StatusBlockedBySafety {
				res.Blocked = true
				res.Executions = 0
			}
		}
		for _, fail := range r.Failures {
			res.Failures = append(res.Failures, fail.Error())
		}
		results = append(results, res)
		queue(r.Tick + 1)
	})

	if _, err := o.Run(ctx); err != nil {
		return results, fmt.Errorf("replay run: %w", err)
	}
	if approveErr != nil {
		return results, approveErr
	}
	return results, nil
}

// Compare checks results against the fixture expectations tick by tick.
func Compare(results []TickResult, expected []ExpectedTick) []Mismatch {
	byTick := make(map[int]TickResult, len(results))
	for _, r := range results {
		byTick[r.Tick] = r
	}

	var out []Mismatch
	for _, e := range expected {
		r, ok := byTick[e.Tick]
		if !ok {
			out = append(out, Mismatch{Tick: e.Tick, Field: "tick", Want: "present", Got: "missing"})
			continue
		}
		check := func(field string, want, got any) {
			if fmt.Sprint(want) != fmt.Sprint(got) {
				out = append(out, Mismatch{Tick: e.Tick, Field: field, Want: fmt.Sprint(want), Got: fmt.Sprint(got)})
			}
		}
		check("verified", e.Verified, r.Verified)
		check("incidents", e.Incidents, r.Incidents)
		check("plans", e.Plans, r.Plans)
		check("approved_plan", e.ApprovedPlan, r.ApprovedPlan)
		check("executions", e.Executions, r.Executions)
	}
	return out
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []TickResult) Summary {
	s := Summary{TotalTicks: len(results)}
	lastHash := ""
	for _, r := range results {
		if r.ApprovedPlan != "" {
			s.Approved++
		} else {
			s.Held++
		}
		if r.Blocked {
			s.Blocked++
		}
		if !r.Verified {
			s.Unverified++
		}
		s.StageFailures += len(r.Failures)
		if r.LedgerHash != "" && r.LedgerHash != lastHash {
			s.LedgerEntries++
			lastHash = r.LedgerHash
		}
	}
	return s
}

// #endregion replay
