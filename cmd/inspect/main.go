package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/tidewatch/internal/ledger"
	"github.com/danielpatrickdp/tidewatch/internal/logging"
	"github.com/danielpatrickdp/tidewatch/internal/state"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to tidewatch.db")
	last := flag.Int("runs", 20, "show N most recent runs")
	runID := flag.String("run", "", "show stage log and plans for one run")
	ledgerPath := flag.String("ledger", "", "show and verify a ledger file")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" && *ledgerPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/tidewatch.db [--runs N] [--run id] [--json]")
		fmt.Fprintln(os.Stderr, "       inspect --ledger path/to/ledger.jsonl [--json]")
		os.Exit(2)
	}

	if *ledgerPath != "" {
		if err := runLedgerMode(*ledgerPath, *jsonOut); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			if errors.Is(err, ledger.ErrIntegrity) {
				os.Exit(3)
			}
			os.Exit(1)
		}
		if *dbPath == "" {
			return
		}
	}

	store, err := state.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *runID != "" {
		err = runDetailMode(store, *runID, *jsonOut)
	} else {
		err = runListMode(store, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		store.Close()
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type runRow struct {
	RunID         string `json:"run_id"`
	StartedAt     string `json:"started_at"`
	FinishedAt    string `json:"finished_at,omitempty"`
	Iterations    int    `json:"iterations"`
	ManualApprove bool   `json:"manual_approve"`
	Seed          uint64 `json:"seed"`
}

func runListMode(store *state.Store, last int, jsonOut bool) error {
	runs, err := store.ListRuns(last)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stderr, "no runs found")
		return nil
	}

	rows := make([]runRow, len(runs))
	for i, r := range runs {
		rows[i] = runRow{
			RunID:         r.RunID,
			StartedAt:     formatTime(r.StartedAt),
			FinishedAt:    formatTime(r.FinishedAt),
			Iterations:    r.Iterations,
			ManualApprove: r.ManualApprove,
			Seed:          r.Seed,
		}
	}

	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-12s  %5s  %-6s  %20s  %-20s  %s\n",
		"Run", "Ticks", "Manual", "Seed", "Started", "Finished")
	fmt.Printf("%-12s+-%5s+-%-6s+-%20s+-%-20s+-%s\n",
		"------------", "-----", "------", "--------------------", "--------------------", "--------------------")
	for _, r := range rows {
		finished := r.FinishedAt
		if finished == "" {
			finished = "—"
		}
		fmt.Printf("%-12s  %5d  %-6v  %20d  %-20s  %s\n",
			shortID(r.RunID), r.Iterations, r.ManualApprove, r.Seed, r.StartedAt, finished)
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

type stageRow struct {
	Tick     int                   `json:"tick"`
	Stage    string                `json:"stage"`
	Decision string                `json:"decision"`
	Reason   string                `json:"reason,omitempty"`
	Signals  *logging.StageSignals `json:"signals,omitempty"`
}

type planRow struct {
	Tick       int     `json:"tick"`
	Rank       int     `json:"rank"`
	PlanID     string  `json:"plan_id"`
	Zone       string  `json:"zone"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	ImpactPct  float64 `json:"impact_pct"`
	Approved   bool    `json:"approved"`
}

type detailOutput struct {
	Run    runRow     `json:"run"`
	Stages []stageRow `json:"stages"`
	Plans  []planRow  `json:"plans"`
}

func runDetailMode(store *state.Store, runID string, jsonOut bool) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	stages, err := store.ListStageLog(runID)
	if err != nil {
		return err
	}
	plans, err := store.ListPlanOutcomes(runID)
	if err != nil {
		return err
	}

	out := detailOutput{
		Run: runRow{
			RunID:         run.RunID,
			StartedAt:     formatTime(run.StartedAt),
			FinishedAt:    formatTime(run.FinishedAt),
			Iterations:    run.Iterations,
			ManualApprove: run.ManualApprove,
			Seed:          run.Seed,
		},
		Stages: make([]stageRow, 0, len(stages)),
		Plans:  make([]planRow, 0, len(plans)),
	}
	for _, s := range stages {
		out.Stages = append(out.Stages, stageRow{
			Tick:     s.Tick,
			Stage:    s.Stage,
			Decision: s.Decision,
			Reason:   s.Reason,
			Signals:  parseSignals(s.SignalsJSON),
		})
	}
	for _, p := range plans {
		out.Plans = append(out.Plans, planRow{
			Tick:       p.Tick,
			Rank:       p.Rank,
			PlanID:     p.PlanID,
			Zone:       p.Zone,
			Name:       p.Name,
			Confidence: p.Confidence,
			ImpactPct:  p.ImpactPct,
			Approved:   p.Approved,
		})
	}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Run:        %s\n", out.Run.RunID)
	fmt.Printf("Started:    %s\n", out.Run.StartedAt)
	fmt.Printf("Finished:   %s\n", out.Run.FinishedAt)
	fmt.Printf("Iterations: %d\n", out.Run.Iterations)
	fmt.Printf("Manual:     %v\n", out.Run.ManualApprove)
	fmt.Printf("Seed:       %d\n", out.Run.Seed)

	fmt.Printf("\nStages:\n")
	fmt.Printf("  %4s  %-12s  %-8s  %s\n", "Tick", "Stage", "Decision", "Detail")
	for _, s := range out.Stages {
		detail := s.Reason
		if detail == "" && s.Signals != nil {
			detail = summarizeSignals(s.Stage, *s.Signals)
		}
		fmt.Printf("  %4d  %-12s  %-8s  %s\n", s.Tick+1, s.Stage, s.Decision, detail)
	}

	if len(out.Plans) > 0 {
		fmt.Printf("\nPlans:\n")
		fmt.Printf("  %4s  %4s  %-12s  %-10s  %6s  %7s  %s\n", "Tick", "Rank", "Plan", "Zone", "Conf", "Impact", "Name")
		for _, p := range out.Plans {
			mark := ""
			if p.Approved {
				mark = " *"
			}
			fmt.Printf("  %4d  %4d  %-12s  %-10s  %6.2f  %6.1f%%  %s%s\n",
				p.Tick+1, p.Rank, p.PlanID, p.Zone, p.Confidence, p.ImpactPct, p.Name, mark)
		}
	}
	return nil
}

func summarizeSignals(stage string, s logging.StageSignals) string {
	switch stage {
	case "perception", "fusion":
		return fmt.Sprintf("obs=%d zones=%d", s.Observations, s.Zones)
	case "safety":
		return fmt.Sprintf("verified=%v flags=%d", s.Verified, s.Flags)
	case "assessor", "coalition":
		return fmt.Sprintf("incidents=%d", s.Incidents)
	case "planner":
		return fmt.Sprintf("plans=%d", s.Plans)
	case "negotiation":
		if s.ApprovedPlan == "" {
			return "held"
		}
		return "approved " + s.ApprovedPlan
	case "executor":
		return fmt.Sprintf("executions=%d", s.Executions)
	case "audit":
		return shortID(s.LedgerHash)
	}
	return ""
}

// #endregion detail-mode

// #region ledger-mode

type ledgerRow struct {
	Line    int             `json:"line"`
	TS      string          `json:"ts"`
	Hash    string          `json:"hash"`
	Prev    string          `json:"prev"`
	PlanID  string          `json:"plan_id,omitempty"`
	Zone    string          `json:"zone,omitempty"`
	Impact  float64         `json:"impact_pct"`
	Payload json.RawMessage `json:"entry,omitempty"`
}

type ledgerOutput struct {
	Path    string      `json:"path"`
	Records int         `json:"records"`
	Intact  bool        `json:"intact"`
	Entries []ledgerRow `json:"entries"`
}

func runLedgerMode(path string, jsonOut bool) error {
	l, err := ledger.Open(path)
	if err != nil {
		return err
	}
	entries, err := l.Entries()
	if err != nil {
		return err
	}
	n, verr := l.Verify()

	out := ledgerOutput{Path: path, Records: n, Intact: verr == nil}
	for i, e := range entries {
		var card struct {
			PlanID    string  `json:"plan_id"`
			Zone      string  `json:"zone"`
			ImpactPct float64 `json:"impact_pct"`
		}
		_ = json.Unmarshal(e.Entry, &card)
		row := ledgerRow{
			Line:   i + 1,
			TS:     formatTime(time.UnixMilli(int64(e.TS * 1000))),
			Hash:   e.Hash,
			Prev:   e.Prev,
			PlanID: card.PlanID,
			Zone:   card.Zone,
			Impact: card.ImpactPct,
		}
		if jsonOut {
			row.Payload = e.Entry
		}
		out.Entries = append(out.Entries, row)
	}

	if jsonOut {
		if err := printJSON(out); err != nil {
			return err
		}
		return verr
	}

	fmt.Printf("%4s  %-12s  %-12s  %-12s  %-10s  %7s  %s\n", "Line", "Hash", "Prev", "Plan", "Zone", "Impact", "Time")
	fmt.Printf("%4s+-%-12s+-%-12s+-%-12s+-%-10s+-%7s+-%s\n",
		"----", "------------", "------------", "------------", "----------", "-------", "--------------------")
	for _, r := range out.Entries {
		prev := shortID(r.Prev)
		if prev == "" {
			prev = "—"
		}
		fmt.Printf("%4d  %-12s  %-12s  %-12s  %-10s  %6.1f%%  %s\n",
			r.Line, shortID(r.Hash), prev, r.PlanID, r.Zone, r.Impact, r.TS)
	}

	if verr != nil {
		fmt.Printf("\nChain BROKEN after %d records\n", n)
		return verr
	}
	fmt.Printf("\nChain intact: %d records\n", n)
	return nil
}

// #endregion ledger-mode

// #region output

func parseSignals(signalsJSON string) *logging.StageSignals {
	if signalsJSON == "" {
		return nil
	}
	var s logging.StageSignals
	if err := json.Unmarshal([]byte(signalsJSON), &s); err != nil {
		return nil
	}
	return &s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// #endregion output
