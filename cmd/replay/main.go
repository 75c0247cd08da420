package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/tidewatch/internal/ledger"
	"github.com/danielpatrickdp/tidewatch/internal/logging"
	"github.com/danielpatrickdp/tidewatch/internal/replay"
)

// #region main

func main() {
	fixturePath := flag.String("fixture", "", "path to fixture JSON")
	ledgerPath := flag.String("ledger", "", "write audit cards here instead of a temp file")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	paths := flag.Args()
	if *fixturePath != "" {
		paths = append([]string{*fixturePath}, paths...)
	}
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: replay --fixture path/to/fixture.json [more.json ...]")
		fmt.Fprintln(os.Stderr, "       replay internal/replay/testdata/*.json")
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := logging.NewLogger(true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: %v\n", err)
			os.Exit(2)
		}
		logger = l
	}

	exitCode := 0
	for _, p := range paths {
		if code := runFixtureMode(p, *ledgerPath, logger); code > exitCode {
			exitCode = code
		}
	}
	_ = logger.Sync()
	os.Exit(exitCode)
}

// #endregion main

// #region fixture-mode

func runFixtureMode(path, ledgerPath string, logger *zap.Logger) int {
	f, err := replay.LoadFixture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}

	if ledgerPath == "" {
		dir, err := os.MkdirTemp("", "tidewatch-replay-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
			return 2
		}
		defer os.RemoveAll(dir)
		ledgerPath = filepath.Join(dir, "ledger.jsonl")
	}

	fmt.Printf("== %s", filepath.Base(path))
	if f.Description != "" {
		fmt.Printf(": %s", f.Description)
	}
	fmt.Println()

	results, err := replay.Replay(context.Background(), f, ledgerPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 2
	}

	code := printComparison(results, f.Expected)

	s := replay.Summarize(results)
	fmt.Printf("Ticks: %d  approved: %d  held: %d  blocked: %d  unverified: %d  stage failures: %d\n",
		s.TotalTicks, s.Approved, s.Held, s.Blocked, s.Unverified, s.StageFailures)

	n, err := ledger.VerifyFile(ledgerPath)
	if err != nil {
		fmt.Printf("Ledger: BROKEN after %d records: %v\n\n", n, err)
		return 1
	}
	fmt.Printf("Ledger: %d records, chain intact\n\n", n)
	return code
}

// #endregion fixture-mode

// #region output

// printComparison outputs a per-tick comparison table and returns the exit code.
func printComparison(results []replay.TickResult, expected []replay.ExpectedTick) int {
	mismatches := replay.Compare(results, expected)
	byTick := make(map[int][]replay.Mismatch, len(mismatches))
	for _, m := range mismatches {
		byTick[m.Tick] = append(byTick[m.Tick], m)
	}

	fmt.Printf("%-6s| %-10s| %-10s| %-14s| %-6s| %s\n", "Tick", "Verified", "Incidents", "Approved", "Execs", "Match")
	fmt.Printf("%-6s+%-11s+%-11s+%-15s+%-7s+%s\n",
		"------", "-----------", "-----------", "---------------", "-------", "------")

	for _, e := range expected {
		got := findTick(results, e.Tick)
		match := "OK"
		if diffs := byTick[e.Tick]; len(diffs) > 0 {
			parts := make([]string, len(diffs))
			for i, d := range diffs {
				parts[i] = fmt.Sprintf("%s want=%s got=%s", d.Field, d.Want, d.Got)
			}
			match = "DIFF " + strings.Join(parts, "; ")
		}
		if got == nil {
			fmt.Printf("%-6d| %-10s| %-10s| %-14s| %-6s| %s\n", e.Tick+1, "—", "—", "—", "—", match)
			continue
		}
		approved := got.ApprovedPlan
		if approved == "" {
			approved = "(held)"
		}
		fmt.Printf("%-6d| %-10v| %-10d| %-14s| %-6d| %s\n",
			e.Tick+1, got.Verified, got.Incidents, approved, got.Executions, match)
	}

	diverge := len(byTick)
	fmt.Printf("\nSummary: %d expected, %d match, %d diverge\n", len(expected), len(expected)-diverge, diverge)

	if diverge > 0 {
		return 1
	}
	return 0
}

func findTick(results []replay.TickResult, tick int) *replay.TickResult {
	for i := range results {
		if results[i].Tick == tick {
			return &results[i]
		}
	}
	return nil
}

// #endregion output
