package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/tidewatch/internal/config"
	"github.com/danielpatrickdp/tidewatch/internal/gate"
	"github.com/danielpatrickdp/tidewatch/internal/ledger"
	"github.com/danielpatrickdp/tidewatch/internal/oracle"
	"github.com/danielpatrickdp/tidewatch/internal/orchestrator"
	"github.com/danielpatrickdp/tidewatch/internal/planner"
	"github.com/danielpatrickdp/tidewatch/internal/sensor"
	"github.com/danielpatrickdp/tidewatch/internal/state"
)

// #region flags
var runFlags struct {
	iterations int
	manual     bool
	seed       uint64
	tickDelay  time.Duration
	provider   string
	stream     string
	ledger     string
	db         string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the decision loop for a fixed number of ticks",
	Long: `Runs perception, fusion, safety, assessor, coalition, planner, negotiation,
executor, audit and learning once per tick.

With --manual-approve the loop holds until a plan id is typed on stdin; the
approval is picked up at the next tick.`,
	Args: cobra.NoArgs,
	RunE: runLoop,
}

func init() {
	f := runCmd.Flags()
	f.IntVarP(&runFlags.iterations, "iterations", "n", 0, "number of ticks")
	f.BoolVar(&runFlags.manual, "manual-approve", false, "wait for plan approval on stdin")
	f.Uint64Var(&runFlags.seed, "seed", 0, "seed for the safety noise path (0 = time based)")
	f.DurationVar(&runFlags.tickDelay, "tick-delay", 0, "pause between ticks")
	f.StringVar(&runFlags.provider, "oracle", "", "oracle provider: offline, gemini or grpc")
	f.StringVar(&runFlags.stream, "stream", "", "sensor CSV file")
	f.StringVar(&runFlags.ledger, "ledger", "", "ledger JSONL file")
	f.StringVar(&runFlags.db, "db", "", "run store sqlite file")
}

// applyFlags overrides config values with flags the user actually set.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("iterations") {
		cfg.Iterations = runFlags.iterations
	}
	if f.Changed("manual-approve") {
		cfg.ManualApprove = runFlags.manual
	}
	if f.Changed("seed") {
		cfg.Seed = runFlags.seed
	}
	if f.Changed("tick-delay") {
		cfg.TickDelay = runFlags.tickDelay
	}
	if f.Changed("oracle") {
		cfg.Oracle.Provider = runFlags.provider
	}
	if f.Changed("stream") {
		cfg.StreamPath = runFlags.stream
	}
	if f.Changed("ledger") {
		cfg.LedgerPath = runFlags.ledger
	}
	if f.Changed("db") {
		cfg.DBPath = runFlags.db
	}
}

// #endregion flags

// #region run
func runLoop(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadOptional(configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := state.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer store.Close()

	run, err := store.StartRun(state.RunRecord{
		Iterations:    cfg.Iterations,
		ManualApprove: cfg.ManualApprove,
		Seed:          cfg.Seed,
		ConfigJSON:    redactedJSON(cfg),
	})
	if err != nil {
		return err
	}

	led, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return err
	}

	completer, closeOracle, err := buildCompleter(ctx, cfg.Oracle)
	if err != nil {
		return err
	}
	defer closeOracle()

	client := oracle.NewClient(completer, oracle.ClientConfig{
		Timeout:           cfg.Oracle.Timeout,
		SimulateOnFailure: cfg.Oracle.SimulateOnFailure,
	}, logger)

	stream := sensor.OpenCSV(cfg.StreamPath)
	defer stream.Close()

	gateCfg := gate.DefaultGateConfig()
	gateCfg.SpikeFactor = cfg.Safety.SpikeThreshold
	gateCfg.NoiseProbability = cfg.Safety.NoiseProbability

	tools := orchestrator.Tools{
		Stream:   stream,
		Oracle:   client,
		Dispatch: orchestrator.EchoDispatch,
		Ledger:   led,
		Gate:     gate.NewGate(gateCfg, rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))),
		Planner: planner.New(client, planner.Config{
			MaxCandidates: cfg.Planner.MaxCandidates,
			TopK:          cfg.Planner.TopK,
		}, logger),
	}

	o := orchestrator.New(orchestrator.Config{
		Iterations:    cfg.Iterations,
		ManualApprove: cfg.ManualApprove,
		TickDelay:     cfg.TickDelay,
		Windows:       orchestrator.Windows{Fusion: cfg.Windows.Fusion, Safety: cfg.Windows.Safety},
	}, tools, logger).
		WithStore(store, run.RunID)
	o.OnTick(func(r orchestrator.TickReport) {
		printTick(r)
		if cfg.ManualApprove && r.ApprovedPlan == "" {
			printPlans(o.State().Plans)
		}
	})

	logger.Info("run starting",
		zap.String("run_id", run.RunID),
		zap.Int("iterations", cfg.Iterations),
		zap.Bool("manual_approve", cfg.ManualApprove),
		zap.Uint64("seed", cfg.Seed),
		zap.String("oracle", cfg.Oracle.Provider),
		zap.String("stream", cfg.StreamPath),
		zap.String("ledger", cfg.LedgerPath))

	if cfg.ManualApprove {
		fmt.Println("Manual approval: type a plan id and press enter.")
		go readApprovals(o)
	}

	st, runErr := o.Run(ctx)
	if err := store.FinishRun(run.RunID, time.Now()); err != nil {
		logger.Warn("finish run", zap.Error(err))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	total, err := led.Len()
	if err != nil {
		return err
	}
	fmt.Printf("\nRun %s complete: %d ledger entries this run, %d total.\n", run.RunID, len(st.AuditLog), total)
	for _, n := range st.LearningNotes {
		fmt.Printf("  learning: avg impact %.2f%% over %d entries, suggestion: %s\n", n.AvgImpact, n.Entries, n.Suggestion)
	}
	return nil
}

// #endregion run

// #region output
func printTick(r orchestrator.TickReport) {
	fmt.Printf("=== TICK %d === observations=%d incidents=%d plans=%d", r.Tick+1, r.Observations, r.Incidents, r.Plans)
	if r.Verified != nil && !*r.Verified {
		fmt.Print(" UNVERIFIED")
	}
	fmt.Println()
	if r.ApprovedPlan != "" {
		fmt.Printf("  approved %s, executed %d actions\n", r.ApprovedPlan, r.Executions)
	} else {
		fmt.Println("  no plan approved")
	}
	if r.LedgerHash != "" {
		fmt.Printf("  ledger hash %s...\n", r.LedgerHash[:12])
	}
	for _, f := range r.Failures {
		fmt.Printf("  ERROR %v\n", f)
	}
}

func printPlans(plans []planner.Plan) {
	for _, p := range plans {
		zone := p.Zone
		if zone == "" {
			zone = "-"
		}
		fmt.Printf("  plan %-28s zone=%-8s conf=%.2f impact=%.0f%% %s\n", p.ID, zone, p.Confidence, p.ImpactPct, p.Name)
	}
}

func readApprovals(o *orchestrator.Orchestrator) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id == "" {
			continue
		}
		if err := o.Approve(id); err != nil {
			logger.Warn("approval dropped", zap.String("plan_id", id), zap.Error(err))
		}
	}
}

func redactedJSON(cfg config.Config) string {
	if cfg.Oracle.APIKey != "" {
		cfg.Oracle.APIKey = "***"
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	return string(b)
}

// #endregion output
