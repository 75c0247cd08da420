package orchestrator

// #region imports
import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/tidewatch/internal/logging"
	"github.com/danielpatrickdp/tidewatch/internal/sensor"
	"github.com/danielpatrickdp/tidewatch/internal/state"
)

// #endregion

// #region config

// ApprovalQueueSize bounds pending manual approvals.
const ApprovalQueueSize = 16

// ErrApprovalQueueFull is returned by Approve when the queue is saturated.
var ErrApprovalQueueFull = errors.New("approval queue full")

// Config holds loop parameters.
type Config struct {
	Iterations    int
	ManualApprove bool
	TickDelay     time.Duration // pause between ticks
	Windows       Windows
}

// RunStore persists stage rows and ranked plans. *state.Store satisfies it.
type RunStore interface {
	DB() *sql.DB
	RecordPlans(outcomes []state.PlanOutcome) error
}

// #endregion

// #region orchestrator-struct

// Orchestrator runs the stage pipeline tick by tick. The stage list is fixed
// at construction.
type Orchestrator struct {
	config    Config
	stages    []Stage
	tools     Tools
	logger    *zap.Logger
	store     RunStore
	runID     string
	approvals chan string
	onTick    func(TickReport)
	state     *TickState
}

// #endregion

// #region constructor

// New creates an orchestrator over the default stage list.
func New(config Config, tools Tools, logger *zap.Logger) *Orchestrator {
	return NewWithStages(config, DefaultStages(config.Windows), tools, logger)
}

// NewWithStages creates an orchestrator over an explicit stage list.
func NewWithStages(config Config, stages []Stage, tools Tools, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		config:    config,
		stages:    stages,
		tools:     tools,
		logger:    logging.OrNop(logger),
		approvals: make(chan string, ApprovalQueueSize),
		state:     NewTickState(config.ManualApprove),
	}
}

// WithStore enables stage and plan persistence under runID.
func (o *Orchestrator) WithStore(store RunStore, runID string) *Orchestrator {
	o.store = store
	o.runID = runID
	return o
}

// OnTick registers an observer called after every tick.
func (o *Orchestrator) OnTick(fn func(TickReport)) *Orchestrator {
	o.onTick = fn
	return o
}

// Inject sets a manual observation used once when the stream is dry. Call
// before Run.
func (o *Orchestrator) Inject(obs sensor.Observation) {
	o.state.ManualInject = &obs
}

// State returns the live state record. Read it from an OnTick callback or
// after Run returns.
func (o *Orchestrator) State() *TickState {
	return o.state
}

// #endregion

// #region approve

// Approve queues a manual approval for planID. It is safe to call from any
// goroutine; the negotiation stage picks it up at the next tick.
func (o *Orchestrator) Approve(planID string) error {
	select {
	case o.approvals <- planID:
		return nil
	default:
		return ErrApprovalQueueFull
	}
}

func (o *Orchestrator) drainApprovals() []string {
	var ids []string
	for {
		select {
		case id := <-o.approvals:
			ids = append(ids, id)
		default:
			return ids
		}
	}
}

// #endregion

// #region run

// Run executes Iterations ticks. Stage failures never stop the loop; ctx is
// checked only at the pause between ticks, and its error is returned with the
// state as it stood after the last completed tick.
func (o *Orchestrator) Run(ctx context.Context) (*TickState, error) {
	for i := 0; i < o.config.Iterations; i++ {
		report := o.runTick(ctx, i)
		if o.onTick != nil {
			o.onTick(report)
		}
		if i == o.config.Iterations-1 {
			break
		}
		if err := o.pause(ctx); err != nil {
			o.logger.Info("run cancelled", zap.Int("tick", i), zap.Error(err))
			return o.state, err
		}
	}
	o.logger.Info("run complete",
		zap.Int("ticks", o.config.Iterations),
		zap.Int("ledger_entries", len(o.state.AuditLog)))
	return o.state, nil
}

func (o *Orchestrator) pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.config.TickDelay <= 0 {
		return nil
	}
	t := time.NewTimer(o.config.TickDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// #endregion

// #region tick

func (o *Orchestrator) runTick(ctx context.Context, tick int) TickReport {
	start := time.Now()
	st := o.state
	st.Tick = tick
	st.PendingApprovals = append(st.PendingApprovals, o.drainApprovals()...)

	o.logger.Debug("tick start", zap.Int("tick", tick))

	var failures []*StageError
	for _, stage := range o.stages {
		if serr := o.runStage(ctx, stage, tick); serr != nil {
			failures = append(failures, serr)
		}
	}

	o.recordPlans(tick)

	report := TickReport{
		Tick:         tick,
		Duration:     time.Since(start),
		Failures:     failures,
		Observations: len(o.state.ObservationLog),
		Incidents:    len(o.state.Incidents),
		Plans:        len(o.state.Plans),
		Executions:   len(o.state.ExecutionResults),
		LedgerHash:   o.state.LastLedgerHash,
	}
	if o.state.ApprovedPlan != nil {
		report.ApprovedPlan = o.state.ApprovedPlan.ID
	}
	if o.state.SafetyReport != nil {
		v := o.state.SafetyReport.Verified
		report.Verified = &v
	}

	o.logger.Info("tick complete",
		zap.Int("tick", tick),
		zap.Int("plans", report.Plans),
		zap.String("approved", report.ApprovedPlan),
		zap.Int("executions", report.Executions),
		zap.Int("failures", len(failures)),
		zap.Duration("took", report.Duration))
	return report
}

// runStage isolates one stage. On error or panic the state is put back to
// its snapshot so the failing stage leaves no partial update.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage, tick int) (serr *StageError) {
	snapshot := o.state.snapshot()

	defer func() {
		if r := recover(); r != nil {
			serr = &StageError{Tick: tick, Stage: stage.Name, Err: fmt.Errorf("panic: %v", r)}
		}
		if serr != nil {
			o.state = snapshot
			o.logger.Error("stage failed",
				zap.Int("tick", tick),
				zap.String("stage", stage.Name),
				zap.Error(serr.Err))
			o.logStage(tick, stage.Name, logging.DecisionFailed, serr.Err.Error())
			return
		}
		o.logStage(tick, stage.Name, logging.DecisionOK, "")
	}()

	if err := stage.Run(ctx, o.state, &o.tools); err != nil {
		return &StageError{Tick: tick, Stage: stage.Name, Err: err}
	}
	return nil
}

// #endregion

// #region persistence

func (o *Orchestrator) logStage(tick int, stage, decision, reason string) {
	if o.store == nil {
		return
	}
	signals, _ := json.Marshal(o.signals())
	err := logging.LogStage(o.store.DB(), logging.StageEntry{
		RunID:       o.runID,
		Tick:        tick,
		Stage:       stage,
		SignalsJSON: string(signals),
		Decision:    decision,
		Reason:      reason,
	})
	if err != nil {
		o.logger.Warn("stage log write failed", zap.String("stage", stage), zap.Error(err))
	}
}

func (o *Orchestrator) signals() logging.StageSignals {
	st := o.state
	sig := logging.StageSignals{
		Observations: len(st.ObservationLog),
		Zones:        len(st.WorldState),
		Incidents:    len(st.Incidents),
		Plans:        len(st.Plans),
		Executions:   len(st.ExecutionResults),
		LedgerHash:   st.LastLedgerHash,
	}
	if st.SafetyReport != nil {
		sig.Verified = st.SafetyReport.Verified
		sig.Flags = len(st.SafetyReport.Flags)
	}
	if st.ApprovedPlan != nil {
		sig.ApprovedPlan = st.ApprovedPlan.ID
	}
	for _, z := range st.FallbackZones {
		sig.Notes = append(sig.Notes, "fallback:"+z)
	}
	return sig
}

func (o *Orchestrator) recordPlans(tick int) {
	if o.store == nil || len(o.state.Plans) == 0 {
		return
	}
	approved := o.state.ApprovedPlan
	outcomes := make([]state.PlanOutcome, 0, len(o.state.Plans))
	for rank, p := range o.state.Plans {
		outcomes = append(outcomes, state.PlanOutcome{
			RunID:        o.runID,
			Tick:         tick,
			Rank:         rank,
			PlanID:       p.ID,
			Zone:         p.Zone,
			Name:         p.Name,
			Confidence:   p.Confidence,
			ImpactPct:    p.ImpactPct,
			Cost:         p.Cost,
			TimeSavedMin: p.TimeSavedMin,
			Approved:     approved != nil && p.ID == approved.ID && p.Zone == approved.Zone,
		})
	}
	if err := o.store.RecordPlans(outcomes); err != nil {
		o.logger.Warn("plan outcome write failed", zap.Int("tick", tick), zap.Error(err))
	}
}

// #endregion
