package state

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id         TEXT PRIMARY KEY,
	started_at     TEXT NOT NULL,
	finished_at    TEXT,
	iterations     INTEGER NOT NULL,
	manual_approve INTEGER NOT NULL,
	seed           TEXT NOT NULL,
	config_json    TEXT
);

CREATE TABLE IF NOT EXISTS stage_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	tick          INTEGER NOT NULL,
	stage         TEXT NOT NULL,
	decision      TEXT NOT NULL,
	reason        TEXT,
	signals_json  TEXT,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS plan_outcomes (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id         TEXT NOT NULL,
	tick           INTEGER NOT NULL,
	rank           INTEGER NOT NULL,
	plan_id        TEXT NOT NULL,
	zone           TEXT,
	name           TEXT NOT NULL,
	confidence     REAL NOT NULL,
	impact_pct     REAL NOT NULL,
	cost           REAL NOT NULL,
	time_saved_min REAL NOT NULL,
	approved       INTEGER NOT NULL,
	created_at     TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

// #endregion schema

// #region store-struct
// Store persists run history in SQLite. It is a side record only; the
// decision loop never reads it back.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion db-accessor

// #region runs
// StartRun inserts a run row. RunID and StartedAt are filled in when empty.
func (s *Store) StartRun(rec RunRecord) (RunRecord, error) {
	if rec.RunID == "" {
		rec.RunID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, started_at, iterations, manual_approve, seed, config_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.StartedAt.Format(time.RFC3339Nano), rec.Iterations,
		boolInt(rec.ManualApprove), strconv.FormatUint(rec.Seed, 10), nullIfEmpty(rec.ConfigJSON),
	)
	if err != nil {
		return RunRecord{}, fmt.Errorf("insert run: %w", err)
	}
	return rec, nil
}

// FinishRun stamps the run's finish time.
func (s *Store) FinishRun(runID string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE runs SET finished_at = ? WHERE run_id = ?`,
		at.UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// GetRun reads one run by id.
func (s *Store) GetRun(runID string) (RunRecord, error) {
	row := s.db.QueryRow(
		`SELECT run_id, started_at, finished_at, iterations, manual_approve, seed, config_json
		 FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return rec, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	rows, err := s.db.Query(
		`SELECT run_id, started_at, finished_at, iterations, manual_approve, seed, config_json
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var rec RunRecord
	var started string
	var finished, configJSON sql.NullString
	var manual int
	var seed string
	if err := sc.Scan(&rec.RunID, &started, &finished, &rec.Iterations, &manual, &seed, &configJSON); err != nil {
		return RunRecord{}, err
	}
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished.Valid {
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
	}
	rec.ManualApprove = manual != 0
	rec.Seed, _ = strconv.ParseUint(seed, 10, 64)
	if configJSON.Valid {
		rec.ConfigJSON = configJSON.String
	}
	return rec, nil
}

// #endregion runs

// #region plan-outcomes
// RecordPlans stores one tick's ranked plans in a single transaction.
func (s *Store) RecordPlans(outcomes []PlanOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, o := range outcomes {
		created := o.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err := tx.Exec(
			`INSERT INTO plan_outcomes (run_id, tick, rank, plan_id, zone, name, confidence, impact_pct, cost, time_saved_min, approved, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.RunID, o.Tick, o.Rank, o.PlanID, nullIfEmpty(o.Zone), o.Name, o.Confidence,
			o.ImpactPct, o.Cost, o.TimeSavedMin, boolInt(o.Approved), created.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert plan outcome: %w", err)
		}
	}
	return tx.Commit()
}

// MarkApproved flags the approved plan of a tick.
func (s *Store) MarkApproved(runID string, tick int, planID string) error {
	_, err := s.db.Exec(
		`UPDATE plan_outcomes SET approved = 1 WHERE run_id = ? AND tick = ? AND plan_id = ?`,
		runID, tick, planID)
	if err != nil {
		return fmt.Errorf("mark approved: %w", err)
	}
	return nil
}

// ListPlanOutcomes returns a run's plans in tick, then rank order.
func (s *Store) ListPlanOutcomes(runID string) ([]PlanOutcome, error) {
	rows, err := s.db.Query(
		`SELECT run_id, tick, rank, plan_id, zone, name, confidence, impact_pct, cost, time_saved_min, approved, created_at
		 FROM plan_outcomes WHERE run_id = ? ORDER BY tick, rank`, runID)
	if err != nil {
		return nil, fmt.Errorf("list plan outcomes: %w", err)
	}
	defer rows.Close()

	var out []PlanOutcome
	for rows.Next() {
		var o PlanOutcome
		var zone sql.NullString
		var approved int
		var created string
		if err := rows.Scan(&o.RunID, &o.Tick, &o.Rank, &o.PlanID, &zone, &o.Name, &o.Confidence,
			&o.ImpactPct, &o.Cost, &o.TimeSavedMin, &approved, &created); err != nil {
			return nil, fmt.Errorf("scan plan outcome: %w", err)
		}
		if zone.Valid {
			o.Zone = zone.String
		}
		o.Approved = approved != 0
		o.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, o)
	}
	return out, rows.Err()
}

// #endregion plan-outcomes

// #region stage-log
// ListStageLog returns a run's stage rows in insertion order.
func (s *Store) ListStageLog(runID string) ([]StageRecord, error) {
	rows, err := s.db.Query(
		`SELECT run_id, tick, stage, decision, reason, signals_json, created_at
		 FROM stage_log WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage log: %w", err)
	}
	defer rows.Close()

	var out []StageRecord
	for rows.Next() {
		var r StageRecord
		var reason, signals sql.NullString
		var created string
		if err := rows.Scan(&r.RunID, &r.Tick, &r.Stage, &r.Decision, &reason, &signals, &created); err != nil {
			return nil, fmt.Errorf("scan stage row: %w", err)
		}
		r.Reason = reason.String
		r.SignalsJSON = signals.String
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion stage-log

// #region helpers
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
