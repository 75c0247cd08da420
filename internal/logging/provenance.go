package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region log-stage
// LogStage writes one stage outcome to the stage_log table.
func LogStage(db *sql.DB, entry StageEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO stage_log (run_id, tick, stage, decision, reason, signals_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.Tick,
		entry.Stage,
		entry.Decision,
		nullIfEmpty(entry.Reason),
		nullIfEmpty(entry.SignalsJSON),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log stage: %w", err)
	}
	return nil
}

// #endregion log-stage

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
