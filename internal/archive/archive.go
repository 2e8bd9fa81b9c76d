// Package archive is the SQLite-backed long-term run store (spec.md's
// expansion on §3's retention model): JobRuns and StepRuns older than
// retain_in_memory are moved here and pruned from the in-memory
// StateStore, so status(job_id) can fall back past the in-memory +
// snapshot horizon. It carries no WAL/recovery semantics of its own —
// archiving (or losing) a row here never changes replay correctness.
// Grounded on `internal/controller/backend/sqlite/sqlite.go`'s
// Backend (pragmas, migrate-on-open, JSON-blob columns for nested
// fields), narrowed from that backend's full run/checkpoint/step-result/
// schedule surface to just jobs and steps.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/groblegark/oddjobs/internal/statestore"
)

// Config is the archive database's connection configuration.
type Config struct {
	// Path is the sqlite database file path (e.g. "archive.db").
	Path string
}

// Store is the archive's SQLite-backed handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the archive database at cfg.Path
// and runs its migrations.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("archive: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: connect: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			job_name TEXT NOT NULL,
			args TEXT,
			current_step TEXT,
			transition_history TEXT,
			retry_counters TEXT,
			circuit_count INTEGER DEFAULT 0,
			status TEXT NOT NULL,
			failure_reason TEXT,
			started_at TEXT,
			ended_at TEXT,
			archived_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_job_name ON jobs(job_name)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_ended_at ON jobs(ended_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER,
			agent_id TEXT,
			effect_log TEXT,
			started_at TEXT,
			ended_at TEXT,
			failure_tag TEXT,
			failure_text TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_job_id ON steps(job_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ArchiveJobRun persists jr and every StepRun in steps, in one
// transaction, so a crash mid-archive never leaves a job without its
// steps (or vice versa).
func (s *Store) ArchiveJobRun(ctx context.Context, jr *statestore.JobRun, steps []*statestore.StepRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertJob(ctx, tx, jr); err != nil {
		return err
	}
	for _, st := range steps {
		if err := insertStep(ctx, tx, st); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertJob(ctx context.Context, tx *sql.Tx, jr *statestore.JobRun) error {
	argsJSON, err := json.Marshal(jr.Args)
	if err != nil {
		return fmt.Errorf("archive: marshal args: %w", err)
	}
	historyJSON, err := json.Marshal(jr.TransitionHistory)
	if err != nil {
		return fmt.Errorf("archive: marshal transition history: %w", err)
	}
	countersJSON, err := json.Marshal(jr.RetryCounters)
	if err != nil {
		return fmt.Errorf("archive: marshal retry counters: %w", err)
	}

	query := `
		INSERT INTO jobs (id, job_name, args, current_step, transition_history,
			retry_counters, circuit_count, status, failure_reason, started_at, ended_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status, failure_reason = excluded.failure_reason,
			current_step = excluded.current_step, transition_history = excluded.transition_history,
			retry_counters = excluded.retry_counters, circuit_count = excluded.circuit_count,
			ended_at = excluded.ended_at, archived_at = excluded.archived_at
	`
	_, err = tx.ExecContext(ctx, query,
		jr.ID, jr.JobName, string(argsJSON), nullString(jr.CurrentStep), string(historyJSON),
		string(countersJSON), jr.CircuitCount, string(jr.Status), nullString(jr.FailureReason),
		formatTime(jr.StartedAt), formatTime(jr.EndedAt), time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("archive: insert job: %w", err)
	}
	return nil
}

func insertStep(ctx context.Context, tx *sql.Tx, st *statestore.StepRun) error {
	effectJSON, err := json.Marshal(st.EffectLog)
	if err != nil {
		return fmt.Errorf("archive: marshal effect log: %w", err)
	}

	query := `
		INSERT INTO steps (id, job_id, step_name, attempt, status, exit_code, agent_id,
			effect_log, started_at, ended_at, failure_tag, failure_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status, exit_code = excluded.exit_code,
			effect_log = excluded.effect_log, ended_at = excluded.ended_at,
			failure_tag = excluded.failure_tag, failure_text = excluded.failure_text
	`
	_, err = tx.ExecContext(ctx, query,
		st.ID, st.JobID, st.StepName, st.Attempt, string(st.Status), nullInt(st.ExitCode),
		nullString(st.AgentID), string(effectJSON), formatTime(st.StartedAt), formatTime(st.EndedAt),
		nullString(st.FailureTag), nullString(st.FailureText),
	)
	if err != nil {
		return fmt.Errorf("archive: insert step: %w", err)
	}
	return nil
}

// GetJobRun retrieves an archived JobRun by id, without its steps (use
// ListSteps for those).
func (s *Store) GetJobRun(ctx context.Context, id string) (*statestore.JobRun, error) {
	query := `
		SELECT id, job_name, args, current_step, transition_history, retry_counters,
			circuit_count, status, failure_reason, started_at, ended_at
		FROM jobs WHERE id = ?
	`
	var jr statestore.JobRun
	var argsJSON, historyJSON, countersJSON sql.NullString
	var currentStep, failureReason, startedAt, endedAt sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&jr.ID, &jr.JobName, &argsJSON, &currentStep, &historyJSON, &countersJSON,
		&jr.CircuitCount, &jr.Status, &failureReason, &startedAt, &endedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("archive: job not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: get job: %w", err)
	}

	if currentStep.Valid {
		jr.CurrentStep = currentStep.String
	}
	if failureReason.Valid {
		jr.FailureReason = failureReason.String
	}
	if argsJSON.Valid && argsJSON.String != "" {
		json.Unmarshal([]byte(argsJSON.String), &jr.Args)
	}
	if historyJSON.Valid && historyJSON.String != "" {
		json.Unmarshal([]byte(historyJSON.String), &jr.TransitionHistory)
	}
	if countersJSON.Valid && countersJSON.String != "" {
		json.Unmarshal([]byte(countersJSON.String), &jr.RetryCounters)
	}
	if startedAt.Valid {
		jr.StartedAt, _ = time.Parse(time.RFC3339, startedAt.String)
	}
	if endedAt.Valid {
		jr.EndedAt, _ = time.Parse(time.RFC3339, endedAt.String)
	}
	return &jr, nil
}

// ListSteps retrieves every archived StepRun for jobID, in attempt order.
func (s *Store) ListSteps(ctx context.Context, jobID string) ([]*statestore.StepRun, error) {
	query := `
		SELECT id, job_id, step_name, attempt, status, exit_code, agent_id,
			effect_log, started_at, ended_at, failure_tag, failure_text
		FROM steps WHERE job_id = ? ORDER BY attempt ASC
	`
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("archive: list steps: %w", err)
	}
	defer rows.Close()

	var out []*statestore.StepRun
	for rows.Next() {
		var st statestore.StepRun
		var exitCode sql.NullInt64
		var agentID, effectJSON, startedAt, endedAt, failureTag, failureText sql.NullString

		if err := rows.Scan(
			&st.ID, &st.JobID, &st.StepName, &st.Attempt, &st.Status, &exitCode, &agentID,
			&effectJSON, &startedAt, &endedAt, &failureTag, &failureText,
		); err != nil {
			return nil, fmt.Errorf("archive: scan step: %w", err)
		}

		if exitCode.Valid {
			code := int(exitCode.Int64)
			st.ExitCode = &code
		}
		if agentID.Valid {
			st.AgentID = agentID.String
		}
		if effectJSON.Valid && effectJSON.String != "" {
			json.Unmarshal([]byte(effectJSON.String), &st.EffectLog)
		}
		if startedAt.Valid {
			st.StartedAt, _ = time.Parse(time.RFC3339, startedAt.String)
		}
		if endedAt.Valid {
			st.EndedAt, _ = time.Parse(time.RFC3339, endedAt.String)
		}
		if failureTag.Valid {
			st.FailureTag = failureTag.String
		}
		if failureText.Valid {
			st.FailureText = failureText.String
		}
		out = append(out, &st)
	}
	return out, nil
}

// ListFilter narrows ListJobRuns.
type ListFilter struct {
	JobName string
	Status  statestore.Status
	Limit   int
	Offset  int
}

// ListJobRuns lists archived JobRuns matching filter, newest-ended first.
func (s *Store) ListJobRuns(ctx context.Context, filter ListFilter) ([]*statestore.JobRun, error) {
	query := `
		SELECT id, job_name, args, current_step, transition_history, retry_counters,
			circuit_count, status, failure_reason, started_at, ended_at
		FROM jobs WHERE 1=1
	`
	var args []any
	if filter.JobName != "" {
		query += " AND job_name = ?"
		args = append(args, filter.JobName)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY ended_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*statestore.JobRun
	for rows.Next() {
		var jr statestore.JobRun
		var argsJSON, historyJSON, countersJSON sql.NullString
		var currentStep, failureReason, startedAt, endedAt sql.NullString

		if err := rows.Scan(
			&jr.ID, &jr.JobName, &argsJSON, &currentStep, &historyJSON, &countersJSON,
			&jr.CircuitCount, &jr.Status, &failureReason, &startedAt, &endedAt,
		); err != nil {
			return nil, fmt.Errorf("archive: scan job: %w", err)
		}
		if currentStep.Valid {
			jr.CurrentStep = currentStep.String
		}
		if failureReason.Valid {
			jr.FailureReason = failureReason.String
		}
		if argsJSON.Valid && argsJSON.String != "" {
			json.Unmarshal([]byte(argsJSON.String), &jr.Args)
		}
		if historyJSON.Valid && historyJSON.String != "" {
			json.Unmarshal([]byte(historyJSON.String), &jr.TransitionHistory)
		}
		if countersJSON.Valid && countersJSON.String != "" {
			json.Unmarshal([]byte(countersJSON.String), &jr.RetryCounters)
		}
		if startedAt.Valid {
			jr.StartedAt, _ = time.Parse(time.RFC3339, startedAt.String)
		}
		if endedAt.Valid {
			jr.EndedAt, _ = time.Parse(time.RFC3339, endedAt.String)
		}
		out = append(out, &jr)
	}
	return out, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
