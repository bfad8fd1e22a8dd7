package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLog is a SQLite-backed Log.
//
// A single-file database with zero setup, suited to single-process
// deployments and development. WAL mode keeps the three query shapes
// readable while runs append.
//
// Schema:
//   - run_log_runs: one row per run (status, timing)
//   - run_log_steps: the append-only step stream,
//     indexed by (run_id, node_id, step_no)
//
// Example:
//
//	log, err := runlog.NewSQLiteLog("./runs.db")
//	if err != nil {
//	    return err
//	}
//	defer log.Close()
type SQLiteLog struct {
	db         *sql.DB
	mu         sync.Mutex // allocates step numbers
	closed     bool
	thresholds Thresholds
}

// NewSQLiteLog opens (or creates) the log database at path.
// Use ":memory:" for an in-memory database in tests.
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	l := &SQLiteLog{db: db, thresholds: DefaultThresholds()}
	if err := l.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return l, nil
}

func (l *SQLiteLog) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS run_log_runs (
			run_id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)
	`
	if _, err := l.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create run_log_runs table: %w", err)
	}

	stepsTable := `
		CREATE TABLE IF NOT EXISTS run_log_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES run_log_runs(run_id),
			node_id TEXT NOT NULL,
			step_no INTEGER NOT NULL,
			node_type TEXT NOT NULL DEFAULT '',
			llm_text TEXT NOT NULL DEFAULT '',
			tool_calls TEXT NOT NULL DEFAULT '[]',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			verdict TEXT NOT NULL DEFAULT '',
			verdict_feedback TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			partial INTEGER NOT NULL DEFAULT 0,
			at TIMESTAMP NOT NULL,
			UNIQUE (run_id, step_no)
		)
	`
	if _, err := l.db.ExecContext(ctx, stepsTable); err != nil {
		return fmt.Errorf("failed to create run_log_steps table: %w", err)
	}

	index := `
		CREATE INDEX IF NOT EXISTS idx_steps_run_node
		ON run_log_steps (run_id, node_id, step_no)
	`
	if _, err := l.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("failed to create step index: %w", err)
	}
	return nil
}

// BeginRun implements Log.
func (l *SQLiteLog) BeginRun(ctx context.Context, runID, agent string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO run_log_runs (run_id, agent, status, started_at)
		VALUES (?, ?, 'running', ?)`,
		runID, agent, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to begin run %q: %w", runID, err)
	}
	return nil
}

// EndRun implements Log.
func (l *SQLiteLog) EndRun(ctx context.Context, runID, status string) error {
	result, err := l.db.ExecContext(ctx, `
		UPDATE run_log_runs SET status = ?, finished_at = ? WHERE run_id = ?`,
		status, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to end run %q: %w", runID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %q: %w", runID, ErrRunNotFound)
	}
	return nil
}

// Append implements Log. Step numbers are allocated under a per-log
// mutex; SQLite's single-writer model makes a finer lock pointless.
func (l *SQLiteLog) Append(ctx context.Context, step *Step) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if step.StepNo == 0 {
		var max sql.NullInt64
		err := l.db.QueryRowContext(ctx,
			`SELECT MAX(step_no) FROM run_log_steps WHERE run_id = ?`, step.RunID,
		).Scan(&max)
		if err != nil {
			return fmt.Errorf("failed to allocate step number: %w", err)
		}
		step.StepNo = int(max.Int64) + 1
	}
	if step.At.IsZero() {
		step.At = time.Now().UTC()
	}

	toolCalls, err := json.Marshal(step.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to encode tool calls: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO run_log_steps
			(run_id, node_id, step_no, node_type, llm_text, tool_calls,
			 input_tokens, output_tokens, latency_ms, verdict, verdict_feedback,
			 error, partial, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.RunID, step.NodeID, step.StepNo, step.NodeType, step.LLMText, string(toolCalls),
		step.InputTokens, step.OutputTokens, step.LatencyMS, step.Verdict, step.VerdictFeedback,
		step.Error, boolToInt(step.Partial), step.At)
	if err != nil {
		return fmt.Errorf("failed to append step %d of run %q: %w", step.StepNo, step.RunID, err)
	}
	return nil
}

// Summaries implements Log.
func (l *SQLiteLog) Summaries(ctx context.Context) ([]RunSummary, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT r.run_id, r.agent, r.status, r.started_at, r.finished_at,
			COUNT(s.id),
			COALESCE(SUM(s.input_tokens + s.output_tokens), 0),
			COALESCE(SUM(CASE WHEN s.verdict = 'RETRY' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN s.verdict = 'ESCALATE' THEN 1 ELSE 0 END), 0)
		FROM run_log_runs r
		LEFT JOIN run_log_steps s ON s.run_id = r.run_id
		GROUP BY r.run_id
		ORDER BY r.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var summaries []RunSummary
	for rows.Next() {
		var s RunSummary
		var finished sql.NullTime
		var retries, escalates int
		if err := rows.Scan(&s.RunID, &s.Agent, &s.Status, &s.StartedAt, &finished,
			&s.Steps, &s.Tokens, &retries, &escalates); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}

		end := time.Now().UTC()
		if finished.Valid {
			end = finished.Time
		}
		s.Duration = end.Sub(s.StartedAt)
		s.AttentionCategories = l.thresholds.Categories(retries, escalates, s.Duration, s.Tokens, s.Steps)
		s.NeedsAttention = len(s.AttentionCategories) > 0
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// NodeDetails implements Log.
func (l *SQLiteLog) NodeDetails(ctx context.Context, runID string) ([]NodeDetail, error) {
	if err := l.requireRun(ctx, runID); err != nil {
		return nil, err
	}

	steps, err := l.Steps(ctx, runID, "")
	if err != nil {
		return nil, err
	}

	byNode := make(map[string][]Step)
	var nodeOrder []string
	for _, step := range steps {
		if _, seen := byNode[step.NodeID]; !seen {
			nodeOrder = append(nodeOrder, step.NodeID)
		}
		byNode[step.NodeID] = append(byNode[step.NodeID], step)
	}

	details := make([]NodeDetail, 0, len(nodeOrder))
	for _, nodeID := range nodeOrder {
		details = append(details, rollUp(nodeID, byNode[nodeID], l.thresholds))
	}
	return details, nil
}

// Steps implements Log.
func (l *SQLiteLog) Steps(ctx context.Context, runID, nodeID string) ([]Step, error) {
	if err := l.requireRun(ctx, runID); err != nil {
		return nil, err
	}

	query := `
		SELECT run_id, node_id, step_no, node_type, llm_text, tool_calls,
			input_tokens, output_tokens, latency_ms, verdict, verdict_feedback,
			error, partial, at
		FROM run_log_steps WHERE run_id = ?`
	args := []interface{}{runID}
	if nodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, nodeID)
	}
	query += ` ORDER BY step_no`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var steps []Step
	for rows.Next() {
		var step Step
		var toolCalls string
		var partial int
		if err := rows.Scan(&step.RunID, &step.NodeID, &step.StepNo, &step.NodeType,
			&step.LLMText, &toolCalls, &step.InputTokens, &step.OutputTokens,
			&step.LatencyMS, &step.Verdict, &step.VerdictFeedback,
			&step.Error, &partial, &step.At); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		if err := json.Unmarshal([]byte(toolCalls), &step.ToolCalls); err != nil {
			return nil, fmt.Errorf("step %d tool calls are malformed: %w", step.StepNo, err)
		}
		step.Partial = partial != 0
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// Truncate implements Log.
func (l *SQLiteLog) Truncate(ctx context.Context, runID string, t time.Time) error {
	if err := l.requireRun(ctx, runID); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM run_log_steps WHERE run_id = ? AND at > ?`, runID, t); err != nil {
		return fmt.Errorf("failed to truncate run %q: %w", runID, err)
	}
	return nil
}

// Close releases the database handle.
func (l *SQLiteLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

func (l *SQLiteLog) requireRun(ctx context.Context, runID string) error {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM run_log_runs WHERE run_id = ?`, runID).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run %q: %w", runID, ErrRunNotFound)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
