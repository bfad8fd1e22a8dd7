package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for deployments where sessions must survive process restarts
// and be visible to multiple workers. Uses connection pooling and creates
// its schema on first open.
//
// Schema:
//   - agent_sessions: one row per session with the latest state blob
//   - agent_checkpoints: the ordered checkpoint history per session
//
// The DSN format is the go-sql-driver one, e.g.:
//
//	user:password@tcp(localhost:3306)/agentrun?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a MySQL-backed session store.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	store := &MySQLStore{db: db}
	if err := store.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	sessionsTable := `
		CREATE TABLE IF NOT EXISTS agent_sessions (
			id VARCHAR(64) PRIMARY KEY,
			agent VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			input JSON NULL,
			state JSON NULL,
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			INDEX idx_agent (agent)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, sessionsTable); err != nil {
		return fmt.Errorf("failed to create agent_sessions table: %w", err)
	}

	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS agent_checkpoints (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			checkpoint_id VARCHAR(64) NOT NULL UNIQUE,
			session_id VARCHAR(64) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			step INT NOT NULL,
			state JSON NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			INDEX idx_session (session_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create agent_checkpoints table: %w", err)
	}
	return nil
}

// Create implements Store.
func (m *MySQLStore) Create(ctx context.Context, s *Session) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO agent_sessions (id, agent, status, input, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Agent, string(s.Status), nullableJSON(s.Input), nullableJSON(s.State),
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session %q: %w", s.ID, err)
	}
	return nil
}

// Load implements Store.
func (m *MySQLStore) Load(ctx context.Context, id string) (*Session, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var s Session
	var status string
	var input, state sql.NullString
	err := m.db.QueryRowContext(ctx, `
		SELECT id, agent, status, input, state, created_at, updated_at
		FROM agent_sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.Agent, &status, &input, &state, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %q: %w", id, err)
	}
	s.Status = Status(status)
	if input.Valid {
		s.Input = json.RawMessage(input.String)
	}
	if state.Valid {
		s.State = json.RawMessage(state.String)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT checkpoint_id, kind, node_id, step, state, created_at
		FROM agent_checkpoints WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints for %q: %w", id, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var cp Checkpoint
		var kind, cpState string
		if err := rows.Scan(&cp.ID, &kind, &cp.NodeID, &cp.Step, &cpState, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.Kind = CheckpointKind(kind)
		cp.State = json.RawMessage(cpState)
		s.Checkpoints = append(s.Checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}

	return &s, nil
}

// SaveState implements Store.
func (m *MySQLStore) SaveState(ctx context.Context, id string, state json.RawMessage) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	result, err := m.db.ExecContext(ctx, `
		UPDATE agent_sessions SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to save state for %q: %w", id, err)
	}
	return requireRow(result, id)
}

// AppendCheckpoint implements Store.
func (m *MySQLStore) AppendCheckpoint(ctx context.Context, id string, cp Checkpoint) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM agent_sessions WHERE id = ?`, id).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("session %q: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to check session %q: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_checkpoints (checkpoint_id, session_id, kind, node_id, step, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, id, string(cp.Kind), cp.NodeID, cp.Step, string(cp.State), cp.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to append checkpoint to %q: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to touch session %q: %w", id, err)
	}

	return tx.Commit()
}

// SetStatus implements Store.
func (m *MySQLStore) SetStatus(ctx context.Context, id string, status Status) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	result, err := m.db.ExecContext(ctx, `
		UPDATE agent_sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set status for %q: %w", id, err)
	}
	return requireRow(result, id)
}

// List implements Store.
func (m *MySQLStore) List(ctx context.Context, agent string) ([]Summary, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT id, agent, status, created_at, updated_at FROM agent_sessions`
	args := []interface{}{}
	if agent != "" {
		query += ` WHERE agent = ?`
		args = append(args, agent)
	}
	query += ` ORDER BY id DESC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var summaries []Summary
	for rows.Next() {
		var s Summary
		var status string
		if err := rows.Scan(&s.ID, &s.Agent, &status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session summary: %w", err)
		}
		s.Status = Status(status)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// TruncateAfter implements Store.
func (m *MySQLStore) TruncateAfter(ctx context.Context, id, checkpointID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var seq int64
	var cpState string
	err = tx.QueryRowContext(ctx, `
		SELECT seq, state FROM agent_checkpoints
		WHERE session_id = ? AND checkpoint_id = ?`, id, checkpointID,
	).Scan(&seq, &cpState)
	if err == sql.ErrNoRows {
		return fmt.Errorf("checkpoint %q: %w", checkpointID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to find checkpoint %q: %w", checkpointID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM agent_checkpoints WHERE session_id = ? AND seq > ?`, id, seq); err != nil {
		return fmt.Errorf("failed to truncate checkpoints for %q: %w", id, err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE agent_sessions SET state = ?, updated_at = ? WHERE id = ?`,
		cpState, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to rewind state for %q: %w", id, err)
	}
	if err := requireRow(result, id); err != nil {
		return err
	}

	return tx.Commit()
}

// Close releases the connection pool. The store is unusable afterwards.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func requireRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
