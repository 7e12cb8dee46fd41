package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/runloom/runloom/pkg/run"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	// Serialized writers keep the per-run append path free of SQLITE_BUSY
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			conversation_id TEXT,
			input_text TEXT NOT NULL,
			output_text TEXT,
			status TEXT NOT NULL,
			error_message TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS steps (
			step_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_number INTEGER NOT NULL,
			step_type TEXT NOT NULL,
			input_data TEXT,
			output_data TEXT,
			tool_name TEXT,
			error_message TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration_ms INTEGER,
			UNIQUE (run_id, step_number),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, step_number)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// DB exposes the underlying handle for collaborators sharing the same
// database file (the conversation loader reads the messages table).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run
func (s *SQLiteStore) CreateRun(ctx context.Context, r *run.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, agent_id, user_id, conversation_id, input_text, output_text, status, error_message, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AgentID, r.UserID, nullable(r.ConversationID), r.InputText,
		nullable(r.OutputText), r.Status, nullable(r.ErrorMessage),
		r.CreatedAt, r.StartedAt, r.CompletedAt)
	return err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, agent_id, user_id, conversation_id, input_text, output_text, status, error_message, created_at, started_at, completed_at
		 FROM runs WHERE run_id = ?`, id)
	return scanRun(row)
}

// ListRuns lists runs newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, f ListFilter) ([]run.Run, error) {
	query := `SELECT run_id, agent_id, user_id, conversation_id, input_text, output_text, status, error_message, created_at, started_at, completed_at
	          FROM runs WHERE 1=1`
	args := []interface{}{}

	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ClaimRun transitions queued -> running via compare-and-set
func (s *SQLiteStore) ClaimRun(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ? WHERE run_id = ? AND status = ?`,
		run.StatusRunning, startedAt, id, run.StatusQueued)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		existing, err := s.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return run.ErrNotFound
		}
		return run.ErrAlreadyRunning
	}
	return nil
}

// FinishRun transitions running -> terminal via compare-and-set
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status run.Status, output, errMsg string, completedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: finish to non-terminal status %s", run.ErrInvalidTransition, status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, output_text = ?, error_message = ?, completed_at = ? WHERE run_id = ? AND status = ?`,
		status, nullable(output), nullable(errMsg), completedAt, id, run.StatusRunning)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		existing, err := s.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return run.ErrNotFound
		}
		return fmt.Errorf("%w: run %s is %s", run.ErrInvalidTransition, id, existing.Status)
	}
	return nil
}

// AppendStep inserts a step with the next step_number for its run. The
// number is assigned inside a transaction; the ledger additionally holds a
// per-run lock so appends for one run never interleave.
func (s *SQLiteStore) AppendStep(ctx context.Context, st *run.Step) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step_number), 0) + 1 FROM steps WHERE run_id = ?`,
		st.RunID).Scan(&next); err != nil {
		return 0, err
	}

	st.StepNumber = next
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO steps (step_id, run_id, step_number, step_type, input_data, output_data, tool_name, error_message, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.RunID, st.StepNumber, st.Type,
		nullable(string(st.InputData)), nullable(string(st.OutputData)),
		nullable(st.ToolName), nullable(st.ErrorMessage),
		st.StartedAt, st.CompletedAt, st.DurationMS); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// ListSteps returns the full ordered step sequence for a run
func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]run.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, run_id, step_number, step_type, input_data, output_data, tool_name, error_message, started_at, completed_at, duration_ms
		 FROM steps WHERE run_id = ? ORDER BY step_number ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []run.Step
	for rows.Next() {
		var st run.Step
		var input, output, tool, errMsg sql.NullString
		var completedAt sql.NullTime
		var duration sql.NullInt64
		if err := rows.Scan(&st.ID, &st.RunID, &st.StepNumber, &st.Type,
			&input, &output, &tool, &errMsg, &st.StartedAt, &completedAt, &duration); err != nil {
			return nil, err
		}
		if input.Valid {
			st.InputData = []byte(input.String)
		}
		if output.Valid {
			st.OutputData = []byte(output.String)
		}
		if tool.Valid {
			st.ToolName = tool.String
		}
		if errMsg.Valid {
			st.ErrorMessage = errMsg.String
		}
		if completedAt.Valid {
			t := completedAt.Time
			st.CompletedAt = &t
		}
		if duration.Valid {
			st.DurationMS = duration.Int64
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ListRunning returns all runs in the running state
func (s *SQLiteStore) ListRunning(ctx context.Context) ([]run.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, agent_id, user_id, conversation_id, input_text, output_text, status, error_message, created_at, started_at, completed_at
		 FROM runs WHERE status = ? ORDER BY started_at ASC`, run.StatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRunFrom(sc scanner) (*run.Run, error) {
	var r run.Run
	var conversationID, outputText, errorMessage sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := sc.Scan(&r.ID, &r.AgentID, &r.UserID, &conversationID,
		&r.InputText, &outputText, &r.Status, &errorMessage,
		&r.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	if conversationID.Valid {
		r.ConversationID = conversationID.String
	}
	if outputText.Valid {
		r.OutputText = outputText.String
	}
	if errorMessage.Valid {
		r.ErrorMessage = errorMessage.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func scanRun(row *sql.Row) (*run.Run, error) {
	r, err := scanRunFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func scanRunRows(rows *sql.Rows) (*run.Run, error) {
	return scanRunFrom(rows)
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
