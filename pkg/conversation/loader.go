// Package conversation loads prior dialogue turns so a run can continue
// an existing thread instead of starting cold.
package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/runloom/runloom/pkg/run"
)

// Loader fetches the ordered history of a conversation. An unknown or
// empty conversation id yields an empty slice, never an error.
type Loader interface {
	Load(ctx context.Context, conversationID string) ([]run.Turn, error)
}

// Recorder persists a completed exchange back into the conversation so
// the next run sees it.
type Recorder interface {
	Record(ctx context.Context, conversationID string, turns []run.Turn) error
}

// SQLiteLoader reads and writes the messages table of the engine's own
// database handle.
type SQLiteLoader struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewSQLiteLoader(db *sql.DB, logger zerolog.Logger) *SQLiteLoader {
	return &SQLiteLoader{
		db:     db,
		logger: logger.With().Str("component", "conversation").Logger(),
	}
}

// Load returns all turns of the conversation ordered oldest first.
func (l *SQLiteLoader) Load(ctx context.Context, conversationID string) ([]run.Turn, error) {
	if conversationID == "" {
		return nil, nil
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT role, content FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at ASC, message_id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	var turns []run.Turn
	for rows.Next() {
		var t run.Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	l.logger.Debug().
		Str("conversation_id", conversationID).
		Int("turns", len(turns)).
		Msg("Loaded conversation history")
	return turns, nil
}

// Record appends turns to the conversation inside one transaction.
func (l *SQLiteLoader) Record(ctx context.Context, conversationID string, turns []run.Turn) error {
	if conversationID == "" || len(turns) == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i, t := range turns {
		// Offset keeps insertion order stable even when the wall clock
		// does not advance between rows.
		createdAt := now.Add(time.Duration(i) * time.Microsecond)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (message_id, conversation_id, role, content, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), conversationID, t.Role, t.Content, createdAt,
		); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}
	return tx.Commit()
}

// StaticLoader serves a fixed history, used by tests and by runs that
// carry no conversation.
type StaticLoader struct {
	Turns map[string][]run.Turn
}

func (s *StaticLoader) Load(_ context.Context, conversationID string) ([]run.Turn, error) {
	if s.Turns == nil {
		return nil, nil
	}
	return s.Turns[conversationID], nil
}
