// Package sqlite keeps chat history in a single-file SQLite database for
// deployments without Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
)

// Open opens or creates the database at path. ":memory:" is pinned to one
// connection so every query sees the same database.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

// HistoryRepository stores timestamps as unix nanoseconds.
type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) EnsureSchema(ctx context.Context) error {
	const query = `
CREATE TABLE IF NOT EXISTS chat_messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	sources TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session_seq ON chat_messages(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_chat_messages_created_at ON chat_messages(created_at);
`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	return nil
}

func (r *HistoryRepository) AppendTurn(ctx context.Context, sessionID string, messages ...domain.Message) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, msg := range messages {
		sources := msg.Sources
		if sources == nil {
			sources = []domain.Source{}
		}
		sourcesJSON, err := json.Marshal(sources)
		if err != nil {
			return fmt.Errorf("marshal sources: %w", err)
		}
		createdAt := msg.Timestamp
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO chat_messages (id, session_id, role, content, sources, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, msg.ID, sessionID, string(msg.Role), msg.Content, string(sourcesJSON), createdAt.UnixNano()); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

func (r *HistoryRepository) Read(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	query := `
SELECT id, session_id, role, content, sources, created_at FROM (
	SELECT seq, id, session_id, role, content, sources, created_at
	FROM chat_messages
	WHERE session_id = ?
	ORDER BY seq DESC
	LIMIT ?
) ORDER BY seq ASC
`
	// LIMIT -1 means no limit in SQLite.
	sqlLimit := -1
	if limit > 0 {
		sqlLimit = limit
	}
	rows, err := r.db.QueryContext(ctx, query, sessionID, sqlLimit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Message, 0)
	for rows.Next() {
		var (
			msg        domain.Message
			role       string
			sourcesRaw string
			createdAt  int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &sourcesRaw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = domain.Role(role)
		msg.Timestamp = time.Unix(0, createdAt).UTC()
		msg.Sources = []domain.Source{}
		if sourcesRaw != "" {
			if err := json.Unmarshal([]byte(sourcesRaw), &msg.Sources); err != nil {
				return nil, fmt.Errorf("unmarshal sources: %w", err)
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (r *HistoryRepository) ListSessions(ctx context.Context, limit int) ([]domain.SessionSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT session_id, COUNT(*), MAX(created_at) AS last_activity
FROM chat_messages
GROUP BY session_id
ORDER BY last_activity DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.SessionSummary, 0)
	for rows.Next() {
		var (
			s    domain.SessionSummary
			last int64
		)
		if err := rows.Scan(&s.SessionID, &s.MessageCount, &last); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.LastActivity = time.Unix(0, last).UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (r *HistoryRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge history rows affected: %w", err)
	}
	return removed, nil
}

func (r *HistoryRepository) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrSessionNotFound, "delete session", fmt.Errorf("session_id=%s", sessionID))
	}
	return nil
}
