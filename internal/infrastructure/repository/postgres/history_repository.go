package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
)

// HistoryRepository stores chat messages per session. seq preserves append
// order when both messages of a turn share a timestamp.
type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2025031001)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS chat_messages (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	sources JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session_seq ON chat_messages(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_chat_messages_created_at ON chat_messages(created_at);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// AppendTurn writes all messages in one transaction.
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
		sourcesJSON, err := marshalSources(msg.Sources)
		if err != nil {
			return err
		}
		createdAt := msg.Timestamp
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO chat_messages (id, session_id, role, content, sources, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, msg.ID, sessionID, string(msg.Role), msg.Content, sourcesJSON, createdAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// Read returns messages oldest first. A positive limit keeps the most
// recent N.
func (r *HistoryRepository) Read(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, `
SELECT id, session_id, role, content, sources, created_at
FROM chat_messages
WHERE session_id = $1
ORDER BY seq DESC
LIMIT $2
`, sessionID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
SELECT id, session_id, role, content, sources, created_at
FROM chat_messages
WHERE session_id = $1
ORDER BY seq ASC
`, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Message, 0)
	for rows.Next() {
		var (
			msg        domain.Message
			role       string
			sourcesRaw []byte
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &sourcesRaw, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = domain.Role(role)
		if msg.Sources, err = unmarshalSources(sourcesRaw); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if limit > 0 {
		// Returned in descending order from SQL; reverse to keep chronological order.
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (r *HistoryRepository) ListSessions(ctx context.Context, limit int) ([]domain.SessionSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT session_id, COUNT(*), MAX(created_at)
FROM chat_messages
GROUP BY session_id
ORDER BY MAX(created_at) DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.SessionSummary, 0)
	for rows.Next() {
		var s domain.SessionSummary
		if err := rows.Scan(&s.SessionID, &s.MessageCount, &s.LastActivity); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (r *HistoryRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE created_at < $1`, cutoff)
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
	res, err := r.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = $1`, sessionID)
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

func marshalSources(sources []domain.Source) ([]byte, error) {
	if sources == nil {
		sources = []domain.Source{}
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("marshal sources: %w", err)
	}
	return raw, nil
}

func unmarshalSources(raw []byte) ([]domain.Source, error) {
	out := []domain.Source{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal sources: %w", err)
	}
	return out, nil
}
