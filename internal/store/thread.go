package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/example/runengine/pkg/runmodel"
)

// CreateThread inserts a new thread.
func (s *Store) CreateThread(ctx context.Context, t *runmodel.Thread) error {
	_, err := s.primary.ExecContext(ctx, `
		INSERT INTO threads (id, project_id, account_id, agent_id, title, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, t.ID, t.ProjectID, t.AccountID, t.AgentID, t.Title, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// GetThread fetches a thread by ID.
func (s *Store) GetThread(ctx context.Context, pref runmodel.ReadPreference, id string) (*runmodel.Thread, error) {
	row := s.conn(pref).QueryRowContext(ctx, `
		SELECT id, project_id, account_id, agent_id, title, created_at, updated_at, archived_at
		FROM threads WHERE id = $1
	`, id)
	var t runmodel.Thread
	var archivedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.ProjectID, &t.AccountID, &t.AgentID, &t.Title, &t.CreatedAt, &t.UpdatedAt, &archivedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	if archivedAt.Valid {
		t.ArchivedAt = &archivedAt.Time
	}
	return &t, nil
}

// ThreadHasActiveRun reports whether a non-terminal AgentRun already exists
// for the given thread, enforcing the single-active-run invariant before a
// new run is claimed.
func (s *Store) ThreadHasActiveRun(ctx context.Context, threadID string) (bool, error) {
	var count int
	err := s.primary.QueryRowContext(ctx, `
		SELECT count(*) FROM agent_runs
		WHERE thread_id = $1 AND status IN ('queued','running')
	`, threadID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check active run: %w", err)
	}
	return count > 0, nil
}

// MessagePage returns messages for a thread, newest-last, paginated. This is
// one of the two read-mostly lookups routed to the replica pool.
func (s *Store) MessagePage(ctx context.Context, threadID string, limit, offset int) ([]runmodel.Message, error) {
	rows, err := s.conn(runmodel.ReadReplica).QueryContext(ctx, `
		SELECT id, thread_id, run_id, role, content, is_llm_message, metadata, created_at
		FROM messages WHERE thread_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3
	`, threadID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []runmodel.Message
	for rows.Next() {
		var m runmodel.Message
		var runID sql.NullString
		var metadata []byte
		if err := rows.Scan(&m.ID, &m.ThreadID, &runID, &m.Role, &m.Content, &m.IsLLMMessage, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.RunID = runID.String
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal message metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendMessage persists one message row (the write side of the Write Buffer's flush).
func (s *Store) AppendMessage(ctx context.Context, m *runmodel.Message) error {
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}
	_, err = s.primary.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, run_id, role, content, is_llm_message, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, m.ID, m.ThreadID, nullString(m.RunID), m.Role, m.Content, m.IsLLMMessage, metadata, m.CreatedAt)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
