package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/example/runengine/pkg/runmodel"
)

// CreateRun inserts a new AgentRun in StatusQueued.
func (s *Store) CreateRun(ctx context.Context, r *runmodel.AgentRun) error {
	_, err := s.primary.ExecContext(ctx, `
		INSERT INTO agent_runs (
			id, thread_id, project_id, account_id, agent_id, status,
			provider, model, max_steps, max_auto_continues, stream_max_len, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, r.ID, r.ThreadID, r.ProjectID, r.AccountID, r.AgentID, r.Status,
		r.Provider, r.Model, r.MaxSteps, r.MaxAutoContinues, r.StreamMaxLen, r.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// GetRun fetches a run by ID from the primary pool.
func (s *Store) GetRun(ctx context.Context, id string) (*runmodel.AgentRun, error) {
	row := s.primary.QueryRowContext(ctx, `
		SELECT id, thread_id, project_id, account_id, agent_id, status, error_code, error_message,
			provider, model, max_steps, max_auto_continues, stream_max_len,
			step_count, auto_continue_count, input_tokens, output_tokens,
			created_at, claimed_at, started_at, completed_at
		FROM agent_runs WHERE id = $1
	`, id)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*runmodel.AgentRun, error) {
	var r runmodel.AgentRun
	var errCode, errMsg sql.NullString
	var claimedAt, startedAt, completedAt sql.NullTime
	if err := row.Scan(
		&r.ID, &r.ThreadID, &r.ProjectID, &r.AccountID, &r.AgentID, &r.Status, &errCode, &errMsg,
		&r.Provider, &r.Model, &r.MaxSteps, &r.MaxAutoContinues, &r.StreamMaxLen,
		&r.StepCount, &r.AutoContinueCount, &r.InputTokens, &r.OutputTokens,
		&r.CreatedAt, &claimedAt, &startedAt, &completedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	r.ErrorCode = runmodel.ErrorCode(errCode.String)
	r.ErrorMessage = errMsg.String
	if claimedAt.Valid {
		r.ClaimedAt = &claimedAt.Time
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}

// MarkClaimed transitions a run to running and records the claim time. Rows
// affected == 0 means another owner already claimed it (ownership conflict).
func (s *Store) MarkClaimed(ctx context.Context, runID string, claimedAt sql.NullTime) (bool, error) {
	res, err := s.primary.ExecContext(ctx, `
		UPDATE agent_runs SET status = 'running', claimed_at = $2, started_at = COALESCE(started_at, $2)
		WHERE id = $1 AND status = 'queued'
	`, runID, claimedAt)
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimStep inserts a (run_id, step_index, kind) row, returning false if
// that step was already claimed — the idempotency gate that lets a
// coordinator resuming after a crash skip straight past any step whose LLM
// call already went out, instead of double-billing or double-calling it.
func (s *Store) ClaimStep(ctx context.Context, runID string, stepIndex int, kind string) (bool, error) {
	_, err := s.primary.ExecContext(ctx, `
		INSERT INTO step_processing (run_id, step_index, kind, claimed_at)
		VALUES ($1,$2,$3,now())
	`, runID, stepIndex, kind)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim step: %w", err)
	}
	return true, nil
}

// RecordStep advances the step/auto-continue/token counters after one
// coordinator step completes.
func (s *Store) RecordStep(ctx context.Context, runID string, inputTokens, outputTokens int64, autoContinued bool) error {
	inc := 0
	if autoContinued {
		inc = 1
	}
	_, err := s.primary.ExecContext(ctx, `
		UPDATE agent_runs
		SET step_count = step_count + 1,
			auto_continue_count = auto_continue_count + $2,
			input_tokens = input_tokens + $3,
			output_tokens = output_tokens + $4
		WHERE id = $1
	`, runID, inc, inputTokens, outputTokens)
	return err
}

// Finish transitions a run to a terminal status with an optional error.
func (s *Store) Finish(ctx context.Context, runID string, status runmodel.Status, code runmodel.ErrorCode, message string) error {
	_, err := s.primary.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = $2, error_code = $3, error_message = $4, completed_at = now()
		WHERE id = $1
	`, runID, status, string(code), message)
	return err
}

// ListQueuedRuns returns up to limit queued runs ordered oldest-first, the
// source the Background Driver's poll loop dispatches from.
func (s *Store) ListQueuedRuns(ctx context.Context, limit int) ([]*runmodel.AgentRun, error) {
	rows, err := s.primary.QueryContext(ctx, `
		SELECT id, thread_id, project_id, account_id, agent_id, status, error_code, error_message,
			provider, model, max_steps, max_auto_continues, stream_max_len,
			step_count, auto_continue_count, input_tokens, output_tokens,
			created_at, claimed_at, started_at, completed_at
		FROM agent_runs WHERE status = 'queued' ORDER BY created_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued runs: %w", err)
	}
	defer rows.Close()

	var out []*runmodel.AgentRun
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, fmt.Errorf("list queued runs: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRunRow(rows *sql.Rows) (*runmodel.AgentRun, error) {
	var r runmodel.AgentRun
	var errCode, errMsg sql.NullString
	var claimedAt, startedAt, completedAt sql.NullTime
	if err := rows.Scan(
		&r.ID, &r.ThreadID, &r.ProjectID, &r.AccountID, &r.AgentID, &r.Status, &errCode, &errMsg,
		&r.Provider, &r.Model, &r.MaxSteps, &r.MaxAutoContinues, &r.StreamMaxLen,
		&r.StepCount, &r.AutoContinueCount, &r.InputTokens, &r.OutputTokens,
		&r.CreatedAt, &claimedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	r.ErrorCode = runmodel.ErrorCode(errCode.String)
	r.ErrorMessage = errMsg.String
	if claimedAt.Valid {
		r.ClaimedAt = &claimedAt.Time
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}

// GetAgent fetches agent configuration, routed to the replica pool — the
// second read-mostly lookup per the relational store's read policy.
func (s *Store) GetAgent(ctx context.Context, id string) (*runmodel.Agent, error) {
	row := s.conn(runmodel.ReadReplica).QueryRowContext(ctx, `
		SELECT id, account_id, name, provider, model, system_prompt, max_tokens, tool_policy_id, created_at, updated_at
		FROM agents WHERE id = $1
	`, id)
	var a runmodel.Agent
	if err := row.Scan(&a.ID, &a.AccountID, &a.Name, &a.Provider, &a.Model, &a.SystemPrompt, &a.MaxTokens, &a.ToolPolicyID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}
