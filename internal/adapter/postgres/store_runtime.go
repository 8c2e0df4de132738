package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/domain/agent"
)

const runtimeColumns = `agent_id, running, started_at, job_id, schedule, follow_up, paused_at, resume_at, retry_attempt, last_activity_at`

func scanRuntime(row pgx.Row) (*agent.RuntimeState, error) {
	var rs agent.RuntimeState
	err := row.Scan(&rs.AgentID, &rs.Running, &rs.StartedAt, &rs.JobID,
		&rs.Schedule, &rs.FollowUp, &rs.PausedAt, &rs.ResumeAt,
		&rs.RetryAttempt, &rs.LastActivityAt)
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

func (s *Store) GetRuntimeState(ctx context.Context, agentID string) (*agent.RuntimeState, error) {
	rs, err := scanRuntime(s.pool.QueryRow(ctx,
		`SELECT `+runtimeColumns+` FROM agent_runtime WHERE agent_id = $1`, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get runtime state %s: %w", agentID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get runtime state %s: %w", agentID, err)
	}
	return rs, nil
}

func (s *Store) ListRunning(ctx context.Context) ([]agent.RuntimeState, error) {
	return s.listRuntime(ctx,
		`SELECT `+runtimeColumns+` FROM agent_runtime WHERE running`)
}

func (s *Store) ListPaused(ctx context.Context) ([]agent.RuntimeState, error) {
	return s.listRuntime(ctx,
		`SELECT `+runtimeColumns+` FROM agent_runtime WHERE paused_at IS NOT NULL`)
}

func (s *Store) listRuntime(ctx context.Context, query string, args ...any) ([]agent.RuntimeState, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runtime states: %w", err)
	}
	defer rows.Close()

	var states []agent.RuntimeState
	for rows.Next() {
		rs, err := scanRuntime(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runtime state: %w", err)
		}
		states = append(states, *rs)
	}
	return states, rows.Err()
}

// ClaimLock is the compare-and-set at the heart of per-agent mutual
// exclusion: the UPDATE matches only a row whose running flag is still
// false, so exactly one concurrent claimant can win.
func (s *Store) ClaimLock(ctx context.Context, agentID, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runtime
		 SET running = TRUE, started_at = NOW(), job_id = $2
		 WHERE agent_id = $1 AND NOT running`,
		agentID, jobID)
	if err != nil {
		return fmt.Errorf("claim lock %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agent_runtime WHERE agent_id = $1)`, agentID).Scan(&exists); err != nil {
		return fmt.Errorf("claim lock %s: %w", agentID, err)
	}
	if !exists {
		return fmt.Errorf("claim lock %s: %w", agentID, domain.ErrNotFound)
	}
	return domain.ErrLockHeld
}

// ReleaseLock clears the lock only when it is still held by jobID, so a
// holder that was force-released cannot clobber a successor's claim.
func (s *Store) ReleaseLock(ctx context.Context, agentID, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runtime
		 SET running = FALSE, started_at = NULL, job_id = ''
		 WHERE agent_id = $1 AND job_id = $2 AND running`,
		agentID, jobID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release lock %s: not held by %s", agentID, jobID)
	}
	return nil
}

func (s *Store) ForceReleaseLock(ctx context.Context, agentID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runtime
		 SET running = FALSE, started_at = NULL, job_id = ''
		 WHERE agent_id = $1`,
		agentID)
	if err != nil {
		return fmt.Errorf("force release lock %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("force release lock %s: %w", agentID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) SetSchedule(ctx context.Context, agentID string, sched *agent.Recurring) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runtime SET schedule = $2 WHERE agent_id = $1`,
		agentID, sched)
	if err != nil {
		return fmt.Errorf("set schedule %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set schedule %s: %w", agentID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) SetFollowUp(ctx context.Context, agentID string, fu *agent.FollowUp) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runtime SET follow_up = $2 WHERE agent_id = $1`,
		agentID, fu)
	if err != nil {
		return fmt.Errorf("set follow-up %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set follow-up %s: %w", agentID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ClearFollowUp(ctx context.Context, agentID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE agent_runtime SET follow_up = NULL WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("clear follow-up %s: %w", agentID, err)
	}
	return nil
}

// SetPause records the backoff window. paused_at is set only on the
// first pause of a retry sequence; later attempts extend resume_at while
// the expiry clock keeps running from the original pause.
func (s *Store) SetPause(ctx context.Context, agentID string, resumeAt time.Time, attempt int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runtime
		 SET paused_at = COALESCE(paused_at, NOW()), resume_at = $2, retry_attempt = $3
		 WHERE agent_id = $1`,
		agentID, resumeAt, attempt)
	if err != nil {
		return fmt.Errorf("set pause %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set pause %s: %w", agentID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ClearPause(ctx context.Context, agentID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE agent_runtime
		 SET paused_at = NULL, resume_at = NULL, retry_attempt = 0
		 WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("clear pause %s: %w", agentID, err)
	}
	return nil
}

func (s *Store) TouchActivity(ctx context.Context, agentID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE agent_runtime SET last_activity_at = NOW() WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("touch activity %s: %w", agentID, err)
	}
	return nil
}
