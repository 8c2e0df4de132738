package postgres

import (
	"context"
	"fmt"

	"github.com/wardenhq/warden/internal/domain/session"
)

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, agent_id, summary, reason, turn_count, tokens_in, tokens_out, started_at, ended_at, log)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at`,
		sess.ID, sess.AgentID, sess.Summary, sess.Reason, sess.TurnCount,
		sess.TokensIn, sess.TokensOut, sess.StartedAt, sess.EndedAt, sess.Log,
	).Scan(&sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// ListSessions returns the agent's archived sessions, most recent first.
// limit <= 0 means no limit.
func (s *Store) ListSessions(ctx context.Context, agentID string, limit int) ([]session.Session, error) {
	query := `SELECT id, agent_id, summary, reason, turn_count, tokens_in, tokens_out, started_at, ended_at, log, created_at
	          FROM sessions WHERE agent_id = $1 ORDER BY created_at DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		var sess session.Session
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.Summary, &sess.Reason,
			&sess.TurnCount, &sess.TokensIn, &sess.TokensOut,
			&sess.StartedAt, &sess.EndedAt, &sess.Log, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
