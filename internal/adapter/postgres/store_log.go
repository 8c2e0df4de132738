package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wardenhq/warden/internal/domain/convo"
)

// GetLog returns the agent's live conversation log. A missing row is an
// empty log, not an error: agents start with no conversation.
func (s *Store) GetLog(ctx context.Context, agentID string) (convo.Log, error) {
	var log convo.Log
	err := s.pool.QueryRow(ctx,
		`SELECT turns FROM conversation_logs WHERE agent_id = $1`, agentID).Scan(&log)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return convo.Log{}, nil
		}
		return nil, fmt.Errorf("get log %s: %w", agentID, err)
	}
	return log, nil
}

// SaveLog replaces the agent's live log wholesale. The single lock
// holder is the only writer, so there is nothing to merge.
func (s *Store) SaveLog(ctx context.Context, agentID string, log convo.Log) error {
	if log == nil {
		log = convo.Log{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_logs (agent_id, turns, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (agent_id) DO UPDATE SET turns = EXCLUDED.turns, updated_at = NOW()`,
		agentID, log)
	if err != nil {
		return fmt.Errorf("save log %s: %w", agentID, err)
	}
	return nil
}

func (s *Store) ClearLog(ctx context.Context, agentID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversation_logs SET turns = '[]'::jsonb, updated_at = NOW() WHERE agent_id = $1`,
		agentID)
	if err != nil {
		return fmt.Errorf("clear log %s: %w", agentID, err)
	}
	return nil
}
