package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/domain/agent"
)

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const agentColumns = `id, kind, owner_id, COALESCE(parent_id, ''), status, name, brief, timezone, note, created_at, updated_at`

func scanAgent(row pgx.Row) (*agent.Record, error) {
	var rec agent.Record
	err := row.Scan(&rec.ID, &rec.Kind, &rec.OwnerID, &rec.ParentID, &rec.Status,
		&rec.Name, &rec.Brief, &rec.Timezone, &rec.Note, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) CreateAgent(ctx context.Context, rec *agent.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var parent any
	if rec.ParentID != "" {
		parent = rec.ParentID
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO agents (id, kind, owner_id, parent_id, status, name, brief, timezone, note)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`,
		rec.ID, rec.Kind, rec.OwnerID, parent, rec.Status, rec.Name, rec.Brief, rec.Timezone, rec.Note,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	// Every agent carries a runtime row from birth so lock claims never
	// race against a missing record.
	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_runtime (agent_id) VALUES ($1)`, rec.ID); err != nil {
		return fmt.Errorf("create runtime state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Record, error) {
	rec, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get agent %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]agent.Record, error) {
	return s.listAgents(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
}

func (s *Store) ListAgentsByKind(ctx context.Context, kind agent.Kind) ([]agent.Record, error) {
	return s.listAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE kind = $1 ORDER BY created_at`, kind)
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]agent.Record, error) {
	return s.listAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE parent_id = $1 ORDER BY created_at`, parentID)
}

func (s *Store) listAgents(ctx context.Context, query string, args ...any) ([]agent.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var recs []agent.Record
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status agent.Status, note string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $2, note = $3, updated_at = NOW() WHERE id = $1`,
		id, status, note)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update agent status %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
