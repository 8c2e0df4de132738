// Package store defines the persistence port for agents, runtime state,
// conversation logs, and archived sessions.
package store

import (
	"context"
	"time"

	"github.com/wardenhq/warden/internal/domain/agent"
	"github.com/wardenhq/warden/internal/domain/convo"
	"github.com/wardenhq/warden/internal/domain/session"
)

// Store is the persistence port. Lock claim and release are conditional
// writes: implementations must compare-and-set against the current
// Running flag, never blind-write it.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, rec *agent.Record) error
	GetAgent(ctx context.Context, id string) (*agent.Record, error)
	ListAgents(ctx context.Context) ([]agent.Record, error)
	ListAgentsByKind(ctx context.Context, kind agent.Kind) ([]agent.Record, error)
	ListChildren(ctx context.Context, parentID string) ([]agent.Record, error)
	UpdateAgentStatus(ctx context.Context, id string, status agent.Status, note string) error

	// Runtime state / execution lock
	GetRuntimeState(ctx context.Context, agentID string) (*agent.RuntimeState, error)
	ListRunning(ctx context.Context) ([]agent.RuntimeState, error)
	ListPaused(ctx context.Context) ([]agent.RuntimeState, error)

	// ClaimLock atomically sets Running=true, StartedAt=now, JobID=jobID
	// iff Running is currently false. Returns domain.ErrLockHeld otherwise.
	ClaimLock(ctx context.Context, agentID, jobID string) error

	// ReleaseLock clears the lock iff it is held by jobID.
	ReleaseLock(ctx context.Context, agentID, jobID string) error

	// ForceReleaseLock clears the lock unconditionally (health sweep only).
	ForceReleaseLock(ctx context.Context, agentID string) error

	SetSchedule(ctx context.Context, agentID string, sched *agent.Recurring) error
	SetFollowUp(ctx context.Context, agentID string, fu *agent.FollowUp) error
	ClearFollowUp(ctx context.Context, agentID string) error
	SetPause(ctx context.Context, agentID string, resumeAt time.Time, attempt int) error
	ClearPause(ctx context.Context, agentID string) error
	TouchActivity(ctx context.Context, agentID string) error

	// Conversation log. The whole log is saved at once: within one agent
	// the single lock holder is the only writer.
	GetLog(ctx context.Context, agentID string) (convo.Log, error)
	SaveLog(ctx context.Context, agentID string, log convo.Log) error
	ClearLog(ctx context.Context, agentID string) error

	// Sessions
	CreateSession(ctx context.Context, s *session.Session) error
	ListSessions(ctx context.Context, agentID string, limit int) ([]session.Session, error)
}
