// Package session defines the archived, immutable snapshot of a once-live
// conversation log. Sessions are an agent's long-term memory.
package session

import (
	"time"

	"github.com/wardenhq/warden/internal/domain/convo"
)

// Reason records why a live log was folded into a session.
type Reason string

const (
	ReasonIdle      Reason = "idle"      // log went stale
	ReasonProactive Reason = "proactive" // system-triggered run completed
	ReasonForced    Reason = "forced"    // health sweep intervention
)

// Session is a frozen conversation plus bookkeeping. Immutable once created.
type Session struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Summary   string    `json:"summary"`
	Reason    Reason    `json:"reason"`
	TurnCount int       `json:"turn_count"`
	TokensIn  int64     `json:"tokens_in"`
	TokensOut int64     `json:"tokens_out"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Log       convo.Log `json:"log"`
	CreatedAt time.Time `json:"created_at"`
}

// Fold freezes a live log into a session. The summary may be empty when
// summarization failed; archival must not depend on it.
func Fold(agentID string, log convo.Log, summary string, reason Reason, tokensIn, tokensOut int64, now time.Time) *Session {
	s := &Session{
		AgentID:   agentID,
		Summary:   summary,
		Reason:    reason,
		TurnCount: len(log),
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		EndedAt:   now,
		Log:       log,
		CreatedAt: now,
	}
	if len(log) > 0 {
		s.StartedAt = log[0].CreatedAt
		s.EndedAt = log[len(log)-1].CreatedAt
	}
	return s
}
