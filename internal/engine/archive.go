package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/domain/convo"
	"github.com/wardenhq/warden/internal/domain/session"
	"github.com/wardenhq/warden/internal/port/model"
	"github.com/wardenhq/warden/internal/port/store"
)

// summaryMaxTokens bounds the fold-time summary call.
const summaryMaxTokens = 256

// Archiver folds live conversation logs into immutable sessions. Both the
// dispatcher (idle and proactive archival) and the health sweep (forced
// archival) go through it.
type Archiver struct {
	cfg    config.Session
	dflt   string // default model name for summaries
	store  store.Store
	model  model.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates a session archiver.
func NewArchiver(cfg config.Session, defaultModel string, st store.Store, mc model.Client, logger *slog.Logger) *Archiver {
	return &Archiver{cfg: cfg, dflt: defaultModel, store: st, model: mc, logger: logger, now: time.Now}
}

// Stale reports whether the log has been idle past the archival timeout.
func (a *Archiver) Stale(log convo.Log, now time.Time) bool {
	if len(log) == 0 {
		return false
	}
	return now.Sub(log.IdleSince()) > a.cfg.IdleTimeout
}

// Fold freezes the agent's live log into a session and clears the log.
// The summary is best effort: a failed summary call produces a session
// with an empty summary, never a failed fold. An empty log is a no-op.
func (a *Archiver) Fold(ctx context.Context, agentID string, log convo.Log, reason session.Reason, tokensIn, tokensOut int64) error {
	if len(log) == 0 {
		return nil
	}
	s := session.Fold(agentID, log, a.summarize(ctx, log), reason, tokensIn, tokensOut, a.now())
	s.ID = uuid.NewString()
	if err := a.store.CreateSession(ctx, s); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := a.store.ClearLog(ctx, agentID); err != nil {
		return fmt.Errorf("clear log: %w", err)
	}
	a.logger.Info("session archived",
		slog.String("agent_id", agentID),
		slog.String("session_id", s.ID),
		slog.String("reason", string(reason)),
		slog.Int("turns", s.TurnCount))
	return nil
}

// summarize asks the model for a short description of the conversation.
func (a *Archiver) summarize(ctx context.Context, log convo.Log) string {
	name := a.cfg.SummaryModel
	if name == "" {
		name = a.dflt
	}
	prompt := convo.TextTurn(convo.RoleUser,
		"Summarize the conversation above in one or two sentences. Reply with the summary only.",
		a.now())
	resp, err := a.model.Call(ctx, model.Request{
		Model:     name,
		System:    "You write terse conversation summaries.",
		MaxTokens: summaryMaxTokens,
		Log:       append(append(convo.Log{}, log...), prompt),
	}, nil)
	if err != nil {
		a.logger.Warn("session summary failed", slog.Any("error", err))
		return ""
	}
	return resp.Text
}
