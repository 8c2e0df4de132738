package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	wotel "github.com/wardenhq/warden/internal/adapter/otel"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/domain/agent"
	"github.com/wardenhq/warden/internal/domain/convo"
	"github.com/wardenhq/warden/internal/domain/session"
	"github.com/wardenhq/warden/internal/domain/trigger"
	"github.com/wardenhq/warden/internal/port/broadcast"
	"github.com/wardenhq/warden/internal/port/jobs"
	"github.com/wardenhq/warden/internal/port/store"
)

// heartbeatIntent marks sweep-created follow-ups so they read sensibly
// in the agent's runtime state.
const heartbeatIntent = "periodic heartbeat check-in"

// Report counts what one sweep pass found and fixed.
type Report struct {
	mu sync.Mutex

	LocksReleased      int
	JobsCancelled      int
	AgentsRested       int
	ChildrenCancelled  int
	RunawayLogsStopped int
	PausedRetried      int
	PausedExpired      int
	CheckinsScheduled  int
}

func (r *Report) add(f func(*Report)) {
	r.mu.Lock()
	f(r)
	r.mu.Unlock()
}

// Sweep is the periodic reconciliation pass. It never assumes an agent's
// state is what it last saw: every mutation re-checks through the store's
// conditional writes, the same discipline the dispatcher uses.
type Sweep struct {
	cfg     config.Sweep
	env     string
	store   store.Store
	jobs    jobs.Substrate
	arch    *Archiver
	bcast   broadcast.Broadcaster
	logger  *slog.Logger
	metrics *wotel.Metrics
	now     func() time.Time
}

// NewSweep creates a health sweep.
func NewSweep(cfg config.Sweep, env string, st store.Store, js jobs.Substrate, arch *Archiver, bc broadcast.Broadcaster, logger *slog.Logger) *Sweep {
	return &Sweep{cfg: cfg, env: env, store: st, jobs: js, arch: arch, bcast: bc, logger: logger, now: time.Now}
}

// SetMetrics attaches metric instruments. Optional; a nil Metrics means
// no instrumentation.
func (s *Sweep) SetMetrics(m *wotel.Metrics) { s.metrics = m }

// Start runs sweep passes on the configured interval until ctx ends.
func (s *Sweep) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := s.Run(ctx)
			if err != nil {
				s.logger.Error("health sweep pass failed", slog.Any("error", err))
				continue
			}
			s.bcast.BroadcastEvent(ctx, EventSweepReport, SweepReportEvent{
				LocksReleased:      rep.LocksReleased,
				JobsCancelled:      rep.JobsCancelled,
				AgentsRested:       rep.AgentsRested,
				ChildrenCancelled:  rep.ChildrenCancelled,
				RunawayLogsStopped: rep.RunawayLogsStopped,
				PausedRetried:      rep.PausedRetried,
				PausedExpired:      rep.PausedExpired,
				CheckinsScheduled:  rep.CheckinsScheduled,
			})
		}
	}
}

// Run executes one sweep pass and returns what it did.
func (s *Sweep) Run(ctx context.Context) (*Report, error) {
	ctx, span := wotel.StartSweepSpan(ctx)
	defer span.End()
	rep := &Report{}

	if err := s.sweepStuckLocks(ctx, rep); err != nil {
		return rep, fmt.Errorf("stuck locks: %w", err)
	}
	if err := s.sweepAgents(ctx, rep); err != nil {
		return rep, fmt.Errorf("agents: %w", err)
	}
	if err := s.sweepPaused(ctx, rep); err != nil {
		return rep, fmt.Errorf("paused: %w", err)
	}

	if s.metrics != nil {
		repairs := rep.LocksReleased + rep.AgentsRested + rep.ChildrenCancelled + rep.RunawayLogsStopped + rep.PausedRetried + rep.PausedExpired
		s.metrics.SweepRepairs.Add(ctx, int64(repairs))
	}
	s.logger.Info("health sweep pass complete",
		slog.Int("locks_released", rep.LocksReleased),
		slog.Int("agents_rested", rep.AgentsRested),
		slog.Int("children_cancelled", rep.ChildrenCancelled),
		slog.Int("runaway_logs", rep.RunawayLogsStopped),
		slog.Int("paused_retried", rep.PausedRetried),
		slog.Int("paused_expired", rep.PausedExpired),
		slog.Int("checkins_scheduled", rep.CheckinsScheduled))
	return rep, nil
}

// sweepStuckLocks releases locks whose holder has been running past the
// threshold. The owning job is cancelled only when it is still waiting in
// the substrate; a job that is actively executing is left alone and the
// situation merely logged, since killing it mid-tool is worse than waiting.
func (s *Sweep) sweepStuckLocks(ctx context.Context, rep *Report) error {
	running, err := s.store.ListRunning(ctx)
	if err != nil {
		return err
	}
	live, err := s.jobs.List(ctx)
	if err != nil {
		return err
	}
	states := make(map[string]jobs.State, len(live))
	for _, j := range live {
		states[j.ID] = j.State
	}

	cutoff := s.now().Add(-s.cfg.StuckLockAfter)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, rs := range running {
		rs := rs
		if rs.StartedAt == nil || rs.StartedAt.After(cutoff) {
			continue
		}
		g.Go(func() error {
			s.recoverStuckLock(gctx, rs, states, rep)
			return nil
		})
	}
	return g.Wait()
}

func (s *Sweep) recoverStuckLock(ctx context.Context, rs agent.RuntimeState, states map[string]jobs.State, rep *Report) {
	log := s.logger.With(slog.String("agent_id", rs.AgentID), slog.String("job_id", rs.JobID))

	switch states[rs.JobID] {
	case jobs.StateRunning:
		log.Warn("lock held past threshold by a job that is still executing, leaving it alone",
			slog.Time("started_at", *rs.StartedAt))
		return
	case jobs.StateQueued, jobs.StateScheduled:
		if err := s.jobs.Cancel(ctx, rs.JobID); err != nil {
			log.Error("cancel stuck job", slog.Any("error", err))
		} else {
			rep.add(func(r *Report) { r.JobsCancelled++ })
		}
	}

	if err := s.store.ForceReleaseLock(ctx, rs.AgentID); err != nil {
		log.Error("force release lock", slog.Any("error", err))
		return
	}
	rep.add(func(r *Report) { r.LocksReleased++ })
	log.Warn("stuck execution lock released", slog.Time("started_at", *rs.StartedAt))

	s.repairLog(ctx, rs.AgentID, log)

	rec, err := s.store.GetAgent(ctx, rs.AgentID)
	if err != nil {
		log.Error("load agent after lock release", slog.Any("error", err))
		return
	}
	// A task caught with a dead lock has done whatever it will ever do.
	if rec.Kind == agent.KindTask && !rec.Status.Terminal() {
		note := fmt.Sprintf("marked completed by health sweep: execution lock stuck since %s", rs.StartedAt.Format(time.RFC3339))
		if err := s.store.UpdateAgentStatus(ctx, rec.ID, agent.StatusCompleted, note); err != nil {
			log.Error("complete stuck task", slog.Any("error", err))
		}
	}
}

// sweepAgents applies the staleness windows, the history-growth failsafe,
// and the heartbeat guarantee across all non-terminal agents.
func (s *Sweep) sweepAgents(ctx context.Context, rep *Report) error {
	recs, err := s.store.ListAgents(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, rec := range recs {
		rec := rec
		if rec.Status.Terminal() {
			continue
		}
		g.Go(func() error {
			s.checkAgent(gctx, &rec, rep)
			return nil
		})
	}
	return g.Wait()
}

func (s *Sweep) checkAgent(ctx context.Context, rec *agent.Record, rep *Report) {
	log := s.logger.With(slog.String("agent_id", rec.ID))
	ag, err := agent.New(rec)
	if err != nil {
		log.Error("unknown agent kind", slog.Any("error", err))
		return
	}
	rs, err := s.store.GetRuntimeState(ctx, rec.ID)
	if err != nil {
		log.Error("load runtime state", slog.Any("error", err))
		return
	}
	if rs.Running {
		// The lock holder owns this agent's state; the stuck-lock check
		// handles holders that never come back.
		return
	}
	now := s.now()

	if rec.Status == agent.StatusActive && !rs.LastActivityAt.IsZero() &&
		now.Sub(rs.LastActivityAt) > s.staleWindow(ag) {
		s.restAgent(ctx, ag, rs, rep, log)
		return
	}

	if rec.Kind == agent.KindTask {
		cl, err := s.store.GetLog(ctx, rec.ID)
		if err != nil {
			log.Error("load log", slog.Any("error", err))
			return
		}
		if len(cl) > s.cfg.MaxLogTurns {
			s.stopRunawayLog(ctx, rec, cl, rep, log)
			return
		}
	}

	if rec.Kind == agent.KindGoal && rec.Status == agent.StatusActive {
		s.ensureHeartbeat(ctx, rec, rs, rep, log)
	}
}

// staleWindow resolves an agent's idle window. The sweep config's
// per-kind tunables win over the variant defaults; the goal window
// applies in production only, since the variant shrinks it elsewhere.
func (s *Sweep) staleWindow(ag agent.Agent) time.Duration {
	switch ag.Record().Kind {
	case agent.KindTask:
		if s.cfg.TaskStaleAfter > 0 {
			return s.cfg.TaskStaleAfter
		}
	case agent.KindGoal:
		if s.env == "production" && s.cfg.GoalStaleAfter > 0 {
			return s.cfg.GoalStaleAfter
		}
	}
	return ag.StaleAfter(s.env)
}

// restAgent force-transitions a long-idle agent to its variant's resting
// state, folding any live log first so nothing is lost.
func (s *Sweep) restAgent(ctx context.Context, ag agent.Agent, rs *agent.RuntimeState, rep *Report, log *slog.Logger) {
	rec := ag.Record()
	cl, err := s.store.GetLog(ctx, rec.ID)
	if err != nil {
		log.Error("load log", slog.Any("error", err))
		return
	}
	if err := s.arch.Fold(ctx, rec.ID, cl, session.ReasonForced, 0, 0); err != nil {
		log.Error("fold stale log", slog.Any("error", err))
		return
	}
	note := fmt.Sprintf("rested by health sweep after %s of inactivity", s.now().Sub(rs.LastActivityAt).Round(time.Minute))
	if err := s.store.UpdateAgentStatus(ctx, rec.ID, ag.RestingStatus(), note); err != nil {
		log.Error("rest stale agent", slog.Any("error", err))
		return
	}
	rep.add(func(r *Report) { r.AgentsRested++ })
	log.Warn("stale agent rested",
		slog.String("status", string(ag.RestingStatus())),
		slog.Time("last_activity", rs.LastActivityAt))

	// A rested goal takes its still-running tasks with it: nothing would
	// ever collect their results.
	if rec.Kind == agent.KindGoal {
		s.cancelChildren(ctx, rec.ID, rep, log)
	}
}

func (s *Sweep) cancelChildren(ctx context.Context, parentID string, rep *Report, log *slog.Logger) {
	children, err := s.store.ListChildren(ctx, parentID)
	if err != nil {
		log.Error("list child tasks", slog.Any("error", err))
		return
	}
	for _, child := range children {
		if child.Kind != agent.KindTask || child.Status.Terminal() {
			continue
		}
		note := fmt.Sprintf("cancelled by health sweep: parent goal %s was rested", parentID)
		if err := s.store.UpdateAgentStatus(ctx, child.ID, agent.StatusCancelled, note); err != nil {
			log.Error("cancel child task", slog.String("child_id", child.ID), slog.Any("error", err))
			continue
		}
		rep.add(func(r *Report) { r.ChildrenCancelled++ })
		log.Warn("child task cancelled with rested parent", slog.String("child_id", child.ID))
	}
}

// stopRunawayLog is the backstop for a loop-limit bug: a task whose log
// outgrew the ceiling the loop should have enforced is ended here.
func (s *Sweep) stopRunawayLog(ctx context.Context, rec *agent.Record, cl convo.Log, rep *Report, log *slog.Logger) {
	if err := s.arch.Fold(ctx, rec.ID, cl, session.ReasonForced, 0, 0); err != nil {
		log.Error("fold runaway log", slog.Any("error", err))
		return
	}
	note := fmt.Sprintf("stopped by health sweep: log reached %d turns (ceiling %d)", len(cl), s.cfg.MaxLogTurns)
	if err := s.store.UpdateAgentStatus(ctx, rec.ID, agent.StatusCompleted, note); err != nil {
		log.Error("stop runaway task", slog.Any("error", err))
		return
	}
	rep.add(func(r *Report) { r.RunawayLogsStopped++ })
	log.Warn("runaway task log stopped", slog.Int("turns", len(cl)))
}

// ensureHeartbeat guarantees every active goal agent has some future
// wake-up. When neither a recurring schedule nor a follow-up exists, a
// follow-up is created from the agent's recent-activity level: recently
// active agents check in within a day, quieter ones within three.
func (s *Sweep) ensureHeartbeat(ctx context.Context, rec *agent.Record, rs *agent.RuntimeState, rep *Report, log *slog.Logger) {
	if rs.Schedule != nil || rs.FollowUp != nil {
		return
	}
	now := s.now()
	delay := 24 * time.Hour
	if !rs.LastActivityAt.IsZero() && now.Sub(rs.LastActivityAt) > 48*time.Hour {
		delay = 72 * time.Hour
	}
	at := now.Add(delay)

	jobID, err := s.jobs.ScheduleAt(ctx, at, rec.ID, trigger.Context{Type: trigger.TypeFollowUp, Intent: heartbeatIntent})
	if err != nil {
		log.Error("schedule heartbeat", slog.Any("error", err))
		return
	}
	if err := s.store.SetFollowUp(ctx, rec.ID, &agent.FollowUp{At: at, Intent: heartbeatIntent, JobID: jobID}); err != nil {
		log.Error("persist heartbeat follow-up", slog.Any("error", err))
		return
	}
	rep.add(func(r *Report) { r.CheckinsScheduled++ })
	log.Info("heartbeat follow-up scheduled", slog.Time("at", at))
}

// sweepPaused retries paused agents whose backoff has elapsed and expires
// those paused past the ceiling. The dispatcher schedules the retry job
// itself when it pauses an agent; re-enqueueing here is the backstop for
// a retry job the substrate lost.
func (s *Sweep) sweepPaused(ctx context.Context, rep *Report) error {
	paused, err := s.store.ListPaused(ctx)
	if err != nil {
		return err
	}
	live, err := s.jobs.List(ctx)
	if err != nil {
		return err
	}
	byAgent := make(map[string]bool, len(live))
	for _, j := range live {
		byAgent[j.AgentID] = true
	}

	now := s.now()
	for _, rs := range paused {
		log := s.logger.With(slog.String("agent_id", rs.AgentID))

		if rs.PausedAt != nil && now.Sub(*rs.PausedAt) > s.cfg.PausedExpiry {
			s.expirePaused(ctx, rs, rep, log)
			continue
		}
		if rs.ResumeAt == nil || now.Before(*rs.ResumeAt) || byAgent[rs.AgentID] {
			continue
		}
		if _, err := s.jobs.Enqueue(ctx, rs.AgentID, trigger.Context{Type: trigger.TypeSystem, Attempt: rs.RetryAttempt}); err != nil {
			log.Error("enqueue overdue retry", slog.Any("error", err))
			continue
		}
		rep.add(func(r *Report) { r.PausedRetried++ })
		log.Warn("overdue retry re-enqueued", slog.Int("attempt", rs.RetryAttempt))
	}
	return nil
}

func (s *Sweep) expirePaused(ctx context.Context, rs agent.RuntimeState, rep *Report, log *slog.Logger) {
	rec, err := s.store.GetAgent(ctx, rs.AgentID)
	if err != nil {
		log.Error("load paused agent", slog.Any("error", err))
		return
	}
	if rec.Status.Terminal() {
		return
	}
	note := fmt.Sprintf("cancelled by health sweep: paused since %s without recovery", rs.PausedAt.Format(time.RFC3339))
	status := agent.StatusCancelled
	if rec.Kind != agent.KindTask {
		status = agent.StatusPaused
	}
	if err := s.store.UpdateAgentStatus(ctx, rec.ID, status, note); err != nil {
		log.Error("expire paused agent", slog.Any("error", err))
		return
	}
	if err := s.store.ClearPause(ctx, rec.ID); err != nil {
		log.Error("clear expired pause", slog.Any("error", err))
	}
	rep.add(func(r *Report) { r.PausedExpired++ })
	log.Warn("paused agent expired", slog.String("status", string(status)))
}

// ReconcileStartup clears locks orphaned by a crash: any lock whose
// owning job the substrate no longer knows is released and the log passed
// through the validator, since dying mid-turn is the likely cause.
func (s *Sweep) ReconcileStartup(ctx context.Context) error {
	running, err := s.store.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running: %w", err)
	}
	live, err := s.jobs.List(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	known := make(map[string]bool, len(live))
	for _, j := range live {
		known[j.ID] = true
	}

	for _, rs := range running {
		if known[rs.JobID] {
			continue
		}
		log := s.logger.With(slog.String("agent_id", rs.AgentID), slog.String("job_id", rs.JobID))
		if err := s.store.ForceReleaseLock(ctx, rs.AgentID); err != nil {
			log.Error("release orphaned lock", slog.Any("error", err))
			continue
		}
		log.Warn("orphaned execution lock released on startup")
		s.repairLog(ctx, rs.AgentID, log)
	}
	return nil
}

// repairLog runs the conversation validator against an agent's live log
// and persists any repairs.
func (s *Sweep) repairLog(ctx context.Context, agentID string, log *slog.Logger) {
	cl, err := s.store.GetLog(ctx, agentID)
	if err != nil {
		log.Error("load log for repair", slog.Any("error", err))
		return
	}
	repaired, report := convo.ValidateAndRepair(cl, s.now())
	if report.Valid() {
		return
	}
	for _, r := range report.Repairs {
		log.Warn("conversation log repaired", slog.String("detail", r))
	}
	if err := s.store.SaveLog(ctx, agentID, repaired); err != nil {
		log.Error("persist repaired log", slog.Any("error", err))
	}
}
