package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	wotel "github.com/wardenhq/warden/internal/adapter/otel"
	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/domain/agent"
	"github.com/wardenhq/warden/internal/domain/convo"
	"github.com/wardenhq/warden/internal/domain/session"
	"github.com/wardenhq/warden/internal/domain/trigger"
	"github.com/wardenhq/warden/internal/logger"
	"github.com/wardenhq/warden/internal/port/broadcast"
	"github.com/wardenhq/warden/internal/port/jobs"
	"github.com/wardenhq/warden/internal/port/store"
)

// Dispatcher serializes execution per agent. It is the job substrate's
// handler: every delivered job becomes one Dispatch call, and the
// execution lock guarantees at most one of them runs per agent at a time.
type Dispatcher struct {
	modelName string
	store     store.Store
	jobs      jobs.Substrate
	loop      *Loop
	policy    *RetryPolicy
	sched     *Scheduler
	arch      *Archiver
	bcast     broadcast.Broadcaster
	logger    *slog.Logger
	metrics   *wotel.Metrics
	now       func() time.Time
	newID     func() string
}

// NewDispatcher wires the dispatcher. modelName is the default model
// agents reason with.
func NewDispatcher(modelName string, st store.Store, js jobs.Substrate, loop *Loop, policy *RetryPolicy, sched *Scheduler, arch *Archiver, bc broadcast.Broadcaster, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		modelName: modelName,
		store:     st,
		jobs:      js,
		loop:      loop,
		policy:    policy,
		sched:     sched,
		arch:      arch,
		bcast:     bc,
		logger:    log,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// SetMetrics attaches metric instruments. Optional; a nil Metrics means
// no instrumentation.
func (d *Dispatcher) SetMetrics(m *wotel.Metrics) { d.metrics = m }

// Handle adapts the job substrate's handler contract to a dispatch. The
// delivered job's ID becomes the dispatch ID and the lock holder, so the
// health sweep can reconcile held locks against the substrate's List.
func (d *Dispatcher) Handle(ctx context.Context, jobID, agentID string, tc trigger.Context) error {
	return d.dispatch(ctx, jobID, agentID, tc)
}

// Dispatch runs one agent turn outside the substrate under a generated
// ID. Direct invocations have no job for the sweep to find, so their
// locks look orphaned to it; deliveries must go through Handle.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID string, tc trigger.Context) error {
	return d.dispatch(ctx, d.newID(), agentID, tc)
}

// dispatch runs one agent turn end to end: claim the lock, repair the
// log, archive stale history, build the trigger input, run the loop, and
// release. Finding the lock held is a no-op, not an error. Failures are
// classified and either rescheduled with backoff or parked in the
// variant's failure status.
func (d *Dispatcher) dispatch(ctx context.Context, dispatchID, agentID string, tc trigger.Context) error {
	if !tc.Valid() {
		return fmt.Errorf("invalid trigger type %q", tc.Type)
	}

	rec, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			d.logger.Warn("dispatch for unknown agent dropped", slog.String("agent_id", agentID))
			return nil
		}
		return fmt.Errorf("load agent: %w", err)
	}
	if rec.Status.Terminal() {
		d.logger.Info("dispatch for terminal agent dropped",
			slog.String("agent_id", agentID),
			slog.String("status", string(rec.Status)))
		return nil
	}
	ag, err := agent.New(rec)
	if err != nil {
		return err
	}

	ctx = logger.WithDispatchID(ctx, dispatchID)
	ctx, span := wotel.StartDispatchSpan(ctx, dispatchID, agentID, string(tc.Type))
	defer span.End()
	started := d.now()
	log := d.logger.With(
		slog.String("agent_id", agentID),
		slog.String("dispatch_id", dispatchID),
		slog.String("trigger", string(tc.Type)))

	if err := d.store.ClaimLock(ctx, agentID, dispatchID); err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			log.Info("execution lock held, dispatch skipped")
			return nil
		}
		return fmt.Errorf("claim lock: %w", err)
	}

	d.bcast.BroadcastEvent(ctx, EventDispatchStarted, DispatchEvent{
		AgentID:    agentID,
		DispatchID: dispatchID,
		Trigger:    string(tc.Type),
	})
	if d.metrics != nil {
		d.metrics.DispatchesStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("trigger", string(tc.Type))))
	}

	result, runErr := d.run(ctx, ag, tc, dispatchID, log)

	if err := d.store.ReleaseLock(ctx, agentID, dispatchID); err != nil {
		log.Error("release lock", slog.Any("error", err))
	}

	if runErr != nil {
		if d.metrics != nil {
			d.metrics.DispatchesFailed.Add(ctx, 1, metric.WithAttributes(
				attribute.String("class", string(Classify(runErr)))))
		}
		d.handleFailure(ctx, ag, tc, runErr, log)
		d.bcast.BroadcastEvent(ctx, EventDispatchFinished, DispatchEvent{
			AgentID:    agentID,
			DispatchID: dispatchID,
			Trigger:    string(tc.Type),
			Status:     "failed",
			Error:      runErr.Error(),
		})
		return nil
	}

	if d.metrics != nil {
		d.metrics.DispatchesCompleted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", string(result.Reason))))
		d.metrics.LoopIterations.Record(ctx, int64(result.Iterations))
		d.metrics.DispatchDuration.Record(ctx, d.now().Sub(started).Seconds())
	}
	d.afterSuccess(ctx, ag, tc, result, log)
	d.bcast.BroadcastEvent(ctx, EventDispatchFinished, DispatchEvent{
		AgentID:    agentID,
		DispatchID: dispatchID,
		Trigger:    string(tc.Type),
		Status:     "ok",
		Reason:     string(result.Reason),
	})
	return nil
}

// run executes the lock-protected middle of a dispatch.
func (d *Dispatcher) run(ctx context.Context, ag agent.Agent, tc trigger.Context, dispatchID string, log *slog.Logger) (*LoopResult, error) {
	rec := ag.Record()

	cl, err := d.store.GetLog(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("load log: %w", err)
	}

	cl, report := convo.ValidateAndRepair(cl, d.now())
	for _, w := range report.Warnings {
		log.Warn("conversation log anomaly", slog.String("detail", w))
	}
	if !report.Valid() {
		for _, r := range report.Repairs {
			log.Warn("conversation log repaired", slog.String("detail", r))
		}
		if err := d.store.SaveLog(ctx, rec.ID, cl); err != nil {
			return nil, fmt.Errorf("persist repaired log: %w", err)
		}
	}

	if d.arch.Stale(cl, d.now()) {
		if err := d.arch.Fold(ctx, rec.ID, cl, session.ReasonIdle, 0, 0); err != nil {
			return nil, fmt.Errorf("archive stale log: %w", err)
		}
		cl = convo.Log{}
	}

	cl = append(cl, convo.TextTurn(convo.RoleUser, triggerInput(tc), d.now()))
	if err := d.store.SaveLog(ctx, rec.ID, cl); err != nil {
		return nil, fmt.Errorf("persist trigger turn: %w", err)
	}

	cl, result, err := d.loop.Run(ctx, ag, tc, cl, d.modelName, dispatchID)
	if err != nil {
		return nil, err
	}
	log.Info("loop finished",
		slog.String("reason", string(result.Reason)),
		slog.Int("iterations", result.Iterations),
		slog.Int("tool_calls", result.ToolCalls),
		slog.Int64("tokens_in", result.Usage.InputTokens),
		slog.Int64("tokens_out", result.Usage.OutputTokens))

	if tc.Proactive() && result.ToolCalls > 0 {
		// Proactive runs that did real work are archived right away; runs
		// that produced nothing but text are left for idle folding so the
		// session list is not littered with empty check-ins.
		if err := d.arch.Fold(ctx, rec.ID, cl, session.ReasonProactive, result.Usage.InputTokens, result.Usage.OutputTokens); err != nil {
			log.Error("archive proactive session", slog.Any("error", err))
		}
	}
	return result, nil
}

// afterSuccess performs the post-run bookkeeping: clear retry state,
// touch activity, consume the fired scheduling slot, and re-arm the
// recurring schedule when this run was a check-in occurrence.
func (d *Dispatcher) afterSuccess(ctx context.Context, ag agent.Agent, tc trigger.Context, result *LoopResult, log *slog.Logger) {
	rec := ag.Record()

	if err := d.store.TouchActivity(ctx, rec.ID); err != nil {
		log.Error("touch activity", slog.Any("error", err))
	}
	if tc.Attempt > 0 {
		if err := d.store.ClearPause(ctx, rec.ID); err != nil {
			log.Error("clear pause", slog.Any("error", err))
		}
	}

	switch tc.Type {
	case trigger.TypeFollowUp:
		if err := d.store.ClearFollowUp(ctx, rec.ID); err != nil {
			log.Error("clear follow-up", slog.Any("error", err))
		}
	case trigger.TypeCheckIn:
		if err := d.sched.ScheduleNextRecurring(ctx, rec); err != nil {
			log.Error("re-arm recurring check-in", slog.Any("error", err))
		}
	}
}

// handleFailure classifies a dispatch failure, then either schedules a
// delayed retry or parks the agent in its failure status.
func (d *Dispatcher) handleFailure(ctx context.Context, ag agent.Agent, tc trigger.Context, runErr error, log *slog.Logger) {
	rec := ag.Record()
	class := Classify(runErr)
	log.Error("dispatch failed",
		slog.String("class", string(class)),
		slog.Int("attempt", tc.Attempt),
		slog.Any("error", runErr))

	if d.policy.ShouldRetry(class, tc.Attempt) {
		delay := d.policy.Delay(class, tc.Attempt, runErr)
		resumeAt := d.now().Add(delay)
		retryTC := tc
		retryTC.Attempt++
		if _, err := d.jobs.ScheduleAt(ctx, resumeAt, rec.ID, retryTC); err != nil {
			log.Error("schedule delayed retry", slog.Any("error", err))
			return
		}
		if err := d.store.SetPause(ctx, rec.ID, resumeAt, retryTC.Attempt); err != nil {
			log.Error("persist pause", slog.Any("error", err))
		}
		if d.metrics != nil {
			d.metrics.RetriesScheduled.Add(ctx, 1, metric.WithAttributes(
				attribute.String("class", string(class))))
		}
		log.Warn("delayed retry scheduled",
			slog.Duration("delay", delay),
			slog.Int("next_attempt", retryTC.Attempt))
		return
	}

	note := fmt.Sprintf("execution failed after %d attempt(s): %s error, not retryable", tc.Attempt+1, class)
	if err := d.store.UpdateAgentStatus(ctx, rec.ID, ag.FailureStatus(), note); err != nil {
		log.Error("set failure status", slog.Any("error", err))
	}
	log.Error("retries exhausted, agent parked",
		slog.String("status", string(ag.FailureStatus())))
}

// triggerInput renders the user-turn text for a dispatch trigger.
func triggerInput(tc trigger.Context) string {
	switch tc.Type {
	case trigger.TypeUserMessage:
		return tc.Message
	case trigger.TypeCheckIn:
		return "It is time for your scheduled check-in. Review where things stand and reach out if you have something useful to say."
	case trigger.TypeFollowUp:
		if tc.Intent != "" {
			return fmt.Sprintf("Your scheduled follow-up is due. Intent you recorded: %s", tc.Intent)
		}
		return "Your scheduled follow-up is due."
	default:
		return "Internal run requested. Produce the requested output."
	}
}
