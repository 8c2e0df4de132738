package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/domain/agent"
	"github.com/wardenhq/warden/internal/domain/trigger"
	"github.com/wardenhq/warden/internal/port/jobs"
	"github.com/wardenhq/warden/internal/port/store"
)

// Scheduler computes future check-in occurrences and hands them to the
// job substrate. It is the only writer of the runtime state's schedule
// and follow-up slots.
type Scheduler struct {
	cfg    config.Checkin
	store  store.Store
	jobs   jobs.Substrate
	logger *slog.Logger
	now    func() time.Time
}

// NewScheduler creates a check-in scheduler.
func NewScheduler(cfg config.Checkin, st store.Store, js jobs.Substrate, logger *slog.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, store: st, jobs: js, logger: logger, now: time.Now}
}

// NextOccurrence computes the first occurrence of the schedule strictly
// after now, evaluated on the owner's wall clock.
func NextOccurrence(sched agent.Recurring, now time.Time, loc *time.Location) (time.Time, error) {
	tod, err := time.ParseInLocation("15:04", sched.TimeOfDay, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time of day %q: %w", sched.TimeOfDay, err)
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), tod.Hour(), tod.Minute(), 0, 0, loc)

	switch sched.Frequency {
	case agent.FrequencyDaily:
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
	case agent.FrequencyWeekly:
		days := (int(sched.Weekday) - int(next.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
	default:
		return time.Time{}, fmt.Errorf("unknown frequency %q", sched.Frequency)
	}
	return next, nil
}

// SetRecurring installs (or replaces) an agent's recurring schedule and
// enqueues the next occurrence. A previously scheduled occurrence is
// cancelled first.
func (s *Scheduler) SetRecurring(ctx context.Context, rec *agent.Record, sched agent.Recurring) error {
	rs, err := s.store.GetRuntimeState(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("load runtime state: %w", err)
	}
	if rs.Schedule != nil && rs.Schedule.JobID != "" {
		if err := s.jobs.Cancel(ctx, rs.Schedule.JobID); err != nil {
			s.logger.Warn("cancel previous check-in job", slog.String("agent_id", rec.ID), slog.Any("error", err))
		}
	}

	next, err := NextOccurrence(sched, s.now(), rec.Location())
	if err != nil {
		return err
	}
	jobID, err := s.jobs.ScheduleAt(ctx, next, rec.ID, trigger.Context{Type: trigger.TypeCheckIn})
	if err != nil {
		return fmt.Errorf("schedule check-in: %w", err)
	}
	sched.JobID = jobID
	if err := s.store.SetSchedule(ctx, rec.ID, &sched); err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}
	s.logger.Info("recurring check-in scheduled",
		slog.String("agent_id", rec.ID),
		slog.Time("next", next),
		slog.String("job_id", jobID))
	return nil
}

// ScheduleNextRecurring re-arms an existing recurring schedule after an
// occurrence has fired. No-op when the agent has no schedule.
func (s *Scheduler) ScheduleNextRecurring(ctx context.Context, rec *agent.Record) error {
	rs, err := s.store.GetRuntimeState(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("load runtime state: %w", err)
	}
	if rs.Schedule == nil {
		return nil
	}
	return s.SetRecurring(ctx, rec, *rs.Schedule)
}

// ScheduleFollowUp parses a delay expression, enforces the follow-up
// bounds, and schedules a one-off wake-up. A follow-up whose window
// already contains a recurring occurrence is rejected: the standing
// schedule will wake the agent anyway.
func (s *Scheduler) ScheduleFollowUp(ctx context.Context, rec *agent.Record, delay, intent string) (time.Time, error) {
	now := s.now()
	at, err := ParseDelay(delay, now, rec.Location())
	if err != nil {
		return time.Time{}, err
	}
	if at.Before(now.Add(s.cfg.MinFollowUp)) {
		return time.Time{}, fmt.Errorf("follow-up must be at least %s out", s.cfg.MinFollowUp)
	}
	if at.After(now.Add(s.cfg.MaxFollowUp)) {
		return time.Time{}, fmt.Errorf("follow-up must be within %s", s.cfg.MaxFollowUp)
	}

	rs, err := s.store.GetRuntimeState(ctx, rec.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load runtime state: %w", err)
	}
	if rs.Schedule != nil {
		next, nerr := NextOccurrence(*rs.Schedule, now, rec.Location())
		if nerr == nil && next.Before(at) {
			return time.Time{}, fmt.Errorf("a recurring check-in at %s already covers this window", next.Format(time.RFC3339))
		}
	}
	if rs.FollowUp != nil && rs.FollowUp.JobID != "" {
		if err := s.jobs.Cancel(ctx, rs.FollowUp.JobID); err != nil {
			s.logger.Warn("cancel previous follow-up job", slog.String("agent_id", rec.ID), slog.Any("error", err))
		}
	}

	jobID, err := s.jobs.ScheduleAt(ctx, at, rec.ID, trigger.Context{Type: trigger.TypeFollowUp, Intent: intent})
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule follow-up: %w", err)
	}
	if err := s.store.SetFollowUp(ctx, rec.ID, &agent.FollowUp{At: at, Intent: intent, JobID: jobID}); err != nil {
		return time.Time{}, fmt.Errorf("persist follow-up: %w", err)
	}
	s.logger.Info("follow-up scheduled",
		slog.String("agent_id", rec.ID),
		slog.Time("at", at),
		slog.String("intent", intent))
	return at, nil
}

var (
	relativeDelay = regexp.MustCompile(`^in\s+(\d+)\s*(minutes?|min|m|hours?|h|days?|d|weeks?|w)$`)
	bareDelay     = regexp.MustCompile(`^(\d+)\s*(minutes?|min|m|hours?|h|days?|d|weeks?|w)$`)
)

// ParseDelay turns a delay expression into an absolute timestamp. It
// accepts relative forms ("in 2 hours", "in 3 days", "2h", "3d"),
// "tomorrow" (09:00 on the owner's clock), and absolute RFC 3339.
func ParseDelay(expr string, now time.Time, loc *time.Location) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, fmt.Errorf("empty delay expression")
	}
	lower := strings.ToLower(expr)

	if lower == "tomorrow" {
		local := now.In(loc)
		return time.Date(local.Year(), local.Month(), local.Day()+1, 9, 0, 0, 0, loc), nil
	}

	if m := relativeDelay.FindStringSubmatch(lower); m != nil {
		return now.Add(unitDuration(m[1], m[2])), nil
	}
	if m := bareDelay.FindStringSubmatch(lower); m != nil {
		return now.Add(unitDuration(m[1], m[2])), nil
	}

	if at, err := time.Parse(time.RFC3339, expr); err == nil {
		return at, nil
	}
	return time.Time{}, fmt.Errorf("cannot parse delay %q", expr)
}

func unitDuration(amount, unit string) time.Duration {
	n, _ := strconv.Atoi(amount)
	switch unit[0] {
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	default:
		return time.Duration(n) * 7 * 24 * time.Hour
	}
}
