package engine

import (
	"context"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/domain/agent"
	"github.com/wardenhq/warden/internal/domain/convo"
	"github.com/wardenhq/warden/internal/domain/trigger"
	"github.com/wardenhq/warden/internal/port/jobs"
	"github.com/wardenhq/warden/internal/port/model"
)

func newTestSweep(t *testing.T) (*Sweep, *mockStore, *mockJobs) {
	t.Helper()
	cfg := config.Defaults()
	st := newMockStore()
	js := &mockJobs{}
	mm := &mockModel{resps: []*model.Response{textResp("summary")}}
	arch := NewArchiver(cfg.Session, cfg.Model.Default, st, mm, discardLogger())
	s := NewSweep(cfg.Sweep, "production", st, js, arch, &mockBroadcaster{}, discardLogger())
	return s, st, js
}

func lockAgent(t *testing.T, st *mockStore, agentID, jobID string, startedAgo time.Duration) {
	t.Helper()
	if err := st.ClaimLock(context.Background(), agentID, jobID); err != nil {
		t.Fatalf("ClaimLock: %v", err)
	}
	st.mu.Lock()
	past := time.Now().Add(-startedAgo)
	st.runtime[agentID].StartedAt = &past
	st.mu.Unlock()
}

func TestSweep_StuckLockReleased(t *testing.T) {
	s, st, _ := newTestSweep(t)
	st.addAgent(&agent.Record{ID: "task-1", Kind: agent.KindTask, Status: agent.StatusActive})
	lockAgent(t, st, "task-1", "job-gone", 40*time.Minute)

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.LocksReleased != 1 {
		t.Errorf("locks released = %d, want 1", rep.LocksReleased)
	}
	rs := st.state("task-1")
	if rs.Running {
		t.Error("stuck lock still held")
	}
	rec, _ := st.GetAgent(context.Background(), "task-1")
	if rec.Status != agent.StatusCompleted {
		t.Errorf("stuck task status = %s, want %s", rec.Status, agent.StatusCompleted)
	}
	if rec.Note == "" {
		t.Error("explanatory note missing on forced completion")
	}
}

func TestSweep_StuckLockRepairsLog(t *testing.T) {
	s, st, _ := newTestSweep(t)
	st.addAgent(&agent.Record{ID: "goal-1", Kind: agent.KindGoal, Status: agent.StatusActive})
	lockAgent(t, st, "goal-1", "job-gone", 40*time.Minute)

	broken := convo.Log{
		convo.TextTurn(convo.RoleUser, "go", time.Now()),
		{Role: convo.RoleAssistant, Blocks: []convo.Block{
			convo.ToolUseBlock{ID: "x1", Name: "lookup"},
		}, CreatedAt: time.Now()},
	}
	_ = st.SaveLog(context.Background(), "goal-1", broken)

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	log, _ := st.GetLog(context.Background(), "goal-1")
	if len(log.OpenToolUses()) != 0 {
		t.Error("orphaned invocation not repaired after lock release")
	}
	rec, _ := st.GetAgent(context.Background(), "goal-1")
	if rec.Status != agent.StatusActive {
		t.Errorf("goal agent status = %s, want untouched active", rec.Status)
	}
}

func TestSweep_RunningJobLeftAlone(t *testing.T) {
	s, st, js := newTestSweep(t)
	st.addAgent(&agent.Record{ID: "goal-1", Kind: agent.KindGoal, Status: agent.StatusActive})
	lockAgent(t, st, "goal-1", "job-live", 40*time.Minute)
	js.jobs = []jobs.Info{{ID: "job-live", AgentID: "goal-1", State: jobs.StateRunning}}

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.LocksReleased != 0 {
		t.Error("lock of an actively executing job must not be released")
	}
	if !st.state("goal-1").Running {
		t.Error("live holder's lock cleared")
	}
}

func TestSweep_QueuedStuckJobCancelled(t *testing.T) {
	s, st, js := newTestSweep(t)
	st.addAgent(&agent.Record{ID: "goal-1", Kind: agent.KindGoal, Status: agent.StatusActive})
	lockAgent(t, st, "goal-1", "job-q", 40*time.Minute)
	js.jobs = []jobs.Info{{ID: "job-q", AgentID: "goal-1", State: jobs.StateQueued}}

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.JobsCancelled != 1 {
		t.Errorf("jobs cancelled = %d, want 1", rep.JobsCancelled)
	}
	if len(js.cancelled) != 1 || js.cancelled[0] != "job-q" {
		t.Errorf("cancelled = %v, want [job-q]", js.cancelled)
	}
}

func TestSweep_FreshLockUntouched(t *testing.T) {
	s, st, _ := newTestSweep(t)
	st.addAgent(&agent.Record{ID: "goal-1", Kind: agent.KindGoal, Status: agent.StatusActive})
	lockAgent(t, st, "goal-1", "job-1", 5*time.Minute)

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.LocksReleased != 0 {
		t.Error("fresh lock released")
	}
	if !st.state("goal-1").Running {
		t.Error("fresh lock cleared")
	}
}

func TestSweep_StaleAgentRested(t *testing.T) {
	s, st, _ := newTestSweep(t)
	st.addAgent(&agent.Record{ID: "goal-1", Kind: agent.KindGoal, Status: agent.StatusActive})
	st.mu.Lock()
	st.runtime["goal-1"].LastActivityAt = time.Now().Add(-5 * time.Hour)
	st.mu.Unlock()

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.AgentsRested != 1 {
		t.Errorf("agents rested = %d, want 1", rep.AgentsRested)
	}
	rec, _ := st.GetAgent(context.Background(), "goal-1")
	if rec.Status != agent.StatusPaused {
		t.Errorf("status = %s, want %s", rec.Status, agent.StatusPaused)
	}
}

func TestSweep_StaleWindowsConfigurable(t *testing.T) {
	s, st, _ := newTestSweep(t)
	s.cfg.TaskStaleAfter = 10 * time.Minute
	s.cfg.GoalStaleAfter = time.Hour

	st.addAgent(&agent.Record{ID: "task-1", Kind: agent.KindTask, Status: agent.StatusActive})
	st.addAgent(&agent.Record{ID: "goal-1", Kind: agent.KindGoal, Status: agent.StatusActive})
	st.mu.Lock()
	st.runtime["task-1"].LastActivityAt = time.Now().Add(-30 * time.Minute) // inside the variant's 90m default
	st.runtime["goal-1"].LastActivityAt = time.Now().Add(-2 * time.Hour)    // inside the variant's 4h default
	st.mu.Unlock()

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.AgentsRested != 2 {
		t.Errorf("agents rested = %d, want 2 under the tightened windows", rep.AgentsRested)
	}
	task, _ := st.GetAgent(context.Background(), "task-1")
	if task.Status != agent.StatusCancelled {
		t.Errorf("task status = %s, want %s", task.Status, agent.StatusCancelled)
	}
	goal, _ := st.GetAgent(context.Background(), "goal-1")
	if goal.Status != agent.StatusPaused {
		t.Errorf("goal status = %s, want %s", goal.Status, agent.StatusPaused)
	}
}

func TestSweep_RestedGoalCancelsChildTasks(t *testing.T) {
	s, st, _ := newTestSweep(t)
	st.addAgent(&agent.Record{ID: "goal-1", Kind: agent.KindGoal, Status: agent.StatusActive})
	st.addAgent(&agent.Record{ID: "task-live", Kind: agent.KindTask, ParentID: "goal-1", Status: agent.StatusActive})
	st.addAgent(&agent.Record{ID: "task-done", Kind: agent.KindTask, ParentID: "goal-1", Status: agent.StatusCompleted})
	st.mu.Lock()
	st.runtime["goal-1"].LastActivityAt = time.Now().Add(-5 * time.Hour)
	st.mu.Unlock()

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.ChildrenCancelled != 1 {
		t.Errorf("children cancelled = %d, want 1", rep.ChildrenCancelled)
	}
	live, _ := st.GetAgent(context.Background(), "task-live")
	if live.Status != agent.StatusCancelled {
		t.Errorf("live child status = %s, want %s", live.Status, agent.StatusCancelled)
	}
	if live.Note == "" {
		t.Error("explanatory note missing on cancelled child")
	}
	done, _ := st.GetAgent(context.Background(), "task-done")
	if done.Status != agent.StatusCompleted {
		t.Errorf("completed child status = %s, want untouched %s", done.Status, agent.StatusCompleted)
	}
}

func TestSweep_StaleAgentLogFolded(t *testing.T) {
	s, st, _ := newTestSweep(t)
	st.addAgent(&agent.Record{ID: "goal-1", Kind: agent.KindGoal, Status: agent.StatusActive})
	st.mu.Lock()
	st.runtime["goal-1"].LastActivityAt = time.Now().Add(-5 * time.Hour)
	st.mu.Unlock()
	_ = st.SaveLog(context.Background(), "goal-1", convo.Log{
		convo.TextTurn(convo.RoleUser, "old talk", time.Now().Add(-5*time.Hour)),
	})

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sessions, _ := st.ListSessions(context.Background(), "goal-1", 0)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	log, _ := st.GetLog(context.Background(), "goal-1")
	if len(log) != 0 {
		t.Error("live log not cleared after forced fold")
	}
}

func TestSweep_RunawayTaskLogStopped(t *testing.T) {
	s, st, _ := newTestSweep(t)
	st.addAgent(&agent.Record{ID: "task-1", Kind: agent.KindTask, Status: agent.StatusActive})

	big := convo.Log{}
	for i := 0; i < 101; i++ {
		big = append(big, convo.TextTurn(convo.RoleUser, "turn", time.Now()))
	}
	_ = st.SaveLog(context.Background(), "task-1", big)

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.RunawayLogsStopped != 1 {
		t.Errorf("runaway logs stopped = %d, want 1", rep.RunawayLogsStopped)
	}
	rec, _ := st.GetAgent(context.Background(), "task-1")
	if rec.Status != agent.StatusCompleted {
		t.Errorf("status = %s, want %s", rec.Status, agent.StatusCompleted)
	}
}

func TestSweep_HeartbeatGuarantee(t *testing.T) {
	s, st, js := newTestSweep(t)
	st.addAgent(&agent.Record{ID: "goal-1", Kind: agent.KindGoal, Status: agent.StatusActive})

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.CheckinsScheduled != 1 {
		t.Errorf("checkins scheduled = %d, want 1", rep.CheckinsScheduled)
	}
	rs := st.state("goal-1")
	if rs.FollowUp == nil {
		t.Fatal("no follow-up installed by the heartbeat guarantee")
	}
	if len(js.scheduled) != 1 || js.scheduled[0].TC.Type != trigger.TypeFollowUp {
		t.Errorf("scheduled = %+v, want one follow-up dispatch", js.scheduled)
	}

	// A second pass must not double-schedule.
	rep2, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if rep2.CheckinsScheduled != 0 {
		t.Errorf("second pass scheduled %d, want 0", rep2.CheckinsScheduled)
	}
}

func TestSweep_HeartbeatSkipsScheduledAgents(t *testing.T) {
	s, st, _ := newTestSweep(t)
	st.addAgent(&agent.Record{ID: "goal-1", Kind: agent.KindGoal, Status: agent.StatusActive})
	_ = st.SetSchedule(context.Background(), "goal-1", &agent.Recurring{Frequency: agent.FrequencyDaily, TimeOfDay: "09:00"})

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.CheckinsScheduled != 0 {
		t.Errorf("checkins scheduled = %d, want 0 for already-scheduled agent", rep.CheckinsScheduled)
	}
}

func TestSweep_PausedRetriedWhenOverdue(t *testing.T) {
	s, st, js := newTestSweep(t)
	st.addAgent(&agent.Record{ID: "task-1", Kind: agent.KindTask, Status: agent.StatusActive})
	resume := time.Now().Add(-10 * time.Minute)
	_ = st.SetPause(context.Background(), "task-1", resume, 2)

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.PausedRetried != 1 {
		t.Errorf("paused retried = %d, want 1", rep.PausedRetried)
	}
	if len(js.enqueued) != 1 || js.enqueued[0].TC.Attempt != 2 {
		t.Errorf("enqueued = %+v, want one retry carrying attempt 2", js.enqueued)
	}
}

func TestSweep_PausedNotRetriedBeforeResume(t *testing.T) {
	s, st, js := newTestSweep(t)
	st.addAgent(&agent.Record{ID: "task-1", Kind: agent.KindTask, Status: agent.StatusActive})
	_ = st.SetPause(context.Background(), "task-1", time.Now().Add(10*time.Minute), 1)

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.PausedRetried != 0 || len(js.enqueued) != 0 {
		t.Error("retry enqueued before the backoff elapsed")
	}
}

func TestSweep_PausedExpired(t *testing.T) {
	s, st, _ := newTestSweep(t)
	st.addAgent(&agent.Record{ID: "task-1", Kind: agent.KindTask, Status: agent.StatusActive})
	resume := time.Now().Add(-23 * time.Hour)
	_ = st.SetPause(context.Background(), "task-1", resume, 3)
	st.mu.Lock()
	old := time.Now().Add(-25 * time.Hour)
	st.runtime["task-1"].PausedAt = &old
	st.mu.Unlock()

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.PausedExpired != 1 {
		t.Errorf("paused expired = %d, want 1", rep.PausedExpired)
	}
	rec, _ := st.GetAgent(context.Background(), "task-1")
	if rec.Status != agent.StatusCancelled {
		t.Errorf("status = %s, want %s", rec.Status, agent.StatusCancelled)
	}
}

func TestSweep_ReconcileStartup(t *testing.T) {
	s, st, js := newTestSweep(t)
	st.addAgent(&agent.Record{ID: "goal-1", Kind: agent.KindGoal, Status: agent.StatusActive})
	st.addAgent(&agent.Record{ID: "goal-2", Kind: agent.KindGoal, Status: agent.StatusActive})
	lockAgent(t, st, "goal-1", "job-dead", time.Minute)
	lockAgent(t, st, "goal-2", "job-live", time.Minute)
	js.jobs = []jobs.Info{{ID: "job-live", AgentID: "goal-2", State: jobs.StateRunning}}

	broken := convo.Log{
		{Role: convo.RoleAssistant, Blocks: []convo.Block{
			convo.ToolUseBlock{ID: "x1", Name: "lookup"},
		}, CreatedAt: time.Now()},
	}
	_ = st.SaveLog(context.Background(), "goal-1", broken)

	if err := s.ReconcileStartup(context.Background()); err != nil {
		t.Fatalf("ReconcileStartup: %v", err)
	}

	if st.state("goal-1").Running {
		t.Error("orphaned lock not released")
	}
	if !st.state("goal-2").Running {
		t.Error("lock with a live job was released")
	}
	log, _ := st.GetLog(context.Background(), "goal-1")
	if len(log.OpenToolUses()) != 0 {
		t.Error("orphaned log not repaired on startup")
	}
}
