package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/domain/agent"
	"github.com/wardenhq/warden/internal/domain/convo"
	"github.com/wardenhq/warden/internal/domain/session"
	"github.com/wardenhq/warden/internal/domain/trigger"
	"github.com/wardenhq/warden/internal/port/jobs"
	"github.com/wardenhq/warden/internal/port/model"
	"github.com/wardenhq/warden/internal/port/tool"
)

// mockStore is an in-memory store with the same conditional-write
// semantics the real adapter implements.
type mockStore struct {
	mu       sync.Mutex
	agents   map[string]*agent.Record
	runtime  map[string]*agent.RuntimeState
	logs     map[string]convo.Log
	sessions map[string][]session.Session
	saves    int
}

func newMockStore() *mockStore {
	return &mockStore{
		agents:   make(map[string]*agent.Record),
		runtime:  make(map[string]*agent.RuntimeState),
		logs:     make(map[string]convo.Log),
		sessions: make(map[string][]session.Session),
	}
}

func (m *mockStore) addAgent(rec *agent.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[rec.ID] = rec
	m.runtime[rec.ID] = &agent.RuntimeState{AgentID: rec.ID, LastActivityAt: time.Now()}
}

func (m *mockStore) state(id string) *agent.RuntimeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := *m.runtime[id]
	return &st
}

func (m *mockStore) CreateAgent(_ context.Context, rec *agent.Record) error {
	m.addAgent(rec)
	return nil
}

func (m *mockStore) GetAgent(_ context.Context, id string) (*agent.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *mockStore) ListAgents(_ context.Context) ([]agent.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Record
	for _, rec := range m.agents {
		out = append(out, *rec)
	}
	return out, nil
}

func (m *mockStore) ListAgentsByKind(_ context.Context, kind agent.Kind) ([]agent.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Record
	for _, rec := range m.agents {
		if rec.Kind == kind {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *mockStore) ListChildren(_ context.Context, parentID string) ([]agent.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Record
	for _, rec := range m.agents {
		if rec.ParentID == parentID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateAgentStatus(_ context.Context, id string, status agent.Status, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Status = status
	rec.Note = note
	return nil
}

func (m *mockStore) GetRuntimeState(_ context.Context, agentID string) (*agent.RuntimeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runtime[agentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rs
	return &cp, nil
}

func (m *mockStore) ListRunning(_ context.Context) ([]agent.RuntimeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.RuntimeState
	for _, rs := range m.runtime {
		if rs.Running {
			out = append(out, *rs)
		}
	}
	return out, nil
}

func (m *mockStore) ListPaused(_ context.Context) ([]agent.RuntimeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.RuntimeState
	for _, rs := range m.runtime {
		if rs.PausedAt != nil {
			out = append(out, *rs)
		}
	}
	return out, nil
}

func (m *mockStore) ClaimLock(_ context.Context, agentID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runtime[agentID]
	if !ok {
		return domain.ErrNotFound
	}
	if rs.Running {
		return domain.ErrLockHeld
	}
	now := time.Now()
	rs.Running = true
	rs.StartedAt = &now
	rs.JobID = jobID
	return nil
}

func (m *mockStore) ReleaseLock(_ context.Context, agentID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runtime[agentID]
	if !ok || !rs.Running || rs.JobID != jobID {
		return fmt.Errorf("lock not held by %s", jobID)
	}
	rs.Running = false
	rs.StartedAt = nil
	rs.JobID = ""
	return nil
}

func (m *mockStore) ForceReleaseLock(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runtime[agentID]
	if !ok {
		return domain.ErrNotFound
	}
	rs.Running = false
	rs.StartedAt = nil
	rs.JobID = ""
	return nil
}

func (m *mockStore) SetSchedule(_ context.Context, agentID string, sched *agent.Recurring) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtime[agentID].Schedule = sched
	return nil
}

func (m *mockStore) SetFollowUp(_ context.Context, agentID string, fu *agent.FollowUp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtime[agentID].FollowUp = fu
	return nil
}

func (m *mockStore) ClearFollowUp(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtime[agentID].FollowUp = nil
	return nil
}

func (m *mockStore) SetPause(_ context.Context, agentID string, resumeAt time.Time, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.runtime[agentID]
	now := time.Now()
	if rs.PausedAt == nil {
		rs.PausedAt = &now
	}
	rs.ResumeAt = &resumeAt
	rs.RetryAttempt = attempt
	return nil
}

func (m *mockStore) ClearPause(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.runtime[agentID]
	rs.PausedAt = nil
	rs.ResumeAt = nil
	rs.RetryAttempt = 0
	return nil
}

func (m *mockStore) TouchActivity(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtime[agentID].LastActivityAt = time.Now()
	return nil
}

func (m *mockStore) GetLog(_ context.Context, agentID string) (convo.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(convo.Log{}, m.logs[agentID]...), nil
}

func (m *mockStore) SaveLog(_ context.Context, agentID string, log convo.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[agentID] = append(convo.Log{}, log...)
	m.saves++
	return nil
}

func (m *mockStore) ClearLog(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[agentID] = nil
	return nil
}

func (m *mockStore) CreateSession(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.AgentID] = append(m.sessions[s.AgentID], *s)
	return nil
}

func (m *mockStore) ListSessions(_ context.Context, agentID string, limit int) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]session.Session{}, m.sessions[agentID]...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// scheduled records one ScheduleAt call for assertions.
type scheduled struct {
	At      time.Time
	AgentID string
	TC      trigger.Context
}

// mockJobs records substrate calls without executing anything.
type mockJobs struct {
	mu        sync.Mutex
	nextID    int
	enqueued  []scheduled
	scheduled []scheduled
	cancelled []string
	jobs      []jobs.Info
}

func (m *mockJobs) Enqueue(_ context.Context, agentID string, tc trigger.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.enqueued = append(m.enqueued, scheduled{AgentID: agentID, TC: tc})
	return fmt.Sprintf("job-%d", m.nextID), nil
}

func (m *mockJobs) ScheduleAt(_ context.Context, at time.Time, agentID string, tc trigger.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.scheduled = append(m.scheduled, scheduled{At: at, AgentID: agentID, TC: tc})
	return fmt.Sprintf("job-%d", m.nextID), nil
}

func (m *mockJobs) Cancel(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, jobID)
	return nil
}

func (m *mockJobs) List(_ context.Context) ([]jobs.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]jobs.Info{}, m.jobs...), nil
}

func (m *mockJobs) Subscribe(context.Context, jobs.Handler) (func(), error) {
	return func() {}, nil
}

// mockModel returns scripted responses in order, repeating the last one
// when the script runs out. A non-nil err short-circuits every call.
type mockModel struct {
	mu     sync.Mutex
	resps  []*model.Response
	respFn func(call int) *model.Response // takes precedence over resps
	err    error
	calls  int
}

func (m *mockModel) Call(_ context.Context, _ model.Request, onEvent func(model.Event)) (*model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var resp *model.Response
	if m.respFn != nil {
		resp = m.respFn(m.calls)
	} else {
		idx := m.calls - 1
		if idx >= len(m.resps) {
			idx = len(m.resps) - 1
		}
		resp = m.resps[idx]
	}
	if onEvent != nil && resp.Text != "" {
		onEvent(model.Event{TextDelta: resp.Text})
	}
	return resp, nil
}

// mockTool succeeds with a fixed payload unless fail is set.
type mockTool struct {
	name   string
	fail   bool
	speaks bool
	mu     sync.Mutex
	execs  int
}

func (t *mockTool) Name() string { return t.name }

func (t *mockTool) Schema() tool.Schema {
	return tool.Schema{Name: t.name, Description: "test tool", Parameters: []byte(`{"type":"object"}`)}
}

func (t *mockTool) Execute(context.Context, json.RawMessage, tool.ExecutionContext) (tool.Result, error) {
	t.mu.Lock()
	t.execs++
	t.mu.Unlock()
	if t.fail {
		return tool.Result{}, fmt.Errorf("%s blew up", t.name)
	}
	return tool.Result{Content: t.name + " ok"}, nil
}

func (t *mockTool) Conversational() bool { return t.speaks }

// mockBroadcaster records events for assertions.
type mockBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (m *mockBroadcaster) BroadcastEvent(_ context.Context, eventType string, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
}

func (m *mockBroadcaster) count(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e == eventType {
			n++
		}
	}
	return n
}
