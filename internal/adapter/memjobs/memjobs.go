// Package memjobs implements the job substrate port in process, for
// development and tests that do not want a NATS dependency. Delivery
// semantics mirror the NATS adapter: at-least-once, no ordering between
// agents, cancellation only before a job starts.
package memjobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/domain/trigger"
	"github.com/wardenhq/warden/internal/port/jobs"
)

type job struct {
	info  jobs.Info
	tc    trigger.Context
	timer *time.Timer
}

// Substrate runs jobs on goroutines. Scheduled jobs wait on timers.
type Substrate struct {
	logger *slog.Logger

	mu      sync.Mutex
	handler jobs.Handler
	pending []*job // queued before any subscriber existed
	known   map[string]*job
	closed  bool
}

// New creates an empty in-process substrate.
func New(logger *slog.Logger) *Substrate {
	return &Substrate{logger: logger, known: make(map[string]*job)}
}

func (s *Substrate) Enqueue(_ context.Context, agentID string, tc trigger.Context) (string, error) {
	j := &job{info: jobs.Info{ID: uuid.NewString(), AgentID: agentID, State: jobs.StateQueued}, tc: tc}

	s.mu.Lock()
	s.known[j.info.ID] = j
	h := s.handler
	if h == nil {
		s.pending = append(s.pending, j)
		s.mu.Unlock()
		return j.info.ID, nil
	}
	s.mu.Unlock()

	go s.deliver(j)
	return j.info.ID, nil
}

func (s *Substrate) ScheduleAt(_ context.Context, at time.Time, agentID string, tc trigger.Context) (string, error) {
	j := &job{info: jobs.Info{ID: uuid.NewString(), AgentID: agentID, State: jobs.StateScheduled, Due: at}, tc: tc}

	s.mu.Lock()
	s.known[j.info.ID] = j
	j.timer = time.AfterFunc(time.Until(at), func() {
		s.mu.Lock()
		if s.closed || s.known[j.info.ID] == nil {
			s.mu.Unlock()
			return
		}
		j.info.State = jobs.StateQueued
		h := s.handler
		if h == nil {
			s.pending = append(s.pending, j)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.deliver(j)
	})
	s.mu.Unlock()
	return j.info.ID, nil
}

func (s *Substrate) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.known[jobID]
	if !ok || j.info.State == jobs.StateRunning {
		return nil
	}
	if j.timer != nil {
		j.timer.Stop()
	}
	delete(s.known, jobID)
	for i, p := range s.pending {
		if p.info.ID == jobID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Substrate) List(context.Context) ([]jobs.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]jobs.Info, 0, len(s.known))
	for _, j := range s.known {
		infos = append(infos, j.info)
	}
	return infos, nil
}

func (s *Substrate) Subscribe(_ context.Context, h jobs.Handler) (func(), error) {
	s.mu.Lock()
	s.handler = h
	backlog := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, j := range backlog {
		go s.deliver(j)
	}
	return func() {
		s.mu.Lock()
		s.handler = nil
		s.closed = true
		s.mu.Unlock()
	}, nil
}

func (s *Substrate) deliver(j *job) {
	s.mu.Lock()
	if s.closed || s.known[j.info.ID] == nil {
		s.mu.Unlock()
		return
	}
	j.info.State = jobs.StateRunning
	h := s.handler
	s.mu.Unlock()

	err := h(context.Background(), j.info.ID, j.info.AgentID, j.tc)

	s.mu.Lock()
	delete(s.known, j.info.ID)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job handler failed",
			slog.String("job_id", j.info.ID),
			slog.String("agent_id", j.info.AgentID),
			slog.Any("error", err))
	}
}
