package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/domain/agent"
	"github.com/wardenhq/warden/internal/domain/trigger"
	"github.com/wardenhq/warden/internal/port/cache"
	"github.com/wardenhq/warden/internal/port/jobs"
	"github.com/wardenhq/warden/internal/port/store"
	"github.com/wardenhq/warden/internal/resilience"
)

// ConnectionCounter reports how many WebSocket observers are connected.
// Implemented by the ws hub.
type ConnectionCounter interface {
	ConnectionCount() int
}

// Handlers holds the dependencies for all HTTP handlers.
type Handlers struct {
	Store    store.Store
	Jobs     jobs.Substrate
	Breaker  *resilience.Breaker
	WS       ConnectionCounter
	Cache    cache.Cache
	CacheTTL time.Duration
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	type healthStatus struct {
		Status        string `json:"status"`
		Model         string `json:"model"` // breaker state toward the model proxy
		WSConnections int    `json:"ws_connections"`
	}

	status := healthStatus{Status: "ok"}
	if h.Breaker != nil {
		status.Model = breakerStateName(h.Breaker.CurrentState())
	}
	if h.WS != nil {
		status.WSConnections = h.WS.ConnectionCount()
	}
	writeJSON(w, http.StatusOK, status)
}

func breakerStateName(s resilience.State) string {
	switch s {
	case resilience.StateClosed:
		return "ok"
	case resilience.StateHalfOpen:
		return "recovering"
	default:
		return "unavailable"
	}
}

// CreateAgent handles POST /api/v1/agents.
func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[struct {
		Kind     string `json:"kind"`
		OwnerID  string `json:"owner_id"`
		ParentID string `json:"parent_id"`
		Name     string `json:"name"`
		Brief    string `json:"brief"`
		Timezone string `json:"timezone"`
	}](w, r)
	if !ok {
		return
	}

	switch agent.Kind(req.Kind) {
	case agent.KindGoal, agent.KindTask, agent.KindUser:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown agent kind %q", req.Kind))
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown timezone %q", req.Timezone))
			return
		}
	}

	rec := &agent.Record{
		ID:       uuid.NewString(),
		Kind:     agent.Kind(req.Kind),
		OwnerID:  req.OwnerID,
		ParentID: req.ParentID,
		Status:   agent.StatusActive,
		Name:     req.Name,
		Brief:    req.Brief,
		Timezone: req.Timezone,
	}
	if err := h.Store.CreateAgent(r.Context(), rec); err != nil {
		writeDomainError(w, err, "agent not created")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ListAgents handles GET /api/v1/agents.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	var (
		recs []agent.Record
		err  error
	)
	if kind := r.URL.Query().Get("kind"); kind != "" {
		recs, err = h.Store.ListAgentsByKind(r.Context(), agent.Kind(kind))
	} else {
		recs, err = h.Store.ListAgents(r.Context())
	}
	if err != nil {
		writeDomainError(w, err, "agents not listed")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetAgent handles GET /api/v1/agents/{id}: the record plus its runtime state.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.Store.GetAgent(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	rs, err := h.Store.GetRuntimeState(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "runtime state not found")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*agent.Record
		Runtime *agent.RuntimeState `json:"runtime"`
	}{rec, rs})
}

// PostMessage handles POST /api/v1/agents/{id}/messages. The message is
// not stored here; it becomes a user-message dispatch and enters the log
// when the dispatcher builds the turn.
func (h *Handlers) PostMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := readJSON[struct {
		Text string `json:"text"`
	}](w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	rec, err := h.Store.GetAgent(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	if rec.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("agent is %s and accepts no messages", rec.Status))
		return
	}

	jobID, err := h.Jobs.Enqueue(r.Context(), id, trigger.Context{
		Type:    trigger.TypeUserMessage,
		Message: req.Text,
	})
	if err != nil {
		writeDomainError(w, err, "message not enqueued")
		return
	}
	writeJSON(w, http.StatusAccepted, struct {
		JobID string `json:"job_id"`
	}{jobID})
}

// ListSessions handles GET /api/v1/agents/{id}/sessions. Results are
// served from the cache when fresh; a limit query parameter caps the count.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	key := sessionCacheKey(id, limit)
	if data, ok := h.cacheGet(r.Context(), key); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	sessions, err := h.Store.ListSessions(r.Context(), id, limit)
	if err != nil {
		writeDomainError(w, err, "sessions not listed")
		return
	}
	if data, err := json.Marshal(sessions); err == nil {
		h.cacheSet(r.Context(), key, data)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetLog handles GET /api/v1/agents/{id}/log: the live conversation log.
func (h *Handlers) GetLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetAgent(r.Context(), id); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	cl, err := h.Store.GetLog(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "log not loaded")
		return
	}
	writeJSON(w, http.StatusOK, cl)
}

func sessionCacheKey(agentID string, limit int) string {
	return fmt.Sprintf("sessions:%s:%d", agentID, limit)
}

func (h *Handlers) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if h.Cache == nil {
		return nil, false
	}
	data, ok, err := h.Cache.Get(ctx, key)
	return data, ok && err == nil
}

func (h *Handlers) cacheSet(ctx context.Context, key string, data []byte) {
	if h.Cache == nil {
		return
	}
	_ = h.Cache.Set(ctx, key, data, h.CacheTTL)
}
