// Package agent defines the execution-bearing entities the engine drives:
// goal-bound, task-bound, and user-bound agents sharing one contract.
package agent

import (
	"fmt"
	"time"

	"github.com/wardenhq/warden/internal/domain/trigger"
)

// Kind discriminates the three agent variants.
type Kind string

const (
	KindGoal Kind = "goal"
	KindTask Kind = "task"
	KindUser Kind = "user"
)

// Status represents an agent's lifecycle state. The valid set depends on
// the variant; Terminal reports whether no further dispatches may occur.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusArchived  Status = "archived"  // goal terminal
	StatusCompleted Status = "completed" // task terminal
	StatusCancelled Status = "cancelled" // task terminal
	StatusFailed    Status = "failed"    // goal/task terminal
	StatusSuspended Status = "suspended" // user terminal
)

// Terminal reports whether the status permits no further execution.
func (s Status) Terminal() bool {
	switch s {
	case StatusArchived, StatusCompleted, StatusCancelled, StatusFailed, StatusSuspended:
		return true
	}
	return false
}

// Record is the persisted shape shared by all variants.
type Record struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	OwnerID   string    `json:"owner_id"`
	ParentID  string    `json:"parent_id,omitempty"` // spawning agent, task variant only
	Status    Status    `json:"status"`
	Name      string    `json:"name"`
	Brief     string    `json:"brief,omitempty"` // goal statement / task instruction
	Timezone  string    `json:"timezone,omitempty"`
	Note      string    `json:"note,omitempty"` // explanatory note set on forced transitions
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location resolves the owner's timezone, falling back to UTC.
func (r *Record) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Agent is the shared execution contract. The dispatcher and loop never
// branch on the concrete variant; everything variant-specific hangs off
// these methods.
type Agent interface {
	Record() *Record

	// IsConversational reports whether the agent stops once it has
	// delivered a message to its owner.
	IsConversational() bool

	// MaxLogTurns is an additional cap on live log length, 0 for none.
	// Short-lived variants keep it small.
	MaxLogTurns() int

	// StaleAfter is the idle window before the health sweep force-rests
	// the agent. Windows shrink outside production.
	StaleAfter(env string) time.Duration

	// RestingStatus is the safe state the sweep parks a stale agent in.
	RestingStatus() Status

	// FailureStatus is the variant's terminal state for exhausted retries
	// and fatal errors.
	FailureStatus() Status

	// SystemPrompt renders the variant's prompt for the given trigger.
	SystemPrompt(tc trigger.Context) string
}

// New wraps a record in its variant behavior.
func New(rec *Record) (Agent, error) {
	switch rec.Kind {
	case KindGoal:
		return &GoalAgent{rec: rec}, nil
	case KindTask:
		return &TaskAgent{rec: rec}, nil
	case KindUser:
		return &UserAgent{rec: rec}, nil
	}
	return nil, fmt.Errorf("unknown agent kind %q", rec.Kind)
}

// GoalAgent accompanies a long-lived user goal and converses with its owner.
type GoalAgent struct {
	rec *Record
}

func (a *GoalAgent) Record() *Record        { return a.rec }
func (a *GoalAgent) IsConversational() bool { return true }
func (a *GoalAgent) MaxLogTurns() int       { return 0 }
func (a *GoalAgent) RestingStatus() Status  { return StatusPaused }
func (a *GoalAgent) FailureStatus() Status  { return StatusFailed }

func (a *GoalAgent) StaleAfter(env string) time.Duration {
	if env == "production" {
		return 4 * time.Hour
	}
	return 3 * time.Hour
}

func (a *GoalAgent) SystemPrompt(tc trigger.Context) string {
	base := fmt.Sprintf("You are the dedicated companion for the goal %q. Goal statement: %s. "+
		"Help the owner make steady progress. Use tools when they move the goal forward, "+
		"and use send_message to talk to the owner.", a.rec.Name, a.rec.Brief)
	return base + triggerPreamble(tc)
}

// TaskAgent is a short-lived worker spawned for a single task. It does not
// converse; it works until done and reports through its result state.
type TaskAgent struct {
	rec *Record
}

func (a *TaskAgent) Record() *Record        { return a.rec }
func (a *TaskAgent) IsConversational() bool { return false }
func (a *TaskAgent) MaxLogTurns() int       { return 20 }
func (a *TaskAgent) RestingStatus() Status  { return StatusCancelled }
func (a *TaskAgent) FailureStatus() Status  { return StatusFailed }

func (a *TaskAgent) StaleAfter(string) time.Duration { return 90 * time.Minute }

func (a *TaskAgent) SystemPrompt(tc trigger.Context) string {
	base := fmt.Sprintf("You are a task worker. Task: %s. Complete it with the available tools, "+
		"then stop. Do not ask the owner questions; make reasonable assumptions.", a.rec.Brief)
	return base + triggerPreamble(tc)
}

// UserAgent is the owner's general-purpose assistant, not bound to a goal.
type UserAgent struct {
	rec *Record
}

func (a *UserAgent) Record() *Record        { return a.rec }
func (a *UserAgent) IsConversational() bool { return true }
func (a *UserAgent) MaxLogTurns() int       { return 0 }
func (a *UserAgent) RestingStatus() Status  { return StatusActive }
func (a *UserAgent) FailureStatus() Status  { return StatusSuspended }

func (a *UserAgent) StaleAfter(env string) time.Duration {
	if env == "production" {
		return 6 * time.Hour
	}
	return 3 * time.Hour
}

func (a *UserAgent) SystemPrompt(tc trigger.Context) string {
	base := "You are the owner's personal assistant. Answer directly, use tools when needed, " +
		"and use send_message to reach the owner."
	return base + triggerPreamble(tc)
}

func triggerPreamble(tc trigger.Context) string {
	switch tc.Type {
	case trigger.TypeCheckIn:
		return " This is a scheduled check-in you initiated; open with a brief, useful update."
	case trigger.TypeFollowUp:
		if tc.Intent != "" {
			return fmt.Sprintf(" This is the follow-up you scheduled earlier with intent: %s.", tc.Intent)
		}
		return " This is a follow-up you scheduled earlier."
	case trigger.TypeSystem:
		return " This is an internal run; produce the requested output without messaging the owner unless something is important."
	}
	return ""
}
