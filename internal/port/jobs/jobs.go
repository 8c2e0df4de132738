// Package jobs defines the job substrate port: the asynchronous execution
// layer that delivers dispatch invocations to workers, immediately or at a
// scheduled future time.
package jobs

import (
	"context"
	"time"

	"github.com/wardenhq/warden/internal/domain/trigger"
)

// State of a job known to the substrate.
type State string

const (
	StateQueued    State = "queued"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
)

// Info describes one job for introspection. The health sweep relies on
// List to reconcile locks against the substrate's view of the world.
type Info struct {
	ID      string    `json:"id"`
	AgentID string    `json:"agent_id"`
	State   State     `json:"state"`
	Due     time.Time `json:"due,omitempty"` // scheduled jobs only
}

// Handler processes one delivered dispatch. jobID is the substrate's ID
// for the delivery, the same ID Enqueue or ScheduleAt returned and the
// one List reports; workers claim the execution lock under it so held
// locks stay reconcilable against List. Returning an error requeues the
// delivery per the substrate's redelivery policy.
type Handler func(ctx context.Context, jobID, agentID string, tc trigger.Context) error

// Substrate is the port interface for enqueueing, scheduling, cancelling,
// and introspecting dispatch jobs.
type Substrate interface {
	// Enqueue submits a dispatch for immediate delivery.
	Enqueue(ctx context.Context, agentID string, tc trigger.Context) (jobID string, err error)

	// ScheduleAt submits a dispatch to be delivered at the given time.
	ScheduleAt(ctx context.Context, at time.Time, agentID string, tc trigger.Context) (jobID string, err error)

	// Cancel removes a queued or scheduled job. Cancelling a job that is
	// already running (or gone) is a no-op, not an error.
	Cancel(ctx context.Context, jobID string) error

	// List returns every job currently known to the substrate.
	List(ctx context.Context) ([]Info, error)

	// Subscribe registers a worker handler for delivered dispatches.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, h Handler) (cancel func(), err error)
}
