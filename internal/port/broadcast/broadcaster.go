// Package broadcast defines the port for publishing live engine events to
// connected observers. Publishing is fire-and-forget: failures must never
// fail the loop or the dispatcher.
package broadcast

import "context"

// Broadcaster sends a typed event to all connected observers.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
