// Package trigger defines the trigger context carried by every dispatch.
package trigger

// Type identifies what caused a dispatch.
type Type string

const (
	// TypeUserMessage is a direct message from the agent's owner.
	TypeUserMessage Type = "user_message"
	// TypeCheckIn is a recurring scheduled check-in.
	TypeCheckIn Type = "scheduled_check_in"
	// TypeFollowUp is a one-off follow-up the agent scheduled for itself.
	TypeFollowUp Type = "follow_up"
	// TypeSystem is an internally generated run (feed or insight generation).
	TypeSystem Type = "system"
)

// Context travels with a dispatch through the job substrate. It determines
// the turn input the dispatcher builds and which archival rules apply.
type Context struct {
	Type    Type   `json:"type"`
	Message string `json:"message,omitempty"` // user message text (user_message only)
	Intent  string `json:"intent,omitempty"`  // follow-up intent string
	Attempt int    `json:"attempt,omitempty"` // delayed-retry attempt counter, 0 on first dispatch
}

// Proactive reports whether the dispatch was not initiated by direct user
// input. Proactive sessions are archived immediately after a successful run.
func (c Context) Proactive() bool {
	return c.Type != TypeUserMessage
}

// Valid reports whether the trigger type is one of the known values.
func (c Context) Valid() bool {
	switch c.Type {
	case TypeUserMessage, TypeCheckIn, TypeFollowUp, TypeSystem:
		return true
	}
	return false
}
