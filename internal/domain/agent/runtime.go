package agent

import "time"

// RuntimeState is the per-agent execution bookkeeping record. The Running
// flag is the execution lock: claimed and released only through the store's
// conditional writes, never by in-process mutation.
type RuntimeState struct {
	AgentID        string     `json:"agent_id"`
	Running        bool       `json:"running"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	JobID          string     `json:"job_id,omitempty"` // owning job of the in-flight execution
	Schedule       *Recurring `json:"schedule,omitempty"`
	FollowUp       *FollowUp  `json:"follow_up,omitempty"`
	PausedAt       *time.Time `json:"paused_at,omitempty"`
	ResumeAt       *time.Time `json:"resume_at,omitempty"`
	RetryAttempt   int        `json:"retry_attempt,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

// Frequency of a recurring check-in schedule.
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// Recurring is a standing check-in schedule in the owner's timezone.
type Recurring struct {
	Frequency Frequency    `json:"frequency"`
	TimeOfDay string       `json:"time_of_day"`       // "15:04" wall clock
	Weekday   time.Weekday `json:"weekday,omitempty"` // weekly only
	JobID     string       `json:"job_id,omitempty"`  // next scheduled occurrence
}

// FollowUp is a one-off future wake-up the agent requested for itself.
type FollowUp struct {
	At     time.Time `json:"at"`
	Intent string    `json:"intent"`
	JobID  string    `json:"job_id"`
}
