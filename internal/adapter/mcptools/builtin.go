package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/domain"
	"github.com/wardenhq/warden/internal/domain/agent"
	"github.com/wardenhq/warden/internal/port/store"
	"github.com/wardenhq/warden/internal/port/tool"
)

// FollowUpScheduler plans future proactive dispatches for an agent.
// Implemented by the engine's check-in scheduler.
type FollowUpScheduler interface {
	ScheduleFollowUp(ctx context.Context, rec *agent.Record, delay, intent string) (time.Time, error)
	SetRecurring(ctx context.Context, rec *agent.Record, sched agent.Recurring) error
}

// SendMessage is the built-in tool that delivers a message to the agent
// owner. The loop marks the iteration as conversational when it runs and
// publishes the text through the broadcast port.
type SendMessage struct{}

func (SendMessage) Name() string { return "send_message" }

func (SendMessage) Conversational() bool { return true }

func (SendMessage) Schema() tool.Schema {
	return tool.Schema{
		Name:        "send_message",
		Description: "Send a message to the user you are working for. This is the only way to communicate with them.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string", "description": "The message to deliver"}
			},
			"required": ["text"]
		}`),
	}
}

func (SendMessage) Execute(_ context.Context, args json.RawMessage, _ tool.ExecutionContext) (tool.Result, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tool.Result{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}
	if strings.TrimSpace(in.Text) == "" {
		return tool.Result{Content: "text must not be empty", IsError: true}, nil
	}
	return tool.Result{Content: in.Text}, nil
}

// ScheduleFollowUp is the built-in tool that lets an agent plan its own
// next wake-up ("check back in 2 hours").
type ScheduleFollowUp struct {
	Store store.Store
	Sched FollowUpScheduler
}

func (ScheduleFollowUp) Name() string { return "schedule_follow_up" }

func (ScheduleFollowUp) Schema() tool.Schema {
	return tool.Schema{
		Name:        "schedule_follow_up",
		Description: "Schedule a one-off follow-up for yourself. Delay may be relative (\"2h\", \"in 3 days\"), \"tomorrow\", or an RFC3339 timestamp. Must be between 1 hour and 30 days from now.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"delay": {"type": "string", "description": "When to wake up, relative or absolute"},
				"intent": {"type": "string", "description": "What to do when the follow-up fires"}
			},
			"required": ["delay", "intent"]
		}`),
	}
}

func (t ScheduleFollowUp) Execute(ctx context.Context, args json.RawMessage, ec tool.ExecutionContext) (tool.Result, error) {
	var in struct {
		Delay  string `json:"delay"`
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tool.Result{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}

	rec, err := t.Store.GetAgent(ctx, ec.AgentID)
	if err != nil {
		return tool.Result{}, fmt.Errorf("load agent: %w", err)
	}

	at, err := t.Sched.ScheduleFollowUp(ctx, rec, in.Delay, in.Intent)
	if err != nil {
		// Bounds and parse rejections go back to the model, which can
		// pick a different delay or drop the idea.
		return tool.Result{Content: err.Error(), IsError: true}, nil
	}
	return tool.Result{Content: fmt.Sprintf("follow-up scheduled for %s", at.Format(time.RFC3339))}, nil
}

// SetCheckInSchedule is the built-in tool that lets an agent establish or
// replace its recurring check-in schedule.
type SetCheckInSchedule struct {
	Store store.Store
	Sched FollowUpScheduler
}

func (SetCheckInSchedule) Name() string { return "set_check_in_schedule" }

func (SetCheckInSchedule) Schema() tool.Schema {
	return tool.Schema{
		Name:        "set_check_in_schedule",
		Description: "Set your recurring check-in schedule. Replaces any existing schedule.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"frequency": {"type": "string", "enum": ["daily", "weekly"]},
				"time_of_day": {"type": "string", "description": "24h clock time in the owner's timezone, e.g. \"09:00\""},
				"weekday": {"type": "integer", "minimum": 0, "maximum": 6, "description": "0=Sunday; required for weekly"}
			},
			"required": ["frequency", "time_of_day"]
		}`),
	}
}

func (t SetCheckInSchedule) Execute(ctx context.Context, args json.RawMessage, ec tool.ExecutionContext) (tool.Result, error) {
	var in struct {
		Frequency string `json:"frequency"`
		TimeOfDay string `json:"time_of_day"`
		Weekday   int    `json:"weekday"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tool.Result{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}

	sched := agent.Recurring{
		Frequency: agent.Frequency(in.Frequency),
		TimeOfDay: in.TimeOfDay,
		Weekday:   time.Weekday(in.Weekday),
	}
	switch sched.Frequency {
	case agent.FrequencyDaily, agent.FrequencyWeekly:
	default:
		return tool.Result{Content: fmt.Sprintf("unknown frequency %q", in.Frequency), IsError: true}, nil
	}

	rec, err := t.Store.GetAgent(ctx, ec.AgentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return tool.Result{Content: "agent no longer exists", IsError: true}, nil
		}
		return tool.Result{}, fmt.Errorf("load agent: %w", err)
	}

	if err := t.Sched.SetRecurring(ctx, rec, sched); err != nil {
		return tool.Result{Content: err.Error(), IsError: true}, nil
	}
	return tool.Result{Content: fmt.Sprintf("check-in schedule set: %s at %s", in.Frequency, in.TimeOfDay)}, nil
}
