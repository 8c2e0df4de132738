package engine

// Event type constants published through the broadcast port. Observers
// (the mobile client's live view, dashboards) key on these.
const (
	EventDispatchStarted  = "dispatch.started"
	EventDispatchFinished = "dispatch.finished"
	EventLoopText         = "loop.text"
	EventToolStarted      = "loop.tool_started"
	EventToolCompleted    = "loop.tool_completed"
	EventMessageSent      = "loop.message_sent"
	EventSweepReport      = "sweep.report"
)

// DispatchEvent is broadcast when a dispatch starts or finishes.
type DispatchEvent struct {
	AgentID    string `json:"agent_id"`
	DispatchID string `json:"dispatch_id"`
	Trigger    string `json:"trigger"`
	Status     string `json:"status,omitempty"` // finished only
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TextEvent carries one streamed text delta from the model.
type TextEvent struct {
	AgentID    string `json:"agent_id"`
	DispatchID string `json:"dispatch_id"`
	Delta      string `json:"delta"`
}

// ToolEvent is broadcast around each tool execution.
type ToolEvent struct {
	AgentID    string `json:"agent_id"`
	DispatchID string `json:"dispatch_id"`
	CallID     string `json:"call_id"`
	Tool       string `json:"tool"`
	IsError    bool   `json:"is_error,omitempty"` // completed only
}

// MessageEvent is broadcast when a conversational agent speaks to its owner.
type MessageEvent struct {
	AgentID    string `json:"agent_id"`
	DispatchID string `json:"dispatch_id"`
	Text       string `json:"text"`
}

// SweepReportEvent summarizes one health sweep pass.
type SweepReportEvent struct {
	LocksReleased      int `json:"locks_released"`
	JobsCancelled      int `json:"jobs_cancelled"`
	AgentsRested       int `json:"agents_rested"`
	ChildrenCancelled  int `json:"children_cancelled"`
	RunawayLogsStopped int `json:"runaway_logs_stopped"`
	PausedRetried      int `json:"paused_retried"`
	PausedExpired      int `json:"paused_expired"`
	CheckinsScheduled  int `json:"checkins_scheduled"`
}
