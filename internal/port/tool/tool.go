// Package tool defines the tool execution port: a named capability with a
// parameter schema, executed by the loop on the model's request.
package tool

import (
	"context"
	"encoding/json"
)

// Schema describes a tool to the model.
type Schema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema object
}

// Result is a tool execution outcome. Failed executions return a Result
// with IsError set rather than an error: the model is told about the
// failure and decides what to do next.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ExecutionContext carries the identity of the run invoking the tool.
// Side effects should be idempotent on retry: execution is at-least-once.
type ExecutionContext struct {
	AgentID    string
	OwnerID    string
	DispatchID string
}

// Tool is the port interface every capability implements.
type Tool interface {
	Name() string
	Schema() Schema
	Execute(ctx context.Context, args json.RawMessage, ec ExecutionContext) (Result, error)
}

// Conversational marks tools whose invocation delivers a message to the
// agent's owner. Conversational agents stop the loop after calling one.
type Conversational interface {
	Conversational() bool
}
