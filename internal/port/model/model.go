// Package model defines the language model call contract consumed by the
// reasoning-acting loop.
package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wardenhq/warden/internal/domain/convo"
	"github.com/wardenhq/warden/internal/port/tool"
)

// Request is one model call: the full conversation log, the tool schemas
// the model may invoke, and the system prompt variant for this turn.
type Request struct {
	Model     string
	System    string
	MaxTokens int
	Log       convo.Log
	Tools     []tool.Schema
}

// ToolUse is a tool invocation the model emitted.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Event is one streamed increment of a model response. Exactly one field
// is set per event.
type Event struct {
	TextDelta string
	ToolUse   *ToolUse
	Usage     *Usage
}

// Response is the assembled outcome of one model call.
type Response struct {
	Text     string
	ToolUses []ToolUse
	Usage    Usage
}

// Client is the port interface to the model provider. Implementations
// stream events to onEvent as they arrive and return the assembled
// response; onEvent may be nil.
type Client interface {
	Call(ctx context.Context, req Request, onEvent func(Event)) (*Response, error)
}

// RateLimitError indicates the provider rejected the call for throughput
// reasons; retryable after a short delay.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("model rate limited (retry after %ds)", e.RetryAfterSeconds)
}

// TransportError indicates a network-level or provider-availability
// failure; retryable with backoff.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string { return fmt.Sprintf("model transport: %v", e.Cause) }
func (e *TransportError) Unwrap() error { return e.Cause }

// RequestError indicates the request itself was rejected (malformed log,
// unknown model, oversized context). Not retryable.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("model rejected request (%d): %s", e.StatusCode, e.Message)
}
