// Package litellm implements the model port against a LiteLLM proxy's
// OpenAI-compatible chat completions endpoint, streaming over SSE.
package litellm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/domain/convo"
	"github.com/wardenhq/warden/internal/port/model"
	"github.com/wardenhq/warden/internal/resilience"
)

// Client talks to the LiteLLM proxy. All calls stream.
type Client struct {
	cfg        config.Model
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a model client from the given config.
func NewClient(cfg config.Model) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Call implements model.Client. Events are delivered to onEvent as SSE
// chunks arrive; the assembled response is returned once the stream ends.
func (c *Client) Call(ctx context.Context, req model.Request, onEvent func(model.Event)) (*model.Response, error) {
	var resp *model.Response
	call := func() error {
		var err error
		resp, err = c.stream(ctx, req, onEvent)
		return err
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				return nil, &model.TransportError{Cause: err}
			}
			return nil, err
		}
		return resp, nil
	}
	if err := call(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) stream(ctx context.Context, req model.Request, onEvent func(model.Event)) (*model.Response, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &model.TransportError{Cause: err}
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return nil, c.statusError(httpResp)
	}

	return readStream(httpResp.Body, onEvent)
}

func (c *Client) statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 0
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			retryAfter, _ = strconv.Atoi(ra)
		}
		return &model.RateLimitError{RetryAfterSeconds: retryAfter}
	case resp.StatusCode >= 500:
		return &model.TransportError{Cause: fmt.Errorf("provider returned %d: %s", resp.StatusCode, msg)}
	default:
		return &model.RequestError{StatusCode: resp.StatusCode, Message: msg}
	}
}

// --- request wire types (OpenAI chat completions) ---

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type wireRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	Tools         []wireTool    `json:"tools,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Stream        bool          `json:"stream"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

func (c *Client) buildRequest(req model.Request) wireRequest {
	wr := wireRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	wr.StreamOptions.IncludeUsage = true
	if wr.Model == "" {
		wr.Model = c.cfg.Default
	}
	if wr.MaxTokens == 0 {
		wr.MaxTokens = c.cfg.MaxTokens
	}

	if req.System != "" {
		wr.Messages = append(wr.Messages, wireMessage{Role: "system", Content: req.System})
	}
	for _, turn := range req.Log {
		wr.Messages = append(wr.Messages, turnMessages(turn)...)
	}
	for _, schema := range req.Tools {
		wt := wireTool{Type: "function"}
		wt.Function.Name = schema.Name
		wt.Function.Description = schema.Description
		wt.Function.Parameters = schema.Parameters
		wr.Tools = append(wr.Tools, wt)
	}
	return wr
}

// turnMessages flattens one log turn into chat messages. Tool results
// become role "tool" messages; everything else keeps the turn's role.
func turnMessages(turn convo.Turn) []wireMessage {
	var msgs []wireMessage

	switch turn.Role {
	case convo.RoleAssistant:
		msg := wireMessage{Role: "assistant", Content: turn.Text()}
		for _, use := range turn.ToolUses() {
			wc := wireToolCall{ID: use.ID, Type: "function"}
			wc.Function.Name = use.Name
			wc.Function.Arguments = string(use.Input)
			msg.ToolCalls = append(msg.ToolCalls, wc)
		}
		msgs = append(msgs, msg)
	default:
		for _, result := range turn.ToolResults() {
			msgs = append(msgs, wireMessage{
				Role:       "tool",
				ToolCallID: result.ToolUseID,
				Content:    result.Content,
			})
		}
		if text := turn.Text(); text != "" {
			msgs = append(msgs, wireMessage{Role: "user", Content: text})
		}
	}
	return msgs
}

// --- response stream ---

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// pendingCall accumulates a streamed tool call's argument fragments.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func readStream(r io.Reader, onEvent func(model.Event)) (*model.Response, error) {
	resp := &model.Response{}
	var text strings.Builder
	calls := make(map[int]*pendingCall)
	var order []int

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil, &model.TransportError{Cause: fmt.Errorf("malformed stream chunk: %w", err)}
		}

		if chunk.Usage != nil {
			resp.Usage.InputTokens += chunk.Usage.PromptTokens
			resp.Usage.OutputTokens += chunk.Usage.CompletionTokens
			if onEvent != nil {
				onEvent(model.Event{Usage: &model.Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
				}})
			}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				if onEvent != nil {
					onEvent(model.Event{TextDelta: choice.Delta.Content})
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				pc := calls[tc.Index]
				if pc == nil {
					pc = &pendingCall{}
					calls[tc.Index] = pc
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &model.TransportError{Cause: fmt.Errorf("read stream: %w", err)}
	}

	resp.Text = text.String()
	for _, idx := range order {
		pc := calls[idx]
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		use := model.ToolUse{ID: pc.id, Name: pc.name, Input: json.RawMessage(args)}
		resp.ToolUses = append(resp.ToolUses, use)
		if onEvent != nil {
			u := use
			onEvent(model.Event{ToolUse: &u})
		}
	}
	return resp, nil
}
