package litellm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/domain/convo"
	"github.com/wardenhq/warden/internal/port/model"
	"github.com/wardenhq/warden/internal/port/tool"
	"github.com/wardenhq/warden/internal/resilience"
)

func testClient(url string) *Client {
	return NewClient(config.Model{
		URL:       url,
		Default:   "test-model",
		Timeout:   5 * time.Second,
		MaxTokens: 1024,
	})
}

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			if _, err := w.Write([]byte("data: " + line + "\n\n")); err != nil {
				t.Errorf("write chunk: %v", err)
			}
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
}

func TestCall_TextStream(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":4}}`,
	)
	defer srv.Close()

	var deltas []string
	resp, err := testClient(srv.URL).Call(context.Background(), model.Request{
		Model: "test-model",
		Log:   convo.Log{convo.TextTurn(convo.RoleUser, "hi", time.Now())},
	}, func(ev model.Event) {
		if ev.TextDelta != "" {
			deltas = append(deltas, ev.TextDelta)
		}
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Text != "Hello" {
		t.Errorf("text = %q, want Hello", resp.Text)
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Errorf("streamed deltas = %v", deltas)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestCall_ToolCallAssembly(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	)
	defer srv.Close()

	resp, err := testClient(srv.URL).Call(context.Background(), model.Request{
		Log: convo.Log{convo.TextTurn(convo.RoleUser, "find x", time.Now())},
		Tools: []tool.Schema{
			{Name: "lookup", Description: "look things up", Parameters: []byte(`{"type":"object"}`)},
		},
	}, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(resp.ToolUses) != 1 {
		t.Fatalf("tool uses = %d, want 1", len(resp.ToolUses))
	}
	use := resp.ToolUses[0]
	if use.ID != "call_1" || use.Name != "lookup" {
		t.Errorf("use = %+v", use)
	}
	if string(use.Input) != `{"q":"x"}` {
		t.Errorf("arguments reassembled as %s", use.Input)
	}
}

func TestCall_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		check  func(t *testing.T, err error)
	}{
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			header: http.Header{"Retry-After": []string{"30"}},
			check: func(t *testing.T, err error) {
				var rl *model.RateLimitError
				if !errors.As(err, &rl) {
					t.Fatalf("err = %v, want RateLimitError", err)
				}
				if rl.RetryAfterSeconds != 30 {
					t.Errorf("retry after = %d, want 30", rl.RetryAfterSeconds)
				}
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				var te *model.TransportError
				if !errors.As(err, &te) {
					t.Fatalf("err = %v, want TransportError", err)
				}
			},
		},
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			check: func(t *testing.T, err error) {
				var re *model.RequestError
				if !errors.As(err, &re) {
					t.Fatalf("err = %v, want RequestError", err)
				}
				if re.StatusCode != http.StatusBadRequest {
					t.Errorf("status = %d", re.StatusCode)
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, vs := range tc.header {
					for _, v := range vs {
						w.Header().Set(k, v)
					}
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			_, err := testClient(srv.URL).Call(context.Background(), model.Request{
				Log: convo.Log{convo.TextTurn(convo.RoleUser, "hi", time.Now())},
			}, nil)
			if err == nil {
				t.Fatal("want error")
			}
			tc.check(t, err)
		})
	}
}

func TestBuildRequest_LogFlattening(t *testing.T) {
	c := testClient("http://unused")
	log := convo.Log{
		convo.TextTurn(convo.RoleUser, "find x", time.Now()),
		{Role: convo.RoleAssistant, Blocks: []convo.Block{
			convo.TextBlock{Text: "looking"},
			convo.ToolUseBlock{ID: "c1", Name: "lookup", Input: []byte(`{"q":"x"}`)},
		}, CreatedAt: time.Now()},
		{Role: convo.RoleUser, Blocks: []convo.Block{
			convo.ToolResultBlock{ToolUseID: "c1", Content: "42"},
		}, CreatedAt: time.Now()},
	}

	wr := c.buildRequest(model.Request{System: "be brief", Log: log})
	roles := make([]string, len(wr.Messages))
	for i, m := range wr.Messages {
		roles[i] = m.Role
	}
	want := []string{"system", "user", "assistant", "tool"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
	if wr.Messages[3].ToolCallID != "c1" {
		t.Errorf("tool message = %+v", wr.Messages[3])
	}
	if len(wr.Messages[2].ToolCalls) != 1 || wr.Messages[2].ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("assistant tool calls = %+v", wr.Messages[2].ToolCalls)
	}
	if !wr.Stream || wr.MaxTokens != 1024 || wr.Model != "test-model" {
		t.Errorf("defaults not applied: %+v", wr)
	}
}

func TestCall_BreakerOpenIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.SetBreaker(resilience.NewBreaker(1, time.Minute))

	if _, err := c.Call(context.Background(), model.Request{Log: convo.Log{convo.TextTurn(convo.RoleUser, "hi", time.Now())}}, nil); err == nil {
		t.Fatal("want first failure")
	}
	_, err := c.Call(context.Background(), model.Request{Log: convo.Log{convo.TextTurn(convo.RoleUser, "hi", time.Now())}}, nil)
	var te *model.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("open breaker should surface as a transport error, got %v", err)
	}
}
