package convo_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/domain/convo"
)

func TestTurn_JSONRoundTrip(t *testing.T) {
	turn := convo.Turn{
		Role: convo.RoleAssistant,
		Blocks: []convo.Block{
			convo.TextBlock{Text: "let me check"},
			convo.ToolUseBlock{ID: "u1", Name: "lookup", Input: []byte(`{"q":"weather"}`)},
		},
		CreatedAt: t0,
	}

	data, err := json.Marshal(turn)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"type":"tool_use"`) {
		t.Errorf("wire form missing type discriminator: %s", data)
	}

	var back convo.Turn
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Role != convo.RoleAssistant || len(back.Blocks) != 2 {
		t.Fatalf("round trip lost structure: %+v", back)
	}
	use, ok := back.Blocks[1].(convo.ToolUseBlock)
	if !ok {
		t.Fatalf("block 1 is %T, want ToolUseBlock", back.Blocks[1])
	}
	if use.ID != "u1" || use.Name != "lookup" || string(use.Input) != `{"q":"weather"}` {
		t.Errorf("tool use mangled: %+v", use)
	}
}

func TestTurn_UnmarshalUnknownBlockType(t *testing.T) {
	raw := `{"role":"assistant","blocks":[{"type":"image"}],"created_at":"2026-03-10T12:00:00Z"}`
	var turn convo.Turn
	if err := json.Unmarshal([]byte(raw), &turn); err == nil {
		t.Error("want error for unknown block type")
	}
}

func TestTurn_Accessors(t *testing.T) {
	turn := convo.Turn{
		Role: convo.RoleUser,
		Blocks: []convo.Block{
			convo.ToolResultBlock{ToolUseID: "u1", Content: "42"},
			convo.TextBlock{Text: "and "},
			convo.TextBlock{Text: "more"},
		},
		CreatedAt: t0,
	}
	if got := turn.Text(); got != "and more" {
		t.Errorf("Text() = %q", got)
	}
	if n := len(turn.ToolResults()); n != 1 {
		t.Errorf("ToolResults() = %d, want 1", n)
	}
	if n := len(turn.ToolUses()); n != 0 {
		t.Errorf("ToolUses() = %d, want 0", n)
	}
}

func TestLog_LastRoleAndIdleSince(t *testing.T) {
	var empty convo.Log
	if empty.LastRole() != "" {
		t.Error("empty log should have no last role")
	}
	if !empty.IdleSince().IsZero() {
		t.Error("empty log should idle since the zero time")
	}

	log := convo.Log{
		convo.TextTurn(convo.RoleUser, "hi", t0),
		convo.TextTurn(convo.RoleAssistant, "hello", t0.Add(time.Minute)),
	}
	if log.LastRole() != convo.RoleAssistant {
		t.Errorf("LastRole() = %s", log.LastRole())
	}
	if !log.IdleSince().Equal(t0.Add(time.Minute)) {
		t.Errorf("IdleSince() = %s", log.IdleSince())
	}
}
