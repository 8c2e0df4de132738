// Package convo defines the append-only conversation log an agent reasons
// over: role-tagged turns whose content is a closed set of block variants.
package convo

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role tags a turn's author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Block is the closed set of content variants a turn may carry.
// Exactly TextBlock, ToolUseBlock, and ToolResultBlock implement it.
type Block interface {
	blockType() string
}

// TextBlock is plain text content.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) blockType() string { return "text" }

// ToolUseBlock is the model requesting execution of a named tool.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (ToolUseBlock) blockType() string { return "tool_use" }

// ToolResultBlock is the recorded outcome of a tool invocation,
// paired to its ToolUseBlock by ToolUseID.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

func (ToolResultBlock) blockType() string { return "tool_result" }

// Turn is one role-tagged entry in a conversation log.
type Turn struct {
	Role      Role      `json:"role"`
	Blocks    []Block   `json:"blocks"`
	CreatedAt time.Time `json:"created_at"`
}

// TextTurn builds a turn holding a single text block.
func TextTurn(role Role, text string, at time.Time) Turn {
	return Turn{Role: role, Blocks: []Block{TextBlock{Text: text}}, CreatedAt: at}
}

// Text concatenates the turn's text blocks.
func (t Turn) Text() string {
	var out string
	for _, b := range t.Blocks {
		if tb, ok := b.(TextBlock); ok {
			out += tb.Text
		}
	}
	return out
}

// ToolUses returns the turn's tool invocation blocks in order.
func (t Turn) ToolUses() []ToolUseBlock {
	var uses []ToolUseBlock
	for _, b := range t.Blocks {
		if u, ok := b.(ToolUseBlock); ok {
			uses = append(uses, u)
		}
	}
	return uses
}

// ToolResults returns the turn's tool result blocks in order.
func (t Turn) ToolResults() []ToolResultBlock {
	var results []ToolResultBlock
	for _, b := range t.Blocks {
		if r, ok := b.(ToolResultBlock); ok {
			results = append(results, r)
		}
	}
	return results
}

// blockEnvelope is the wire form of a Block: the concrete variant plus a
// "type" discriminator, so logs round-trip storage without duck typing.
type blockEnvelope struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// MarshalJSON encodes the turn with discriminated block envelopes.
func (t Turn) MarshalJSON() ([]byte, error) {
	envs := make([]blockEnvelope, 0, len(t.Blocks))
	for _, b := range t.Blocks {
		switch v := b.(type) {
		case TextBlock:
			envs = append(envs, blockEnvelope{Type: v.blockType(), Text: v.Text})
		case ToolUseBlock:
			envs = append(envs, blockEnvelope{Type: v.blockType(), ID: v.ID, Name: v.Name, Input: v.Input})
		case ToolResultBlock:
			envs = append(envs, blockEnvelope{Type: v.blockType(), ToolUseID: v.ToolUseID, Content: v.Content, IsError: v.IsError})
		default:
			return nil, fmt.Errorf("unknown block variant %T", b)
		}
	}
	return json.Marshal(struct {
		Role      Role            `json:"role"`
		Blocks    []blockEnvelope `json:"blocks"`
		CreatedAt time.Time       `json:"created_at"`
	}{t.Role, envs, t.CreatedAt})
}

// UnmarshalJSON decodes discriminated block envelopes back into variants.
func (t *Turn) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role      Role            `json:"role"`
		Blocks    []blockEnvelope `json:"blocks"`
		CreatedAt time.Time       `json:"created_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Role = raw.Role
	t.CreatedAt = raw.CreatedAt
	t.Blocks = make([]Block, 0, len(raw.Blocks))
	for _, e := range raw.Blocks {
		switch e.Type {
		case "text":
			t.Blocks = append(t.Blocks, TextBlock{Text: e.Text})
		case "tool_use":
			t.Blocks = append(t.Blocks, ToolUseBlock{ID: e.ID, Name: e.Name, Input: e.Input})
		case "tool_result":
			t.Blocks = append(t.Blocks, ToolResultBlock{ToolUseID: e.ToolUseID, Content: e.Content, IsError: e.IsError})
		default:
			return fmt.Errorf("unknown block type %q", e.Type)
		}
	}
	return nil
}

// Log is an ordered sequence of turns. Ordering is total within one agent:
// only the execution lock holder appends.
type Log []Turn

// LastRole returns the role of the final turn, or "" for an empty log.
func (l Log) LastRole() Role {
	if len(l) == 0 {
		return ""
	}
	return l[len(l)-1].Role
}

// IdleSince returns the timestamp of the most recent turn.
// The zero time is returned for an empty log.
func (l Log) IdleSince() time.Time {
	if len(l) == 0 {
		return time.Time{}
	}
	return l[len(l)-1].CreatedAt
}

// OpenToolUses returns, in order, the tool invocation ids that have no
// matching tool result anywhere later in the log.
func (l Log) OpenToolUses() []ToolUseBlock {
	resolved := make(map[string]bool)
	for _, t := range l {
		for _, r := range t.ToolResults() {
			resolved[r.ToolUseID] = true
		}
	}
	var open []ToolUseBlock
	for _, t := range l {
		if t.Role != RoleAssistant {
			continue
		}
		for _, u := range t.ToolUses() {
			if !resolved[u.ID] {
				open = append(open, u)
			}
		}
	}
	return open
}
