package convo

import (
	"fmt"
	"time"
)

// InterruptedResultContent is the synthetic tool result inserted for an
// invocation whose execution was cut off mid-turn (crash, restart, OOM).
const InterruptedResultContent = "execution was interrupted before this tool call finished; verify state before retrying"

// sameRoleWarnRun is the length of a same-role turn run that is flagged
// as a corruption signal but never auto-repaired.
const sameRoleWarnRun = 3

// Report describes what ValidateAndRepair found and changed.
type Report struct {
	Repairs  []string
	Warnings []string
}

// Valid reports whether the log needed no repairs.
func (r Report) Valid() bool { return len(r.Repairs) == 0 }

// ValidateAndRepair scans the log for tool invocations lacking a matching
// result and synthesizes an error result for each orphan, inserting it at
// the front of the next user turn or appending a new user turn when the
// orphaned invocation ends the log. Structural oddities that cannot be
// repaired safely (empty turns, invalid roles, long same-role runs) are
// reported as warnings only. Running the validator twice in a row yields
// no repairs the second time.
func ValidateAndRepair(log Log, now time.Time) (Log, Report) {
	var rep Report

	resolved := make(map[string]bool)
	for _, t := range log {
		for _, r := range t.ToolResults() {
			resolved[r.ToolUseID] = true
		}
	}

	out := make(Log, 0, len(log)+1)
	for i := 0; i < len(log); i++ {
		t := log[i]
		out = append(out, t)

		if t.Role != RoleAssistant {
			continue
		}

		var orphanResults []Block
		for _, u := range t.ToolUses() {
			if resolved[u.ID] {
				continue
			}
			orphanResults = append(orphanResults, ToolResultBlock{
				ToolUseID: u.ID,
				Content:   InterruptedResultContent,
				IsError:   true,
			})
			rep.Repairs = append(rep.Repairs, fmt.Sprintf("synthesized error result for orphaned tool use %s (%s)", u.ID, u.Name))
		}
		if len(orphanResults) == 0 {
			continue
		}

		if i+1 < len(log) && log[i+1].Role == RoleUser {
			// Prepend results onto the following user turn so they precede
			// whatever content that turn already carries.
			next := log[i+1]
			next.Blocks = append(orphanResults, next.Blocks...)
			out = append(out, next)
			i++
			continue
		}

		out = append(out, Turn{Role: RoleUser, Blocks: orphanResults, CreatedAt: now})
	}

	rep.Warnings = append(rep.Warnings, structuralWarnings(out)...)
	return out, rep
}

// structuralWarnings flags oddities that indicate an upstream bug but are
// left untouched: auto-fixing them would destroy evidence.
func structuralWarnings(log Log) []string {
	var warns []string
	run := 1
	for i, t := range log {
		if !t.Role.Valid() {
			warns = append(warns, fmt.Sprintf("turn %d has invalid role %q", i, t.Role))
		}
		if len(t.Blocks) == 0 {
			warns = append(warns, fmt.Sprintf("turn %d has no content", i))
		}
		if i > 0 && t.Role == log[i-1].Role {
			run++
			if run == sameRoleWarnRun+1 {
				warns = append(warns, fmt.Sprintf("turns %d-%d repeat role %q more than %d times", i-run+1, i, t.Role, sameRoleWarnRun))
			}
		} else {
			run = 1
		}
	}
	return warns
}
