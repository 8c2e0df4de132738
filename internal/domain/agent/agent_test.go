package agent_test

import (
	"strings"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/domain/agent"
	"github.com/wardenhq/warden/internal/domain/trigger"
)

func TestNew_Variants(t *testing.T) {
	tests := []struct {
		kind           agent.Kind
		conversational bool
		maxLogTurns    int
		resting        agent.Status
		failure        agent.Status
	}{
		{agent.KindGoal, true, 0, agent.StatusPaused, agent.StatusFailed},
		{agent.KindTask, false, 20, agent.StatusCancelled, agent.StatusFailed},
		{agent.KindUser, true, 0, agent.StatusActive, agent.StatusSuspended},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			ag, err := agent.New(&agent.Record{ID: "a", Kind: tc.kind, Status: agent.StatusActive})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if ag.IsConversational() != tc.conversational {
				t.Errorf("IsConversational() = %v", ag.IsConversational())
			}
			if ag.MaxLogTurns() != tc.maxLogTurns {
				t.Errorf("MaxLogTurns() = %d, want %d", ag.MaxLogTurns(), tc.maxLogTurns)
			}
			if ag.RestingStatus() != tc.resting {
				t.Errorf("RestingStatus() = %s, want %s", ag.RestingStatus(), tc.resting)
			}
			if ag.FailureStatus() != tc.failure {
				t.Errorf("FailureStatus() = %s, want %s", ag.FailureStatus(), tc.failure)
			}
		})
	}

	if _, err := agent.New(&agent.Record{ID: "a", Kind: "robot"}); err == nil {
		t.Error("want error for unknown kind")
	}
}

func TestStaleAfter_ShrinksOutsideProduction(t *testing.T) {
	goal, _ := agent.New(&agent.Record{ID: "a", Kind: agent.KindGoal})
	if goal.StaleAfter("development") >= goal.StaleAfter("production") {
		t.Error("development staleness window should be shorter than production")
	}

	task, _ := agent.New(&agent.Record{ID: "b", Kind: agent.KindTask})
	if task.StaleAfter("production") > 2*time.Hour {
		t.Errorf("task staleness window %s is too generous", task.StaleAfter("production"))
	}
}

func TestStatus_Terminal(t *testing.T) {
	terminal := []agent.Status{
		agent.StatusArchived, agent.StatusCompleted, agent.StatusCancelled,
		agent.StatusFailed, agent.StatusSuspended,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []agent.Status{agent.StatusActive, agent.StatusPaused} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestRecord_Location(t *testing.T) {
	rec := &agent.Record{Timezone: "America/New_York"}
	if rec.Location().String() != "America/New_York" {
		t.Errorf("Location() = %s", rec.Location())
	}
	for _, tz := range []string{"", "Not/AZone"} {
		rec := &agent.Record{Timezone: tz}
		if rec.Location() != time.UTC {
			t.Errorf("Location(%q) = %s, want UTC fallback", tz, rec.Location())
		}
	}
}

func TestSystemPrompt_CarriesTriggerContext(t *testing.T) {
	ag, _ := agent.New(&agent.Record{ID: "a", Kind: agent.KindGoal, Name: "marathon", Brief: "run a marathon"})

	plain := ag.SystemPrompt(trigger.Context{Type: trigger.TypeUserMessage})
	if !strings.Contains(plain, "marathon") {
		t.Error("prompt missing the goal")
	}

	checkin := ag.SystemPrompt(trigger.Context{Type: trigger.TypeCheckIn})
	if checkin == plain {
		t.Error("check-in trigger should alter the prompt")
	}

	followUp := ag.SystemPrompt(trigger.Context{Type: trigger.TypeFollowUp, Intent: "ask about the long run"})
	if !strings.Contains(followUp, "ask about the long run") {
		t.Error("follow-up intent missing from the prompt")
	}
}
