// Package engine implements the execution core: the dispatcher that
// serializes runs per agent, the reasoning-acting loop, the retry policy,
// the health sweep, and check-in scheduling.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	wotel "github.com/wardenhq/warden/internal/adapter/otel"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/domain/agent"
	"github.com/wardenhq/warden/internal/domain/convo"
	"github.com/wardenhq/warden/internal/domain/trigger"
	"github.com/wardenhq/warden/internal/port/broadcast"
	"github.com/wardenhq/warden/internal/port/model"
	"github.com/wardenhq/warden/internal/port/store"
	"github.com/wardenhq/warden/internal/port/tool"
)

// StopReason records why a loop run ended. Every run ends with exactly
// one reason; limit stops are normal outcomes, not errors.
type StopReason string

const (
	StopNatural        StopReason = "natural"         // model produced no tool calls
	StopMessageSent    StopReason = "message_sent"    // conversational agent delivered a message
	StopIterationLimit StopReason = "iteration_limit" // iteration or log-length cap reached
	StopTimeLimit      StopReason = "time_limit"      // wall clock budget exhausted
	StopLoopDetected   StopReason = "loop_detected"   // same tool called too many times in a row
)

// LoopResult summarizes one completed loop run.
type LoopResult struct {
	Reason     StopReason
	Iterations int
	ToolCalls  int
	Usage      model.Usage
	LastText   string
}

// Loop drives one agent through alternating model calls and tool
// executions until a stop condition fires. The loop persists the log
// after every appended turn so a crash between turns leaves a log the
// validator can repair on the next dispatch.
type Loop struct {
	cfg     config.Loop
	store   store.Store
	model   model.Client
	tools   *tool.Registry
	bcast   broadcast.Broadcaster
	logger  *slog.Logger
	metrics *wotel.Metrics
	now     func() time.Time
}

// NewLoop creates a loop runner.
func NewLoop(cfg config.Loop, st store.Store, mc model.Client, tools *tool.Registry, bc broadcast.Broadcaster, logger *slog.Logger) *Loop {
	return &Loop{
		cfg:    cfg,
		store:  st,
		model:  mc,
		tools:  tools,
		bcast:  bc,
		logger: logger,
		now:    time.Now,
	}
}

// SetMetrics attaches metric instruments. Optional; a nil Metrics means
// no instrumentation.
func (l *Loop) SetMetrics(m *wotel.Metrics) { l.metrics = m }

// Run executes the loop for one dispatch. The provided log must already
// contain the turn built from the trigger. The returned log reflects
// every turn appended, including on limit stops; an error is returned
// only when the model call itself failed, with the log persisted up to
// the last successful turn.
func (l *Loop) Run(ctx context.Context, ag agent.Agent, tc trigger.Context, log convo.Log, modelName, dispatchID string) (convo.Log, *LoopResult, error) {
	rec := ag.Record()
	res := &LoopResult{}
	deadline := l.now().Add(l.cfg.MaxWallClock)

	streakTool := ""
	streak := 0

	for {
		if res.Iterations >= l.cfg.MaxIterations {
			res.Reason = StopIterationLimit
			return log, res, nil
		}
		if maxTurns := l.logCap(ag); maxTurns > 0 && len(log) >= maxTurns {
			res.Reason = StopIterationLimit
			return log, res, nil
		}
		if !l.now().Before(deadline) {
			res.Reason = StopTimeLimit
			return log, res, nil
		}

		resp, err := l.callModel(ctx, model.Request{
			Model:     modelName,
			System:    ag.SystemPrompt(tc),
			MaxTokens: 0, // adapter applies the configured default
			Log:       log,
			Tools:     l.tools.Schemas(),
		}, rec.ID, dispatchID)
		if err != nil {
			return log, res, fmt.Errorf("model call (iteration %d): %w", res.Iterations, err)
		}
		res.Iterations++
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens
		if resp.Text != "" {
			res.LastText = resp.Text
		}

		turn := assistantTurn(resp, l.now())
		log = append(log, turn)
		if err := l.store.SaveLog(ctx, rec.ID, log); err != nil {
			return log, res, fmt.Errorf("persist assistant turn: %w", err)
		}

		if len(resp.ToolUses) == 0 {
			res.Reason = StopNatural
			return log, res, nil
		}

		resultTurn, messaged := l.executeTools(ctx, rec, resp.ToolUses, dispatchID, &res.ToolCalls)
		log = append(log, resultTurn)
		if err := l.store.SaveLog(ctx, rec.ID, log); err != nil {
			return log, res, fmt.Errorf("persist tool results: %w", err)
		}

		if messaged && ag.IsConversational() {
			res.Reason = StopMessageSent
			return log, res, nil
		}

		// Loop detection tracks the first invocation of each iteration:
		// a model stuck in a cycle repeats its lead tool.
		first := resp.ToolUses[0].Name
		if first == streakTool {
			streak++
		} else {
			streakTool = first
			streak = 1
		}
		if streak >= l.cfg.MaxSameToolStreak {
			l.logger.Warn("tool call loop detected",
				slog.String("agent_id", rec.ID),
				slog.String("tool", first),
				slog.Int("streak", streak))
			res.Reason = StopLoopDetected
			return log, res, nil
		}
	}
}

// logCap resolves the live-log ceiling for capped variants. The variant
// decides whether a cap applies; config decides how big it is.
func (l *Loop) logCap(ag agent.Agent) int {
	n := ag.MaxLogTurns()
	if n > 0 && l.cfg.TaskAgentMaxLogTurns > 0 {
		n = l.cfg.TaskAgentMaxLogTurns
	}
	return n
}

// callModel invokes the model with bounded in-process retries for
// transient failures. Delayed retries for persistent failures are the
// dispatcher's job, not the loop's.
func (l *Loop) callModel(ctx context.Context, req model.Request, agentID, dispatchID string) (*model.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= l.cfg.ModelRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.cfg.ModelRetryDelay):
			}
		}
		resp, err := l.model.Call(ctx, req, func(ev model.Event) {
			if ev.TextDelta != "" {
				l.bcast.BroadcastEvent(ctx, EventLoopText, TextEvent{
					AgentID:    agentID,
					DispatchID: dispatchID,
					Delta:      ev.TextDelta,
				})
			}
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		switch Classify(err) {
		case ClassRateLimit, ClassNetwork:
			l.logger.Warn("model call failed, retrying in process",
				slog.String("agent_id", agentID),
				slog.Int("attempt", attempt+1),
				slog.Any("error", err))
			continue
		default:
			return nil, err
		}
	}
	return nil, lastErr
}

// executeTools runs the iteration's tool invocations and builds the user
// turn of results. Every invocation in the assistant turn gets exactly
// one result: invocations past the per-iteration cap receive a synthetic
// error result without being executed, so the pairing invariant holds
// regardless of how many calls the model emitted.
func (l *Loop) executeTools(ctx context.Context, rec *agent.Record, uses []model.ToolUse, dispatchID string, toolCalls *int) (convo.Turn, bool) {
	blocks := make([]convo.Block, 0, len(uses))
	messaged := false

	for i, use := range uses {
		if i >= l.cfg.MaxToolCallsPerIter {
			blocks = append(blocks, convo.ToolResultBlock{
				ToolUseID: use.ID,
				Content:   fmt.Sprintf("tool call limit reached: at most %d calls per turn; re-issue this call in your next turn", l.cfg.MaxToolCallsPerIter),
				IsError:   true,
			})
			continue
		}

		l.bcast.BroadcastEvent(ctx, EventToolStarted, ToolEvent{
			AgentID:    rec.ID,
			DispatchID: dispatchID,
			CallID:     use.ID,
			Tool:       use.Name,
		})

		result := l.runTool(ctx, rec, use, dispatchID)
		*toolCalls++
		if l.metrics != nil {
			l.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", use.Name),
				attribute.Bool("error", result.IsError)))
		}
		blocks = append(blocks, convo.ToolResultBlock{
			ToolUseID: use.ID,
			Content:   result.Content,
			IsError:   result.IsError,
		})

		l.bcast.BroadcastEvent(ctx, EventToolCompleted, ToolEvent{
			AgentID:    rec.ID,
			DispatchID: dispatchID,
			CallID:     use.ID,
			Tool:       use.Name,
			IsError:    result.IsError,
		})

		if !result.IsError && l.tools.IsConversational(use.Name) {
			messaged = true
			l.bcast.BroadcastEvent(ctx, EventMessageSent, MessageEvent{
				AgentID:    rec.ID,
				DispatchID: dispatchID,
				Text:       result.Content,
			})
		}
	}

	return convo.Turn{Role: convo.RoleUser, Blocks: blocks, CreatedAt: l.now()}, messaged
}

// runTool executes one invocation. Tool failures become error results in
// the log rather than loop failures: the model sees what went wrong and
// decides how to proceed.
func (l *Loop) runTool(ctx context.Context, rec *agent.Record, use model.ToolUse, dispatchID string) tool.Result {
	ctx, span := wotel.StartToolCallSpan(ctx, use.ID, use.Name)
	defer span.End()

	t, ok := l.tools.Get(use.Name)
	if !ok {
		return tool.Result{Content: fmt.Sprintf("unknown tool %q", use.Name), IsError: true}
	}
	result, err := t.Execute(ctx, use.Input, tool.ExecutionContext{
		AgentID:    rec.ID,
		OwnerID:    rec.OwnerID,
		DispatchID: dispatchID,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return tool.Result{Content: "execution cancelled", IsError: true}
		}
		l.logger.Error("tool execution failed",
			slog.String("agent_id", rec.ID),
			slog.String("tool", use.Name),
			slog.Any("error", err))
		return tool.Result{Content: fmt.Sprintf("tool %s failed: %v", use.Name, err), IsError: true}
	}
	return result
}

// assistantTurn assembles the model response into a log turn: text first,
// then the tool invocations in emission order.
func assistantTurn(resp *model.Response, at time.Time) convo.Turn {
	blocks := make([]convo.Block, 0, len(resp.ToolUses)+1)
	if resp.Text != "" {
		blocks = append(blocks, convo.TextBlock{Text: resp.Text})
	}
	for _, u := range resp.ToolUses {
		blocks = append(blocks, convo.ToolUseBlock{ID: u.ID, Name: u.Name, Input: u.Input})
	}
	return convo.Turn{Role: convo.RoleAssistant, Blocks: blocks, CreatedAt: at}
}
