package agent

import (
	"context"
	"time"

	"github.com/metagen-ai/metagen/pkg/models"
)

// runToolFlow takes one batch of tool calls through approval and
// execution. It streams approval requests, tool-started, and
// result/error events on out and returns the completed executions for
// the next generator iteration. A cancelled context returns nil.
func (a *Agent) runToolFlow(ctx context.Context, out chan<- models.Message, sessionID, turnID string,
	calls []models.ToolCall, history map[string]int) []ToolExecution {

	tracker := NewToolTracker(TrackerConfig{
		AgentID:          a.id,
		TurnID:           turnID,
		MaxToolsPerTurn:  a.config.MaxToolsPerTurn,
		MaxRepeatedCalls: a.config.MaxRepeatedCalls,
		Store:            a.store,
		Logger:           a.logger,
	})
	a.setActiveTracker(tracker)
	defer a.setActiveTracker(nil)

	for _, call := range calls {
		t := &TrackedTool{ToolID: call.ID, ToolName: call.Name, ToolArgs: call.Args}
		switch {
		case !a.executor.Known(call.Name):
			t.Stage = StageRejected
			t.Error = "tool not found: " + call.Name
		default:
			key := callKey(call.Name, call.Args)
			seen := history[key]
			history[key] = seen + 1
			if seen >= a.config.MaxRepeatedCalls {
				t.Stage = StageRejected
				t.Error = "too many identical calls"
			} else if ok, reason := tracker.CanExecute(call.Name, call.Args); !ok {
				t.Stage = StageRejected
				t.Error = reason
			} else if a.approval.Requires(call.Name) {
				t.Stage = StagePendingApproval
			} else {
				t.Stage = StageApproved
			}
		}
		tracker.AddTool(ctx, t)
	}

	if pending := tracker.GetPendingApprovals(); len(pending) > 0 {
		for _, t := range pending {
			out <- a.stamp(models.NewApprovalRequest(sessionID, models.ToolCall{
				ID: t.ToolID, Name: t.ToolName, Args: t.ToolArgs,
			}))
		}
		if cancelled := a.waitForApprovals(ctx, tracker); cancelled {
			return nil
		}
	}

	// Execute approved tools sequentially: ToolStarted for tool i always
	// precedes its terminal event, and each terminal stage is persisted
	// before the result is emitted.
	resultByID := make(map[string]models.ToolResult)
	for _, t := range tracker.GetToolsByStage(StageApproved) {
		if ctx.Err() != nil {
			return nil
		}
		call := models.ToolCall{ID: t.ToolID, Name: t.ToolName, Args: t.ToolArgs}
		out <- a.stamp(models.NewToolStarted(sessionID, t.ToolID, t.ToolName))

		if err := tracker.UpdateStage(ctx, t.ToolID, StageExecuting, StageUpdate{}); err != nil {
			a.logger.Warn("tool could not enter executing stage", "tool_id", t.ToolID, "error", err)
			resultByID[t.ToolID] = models.ToolResult{
				ToolCallID: t.ToolID,
				ToolName:   t.ToolName,
				Content:    err.Error(),
				IsError:    true,
				Error:      err.Error(),
				ErrorType:  models.ToolErrorExecution,
			}
			out <- a.stamp(models.NewToolErrorMessage(sessionID, t.ToolID, t.ToolName, err.Error()))
			continue
		}

		result := a.executor.Execute(ctx, call)
		if result.IsError {
			errMsg := result.Error
			if errMsg == "" {
				errMsg = result.Content
			}
			if err := tracker.UpdateStage(ctx, t.ToolID, StageFailed, StageUpdate{Error: errMsg}); err != nil {
				a.logger.Warn("failed stage not persisted", "tool_id", t.ToolID, "error", err)
			}
			out <- a.stamp(models.NewToolErrorMessage(sessionID, t.ToolID, t.ToolName, errMsg))
		} else {
			if err := tracker.UpdateStage(ctx, t.ToolID, StageCompleted, StageUpdate{Result: result.Content}); err != nil {
				a.logger.Warn("completed stage not persisted", "tool_id", t.ToolID, "error", err)
			}
			if a.config.ShowToolResults {
				out <- a.stamp(models.NewToolResultMessage(sessionID, t.ToolID, t.ToolName, result.Content))
			}
		}
		resultByID[t.ToolID] = result
	}

	// Assemble executions in call order. Rejected tools (unknown,
	// duplicate, user-rejected, or timed out) get synthesised error
	// results so the generator sees the whole batch outcome.
	var executions []ToolExecution
	for _, t := range tracker.Snapshot() {
		call := models.ToolCall{ID: t.ToolID, Name: t.ToolName, Args: t.ToolArgs}
		switch t.Stage {
		case StageCompleted, StageFailed:
			executions = append(executions, ToolExecution{Call: call, Result: resultByID[t.ToolID]})
		case StageApproved:
			// Entered executing was refused; already reported above.
			executions = append(executions, ToolExecution{Call: call, Result: resultByID[t.ToolID]})
		case StageRejected:
			result := rejectionResult(t)
			errMsg := result.UserDisplay
			if errMsg == "" {
				errMsg = result.Error
			}
			out <- a.stamp(models.NewToolErrorMessage(sessionID, t.ToolID, t.ToolName, errMsg))
			executions = append(executions, ToolExecution{Call: call, Result: result})
		}
	}
	return executions
}

// waitForApprovals blocks until every pending tool is resolved, the
// approval timeout expires, or the context is cancelled. While waiting,
// a monitor drains the agent's inbox and routes approval responses into
// the tracker. Reports whether the wait was cancelled.
func (a *Agent) waitForApprovals(ctx context.Context, tracker *ToolTracker) bool {
	monitorDone := make(chan struct{})
	monitorStopped := make(chan struct{})
	go func() {
		defer close(monitorStopped)
		for {
			select {
			case <-monitorDone:
				return
			case msg, ok := <-a.inbox:
				if !ok {
					return
				}
				if msg.Type == models.MessageApprovalResponse {
					a.RouteApproval(ctx, msg)
				} else {
					a.logger.Warn("unexpected message during approval wait", "type", msg.Type)
				}
			}
		}
	}()
	defer func() {
		close(monitorDone)
		<-monitorStopped
	}()

	timer := time.NewTimer(a.approval.Timeout())
	defer timer.Stop()

	select {
	case <-tracker.WaitForApprovals():
		return false
	case <-timer.C:
		a.rejectPending(ctx, tracker, ErrApprovalTimeout.Error())
		return false
	case <-ctx.Done():
		a.rejectPending(ctx, tracker, ErrCancelled.Error())
		return true
	}
}

func (a *Agent) rejectPending(ctx context.Context, tracker *ToolTracker, reason string) {
	// Persist past cancellation so the terminal stage is recorded.
	ctx = context.WithoutCancel(ctx)
	for _, t := range tracker.GetPendingApprovals() {
		if err := tracker.UpdateStage(ctx, t.ToolID, StageRejected, StageUpdate{Error: reason}); err != nil {
			a.logger.Warn("pending tool rejection failed", "tool_id", t.ToolID, "error", err)
		}
	}
}

// rejectionResult synthesises the ToolResult fed back to the generator
// for a tool that never executed.
func rejectionResult(t TrackedTool) models.ToolResult {
	errType := models.ToolErrorInvalidArgs
	switch {
	case t.UserFeedback != "":
		errType = models.ToolErrorUserRejected
	case t.Error == ErrApprovalTimeout.Error(), t.Error == ErrCancelled.Error():
		errType = models.ToolErrorTimeout
	}
	errMsg := t.Error
	if errMsg == "" {
		errMsg = "rejected: " + t.UserFeedback
	}
	return models.ToolResult{
		ToolCallID:  t.ToolID,
		ToolName:    t.ToolName,
		Content:     errMsg,
		IsError:     true,
		Error:       errMsg,
		ErrorType:   errType,
		UserDisplay: t.UserFeedback,
	}
}
