package manager

import (
	"context"
	"encoding/json"

	"github.com/metagen-ai/metagen/internal/agent"
	"github.com/metagen-ai/metagen/pkg/models"
)

// executeTaskArgs is the wire shape of an execute_task call.
type executeTaskArgs struct {
	TaskID      string            `json:"task_id"`
	InputValues map[string]string `json:"input_values"`
}

// executeTask is the interceptor behind the execute_task tool. It runs
// on the meta agent's tool flow goroutine and blocks until the task
// agent finishes the delegated turn.
//
// Ordering matters: the arguments are validated before the completion
// channel is enqueued, so a rejected dispatch never leaves a stale slot
// in the FIFO for a later task final to resolve against.
func (m *Manager) executeTask(ctx context.Context, call models.ToolCall) models.ToolResult {
	var args executeTaskArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return m.dispatchError(call, models.ToolErrorInvalidArgs,
			"invalid execute_task arguments: "+err.Error(), "invalid")
	}
	task, ok := m.catalog.Get(args.TaskID)
	if !ok {
		return m.dispatchError(call, models.ToolErrorInvalidArgs,
			"unknown task: "+args.TaskID, "invalid")
	}

	sessionID, _ := agent.SessionFromContext(ctx)
	prompt := task.BuildPrompt(args.InputValues)

	done := m.enqueueCompletion()
	m.task.SetTaskRequest(&agent.TaskExecutionRequest{
		TaskID:      args.TaskID,
		InputValues: args.InputValues,
	})

	m.logger.Info("dispatching task",
		"task_id", args.TaskID, "session_id", sessionID)

	select {
	case m.task.Inbox() <- models.NewUserMessage(sessionID, prompt):
	case <-ctx.Done():
		m.removeCompletion(done)
		return m.dispatchError(call, models.ToolErrorTimeout,
			"task dispatch cancelled: "+ctx.Err().Error(), "cancelled")
	}

	select {
	case result := <-done:
		if m.metrics != nil {
			m.metrics.TaskDispatchCounter.WithLabelValues("completed").Inc()
		}
		return models.ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    result,
		}
	case <-ctx.Done():
		m.removeCompletion(done)
		return m.dispatchError(call, models.ToolErrorTimeout,
			"task dispatch cancelled: "+ctx.Err().Error(), "cancelled")
	}
}

func (m *Manager) dispatchError(call models.ToolCall, errType models.ToolErrorType, msg, outcome string) models.ToolResult {
	if m.metrics != nil {
		m.metrics.TaskDispatchCounter.WithLabelValues(outcome).Inc()
	}
	return models.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    true,
		Error:      msg,
		ErrorType:  errType,
	}
}
