package agent

import (
	"fmt"
	"sort"
	"strings"
)

// TaskAgentID identifies the dedicated task-executing agent.
const TaskAgentID = "TASKGEN"

const taskSystemPrompt = `You are TASKGEN, a task-executing agent. You receive one task at a
time with concrete input values. Work the task to completion using the
available tools and finish with a single final answer containing only
the task result.`

// TaskExecutionRequest carries one dispatched task to the task agent.
type TaskExecutionRequest struct {
	TaskID      string
	InputValues map[string]string
}

// PromptContext renders the request for inclusion in the system prompt.
func (r *TaskExecutionRequest) PromptContext() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current task: %s\n", r.TaskID)
	if len(r.InputValues) > 0 {
		b.WriteString("Inputs:\n")
		keys := make([]string, 0, len(r.InputValues))
		for k := range r.InputValues {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, r.InputValues[k])
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewTaskAgent creates the task agent. Its executor must not expose
// execute_task; the manager builds it from a registry without that tool
// to prevent recursive dispatch.
func NewTaskAgent(generator Generator, executor ToolExecutor, opts Options) *Agent {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = taskSystemPrompt
	}
	return New(TaskAgentID, generator, executor, opts)
}
