package agent

import (
	"context"

	"github.com/metagen-ai/metagen/internal/tools"
	"github.com/metagen-ai/metagen/pkg/models"
)

// Generator abstracts the language model. One Stream call covers one
// generation: it yields zero or more agent/tool_call/usage messages and
// closes the channel. At most one final agent message is produced per
// invocation; a tool_call message, if present, lists all tool requests
// for this turn.
type Generator interface {
	Stream(ctx context.Context, messages []models.Message, defs []tools.Definition,
		prevCalls []models.ToolCall, prevResults []models.ToolResult) (<-chan models.Message, error)
}

// ToolExecutor abstracts tool dispatch. Execute raises no errors; all
// failures are encoded in the ToolResult.
type ToolExecutor interface {
	Execute(ctx context.Context, call models.ToolCall) models.ToolResult
	Known(name string) bool
	Definitions() []tools.Definition
}

// ToolExecution pairs a tool call with its outcome; the loop feeds these
// back to the generator on the next iteration.
type ToolExecution struct {
	Call   models.ToolCall
	Result models.ToolResult
}
