package agent

// MetaAgentID identifies the user-facing orchestrating agent.
const MetaAgentID = "METAGEN"

const metaSystemPrompt = `You are METAGEN, the orchestrating assistant of a multi-agent runtime.
You answer the user directly when you can, and you delegate well-defined
work by calling the execute_task tool with a task_id and input values.
Prefer a single execute_task call per piece of delegated work, report
tool failures honestly, and keep answers concise.`

// NewMetaAgent creates the meta agent. Its executor is expected to carry
// the execute_task tool and its interceptor.
func NewMetaAgent(generator Generator, executor ToolExecutor, opts Options) *Agent {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = metaSystemPrompt
	}
	return New(MetaAgentID, generator, executor, opts)
}
