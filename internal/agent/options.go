package agent

import "time"

// LoopConfig configures the conversation loop including iteration limits,
// duplicate suppression, and approval behavior.
type LoopConfig struct {
	// MaxIterations limits the number of generate→tool-flow cycles per turn
	// Default: 50
	MaxIterations int

	// MaxToolsPerTurn limits the tools tracked in one batch
	// Default: 100
	MaxToolsPerTurn int

	// MaxRepeatedCalls limits identical (tool, args) calls per turn
	// Default: 3
	MaxRepeatedCalls int

	// RequireApproval gates tool execution on user approval unless the
	// tool is listed in AutoApproveTools.
	RequireApproval bool

	// AutoApproveTools lists tool names exempt from approval.
	AutoApproveTools []string

	// ApprovalTimeout bounds the wait for a whole approval batch
	// Default: 30s
	ApprovalTimeout time.Duration

	// ShowToolResults streams successful tool results to the client.
	// Errors are always streamed.
	// Default: true
	ShowToolResults bool

	// ContextTurns is how many recent turns are replayed into the prompt
	// Default: 10
	ContextTurns int

	// InboxSize is the agent input mailbox capacity
	// Default: 64
	InboxSize int
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:    50,
		MaxToolsPerTurn:  100,
		MaxRepeatedCalls: 3,
		ApprovalTimeout:  30 * time.Second,
		ShowToolResults:  true,
		ContextTurns:     10,
		InboxSize:        64,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxToolsPerTurn <= 0 {
		cfg.MaxToolsPerTurn = defaults.MaxToolsPerTurn
	}
	if cfg.MaxRepeatedCalls <= 0 {
		cfg.MaxRepeatedCalls = defaults.MaxRepeatedCalls
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = defaults.ApprovalTimeout
	}
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = defaults.ContextTurns
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaults.InboxSize
	}
	return &cfg
}
