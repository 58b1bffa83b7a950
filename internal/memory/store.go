// Package memory persists conversation turns and tool usage records.
//
// All Store calls are best-effort from the agent loop's perspective:
// failures are logged by callers and never abort a conversation, with one
// exception — a failed stage persistence inside the tool tracker rolls
// the in-memory stage back (see internal/agent).
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/metagen-ai/metagen/pkg/models"
)

// ErrNotFound is returned when a turn or tool usage record does not exist.
var ErrNotFound = errors.New("memory: record not found")

// TurnRequest creates a new conversation turn in in_progress status.
type TurnRequest struct {
	AgentID   string
	UserQuery string
	TraceID   string
}

// TurnCompletion finalizes a conversation turn. Exactly one completion is
// expected per turn.
type TurnCompletion struct {
	TurnID             string
	Status             models.TurnStatus
	AgentResponse      string
	ToolsUsed          bool
	ErrorDetails       string
	TotalDuration      time.Duration
	GenerationDuration time.Duration
}

// ToolUsageRequest records a tool call admitted to a tracker.
type ToolUsageRequest struct {
	TurnID   string
	AgentID  string
	ToolID   string
	ToolName string
	Args     json.RawMessage
	Stage    string
}

// Store persists turns and tool usage. Implementations must be safe for
// concurrent use by unrelated trackers.
type Store interface {
	// CreateTurn inserts a turn in in_progress status and assigns the
	// next monotone turn number for the agent.
	CreateTurn(ctx context.Context, req TurnRequest) (*models.ConversationTurn, error)

	// CompleteTurn finalizes a turn created by CreateTurn.
	CompleteTurn(ctx context.Context, completion TurnCompletion) error

	// RecentTurns returns the most recent completed turns for an agent,
	// newest first, for context building.
	RecentTurns(ctx context.Context, agentID string, limit int) ([]models.ConversationTurn, error)

	// RecordToolUsage inserts a tool usage row and returns its record id.
	RecordToolUsage(ctx context.Context, req ToolUsageRequest) (string, error)

	// UpdateToolApproval records the approval verdict for a tool usage row.
	UpdateToolApproval(ctx context.Context, recordID string, approved bool, feedback string) error

	// StartToolExecution marks a tool usage row as executing.
	StartToolExecution(ctx context.Context, recordID string) error

	// CompleteToolExecution records the terminal outcome of a tool.
	CompleteToolExecution(ctx context.Context, recordID, result string, isError bool, errMsg string) error

	// Close releases underlying resources.
	Close() error
}
