package models

import "time"

// TurnStatus tracks the lifecycle of a conversation turn.
type TurnStatus string

const (
	TurnInProgress TurnStatus = "in_progress"
	TurnCompleted  TurnStatus = "completed"
	TurnError      TurnStatus = "error"
	TurnPartial    TurnStatus = "partial"
)

// ConversationTurn records a single user/agent exchange, possibly spanning
// many generator and tool iterations. Turn numbers are monotone per agent.
type ConversationTurn struct {
	ID            string     `json:"id"`
	AgentID       string     `json:"agent_id"`
	TurnNumber    int        `json:"turn_number"`
	Timestamp     time.Time  `json:"timestamp"`
	UserQuery     string     `json:"user_query"`
	AgentResponse string     `json:"agent_response,omitempty"`
	ToolsUsed     bool       `json:"tools_used"`
	Status        TurnStatus `json:"status"`
	TraceID       string     `json:"trace_id,omitempty"`

	// Durations are recorded on completion.
	TotalDuration      time.Duration `json:"total_duration,omitempty"`
	GenerationDuration time.Duration `json:"generation_duration,omitempty"`

	ErrorDetails string `json:"error_details,omitempty"`
	Compacted    bool   `json:"compacted"`
}
