// Package models defines the message types exchanged between agents,
// the manager, and clients.
package models

import (
	"encoding/json"
	"time"
)

// MessageType discriminates the message variants carried by Message.
type MessageType string

const (
	MessageUser             MessageType = "user"
	MessageAgent            MessageType = "agent"
	MessageThinking         MessageType = "thinking"
	MessageSystem           MessageType = "system"
	MessageToolCall         MessageType = "tool_call"
	MessageApprovalRequest  MessageType = "approval_request"
	MessageApprovalResponse MessageType = "approval_response"
	MessageToolStarted      MessageType = "tool_started"
	MessageToolResult       MessageType = "tool_result"
	MessageToolError        MessageType = "tool_error"
	MessageUsage            MessageType = "usage"
	MessageError            MessageType = "error"
)

// ApprovalDecision is a user's verdict on a pending tool call.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)

// ToolErrorType categorizes tool failures surfaced to the model and client.
type ToolErrorType string

const (
	ToolErrorExecution    ToolErrorType = "execution_error"
	ToolErrorInvalidArgs  ToolErrorType = "invalid_args"
	ToolErrorUserRejected ToolErrorType = "user_rejected"
	ToolErrorTimeout      ToolErrorType = "timeout"
)

// ToolCall is a model-requested tool invocation. IDs are unique per batch.
type ToolCall struct {
	ID   string          `json:"tool_id"`
	Name string          `json:"tool_name"`
	Args json.RawMessage `json:"tool_args,omitempty"`
}

// ToolResult is the outcome of one tool call, successful or not.
type ToolResult struct {
	ToolCallID  string        `json:"tool_call_id"`
	ToolName    string        `json:"tool_name"`
	Content     string        `json:"content,omitempty"`
	IsError     bool          `json:"is_error,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorType   ToolErrorType `json:"error_type,omitempty"`
	UserDisplay string        `json:"user_display,omitempty"`
}

// TokenUsage reports model token consumption for one generation.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Message is the unified tagged union flowing between agents and clients.
// Type selects which of the variant fields are meaningful; unused fields
// are omitted from JSON.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	AgentID   string      `json:"agent_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`

	// user, agent, thinking, system
	Content string `json:"content,omitempty"`

	// agent: true marks the end of the turn
	Final bool `json:"final,omitempty"`

	// tool_call
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// approval_request, approval_response, tool_started, tool_result, tool_error
	ToolID   string          `json:"tool_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`

	// approval_response
	Decision ApprovalDecision `json:"decision,omitempty"`
	Feedback string           `json:"feedback,omitempty"`

	// tool_result
	Result string `json:"result,omitempty"`

	// tool_error, error
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`

	// usage
	Usage *TokenUsage `json:"usage,omitempty"`
}

// NewUserMessage builds a client input message for a session.
func NewUserMessage(sessionID, content string) Message {
	return Message{
		Type:      MessageUser,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Content:   content,
	}
}

// NewAgentMessage builds streamed agent text. Final marks end of turn.
func NewAgentMessage(sessionID, content string, final bool) Message {
	return Message{
		Type:      MessageAgent,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Content:   content,
		Final:     final,
	}
}

// NewThinkingMessage builds a non-final progress indicator.
func NewThinkingMessage(sessionID, content string) Message {
	return Message{
		Type:      MessageThinking,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Content:   content,
	}
}

// NewToolCallMessage builds a batch of model-requested tool calls.
func NewToolCallMessage(sessionID string, calls []ToolCall) Message {
	return Message{
		Type:      MessageToolCall,
		Timestamp: time.Now(),
		SessionID: sessionID,
		ToolCalls: calls,
	}
}

// NewApprovalRequest builds a per-tool approval prompt for the client.
func NewApprovalRequest(sessionID string, call ToolCall) Message {
	return Message{
		Type:      MessageApprovalRequest,
		Timestamp: time.Now(),
		SessionID: sessionID,
		ToolID:    call.ID,
		ToolName:  call.Name,
		ToolArgs:  call.Args,
	}
}

// NewApprovalResponse builds a user reply to an approval request.
func NewApprovalResponse(sessionID, toolID string, decision ApprovalDecision, feedback string) Message {
	return Message{
		Type:      MessageApprovalResponse,
		Timestamp: time.Now(),
		SessionID: sessionID,
		ToolID:    toolID,
		Decision:  decision,
		Feedback:  feedback,
	}
}

// NewToolStarted announces that an approved tool began executing.
func NewToolStarted(sessionID, toolID, toolName string) Message {
	return Message{
		Type:      MessageToolStarted,
		Timestamp: time.Now(),
		SessionID: sessionID,
		ToolID:    toolID,
		ToolName:  toolName,
	}
}

// NewToolResultMessage carries a successful tool result to the client.
func NewToolResultMessage(sessionID, toolID, toolName, result string) Message {
	return Message{
		Type:      MessageToolResult,
		Timestamp: time.Now(),
		SessionID: sessionID,
		ToolID:    toolID,
		ToolName:  toolName,
		Result:    result,
	}
}

// NewToolErrorMessage carries a tool failure to the client.
func NewToolErrorMessage(sessionID, toolID, toolName, errMsg string) Message {
	return Message{
		Type:      MessageToolError,
		Timestamp: time.Now(),
		SessionID: sessionID,
		ToolID:    toolID,
		ToolName:  toolName,
		Error:     errMsg,
	}
}

// NewUsageMessage reports token usage for one generation.
func NewUsageMessage(sessionID string, usage TokenUsage) Message {
	return Message{
		Type:      MessageUsage,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Usage:     &usage,
	}
}

// NewErrorMessage carries a runtime error to the client.
func NewErrorMessage(sessionID, errMsg, details string) Message {
	return Message{
		Type:      MessageError,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Error:     errMsg,
		Details:   details,
	}
}
