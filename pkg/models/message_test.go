package models

import (
	"encoding/json"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	calls := []ToolCall{{ID: "1", Name: "calc", Args: json.RawMessage(`{"x":1}`)}}

	tests := []struct {
		name string
		msg  Message
	}{
		{"user", NewUserMessage("s1", "hello")},
		{"agent final", NewAgentMessage("s1", "hi", true)},
		{"thinking", NewThinkingMessage("s1", "Processing your request...")},
		{"tool call", NewToolCallMessage("s1", calls)},
		{"approval request", NewApprovalRequest("s1", calls[0])},
		{"approval response", NewApprovalResponse("s1", "1", DecisionRejected, "no")},
		{"tool started", NewToolStarted("s1", "1", "calc")},
		{"tool result", NewToolResultMessage("s1", "1", "calc", "2")},
		{"tool error", NewToolErrorMessage("s1", "1", "calc", "boom")},
		{"usage", NewUsageMessage("s1", TokenUsage{InputTokens: 3, OutputTokens: 5, TotalTokens: 8})},
		{"error", NewErrorMessage("s1", "bad", "details")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got Message
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != tt.msg.Type {
				t.Errorf("type mismatch: got %q want %q", got.Type, tt.msg.Type)
			}
			if got.SessionID != tt.msg.SessionID {
				t.Errorf("session mismatch: got %q want %q", got.SessionID, tt.msg.SessionID)
			}
			if got.Content != tt.msg.Content || got.Final != tt.msg.Final {
				t.Errorf("content mismatch: got %+v want %+v", got, tt.msg)
			}
			if got.ToolID != tt.msg.ToolID || got.Decision != tt.msg.Decision || got.Feedback != tt.msg.Feedback {
				t.Errorf("tool fields mismatch: got %+v want %+v", got, tt.msg)
			}
			if len(got.ToolCalls) != len(tt.msg.ToolCalls) {
				t.Fatalf("tool calls length: got %d want %d", len(got.ToolCalls), len(tt.msg.ToolCalls))
			}
			if tt.msg.Usage != nil {
				if got.Usage == nil || *got.Usage != *tt.msg.Usage {
					t.Errorf("usage mismatch: got %+v want %+v", got.Usage, tt.msg.Usage)
				}
			}
		})
	}
}

func TestMessageOmitsEmptyVariantFields(t *testing.T) {
	data, err := json.Marshal(NewUserMessage("s1", "hello"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"tool_calls", "tool_id", "decision", "usage", "error"} {
		if _, ok := raw[key]; ok {
			t.Errorf("user message should omit %q", key)
		}
	}
}
