package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/metagen-ai/metagen/internal/memory"
	"github.com/metagen-ai/metagen/internal/tools"
	"github.com/metagen-ai/metagen/pkg/models"
)

// fakeGenerator scripts generator behavior per invocation.
type fakeGenerator struct {
	mu      sync.Mutex
	respond func(call int, prevCalls []models.ToolCall, prevResults []models.ToolResult) []models.Message
	calls   int
	results [][]models.ToolResult
}

func (g *fakeGenerator) Stream(_ context.Context, _ []models.Message, _ []tools.Definition,
	prevCalls []models.ToolCall, prevResults []models.ToolResult) (<-chan models.Message, error) {

	g.mu.Lock()
	call := g.calls
	g.calls++
	g.results = append(g.results, prevResults)
	respond := g.respond
	g.mu.Unlock()

	msgs := respond(call, prevCalls, prevResults)
	out := make(chan models.Message, len(msgs)+1)
	for _, m := range msgs {
		out <- m
	}
	close(out)
	return out, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGenerator) resultsFor(call int) []models.ToolResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	if call >= len(g.results) {
		return nil
	}
	return g.results[call]
}

// fakeToolExecutor records executions and returns scripted results.
type fakeToolExecutor struct {
	mu       sync.Mutex
	known    map[string]bool
	results  map[string]models.ToolResult
	executed []models.ToolCall
}

func newFakeExecutor(names ...string) *fakeToolExecutor {
	known := make(map[string]bool)
	for _, n := range names {
		known[n] = true
	}
	return &fakeToolExecutor{known: known, results: make(map[string]models.ToolResult)}
}

func (e *fakeToolExecutor) Execute(_ context.Context, call models.ToolCall) models.ToolResult {
	e.mu.Lock()
	e.executed = append(e.executed, call)
	result, ok := e.results[call.Name]
	e.mu.Unlock()
	if !ok {
		result = models.ToolResult{Content: "ok"}
	}
	result.ToolCallID = call.ID
	result.ToolName = call.Name
	return result
}

func (e *fakeToolExecutor) Known(name string) bool          { return e.known[name] }
func (e *fakeToolExecutor) Definitions() []tools.Definition { return nil }

func (e *fakeToolExecutor) executedCalls() []models.ToolCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.ToolCall(nil), e.executed...)
}

func collect(ch <-chan models.Message) []models.Message {
	var out []models.Message
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func typesOf(msgs []models.Message) []models.MessageType {
	out := make([]models.MessageType, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func assertTypes(t *testing.T, got []models.Message, want ...models.MessageType) {
	t.Helper()
	types := typesOf(got)
	if len(types) != len(want) {
		t.Fatalf("message types: got %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("message types: got %v, want %v", types, want)
		}
	}
}

func TestPlainChat(t *testing.T) {
	gen := &fakeGenerator{respond: func(int, []models.ToolCall, []models.ToolResult) []models.Message {
		return []models.Message{models.NewAgentMessage("", "Hi", false)}
	}}
	store := memory.NewMemStore()
	ag := New("METAGEN", gen, newFakeExecutor(), Options{Store: store})

	got := collect(ag.StreamChat(context.Background(), models.NewUserMessage("s1", "Hello")))

	assertTypes(t, got, models.MessageThinking, models.MessageAgent)
	final := got[1]
	if final.Content != "Hi" || !final.Final {
		t.Errorf("final message: %+v", final)
	}
	if final.AgentID != "METAGEN" || final.SessionID != "s1" {
		t.Errorf("stamping: %+v", final)
	}

	turns, err := store.RecentTurns(context.Background(), "METAGEN", 1)
	if err != nil || len(turns) != 1 {
		t.Fatalf("turns: %v, %v", turns, err)
	}
	if turns[0].Status != models.TurnCompleted || turns[0].AgentResponse != "Hi" || turns[0].ToolsUsed {
		t.Errorf("turn record: %+v", turns[0])
	}
}

func TestSingleAutoApprovedTool(t *testing.T) {
	gen := &fakeGenerator{respond: func(call int, _ []models.ToolCall, results []models.ToolResult) []models.Message {
		if call == 0 {
			return []models.Message{models.NewToolCallMessage("", []models.ToolCall{
				{ID: "1", Name: "calc", Args: json.RawMessage(`{"x":1}`)},
			})}
		}
		if len(results) != 1 || results[0].Content != "2" || results[0].IsError {
			return []models.Message{models.NewErrorMessage("", "unexpected feedback", "")}
		}
		return []models.Message{models.NewAgentMessage("", "Result: 2", false)}
	}}
	exec := newFakeExecutor("calc")
	exec.results["calc"] = models.ToolResult{Content: "2"}
	ag := New("METAGEN", gen, exec, Options{Config: &LoopConfig{ShowToolResults: true}})

	got := collect(ag.StreamChat(context.Background(), models.NewUserMessage("s1", "1+1?")))

	assertTypes(t, got,
		models.MessageThinking, models.MessageToolCall, models.MessageToolStarted,
		models.MessageToolResult, models.MessageAgent)
	if got[3].Result != "2" {
		t.Errorf("tool result message: %+v", got[3])
	}
	final := got[4]
	if final.Content != "Result: 2" || !final.Final {
		t.Errorf("final: %+v", final)
	}
	if calls := exec.executedCalls(); len(calls) != 1 || calls[0].Name != "calc" {
		t.Errorf("executed: %+v", calls)
	}
}

func TestRejectedTool(t *testing.T) {
	gen := &fakeGenerator{respond: func(call int, _ []models.ToolCall, results []models.ToolResult) []models.Message {
		if call == 0 {
			return []models.Message{models.NewToolCallMessage("", []models.ToolCall{
				{ID: "1", Name: "write_file", Args: json.RawMessage(`{"path":"x"}`)},
			})}
		}
		r := results[0]
		if !r.IsError || r.ErrorType != models.ToolErrorUserRejected || r.UserDisplay != "no" {
			return []models.Message{models.NewErrorMessage("", fmt.Sprintf("unexpected feedback: %+v", r), "")}
		}
		return []models.Message{models.NewAgentMessage("", "Understood.", false)}
	}}
	exec := newFakeExecutor("write_file")
	ag := New("METAGEN", gen, exec, Options{Config: &LoopConfig{RequireApproval: true}})

	out := ag.StreamChat(context.Background(), models.NewUserMessage("s1", "write it"))
	var got []models.Message
	for m := range out {
		got = append(got, m)
		if m.Type == models.MessageApprovalRequest {
			ag.Inbox() <- models.NewApprovalResponse("s1", m.ToolID, models.DecisionRejected, "no")
		}
	}

	assertTypes(t, got,
		models.MessageThinking, models.MessageToolCall, models.MessageApprovalRequest,
		models.MessageToolError, models.MessageAgent)
	if got[3].Error != "no" {
		t.Errorf("tool error content: %+v", got[3])
	}
	if got[4].Content != "Understood." || !got[4].Final {
		t.Errorf("final: %+v", got[4])
	}
	if len(exec.executedCalls()) != 0 {
		t.Error("rejected tool was executed")
	}
}

func TestParallelApprovals(t *testing.T) {
	gen := &fakeGenerator{respond: func(call int, _ []models.ToolCall, results []models.ToolResult) []models.Message {
		if call == 0 {
			return []models.Message{models.NewToolCallMessage("", []models.ToolCall{
				{ID: "a", Name: "clock"},
				{ID: "b", Name: "write_file", Args: json.RawMessage(`{"path":"x"}`)},
			})}
		}
		if len(results) != 2 || results[0].IsError || results[1].IsError {
			return []models.Message{models.NewErrorMessage("", "unexpected feedback", "")}
		}
		return []models.Message{models.NewAgentMessage("", "Done", false)}
	}}
	exec := newFakeExecutor("clock", "write_file")
	ag := New("METAGEN", gen, exec, Options{Config: &LoopConfig{
		RequireApproval:  true,
		AutoApproveTools: []string{"clock"},
	}})

	out := ag.StreamChat(context.Background(), models.NewUserMessage("s1", "go"))
	var got []models.Message
	for m := range out {
		got = append(got, m)
		if m.Type == models.MessageApprovalRequest {
			if m.ToolID != "b" {
				t.Errorf("approval requested for auto-approved tool: %+v", m)
			}
			ag.Inbox() <- models.NewApprovalResponse("s1", m.ToolID, models.DecisionApproved, "")
		}
	}

	assertTypes(t, got,
		models.MessageThinking, models.MessageToolCall, models.MessageApprovalRequest,
		models.MessageToolStarted, models.MessageToolStarted, models.MessageAgent)
	if got[5].Content != "Done" || !got[5].Final {
		t.Errorf("final: %+v", got[5])
	}
	if len(exec.executedCalls()) != 2 {
		t.Errorf("executions: %+v", exec.executedCalls())
	}
}

func TestIterationLimit(t *testing.T) {
	gen := &fakeGenerator{respond: func(call int, _ []models.ToolCall, _ []models.ToolResult) []models.Message {
		return []models.Message{models.NewToolCallMessage("", []models.ToolCall{
			{ID: fmt.Sprintf("call-%d", call), Name: "calc", Args: json.RawMessage(fmt.Sprintf(`{"n":%d}`, call))},
		})}
	}}
	exec := newFakeExecutor("calc")
	store := memory.NewMemStore()
	ag := New("METAGEN", gen, exec, Options{Store: store, Config: &LoopConfig{MaxIterations: 2}})

	got := collect(ag.StreamChat(context.Background(), models.NewUserMessage("s1", "loop")))

	last := got[len(got)-1]
	if last.Type != models.MessageError || last.Error != ErrMaxIterations.Error() {
		t.Fatalf("expected iteration-limit error, got %+v", last)
	}
	if len(exec.executedCalls()) != 2 {
		t.Errorf("executions: got %d, want 2", len(exec.executedCalls()))
	}

	// The partial transcript is preserved: the turn records as completed.
	turns, _ := store.RecentTurns(context.Background(), "METAGEN", 1)
	if len(turns) != 1 || turns[0].Status != models.TurnCompleted || !turns[0].ToolsUsed {
		t.Errorf("turn record: %+v", turns)
	}
}

func TestDuplicateSuppression(t *testing.T) {
	sameCall := func(id string) []models.ToolCall {
		return []models.ToolCall{{ID: id, Name: "calc", Args: json.RawMessage(`{"x":1}`)}}
	}
	gen := &fakeGenerator{respond: func(call int, _ []models.ToolCall, results []models.ToolResult) []models.Message {
		switch call {
		case 0:
			return []models.Message{models.NewToolCallMessage("", sameCall("1"))}
		case 1:
			return []models.Message{models.NewToolCallMessage("", sameCall("2"))}
		default:
			r := results[0]
			if !r.IsError || r.ErrorType != models.ToolErrorInvalidArgs {
				return []models.Message{models.NewErrorMessage("", "expected rejection", "")}
			}
			return []models.Message{models.NewAgentMessage("", "stopping", false)}
		}
	}}
	exec := newFakeExecutor("calc")
	ag := New("METAGEN", gen, exec, Options{Config: &LoopConfig{MaxRepeatedCalls: 1}})

	got := collect(ag.StreamChat(context.Background(), models.NewUserMessage("s1", "go")))

	if len(exec.executedCalls()) != 1 {
		t.Fatalf("identical call dispatched %d times, want 1", len(exec.executedCalls()))
	}
	final := got[len(got)-1]
	if final.Type != models.MessageAgent || final.Content != "stopping" {
		t.Errorf("final: %+v", final)
	}
}

func TestApprovalTimeout(t *testing.T) {
	gen := &fakeGenerator{respond: func(call int, _ []models.ToolCall, results []models.ToolResult) []models.Message {
		if call == 0 {
			return []models.Message{models.NewToolCallMessage("", []models.ToolCall{
				{ID: "1", Name: "write_file"},
			})}
		}
		r := results[0]
		if !r.IsError || r.ErrorType != models.ToolErrorTimeout {
			return []models.Message{models.NewErrorMessage("", "expected timeout result", "")}
		}
		return []models.Message{models.NewAgentMessage("", "gave up", false)}
	}}
	exec := newFakeExecutor("write_file")
	ag := New("METAGEN", gen, exec, Options{Config: &LoopConfig{
		RequireApproval: true,
		ApprovalTimeout: 30 * time.Millisecond,
	}})

	got := collect(ag.StreamChat(context.Background(), models.NewUserMessage("s1", "write")))

	assertTypes(t, got,
		models.MessageThinking, models.MessageToolCall, models.MessageApprovalRequest,
		models.MessageToolError, models.MessageAgent)
	if got[3].Error != ErrApprovalTimeout.Error() {
		t.Errorf("tool error: %+v", got[3])
	}
	if len(exec.executedCalls()) != 0 {
		t.Error("timed-out tool was executed")
	}
}

func TestUnknownToolRejected(t *testing.T) {
	gen := &fakeGenerator{respond: func(call int, _ []models.ToolCall, results []models.ToolResult) []models.Message {
		if call == 0 {
			return []models.Message{models.NewToolCallMessage("", []models.ToolCall{
				{ID: "1", Name: "teleport"},
			})}
		}
		r := results[0]
		if !r.IsError || r.ErrorType != models.ToolErrorInvalidArgs {
			return []models.Message{models.NewErrorMessage("", "expected invalid_args", "")}
		}
		return []models.Message{models.NewAgentMessage("", "no such tool", false)}
	}}
	exec := newFakeExecutor("calc")
	ag := New("METAGEN", gen, exec, Options{})

	got := collect(ag.StreamChat(context.Background(), models.NewUserMessage("s1", "go")))
	final := got[len(got)-1]
	if final.Type != models.MessageAgent || final.Content != "no such tool" {
		t.Errorf("final: %+v", final)
	}
	if len(exec.executedCalls()) != 0 {
		t.Error("unknown tool was executed")
	}
}

func TestOrphanApprovalIsNoOp(t *testing.T) {
	ag := New("METAGEN", &fakeGenerator{respond: func(int, []models.ToolCall, []models.ToolResult) []models.Message {
		return nil
	}}, newFakeExecutor(), Options{})

	got := collect(ag.StreamChat(context.Background(),
		models.NewApprovalResponse("s1", "ghost", models.DecisionApproved, "")))
	if len(got) != 0 {
		t.Errorf("orphan approval yielded messages: %+v", got)
	}
}

func TestUnsupportedMessageType(t *testing.T) {
	ag := New("METAGEN", &fakeGenerator{respond: func(int, []models.ToolCall, []models.ToolResult) []models.Message {
		return nil
	}}, newFakeExecutor(), Options{})

	got := collect(ag.StreamChat(context.Background(), models.Message{Type: models.MessageToolStarted, SessionID: "s1"}))
	assertTypes(t, got, models.MessageError)
}

func TestEmptyGeneratorResponse(t *testing.T) {
	gen := &fakeGenerator{respond: func(int, []models.ToolCall, []models.ToolResult) []models.Message {
		return nil
	}}
	ag := New("METAGEN", gen, newFakeExecutor(), Options{})

	got := collect(ag.StreamChat(context.Background(), models.NewUserMessage("s1", "hi")))
	assertTypes(t, got, models.MessageThinking, models.MessageError)
	if got[1].Error != ErrEmptyResponse.Error() {
		t.Errorf("error: %+v", got[1])
	}
}

func TestGeneratorFailureMarksTurnError(t *testing.T) {
	gen := &fakeGenerator{respond: func(int, []models.ToolCall, []models.ToolResult) []models.Message {
		return []models.Message{models.NewErrorMessage("", "model unavailable", "")}
	}}
	store := memory.NewMemStore()
	ag := New("METAGEN", gen, newFakeExecutor(), Options{Store: store})

	got := collect(ag.StreamChat(context.Background(), models.NewUserMessage("s1", "hi")))
	last := got[len(got)-1]
	if last.Type != models.MessageError {
		t.Fatalf("expected error message, got %+v", last)
	}

	turns, _ := store.RecentTurns(context.Background(), "METAGEN", 1)
	if len(turns) != 1 || turns[0].Status != models.TurnError {
		t.Errorf("turn record: %+v", turns)
	}
}

func TestLateApprovalIsIgnored(t *testing.T) {
	gen := &fakeGenerator{respond: func(call int, _ []models.ToolCall, _ []models.ToolResult) []models.Message {
		if call == 0 {
			return []models.Message{models.NewToolCallMessage("", []models.ToolCall{
				{ID: "1", Name: "write_file"},
			})}
		}
		return []models.Message{models.NewAgentMessage("", "done", false)}
	}}
	exec := newFakeExecutor("write_file")
	ag := New("METAGEN", gen, exec, Options{Config: &LoopConfig{RequireApproval: true}})

	out := ag.StreamChat(context.Background(), models.NewUserMessage("s1", "go"))
	approved := false
	for m := range out {
		if m.Type == models.MessageApprovalRequest && !approved {
			approved = true
			ag.Inbox() <- models.NewApprovalResponse("s1", m.ToolID, models.DecisionApproved, "")
			// A second response for the same tool is a late approval and
			// must not disturb the flow.
			ag.Inbox() <- models.NewApprovalResponse("s1", m.ToolID, models.DecisionRejected, "changed my mind")
		}
	}

	if calls := exec.executedCalls(); len(calls) != 1 {
		t.Errorf("executions: %+v", calls)
	}
}
