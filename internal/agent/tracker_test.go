package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/metagen-ai/metagen/internal/memory"
)

// failingStore wraps a real store and injects failures per call site.
type failingStore struct {
	memory.Store
	failApproval  bool
	failExecution bool
}

func newFailingStore() *failingStore {
	return &failingStore{Store: memory.NewMemStore()}
}

func (s *failingStore) UpdateToolApproval(ctx context.Context, recordID string, approved bool, feedback string) error {
	if s.failApproval {
		return errors.New("db down")
	}
	return s.Store.UpdateToolApproval(ctx, recordID, approved, feedback)
}

func (s *failingStore) StartToolExecution(ctx context.Context, recordID string) error {
	if s.failExecution {
		return errors.New("db down")
	}
	return s.Store.StartToolExecution(ctx, recordID)
}

func newTestTracker(store memory.Store) *ToolTracker {
	return NewToolTracker(TrackerConfig{
		AgentID:          "METAGEN",
		TurnID:           "turn-1",
		MaxToolsPerTurn:  100,
		MaxRepeatedCalls: 3,
		Store:            store,
	})
}

func TestTrackerStageTransitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		from    Stage
		to      Stage
		update  StageUpdate
		wantErr bool
	}{
		{"pending to approved", StagePendingApproval, StageApproved, StageUpdate{}, false},
		{"pending to rejected", StagePendingApproval, StageRejected, StageUpdate{Error: "no"}, false},
		{"approved to executing", StageApproved, StageExecuting, StageUpdate{}, false},
		{"executing to completed", StageExecuting, StageCompleted, StageUpdate{Result: "ok"}, false},
		{"executing to failed", StageExecuting, StageFailed, StageUpdate{Error: "boom"}, false},
		{"pending to executing skips approval", StagePendingApproval, StageExecuting, StageUpdate{}, true},
		{"approved to completed skips executing", StageApproved, StageCompleted, StageUpdate{Result: "ok"}, true},
		{"rejected is terminal", StageRejected, StageApproved, StageUpdate{}, true},
		{"completed without result", StageExecuting, StageCompleted, StageUpdate{}, true},
		{"failed without error", StageExecuting, StageFailed, StageUpdate{}, true},
		{"rejected without reason", StagePendingApproval, StageRejected, StageUpdate{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTracker(nil)
			tr.AddTool(ctx, &TrackedTool{ToolID: "1", ToolName: "calc", Stage: tt.from})
			err := tr.UpdateStage(ctx, "1", tt.to, tt.update)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UpdateStage(%s→%s): err = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrProtocolViolation) {
					t.Errorf("expected protocol violation, got %v", err)
				}
				got, _ := tr.Get("1")
				if got.Stage != tt.from {
					t.Errorf("stage mutated on illegal transition: %s", got.Stage)
				}
			}
		})
	}
}

func TestTrackerUnknownTool(t *testing.T) {
	tr := newTestTracker(nil)
	err := tr.UpdateStage(context.Background(), "ghost", StageApproved, StageUpdate{})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestTrackerPendingCountAndSignal(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(nil)

	tr.AddTool(ctx, &TrackedTool{ToolID: "1", ToolName: "a", Stage: StagePendingApproval})
	tr.AddTool(ctx, &TrackedTool{ToolID: "2", ToolName: "b", Stage: StagePendingApproval})
	tr.AddTool(ctx, &TrackedTool{ToolID: "3", ToolName: "c", Stage: StageApproved})

	if got := tr.PendingCount(); got != 2 {
		t.Fatalf("pending count: got %d, want 2", got)
	}
	if got := len(tr.GetPendingApprovals()); got != 2 {
		t.Fatalf("pending approvals: got %d, want 2", got)
	}

	if err := tr.UpdateStage(ctx, "1", StageApproved, StageUpdate{}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-tr.WaitForApprovals():
		t.Fatal("signal fired with one approval still pending")
	default:
	}

	if err := tr.UpdateStage(ctx, "2", StageRejected, StageUpdate{UserFeedback: "no"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-tr.WaitForApprovals():
	default:
		t.Fatal("signal did not fire after last pending tool resolved")
	}
	if got := tr.PendingCount(); got != 0 {
		t.Errorf("pending count after resolution: got %d", got)
	}
}

func TestTrackerPersistenceRollback(t *testing.T) {
	ctx := context.Background()
	store := newFailingStore()
	tr := newTestTracker(store)

	tr.AddTool(ctx, &TrackedTool{ToolID: "1", ToolName: "write_file", Stage: StagePendingApproval})

	store.failApproval = true
	err := tr.UpdateStage(ctx, "1", StageApproved, StageUpdate{})
	if err == nil {
		t.Fatal("expected persistence error")
	}
	got, _ := tr.Get("1")
	if got.Stage != StagePendingApproval {
		t.Errorf("stage not rolled back: %s", got.Stage)
	}
	if tr.PendingCount() != 1 {
		t.Errorf("pending count changed on failed transition: %d", tr.PendingCount())
	}
	select {
	case <-tr.WaitForApprovals():
		t.Error("signal fired despite rollback")
	default:
	}

	// Once the store recovers the same transition succeeds.
	store.failApproval = false
	if err := tr.UpdateStage(ctx, "1", StageApproved, StageUpdate{}); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	select {
	case <-tr.WaitForApprovals():
	default:
		t.Error("signal did not fire after recovery")
	}
}

func TestTrackerAddToolPersistenceNonFatal(t *testing.T) {
	ctx := context.Background()
	store := newFailingStore()
	store.failApproval = false
	tr := NewToolTracker(TrackerConfig{AgentID: "METAGEN", Store: store})

	// No turn id: nothing persisted, tracking still works.
	tr.AddTool(ctx, &TrackedTool{ToolID: "1", ToolName: "calc", Stage: StageApproved})
	if _, ok := tr.Get("1"); !ok {
		t.Fatal("tool not tracked")
	}
}

func TestTrackerCanExecute(t *testing.T) {
	ctx := context.Background()
	tr := NewToolTracker(TrackerConfig{MaxToolsPerTurn: 2, MaxRepeatedCalls: 2})

	args := json.RawMessage(`{"x":1}`)
	if ok, _ := tr.CanExecute("calc", args); !ok {
		t.Fatal("empty tracker should accept")
	}
	tr.AddTool(ctx, &TrackedTool{ToolID: "1", ToolName: "calc", ToolArgs: args, Stage: StageApproved})
	tr.AddTool(ctx, &TrackedTool{ToolID: "2", ToolName: "calc", ToolArgs: args, Stage: StageApproved})

	if ok, reason := tr.CanExecute("clock", nil); ok || reason == "" {
		t.Errorf("batch over capacity accepted: ok=%v reason=%q", ok, reason)
	}
}

func TestTrackerDuplicateDetection(t *testing.T) {
	ctx := context.Background()
	tr := NewToolTracker(TrackerConfig{MaxToolsPerTurn: 100, MaxRepeatedCalls: 2})

	tr.AddTool(ctx, &TrackedTool{ToolID: "1", ToolName: "calc", ToolArgs: json.RawMessage(`{"x":1,"y":2}`), Stage: StageApproved})
	tr.AddTool(ctx, &TrackedTool{ToolID: "2", ToolName: "calc", ToolArgs: json.RawMessage(`{"y":2,"x":1}`), Stage: StageApproved})

	// Key order does not matter: both calls above are identical.
	if ok, reason := tr.CanExecute("calc", json.RawMessage(`{"x":1,"y":2}`)); ok {
		t.Errorf("third identical call accepted: %q", reason)
	}
	if ok, _ := tr.CanExecute("calc", json.RawMessage(`{"x":9}`)); !ok {
		t.Error("different args refused")
	}
}

func TestCallKeyCanonicalization(t *testing.T) {
	a := callKey("calc", json.RawMessage(`{"x":1,"y":{"b":2,"a":3}}`))
	b := callKey("calc", json.RawMessage(`{"y":{"a":3,"b":2},"x":1}`))
	if a != b {
		t.Errorf("canonical keys differ: %q vs %q", a, b)
	}
	if callKey("calc", nil) != "calc()" {
		t.Errorf("empty args key: %q", callKey("calc", nil))
	}
	if callKey("calc", json.RawMessage(`{"x":1}`)) == callKey("clock", json.RawMessage(`{"x":1}`)) {
		t.Error("different tools share a key")
	}
}
