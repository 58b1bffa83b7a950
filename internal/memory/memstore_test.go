package memory

import (
	"context"
	"testing"

	"github.com/metagen-ai/metagen/pkg/models"
)

func TestMemStoreTurnNumbersMonotone(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		turn, err := store.CreateTurn(ctx, TurnRequest{AgentID: "METAGEN", UserQuery: "q"})
		if err != nil {
			t.Fatalf("create turn: %v", err)
		}
		if turn.TurnNumber != i {
			t.Errorf("turn %d: got number %d", i, turn.TurnNumber)
		}
		if turn.Status != models.TurnInProgress {
			t.Errorf("new turn status: got %q", turn.Status)
		}
	}

	// A different agent gets its own sequence.
	turn, err := store.CreateTurn(ctx, TurnRequest{AgentID: "taskgen", UserQuery: "q"})
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	if turn.TurnNumber != 1 {
		t.Errorf("other agent turn number: got %d, want 1", turn.TurnNumber)
	}
}

func TestMemStoreCompleteTurn(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	turn, err := store.CreateTurn(ctx, TurnRequest{AgentID: "METAGEN", UserQuery: "hello"})
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}

	err = store.CompleteTurn(ctx, TurnCompletion{
		TurnID:        turn.ID,
		Status:        models.TurnCompleted,
		AgentResponse: "hi",
		ToolsUsed:     true,
	})
	if err != nil {
		t.Fatalf("complete turn: %v", err)
	}

	turns, err := store.RecentTurns(ctx, "METAGEN", 10)
	if err != nil {
		t.Fatalf("recent turns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want 1", len(turns))
	}
	if turns[0].Status != models.TurnCompleted || turns[0].AgentResponse != "hi" || !turns[0].ToolsUsed {
		t.Errorf("completion not applied: %+v", turns[0])
	}

	if err := store.CompleteTurn(ctx, TurnCompletion{TurnID: "missing"}); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreRecentTurnsNewestFirst(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	for _, q := range []string{"first", "second", "third"} {
		if _, err := store.CreateTurn(ctx, TurnRequest{AgentID: "METAGEN", UserQuery: q}); err != nil {
			t.Fatal(err)
		}
	}

	turns, err := store.RecentTurns(ctx, "METAGEN", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].UserQuery != "third" || turns[1].UserQuery != "second" {
		t.Errorf("wrong order: %q, %q", turns[0].UserQuery, turns[1].UserQuery)
	}
}

func TestMemStoreToolUsageLifecycle(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	id, err := store.RecordToolUsage(ctx, ToolUsageRequest{
		TurnID:   "t1",
		AgentID:  "METAGEN",
		ToolID:   "1",
		ToolName: "calc",
		Stage:    "pending_approval",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := store.UpdateToolApproval(ctx, id, true, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := store.StartToolExecution(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := store.CompleteToolExecution(ctx, id, "2", false, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	row := store.toolUsage[id]
	if row.stage != "completed" || row.result != "2" || row.isError {
		t.Errorf("unexpected final row: %+v", row)
	}

	if err := store.StartToolExecution(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
