package memory

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/metagen-ai/metagen/pkg/models"
)

func TestPostgresCreateTurn(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := NewPostgresStoreFromDB(db)

	mock.ExpectQuery(`INSERT INTO conversation_turns`).
		WithArgs(sqlmock.AnyArg(), "METAGEN", sqlmock.AnyArg(), "hello", "in_progress", "").
		WillReturnRows(sqlmock.NewRows([]string{"turn_number"}).AddRow(7))

	turn, err := store.CreateTurn(context.Background(), TurnRequest{AgentID: "METAGEN", UserQuery: "hello"})
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	if turn.TurnNumber != 7 {
		t.Errorf("turn number: got %d, want 7", turn.TurnNumber)
	}
	if turn.Status != models.TurnInProgress {
		t.Errorf("status: got %q", turn.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresCompleteTurn(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := NewPostgresStoreFromDB(db)

	mock.ExpectExec(`UPDATE conversation_turns`).
		WithArgs("turn-1", "completed", "done", true, "", int64(1500), int64(900)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.CompleteTurn(context.Background(), TurnCompletion{
		TurnID:             "turn-1",
		Status:             models.TurnCompleted,
		AgentResponse:      "done",
		ToolsUsed:          true,
		TotalDuration:      1500 * 1e6,
		GenerationDuration: 900 * 1e6,
	})
	if err != nil {
		t.Fatalf("complete turn: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresCompleteTurnNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := NewPostgresStoreFromDB(db)

	mock.ExpectExec(`UPDATE conversation_turns`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.CompleteTurn(context.Background(), TurnCompletion{TurnID: "missing", Status: models.TurnError})
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresToolUsageUpdates(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := NewPostgresStoreFromDB(db)

	mock.ExpectExec(`INSERT INTO tool_usage`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tool_usage`).
		WithArgs(sqlmock.AnyArg(), "rejected", false, "not today").
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := store.RecordToolUsage(context.Background(), ToolUsageRequest{
		TurnID: "turn-1", AgentID: "METAGEN", ToolID: "1", ToolName: "write_file",
		Stage: "pending_approval",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.UpdateToolApproval(context.Background(), id, false, "not today"); err != nil {
		t.Fatalf("approval: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
