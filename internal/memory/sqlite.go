package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/metagen-ai/metagen/pkg/models"
)

// SQLiteStore implements Store backed by a local SQLite file. Intended
// for single-instance and development deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store at path.
// Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent trackers.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			turn_number INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			user_query TEXT NOT NULL,
			agent_response TEXT,
			tools_used INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			trace_id TEXT,
			total_duration_ms INTEGER,
			generation_duration_ms INTEGER,
			error_details TEXT,
			compacted INTEGER NOT NULL DEFAULT 0,
			UNIQUE (agent_id, turn_number)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_usage (
			id TEXT PRIMARY KEY,
			turn_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			tool_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			tool_args TEXT,
			stage TEXT NOT NULL,
			approved INTEGER,
			feedback TEXT,
			result TEXT,
			is_error INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_usage_turn ON tool_usage (turn_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateTurn(ctx context.Context, req TurnRequest) (*models.ConversationTurn, error) {
	turn := &models.ConversationTurn{
		ID:        uuid.NewString(),
		AgentID:   req.AgentID,
		Timestamp: time.Now(),
		UserQuery: req.UserQuery,
		Status:    models.TurnInProgress,
		TraceID:   req.TraceID,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create turn: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_number), 0) + 1 FROM conversation_turns WHERE agent_id = ?`,
		req.AgentID)
	if err := row.Scan(&turn.TurnNumber); err != nil {
		return nil, fmt.Errorf("next turn number: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_turns (id, agent_id, turn_number, created_at, user_query, status, trace_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.AgentID, turn.TurnNumber, turn.Timestamp, turn.UserQuery,
		string(turn.Status), turn.TraceID,
	)
	if err != nil {
		return nil, fmt.Errorf("create turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create turn: %w", err)
	}
	return turn, nil
}

func (s *SQLiteStore) CompleteTurn(ctx context.Context, completion TurnCompletion) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversation_turns
		SET status = ?, agent_response = ?, tools_used = ?, error_details = ?,
			total_duration_ms = ?, generation_duration_ms = ?
		WHERE id = ?`,
		string(completion.Status), completion.AgentResponse, completion.ToolsUsed,
		completion.ErrorDetails, completion.TotalDuration.Milliseconds(),
		completion.GenerationDuration.Milliseconds(), completion.TurnID,
	)
	if err != nil {
		return fmt.Errorf("complete turn: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) RecentTurns(ctx context.Context, agentID string, limit int) ([]models.ConversationTurn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, turn_number, created_at, user_query,
			COALESCE(agent_response, ''), tools_used, status,
			COALESCE(trace_id, ''), COALESCE(error_details, ''), compacted
		FROM conversation_turns
		WHERE agent_id = ?
		ORDER BY turn_number DESC
		LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var turn models.ConversationTurn
		var status string
		if err := rows.Scan(&turn.ID, &turn.AgentID, &turn.TurnNumber, &turn.Timestamp,
			&turn.UserQuery, &turn.AgentResponse, &turn.ToolsUsed, &status,
			&turn.TraceID, &turn.ErrorDetails, &turn.Compacted); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Status = models.TurnStatus(status)
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) RecordToolUsage(ctx context.Context, req ToolUsageRequest) (string, error) {
	id := uuid.NewString()
	args := string(req.Args)
	if args == "" {
		args = "{}"
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_usage (id, turn_id, agent_id, tool_id, tool_name, tool_args, stage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, req.TurnID, req.AgentID, req.ToolID, req.ToolName, args, req.Stage, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("record tool usage: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) UpdateToolApproval(ctx context.Context, recordID string, approved bool, feedback string) error {
	stage := "rejected"
	if approved {
		stage = "approved"
	}
	return s.updateUsage(ctx, `
		UPDATE tool_usage SET stage = ?, approved = ?, feedback = ?, updated_at = ? WHERE id = ?`,
		stage, approved, feedback, time.Now(), recordID)
}

func (s *SQLiteStore) StartToolExecution(ctx context.Context, recordID string) error {
	return s.updateUsage(ctx, `
		UPDATE tool_usage SET stage = 'executing', updated_at = ? WHERE id = ?`,
		time.Now(), recordID)
}

func (s *SQLiteStore) CompleteToolExecution(ctx context.Context, recordID, result string, isError bool, errMsg string) error {
	stage := "completed"
	if isError {
		stage = "failed"
	}
	return s.updateUsage(ctx, `
		UPDATE tool_usage SET stage = ?, result = ?, is_error = ?, error = ?, updated_at = ? WHERE id = ?`,
		stage, result, isError, errMsg, time.Now(), recordID)
}

func (s *SQLiteStore) updateUsage(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update tool usage: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
