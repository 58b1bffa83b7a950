package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/metagen-ai/metagen/pkg/models"
)

// PostgresConfig holds connection settings for the Postgres store.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns the default pool configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a Postgres-backed store from a DSN/URL and
// initializes the schema.
func NewPostgresStore(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreFromDB wraps an existing connection without schema
// initialization. Used by tests.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			turn_number BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			user_query TEXT NOT NULL,
			agent_response TEXT,
			tools_used BOOLEAN NOT NULL DEFAULT false,
			status TEXT NOT NULL,
			trace_id TEXT,
			total_duration_ms BIGINT,
			generation_duration_ms BIGINT,
			error_details TEXT,
			compacted BOOLEAN NOT NULL DEFAULT false,
			UNIQUE (agent_id, turn_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_agent_created
			ON conversation_turns (agent_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS tool_usage (
			id TEXT PRIMARY KEY,
			turn_id TEXT NOT NULL REFERENCES conversation_turns (id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL,
			tool_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			tool_args JSONB,
			stage TEXT NOT NULL,
			approved BOOLEAN,
			feedback TEXT,
			result TEXT,
			is_error BOOLEAN NOT NULL DEFAULT false,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
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

func (s *PostgresStore) CreateTurn(ctx context.Context, req TurnRequest) (*models.ConversationTurn, error) {
	turn := &models.ConversationTurn{
		ID:        uuid.NewString(),
		AgentID:   req.AgentID,
		Timestamp: time.Now(),
		UserQuery: req.UserQuery,
		Status:    models.TurnInProgress,
		TraceID:   req.TraceID,
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO conversation_turns (id, agent_id, turn_number, created_at, user_query, status, trace_id)
		VALUES ($1, $2,
			COALESCE((SELECT MAX(turn_number) FROM conversation_turns WHERE agent_id = $2), 0) + 1,
			$3, $4, $5, $6)
		RETURNING turn_number`,
		turn.ID, turn.AgentID, turn.Timestamp, turn.UserQuery, string(turn.Status), turn.TraceID,
	)
	if err := row.Scan(&turn.TurnNumber); err != nil {
		return nil, fmt.Errorf("create turn: %w", err)
	}
	return turn, nil
}

func (s *PostgresStore) CompleteTurn(ctx context.Context, completion TurnCompletion) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversation_turns
		SET status = $2, agent_response = $3, tools_used = $4, error_details = $5,
			total_duration_ms = $6, generation_duration_ms = $7
		WHERE id = $1`,
		completion.TurnID, string(completion.Status), completion.AgentResponse,
		completion.ToolsUsed, completion.ErrorDetails,
		completion.TotalDuration.Milliseconds(), completion.GenerationDuration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("complete turn: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, agentID string, limit int) ([]models.ConversationTurn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, turn_number, created_at, user_query,
			COALESCE(agent_response, ''), tools_used, status,
			COALESCE(trace_id, ''), COALESCE(error_details, ''), compacted
		FROM conversation_turns
		WHERE agent_id = $1
		ORDER BY turn_number DESC
		LIMIT $2`,
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

func (s *PostgresStore) RecordToolUsage(ctx context.Context, req ToolUsageRequest) (string, error) {
	id := uuid.NewString()
	args := req.Args
	if len(args) == 0 {
		args = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_usage (id, turn_id, agent_id, tool_id, tool_name, tool_args, stage)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, req.TurnID, req.AgentID, req.ToolID, req.ToolName, []byte(args), req.Stage,
	)
	if err != nil {
		return "", fmt.Errorf("record tool usage: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateToolApproval(ctx context.Context, recordID string, approved bool, feedback string) error {
	stage := "rejected"
	if approved {
		stage = "approved"
	}
	return s.updateUsage(ctx, `
		UPDATE tool_usage
		SET stage = $2, approved = $3, feedback = $4, updated_at = now()
		WHERE id = $1`,
		recordID, stage, approved, feedback)
}

func (s *PostgresStore) StartToolExecution(ctx context.Context, recordID string) error {
	return s.updateUsage(ctx, `
		UPDATE tool_usage SET stage = 'executing', updated_at = now() WHERE id = $1`,
		recordID)
}

func (s *PostgresStore) CompleteToolExecution(ctx context.Context, recordID, result string, isError bool, errMsg string) error {
	stage := "completed"
	if isError {
		stage = "failed"
	}
	return s.updateUsage(ctx, `
		UPDATE tool_usage
		SET stage = $2, result = $3, is_error = $4, error = $5, updated_at = now()
		WHERE id = $1`,
		recordID, stage, result, isError, errMsg)
}

func (s *PostgresStore) updateUsage(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update tool usage: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
