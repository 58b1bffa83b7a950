package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/metagen-ai/metagen/pkg/models"
)

// maxTurnsPerAgent bounds retained turns per agent to prevent unbounded
// memory growth; oldest turns are trimmed first.
const maxTurnsPerAgent = 1000

type toolUsageRow struct {
	id        string
	turnID    string
	agentID   string
	toolID    string
	toolName  string
	stage     string
	approved  bool
	feedback  string
	result    string
	isError   bool
	errMsg    string
	updatedAt time.Time
}

// MemStore is a thread-safe in-memory Store for tests and local runs.
type MemStore struct {
	mu          sync.RWMutex
	turns       map[string]*models.ConversationTurn
	turnOrder   map[string][]string // agentID -> turn ids, oldest first
	turnNumbers map[string]int      // agentID -> last assigned turn number
	toolUsage   map[string]*toolUsageRow
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		turns:       map[string]*models.ConversationTurn{},
		turnOrder:   map[string][]string{},
		turnNumbers: map[string]int{},
		toolUsage:   map[string]*toolUsageRow{},
	}
}

func (m *MemStore) CreateTurn(ctx context.Context, req TurnRequest) (*models.ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.turnNumbers[req.AgentID]++
	turn := &models.ConversationTurn{
		ID:         uuid.NewString(),
		AgentID:    req.AgentID,
		TurnNumber: m.turnNumbers[req.AgentID],
		Timestamp:  time.Now(),
		UserQuery:  req.UserQuery,
		Status:     models.TurnInProgress,
		TraceID:    req.TraceID,
	}
	m.turns[turn.ID] = turn
	order := append(m.turnOrder[req.AgentID], turn.ID)
	if len(order) > maxTurnsPerAgent {
		for _, id := range order[:len(order)-maxTurnsPerAgent] {
			delete(m.turns, id)
		}
		order = order[len(order)-maxTurnsPerAgent:]
	}
	m.turnOrder[req.AgentID] = order

	clone := *turn
	return &clone, nil
}

func (m *MemStore) CompleteTurn(ctx context.Context, completion TurnCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	turn, ok := m.turns[completion.TurnID]
	if !ok {
		return ErrNotFound
	}
	turn.Status = completion.Status
	turn.AgentResponse = completion.AgentResponse
	turn.ToolsUsed = completion.ToolsUsed
	turn.ErrorDetails = completion.ErrorDetails
	turn.TotalDuration = completion.TotalDuration
	turn.GenerationDuration = completion.GenerationDuration
	return nil
}

func (m *MemStore) RecentTurns(ctx context.Context, agentID string, limit int) ([]models.ConversationTurn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order := m.turnOrder[agentID]
	if limit <= 0 || limit > len(order) {
		limit = len(order)
	}
	result := make([]models.ConversationTurn, 0, limit)
	for i := len(order) - 1; i >= 0 && len(result) < limit; i-- {
		if turn, ok := m.turns[order[i]]; ok {
			result = append(result, *turn)
		}
	}
	return result, nil
}

func (m *MemStore) RecordToolUsage(ctx context.Context, req ToolUsageRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := &toolUsageRow{
		id:        uuid.NewString(),
		turnID:    req.TurnID,
		agentID:   req.AgentID,
		toolID:    req.ToolID,
		toolName:  req.ToolName,
		stage:     req.Stage,
		updatedAt: time.Now(),
	}
	m.toolUsage[row.id] = row
	return row.id, nil
}

func (m *MemStore) UpdateToolApproval(ctx context.Context, recordID string, approved bool, feedback string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.toolUsage[recordID]
	if !ok {
		return ErrNotFound
	}
	row.approved = approved
	row.feedback = feedback
	if approved {
		row.stage = "approved"
	} else {
		row.stage = "rejected"
	}
	row.updatedAt = time.Now()
	return nil
}

func (m *MemStore) StartToolExecution(ctx context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.toolUsage[recordID]
	if !ok {
		return ErrNotFound
	}
	row.stage = "executing"
	row.updatedAt = time.Now()
	return nil
}

func (m *MemStore) CompleteToolExecution(ctx context.Context, recordID, result string, isError bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.toolUsage[recordID]
	if !ok {
		return ErrNotFound
	}
	row.result = result
	row.isError = isError
	row.errMsg = errMsg
	if isError {
		row.stage = "failed"
	} else {
		row.stage = "completed"
	}
	row.updatedAt = time.Now()
	return nil
}

func (m *MemStore) Close() error {
	return nil
}
