package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/metagen-ai/metagen/internal/memory"
)

// Stage is the lifecycle state of one tracked tool call.
type Stage string

const (
	StagePendingApproval Stage = "pending_approval"
	StageApproved        Stage = "approved"
	StageRejected        Stage = "rejected"
	StageExecuting       Stage = "executing"
	StageCompleted       Stage = "completed"
	StageFailed          Stage = "failed"
)

// stageSuccessors is the legal transition DAG. A tool never re-enters
// pending_approval once left; rejected, completed, and failed are
// terminal.
var stageSuccessors = map[Stage][]Stage{
	StagePendingApproval: {StageApproved, StageRejected},
	StageApproved:        {StageExecuting},
	StageExecuting:       {StageCompleted, StageFailed},
}

// Terminal reports whether the stage has no legal successors.
func (s Stage) Terminal() bool {
	return len(stageSuccessors[s]) == 0
}

func legalTransition(from, to Stage) bool {
	for _, next := range stageSuccessors[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TrackedTool is one tool call inside a batch, carrying its lifecycle
// stage and outcome.
type TrackedTool struct {
	ToolID   string
	ToolName string
	ToolArgs json.RawMessage

	Stage        Stage
	CreatedAt    time.Time
	UpdatedAt    time.Time
	AgentID      string
	TurnID       string
	Result       string
	Error        string
	UserFeedback string

	// previousStage holds the one-step rollback target used when stage
	// persistence fails.
	previousStage Stage

	// recordID is the persistent row id assigned by the memory store.
	recordID string
}

// StageUpdate carries the extras attached to a stage transition.
type StageUpdate struct {
	Result       string
	Error        string
	UserFeedback string
}

// TrackerConfig configures a ToolTracker.
type TrackerConfig struct {
	AgentID          string
	TurnID           string
	MaxToolsPerTurn  int
	MaxRepeatedCalls int
	Store            memory.Store
	Logger           *slog.Logger
}

// ToolTracker manages the lifecycle of one batch of concurrent tool
// calls: it holds the pending-approval count and a one-shot completion
// signal that fires when the last pending tool leaves pending_approval.
type ToolTracker struct {
	mu      sync.Mutex
	tools   map[string]*TrackedTool
	order   []string
	history map[string]int

	pendingCount int
	hadPending   bool
	signalFired  bool
	signal       chan struct{}

	agentID          string
	turnID           string
	maxToolsPerTurn  int
	maxRepeatedCalls int
	store            memory.Store
	logger           *slog.Logger
}

// NewToolTracker creates a tracker scoped to one tool batch.
func NewToolTracker(cfg TrackerConfig) *ToolTracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxTools := cfg.MaxToolsPerTurn
	if maxTools <= 0 {
		maxTools = DefaultLoopConfig().MaxToolsPerTurn
	}
	maxRepeated := cfg.MaxRepeatedCalls
	if maxRepeated <= 0 {
		maxRepeated = DefaultLoopConfig().MaxRepeatedCalls
	}
	return &ToolTracker{
		tools:            make(map[string]*TrackedTool),
		history:          make(map[string]int),
		signal:           make(chan struct{}),
		agentID:          cfg.AgentID,
		turnID:           cfg.TurnID,
		maxToolsPerTurn:  maxTools,
		maxRepeatedCalls: maxRepeated,
		store:            cfg.Store,
		logger:           logger,
	}
}

// AddTool inserts a tracked tool in its initial stage and records the
// call in the batch history. Persistence failures are logged but do not
// abort tracking.
func (tr *ToolTracker) AddTool(ctx context.Context, t *TrackedTool) {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.previousStage = t.Stage
	if t.AgentID == "" {
		t.AgentID = tr.agentID
	}
	if t.TurnID == "" {
		t.TurnID = tr.turnID
	}

	tr.mu.Lock()
	tr.tools[t.ToolID] = t
	tr.order = append(tr.order, t.ToolID)
	tr.history[callKey(t.ToolName, t.ToolArgs)]++
	if t.Stage == StagePendingApproval {
		tr.pendingCount++
		tr.hadPending = true
	}
	tr.mu.Unlock()

	if tr.store != nil && t.TurnID != "" {
		recordID, err := tr.store.RecordToolUsage(ctx, memory.ToolUsageRequest{
			TurnID:   t.TurnID,
			AgentID:  t.AgentID,
			ToolID:   t.ToolID,
			ToolName: t.ToolName,
			Args:     t.ToolArgs,
			Stage:    string(t.Stage),
		})
		if err != nil {
			tr.logger.Warn("tool usage persistence failed",
				"tool", t.ToolName, "tool_id", t.ToolID, "error", err)
			return
		}
		tr.mu.Lock()
		t.recordID = recordID
		tr.mu.Unlock()
	}
}

// UpdateStage transitions a tool to a new stage. Illegal transitions
// return a protocol violation without mutation. The transition is
// persisted when a store is configured; a persistence failure rolls the
// in-memory stage back and propagates the error. When the last pending
// tool leaves pending_approval, the completion signal fires.
func (tr *ToolTracker) UpdateStage(ctx context.Context, toolID string, stage Stage, update StageUpdate) error {
	tr.mu.Lock()
	t, ok := tr.tools[toolID]
	if !ok {
		tr.mu.Unlock()
		return fmt.Errorf("%w: unknown tool id %s", ErrProtocolViolation, toolID)
	}
	if !legalTransition(t.Stage, stage) {
		from := t.Stage
		tr.mu.Unlock()
		return fmt.Errorf("%w: cannot transition %s from %s to %s",
			ErrProtocolViolation, toolID, from, stage)
	}
	if stage == StageCompleted && update.Result == "" {
		tr.mu.Unlock()
		return fmt.Errorf("%w: completed requires a result", ErrProtocolViolation)
	}
	if stage == StageFailed && update.Error == "" {
		tr.mu.Unlock()
		return fmt.Errorf("%w: failed requires an error", ErrProtocolViolation)
	}
	if stage == StageRejected && update.Error == "" && update.UserFeedback == "" {
		tr.mu.Unlock()
		return fmt.Errorf("%w: rejected requires an error or feedback", ErrProtocolViolation)
	}

	wasPending := t.Stage == StagePendingApproval
	t.previousStage = t.Stage
	t.Stage = stage
	t.UpdatedAt = time.Now()
	if update.Result != "" {
		t.Result = update.Result
	}
	if update.Error != "" {
		t.Error = update.Error
	}
	if update.UserFeedback != "" {
		t.UserFeedback = update.UserFeedback
	}
	recordID := t.recordID
	tr.mu.Unlock()

	if tr.store != nil && recordID != "" {
		if err := tr.persistStage(ctx, recordID, stage, update); err != nil {
			tr.mu.Lock()
			t.Stage = t.previousStage
			tr.mu.Unlock()
			return fmt.Errorf("persist stage %s for %s: %w", stage, toolID, err)
		}
	}

	if wasPending {
		tr.mu.Lock()
		tr.pendingCount--
		if tr.pendingCount == 0 && !tr.signalFired {
			tr.signalFired = true
			close(tr.signal)
		}
		tr.mu.Unlock()
	}
	return nil
}

func (tr *ToolTracker) persistStage(ctx context.Context, recordID string, stage Stage, update StageUpdate) error {
	switch stage {
	case StageApproved:
		return tr.store.UpdateToolApproval(ctx, recordID, true, update.UserFeedback)
	case StageRejected:
		feedback := update.UserFeedback
		if feedback == "" {
			feedback = update.Error
		}
		return tr.store.UpdateToolApproval(ctx, recordID, false, feedback)
	case StageExecuting:
		return tr.store.StartToolExecution(ctx, recordID)
	case StageCompleted:
		return tr.store.CompleteToolExecution(ctx, recordID, update.Result, false, "")
	case StageFailed:
		return tr.store.CompleteToolExecution(ctx, recordID, "", true, update.Error)
	}
	return nil
}

// Get returns a snapshot of the tracked tool.
func (tr *ToolTracker) Get(toolID string) (TrackedTool, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, ok := tr.tools[toolID]
	if !ok {
		return TrackedTool{}, false
	}
	return *t, true
}

// GetToolsByStage returns snapshots of all tools in the given stage, in
// insertion order.
func (tr *ToolTracker) GetToolsByStage(stage Stage) []TrackedTool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []TrackedTool
	for _, id := range tr.order {
		if t := tr.tools[id]; t.Stage == stage {
			out = append(out, *t)
		}
	}
	return out
}

// GetPendingApprovals returns the tools still awaiting approval, in
// insertion order.
func (tr *ToolTracker) GetPendingApprovals() []TrackedTool {
	return tr.GetToolsByStage(StagePendingApproval)
}

// Snapshot returns all tracked tools in insertion order.
func (tr *ToolTracker) Snapshot() []TrackedTool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]TrackedTool, 0, len(tr.order))
	for _, id := range tr.order {
		out = append(out, *tr.tools[id])
	}
	return out
}

// CountByStage returns the number of tools per stage.
func (tr *ToolTracker) CountByStage() map[Stage]int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	counts := make(map[Stage]int)
	for _, t := range tr.tools {
		counts[t.Stage]++
	}
	return counts
}

// HasNonTerminal reports whether any tool is still in a non-terminal stage.
func (tr *ToolTracker) HasNonTerminal() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, t := range tr.tools {
		if !t.Stage.Terminal() {
			return true
		}
	}
	return false
}

// PendingCount returns the number of tools awaiting approval.
func (tr *ToolTracker) PendingCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.pendingCount
}

// WaitForApprovals returns the completion signal. It is closed exactly
// once, when the last pending tool leaves pending_approval.
func (tr *ToolTracker) WaitForApprovals() <-chan struct{} {
	return tr.signal
}

// CanExecute reports whether another call to the named tool may be
// admitted to this batch. It refuses when the batch is full or when the
// identical (name, canonical args) call has already been recorded too
// many times.
func (tr *ToolTracker) CanExecute(name string, args json.RawMessage) (bool, string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.tools) >= tr.maxToolsPerTurn {
		return false, fmt.Sprintf("too many tools in one turn (limit %d)", tr.maxToolsPerTurn)
	}
	if tr.history[callKey(name, args)] >= tr.maxRepeatedCalls {
		return false, "too many identical calls"
	}
	return true, ""
}

// callKey canonicalizes a (tool, args) pair for duplicate detection.
// Decoding and re-encoding the arguments sorts object keys.
func callKey(name string, args json.RawMessage) string {
	if len(args) == 0 {
		return name + "()"
	}
	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return name + "(" + string(args) + ")"
	}
	canonical, err := json.Marshal(value)
	if err != nil {
		return name + "(" + string(args) + ")"
	}
	return name + "(" + string(canonical) + ")"
}
