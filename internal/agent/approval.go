package agent

import (
	"context"
	"time"

	"github.com/metagen-ai/metagen/pkg/models"
)

// ApprovalPolicy decides which tools need explicit user approval before
// execution. A tool requires approval iff approvals are enabled and the
// tool is not auto-approved. The policy is evaluated once per call, at
// the moment the tool is added to the tracker.
type ApprovalPolicy struct {
	require     bool
	autoApprove map[string]struct{}
	timeout     time.Duration
}

// NewApprovalPolicy builds a policy from configuration.
func NewApprovalPolicy(require bool, autoApprove []string, timeout time.Duration) *ApprovalPolicy {
	set := make(map[string]struct{}, len(autoApprove))
	for _, name := range autoApprove {
		set[name] = struct{}{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ApprovalPolicy{require: require, autoApprove: set, timeout: timeout}
}

// Requires reports whether the named tool needs user approval.
func (p *ApprovalPolicy) Requires(toolName string) bool {
	if !p.require {
		return false
	}
	_, auto := p.autoApprove[toolName]
	return !auto
}

// Timeout is the bound on waiting for a whole approval batch.
func (p *ApprovalPolicy) Timeout() time.Duration {
	return p.timeout
}

// RouteApproval applies an approval response to the agent's currently
// active tracker. It is a pure side effect: orphan, unknown, and late
// approvals are logged and dropped without mutation.
func (a *Agent) RouteApproval(ctx context.Context, msg models.Message) {
	tracker := a.activeTracker()
	if tracker == nil {
		a.logger.Warn("orphan approval: no active tool batch",
			"agent_id", a.id, "tool_id", msg.ToolID)
		return
	}
	t, ok := tracker.Get(msg.ToolID)
	if !ok {
		a.logger.Warn("approval for unknown tool id",
			"agent_id", a.id, "tool_id", msg.ToolID)
		return
	}
	if t.Stage != StagePendingApproval {
		a.logger.Warn("late approval ignored",
			"agent_id", a.id, "tool_id", msg.ToolID, "stage", t.Stage)
		return
	}

	stage := StageRejected
	update := StageUpdate{UserFeedback: msg.Feedback}
	if msg.Decision == models.DecisionApproved {
		stage = StageApproved
	} else if update.UserFeedback == "" {
		update.UserFeedback = "rejected by user"
	}
	if err := tracker.UpdateStage(ctx, msg.ToolID, stage, update); err != nil {
		a.logger.Warn("approval routing failed",
			"agent_id", a.id, "tool_id", msg.ToolID, "error", err)
		return
	}
	if a.metrics != nil {
		a.metrics.ApprovalCounter.WithLabelValues(string(msg.Decision)).Inc()
	}
}
