// Package agent implements the conversation loop: the bounded protocol
// that interleaves model generation with tool execution, including
// duplicate-call suppression, approval handling, and turn recording.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/metagen-ai/metagen/internal/memory"
	"github.com/metagen-ai/metagen/internal/observability"
	"github.com/metagen-ai/metagen/pkg/models"
)

// streamBufferSize is the capacity of per-turn output channels.
const streamBufferSize = 64

// Options configures an Agent beyond its generator and executor.
type Options struct {
	// SystemPrompt is prepended to every generation context.
	SystemPrompt string

	// Store persists turns and tool usage. Optional; when nil the agent
	// runs without history or persistence.
	Store memory.Store

	// Config tunes the loop; nil means defaults.
	Config *LoopConfig

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Agent is a long-lived actor that converts user messages into streams
// of response messages via a generator and a tool executor.
//
// The conversation loop operates as a state machine:
//
//	generate ──▶ no tool calls ──▶ final text, complete turn
//	    │
//	    └─▶ tool calls ──▶ tool flow (approve, execute) ──▶ generate
//
// bounded by MaxIterations cycles per turn.
type Agent struct {
	id        string
	system    string
	generator Generator
	executor  ToolExecutor
	store     memory.Store
	config    *LoopConfig
	approval  *ApprovalPolicy
	logger    *slog.Logger
	metrics   *observability.Metrics

	inbox chan models.Message

	trackerMu sync.Mutex
	tracker   *ToolTracker

	taskMu      sync.Mutex
	taskRequest *TaskExecutionRequest
}

// New creates an agent with the given identity, generator, and executor.
func New(id string, generator Generator, executor ToolExecutor, opts Options) *Agent {
	config := sanitizeLoopConfig(opts.Config)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		id:        id,
		system:    opts.SystemPrompt,
		generator: generator,
		executor:  executor,
		store:     opts.Store,
		config:    config,
		approval:  NewApprovalPolicy(config.RequireApproval, config.AutoApproveTools, config.ApprovalTimeout),
		logger:    logger.With("agent_id", id),
		metrics:   opts.Metrics,
		inbox:     make(chan models.Message, config.InboxSize),
	}
}

// ID returns the agent identity stamped on every outbound message.
func (a *Agent) ID() string { return a.id }

// Inbox is the agent's input mailbox. The manager submits user messages
// and approval responses here; during an approval wait the tool flow's
// monitor drains it directly.
func (a *Agent) Inbox() chan models.Message { return a.inbox }

// SetTaskRequest sets the task the agent is about to work on. The
// request is woven into the system prompt for the next turn.
func (a *Agent) SetTaskRequest(req *TaskExecutionRequest) {
	a.taskMu.Lock()
	a.taskRequest = req
	a.taskMu.Unlock()
}

// OwnsPendingTool reports whether the agent's active batch holds the
// tool id in pending_approval. The manager uses this to route approval
// responses to the right agent.
func (a *Agent) OwnsPendingTool(toolID string) bool {
	tracker := a.activeTracker()
	if tracker == nil {
		return false
	}
	t, ok := tracker.Get(toolID)
	return ok && t.Stage == StagePendingApproval
}

func (a *Agent) activeTracker() *ToolTracker {
	a.trackerMu.Lock()
	defer a.trackerMu.Unlock()
	return a.tracker
}

func (a *Agent) setActiveTracker(t *ToolTracker) {
	a.trackerMu.Lock()
	a.tracker = t
	a.trackerMu.Unlock()
}

// StreamChat translates one inbound message into a stream of outbound
// messages. User messages start a conversation turn; approval responses
// are routed into the active tool batch and yield nothing; any other
// type yields a single error.
func (a *Agent) StreamChat(ctx context.Context, msg models.Message) <-chan models.Message {
	out := make(chan models.Message, streamBufferSize)
	switch msg.Type {
	case models.MessageUser:
		go func() {
			defer close(out)
			a.runTurn(ctx, msg, out)
		}()
	case models.MessageApprovalResponse:
		a.RouteApproval(ctx, msg)
		close(out)
	default:
		out <- a.stamp(models.NewErrorMessage(msg.SessionID,
			"unsupported message type: "+string(msg.Type), ""))
		close(out)
	}
	return out
}

func (a *Agent) stamp(m models.Message) models.Message {
	m.AgentID = a.id
	return m
}

// runTurn executes one full conversation turn for a user message.
func (a *Agent) runTurn(ctx context.Context, user models.Message, out chan<- models.Message) {
	if a.generator == nil {
		out <- a.stamp(models.NewErrorMessage(user.SessionID, ErrNoGenerator.Error(), ""))
		return
	}

	start := time.Now()
	sessionID := user.SessionID
	ctx = WithSession(ctx, sessionID)

	ctx, span := otel.Tracer("metagen/agent").Start(ctx, "agent.turn",
		trace.WithAttributes(attribute.String("agent.id", a.id)))
	defer span.End()

	var turnID string
	if a.store != nil {
		turn, err := a.store.CreateTurn(ctx, memory.TurnRequest{
			AgentID:   a.id,
			UserQuery: user.Content,
			TraceID:   traceID(span),
		})
		if err != nil {
			a.logger.Warn("turn creation failed", "error", err)
		} else {
			turnID = turn.ID
		}
	}

	status := models.TurnCompleted
	toolsUsed := false
	var finalResponse, errorDetails string
	var genDuration time.Duration

	// The turn is completed exactly once, whichever exit path is taken.
	defer func() {
		if a.store != nil && turnID != "" {
			err := a.store.CompleteTurn(context.WithoutCancel(ctx), memory.TurnCompletion{
				TurnID:             turnID,
				Status:             status,
				AgentResponse:      finalResponse,
				ToolsUsed:          toolsUsed,
				ErrorDetails:       errorDetails,
				TotalDuration:      time.Since(start),
				GenerationDuration: genDuration,
			})
			if err != nil {
				a.logger.Warn("turn completion failed", "turn_id", turnID, "error", err)
			}
		}
		if a.metrics != nil {
			a.metrics.TurnCounter.WithLabelValues(a.id, string(status)).Inc()
			a.metrics.GenerationDuration.WithLabelValues(a.id).Observe(genDuration.Seconds())
		}
	}()

	out <- a.stamp(models.NewThinkingMessage(sessionID, "Processing your request..."))

	messages := a.buildContext(ctx, user)
	var prevCalls []models.ToolCall
	var prevResults []models.ToolResult
	callHistory := make(map[string]int)
	iteration := 0
	finished := false

	for iteration < a.config.MaxIterations {
		genStart := time.Now()
		stream, err := a.generator.Stream(ctx, messages, a.executor.Definitions(), prevCalls, prevResults)
		if err != nil {
			genDuration += time.Since(genStart)
			out <- a.stamp(models.NewErrorMessage(sessionID, ErrGeneration.Error(), err.Error()))
			status = models.TurnError
			errorDetails = err.Error()
			return
		}

		var buffered, toolCallMsg *models.Message
		var genErr error
		for m := range stream {
			m.AgentID = a.id
			if m.SessionID == "" {
				m.SessionID = sessionID
			}
			switch m.Type {
			case models.MessageAgent:
				mm := m
				buffered = &mm
			case models.MessageToolCall:
				mm := m
				toolCallMsg = &mm
			case models.MessageError:
				genErr = errors.New(m.Error)
			default:
				out <- m
			}
		}
		genDuration += time.Since(genStart)

		if genErr != nil {
			out <- a.stamp(models.NewErrorMessage(sessionID, ErrGeneration.Error(), genErr.Error()))
			status = models.TurnError
			errorDetails = genErr.Error()
			return
		}

		if toolCallMsg == nil {
			if buffered != nil {
				buffered.Final = true
				out <- *buffered
				finalResponse = buffered.Content
			} else {
				out <- a.stamp(models.NewErrorMessage(sessionID, ErrEmptyResponse.Error(), ""))
			}
			finished = true
			break
		}

		if buffered != nil {
			buffered.Final = false
			out <- *buffered
		}
		out <- *toolCallMsg
		toolsUsed = true

		executions := a.runToolFlow(ctx, out, sessionID, turnID, toolCallMsg.ToolCalls, callHistory)
		if ctx.Err() != nil {
			status = models.TurnError
			errorDetails = ctx.Err().Error()
			return
		}
		if len(executions) == 0 {
			finished = true
			break
		}

		prevCalls = make([]models.ToolCall, len(executions))
		prevResults = make([]models.ToolResult, len(executions))
		for i, exec := range executions {
			prevCalls[i] = exec.Call
			prevResults[i] = exec.Result
		}
		iteration++
	}

	// The iteration-limit exit preserves the partial transcript, so the
	// turn still records as completed.
	if !finished {
		out <- a.stamp(models.NewErrorMessage(sessionID, ErrMaxIterations.Error(), ""))
	}
}

// buildContext assembles the generation context: system prompt, a
// bounded window of recent turns, then the current user message.
func (a *Agent) buildContext(ctx context.Context, user models.Message) []models.Message {
	messages := []models.Message{{
		Type:      models.MessageSystem,
		Timestamp: time.Now(),
		AgentID:   a.id,
		Content:   a.systemPrompt(),
	}}

	if a.store != nil {
		turns, err := a.store.RecentTurns(ctx, a.id, a.config.ContextTurns)
		if err != nil {
			a.logger.Warn("history lookup failed", "error", err)
		} else {
			for i := len(turns) - 1; i >= 0; i-- {
				t := turns[i]
				if t.UserQuery != "" {
					messages = append(messages, models.NewUserMessage(user.SessionID, t.UserQuery))
				}
				if t.AgentResponse != "" {
					messages = append(messages, a.stamp(models.NewAgentMessage(user.SessionID, t.AgentResponse, true)))
				}
			}
		}
	}

	return append(messages, user)
}

func traceID(span trace.Span) string {
	sc := span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func (a *Agent) systemPrompt() string {
	a.taskMu.Lock()
	req := a.taskRequest
	a.taskMu.Unlock()
	if req == nil {
		return a.system
	}
	return a.system + "\n\n" + req.PromptContext()
}
