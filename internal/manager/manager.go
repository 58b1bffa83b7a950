// Package manager owns the two-agent topology: a meta agent facing the
// user and a task agent executing delegated work. It runs one worker per
// agent, routes the merged output stream into per-session queues, and
// coordinates execute_task dispatches between the agents.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/metagen-ai/metagen/internal/agent"
	"github.com/metagen-ai/metagen/internal/backoff"
	"github.com/metagen-ai/metagen/internal/observability"
	"github.com/metagen-ai/metagen/internal/tools"
	"github.com/metagen-ai/metagen/pkg/models"
)

const (
	// outputBufferSize is the capacity of the merged agent output stream.
	outputBufferSize = 256

	// maxWorkerFailures stops a worker after this many consecutive
	// errored turns; a generator that fails every turn is not going to
	// recover by retrying forever.
	maxWorkerFailures = 5

	// completionBufferSize is the capacity of each execute_task
	// completion channel. One slot: each dispatch gets exactly one
	// completion, and the router must never block on delivery.
	completionBufferSize = 1
)

// envelope pairs an agent message with the worker that produced it, so
// the router can tell task-agent finals from meta-agent finals.
type envelope struct {
	agentID string
	msg     models.Message
}

// Config tunes the manager.
type Config struct {
	// SessionIdleTimeout drops session queues that have had no traffic
	// for this long. Zero disables the janitor.
	SessionIdleTimeout time.Duration

	// SessionBufferSize is the capacity of each session queue.
	SessionBufferSize int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Manager supervises the meta and task agents and fans their output out
// to session streams.
type Manager struct {
	meta    *agent.Agent
	task    *agent.Agent
	catalog *Catalog
	logger  *slog.Logger
	metrics *observability.Metrics

	output chan envelope

	sessionsMu  sync.Mutex
	sessions    map[string]*sessionQueue
	sessionSize int
	idleTimeout time.Duration

	// completions is the FIFO of in-flight execute_task dispatches.
	// The interceptor pushes, the router pops on task-agent finals.
	completionsMu sync.Mutex
	completions   []chan string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New wires a manager over the two agents and installs the execute_task
// interceptor on the meta agent's executor.
func New(meta, task *agent.Agent, executor *tools.Executor, catalog *Catalog, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionBufferSize <= 0 {
		cfg.SessionBufferSize = 128
	}

	m := &Manager{
		meta:        meta,
		task:        task,
		catalog:     catalog,
		logger:      logger.With("component", "manager"),
		metrics:     cfg.Metrics,
		output:      make(chan envelope, outputBufferSize),
		sessions:    make(map[string]*sessionQueue),
		sessionSize: cfg.SessionBufferSize,
		idleTimeout: cfg.SessionIdleTimeout,
	}
	executor.Intercept(ExecuteTaskToolName, m.executeTask)
	return m
}

// Start launches the agent workers, the router, and the idle-session
// janitor. It returns immediately; Shutdown stops everything.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.runWorker(ctx, m.meta)
	}()
	go func() {
		defer m.wg.Done()
		m.runWorker(ctx, m.task)
	}()
	go func() {
		defer m.wg.Done()
		m.runRouter(ctx)
	}()

	if m.idleTimeout > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runJanitor(ctx)
		}()
	}
}

// Shutdown stops the workers and waits for them to drain.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.sessionsMu.Lock()
	for id, q := range m.sessions {
		q.close()
		delete(m.sessions, id)
	}
	m.sessionsMu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveSessions.Set(0)
	}
}

// Submit routes a client message to the right agent. User messages go
// to the meta agent; approval responses go to whichever agent holds the
// pending tool.
func (m *Manager) Submit(ctx context.Context, msg models.Message) error {
	switch msg.Type {
	case models.MessageUser:
		m.RegisterSession(msg.SessionID)
		return m.deliver(ctx, m.meta, msg)

	case models.MessageApprovalResponse:
		switch {
		case m.meta.OwnsPendingTool(msg.ToolID):
			return m.deliver(ctx, m.meta, msg)
		case m.task.OwnsPendingTool(msg.ToolID):
			return m.deliver(ctx, m.task, msg)
		default:
			// Orphan response: the tool already resolved or never
			// existed. Log and drop.
			m.logger.Warn("approval response for unknown tool",
				"tool_id", msg.ToolID, "session_id", msg.SessionID)
			return nil
		}

	default:
		return &UnroutableMessageError{Type: msg.Type}
	}
}

func (m *Manager) deliver(ctx context.Context, ag *agent.Agent, msg models.Message) error {
	select {
	case ag.Inbox() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnroutableMessageError reports a Submit with a message type the
// manager does not accept from clients.
type UnroutableMessageError struct {
	Type models.MessageType
}

func (e *UnroutableMessageError) Error() string {
	return "unroutable message type: " + string(e.Type)
}

// runWorker is one agent's mailbox loop: pop a message, run it through
// the agent, forward the resulting stream to the router. A turn that
// ends with a generation error and no final response counts as a worker
// failure; consecutive failures back off and eventually stop the worker.
func (m *Manager) runWorker(ctx context.Context, ag *agent.Agent) {
	logger := m.logger.With("agent_id", ag.ID())
	policy := backoff.WorkerRestartPolicy()
	failures := 0

	for {
		var msg models.Message
		select {
		case <-ctx.Done():
			return
		case msg = <-ag.Inbox():
		}

		errored := m.runAgentTurn(ctx, ag, msg)
		if ctx.Err() != nil {
			return
		}

		if errored {
			failures++
			if m.metrics != nil {
				m.metrics.WorkerRestarts.WithLabelValues(ag.ID()).Inc()
			}
			if failures >= maxWorkerFailures {
				logger.Error("worker giving up after repeated failures",
					"consecutive_failures", failures)
				return
			}
			logger.Warn("turn errored, backing off",
				"consecutive_failures", failures)
			if err := backoff.SleepBackoff(ctx, policy, failures); err != nil {
				return
			}
		} else {
			failures = 0
		}
	}
}

// runAgentTurn forwards one turn's stream to the router and reports
// whether the turn errored out.
func (m *Manager) runAgentTurn(ctx context.Context, ag *agent.Agent, msg models.Message) bool {
	stream := ag.StreamChat(ctx, msg)
	sawGenerationError := false
	sawFinal := false

	for out := range stream {
		if out.Type == models.MessageError && out.Error == agent.ErrGeneration.Error() {
			sawGenerationError = true
		}
		if out.Type == models.MessageAgent && out.Final {
			sawFinal = true
		}
		select {
		case m.output <- envelope{agentID: ag.ID(), msg: out}:
		case <-ctx.Done():
			return false
		}
	}
	return sawGenerationError && !sawFinal
}

// runRouter is the single consumer of the merged output stream. Every
// message fans out to its session queue; task-agent finals additionally
// resolve the oldest in-flight execute_task dispatch.
func (m *Manager) runRouter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-m.output:
			m.route(env)
		}
	}
}

func (m *Manager) route(env envelope) {
	msg := env.msg
	if m.metrics != nil {
		m.metrics.MessageCounter.WithLabelValues(env.agentID, string(msg.Type)).Inc()
	}

	if env.agentID == agent.TaskAgentID && msg.Type == models.MessageAgent && msg.Final {
		if done := m.popCompletion(); done != nil {
			done <- msg.Content
		}
	}

	if msg.SessionID == "" {
		m.logger.Debug("dropping message without session",
			"agent_id", env.agentID, "type", string(msg.Type))
		return
	}

	q := m.sessionQueue(msg.SessionID)
	if q == nil {
		m.logger.Debug("dropping message for unknown session",
			"session_id", msg.SessionID, "type", string(msg.Type))
		return
	}
	if !q.push(msg) {
		m.logger.Warn("session queue full, dropping message",
			"session_id", msg.SessionID, "type", string(msg.Type))
	}
}

// enqueueCompletion registers an in-flight execute_task dispatch and
// returns the channel its result will arrive on.
func (m *Manager) enqueueCompletion() chan string {
	done := make(chan string, completionBufferSize)
	m.completionsMu.Lock()
	m.completions = append(m.completions, done)
	m.completionsMu.Unlock()
	return done
}

// popCompletion removes and returns the oldest in-flight dispatch, or
// nil when none is waiting.
func (m *Manager) popCompletion() chan string {
	m.completionsMu.Lock()
	defer m.completionsMu.Unlock()
	if len(m.completions) == 0 {
		return nil
	}
	done := m.completions[0]
	m.completions = m.completions[1:]
	return done
}

// removeCompletion drops an abandoned dispatch from the FIFO so a later
// task-agent final is not misattributed to it.
func (m *Manager) removeCompletion(done chan string) {
	m.completionsMu.Lock()
	defer m.completionsMu.Unlock()
	for i, c := range m.completions {
		if c == done {
			m.completions = append(m.completions[:i], m.completions[i+1:]...)
			return
		}
	}
}
