package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/metagen-ai/metagen/internal/observability"
	"github.com/metagen-ai/metagen/pkg/models"
)

// Interceptor may short-circuit execution for one tool name and supply
// the result directly. The interceptor map is populated during bootstrap
// and immutable afterwards.
type Interceptor func(ctx context.Context, call models.ToolCall) models.ToolResult

// ExecutorConfig configures tool execution behavior.
type ExecutorConfig struct {
	// Timeout bounds each tool execution. Default: 60s.
	Timeout time.Duration

	// Logger receives execution diagnostics.
	Logger *slog.Logger

	// Metrics is optional; when set, executions are counted and timed.
	Metrics *observability.Metrics
}

// Executor runs tool calls through the registry with timeout and panic
// containment. It never returns an error: all failures are encoded in
// the ToolResult.
type Executor struct {
	registry     *Registry
	interceptors map[string]Interceptor
	timeout      time.Duration
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, cfg ExecutorConfig) *Executor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:     registry,
		interceptors: make(map[string]Interceptor),
		timeout:      timeout,
		logger:       logger,
		metrics:      cfg.Metrics,
	}
}

// Registry returns the underlying tool registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Known reports whether the executor can dispatch the named tool, either
// through the registry or an interceptor.
func (e *Executor) Known(name string) bool {
	if _, ok := e.interceptors[name]; ok {
		return true
	}
	return e.registry.Has(name)
}

// Definitions returns the provider-facing definitions of all registered
// tools.
func (e *Executor) Definitions() []Definition {
	return e.registry.Definitions()
}

// Intercept registers an interceptor for a tool name. Must be called
// during bootstrap, before any Execute.
func (e *Executor) Intercept(name string, fn Interceptor) {
	e.interceptors[name] = fn
}

// Execute runs one tool call and returns its result. Unknown tools,
// invalid arguments, timeouts, panics, and tool errors are all encoded
// as error results.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	if fn, ok := e.interceptors[call.Name]; ok {
		return fn(ctx, call)
	}

	if len(call.Name) > MaxToolNameLength {
		return errorResult(call, models.ToolErrorInvalidArgs,
			fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	if len(call.Args) > MaxToolArgsSize {
		return errorResult(call, models.ToolErrorInvalidArgs,
			fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolArgsSize))
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return errorResult(call, models.ToolErrorInvalidArgs, "tool not found: "+call.Name)
	}
	if err := e.registry.ValidateArgs(call.Name, call.Args); err != nil {
		return errorResult(call, models.ToolErrorInvalidArgs, err.Error())
	}

	start := time.Now()
	result := e.executeWithTimeout(ctx, tool, call)
	duration := time.Since(start)

	if e.metrics != nil {
		status := "completed"
		if result.IsError {
			status = "failed"
		}
		e.metrics.ToolExecutionCounter.WithLabelValues(call.Name, status).Inc()
		e.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(duration.Seconds())
	}
	if result.IsError {
		e.logger.Warn("tool execution failed",
			"tool", call.Name, "tool_id", call.ID, "error", result.Error, "duration", duration)
	} else {
		e.logger.Debug("tool executed",
			"tool", call.Name, "tool_id", call.ID, "duration", duration)
	}
	return result
}

func (e *Executor) executeWithTimeout(ctx context.Context, tool Tool, call models.ToolCall) models.ToolResult {
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v\n%s", r, debug.Stack())}
			}
		}()
		content, err := tool.Execute(execCtx, call.Args)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return errorResult(call, models.ToolErrorExecution, out.err.Error())
		}
		return models.ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    out.content,
		}
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return errorResult(call, models.ToolErrorTimeout, "cancelled")
		}
		return errorResult(call, models.ToolErrorTimeout,
			fmt.Sprintf("execution timed out after %s", e.timeout))
	}
}

func errorResult(call models.ToolCall, errType models.ToolErrorType, msg string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    msg,
		IsError:    true,
		Error:      msg,
		ErrorType:  errType,
	}
}
