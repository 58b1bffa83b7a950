package agent

import "errors"

// Common sentinel errors for agent operations
var (
	// ErrMaxIterations indicates the conversation loop exceeded its iteration limit
	ErrMaxIterations = errors.New("maximum iterations reached")

	// ErrNoGenerator indicates no generator is configured
	ErrNoGenerator = errors.New("no generator configured")

	// ErrProtocolViolation indicates an illegal tool stage transition
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrEmptyResponse indicates the generator produced neither text nor tool calls
	ErrEmptyResponse = errors.New("empty response")

	// ErrGeneration indicates the generator failed to produce a response
	ErrGeneration = errors.New("generation failed")

	// ErrApprovalTimeout indicates pending approvals were not resolved in time
	ErrApprovalTimeout = errors.New("approval timeout")

	// ErrCancelled indicates the agent was cancelled mid-flow
	ErrCancelled = errors.New("cancelled")
)
