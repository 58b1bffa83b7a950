// Package tools provides the tool registry and executor used by agents.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is a named operation the generator may request.
type Tool interface {
	// Name returns the unique tool name.
	Name() string

	// Description explains the tool to the model.
	Description() string

	// Schema returns the JSON schema of the tool arguments.
	Schema() json.RawMessage

	// Execute runs the tool. Errors are returned, never panicked; the
	// executor converts them into error results.
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Definition is the provider-facing description of a registered tool.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}
