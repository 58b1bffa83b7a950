// Package builtin provides the tools shipped with the runtime. They are
// intentionally small; real deployments register their own tools
// alongside these.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ClockTool reports the current time, optionally in a named location.
type ClockTool struct {
	// Now is overridable for tests. Defaults to time.Now.
	Now func() time.Time
}

type clockArgs struct {
	Location string `json:"location"`
	Format   string `json:"format"`
}

func (t *ClockTool) Name() string { return "clock" }

func (t *ClockTool) Description() string {
	return "Returns the current date and time. Accepts an optional IANA location (e.g. \"Europe/Berlin\") and an optional Go time layout."
}

func (t *ClockTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"location": {"type": "string", "description": "IANA timezone name"},
			"format": {"type": "string", "description": "Go time layout, defaults to RFC3339"}
		},
		"additionalProperties": false
	}`)
}

func (t *ClockTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var a clockArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return "", fmt.Errorf("parse arguments: %w", err)
		}
	}

	now := time.Now()
	if t.Now != nil {
		now = t.Now()
	}
	if a.Location != "" {
		loc, err := time.LoadLocation(a.Location)
		if err != nil {
			return "", fmt.Errorf("unknown location %q: %w", a.Location, err)
		}
		now = now.In(loc)
	}
	layout := a.Format
	if layout == "" {
		layout = time.RFC3339
	}
	return now.Format(layout), nil
}
