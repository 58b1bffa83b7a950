package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// CalcTool performs a single arithmetic operation. It exists mostly as a
// deterministic tool for exercising the approval and execution paths.
type CalcTool struct{}

type calcArgs struct {
	Op string  `json:"op"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

func (t *CalcTool) Name() string { return "calc" }

func (t *CalcTool) Description() string {
	return "Performs basic arithmetic: add, sub, mul, div, pow."
}

func (t *CalcTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"op": {"type": "string", "enum": ["add", "sub", "mul", "div", "pow"]},
			"x": {"type": "number"},
			"y": {"type": "number"}
		},
		"required": ["op", "x", "y"],
		"additionalProperties": false
	}`)
}

func (t *CalcTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var a calcArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}

	var result float64
	switch a.Op {
	case "add":
		result = a.X + a.Y
	case "sub":
		result = a.X - a.Y
	case "mul":
		result = a.X * a.Y
	case "div":
		if a.Y == 0 {
			return "", errors.New("division by zero")
		}
		result = a.X / a.Y
	case "pow":
		result = math.Pow(a.X, a.Y)
	default:
		return "", fmt.Errorf("unknown operation %q", a.Op)
	}

	if math.IsNaN(result) || math.IsInf(result, 0) {
		return "", fmt.Errorf("result of %s is not a finite number", a.Op)
	}
	return strconv.FormatFloat(result, 'g', -1, 64), nil
}
