package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxReadSize bounds how much of a file read_file returns.
const maxReadSize = 256 << 10 // 256KB

// ReadFileTool reads a file under a configured root directory. Paths are
// resolved against the root and may not escape it.
type ReadFileTool struct {
	Root string
}

type readFileArgs struct {
	Path string `json:"path"`
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Reads a text file relative to the configured workspace root. Output is truncated at 256KB."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace root"}
		},
		"required": ["path"],
		"additionalProperties": false
	}`)
}

func (t *ReadFileTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var a readFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	if a.Path == "" {
		return "", fmt.Errorf("path is required")
	}

	root, err := filepath.Abs(t.Root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	full := filepath.Join(root, filepath.Clean("/"+a.Path))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace root", a.Path)
	}

	f, err := os.Open(full)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", a.Path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxReadSize+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", a.Path, err)
	}
	if len(data) > maxReadSize {
		return string(data[:maxReadSize]) + "\n[truncated]", nil
	}
	return string(data), nil
}
