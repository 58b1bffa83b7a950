package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Task is a named unit of delegable work. The meta agent dispatches it
// through execute_task; the task agent receives the rendered prompt.
type Task struct {
	// ID is the name the meta agent uses in execute_task calls.
	ID string `yaml:"id" json:"id"`

	// Description tells the meta agent what the task does.
	Description string `yaml:"description" json:"description"`

	// Prompt is the instruction template. {name} placeholders are
	// replaced with input values at dispatch time.
	Prompt string `yaml:"prompt" json:"prompt"`

	// Inputs names the expected input values.
	Inputs []string `yaml:"inputs" json:"inputs"`
}

// BuildPrompt renders the task prompt for one dispatch. Inputs without a
// placeholder in the template are appended as labelled lines.
func (t Task) BuildPrompt(values map[string]string) string {
	prompt := t.Prompt
	if prompt == "" {
		prompt = "Execute task " + t.ID + ": " + t.Description
	}

	var extra []string
	for name, value := range values {
		placeholder := "{" + name + "}"
		if strings.Contains(prompt, placeholder) {
			prompt = strings.ReplaceAll(prompt, placeholder, value)
		} else {
			extra = append(extra, name+": "+value)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		prompt += "\n\nInputs:\n" + strings.Join(extra, "\n")
	}
	return prompt
}

// Catalog is the set of tasks available for dispatch. It is populated
// during bootstrap and read-only afterwards.
type Catalog struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewCatalog creates an empty task catalog.
func NewCatalog() *Catalog {
	return &Catalog{tasks: make(map[string]Task)}
}

// Register adds a task, replacing any previous task of the same id.
func (c *Catalog) Register(task Task) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[task.ID] = task
	return nil
}

// Get returns a task by id.
func (c *Catalog) Get(id string) (Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	task, ok := c.tasks[id]
	return task, ok
}

// List returns all tasks sorted by id.
func (c *Catalog) List() []Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExecuteTaskToolName is the distinguished tool the manager intercepts.
const ExecuteTaskToolName = "execute_task"

// executeTaskTool advertises task dispatch to the meta agent's model.
// Its Execute is never reached: the manager's interceptor short-circuits
// the executor for this tool name.
type executeTaskTool struct {
	catalog *Catalog
}

// NewExecuteTaskTool creates the execute_task tool over a catalog. It
// must be registered only on the meta agent; the task agent's tool set
// excludes it to prevent recursive dispatch.
func NewExecuteTaskTool(catalog *Catalog) *executeTaskTool {
	return &executeTaskTool{catalog: catalog}
}

func (t *executeTaskTool) Name() string { return ExecuteTaskToolName }

func (t *executeTaskTool) Description() string {
	var b strings.Builder
	b.WriteString("Dispatches a named task to the task agent and returns its result. Available tasks:")
	for _, task := range t.catalog.List() {
		fmt.Fprintf(&b, "\n- %s: %s", task.ID, task.Description)
		if len(task.Inputs) > 0 {
			fmt.Fprintf(&b, " (inputs: %s)", strings.Join(task.Inputs, ", "))
		}
	}
	return b.String()
}

func (t *executeTaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task_id": {"type": "string", "description": "Id of the task to execute"},
			"input_values": {
				"type": "object",
				"additionalProperties": {"type": "string"},
				"description": "Input values keyed by input name"
			}
		},
		"required": ["task_id"],
		"additionalProperties": false
	}`)
}

func (t *executeTaskTool) Execute(context.Context, json.RawMessage) (string, error) {
	return "", errors.New("execute_task must be dispatched through the manager")
}
