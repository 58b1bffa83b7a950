// Package providers implements the Generator abstraction over concrete
// LLM services. Each generator converts the runtime's message history
// and tool definitions into the provider's wire format, streams the
// completion, and yields typed messages back to the conversation loop.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/metagen-ai/metagen/internal/backoff"
	"github.com/metagen-ai/metagen/internal/tools"
	"github.com/metagen-ai/metagen/pkg/models"
)

// defaultObjectSchema is used for tools registered without a schema.
const defaultObjectSchema = `{"type":"object"}`

// AnthropicConfig configures the Claude generator.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the default API endpoint.
	BaseURL string

	// Model is the default model. Default: "claude-sonnet-4-20250514".
	Model string

	// MaxTokens bounds each generation. Default: 4096.
	MaxTokens int

	// MaxRetries limits attempts for transient stream-creation failures.
	// Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff delay. Default: 1s.
	RetryDelay time.Duration
}

// AnthropicGenerator streams completions from Anthropic's Messages API.
// It is safe for concurrent use; each Stream call runs independently.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int
	retry     backoff.Policy
	attempts  int
}

// NewAnthropicGenerator creates a generator backed by the Claude API.
func NewAnthropicGenerator(cfg AnthropicConfig) (*AnthropicGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicGenerator{
		client:    anthropic.NewClient(options...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		retry:     backoff.Policy{Initial: cfg.RetryDelay, Max: 30 * time.Second, Factor: 2},
		attempts:  cfg.MaxRetries,
	}, nil
}

// Stream runs one generation and yields agent, tool_call, thinking, and
// usage messages on the returned channel.
func (g *AnthropicGenerator) Stream(ctx context.Context, messages []models.Message, defs []tools.Definition,
	prevCalls []models.ToolCall, prevResults []models.ToolResult) (<-chan models.Message, error) {

	params, err := g.buildParams(messages, defs, prevCalls, prevResults)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Message, 16)
	go func() {
		defer close(out)
		for attempt := 0; ; attempt++ {
			stream := g.client.Messages.NewStreaming(ctx, *params)
			done, err := g.consumeStream(stream, out)
			if done {
				return
			}
			if attempt >= g.attempts || ctx.Err() != nil {
				out <- models.NewErrorMessage("", fmt.Sprintf("anthropic: %v", err), "")
				return
			}
			if serr := backoff.SleepBackoff(ctx, g.retry, attempt); serr != nil {
				out <- models.NewErrorMessage("", ctx.Err().Error(), "")
				return
			}
		}
	}()
	return out, nil
}

// consumeStream drains one SSE stream. It reports done=true when the
// stream completed (successfully or with a non-retryable outcome already
// sent on out), and done=false with the error when a retry may help.
func (g *AnthropicGenerator) consumeStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- models.Message) (bool, error) {

	var text, thinking strings.Builder
	var toolInput strings.Builder
	var currentCall *models.ToolCall
	var calls []models.ToolCall
	var inputTokens, outputTokens int
	produced := false

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			inputTokens = int(start.Message.Usage.InputTokens)
			produced = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				currentCall = &models.ToolCall{ID: use.ID, Name: use.Name}
				toolInput.Reset()
			}
			produced = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				text.WriteString(delta.Text)
			case "thinking_delta":
				thinking.WriteString(delta.Thinking)
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}
			produced = true

		case "content_block_stop":
			if currentCall != nil {
				if toolInput.Len() > 0 {
					currentCall.Args = json.RawMessage(toolInput.String())
				}
				calls = append(calls, *currentCall)
				currentCall = nil
			}
			produced = true

		case "message_delta":
			outputTokens = int(event.AsMessageDelta().Usage.OutputTokens)
			produced = true

		case "message_stop":
			if thinking.Len() > 0 {
				out <- models.NewThinkingMessage("", thinking.String())
			}
			if text.Len() > 0 {
				out <- models.NewAgentMessage("", text.String(), false)
			}
			if len(calls) > 0 {
				out <- models.NewToolCallMessage("", calls)
			}
			out <- models.NewUsageMessage("", models.TokenUsage{
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				TotalTokens:  inputTokens + outputTokens,
			})
			return true, nil
		}
	}

	if err := stream.Err(); err != nil {
		// A failure after content started is not retried: the partial
		// stream already shaped this generation.
		if produced {
			out <- models.NewErrorMessage("", fmt.Sprintf("anthropic: %v", err), "")
			return true, err
		}
		return false, err
	}
	return true, nil
}

func (g *AnthropicGenerator) buildParams(messages []models.Message, defs []tools.Definition,
	prevCalls []models.ToolCall, prevResults []models.ToolResult) (*anthropic.MessageNewParams, error) {

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: int64(g.maxTokens),
	}

	var converted []anthropic.MessageParam
	for _, m := range messages {
		switch m.Type {
		case models.MessageSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Type: "text", Text: m.Content})
		case models.MessageUser:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case models.MessageAgent:
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	if len(prevCalls) > 0 {
		var blocks []anthropic.ContentBlockParamUnion
		for _, call := range prevCalls {
			input := map[string]any{}
			if len(call.Args) > 0 {
				if err := json.Unmarshal(call.Args, &input); err != nil {
					return nil, fmt.Errorf("anthropic: invalid tool args for %s: %w", call.Name, err)
				}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		converted = append(converted, anthropic.NewAssistantMessage(blocks...))
	}
	if len(prevResults) > 0 {
		var blocks []anthropic.ContentBlockParamUnion
		for _, result := range prevResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(result.ToolCallID, result.Content, result.IsError))
		}
		converted = append(converted, anthropic.NewUserMessage(blocks...))
	}
	params.Messages = converted

	for _, def := range defs {
		raw := def.Schema
		if len(raw) == 0 {
			raw = json.RawMessage(defaultObjectSchema)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", def.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", def.Name)
		}
		tool.OfTool.Description = anthropic.String(def.Description)
		params.Tools = append(params.Tools, tool)
	}

	return params, nil
}
