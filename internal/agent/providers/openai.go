package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/metagen-ai/metagen/internal/backoff"
	"github.com/metagen-ai/metagen/internal/tools"
	"github.com/metagen-ai/metagen/pkg/models"
)

// OpenAIConfig configures the OpenAI generator.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the default API endpoint, e.g. for compatible
	// local servers.
	BaseURL string

	// Model is the default model. Default: "gpt-4o".
	Model string

	// MaxTokens bounds each generation. Default: 4096.
	MaxTokens int

	// MaxRetries limits attempts for stream-creation failures. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff delay. Default: 1s.
	RetryDelay time.Duration
}

// OpenAIGenerator streams chat completions from the OpenAI API or any
// compatible endpoint.
type OpenAIGenerator struct {
	client    *openai.Client
	model     string
	maxTokens int
	retry     backoff.Policy
	attempts  int
}

// NewOpenAIGenerator creates a generator backed by the OpenAI API.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4o
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

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIGenerator{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		retry:     backoff.Policy{Initial: cfg.RetryDelay, Max: 30 * time.Second, Factor: 2},
		attempts:  cfg.MaxRetries,
	}, nil
}

// Stream runs one generation and yields agent, tool_call, and usage
// messages on the returned channel.
func (g *OpenAIGenerator) Stream(ctx context.Context, messages []models.Message, defs []tools.Definition,
	prevCalls []models.ToolCall, prevResults []models.ToolResult) (<-chan models.Message, error) {

	req := g.buildRequest(messages, defs, prevCalls, prevResults)

	out := make(chan models.Message, 16)
	go func() {
		defer close(out)
		var stream *openai.ChatCompletionStream
		var err error
		for attempt := 0; attempt <= g.attempts; attempt++ {
			stream, err = g.client.CreateChatCompletionStream(ctx, req)
			if err == nil {
				break
			}
			if attempt == g.attempts || ctx.Err() != nil {
				out <- models.NewErrorMessage("", fmt.Sprintf("openai: %v", err), "")
				return
			}
			if serr := backoff.SleepBackoff(ctx, g.retry, attempt); serr != nil {
				out <- models.NewErrorMessage("", ctx.Err().Error(), "")
				return
			}
		}
		defer stream.Close()
		g.consumeStream(stream, out)
	}()
	return out, nil
}

func (g *OpenAIGenerator) consumeStream(stream *openai.ChatCompletionStream, out chan<- models.Message) {
	var text strings.Builder
	callsByIndex := make(map[int]*models.ToolCall)
	argsByIndex := make(map[int]*strings.Builder)
	var usage *models.TokenUsage

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out <- models.NewErrorMessage("", fmt.Sprintf("openai: %v", err), "")
			return
		}

		if chunk.Usage != nil {
			usage = &models.TokenUsage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		text.WriteString(delta.Content)
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := callsByIndex[idx]
			if !ok {
				call = &models.ToolCall{}
				callsByIndex[idx] = call
				argsByIndex[idx] = &strings.Builder{}
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			argsByIndex[idx].WriteString(tc.Function.Arguments)
		}
	}

	if text.Len() > 0 {
		out <- models.NewAgentMessage("", text.String(), false)
	}
	if len(callsByIndex) > 0 {
		indexes := make([]int, 0, len(callsByIndex))
		for idx := range callsByIndex {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		calls := make([]models.ToolCall, 0, len(indexes))
		for _, idx := range indexes {
			call := *callsByIndex[idx]
			if args := argsByIndex[idx].String(); args != "" {
				call.Args = json.RawMessage(args)
			}
			calls = append(calls, call)
		}
		out <- models.NewToolCallMessage("", calls)
	}
	if usage != nil {
		out <- models.NewUsageMessage("", *usage)
	}
}

func (g *OpenAIGenerator) buildRequest(messages []models.Message, defs []tools.Definition,
	prevCalls []models.ToolCall, prevResults []models.ToolResult) openai.ChatCompletionRequest {

	var converted []openai.ChatCompletionMessage
	for _, m := range messages {
		switch m.Type {
		case models.MessageSystem:
			converted = append(converted, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleSystem, Content: m.Content,
			})
		case models.MessageUser:
			converted = append(converted, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleUser, Content: m.Content,
			})
		case models.MessageAgent:
			converted = append(converted, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant, Content: m.Content,
			})
		}
	}

	if len(prevCalls) > 0 {
		assistant := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
		for _, call := range prevCalls {
			args := string(call.Args)
			if args == "" {
				args = "{}"
			}
			assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: args,
				},
			})
		}
		converted = append(converted, assistant)
		for _, result := range prevResults {
			converted = append(converted, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: result.ToolCallID,
				Content:    result.Content,
			})
		}
	}

	var oaTools []openai.Tool
	for _, def := range defs {
		raw := def.Schema
		if len(raw) == 0 {
			raw = json.RawMessage(defaultObjectSchema)
		}
		oaTools = append(oaTools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  raw,
			},
		})
	}

	return openai.ChatCompletionRequest{
		Model:         g.model,
		Messages:      converted,
		Tools:         oaTools,
		MaxTokens:     g.maxTokens,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
}
