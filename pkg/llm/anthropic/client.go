// Package anthropic adapts the Anthropic Messages API to llm.LLMClient.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"rlm/pkg/llm"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// Client implements llm.LLMClient over the Messages API.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates a client. Extra options (base URL, HTTP client) are passed to the SDK.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	if model == "" {
		model = DefaultModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// GetModelName returns the configured model.
func (c *Client) GetModelName() string {
	return string(c.model)
}

// Complete sends one Messages request.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	params, err := c.buildParams(&req)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil {
		return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeEmptyResponse, "empty response from Anthropic API")
	}
	return convertResponse(resp)
}

type turn struct {
	assistant bool
	blocks    []anthropic.ContentBlockParamUnion
}

func (c *Client) buildParams(req *llm.CompletionRequest) (anthropic.MessageNewParams, error) {
	if err := req.Validate(); err != nil {
		return anthropic.MessageNewParams{}, err
	}
	system, rest := llm.SplitSystem(req.Messages)

	turns := buildTurns(rest)
	if len(turns) == 0 {
		return anthropic.MessageNewParams{}, llm.NewError(llm.ErrorTypeBadPrompt, "must have at least one non-system message")
	}
	if turns[0].assistant {
		return anthropic.MessageNewParams{}, llm.NewError(llm.ErrorTypeBadPrompt, "first message must be user role")
	}

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		if t.assistant {
			messages = append(messages, anthropic.NewAssistantMessage(t.blocks...))
		} else {
			messages = append(messages, anthropic.NewUserMessage(t.blocks...))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(float64(req.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}
	if len(req.Tools) > 0 {
		toolParams := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for i := range req.Tools {
			def := &req.Tools[i]
			tool := anthropic.ToolParam{
				Name:        def.Name,
				Description: anthropic.String(def.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Type:       "object",
					Properties: llm.SchemaProperties(&def.InputSchema),
					Required:   def.InputSchema.Required,
				},
			}
			toolParams = append(toolParams, anthropic.ToolUnionParam{OfTool: &tool})
		}
		params.Tools = toolParams
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
	return params, nil
}

// buildTurns converts messages to content blocks and merges consecutive
// messages of the same side. Tool results travel in user turns.
func buildTurns(messages []llm.CompletionMessage) []turn {
	var turns []turn
	for i := range messages {
		msg := &messages[i]
		var blocks []anthropic.ContentBlockParamUnion
		assistant := false

		switch msg.Role {
		case llm.RoleAssistant:
			assistant = true
			if strings.TrimSpace(msg.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				input := call.Parameters
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
		case llm.RoleTool:
			for _, res := range msg.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
			}
			if len(msg.ToolResults) == 0 && msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
		default:
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
		}
		if len(blocks) == 0 {
			continue
		}

		if n := len(turns); n > 0 && turns[n-1].assistant == assistant {
			turns[n-1].blocks = append(turns[n-1].blocks, blocks...)
			continue
		}
		turns = append(turns, turn{assistant: assistant, blocks: blocks})
	}
	return turns
}

func convertResponse(resp *anthropic.Message) (llm.CompletionResponse, error) {
	var content strings.Builder
	var calls []llm.ToolCall

	for i := range resp.Content {
		block := resp.Content[i]
		switch block.Type {
		case "text":
			content.WriteString(block.AsText().Text)
		case "tool_use":
			use := block.AsToolUse()
			params := map[string]any{}
			if len(use.Input) > 0 {
				if err := json.Unmarshal(use.Input, &params); err != nil {
					return llm.CompletionResponse{}, llm.NewErrorWithCause(llm.ErrorTypeUnknown, err,
						fmt.Sprintf("failed to parse input of tool %s", use.Name))
				}
			}
			calls = append(calls, llm.ToolCall{ID: use.ID, Name: use.Name, Parameters: params})
		}
	}

	return llm.CompletionResponse{
		Content:    content.String(),
		ToolCalls:  calls,
		StopReason: stopReason(string(resp.StopReason), len(calls) > 0),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

func stopReason(reason string, hasCalls bool) llm.StopReason {
	switch reason {
	case "tool_use":
		return llm.StopToolUse
	case "max_tokens":
		return llm.StopMaxTokens
	case "end_turn", "stop_sequence":
		if hasCalls {
			return llm.StopToolUse
		}
		return llm.StopEndTurn
	default:
		if hasCalls {
			return llm.StopToolUse
		}
		return llm.StopOther
	}
}

func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return llm.Classify(err, apiErr.StatusCode)
	}
	return llm.Classify(err, 0)
}
