// Package openai adapts the OpenAI Responses API to llm.LLMClient.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"rlm/pkg/llm"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-5"

// Client implements llm.LLMClient over the Responses API.
type Client struct {
	client openai.Client
	model  string
}

// New creates a client. Extra options (base URL, HTTP client) are passed to the SDK.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	if model == "" {
		model = DefaultModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// GetModelName returns the configured model.
func (c *Client) GetModelName() string {
	return c.model
}

// Complete sends one Responses request.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	params, err := c.buildParams(&req)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil {
		return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}
	return convertResponse(resp), nil
}

func (c *Client) buildParams(req *llm.CompletionRequest) (responses.ResponseNewParams, error) {
	if err := req.Validate(); err != nil {
		return responses.ResponseNewParams{}, err
	}
	system, rest := llm.SplitSystem(req.Messages)

	input := buildInput(rest)
	if len(input) == 0 {
		return responses.ResponseNewParams{}, llm.NewError(llm.ErrorTypeBadPrompt, "must have at least one non-system message")
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfInputItemList: input},
	}
	if system != "" {
		params.Instructions = openai.String(system)
	}

	if len(req.Tools) > 0 {
		toolParams := make([]responses.ToolUnionParam, 0, len(req.Tools))
		for i := range req.Tools {
			def := &req.Tools[i]
			toolParams = append(toolParams, responses.ToolUnionParam{
				OfFunction: &responses.FunctionToolParam{
					Name:        def.Name,
					Description: openai.String(def.Description),
					Parameters:  openai.FunctionParameters(llm.ObjectSchema(&def.InputSchema)),
				},
			})
		}
		params.Tools = toolParams
	}
	return params, nil
}

// buildInput maps the conversation onto Responses input items. Assistant
// tool calls become function_call items and tool results function_call_output.
func buildInput(messages []llm.CompletionMessage) responses.ResponseInputParam {
	var input responses.ResponseInputParam
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleAssistant:
			if msg.Content != "" {
				input = append(input, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleAssistant))
			}
			for _, call := range msg.ToolCalls {
				args, err := json.Marshal(call.Parameters)
				if err != nil || call.Parameters == nil {
					args = []byte("{}")
				}
				input = append(input, responses.ResponseInputItemParamOfFunctionCall(string(args), call.ID, call.Name))
			}
		case llm.RoleTool:
			for _, res := range msg.ToolResults {
				output := res.Content
				if res.IsError {
					output = "ERROR: " + output
				}
				input = append(input, responses.ResponseInputItemParamOfFunctionCallOutput(res.ToolCallID, output))
			}
		default:
			if msg.Content != "" {
				input = append(input, responses.ResponseInputItemParamOfMessage(msg.Content, responses.EasyInputMessageRoleUser))
			}
		}
	}
	return input
}

func convertResponse(resp *responses.Response) llm.CompletionResponse {
	var calls []llm.ToolCall
	for i := range resp.Output {
		item := &resp.Output[i]
		if item.Type != "function_call" {
			continue
		}
		fn := item.AsFunctionCall()
		params := map[string]any{}
		if fn.Arguments != "" {
			if err := json.Unmarshal([]byte(fn.Arguments), &params); err != nil {
				params = map[string]any{"_raw": fn.Arguments}
			}
		}
		id := fn.CallID
		if id == "" {
			id = fn.ID
		}
		calls = append(calls, llm.ToolCall{ID: id, Name: fn.Name, Parameters: params})
	}

	out := llm.CompletionResponse{
		Content:   resp.OutputText(),
		ToolCalls: calls,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}
	switch {
	case len(calls) > 0:
		out.StopReason = llm.StopToolUse
	case string(resp.Status) == "incomplete" && resp.IncompleteDetails.Reason == "max_output_tokens":
		out.StopReason = llm.StopMaxTokens
	case string(resp.Status) == "completed":
		out.StopReason = llm.StopEndTurn
	default:
		out.StopReason = llm.StopOther
	}
	return out
}

func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return llm.Classify(fmt.Errorf("OpenAI Responses API failed: %w", err), apiErr.StatusCode)
	}
	return llm.Classify(fmt.Errorf("OpenAI Responses API failed: %w", err), 0)
}
