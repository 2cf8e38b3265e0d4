// Package ollama adapts a local Ollama server's chat API to llm.LLMClient.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"rlm/pkg/llm"
	"rlm/pkg/tools"
)

const (
	// DefaultHost is the Ollama server used when none is configured.
	DefaultHost = "http://localhost:11434"
	// DefaultModel is used when no model is configured.
	DefaultModel = "qwen3-coder"
)

// Client implements llm.LLMClient over /api/chat.
type Client struct {
	client  *api.Client
	model   string
	hostURL string
}

// New creates a client for hostURL. An unparsable host falls back to DefaultHost.
func New(hostURL, model string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(hostURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		parsed, _ = url.Parse(DefaultHost)
		hostURL = DefaultHost
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		client:  api.NewClient(parsed, httpClient),
		model:   model,
		hostURL: hostURL,
	}
}

// GetModelName returns the configured model.
func (c *Client) GetModelName() string {
	return c.model
}

// Host returns the server URL in use.
func (c *Client) Host() string {
	return c.hostURL
}

// Complete sends one non-streaming chat request.
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if err := in.Validate(); err != nil {
		return llm.CompletionResponse{}, err
	}
	messages := convertMessages(in.Messages)

	maxTokens := in.MaxTokens
	if maxTokens == 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": maxTokens,
		},
	}
	if len(in.Tools) > 0 {
		converted, err := convertTools(in.Tools)
		if err != nil {
			return llm.CompletionResponse{}, llm.NewErrorWithCause(llm.ErrorTypeBadPrompt, err, "tool conversion failed")
		}
		req.Tools = converted
	}

	var response api.ChatResponse
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	calls, err := convertToolCalls(response.Message.ToolCalls)
	if err != nil {
		return llm.CompletionResponse{}, llm.NewErrorWithCause(llm.ErrorTypeUnknown, err, "failed to decode tool call arguments")
	}
	result := llm.CompletionResponse{
		Content:   response.Message.Content,
		ToolCalls: calls,
		Usage: llm.Usage{
			PromptTokens:     response.PromptEvalCount,
			CompletionTokens: response.EvalCount,
		},
	}
	result.StopReason = stopReason(&response, len(calls) > 0)
	return result, nil
}

// convertMessages maps the conversation onto Ollama messages. Each tool
// result becomes its own tool-role message.
func convertMessages(messages []llm.CompletionMessage) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		if msg.Role == llm.RoleTool {
			for _, res := range msg.ToolResults {
				out = append(out, api.Message{Role: "tool", Content: res.Content, ToolCallID: res.ToolCallID})
			}
			continue
		}

		m := api.Message{Role: string(msg.Role), Content: msg.Content}
		for _, call := range msg.ToolCalls {
			args := api.NewToolCallFunctionArguments()
			for k, v := range call.Parameters {
				args.Set(k, v)
			}
			m.ToolCalls = append(m.ToolCalls, api.ToolCall{
				ID:       call.ID,
				Function: api.ToolCallFunction{Name: call.Name, Arguments: args},
			})
		}
		out = append(out, m)
	}
	return out
}

// convertTools builds Ollama tool definitions through their JSON form so the
// schema is carried over intact.
func convertTools(defs []tools.ToolDefinition) (api.Tools, error) {
	out := make(api.Tools, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		data, err := json.Marshal(map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        def.Name,
				"description": def.Description,
				"parameters":  llm.ObjectSchema(&def.InputSchema),
			},
		})
		if err != nil {
			return nil, err
		}
		var tool api.Tool
		if err := json.Unmarshal(data, &tool); err != nil {
			return nil, fmt.Errorf("tool %s: %w", def.Name, err)
		}
		out = append(out, tool)
	}
	return out, nil
}

func convertToolCalls(calls []api.ToolCall) ([]llm.ToolCall, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	out := make([]llm.ToolCall, 0, len(calls))
	for i := range calls {
		call := &calls[i]
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		params := map[string]any{}
		data, err := json.Marshal(call.Function.Arguments)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &params); err != nil {
			return nil, err
		}
		out = append(out, llm.ToolCall{ID: id, Name: call.Function.Name, Parameters: params})
	}
	return out, nil
}

func stopReason(resp *api.ChatResponse, hasCalls bool) llm.StopReason {
	if hasCalls {
		return llm.StopToolUse
	}
	if !resp.Done {
		return llm.StopOther
	}
	switch resp.DoneReason {
	case "stop", "":
		return llm.StopEndTurn
	case "length":
		return llm.StopMaxTokens
	default:
		return llm.StopOther
	}
}

func classifyError(err error) error {
	var status api.StatusError
	if errors.As(err, &status) {
		if status.StatusCode == http.StatusNotFound {
			return llm.NewErrorWithCause(llm.ErrorTypeBadPrompt, err, "Ollama model not found")
		}
		return llm.Classify(err, status.StatusCode)
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return llm.NewErrorWithCause(llm.ErrorTypeTransient, err, "Ollama server not reachable")
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return llm.NewErrorWithCause(llm.ErrorTypeBadPrompt, err, "Ollama model not found")
	default:
		return llm.Classify(err, 0)
	}
}
