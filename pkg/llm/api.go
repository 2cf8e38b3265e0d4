// Package llm is the provider-neutral completion API the agent runner talks to.
//
// Provider adapters live in sub-packages (anthropic, openai, ollama, google)
// and all return an LLMClient. Cross-cutting behavior such as retries and
// per-call timeouts is layered on with Chain.
package llm

import (
	"context"
	"fmt"

	"rlm/pkg/tools"
)

// CompletionRole is the author of a completion message.
type CompletionRole string

const (
	RoleSystem    CompletionRole = "system"
	RoleUser      CompletionRole = "user"
	RoleAssistant CompletionRole = "assistant"
	RoleTool      CompletionRole = "tool"
)

// StopReason is the normalized reason a completion ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopOther     StopReason = "other"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// CompletionMessage is one message of a completion request.
type CompletionMessage struct {
	Role        CompletionRole `json:"role"`
	Content     string         `json:"content"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
}

// CompletionRequest is a single completion call.
type CompletionRequest struct {
	Messages    []CompletionMessage    `json:"messages"`
	Tools       []tools.ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int                    `json:"max_tokens"`
	Temperature float32                `json:"temperature"`
}

// Usage reports token consumption when the provider returns it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// LLMClient is implemented by every provider adapter and middleware.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	GetModelName() string
}

const (
	// DefaultMaxTokens is used when a request leaves MaxTokens unset.
	DefaultMaxTokens = 4096
	// DefaultTemperature is the sampling temperature for new requests.
	DefaultTemperature float32 = 0.3
)

// NewCompletionRequest builds a request with default limits.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
	}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message with optional tool calls.
func NewAssistantMessage(content string, calls ...ToolCall) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// NewToolMessage creates a tool-results message.
func NewToolMessage(results ...ToolResult) CompletionMessage {
	return CompletionMessage{Role: RoleTool, ToolResults: results}
}

// Validate checks the request before it is sent to a provider.
func (r *CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return NewError(ErrorTypeBadPrompt, "request has no messages")
	}
	if r.MaxTokens < 0 {
		return NewError(ErrorTypeBadPrompt, fmt.Sprintf("max tokens must be non-negative, got %d", r.MaxTokens))
	}
	for i := range r.Messages {
		switch r.Messages[i].Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return NewError(ErrorTypeBadPrompt, fmt.Sprintf("message %d has unknown role %q", i, r.Messages[i].Role))
		}
	}
	return nil
}

// SplitSystem separates system messages from the conversation. Multiple
// system messages are joined with blank lines.
func SplitSystem(messages []CompletionMessage) (string, []CompletionMessage) {
	var system string
	rest := make([]CompletionMessage, 0, len(messages))
	for i := range messages {
		if messages[i].Role != RoleSystem {
			rest = append(rest, messages[i])
			continue
		}
		if messages[i].Content == "" {
			continue
		}
		if system != "" {
			system += "\n\n"
		}
		system += messages[i].Content
	}
	return system, rest
}
