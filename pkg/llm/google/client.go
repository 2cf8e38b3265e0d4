// Package google adapts the Gemini API to llm.LLMClient.
package google

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"rlm/pkg/llm"
	"rlm/pkg/tools"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-pro"

// Client implements llm.LLMClient over GenerateContent. The SDK client is
// created on first use because its constructor needs a context.
type Client struct {
	apiKey string
	model  string

	mu     sync.Mutex
	client *genai.Client
	// Model turns that carried function calls, keyed by their first call ID.
	// Replaying them verbatim keeps thought signatures intact.
	turns map[string]*genai.Content
}

// New creates a client.
func New(apiKey, model string) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{apiKey: apiKey, model: model, turns: make(map[string]*genai.Content)}
}

// GetModelName returns the configured model.
func (c *Client) GetModelName() string {
	return c.model
}

func (c *Client) sdk(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, llm.NewErrorWithCause(llm.ErrorTypeAuth, err, "failed to create Gemini client")
	}
	c.client = client
	return client, nil
}

// Complete sends one GenerateContent request.
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if err := in.Validate(); err != nil {
		return llm.CompletionResponse{}, err
	}
	client, err := c.sdk(ctx)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	system, rest := llm.SplitSystem(in.Messages)
	c.mu.Lock()
	contents := convertMessages(rest, c.turns)
	c.mu.Unlock()
	if len(contents) == 0 {
		return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeBadPrompt, "must have at least one non-system message")
	}

	config := buildConfig(&in, system)
	result, err := client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if result == nil {
		return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	resp := convertResponse(result)
	if len(resp.ToolCalls) > 0 && len(result.Candidates) > 0 && result.Candidates[0].Content != nil {
		c.mu.Lock()
		c.turns[resp.ToolCalls[0].ID] = result.Candidates[0].Content
		c.mu.Unlock()
	}
	return resp, nil
}

func buildConfig(in *llm.CompletionRequest, system string) *genai.GenerateContentConfig {
	maxTokens := in.MaxTokens
	if maxTokens == 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	temperature := in.Temperature
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(maxTokens),
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(in.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: convertTools(in.Tools)}}
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
		}
	}
	return config
}

// convertMessages maps the conversation onto Gemini contents. Assistant turns
// with tool calls are replaced by the cached model turn when one exists.
func convertMessages(messages []llm.CompletionMessage, cached map[string]*genai.Content) []*genai.Content {
	var contents []*genai.Content
	for i := range messages {
		msg := &messages[i]
		var role string
		var parts []*genai.Part

		switch msg.Role {
		case llm.RoleAssistant:
			role = "model"
			if len(msg.ToolCalls) > 0 {
				if turn, ok := cached[msg.ToolCalls[0].ID]; ok {
					contents = append(contents, turn)
					continue
				}
			}
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: call.Parameters}})
			}
		case llm.RoleTool:
			role = "user"
			for _, res := range msg.ToolResults {
				name := res.Name
				if name == "" {
					name = res.ToolCallID
				}
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       res.ToolCallID,
					Name:     name,
					Response: map[string]any{"content": res.Content, "is_error": res.IsError},
				}})
			}
		default:
			role = "user"
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

func convertTools(defs []tools.ToolDefinition) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(defs))
	for i := range defs {
		def := &defs[i]
		properties := make(map[string]*genai.Schema, len(def.InputSchema.Properties))
		for name, prop := range def.InputSchema.Properties {
			properties[name] = convertSchema(&prop)
		}
		declarations[i] = &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   def.InputSchema.Required,
			},
		}
	}
	return declarations
}

func convertSchema(prop *tools.Property) *genai.Schema {
	schema := &genai.Schema{Description: prop.Description}
	switch prop.Type {
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if prop.Items != nil {
			schema.Items = convertSchema(prop.Items)
		}
	case "object":
		schema.Type = genai.TypeObject
		if prop.Properties != nil {
			schema.Properties = make(map[string]*genai.Schema, len(prop.Properties))
			for name, child := range prop.Properties {
				if child != nil {
					schema.Properties[name] = convertSchema(child)
				}
			}
		}
	default:
		schema.Type = genai.TypeString
	}
	if len(prop.Enum) > 0 {
		schema.Enum = prop.Enum
	}
	return schema
}

func convertResponse(result *genai.GenerateContentResponse) llm.CompletionResponse {
	resp := llm.CompletionResponse{Content: result.Text()}
	for i, call := range result.FunctionCalls() {
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%s_%d", call.Name, i)
		}
		params := call.Args
		if params == nil {
			params = map[string]any{}
		}
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ID: id, Name: call.Name, Parameters: params})
	}
	if result.UsageMetadata != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}

	switch {
	case len(resp.ToolCalls) > 0:
		resp.StopReason = llm.StopToolUse
	case len(result.Candidates) == 0:
		resp.StopReason = llm.StopOther
	case string(result.Candidates[0].FinishReason) == "MAX_TOKENS":
		resp.StopReason = llm.StopMaxTokens
	case string(result.Candidates[0].FinishReason) == "STOP":
		resp.StopReason = llm.StopEndTurn
	default:
		resp.StopReason = llm.StopOther
	}
	return resp
}

func classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llm.Classify(fmt.Errorf("Gemini API call failed: %w", err), apiErr.Code)
	}
	return llm.Classify(fmt.Errorf("Gemini API call failed: %w", err), 0)
}
