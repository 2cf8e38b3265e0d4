// Package tools maps workflow phases to tool capabilities and resolves tool
// names to implementations.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Property describes one parameter in a tool's input schema.
type Property struct {
	Type        string               `json:"type" yaml:"type"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []string             `json:"enum,omitempty" yaml:"enum,omitempty"`
	Items       *Property            `json:"items,omitempty" yaml:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// InputSchema is the JSON-schema subset the model providers accept.
type InputSchema struct {
	Type       string              `json:"type" yaml:"type"`
	Properties map[string]Property `json:"properties" yaml:"properties"`
	Required   []string            `json:"required,omitempty" yaml:"required,omitempty"`
}

// ToolDefinition is what the model sees for a tool.
type ToolDefinition struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description" yaml:"description"`
	InputSchema InputSchema `json:"input_schema" yaml:"input_schema"`
}

// ExecResult is a tool's output returned to the model.
type ExecResult struct {
	Content string
	IsError bool
}

// Tool is an executable capability.
type Tool interface {
	Name() string
	Definition() ToolDefinition
	Exec(ctx context.Context, args map[string]any) (*ExecResult, error)
}

// jsonResult marshals v as a successful tool result.
func jsonResult(v map[string]any) (*ExecResult, error) {
	content, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &ExecResult{Content: string(content)}, nil
}

// errorResult reports a tool-level failure to the model without failing the turn.
func errorResult(msg string) (*ExecResult, error) {
	res, err := jsonResult(map[string]any{"success": false, "error": msg})
	if err != nil {
		return nil, err
	}
	res.IsError = true
	return res, nil
}
