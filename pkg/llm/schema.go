package llm

import (
	"rlm/pkg/tools"
)

// PropertySchema converts a tool property to a JSON-schema map.
func PropertySchema(prop *tools.Property) map[string]any {
	schema := map[string]any{"type": prop.Type}
	if prop.Description != "" {
		schema["description"] = prop.Description
	}
	if len(prop.Enum) > 0 {
		schema["enum"] = prop.Enum
	}
	if prop.Type == "array" && prop.Items != nil {
		schema["items"] = PropertySchema(prop.Items)
	}
	if prop.Type == "object" && prop.Properties != nil {
		properties := make(map[string]any, len(prop.Properties))
		for name, child := range prop.Properties {
			if child != nil {
				properties[name] = PropertySchema(child)
			}
		}
		schema["properties"] = properties
	}
	return schema
}

// SchemaProperties converts the top-level properties of an input schema.
func SchemaProperties(schema *tools.InputSchema) map[string]any {
	properties := make(map[string]any, len(schema.Properties))
	for name, prop := range schema.Properties {
		properties[name] = PropertySchema(&prop)
	}
	return properties
}

// ObjectSchema returns the full JSON schema object for a tool's input.
func ObjectSchema(schema *tools.InputSchema) map[string]any {
	out := map[string]any{
		"type":       "object",
		"properties": SchemaProperties(schema),
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}
