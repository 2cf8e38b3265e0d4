package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ToolRegistry looks tool implementations up by name.
type ToolRegistry interface {
	Get(name string) (Tool, bool)
	Definitions(names []string) []ToolDefinition
}

// Registry is the default ToolRegistry. Definitions may be declared without
// an implementation (from the YAML catalog) so the model can see them; calling
// such a tool reports an error result.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	declared map[string]ToolDefinition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		declared: make(map[string]ToolDefinition),
	}
}

// Register adds an implementation. Registering a name twice is an error.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Declare records a definition for a tool whose implementation lives elsewhere.
func (r *Registry) Declare(def ToolDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.declared[def.Name] = def
}

// Get returns the implementation for name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns definitions for the given names, skipping unknown ones.
func (r *Registry) Definitions(names []string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		if tool, ok := r.tools[name]; ok {
			defs = append(defs, tool.Definition())
			continue
		}
		if def, ok := r.declared[name]; ok {
			defs = append(defs, def)
		}
	}
	return defs
}

// Names returns every registered or declared tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools)+len(r.declared))
	for name := range r.tools {
		names = append(names, name)
	}
	for name := range r.declared {
		if _, dup := r.tools[name]; !dup {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Provider executes tools restricted to an allow set.
type Provider struct {
	registry ToolRegistry
	allowSet map[string]struct{}
}

// NewProvider restricts registry to allowedTools.
func NewProvider(registry ToolRegistry, allowedTools []string) *Provider {
	allowSet := make(map[string]struct{}, len(allowedTools))
	for _, name := range allowedTools {
		allowSet[name] = struct{}{}
	}
	return &Provider{registry: registry, allowSet: allowSet}
}

// Allowed reports whether name is in the allow set.
func (p *Provider) Allowed(name string) bool {
	_, ok := p.allowSet[name]
	return ok
}

// Exec runs name with args. A disallowed or unimplemented tool yields an error
// result for the model rather than a Go error; Go errors are reserved for
// failures the turn cannot recover from.
func (p *Provider) Exec(ctx context.Context, name string, args map[string]any) (*ExecResult, error) {
	if !p.Allowed(name) {
		return errorResult(fmt.Sprintf("tool '%s' is not available in this phase", name))
	}
	tool, ok := p.registry.Get(name)
	if !ok {
		return errorResult(fmt.Sprintf("tool '%s' has no implementation registered", name))
	}
	res, err := tool.Exec(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return errorResult(err.Error())
	}
	return res, nil
}
