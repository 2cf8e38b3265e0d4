package tools

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"rlm/pkg/proto"
)

// Router resolves a phase to the tool names allowed in it. It never returns
// implementations; callers look names up in a ToolRegistry.
type Router struct {
	catalog Catalog
	deny    []string
}

// NewRouter builds a router over catalog. deny holds glob patterns
// (doublestar syntax, e.g. "web_*") for tool names that are never allowed.
func NewRouter(catalog Catalog, deny []string) (*Router, error) {
	if catalog == nil {
		catalog = DefaultCatalog
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	for _, pattern := range deny {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid tool deny pattern %q", pattern)
		}
	}
	return &Router{
		catalog: catalog.Clone(),
		deny:    append([]string(nil), deny...),
	}, nil
}

// DefaultRouter routes over DefaultCatalog with no deny list.
func DefaultRouter() *Router {
	r, err := NewRouter(DefaultCatalog, nil)
	if err != nil {
		panic(fmt.Sprintf("default tool catalog is invalid: %v", err))
	}
	return r
}

// Capabilities returns the capability row for phase.
func (r *Router) Capabilities(phase proto.Phase) PhaseCapability {
	return CapabilitiesFor(phase)
}

// AllowedTools returns the sorted tool names available in phase.
func (r *Router) AllowedTools(phase proto.Phase) []string {
	row := CapabilitiesFor(phase)
	seen := make(map[string]struct{})
	names := []string{}
	for _, capability := range AllCapabilities {
		if !row.Has(capability) {
			continue
		}
		for _, name := range r.catalog[capability] {
			if _, dup := seen[name]; dup || r.denied(name) {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ToolsFor returns the names the router assigns to capability, ignoring phase.
func (r *Router) ToolsFor(capability Capability) []string {
	return append([]string(nil), r.catalog[capability]...)
}

func (r *Router) denied(name string) bool {
	for _, pattern := range r.deny {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
