package tools

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Catalog assigns tool names to capabilities.
type Catalog map[Capability][]string

// CatalogFile is the YAML tool catalog.
//
//	capabilities:
//	  validation: [run_tests, run_build, go_vet]
//	definitions:
//	  - name: go_vet
//	    description: Run go vet on the module
//	    input_schema: {type: object, properties: {}}
type CatalogFile struct {
	Capabilities Catalog          `yaml:"capabilities"`
	Definitions  []ToolDefinition `yaml:"definitions"`
}

// LoadCatalog reads a YAML catalog and merges it over DefaultCatalog: a
// capability listed in the file replaces the default names for that capability.
func LoadCatalog(path string) (Catalog, []ToolDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read tool catalog %s: %w", path, err)
	}
	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("failed to parse tool catalog %s: %w", path, err)
	}

	merged := DefaultCatalog.Clone()
	for capability, names := range file.Capabilities {
		merged[capability] = append([]string(nil), names...)
	}
	if err := merged.Validate(); err != nil {
		return nil, nil, fmt.Errorf("tool catalog %s: %w", path, err)
	}
	for i, def := range file.Definitions {
		if def.Name == "" {
			return nil, nil, fmt.Errorf("tool catalog %s: definitions[%d] has no name", path, i)
		}
		if def.InputSchema.Type == "" {
			file.Definitions[i].InputSchema.Type = "object"
		}
	}
	return merged, file.Definitions, nil
}

// Validate checks that every capability is known and every tool name belongs
// to exactly one capability. Sharing a name between capabilities would leak
// write or validation tools into phases that must not have them.
func (c Catalog) Validate() error {
	known := make(map[Capability]bool, len(AllCapabilities))
	for _, capability := range AllCapabilities {
		known[capability] = true
	}

	owner := make(map[string]Capability)
	for _, capability := range c.capabilities() {
		if !known[capability] {
			return fmt.Errorf("unknown capability %q", capability)
		}
		for _, name := range c[capability] {
			if name == "" {
				return fmt.Errorf("capability %q has an empty tool name", capability)
			}
			if prev, dup := owner[name]; dup && prev != capability {
				return fmt.Errorf("tool %q is listed under both %q and %q", name, prev, capability)
			}
			owner[name] = capability
		}
	}
	return nil
}

// Clone deep-copies the catalog.
func (c Catalog) Clone() Catalog {
	out := make(Catalog, len(c))
	for capability, names := range c {
		out[capability] = append([]string(nil), names...)
	}
	return out
}

// capabilities returns keys in a stable order.
func (c Catalog) capabilities() []Capability {
	keys := make([]Capability, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
