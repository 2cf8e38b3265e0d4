package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/pkg/proto"
)

var allPhases = []proto.Phase{
	proto.PhaseIdle,
	proto.PhaseAnalyzeCode,
	proto.PhaseResearch,
	proto.PhaseDesign,
	proto.PhaseImplement,
	proto.PhaseValidate,
	proto.PhaseDone,
	proto.PhaseFailed,
}

func TestCapabilityTableInvariants(t *testing.T) {
	for _, phase := range allPhases {
		row := CapabilitiesFor(phase)
		assert.Equal(t, phase == proto.PhaseImplement, row.Write, "write for %s", phase)
		assert.Equal(t, phase == proto.PhaseValidate, row.Validation, "validation for %s", phase)
	}
}

func TestRouterNeverLeaksWriteOrValidationTools(t *testing.T) {
	router := DefaultRouter()
	write := toSet(router.ToolsFor(CapabilityWrite))
	validation := toSet(router.ToolsFor(CapabilityValidation))

	for _, phase := range allPhases {
		for _, name := range router.AllowedTools(phase) {
			if phase.IsPlan() {
				assert.NotContains(t, write, name, "%s must not get write tool %s", phase, name)
			}
			if phase != proto.PhaseValidate {
				assert.NotContains(t, validation, name, "%s must not get validation tool %s", phase, name)
			}
		}
	}
}

func TestRouterAllowedTools(t *testing.T) {
	router := DefaultRouter()

	assert.Equal(t, []string{ToolListFiles, ToolReadFile, ToolSearchCode}, router.AllowedTools(proto.PhaseAnalyzeCode))
	assert.Contains(t, router.AllowedTools(proto.PhaseResearch), ToolWebSearch)
	assert.Contains(t, router.AllowedTools(proto.PhaseDesign), ToolSubmitPlan)
	assert.Contains(t, router.AllowedTools(proto.PhaseImplement), ToolEditFile)
	assert.NotContains(t, router.AllowedTools(proto.PhaseImplement), ToolWebSearch)

	validate := router.AllowedTools(proto.PhaseValidate)
	assert.Contains(t, validate, ToolRunTests)
	assert.Contains(t, validate, ToolLookupDocs)
	assert.NotContains(t, validate, ToolWebSearch)

	assert.Empty(t, router.AllowedTools(proto.PhaseDone))
	assert.Empty(t, router.AllowedTools(proto.PhaseFailed))
	assert.Empty(t, router.AllowedTools(proto.PhaseIdle))
}

func TestRouterDenyPatterns(t *testing.T) {
	router, err := NewRouter(DefaultCatalog, []string{"web_*", "run_lint"})
	require.NoError(t, err)

	research := router.AllowedTools(proto.PhaseResearch)
	assert.NotContains(t, research, ToolWebSearch)
	assert.NotContains(t, research, ToolWebFetch)
	assert.Contains(t, research, ToolReadFile)
	assert.NotContains(t, router.AllowedTools(proto.PhaseValidate), ToolRunLint)

	_, err = NewRouter(DefaultCatalog, []string{"web_[*"})
	assert.Error(t, err)
}

func TestCatalogRejectsSharedNames(t *testing.T) {
	catalog := DefaultCatalog.Clone()
	catalog[CapabilityRead] = append(catalog[CapabilityRead], ToolShell)

	_, err := NewRouter(catalog, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ToolShell)

	catalog = DefaultCatalog.Clone()
	catalog["teleport"] = []string{"beam"}
	assert.Error(t, catalog.Validate())
}

func TestLoadCatalogMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	raw := `
capabilities:
  validation: [run_tests, go_vet]
definitions:
  - name: go_vet
    description: Run go vet on the module
    input_schema:
      properties:
        package: {type: string, description: package pattern}
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	catalog, defs, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, []string{ToolRunTests, "go_vet"}, catalog[CapabilityValidation])
	assert.Equal(t, DefaultCatalog[CapabilityWrite], catalog[CapabilityWrite])

	require.Len(t, defs, 1)
	assert.Equal(t, "go_vet", defs[0].Name)
	assert.Equal(t, "object", defs[0].InputSchema.Type)
	assert.Equal(t, "string", defs[0].InputSchema.Properties["package"].Type)

	router, err := NewRouter(catalog, nil)
	require.NoError(t, err)
	assert.Contains(t, router.AllowedTools(proto.PhaseValidate), "go_vet")
	assert.NotContains(t, router.AllowedTools(proto.PhaseImplement), "go_vet")
}

func TestLoadCatalogErrors(t *testing.T) {
	_, _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capabilities:\n  read: [shell]\n"), 0644))
	_, _, err = LoadCatalog(path)
	assert.Error(t, err, "shell would belong to both read and write")
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
