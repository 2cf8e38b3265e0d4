package tools

// Tool name constants.
const (
	// Read tools.
	ToolReadFile   = "read_file"
	ToolListFiles  = "list_files"
	ToolSearchCode = "search_code"

	// Write tools.
	ToolEditFile  = "edit_file"
	ToolWriteFile = "write_file"
	ToolShell     = "shell"

	// Research tools.
	ToolWebSearch = "web_search"
	ToolWebFetch  = "web_fetch"

	// Emergency research: narrow lookups allowed while validating.
	ToolLookupDocs = "lookup_docs"

	// Planning tools.
	ToolSubmitPlan = "submit_plan"
	ToolTodoWrite  = "todo_write"

	// Validation tools.
	ToolRunTests = "run_tests"
	ToolRunBuild = "run_build"
	ToolRunLint  = "run_lint"
)

// DefaultCatalog assigns every built-in tool name to exactly one capability.
//
//nolint:gochecknoglobals // static table
var DefaultCatalog = Catalog{
	CapabilityRead:              {ToolReadFile, ToolListFiles, ToolSearchCode},
	CapabilityWrite:             {ToolEditFile, ToolWriteFile, ToolShell},
	CapabilityResearch:          {ToolWebSearch, ToolWebFetch},
	CapabilityEmergencyResearch: {ToolLookupDocs},
	CapabilityPlanning:          {ToolSubmitPlan, ToolTodoWrite},
	CapabilityValidation:        {ToolRunTests, ToolRunBuild, ToolRunLint},
}
