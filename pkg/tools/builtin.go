package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	defaultReadLines  = 2000
	maxLineLength     = 2000
	maxListEntries    = 1000
	maxSearchMatches  = 200
	defaultSearchGlob = "**/*"
)

// workspace anchors built-in tools at a root directory.
type workspace struct {
	root string
	fsys fs.FS
}

func newWorkspace(root string) workspace {
	return workspace{root: root, fsys: os.DirFS(root)}
}

// resolve cleans a workspace-relative path and rejects escapes.
func (w workspace) resolve(path string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == "." || clean == "" {
		return ".", nil
	}
	if strings.HasPrefix(clean, "../") || clean == ".." || filepath.IsAbs(path) {
		return "", fmt.Errorf("path %q is outside the workspace", path)
	}
	return clean, nil
}

// RegisterBuiltins registers the read-only workspace tools rooted at root.
func RegisterBuiltins(reg *Registry, root string) error {
	ws := newWorkspace(root)
	for _, tool := range []Tool{
		&ReadFileTool{ws: ws},
		&ListFilesTool{ws: ws},
		&SearchCodeTool{ws: ws},
	} {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// intArgOrDefault reads an integer argument. JSON numbers arrive as float64.
func intArgOrDefault(args map[string]any, key string, defaultVal int) int {
	var n int
	switch val := args[key].(type) {
	case float64:
		n = int(val)
	case int:
		n = val
	case int64:
		n = int(val)
	default:
		return defaultVal
	}
	if n < 1 {
		return defaultVal
	}
	return n
}

// ReadFileTool returns numbered lines of a workspace file.
type ReadFileTool struct {
	ws workspace
}

func (t *ReadFileTool) Name() string { return ToolReadFile }

func (t *ReadFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReadFile,
		Description: "Read a file from the workspace. Output uses numbered lines; use offset and limit for large files.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path":   {Type: "string", Description: "Path relative to the workspace root"},
				"offset": {Type: "integer", Description: "1-based line to start from. Defaults to 1."},
				"limit":  {Type: "integer", Description: "Number of lines to read. Defaults to 2000."},
			},
			Required: []string{"path"},
		},
	}
}

func (t *ReadFileTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path is required and must be a string")
	}
	rel, err := t.ws.resolve(path)
	if err != nil {
		return errorResult(err.Error())
	}
	offset := intArgOrDefault(args, "offset", 1)
	limit := intArgOrDefault(args, "limit", defaultReadLines)

	f, err := t.ws.fsys.Open(rel)
	if err != nil {
		return errorResult(fmt.Sprintf("file not found or not readable: %s", path))
	}
	defer f.Close()

	var out strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line, last := 0, offset+limit-1
	for scanner.Scan() {
		line++
		if line%1000 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if line < offset || line > last {
			continue
		}
		text := scanner.Text()
		if len(text) > maxLineLength {
			text = text[:maxLineLength]
		}
		fmt.Fprintf(&out, "%6d\t%s\n", line, text)
	}
	if err := scanner.Err(); err != nil {
		return errorResult(fmt.Sprintf("failed reading %s: %v", path, err))
	}

	return jsonResult(map[string]any{
		"success":     true,
		"path":        path,
		"content":     out.String(),
		"offset":      offset,
		"limit":       limit,
		"total_lines": line,
		"truncated":   line > last,
	})
}

// ListFilesTool lists workspace files matching a glob.
type ListFilesTool struct {
	ws workspace
}

func (t *ListFilesTool) Name() string { return ToolListFiles }

func (t *ListFilesTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolListFiles,
		Description: "List workspace files matching a glob pattern such as \"pkg/**/*.go\".",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"pattern": {Type: "string", Description: "Glob pattern relative to the workspace root. Defaults to \"**/*\"."},
			},
		},
	}
}

func (t *ListFilesTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		pattern = defaultSearchGlob
	}
	if !doublestar.ValidatePattern(pattern) {
		return errorResult(fmt.Sprintf("invalid pattern %q", pattern))
	}

	files, err := t.ws.glob(ctx, pattern)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return errorResult(err.Error())
	}
	truncated := len(files) > maxListEntries
	if truncated {
		files = files[:maxListEntries]
	}
	return jsonResult(map[string]any{
		"success":   true,
		"pattern":   pattern,
		"files":     files,
		"truncated": truncated,
	})
}

// glob returns regular files matching pattern, skipping .git.
func (w workspace) glob(ctx context.Context, pattern string) ([]string, error) {
	var files []string
	err := doublestar.GlobWalk(w.fsys, pattern, func(path string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(path, ".git/") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// SearchCodeTool greps workspace files for a regular expression.
type SearchCodeTool struct {
	ws workspace
}

func (t *SearchCodeTool) Name() string { return ToolSearchCode }

func (t *SearchCodeTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolSearchCode,
		Description: "Search workspace files for a regular expression. Returns path:line: text matches.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"query": {Type: "string", Description: "RE2 regular expression"},
				"glob":  {Type: "string", Description: "Restrict to files matching this glob. Defaults to \"**/*\"."},
			},
			Required: []string{"query"},
		},
	}
}

func (t *SearchCodeTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return errorResult("query is required and must be a string")
	}
	re, err := regexp.Compile(query)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid query: %v", err))
	}
	pattern, _ := args["glob"].(string)
	if pattern == "" {
		pattern = defaultSearchGlob
	}
	files, err := t.ws.glob(ctx, pattern)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return errorResult(err.Error())
	}

	var matches []string
	for _, path := range files {
		if len(matches) >= maxSearchMatches {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		matches = t.searchFile(path, re, matches)
	}
	return jsonResult(map[string]any{
		"success":   true,
		"query":     query,
		"matches":   matches,
		"truncated": len(matches) >= maxSearchMatches,
	})
}

func (t *SearchCodeTool) searchFile(path string, re *regexp.Regexp, matches []string) []string {
	f, err := t.ws.fsys.Open(path)
	if err != nil {
		return matches
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() && len(matches) < maxSearchMatches {
		line++
		text := scanner.Text()
		if strings.IndexByte(text, 0) >= 0 {
			return matches // binary
		}
		if re.MatchString(text) {
			if len(text) > 200 {
				text = text[:200]
			}
			matches = append(matches, fmt.Sprintf("%s:%d: %s", path, line, text))
		}
	}
	return matches
}
