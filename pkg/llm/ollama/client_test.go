package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/pkg/llm"
	"rlm/pkg/tools"
)

func TestNewFallsBackToDefaultHost(t *testing.T) {
	c := New("not-a-valid-url", "", nil)
	assert.Equal(t, DefaultHost, c.Host())
	assert.Equal(t, DefaultModel, c.GetModelName())
}

func TestConvertMessagesSplitsToolResults(t *testing.T) {
	msgs := convertMessages([]llm.CompletionMessage{
		llm.NewSystemMessage("sys"),
		llm.NewUserMessage("goal"),
		llm.NewAssistantMessage("", llm.ToolCall{ID: "c1", Name: "read_file", Parameters: map[string]any{"path": "a.go"}}),
		llm.NewToolMessage(
			llm.ToolResult{ToolCallID: "c1", Content: "one"},
			llm.ToolResult{ToolCallID: "c2", Content: "two"},
		),
	})

	require.Len(t, msgs, 5)
	assert.Equal(t, "system", msgs[0].Role)
	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, "read_file", msgs[2].ToolCalls[0].Function.Name)
	assert.Equal(t, "tool", msgs[3].Role)
	assert.Equal(t, "c2", msgs[4].ToolCallID)
}

func TestCompleteAgainstServer(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"qwen-test","created_at":"2026-01-01T00:00:00Z",`+
			`"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"list_files","arguments":{"pattern":"**/*.go"}}}]},`+
			`"done":true,"done_reason":"stop","prompt_eval_count":42,"eval_count":7}`+"\n")
	}))
	defer srv.Close()

	c := New(srv.URL, "qwen-test", srv.Client())
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("list go files")})
	req.Tools = []tools.ToolDefinition{{
		Name:        "list_files",
		Description: "List files",
		InputSchema: tools.InputSchema{Type: "object", Properties: map[string]tools.Property{"pattern": {Type: "string"}}, Required: []string{"pattern"}},
	}}

	resp, err := c.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "qwen-test", got["model"])
	toolsSent, ok := got["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, toolsSent, 1)

	assert.Equal(t, llm.StopToolUse, resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_0", resp.ToolCalls[0].ID)
	assert.Equal(t, "**/*.go", resp.ToolCalls[0].Parameters["pattern"])
	assert.Equal(t, llm.Usage{PromptTokens: 42, CompletionTokens: 7}, resp.Usage)
}

func TestCompleteModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model \"missing\" not found, try pulling it first"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "missing", srv.Client())
	_, err := c.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.Error(t, err)
	assert.True(t, llm.Is(err, llm.ErrorTypeBadPrompt))
}

func TestStopReason(t *testing.T) {
	assert.Equal(t, llm.StopMaxTokens, stopReason(apiDone("length"), false))
	assert.Equal(t, llm.StopEndTurn, stopReason(apiDone("stop"), false))
	assert.Equal(t, llm.StopToolUse, stopReason(apiDone("stop"), true))
}

func apiDone(reason string) *api.ChatResponse {
	return &api.ChatResponse{Done: true, DoneReason: reason}
}
