package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/pkg/llm"
	"rlm/pkg/tools"
)

func conversation() []llm.CompletionMessage {
	return []llm.CompletionMessage{
		llm.NewSystemMessage("You are in build.implement."),
		llm.NewUserMessage("Add a flag"),
		llm.NewUserMessage("Keep it small"),
		llm.NewAssistantMessage("Reading main.go", llm.ToolCall{ID: "tu_1", Name: "read_file", Parameters: map[string]any{"path": "main.go"}}),
		llm.NewToolMessage(llm.ToolResult{ToolCallID: "tu_1", Content: "package main"}),
	}
}

type wireMessage struct {
	Role    string           `json:"role"`
	Content []map[string]any `json:"content"`
}

func TestBuildParamsMergesTurns(t *testing.T) {
	c := New("key", "claude-test")
	req := llm.NewCompletionRequest(conversation())
	req.Tools = []tools.ToolDefinition{{
		Name:        "read_file",
		Description: "Read a file",
		InputSchema: tools.InputSchema{
			Type:       "object",
			Properties: map[string]tools.Property{"path": {Type: "string"}},
			Required:   []string{"path"},
		},
	}}

	params, err := c.buildParams(&req)
	require.NoError(t, err)
	require.Len(t, params.System, 1)
	assert.Equal(t, "You are in build.implement.", params.System[0].Text)
	require.Len(t, params.Tools, 1)

	data, err := json.Marshal(params.Messages)
	require.NoError(t, err)
	var msgs []wireMessage
	require.NoError(t, json.Unmarshal(data, &msgs))

	require.Len(t, msgs, 3)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Len(t, msgs[0].Content, 2)
	assert.Equal(t, "assistant", msgs[1].Role)
	require.Len(t, msgs[1].Content, 2)
	assert.Equal(t, "tool_use", msgs[1].Content[1]["type"])
	assert.Equal(t, "user", msgs[2].Role)
	assert.Equal(t, "tool_result", msgs[2].Content[0]["type"])
	assert.Equal(t, "tu_1", msgs[2].Content[0]["tool_use_id"])
}

func TestBuildParamsRejectsLeadingAssistant(t *testing.T) {
	c := New("key", "")
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewAssistantMessage("hello")})
	_, err := c.buildParams(&req)
	require.Error(t, err)
	assert.True(t, llm.Is(err, llm.ErrorTypeBadPrompt))
	assert.Equal(t, DefaultModel, c.GetModelName())
}

func TestCompleteAgainstServer(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"), r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [
				{"type": "text", "text": "Let me look."},
				{"type": "tool_use", "id": "tu_2", "name": "search_code", "input": {"pattern": "flag"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 120, "output_tokens": 30}
		}`)
	}))
	defer srv.Close()

	c := New("key", "claude-test", option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	resp, err := c.Complete(context.Background(), llm.NewCompletionRequest(conversation()))
	require.NoError(t, err)

	assert.Equal(t, "claude-test", body["model"])
	assert.Equal(t, "Let me look.", resp.Content)
	assert.Equal(t, llm.StopToolUse, resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "tu_2", resp.ToolCalls[0].ID)
	assert.Equal(t, "flag", resp.ToolCalls[0].Parameters["pattern"])
	assert.Equal(t, llm.Usage{PromptTokens: 120, CompletionTokens: 30}, resp.Usage)
}

func TestCompleteClassifiesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	c := New("bad", "claude-test", option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	_, err := c.Complete(context.Background(), llm.NewCompletionRequest(conversation()))
	require.Error(t, err)
	assert.True(t, llm.Is(err, llm.ErrorTypeAuth))
}

func TestStopReason(t *testing.T) {
	assert.Equal(t, llm.StopEndTurn, stopReason("end_turn", false))
	assert.Equal(t, llm.StopToolUse, stopReason("end_turn", true))
	assert.Equal(t, llm.StopMaxTokens, stopReason("max_tokens", false))
	assert.Equal(t, llm.StopOther, stopReason("refusal", false))
}
