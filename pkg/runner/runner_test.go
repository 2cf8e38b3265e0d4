package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/pkg/llm"
	"rlm/pkg/metrics"
	"rlm/pkg/proto"
	"rlm/pkg/tools"
	"rlm/pkg/workflow"
)

type fakeClient struct {
	mu       sync.Mutex
	requests []llm.CompletionRequest
	replies  []llm.CompletionResponse
	err      error
}

func (f *fakeClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return llm.CompletionResponse{}, f.err
	}
	if len(f.replies) == 0 {
		return llm.CompletionResponse{Content: "done", StopReason: llm.StopEndTurn}, nil
	}
	next := f.replies[0]
	f.replies = f.replies[1:]
	return next, nil
}

func (f *fakeClient) GetModelName() string { return "fake-model" }

type echoTool struct{}

func (echoTool) Name() string { return "read_file" }

func (echoTool) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{Name: "read_file", Description: "read", InputSchema: tools.InputSchema{Type: "object"}}
}

func (echoTool) Exec(_ context.Context, args map[string]any) (*tools.ExecResult, error) {
	path, _ := args["path"].(string)
	return &tools.ExecResult{Content: "contents of " + path}, nil
}

type tokenRecorder struct {
	metrics.Nop
	mu         sync.Mutex
	sessions   []string
	prompt     int
	completion int
}

func (r *tokenRecorder) ObserveTokens(sessionID string, prompt, completion int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionID)
	r.prompt += prompt
	r.completion += completion
}

func newRunner(t *testing.T, client llm.LLMClient, rec metrics.Recorder) *LLMRunner {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(echoTool{}))
	r, err := New(client, reg, nil, Options{Recorder: rec})
	require.NoError(t, err)
	return r
}

func TestRunExecutesToolCalls(t *testing.T) {
	client := &fakeClient{replies: []llm.CompletionResponse{{
		Content: "Looking at main.go",
		ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "read_file", Parameters: map[string]any{"path": "main.go"}},
			{ID: "c2", Name: "write_file", Parameters: map[string]any{"path": "x"}},
		},
		StopReason: llm.StopToolUse,
		Usage:      llm.Usage{PromptTokens: 100, CompletionTokens: 20},
	}}}
	rec := &tokenRecorder{}
	r := newRunner(t, client, rec)

	wctx := proto.NewWorkflowContext("Add a flag")
	ctx := workflow.WithSessionID(context.Background(), "s1")
	res, err := r.Run(ctx, wctx, []string{"read_file"}, proto.PhaseAnalyzeCode)
	require.NoError(t, err)

	assert.Equal(t, workflow.FinishToolCalls, res.FinishReason)
	assert.Equal(t, 2, res.ToolCalls)
	assert.Equal(t, map[string]int{"write_file": 1}, res.ToolErrors)
	require.Len(t, res.UpdatedMessages, 4)
	assert.Equal(t, proto.RoleAssistant, res.UpdatedMessages[1].Role)
	assert.Equal(t, "contents of main.go", res.UpdatedMessages[2].ToolResult.Content)
	assert.True(t, res.UpdatedMessages[3].ToolResult.IsError, "tools outside the phase are refused")
	assert.Len(t, wctx.Messages, 1, "the input context is not mutated")

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "Add a flag")
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "read_file", req.Tools[0].Name)

	assert.Equal(t, []string{"s1"}, rec.sessions)
	assert.Equal(t, 100, rec.prompt)
	assert.Equal(t, 20, rec.completion)
}

func TestRunStopAndToolNamesInHistory(t *testing.T) {
	client := &fakeClient{replies: []llm.CompletionResponse{{Content: "Plan ready", StopReason: llm.StopEndTurn}}}
	rec := &tokenRecorder{}
	r := newRunner(t, client, rec)

	wctx := proto.NewWorkflowContext("goal")
	wctx.AppendMessage(proto.NewAssistantMessage("", proto.ToolCall{ID: "c1", Name: "read_file"}))
	wctx.AppendMessage(proto.NewToolMessage(proto.ToolResult{ToolCallID: "c1", Content: "x"}))

	res, err := r.Run(context.Background(), wctx, nil, proto.PhaseDesign)
	require.NoError(t, err)
	assert.Equal(t, workflow.FinishStop, res.FinishReason)
	assert.Equal(t, "Plan ready", res.Output)
	require.Len(t, res.UpdatedMessages, 4)

	msgs := client.requests[0].Messages
	last := msgs[len(msgs)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "read_file", last.ToolResults[0].Name)
	assert.Empty(t, client.requests[0].Tools)
	assert.Positive(t, rec.prompt, "usage is estimated when the provider reports none")
}

func TestRunNudgesAfterAssistantMessage(t *testing.T) {
	client := &fakeClient{}
	r := newRunner(t, client, nil)

	wctx := proto.NewWorkflowContext("goal")
	wctx.AppendMessage(proto.NewAssistantMessage("previous answer"))

	_, err := r.Run(context.Background(), wctx, nil, proto.PhaseResearch)
	require.NoError(t, err)
	msgs := client.requests[0].Messages
	assert.Equal(t, llm.RoleUser, msgs[len(msgs)-1].Role)
	assert.Contains(t, msgs[len(msgs)-1].Content, "plan.research")
}

func TestRunIncludesValidationFeedback(t *testing.T) {
	client := &fakeClient{}
	r := newRunner(t, client, nil)

	now := time.Now()
	wctx := proto.NewWorkflowContext("goal")
	wctx.EnterState(proto.PhaseValidate, now)
	wctx.AppendMessage(proto.NewAssistantMessage("FAIL: TestFlag panicked"))
	wctx.EnterState(proto.PhaseImplement, now)

	_, err := r.Run(context.Background(), wctx, nil, proto.PhaseImplement)
	require.NoError(t, err)
	assert.Contains(t, client.requests[0].Messages[0].Content, "TestFlag panicked")
}

func TestRunFinishReasons(t *testing.T) {
	assert.Equal(t, workflow.FinishLength, finishReason(llm.StopMaxTokens, false))
	assert.Equal(t, workflow.FinishOther, finishReason(llm.StopOther, false))
	assert.Equal(t, workflow.FinishToolCalls, finishReason(llm.StopEndTurn, true))
}

func TestRunPropagatesClientError(t *testing.T) {
	boom := llm.NewError(llm.ErrorTypeServiceUnavailable, "down")
	r := newRunner(t, &fakeClient{err: boom}, nil)

	_, err := r.Run(context.Background(), proto.NewWorkflowContext("goal"), nil, proto.PhaseAnalyzeCode)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, tools.NewRegistry(), nil, Options{})
	assert.Error(t, err)
	_, err = New(&fakeClient{}, nil, nil, Options{})
	assert.Error(t, err)
}
