// Package runner implements workflow.Runner on top of an LLM client.
//
// One Run is one agent turn: a completion call with the phase prompt and the
// conversation so far, followed by execution of any tool calls the model
// requested. The orchestrator calls Run again until the model stops calling
// tools.
package runner

import (
	"context"
	"fmt"
	"time"

	"rlm/pkg/llm"
	"rlm/pkg/logx"
	"rlm/pkg/metrics"
	"rlm/pkg/proto"
	"rlm/pkg/templates"
	"rlm/pkg/tools"
	"rlm/pkg/utils"
	"rlm/pkg/workflow"
)

// Options tune completion requests and observation.
type Options struct {
	MaxTokens   int
	Temperature float32
	Recorder    metrics.Recorder
	Tokens      *utils.TokenCounter
}

// LLMRunner is a workflow.Runner backed by an llm.LLMClient.
type LLMRunner struct {
	client   llm.LLMClient
	registry tools.ToolRegistry
	renderer *templates.Renderer
	opts     Options
	logger   *logx.Logger
}

// New creates a runner. renderer may be nil to use the embedded templates.
func New(client llm.LLMClient, registry tools.ToolRegistry, renderer *templates.Renderer, opts Options) (*LLMRunner, error) {
	if client == nil {
		return nil, fmt.Errorf("runner: llm client is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("runner: tool registry is required")
	}
	if renderer == nil {
		r, err := templates.NewRenderer()
		if err != nil {
			return nil, err
		}
		renderer = r
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = llm.DefaultMaxTokens
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop{}
	}
	if opts.Tokens == nil {
		opts.Tokens = utils.DefaultTokenCounter()
	}
	return &LLMRunner{
		client:   client,
		registry: registry,
		renderer: renderer,
		opts:     opts,
		logger:   logx.NewLogger("runner"),
	}, nil
}

// Run executes one turn for phase.
func (r *LLMRunner) Run(ctx context.Context, wctx *proto.WorkflowContext, allowedTools []string, phase proto.Phase) (workflow.Result, error) {
	prompt, err := r.renderer.RenderPhase(phase, &templates.TemplateData{
		Goal:      wctx.Goal,
		Tools:     allowedTools,
		Iteration: wctx.IterationCount,
		Feedback:  validationFeedback(wctx, phase),
	})
	if err != nil {
		return workflow.Result{}, err
	}

	messages := append([]llm.CompletionMessage{llm.NewSystemMessage(prompt)}, toCompletionMessages(wctx.Messages)...)
	if last := messages[len(messages)-1]; last.Role == llm.RoleAssistant || last.Role == llm.RoleSystem {
		messages = append(messages, llm.NewUserMessage(fmt.Sprintf("Continue with %s.", phase)))
	}

	req := llm.NewCompletionRequest(messages)
	req.MaxTokens = r.opts.MaxTokens
	req.Temperature = r.opts.Temperature
	req.Tools = r.registry.Definitions(allowedTools)

	started := time.Now()
	resp, err := r.client.Complete(ctx, req)
	if err != nil {
		return workflow.Result{}, fmt.Errorf("%s completion failed: %w", phase, err)
	}
	r.observeTokens(ctx, wctx, &resp)
	r.logger.Debug("%s turn by %s: %d chars, %d tool call(s), stop=%s in %s",
		phase, r.client.GetModelName(), len(resp.Content), len(resp.ToolCalls), resp.StopReason, time.Since(started).Round(time.Millisecond))

	updated := proto.CloneMessages(wctx.Messages)
	calls := make([]proto.ToolCall, 0, len(resp.ToolCalls))
	for _, call := range resp.ToolCalls {
		calls = append(calls, proto.ToolCall{ID: call.ID, Name: call.Name, Parameters: call.Parameters})
	}
	if resp.Content != "" || len(calls) > 0 {
		updated = append(updated, proto.NewAssistantMessage(resp.Content, calls...))
	}

	result := workflow.Result{
		Output:       resp.Content,
		FinishReason: finishReason(resp.StopReason, len(calls) > 0),
		ToolCalls:    len(calls),
	}
	if len(calls) > 0 {
		provider := tools.NewProvider(r.registry, allowedTools)
		for _, call := range calls {
			res, err := r.execTool(ctx, provider, call)
			if err != nil {
				return workflow.Result{}, err
			}
			if res.IsError {
				if result.ToolErrors == nil {
					result.ToolErrors = make(map[string]int)
				}
				result.ToolErrors[call.Name]++
			}
			updated = append(updated, proto.NewToolMessage(proto.ToolResult{
				ToolCallID: call.ID,
				Content:    res.Content,
				IsError:    res.IsError,
			}))
		}
	}
	result.UpdatedMessages = updated
	return result, nil
}

func (r *LLMRunner) execTool(ctx context.Context, provider *tools.Provider, call proto.ToolCall) (*tools.ExecResult, error) {
	started := time.Now()
	res, err := provider.Exec(ctx, call.Name, call.Parameters)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", call.Name, err)
	}
	if res.IsError {
		r.logger.Warn("🔧 %s failed in %s: %s", call.Name, time.Since(started).Round(time.Millisecond), r.opts.Tokens.TruncateToTokenLimit(res.Content, 40))
	} else {
		r.logger.Debug("🔧 %s ok in %s", call.Name, time.Since(started).Round(time.Millisecond))
	}
	return res, nil
}

// observeTokens records provider usage, estimating it when the provider
// reports none.
func (r *LLMRunner) observeTokens(ctx context.Context, wctx *proto.WorkflowContext, resp *llm.CompletionResponse) {
	prompt, completion := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	if prompt == 0 {
		prompt = r.opts.Tokens.CountMessages(wctx.Messages)
	}
	if completion == 0 {
		completion = r.opts.Tokens.CountTokens(resp.Content)
	}
	r.opts.Recorder.ObserveTokens(workflow.SessionIDFromContext(ctx), prompt, completion)
}

func finishReason(stop llm.StopReason, hasCalls bool) workflow.FinishReason {
	if hasCalls {
		return workflow.FinishToolCalls
	}
	switch stop {
	case llm.StopEndTurn:
		return workflow.FinishStop
	case llm.StopMaxTokens:
		return workflow.FinishLength
	case llm.StopToolUse:
		return workflow.FinishToolCalls
	default:
		return workflow.FinishOther
	}
}

// validationFeedback returns the last validation report when build.implement
// is re-entered after build.validate.
func validationFeedback(wctx *proto.WorkflowContext, phase proto.Phase) string {
	if phase != proto.PhaseImplement {
		return ""
	}
	n := len(wctx.RecentStates)
	if n < 2 || wctx.RecentStates[n-2].State != proto.PhaseValidate {
		return ""
	}
	return wctx.LastAssistantOutput()
}

// toCompletionMessages converts the conversation log. Tool results carry the
// name of the call they answer.
func toCompletionMessages(msgs []proto.Message) []llm.CompletionMessage {
	names := make(map[string]string)
	out := make([]llm.CompletionMessage, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		switch m.Role {
		case proto.RoleSystem:
			out = append(out, llm.NewSystemMessage(m.Content))
		case proto.RoleUser:
			out = append(out, llm.NewUserMessage(m.Content))
		case proto.RoleAssistant:
			calls := make([]llm.ToolCall, 0, len(m.ToolCalls))
			for _, c := range m.ToolCalls {
				names[c.ID] = c.Name
				calls = append(calls, llm.ToolCall{ID: c.ID, Name: c.Name, Parameters: c.Parameters})
			}
			out = append(out, llm.NewAssistantMessage(m.Content, calls...))
		case proto.RoleTool:
			if m.ToolResult == nil {
				continue
			}
			out = append(out, llm.NewToolMessage(llm.ToolResult{
				ToolCallID: m.ToolResult.ToolCallID,
				Name:       names[m.ToolResult.ToolCallID],
				Content:    m.ToolResult.Content,
				IsError:    m.ToolResult.IsError,
			}))
		}
	}
	return out
}
