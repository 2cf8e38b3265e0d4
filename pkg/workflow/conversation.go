package workflow

import (
	"context"
	"fmt"
	"time"

	"rlm/pkg/logx"
	"rlm/pkg/proto"
)

// conversation is the context a multi-turn loop reads from and writes to.
type conversation interface {
	snapshot() *proto.WorkflowContext
	absorb(res Result) []proto.Message
}

// converse runs turns until the runner reports stop or the phase limit is hit.
// Hitting the limit counts as completion.
func (o *Orchestrator) converse(ctx context.Context, phase proto.Phase, conv conversation, label string) (string, error) {
	allowed := o.router.AllowedTools(phase)
	limit := o.cfg.limit(phase)

	var output string
	for turn := 1; turn <= limit; turn++ {
		if err := ctx.Err(); err != nil {
			return output, err
		}
		started := time.Now()
		res, err := o.invoke(ctx, conv.snapshot(), allowed, phase)
		if err != nil {
			return output, fmt.Errorf("%s: runner failed on turn %d: %w", label, turn, err)
		}
		o.recorder.ObserveRunnerTurn(phase, string(res.FinishReason), time.Since(started))

		if added := conv.absorb(res); len(added) > 0 {
			o.sink.MessagesAdded(ctx, phase, added)
		}
		if res.Output != "" {
			output = res.Output
		}
		if res.FinishReason == FinishStop {
			return output, nil
		}
	}

	o.logger.Warn("⚠️ %s reached its %d-turn limit, treating it as complete", label, limit)
	return output, nil
}

// mainConversation reads and writes the orchestrator's own context.
type mainConversation struct {
	o *Orchestrator
}

func (m mainConversation) snapshot() *proto.WorkflowContext {
	m.o.mu.Lock()
	defer m.o.mu.Unlock()
	return m.o.wctx.Clone()
}

func (m mainConversation) absorb(res Result) []proto.Message {
	m.o.mu.Lock()
	defer m.o.mu.Unlock()
	return absorbResult(m.o.wctx, res, m.o.logger)
}

// absorbResult merges a runner result into wctx and returns the new messages.
// Runner messages are adopted only when they extend the existing log.
func absorbResult(wctx *proto.WorkflowContext, res Result, logger *logx.Logger) []proto.Message {
	var added []proto.Message
	if res.UpdatedMessages != nil {
		if extends(wctx.Messages, res.UpdatedMessages) {
			added = proto.CloneMessages(res.UpdatedMessages[len(wctx.Messages):])
			wctx.Messages = append(wctx.Messages, proto.CloneMessages(added)...)
		} else {
			logger.Warn("Ignoring %d runner messages that do not extend the conversation log", len(res.UpdatedMessages))
		}
	}
	if res.Output != "" && wctx.LastAssistantOutput() != res.Output {
		msg := proto.NewAssistantMessage(res.Output)
		wctx.AppendMessage(msg)
		added = append(added, msg)
	}
	wctx.ToolExecutionCount += res.ToolCalls
	wctx.RecordToolErrors(res.ToolErrors)
	return added
}

// extends reports whether next starts with every message of prev.
func extends(prev, next []proto.Message) bool {
	if len(next) < len(prev) {
		return false
	}
	for i := range prev {
		a, b := prev[i], next[i]
		if a.Role != b.Role || a.Content != b.Content || len(a.ToolCalls) != len(b.ToolCalls) {
			return false
		}
		for j := range a.ToolCalls {
			if a.ToolCalls[j].ID != b.ToolCalls[j].ID {
				return false
			}
		}
	}
	return true
}
