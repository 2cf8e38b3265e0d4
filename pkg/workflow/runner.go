package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"rlm/pkg/proto"
)

// ErrRunnerPanicked wraps a panic recovered from a runner or a tool it called.
var ErrRunnerPanicked = errors.New("runner panicked")

// FinishReason explains why a runner turn ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool-calls"
	FinishLength    FinishReason = "length"
	FinishOther     FinishReason = "other"
)

// Result is the outcome of one runner turn.
type Result struct {
	Output       string
	FinishReason FinishReason
	// UpdatedMessages is the full conversation after the turn. It is adopted
	// only when it extends the context's current log.
	UpdatedMessages []proto.Message
	ToolCalls       int
	ToolErrors      map[string]int
}

// Runner executes one agent turn. wctx is a clone owned by the call; runners
// must not retain it. allowedTools is the complete set of tools the turn may use.
type Runner interface {
	Run(ctx context.Context, wctx *proto.WorkflowContext, allowedTools []string, phase proto.Phase) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, wctx *proto.WorkflowContext, allowedTools []string, phase proto.Phase) (Result, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, wctx *proto.WorkflowContext, allowedTools []string, phase proto.Phase) (Result, error) {
	return f(ctx, wctx, allowedTools, phase)
}

type sessionIDKey struct{}

// WithSessionID tags ctx with the session a runner turn belongs to.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFromContext returns the session ID set by WithSessionID.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

// invoke calls the runner once, converting a panic into ErrRunnerPanicked so
// the phase fails like any other runner error.
func (o *Orchestrator) invoke(ctx context.Context, wctx *proto.WorkflowContext, allowed []string, phase proto.Phase) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("💥 Runner panicked in %s: %v\n%s", phase, r, debug.Stack())
			res, err = Result{}, fmt.Errorf("%w: %v", ErrRunnerPanicked, r)
		}
	}()
	return o.runner.Run(ctx, wctx, allowed, phase)
}
