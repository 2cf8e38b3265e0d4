// Package workflow drives a session through the plan and build phases.
//
// The Orchestrator is an explicit state machine over proto.Phase. Each phase
// runs the agent through a multi-turn loop with the tools the router allows,
// then transitions along DefaultTransitions. Build phases are checked by the
// doom-loop guard before the next transition is committed, and every
// transition is followed by a bounded checkpoint save.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rlm/pkg/checkpoint"
	"rlm/pkg/doomloop"
	"rlm/pkg/logx"
	"rlm/pkg/metrics"
	"rlm/pkg/proto"
	"rlm/pkg/tools"
)

// ErrAlreadyRunning is returned when Run is called while a run is in flight.
var ErrAlreadyRunning = errors.New("workflow already running")

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCheckpointStore saves a checkpoint after every transition.
func WithCheckpointStore(store checkpoint.Saver) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec metrics.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = rec }
}

// WithEventSink sets the receiver of phase markers and messages.
func WithEventSink(sink EventSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithTransitionNotifications sends a non-blocking notification per transition.
func WithTransitionNotifications(ch chan<- TransitionNotification) Option {
	return func(o *Orchestrator) { o.notifCh = ch }
}

// WithTransitionTable overrides DefaultTransitions.
func WithTransitionTable(table TransitionTable) Option {
	return func(o *Orchestrator) { o.table = table }
}

// Orchestrator owns one WorkflowContext and advances it phase by phase.
type Orchestrator struct {
	cfg      Config
	runner   Runner
	router   *tools.Router
	store    checkpoint.Saver
	recorder metrics.Recorder
	sink     EventSink
	notifCh  chan<- TransitionNotification
	table    TransitionTable
	logger   *logx.Logger

	mu          sync.Mutex
	wctx        *proto.WorkflowContext
	results     checkpoint.Results
	agents      []checkpoint.AgentState
	failedPhase proto.Phase
	failReason  string
	failKind    OutcomeKind
	outcome     *Outcome
	running     bool
}

// New creates an orchestrator for a fresh goal. Run starts at plan.analyze_code.
func New(goal string, runner Runner, router *tools.Router, cfg Config, opts ...Option) *Orchestrator {
	wctx := proto.NewWorkflowContext(goal)
	if cfg.MaxRecentStates > 0 {
		wctx.MaxRecentStates = cfg.MaxRecentStates
	}
	return newOrchestrator(wctx, runner, router, cfg, opts)
}

// NewOrchestratorFromCheckpoint rebuilds an orchestrator that continues from
// cp's recorded phase. A failed checkpoint continues from its failed phase.
func NewOrchestratorFromCheckpoint(cp *checkpoint.Checkpoint, runner Runner, router *tools.Router, cfg Config, opts ...Option) (*Orchestrator, error) {
	if cp == nil {
		return nil, errors.New("nil checkpoint")
	}
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("cannot resume: %w", err)
	}
	start := cp.ResumePhase()
	if start.IsBuild() && cp.Results.Plan == nil {
		return nil, fmt.Errorf("cannot resume %s at %s without a plan", cp.SessionID, start)
	}
	if cfg.SessionID == "" {
		cfg.SessionID = cp.SessionID
	}

	wctx := proto.NewWorkflowContext(cp.Task)
	if len(cp.Messages) > 0 {
		wctx.Messages = proto.CloneMessages(cp.Messages)
	}
	wctx.Phase = start
	wctx.IterationCount = cp.IterationCount
	wctx.ToolExecutionCount = cp.ToolExecutionCount
	wctx.RecordToolErrors(cp.ErrorCounts)
	if cfg.MaxRecentStates > 0 {
		wctx.MaxRecentStates = cfg.MaxRecentStates
	}

	o := newOrchestrator(wctx, runner, router, cfg, opts)
	o.results = cp.Results.Clone()
	if start == proto.PhaseFailed {
		o.failReason = cp.Error
	}
	return o, nil
}

func newOrchestrator(wctx *proto.WorkflowContext, runner Runner, router *tools.Router, cfg Config, opts []Option) *Orchestrator {
	if router == nil {
		router = tools.DefaultRouter()
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = DefaultSaveTimeout
	}
	o := &Orchestrator{
		cfg:      cfg,
		runner:   runner,
		router:   router,
		recorder: metrics.Nop{},
		sink:     nopSink{},
		table:    DefaultTransitions,
		logger:   logx.NewLogger("workflow"),
		wctx:     wctx,
		failKind: OutcomeFailed,
	}
	if cfg.SessionID != "" {
		o.logger = o.logger.With(cfg.SessionID)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run advances the workflow until it reaches done, failed, or ctx is
// cancelled. Calling Run on a terminal workflow returns its outcome. A stopped
// workflow may be run again and re-enters the phase it was stopped in.
func (o *Orchestrator) Run(ctx context.Context) (Outcome, error) {
	ctx = WithSessionID(ctx, o.cfg.SessionID)
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return Outcome{}, ErrAlreadyRunning
	}
	if o.outcome != nil && o.outcome.Kind != OutcomeStopped {
		out := *o.outcome
		o.mu.Unlock()
		return out, nil
	}
	o.running = true
	o.outcome = nil
	phase := o.wctx.Phase
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	switch {
	case ctx.Err() != nil:
		return o.stop(), nil
	case phase == proto.PhaseIdle:
		if err := o.transition(ctx, proto.PhaseAnalyzeCode, "workflow started"); err != nil {
			o.fail(ctx, phase, OutcomeFailed, err.Error())
		}
	case !phase.IsTerminal():
		o.enterResumed(phase)
	}

	for {
		if ctx.Err() != nil {
			return o.stop(), nil
		}
		phase = o.Phase()
		switch phase {
		case proto.PhaseDone:
			return o.finish(OutcomeCompleted, ""), nil
		case proto.PhaseFailed:
			o.mu.Lock()
			kind, reason := o.failKind, o.failReason
			o.mu.Unlock()
			return o.finish(kind, reason), nil
		}

		o.sink.PhaseStarted(ctx, phase)
		next, output, reason, err := o.step(ctx, phase)
		if ctx.Err() != nil {
			return o.stop(), nil
		}
		if err != nil {
			o.fail(ctx, phase, OutcomeFailed, err.Error())
			continue
		}
		o.sink.PhaseCompleted(ctx, phase, output)

		// A clean validation does not bypass the guard.
		if phase.IsBuild() {
			if verdict := o.evaluateDoomLoop(); verdict.IsDoomLoop {
				o.recorder.ObserveDoomLoop(string(verdict.Rule))
				o.fail(ctx, phase, OutcomeDoomLoop, verdict.Reason)
				continue
			}
		}

		if err := o.transition(ctx, next, reason); err != nil {
			o.fail(ctx, phase, OutcomeFailed, err.Error())
		}
	}
}

// step runs one phase and returns the phase to move to.
func (o *Orchestrator) step(ctx context.Context, phase proto.Phase) (next proto.Phase, output, reason string, err error) {
	switch phase {
	case proto.PhaseAnalyzeCode:
		output, err = o.explore(ctx)
		return proto.PhaseResearch, output, "exploration complete", err

	case proto.PhaseResearch:
		output, err = o.converse(ctx, phase, mainConversation{o}, string(phase))
		return proto.PhaseDesign, output, "research complete", err

	case proto.PhaseDesign:
		output, err = o.converse(ctx, phase, mainConversation{o}, string(phase))
		if err != nil {
			return "", output, "", err
		}
		handoff := proto.NewSystemMessage("Implementation plan from plan.design. Follow it during build.implement:\n\n" + output)
		o.mu.Lock()
		o.results.Plan = &checkpoint.PlanResult{Plan: output, CreatedAt: o.cfg.now().UTC()}
		o.wctx.AppendMessage(handoff)
		o.mu.Unlock()
		o.sink.MessagesAdded(ctx, phase, []proto.Message{handoff})
		return proto.PhaseImplement, output, "plan complete", nil

	case proto.PhaseImplement:
		output, err = o.converse(ctx, phase, mainConversation{o}, string(phase))
		if err != nil {
			return "", output, "", err
		}
		o.mu.Lock()
		o.wctx.IterationCount++
		iteration := o.wctx.IterationCount
		o.results.Build = &checkpoint.BuildResult{Implementation: output}
		o.mu.Unlock()
		return proto.PhaseValidate, output, fmt.Sprintf("implementation pass %d complete", iteration), nil

	case proto.PhaseValidate:
		output, err = o.converse(ctx, phase, mainConversation{o}, string(phase))
		if err != nil {
			return "", output, "", err
		}
		failing := hasValidationErrors(output)
		o.mu.Lock()
		if o.results.Build == nil {
			o.results.Build = &checkpoint.BuildResult{}
		}
		o.results.Build.Validation = output
		o.results.Build.Passed = !failing
		o.mu.Unlock()
		if failing {
			return proto.PhaseImplement, output, "validation reported errors", nil
		}
		return proto.PhaseDone, output, "validation passed", nil
	}
	return "", "", "", fmt.Errorf("%w: no handler for phase %s", ErrInvalidTransition, phase)
}

func (o *Orchestrator) evaluateDoomLoop() doomloop.Result {
	cfg := o.cfg.DoomLoop
	if cfg.Now == nil {
		cfg.Now = o.cfg.now
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return doomloop.Evaluate(o.wctx, cfg)
}

// transition validates and enters to, then notifies and checkpoints.
func (o *Orchestrator) transition(ctx context.Context, to proto.Phase, reason string) error {
	o.mu.Lock()
	from := o.wctx.Phase
	if !o.table.IsValidTransition(from, to) {
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, from, to)
	}
	if guard, ok := guards[[2]proto.Phase{from, to}]; ok && !guard(o) {
		o.mu.Unlock()
		return fmt.Errorf("%w: guard rejected %s → %s", ErrInvalidTransition, from, to)
	}
	now := o.cfg.now()
	o.wctx.EnterState(to, now)
	cp := o.checkpointLocked(now)
	o.mu.Unlock()

	o.logger.Info("🔄 Phase transition: %s → %s (%s)", from, to, reason)
	o.recorder.ObserveTransition(from, to)
	o.notify(TransitionNotification{
		SessionID: o.cfg.SessionID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: now,
	})
	o.saveCheckpoint(ctx, cp)
	return nil
}

func (o *Orchestrator) enterResumed(phase proto.Phase) {
	o.mu.Lock()
	o.wctx.EnterState(phase, o.cfg.now())
	o.failedPhase = ""
	o.failReason = ""
	o.failKind = OutcomeFailed
	o.mu.Unlock()
	o.logger.Info("🔄 Resuming workflow at %s", phase)
}

func (o *Orchestrator) notify(n TransitionNotification) {
	if o.notifCh == nil {
		return
	}
	select {
	case o.notifCh <- n:
	default:
		o.logger.Warn("Transition notification channel full, dropping %s → %s", n.From, n.To)
	}
}

// fail records the failure and moves to failed.
func (o *Orchestrator) fail(ctx context.Context, phase proto.Phase, kind OutcomeKind, reason string) {
	o.mu.Lock()
	o.failedPhase = phase
	o.failReason = reason
	o.failKind = kind
	o.mu.Unlock()

	o.logger.Error("Workflow failed in %s: %s", phase, reason)
	if err := o.transition(ctx, proto.PhaseFailed, reason); err != nil {
		o.logger.Error("Forcing failed state: %v", err)
		o.mu.Lock()
		o.wctx.EnterState(proto.PhaseFailed, o.cfg.now())
		o.mu.Unlock()
	}
}

func (o *Orchestrator) finish(kind OutcomeKind, reason string) Outcome {
	o.mu.Lock()
	out := Outcome{
		Kind:           kind,
		Phase:          o.wctx.Phase,
		Reason:         reason,
		IterationCount: o.wctx.IterationCount,
	}
	o.outcome = &out
	o.mu.Unlock()

	o.recorder.ObserveOutcome(string(kind))
	if kind == OutcomeCompleted {
		o.logger.Info("Workflow completed after %d iteration(s)", out.IterationCount)
	} else {
		o.logger.Warn("Workflow ended with %s: %s", kind, reason)
	}
	return out
}

// stop ends the run without a transition or checkpoint.
func (o *Orchestrator) stop() Outcome {
	o.mu.Lock()
	out := Outcome{
		Kind:           OutcomeStopped,
		Phase:          o.wctx.Phase,
		Reason:         "cancelled",
		IterationCount: o.wctx.IterationCount,
	}
	o.outcome = &out
	o.mu.Unlock()

	o.recorder.ObserveOutcome(string(OutcomeStopped))
	o.logger.Info("🛑 Workflow stopped in %s", out.Phase)
	return out
}

// saveCheckpoint waits at most SaveTimeout. A slow save keeps running in the
// background; failures are logged only.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) {
	if o.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SaveTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- o.store.Save(sctx, cp) }()

	select {
	case err := <-done:
		if err != nil {
			o.recorder.ObserveCheckpointSave(false)
			o.logger.Error("💾 Failed to save checkpoint at %s: %v", cp.Phase, err)
			return
		}
		o.recorder.ObserveCheckpointSave(true)
	case <-sctx.Done():
		o.recorder.ObserveCheckpointSave(false)
		o.logger.Warn("💾 Checkpoint save at %s timed out after %s", cp.Phase, o.cfg.SaveTimeout)
	}
}

// checkpointLocked snapshots the current state. o.mu must be held.
func (o *Orchestrator) checkpointLocked(now time.Time) *checkpoint.Checkpoint {
	cp := checkpoint.Snapshot(o.cfg.SessionID, o.wctx, o.results, now)
	cp.AgentStates = append([]checkpoint.AgentState(nil), o.agents...)
	if o.wctx.Phase == proto.PhaseFailed {
		cp.FailedPhase = o.failedPhase
		cp.Error = o.failReason
	}
	return cp
}

// Checkpoint returns a snapshot of the current state.
func (o *Orchestrator) Checkpoint() *checkpoint.Checkpoint {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.checkpointLocked(o.cfg.now())
}

// SessionID returns the session the orchestrator belongs to.
func (o *Orchestrator) SessionID() string { return o.cfg.SessionID }

// Phase returns the current phase.
func (o *Orchestrator) Phase() proto.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.wctx.Phase
}

// FailedPhase returns the phase a failed workflow failed in.
func (o *Orchestrator) FailedPhase() proto.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failedPhase
}

// Context returns a copy of the workflow context.
func (o *Orchestrator) Context() *proto.WorkflowContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.wctx.Clone()
}

// Results returns a copy of the per-stage results.
func (o *Orchestrator) Results() checkpoint.Results {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.results.Clone()
}

// Agents returns the exploration sub-agents of the current or last analysis.
func (o *Orchestrator) Agents() []checkpoint.AgentState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]checkpoint.AgentState(nil), o.agents...)
}

// Outcome returns the result of the last finished run.
func (o *Orchestrator) Outcome() (Outcome, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcome == nil {
		return Outcome{}, false
	}
	return *o.outcome, true
}

// Running reports whether Run is in flight.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}
