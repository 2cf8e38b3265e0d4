package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"rlm/pkg/checkpoint"
	"rlm/pkg/events"
	"rlm/pkg/logx"
	"rlm/pkg/persistence"
	"rlm/pkg/proto"
	"rlm/pkg/workflow"
)

var nowUTC = func() time.Time { return time.Now().UTC() }

// continueKeywords mark a user message as a request to pick up existing work.
var continueKeywords = []string{
	"continue", "resume", "status", "keep going", "go on", "proceed",
	"carry on", "where were we", "what's the status", "progress",
}

// maxContinueWords bounds messages where a keyword may appear anywhere.
// Longer messages must lead with a keyword, after fillerWords.
const maxContinueWords = 6

var fillerWords = map[string]bool{
	"please": true, "ok": true, "okay": true, "yes": true, "yeah": true,
	"alright": true, "so": true, "now": true, "then": true, "just": true, "and": true,
}

const summaryOutputChars = 280

// Status is a point-in-time view of a session.
type Status struct {
	SessionID         string      `json:"sessionId"`
	Task              string      `json:"task,omitempty"`
	Phase             proto.Phase `json:"phase"`
	FailedPhase       proto.Phase `json:"failedPhase,omitempty"`
	Progress          float64     `json:"progress"`
	HasIncompleteWork bool        `json:"hasIncompleteWork"`
	Summary           string      `json:"summary"`
	ActiveAgents      []string    `json:"activeAgents,omitempty"`
	Running           bool        `json:"running"`
	Outcome           string      `json:"outcome,omitempty"`
	Reason            string      `json:"reason,omitempty"`
	IterationCount    int         `json:"iterationCount"`
	TokenEstimate     int         `json:"tokenEstimate"`
}

// run is one execution of an orchestrator.
type run struct {
	done    chan struct{}
	outcome workflow.Outcome // valid once done is closed
}

// Controller owns one session.
type Controller struct {
	id       string
	deps     Dependencies
	settings Settings
	logger   *logx.Logger
	stream   *stream

	mu       sync.Mutex
	task     string
	orch     *workflow.Orchestrator
	restored *checkpoint.Checkpoint
	record   *persistence.SessionRecord
	current  *run
	cancel   context.CancelFunc
	running  bool
	outcome  *workflow.Outcome
}

func newController(id string, deps Dependencies, settings Settings) *Controller {
	return &Controller{
		id:       id,
		deps:     deps,
		settings: settings,
		logger:   logx.NewLogger("session").With(id),
		stream:   newStream(id, settings.EventBuffer, deps.Publisher),
	}
}

// ID returns the session ID.
func (c *Controller) ID() string { return c.id }

// Start begins a fresh workflow for task in the background.
func (c *Controller) Start(task string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(task)
}

func (c *Controller) startLocked(task string) error {
	task = strings.TrimSpace(task)
	if task == "" {
		return ErrEmptyTask
	}
	if c.running {
		return ErrAlreadyRunning
	}
	c.task = task
	c.restored = nil
	orch := workflow.New(task, c.deps.Runner, c.deps.Router, c.settings.Workflow(c.id), c.orchestratorOptions()...)
	c.launchLocked(orch, "started")
	return nil
}

// Resume continues from the latest checkpoint: the live orchestrator if one
// exists, otherwise the restored or on-disk checkpoint.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeLocked()
}

// resumeLocked launches from the latest checkpoint. preamble events are
// emitted by the run goroutine ahead of workflow_start.
func (c *Controller) resumeLocked(preamble ...events.Event) error {
	if c.running {
		return ErrAlreadyRunning
	}
	cp := c.resumePointLocked()
	if cp == nil {
		return ErrNoCheckpoint
	}
	orch, err := workflow.NewOrchestratorFromCheckpoint(cp, c.deps.Runner, c.deps.Router, c.settings.Workflow(c.id), c.orchestratorOptions()...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoCheckpoint, err)
	}
	c.task = cp.Task
	c.launchLocked(orch, "resumed", preamble...)
	return nil
}

func (c *Controller) resumePointLocked() *checkpoint.Checkpoint {
	switch {
	case c.orch != nil:
		return c.orch.Checkpoint()
	case c.restored != nil:
		return c.restored
	}
	if cp, ok := c.deps.Store.Load(c.id); ok {
		return cp
	}
	return nil
}

func (c *Controller) orchestratorOptions() []workflow.Option {
	opts := []workflow.Option{
		workflow.WithCheckpointStore(c.deps.Store),
		workflow.WithEventSink(newSink(c)),
	}
	if c.deps.Recorder != nil {
		opts = append(opts, workflow.WithRecorder(c.deps.Recorder))
	}
	return opts
}

// launchLocked runs orch on a context owned by the controller. c.mu must be held.
func (c *Controller) launchLocked(orch *workflow.Orchestrator, verb string, preamble ...events.Event) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{done: make(chan struct{})}
	c.orch = orch
	c.current = r
	c.cancel = cancel
	c.running = true
	c.outcome = nil
	c.logger.Info("▶️ Session %s at %s", verb, orch.Phase())
	go c.run(ctx, cancel, orch, r, preamble)
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, orch *workflow.Orchestrator, r *run, preamble []events.Event) {
	defer close(r.done)
	defer cancel()

	for _, ev := range preamble {
		c.stream.emit(ctx, ev)
	}
	c.stream.emit(ctx, events.Event{Type: events.TypeWorkflowStart, Phase: orch.Phase(), Text: orch.Context().Goal})
	c.recordRegistry(ctx, orch.Phase(), persistence.StatusRunning, "")

	out, err := runGuarded(ctx, orch)
	if err != nil {
		out = workflow.Outcome{Kind: workflow.OutcomeFailed, Phase: orch.Phase(), Reason: err.Error()}
	}

	fctx, fcancel := context.WithTimeout(context.Background(), completeEventTimeout)
	c.recordRegistry(fctx, out.Phase, registryStatus(out.Kind), out.Reason)
	if out.Kind == workflow.OutcomeFailed || out.Kind == workflow.OutcomeDoomLoop {
		c.stream.emit(fctx, events.Event{Type: events.TypeError, Phase: out.Phase, Outcome: string(out.Kind), Reason: out.Reason})
	}
	c.stream.emit(fctx, events.Event{Type: events.TypeWorkflowComplete, Phase: out.Phase, Outcome: string(out.Kind), Reason: out.Reason})
	fcancel()

	c.mu.Lock()
	r.outcome = out
	c.outcome = &out
	c.running = false
	c.cancel = nil
	c.stream.closeAll()
	c.mu.Unlock()
	c.logger.Info("⏹️ Session run ended: %s", out.Kind)
}

// ProcessUserMessage routes a user message. A continue request on a session
// with incomplete work emits a status event and resumes; anything else starts
// a new workflow with text as the task. The returned channel carries the
// run's events and closes when the run ends. Cancelling ctx detaches it.
func (c *Controller) ProcessUserMessage(ctx context.Context, text string) (<-chan events.Event, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyTask
	}

	c.mu.Lock()
	sub := c.stream.subscribe()
	if isContinueIntent(text) && c.hasIncompleteWorkLocked() {
		status := c.statusLocked()
		ev := events.Event{Type: events.TypeStatus, Phase: status.Phase, Text: status.Summary, Outcome: status.Outcome, Reason: status.Reason}
		if c.running {
			c.mu.Unlock()
			c.stream.emit(ctx, ev)
		} else {
			err := c.resumeLocked(ev)
			c.mu.Unlock()
			if err != nil {
				c.stream.unsubscribe(sub)
				return nil, err
			}
		}
	} else {
		err := c.startLocked(text)
		c.mu.Unlock()
		if err != nil {
			c.stream.unsubscribe(sub)
			return nil, err
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			c.stream.unsubscribe(sub)
		case <-sub.finished:
		}
	}()
	return sub.ch, nil
}

// Abort cancels the in-flight run. It is a no-op when nothing is running.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.cancel == nil {
		return
	}
	c.logger.Info("🛑 Aborting session")
	c.cancel()
}

// Wait blocks until the current or last run ends.
func (c *Controller) Wait(ctx context.Context) (workflow.Outcome, error) {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r == nil {
		return workflow.Outcome{}, ErrNoRun
	}
	select {
	case <-r.done:
		return r.outcome, nil
	case <-ctx.Done():
		return workflow.Outcome{}, ctx.Err()
	}
}

// Running reports whether a run is in flight.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// HasIncompleteWork reports whether the session stopped short of done.
func (c *Controller) HasIncompleteWork() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasIncompleteWorkLocked()
}

func (c *Controller) hasIncompleteWorkLocked() bool {
	phase := c.phaseLocked()
	return phase != proto.PhaseDone && phase != proto.PhaseIdle
}

func (c *Controller) phaseLocked() proto.Phase {
	switch {
	case c.orch != nil:
		return c.orch.Phase()
	case c.restored != nil:
		return c.restored.Phase
	}
	return proto.PhaseIdle
}

// Status returns the current view of the session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	st := Status{
		SessionID: c.id,
		Task:      c.task,
		Phase:     proto.PhaseIdle,
		Running:   c.running,
	}

	var cp *checkpoint.Checkpoint
	switch {
	case c.orch != nil:
		cp = c.orch.Checkpoint()
	case c.restored != nil:
		cp = c.restored
	}

	var lastOutput string
	if cp != nil {
		st.Phase = cp.Phase
		st.FailedPhase = cp.FailedPhase
		st.IterationCount = cp.IterationCount
		st.Reason = cp.Error
		st.TokenEstimate = c.settings.Tokens.CountMessages(cp.Messages)
		for _, a := range cp.AgentStates {
			if a.Status == "running" {
				st.ActiveAgents = append(st.ActiveAgents, a.Name)
			}
		}
		wctx := proto.WorkflowContext{Messages: cp.Messages}
		lastOutput = wctx.LastAssistantOutput()
		if st.Task == "" {
			st.Task = cp.Task
		}
	} else if c.record != nil {
		st.Reason = c.record.Reason
		if c.record.Status == persistence.StatusInterrupted && st.Reason == "" {
			st.Reason = "interrupted"
		}
	}

	progressPhase := st.Phase
	if st.Phase == proto.PhaseFailed && st.FailedPhase != "" {
		progressPhase = st.FailedPhase
	}
	st.Progress = progressPhase.Progress()
	if c.outcome != nil {
		st.Outcome = string(c.outcome.Kind)
		st.Reason = c.outcome.Reason
	}
	st.HasIncompleteWork = st.Phase != proto.PhaseDone && st.Phase != proto.PhaseIdle
	st.Summary = summarize(st, lastOutput)
	return st
}

func summarize(st Status, lastOutput string) string {
	if st.Phase == proto.PhaseIdle && st.Task == "" {
		return "No task has been started in this session."
	}
	var b strings.Builder
	if st.Task != "" {
		fmt.Fprintf(&b, "Task: %s\n", st.Task)
	}
	fmt.Fprintf(&b, "Phase: %s (%.0f%% complete", st.Phase, st.Progress*100)
	if st.IterationCount > 0 {
		fmt.Fprintf(&b, ", %d build iteration(s)", st.IterationCount)
	}
	b.WriteString(")\n")
	switch {
	case st.Running:
		b.WriteString("Status: running\n")
	case st.Outcome != "":
		fmt.Fprintf(&b, "Last run: %s\n", st.Outcome)
	}
	if st.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", st.Reason)
	}
	if len(st.ActiveAgents) > 0 {
		fmt.Fprintf(&b, "Active agents: %s\n", strings.Join(st.ActiveAgents, ", "))
	}
	if lastOutput = strings.TrimSpace(lastOutput); lastOutput != "" {
		if len(lastOutput) > summaryOutputChars {
			lastOutput = lastOutput[:summaryOutputChars] + "..."
		}
		fmt.Fprintf(&b, "Latest output: %s\n", lastOutput)
	}
	return strings.TrimRight(b.String(), "\n")
}

// SaveCheckpointToDisk snapshots the session and saves it. An idle session
// has nothing to save.
func (c *Controller) SaveCheckpointToDisk(ctx context.Context) error {
	c.mu.Lock()
	var cp *checkpoint.Checkpoint
	switch {
	case c.orch != nil:
		cp = c.orch.Checkpoint()
	case c.restored != nil:
		cp = c.restored
	}
	status := persistence.StatusStopped
	if c.running {
		status = persistence.StatusRunning
	} else if c.outcome != nil {
		status = registryStatus(c.outcome.Kind)
	}
	c.mu.Unlock()

	if cp == nil {
		return nil
	}
	if err := c.deps.Store.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", c.id, err)
	}
	if cp.Phase == proto.PhaseDone {
		status = persistence.StatusCompleted
	}
	c.recordRegistry(ctx, cp.Phase, status, cp.Error)
	return nil
}

// restore seeds a paused controller from persisted state.
func (c *Controller) restore(cp *checkpoint.Checkpoint, rec *persistence.SessionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restored = cp
	c.record = rec
	switch {
	case cp != nil:
		c.task = cp.Task
	case rec != nil:
		c.task = rec.Task
	}
}

// recordRegistry upserts the session row. Failures are logged only. It must
// not be called with c.mu held.
func (c *Controller) recordRegistry(ctx context.Context, phase proto.Phase, status, reason string) {
	if c.deps.Registry == nil {
		return
	}
	c.mu.Lock()
	task := c.task
	c.mu.Unlock()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registryTimeout)
	defer cancel()
	err := c.deps.Registry.UpsertSession(rctx, persistence.SessionRecord{
		SessionID: c.id,
		Task:      task,
		Phase:     string(phase),
		Status:    status,
		Reason:    reason,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("Failed to record session state: %v", err)
	}
}

func registryStatus(kind workflow.OutcomeKind) string {
	switch kind {
	case workflow.OutcomeCompleted:
		return persistence.StatusCompleted
	case workflow.OutcomeStopped:
		return persistence.StatusStopped
	default:
		return persistence.StatusFailed
	}
}

func isContinueIntent(text string) bool {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if w = strings.Trim(w, ",.!?;:"); w != "" {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return false
	}
	if len(words) <= maxContinueWords {
		padded := " " + strings.Join(words, " ") + " "
		for _, kw := range continueKeywords {
			if strings.Contains(padded, " "+kw+" ") {
				return true
			}
		}
		return false
	}

	for len(words) > 0 && fillerWords[words[0]] {
		words = words[1:]
	}
	lead := strings.Join(words, " ") + " "
	for _, kw := range continueKeywords {
		if strings.HasPrefix(lead, kw+" ") {
			return true
		}
	}
	return false
}

// runGuarded runs orch, turning a panic that escaped the orchestrator into an
// error so the session still records an outcome.
func runGuarded(ctx context.Context, orch *workflow.Orchestrator) (out workflow.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", workflow.ErrRunnerPanicked, r)
		}
	}()
	return orch.Run(ctx)
}
