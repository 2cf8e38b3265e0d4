package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/pkg/checkpoint"
	"rlm/pkg/config"
	"rlm/pkg/events"
	"rlm/pkg/persistence"
	"rlm/pkg/proto"
	"rlm/pkg/workflow"
)

// trackingStore wraps a real store, delaying saves for selected sessions and
// counting successful saves.
type trackingStore struct {
	*checkpoint.Store
	delay map[string]time.Duration

	mu    sync.Mutex
	saves map[string]int
}

func newTrackingStore(t *testing.T) *trackingStore {
	t.Helper()
	store, err := checkpoint.NewStore(t.TempDir())
	require.NoError(t, err)
	return &trackingStore{Store: store, delay: map[string]time.Duration{}, saves: map[string]int{}}
}

func (s *trackingStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if d := s.delay[cp.SessionID]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := s.Store.Save(ctx, cp); err != nil {
		return err
	}
	s.mu.Lock()
	s.saves[cp.SessionID]++
	s.mu.Unlock()
	return nil
}

func (s *trackingStore) saveCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[id]
}

// phaseRunner answers every phase with a canned reply unless block is set for
// that phase, in which case it waits for cancellation.
type phaseRunner struct {
	mu      sync.Mutex
	calls   []proto.Phase
	block   map[proto.Phase]bool
	entered chan proto.Phase
}

func newPhaseRunner() *phaseRunner {
	return &phaseRunner{block: map[proto.Phase]bool{}, entered: make(chan proto.Phase, 64)}
}

func (r *phaseRunner) Run(ctx context.Context, _ *proto.WorkflowContext, _ []string, phase proto.Phase) (workflow.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, phase)
	blocked := r.block[phase]
	r.mu.Unlock()
	r.entered <- phase

	if blocked {
		<-ctx.Done()
		return workflow.Result{}, ctx.Err()
	}
	output := "Looked at the code in " + string(phase)
	if phase == proto.PhaseValidate {
		output = "Build succeeded and all checks are green."
	}
	return workflow.Result{Output: output, FinishReason: workflow.FinishStop}, nil
}

func (r *phaseRunner) phases() []proto.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]proto.Phase(nil), r.calls...)
}

func testSettings() Settings {
	return Settings{
		Workflow: func(id string) workflow.Config {
			cfg := workflow.DefaultConfig(id)
			cfg.ExplorationTasks = []config.ExplorationTask{{Name: "structure", Prompt: "Map the packages."}}
			cfg.SaveTimeout = time.Second
			return cfg
		},
		EventBuffer:     16,
		ShutdownTimeout: 2 * time.Second,
	}
}

type fixture struct {
	manager  *Manager
	runner   *phaseRunner
	store    *trackingStore
	registry *persistence.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry, err := persistence.Open(persistence.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })

	f := &fixture{runner: newPhaseRunner(), store: newTrackingStore(t), registry: registry}
	f.manager, err = NewManager(Dependencies{Runner: f.runner, Store: f.store, Registry: registry}, testSettings())
	require.NoError(t, err)
	return f
}

func buildCheckpoint(id string, phase proto.Phase) *checkpoint.Checkpoint {
	wctx := proto.NewWorkflowContext("add request caching")
	wctx.Phase = phase
	wctx.AppendMessage(proto.NewUserMessage("add request caching"))
	wctx.AppendMessage(proto.NewAssistantMessage("Plan: wrap the client with an LRU cache."))
	return checkpoint.Snapshot(id, wctx, checkpoint.Results{
		Plan: &checkpoint.PlanResult{Plan: "wrap the client with an LRU cache", CreatedAt: time.Now().UTC()},
	}, time.Now())
}

func collect(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream did not close; got %d events", len(out))
		}
	}
}

func waitEntered(t *testing.T, r *phaseRunner, phase proto.Phase) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case p := <-r.entered:
			if p == phase {
				return
			}
		case <-timeout:
			t.Fatalf("runner never entered %s", phase)
		}
	}
}

func TestProcessUserMessageStreamsOrderedEvents(t *testing.T) {
	f := newFixture(t)
	c := f.manager.GetSession("stream")
	require.NotNil(t, c)

	ch, err := c.ProcessUserMessage(context.Background(), "add request caching")
	require.NoError(t, err)
	evs := collect(t, ch)
	require.NotEmpty(t, evs)

	assert.Equal(t, events.TypeWorkflowStart, evs[0].Type)
	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeWorkflowComplete, last.Type)
	assert.Equal(t, string(workflow.OutcomeCompleted), last.Outcome)

	var started []proto.Phase
	sawText := false
	for i, ev := range evs {
		assert.Equal(t, "stream", ev.SessionID)
		if i > 0 {
			assert.Greater(t, ev.Seq, evs[i-1].Seq)
		}
		switch ev.Type {
		case events.TypePhaseStart:
			started = append(started, ev.Phase)
		case events.TypeAgentText:
			sawText = true
		}
	}
	assert.True(t, sawText)
	assert.Equal(t, []proto.Phase{
		proto.PhaseAnalyzeCode, proto.PhaseResearch, proto.PhaseDesign, proto.PhaseImplement, proto.PhaseValidate,
	}, started)

	out, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeCompleted, out.Kind)
	assert.Equal(t, 1, out.IterationCount)

	cp, ok := f.store.Load("stream")
	require.True(t, ok)
	assert.Equal(t, proto.PhaseDone, cp.Phase)

	rec, err := f.registry.GetSession(context.Background(), "stream")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusCompleted, rec.Status)
	assert.Equal(t, "add request caching", rec.Task)

	st := c.Status()
	assert.False(t, st.HasIncompleteWork)
	assert.InDelta(t, 1.0, st.Progress, 1e-9)
	assert.Positive(t, st.TokenEstimate)
}

func TestContinueIntentResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Store.Save(context.Background(), buildCheckpoint("paused", proto.PhaseImplement)))
	require.NoError(t, f.manager.Initialize(context.Background()))

	c := f.manager.GetSession("paused")
	require.True(t, c.HasIncompleteWork())

	ch, err := c.ProcessUserMessage(context.Background(), "Continue!")
	require.NoError(t, err)
	evs := collect(t, ch)
	require.GreaterOrEqual(t, len(evs), 3)

	assert.Equal(t, events.TypeStatus, evs[0].Type)
	assert.Contains(t, evs[0].Text, "build.implement")
	assert.Equal(t, events.TypeWorkflowStart, evs[1].Type)
	assert.Equal(t, proto.PhaseImplement, evs[1].Phase)
	assert.Equal(t, string(workflow.OutcomeCompleted), evs[len(evs)-1].Outcome)

	for _, p := range f.runner.phases() {
		assert.True(t, p.IsBuild(), "resumed run invoked %s", p)
	}
}

func TestIsContinueIntent(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"continue", true},
		{"Keep going.", true},
		{"what's the status?", true},
		{"ok, carry on", true},
		{"where were we", true},
		{"progress", true},
		{"add a progress bar to the upload page and continue the refactor of the client", false},
		{"please continue with the remaining steps now", true},
		{"OK, resume where you left off on the parser", true},
		{"write a status page that shows build progress per project", false},
		{"add caching", false},
		{"", false},
		{"resumes", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isContinueIntent(tt.text), "%q", tt.text)
	}
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	f := newFixture(t)
	c := f.manager.GetSession("fresh")
	assert.ErrorIs(t, c.Resume(), ErrNoCheckpoint)

	_, err := c.Wait(context.Background())
	assert.ErrorIs(t, err, ErrNoRun)

	st := c.Status()
	assert.Equal(t, proto.PhaseIdle, st.Phase)
	assert.False(t, st.HasIncompleteWork)
	assert.Zero(t, st.Progress)
}

func TestAbortStopsRunAndAllowsResume(t *testing.T) {
	f := newFixture(t)
	f.runner.block[proto.PhaseResearch] = true

	c, err := f.manager.CreateSession(SessionConfig{ID: "abort", Task: "add request caching"})
	require.NoError(t, err)
	waitEntered(t, f.runner, proto.PhaseResearch)

	assert.ErrorIs(t, c.Start("another task"), ErrAlreadyRunning)
	c.Abort()
	out, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeStopped, out.Kind)
	assert.Equal(t, proto.PhaseResearch, out.Phase)

	st := c.Status()
	assert.True(t, st.HasIncompleteWork)
	assert.Equal(t, "stopped", st.Outcome)
	assert.False(t, st.Running)
	c.Abort() // no-op once stopped

	f.runner.mu.Lock()
	f.runner.block[proto.PhaseResearch] = false
	f.runner.mu.Unlock()
	require.NoError(t, c.Resume())
	out, err = c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeCompleted, out.Kind)
}

func TestShutdownPersistsActiveSessionsDespiteSlowSave(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"fast", "slow"} {
		require.NoError(t, f.store.Store.Save(context.Background(), buildCheckpoint(id, proto.PhaseImplement)))
	}
	require.NoError(t, f.manager.Initialize(context.Background()))

	f.runner.block[proto.PhaseImplement] = true
	for _, id := range []string{"fast", "slow"} {
		require.NoError(t, f.manager.GetSession(id).Resume())
	}
	waitEntered(t, f.runner, proto.PhaseImplement)
	waitEntered(t, f.runner, proto.PhaseImplement)
	f.store.delay["slow"] = 300 * time.Millisecond

	report := f.manager.Shutdown(context.Background())
	assert.False(t, report.TimedOut)
	assert.Empty(t, report.Failed)
	assert.Equal(t, []string{"fast", "slow"}, report.Saved)
	assert.Less(t, report.Duration, 2*time.Second)

	for _, id := range []string{"fast", "slow"} {
		assert.Equal(t, 1, f.store.saveCount(id), id)
		cp, ok := f.store.Load(id)
		require.True(t, ok)
		assert.Equal(t, proto.PhaseImplement, cp.Phase)
		assert.NotNil(t, cp.Results.Plan)
	}
}

func TestInitializeRestoresPausedSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.UpsertSession(ctx, persistence.SessionRecord{SessionID: "crashed", Task: "fix login", Status: persistence.StatusRunning}))

	failed := buildCheckpoint("failed", proto.PhaseFailed)
	failed.FailedPhase = proto.PhaseValidate
	failed.Error = "runner failed"
	require.NoError(t, f.store.Store.Save(ctx, failed))

	require.NoError(t, f.manager.Initialize(ctx))
	statuses := f.manager.ListSessions()
	require.Len(t, statuses, 2)

	crashed, failedStatus := statuses[0], statuses[1]
	assert.Equal(t, "crashed", crashed.SessionID)
	assert.Equal(t, "fix login", crashed.Task)
	assert.Equal(t, "interrupted", crashed.Reason)
	assert.False(t, crashed.Running)

	assert.Equal(t, "failed", failedStatus.SessionID)
	assert.Equal(t, proto.PhaseFailed, failedStatus.Phase)
	assert.True(t, failedStatus.HasIncompleteWork)
	assert.InDelta(t, proto.PhaseValidate.Progress(), failedStatus.Progress, 1e-9)
	assert.Equal(t, "runner failed", failedStatus.Reason)

	rec, err := f.registry.GetSession(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusInterrupted, rec.Status)

	active := f.manager.GetActiveSessions()
	require.Len(t, active, 1)
	assert.Equal(t, "failed", active[0].ID())
	assert.Empty(t, f.runner.phases(), "restored sessions must not auto-resume")
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.manager.CreateSession(SessionConfig{ID: "gone", Task: "add request caching"})
	require.NoError(t, err)
	_, err = c.Wait(ctx)
	require.NoError(t, err)

	require.NoError(t, f.manager.DeleteSession(ctx, "gone"))
	_, ok := f.store.Load("gone")
	assert.False(t, ok)
	_, err = f.registry.GetSession(ctx, "gone")
	assert.ErrorIs(t, err, persistence.ErrSessionNotFound)
	_, ok = f.manager.Lookup("gone")
	assert.False(t, ok)

	assert.ErrorIs(t, f.manager.DeleteSession(ctx, "gone"), ErrSessionNotFound)
	assert.ErrorIs(t, f.manager.DeleteSession(ctx, "../escape"), checkpoint.ErrInvalidSessionID)
}

func TestCreateSessionGeneratesIDAndRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	c, err := f.manager.CreateSession(SessionConfig{})
	require.NoError(t, err)
	assert.Len(t, c.ID(), 36)
	assert.False(t, c.Running())

	_, err = f.manager.CreateSession(SessionConfig{ID: c.ID()})
	assert.ErrorIs(t, err, ErrSessionExists)

	_, err = c.ProcessUserMessage(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyTask)
	assert.Nil(t, f.manager.GetSession("a/b"))
}

func TestFailedRunEmitsErrorEvent(t *testing.T) {
	f := newFixture(t)
	f.manager.deps.Runner = workflow.RunnerFunc(func(context.Context, *proto.WorkflowContext, []string, proto.Phase) (workflow.Result, error) {
		return workflow.Result{}, assert.AnError
	})
	c := f.manager.GetSession("broken")
	ch, err := c.ProcessUserMessage(context.Background(), "add request caching")
	require.NoError(t, err)
	evs := collect(t, ch)
	require.GreaterOrEqual(t, len(evs), 2)

	errEv := evs[len(evs)-2]
	assert.Equal(t, events.TypeError, errEv.Type)
	assert.True(t, strings.Contains(errEv.Reason, assert.AnError.Error()))
	assert.Equal(t, string(workflow.OutcomeFailed), evs[len(evs)-1].Outcome)

	st := c.Status()
	assert.Equal(t, proto.PhaseFailed, st.Phase)
	assert.Equal(t, proto.PhaseAnalyzeCode, st.FailedPhase)
	assert.Contains(t, st.Summary, "Last run: failed")
}

func TestRunnerPanicRecordsFailedOutcome(t *testing.T) {
	store := newTrackingStore(t)
	runner := workflow.RunnerFunc(func(_ context.Context, _ *proto.WorkflowContext, _ []string, phase proto.Phase) (workflow.Result, error) {
		if phase == proto.PhaseResearch {
			panic("tool implementation blew up")
		}
		return workflow.Result{Output: "ok", FinishReason: workflow.FinishStop}, nil
	})
	manager, err := NewManager(Dependencies{Runner: runner, Store: store}, testSettings())
	require.NoError(t, err)

	c, err := manager.CreateSession(SessionConfig{ID: "panicky", Task: "add request caching"})
	require.NoError(t, err)
	out, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workflow.OutcomeFailed, out.Kind)
	assert.Contains(t, out.Reason, "runner panicked")

	st := c.Status()
	assert.Equal(t, proto.PhaseFailed, st.Phase)
	assert.Equal(t, proto.PhaseResearch, st.FailedPhase)
	cp, ok := store.Load("panicky")
	require.True(t, ok)
	assert.Equal(t, proto.PhaseResearch, cp.FailedPhase)
}

// gatedPublisher blocks every Publish until release is closed.
type gatedPublisher struct {
	release chan struct{}
	once    sync.Once
}

func (g *gatedPublisher) Publish(context.Context, events.Event) error {
	<-g.release
	return nil
}

func (g *gatedPublisher) Close() error { g.open(); return nil }

func (g *gatedPublisher) open() { g.once.Do(func() { close(g.release) }) }

func TestSlowPublisherDoesNotHoldSessionLock(t *testing.T) {
	store := newTrackingStore(t)
	require.NoError(t, store.Store.Save(context.Background(), buildCheckpoint("paused", proto.PhaseImplement)))
	pub := &gatedPublisher{release: make(chan struct{})}
	t.Cleanup(pub.open)

	manager, err := NewManager(Dependencies{Runner: newPhaseRunner(), Store: store, Publisher: pub}, testSettings())
	require.NoError(t, err)
	require.NoError(t, manager.Initialize(context.Background()))
	c := manager.GetSession("paused")

	chs := make(chan (<-chan events.Event), 1)
	go func() {
		ch, err := c.ProcessUserMessage(context.Background(), "continue")
		assert.NoError(t, err)
		chs <- ch
	}()

	var ch <-chan events.Event
	select {
	case ch = <-chs:
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessUserMessage blocked on the publisher")
	}

	statusDone := make(chan Status, 1)
	go func() { statusDone <- c.Status() }()
	select {
	case st := <-statusDone:
		assert.True(t, st.Running)
	case <-time.After(2 * time.Second):
		t.Fatal("Status blocked on the publisher")
	}

	pub.open()
	evs := collect(t, ch)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeStatus, evs[0].Type)
	assert.Equal(t, string(workflow.OutcomeCompleted), evs[len(evs)-1].Outcome)
}

func TestRegistryTracksRunningPhase(t *testing.T) {
	f := newFixture(t)
	f.runner.block[proto.PhaseResearch] = true

	c, err := f.manager.CreateSession(SessionConfig{ID: "tracked", Task: "add request caching"})
	require.NoError(t, err)
	waitEntered(t, f.runner, proto.PhaseResearch)

	rec, err := f.registry.GetSession(context.Background(), "tracked")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusRunning, rec.Status)
	assert.Equal(t, string(proto.PhaseResearch), rec.Phase)

	c.Abort()
	_, err = c.Wait(context.Background())
	require.NoError(t, err)
}
