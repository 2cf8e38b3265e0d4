package kernel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/pkg/config"
	"rlm/pkg/proto"
	"rlm/pkg/session"
	"rlm/pkg/workflow"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Checkpoint.Dir = filepath.Join(dir, "checkpoints")
	cfg.Session.DatabasePath = filepath.Join(dir, "sessions.db")
	cfg.Session.ShutdownTimeout = config.Duration(2 * time.Second)
	return *cfg
}

func greenRunner() workflow.Runner {
	return workflow.RunnerFunc(func(_ context.Context, _ *proto.WorkflowContext, _ []string, phase proto.Phase) (workflow.Result, error) {
		output := "Reviewed " + string(phase)
		if phase == proto.PhaseValidate {
			output = "Build succeeded and all checks are green."
		}
		return workflow.Result{Output: output, FinishReason: workflow.FinishStop}, nil
	})
}

func waitDone(t *testing.T, c *session.Controller) workflow.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := c.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestKernelRunsSessionAndPersists(t *testing.T) {
	cfg := testConfig(t)
	k, err := New(cfg, t.TempDir(), Options{Runner: greenRunner()})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))

	c, err := k.Sessions.CreateSession(session.SessionConfig{ID: "k1", Task: "tidy the README"})
	require.NoError(t, err)
	out := waitDone(t, c)
	assert.Equal(t, workflow.OutcomeCompleted, out.Kind)

	_, ok := k.Store.Load("k1")
	assert.True(t, ok, "transitions are checkpointed")

	rec, err := k.Registry.GetSession(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "tidy the README", rec.Task)

	require.NoError(t, k.Stop(context.Background()))

	// A second kernel over the same storage restores the session.
	k2, err := New(cfg, t.TempDir(), Options{Runner: greenRunner()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = k2.Stop(context.Background()) })
	require.NoError(t, k2.Start(context.Background()))
	restored, ok := k2.Sessions.Lookup("k1")
	require.True(t, ok)
	assert.Equal(t, proto.PhaseDone, restored.Status().Phase)
}

func TestKernelWithoutCredentialsFailsOnFirstTurn(t *testing.T) {
	missing := errors.New("no credentials configured")
	k, err := New(testConfig(t), t.TempDir(), Options{
		Keys: func(string) (string, error) { return "", missing },
	})
	require.NoError(t, err, "construction does not need credentials")
	t.Cleanup(func() { _ = k.Stop(context.Background()) })
	require.NoError(t, k.Start(context.Background()))

	c, err := k.Sessions.CreateSession(session.SessionConfig{Task: "anything"})
	require.NoError(t, err)
	out := waitDone(t, c)
	assert.Equal(t, workflow.OutcomeFailed, out.Kind)
	assert.Contains(t, out.Reason, "no credentials configured")
}

func TestKernelServesAPI(t *testing.T) {
	k, err := New(testConfig(t), t.TempDir(), Options{Runner: greenRunner()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Stop(context.Background()) })
	require.NoError(t, k.Start(context.Background()))

	srv := httptest.NewServer(k.Server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestKernelRegistersBuiltinTools(t *testing.T) {
	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "main.go"), []byte("package main\n"), 0o644))

	catalog := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(catalog, []byte(`
definitions:
  - name: run_tests
    description: Run the test suite
`), 0o644))

	cfg := testConfig(t)
	cfg.Tools.CatalogPath = catalog
	cfg.Tools.Deny = []string{"web_*"}
	k, err := New(cfg, projectDir, Options{Runner: greenRunner()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Stop(context.Background()) })

	names := k.Tools.Names()
	assert.Contains(t, names, "read_file")
	assert.Contains(t, names, "run_tests")
	for _, name := range k.Router.AllowedTools(proto.PhaseResearch) {
		assert.NotContains(t, name, "web_")
	}
}

func TestKernelRejectsBadCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools.CatalogPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(cfg, t.TempDir(), Options{Runner: greenRunner()})
	assert.Error(t, err)
}

func TestKernelStartTwice(t *testing.T) {
	k, err := New(testConfig(t), t.TempDir(), Options{Runner: greenRunner()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Stop(context.Background()) })
	require.NoError(t, k.Start(context.Background()))
	assert.Error(t, k.Start(context.Background()))
}
