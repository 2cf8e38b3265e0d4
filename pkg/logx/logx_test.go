package logx

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	t.Cleanup(func() { SetOutput(prev) })
	return &buf
}

func restoreDebug(t *testing.T) {
	t.Helper()
	debugMutex.RLock()
	saved := *debugConfig
	debugMutex.RUnlock()
	t.Cleanup(func() {
		debugMutex.Lock()
		*debugConfig = saved
		debugMutex.Unlock()
	})
}

func TestLoggerFormat(t *testing.T) {
	buf := captureOutput(t)

	NewLogger("orchestrator").Info("entered %s", "plan.research")

	line := buf.String()
	assert.Contains(t, line, "[orchestrator] INFO: entered plan.research")
	assert.True(t, strings.HasPrefix(line, "["), "line should start with timestamp: %q", line)
}

func TestDebugDomainFiltering(t *testing.T) {
	restoreDebug(t)
	buf := captureOutput(t)

	SetDebugConfig(false, false, "")
	NewLogger("workflow").Debug("hidden")
	assert.Empty(t, buf.String())

	SetDebugConfig(true, false, "")
	SetDebugDomains([]string{"session"})
	NewLogger("workflow").Debug("still hidden")
	assert.Empty(t, buf.String())

	NewLogger("session").With("abc").Debug("visible")
	assert.Contains(t, buf.String(), "[session/abc] DEBUG: visible")

	SetDebugDomains(nil)
	assert.True(t, IsDebugEnabledForDomain("anything"))
}

func TestRecentEntries(t *testing.T) {
	captureOutput(t)

	l := NewLogger("ring-test")
	for i := 0; i < 3; i++ {
		l.Warn("entry %d", i)
	}

	entries := RecentEntries(2)
	require.Len(t, entries, 2)
	assert.Equal(t, "entry 1", entries[0].Message)
	assert.Equal(t, "entry 2", entries[1].Message)
	assert.Equal(t, "WARN", entries[1].Level)
	assert.Equal(t, "ring-test", entries[1].Component)
}

func TestRingWraps(t *testing.T) {
	r := &ring{entries: make([]Entry, 3)}
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		r.add(Entry{Message: m})
	}

	got := r.last(0)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "d", "e"}, []string{got[0].Message, got[1].Message, got[2].Message})
}

func TestInitializeLogFile(t *testing.T) {
	restoreDebug(t)
	captureOutput(t)
	dir := t.TempDir()

	SetDebugConfig(false, true, dir)
	require.NoError(t, InitializeLogFile())
	t.Cleanup(func() { _ = CloseLogFile() })

	NewLogger("file").Info("mirrored line")
	require.NoError(t, CloseLogFile())

	data, err := os.ReadFile(filepath.Join(dir, "rlm.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "mirrored line")
}

func TestWrapAndErrorf(t *testing.T) {
	captureOutput(t)
	base := errors.New("disk full")

	assert.NoError(t, Wrap(nil, "ignored"))

	err := Wrap(base, "save checkpoint")
	require.Error(t, err)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "save checkpoint: disk full", err.Error())

	err = Errorf("load %s: %w", "s1", base)
	assert.ErrorIs(t, err, base)
}
