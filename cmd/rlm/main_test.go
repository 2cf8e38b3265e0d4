package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/pkg/events"
	"rlm/pkg/proto"
)

func TestRootCommandTree(t *testing.T) {
	root := rootCmd()
	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "run", "resume", "sessions", "secrets", "usage", "version"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("project-dir"))
	assert.NotNil(t, root.PersistentFlags().Lookup("debug"))
}

func TestVersionCommand(t *testing.T) {
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "rlm "))
}

func TestUsageRequiresPrometheusURL(t *testing.T) {
	t.Setenv(EnvPassword, "")
	root := rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--project-dir", t.TempDir(), "usage", "s1"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus")
}

func TestEventPrinterNDJSON(t *testing.T) {
	var out bytes.Buffer
	p := newEventPrinter(&out, false)
	require.NoError(t, p.print(events.Event{Seq: 1, SessionID: "s1", Type: events.TypeWorkflowStart, Text: "fix it"}))
	require.NoError(t, p.print(events.Event{Seq: 2, SessionID: "s1", Type: events.TypeWorkflowComplete, Phase: proto.PhaseDone, Outcome: "completed"}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var last events.Event
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &last))
	assert.Equal(t, int64(2), last.Seq)
	assert.Equal(t, "completed", last.Outcome)
}

func TestEventPrinterPretty(t *testing.T) {
	var out bytes.Buffer
	p := newEventPrinter(&out, true)
	require.NoError(t, p.print(events.Event{Type: events.TypeToolCall, Tool: "read_file", Text: "main.go"}))
	require.NoError(t, p.print(events.Event{Type: events.TypeToolResult, Text: "line one\nline two"}))
	require.NoError(t, p.print(events.Event{Type: events.TypeError, Outcome: "failed", Reason: "boom"}))

	got := out.String()
	assert.Contains(t, got, "🔧 read_file main.go")
	assert.Contains(t, got, "↳ line one\n")
	assert.NotContains(t, got, "line two")
	assert.Contains(t, got, "❌ failed: boom")
}

func TestFirstLineTruncates(t *testing.T) {
	assert.Equal(t, "abc", firstLine("abc\ndef"))
	long := strings.Repeat("x", 200)
	assert.Equal(t, strings.Repeat("x", 120)+"…", firstLine(long))
}
