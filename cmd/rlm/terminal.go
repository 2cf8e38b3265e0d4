package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"rlm/pkg/events"
)

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// readPassword prompts on stderr and reads without echo.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := string(bytes.TrimSpace(raw))
	for i := range raw {
		raw[i] = 0
	}
	return password, nil
}

// confirmPassword reads a new password twice.
func confirmPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		first, err := readPassword("Enter a password for the secrets file: ")
		if err != nil {
			return "", err
		}
		second, err := readPassword("Confirm password: ")
		if err != nil {
			return "", err
		}
		if first == second && first != "" {
			return first, nil
		}
		fmt.Fprintln(os.Stderr, "❌ Passwords do not match or are empty. Please try again.")
	}
	return "", fmt.Errorf("passwords do not match after %d attempts", maxAttempts)
}

// eventPrinter writes session events as NDJSON, or as readable lines when
// the output is a terminal.
type eventPrinter struct {
	w      io.Writer
	pretty bool
	enc    *json.Encoder
}

func newEventPrinter(w io.Writer, pretty bool) *eventPrinter {
	return &eventPrinter{w: w, pretty: pretty, enc: json.NewEncoder(w)}
}

func (p *eventPrinter) print(ev events.Event) error {
	if !p.pretty {
		return p.enc.Encode(ev)
	}
	var line string
	switch ev.Type {
	case events.TypeWorkflowStart:
		line = fmt.Sprintf("▶️  %s", ev.Text)
	case events.TypePhaseStart:
		line = fmt.Sprintf("🔄 %s", ev.Phase)
	case events.TypePhaseComplete:
		line = fmt.Sprintf("✅ %s complete", ev.Phase)
	case events.TypeAgentText:
		line = ev.Text
	case events.TypeToolCall:
		line = fmt.Sprintf("  🔧 %s %s", ev.Tool, ev.Text)
	case events.TypeToolResult:
		line = fmt.Sprintf("  ↳ %s", firstLine(ev.Text))
	case events.TypeStatus:
		line = fmt.Sprintf("ℹ️  %s", ev.Text)
	case events.TypeError:
		line = fmt.Sprintf("❌ %s: %s", ev.Outcome, ev.Reason)
	case events.TypeWorkflowComplete:
		line = fmt.Sprintf("⏹️  %s at %s", ev.Outcome, ev.Phase)
	default:
		line = fmt.Sprintf("%s %s", ev.Type, ev.Text)
	}
	_, err := fmt.Fprintln(p.w, line)
	return err
}

func firstLine(s string) string {
	const limit = 120
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > limit {
		s = s[:limit] + "…"
	}
	return s
}
