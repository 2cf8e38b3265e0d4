package proto

import (
	"time"
)

// DefaultMaxRecentStates bounds WorkflowContext.RecentStates.
const DefaultMaxRecentStates = 20

// StateEntry records entry into a state.
type StateEntry struct {
	State     Phase     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Runtime holds per-run settings that are never persisted.
type Runtime struct {
	TestMode bool
}

// WorkflowContext is the mutable state of one workflow run. It is owned by a
// single orchestrator; runners receive a Clone.
type WorkflowContext struct {
	Goal               string
	Messages           []Message
	Phase              Phase
	IterationCount     int
	RecentStates       []StateEntry
	LastState          Phase
	ToolExecutionCount int
	ErrorCounts        map[string]int
	MaxRecentStates    int
	Runtime            Runtime
}

// NewWorkflowContext creates a context for goal with the goal as the first user message.
func NewWorkflowContext(goal string) *WorkflowContext {
	return &WorkflowContext{
		Goal:            goal,
		Messages:        []Message{NewUserMessage(goal)},
		Phase:           PhaseIdle,
		ErrorCounts:     make(map[string]int),
		MaxRecentStates: DefaultMaxRecentStates,
	}
}

// EnterState records entry into phase at now, trims RecentStates to its bound,
// and updates Phase and LastState.
func (w *WorkflowContext) EnterState(phase Phase, now time.Time) {
	w.Phase = phase
	w.LastState = phase
	w.RecentStates = append(w.RecentStates, StateEntry{State: phase, Timestamp: now})

	limit := w.MaxRecentStates
	if limit <= 0 {
		limit = DefaultMaxRecentStates
	}
	if over := len(w.RecentStates) - limit; over > 0 {
		w.RecentStates = append([]StateEntry(nil), w.RecentStates[over:]...)
	}
}

// AppendMessage adds msg to the conversation log.
func (w *WorkflowContext) AppendMessage(msg Message) {
	w.Messages = append(w.Messages, msg)
}

// RecordToolErrors adds per-tool error counts.
func (w *WorkflowContext) RecordToolErrors(counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	if w.ErrorCounts == nil {
		w.ErrorCounts = make(map[string]int, len(counts))
	}
	for name, n := range counts {
		if n > 0 {
			w.ErrorCounts[name] += n
		}
	}
}

// TotalErrors sums ErrorCounts.
func (w *WorkflowContext) TotalErrors() int {
	total := 0
	for _, n := range w.ErrorCounts {
		total += n
	}
	return total
}

// LastAssistantOutput returns the content of the most recent assistant message.
func (w *WorkflowContext) LastAssistantOutput() string {
	for i := len(w.Messages) - 1; i >= 0; i-- {
		if w.Messages[i].Role == RoleAssistant && w.Messages[i].Content != "" {
			return w.Messages[i].Content
		}
	}
	return ""
}

// Clone returns a deep copy.
func (w *WorkflowContext) Clone() *WorkflowContext {
	out := *w
	out.Messages = CloneMessages(w.Messages)
	out.RecentStates = append([]StateEntry(nil), w.RecentStates...)
	out.ErrorCounts = make(map[string]int, len(w.ErrorCounts))
	for k, v := range w.ErrorCounts {
		out.ErrorCounts[k] = v
	}
	return &out
}
