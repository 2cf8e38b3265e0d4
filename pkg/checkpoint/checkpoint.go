// Package checkpoint persists workflow snapshots so interrupted sessions can resume.
package checkpoint

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"rlm/pkg/proto"
)

// ErrInvalidSessionID is returned for IDs that cannot be used as a directory name.
var ErrInvalidSessionID = errors.New("invalid session id")

// ExploreResult holds the findings of one exploration sub-task.
type ExploreResult struct {
	Name     string `json:"name"`
	Findings string `json:"findings"`
	Error    string `json:"error,omitempty"`
}

// PlanResult is the output of plan.design.
type PlanResult struct {
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"createdAt"`
}

// BuildResult is the latest build.* output.
type BuildResult struct {
	Implementation string `json:"implementation,omitempty"`
	Validation     string `json:"validation,omitempty"`
	Passed         bool   `json:"passed"`
}

// Results groups per-stage outputs.
type Results struct {
	Explore []ExploreResult `json:"explore,omitempty"`
	Plan    *PlanResult     `json:"plan,omitempty"`
	Build   *BuildResult    `json:"build,omitempty"`
}

// Clone returns a deep copy.
func (r Results) Clone() Results {
	out := Results{Explore: append([]ExploreResult(nil), r.Explore...)}
	if r.Plan != nil {
		p := *r.Plan
		out.Plan = &p
	}
	if r.Build != nil {
		b := *r.Build
		out.Build = &b
	}
	return out
}

// AgentState records a sub-agent that was active when the snapshot was taken.
type AgentState struct {
	Name      string    `json:"name"`
	Phase     string    `json:"phase"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Checkpoint is an immutable snapshot of a workflow. There is no schema
// version; readers tolerate missing fields.
type Checkpoint struct {
	SessionID          string          `json:"sessionId"`
	Timestamp          time.Time       `json:"timestamp"`
	Phase              proto.Phase     `json:"phase"`
	Task               string          `json:"task"`
	Results            Results         `json:"results"`
	AgentStates        []AgentState    `json:"agentStates,omitempty"`
	IterationCount     int             `json:"iterationCount"`
	ToolExecutionCount int             `json:"toolExecutionCount"`
	ErrorCounts        map[string]int  `json:"errorCounts,omitempty"`
	Messages           []proto.Message `json:"messages,omitempty"`
	FailedPhase        proto.Phase     `json:"failedPhase,omitempty"`
	Error              string          `json:"error,omitempty"`
}

// Snapshot builds a checkpoint from the live context. Everything is copied.
func Snapshot(sessionID string, wctx *proto.WorkflowContext, results Results, now time.Time) *Checkpoint {
	errs := make(map[string]int, len(wctx.ErrorCounts))
	for k, v := range wctx.ErrorCounts {
		errs[k] = v
	}
	return &Checkpoint{
		SessionID:          sessionID,
		Timestamp:          now.UTC(),
		Phase:              wctx.Phase,
		Task:               wctx.Goal,
		Results:            results.Clone(),
		IterationCount:     wctx.IterationCount,
		ToolExecutionCount: wctx.ToolExecutionCount,
		ErrorCounts:        errs,
		Messages:           proto.CloneMessages(wctx.Messages),
	}
}

// ResumePhase is the phase a resumed workflow starts in.
func (c *Checkpoint) ResumePhase() proto.Phase {
	if c.Phase == proto.PhaseFailed && c.FailedPhase != "" {
		return c.FailedPhase
	}
	return c.Phase
}

// Validate checks structural invariants.
func (c *Checkpoint) Validate() error {
	if err := ValidateSessionID(c.SessionID); err != nil {
		return err
	}
	if _, err := proto.ParsePhase(string(c.Phase)); err != nil {
		return fmt.Errorf("checkpoint %s: %w", c.SessionID, err)
	}
	if c.Phase.IsBuild() && c.Results.Plan == nil {
		return fmt.Errorf("checkpoint %s: phase %s requires a plan result", c.SessionID, c.Phase)
	}
	if c.FailedPhase != "" {
		if _, err := proto.ParsePhase(string(c.FailedPhase)); err != nil {
			return fmt.Errorf("checkpoint %s: failed phase: %w", c.SessionID, err)
		}
	}
	return nil
}

// ValidateSessionID rejects IDs that would escape the checkpoint directory.
func ValidateSessionID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	case strings.ContainsAny(id, `/\`), strings.ContainsRune(id, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidSessionID, id)
	}
	return nil
}
