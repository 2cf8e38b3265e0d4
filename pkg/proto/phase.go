// Package proto defines the workflow data model shared by the orchestrator,
// the doom-loop guard, checkpoints, and sessions.
package proto

import (
	"fmt"
	"strings"
)

// Phase is a hierarchical workflow state. Nested states are dot-separated.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseAnalyzeCode Phase = "plan.analyze_code"
	PhaseResearch    Phase = "plan.research"
	PhaseDesign      Phase = "plan.design"
	PhaseImplement   Phase = "build.implement"
	PhaseValidate    Phase = "build.validate"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// phaseOrder is the linear progression used for progress reporting.
var phaseOrder = []Phase{
	PhaseIdle,
	PhaseAnalyzeCode,
	PhaseResearch,
	PhaseDesign,
	PhaseImplement,
	PhaseValidate,
	PhaseDone,
}

// String implements fmt.Stringer.
func (p Phase) String() string {
	return string(p)
}

// Parent returns the enclosing state ("plan", "build") or the phase itself for top-level states.
func (p Phase) Parent() string {
	if parent, _, ok := strings.Cut(string(p), "."); ok {
		return parent
	}
	return string(p)
}

// Leaf returns the innermost state name, e.g. "implement" for build.implement.
func (p Phase) Leaf() string {
	if i := strings.LastIndexByte(string(p), '.'); i >= 0 {
		return string(p)[i+1:]
	}
	return string(p)
}

// IsPlan reports whether p is nested under plan.
func (p Phase) IsPlan() bool {
	return strings.HasPrefix(string(p), "plan.")
}

// IsBuild reports whether p is nested under build.
func (p Phase) IsBuild() bool {
	return strings.HasPrefix(string(p), "build.")
}

// IsTerminal reports whether p is done or failed.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Ordinal returns the phase's position in the linear progression, or -1 for failed/unknown.
func (p Phase) Ordinal() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Progress maps a phase ordinal onto [0,1].
func (p Phase) Progress() float64 {
	ord := p.Ordinal()
	if ord < 0 {
		return 0
	}
	return float64(ord) / float64(len(phaseOrder)-1)
}

// ParsePhase validates a phase string.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if p == PhaseFailed || p.Ordinal() >= 0 {
		return p, nil
	}
	return "", fmt.Errorf("unknown phase %q", s)
}
