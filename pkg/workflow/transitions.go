package workflow

import (
	"errors"
	"regexp"
	"slices"

	"rlm/pkg/proto"
)

// ErrInvalidTransition indicates a transition outside the table or blocked by a guard.
var ErrInvalidTransition = errors.New("invalid phase transition")

// TransitionTable lists the phases reachable from each phase.
type TransitionTable map[proto.Phase][]proto.Phase

// DefaultTransitions is the workflow graph. Every non-terminal phase may fail.
var DefaultTransitions = TransitionTable{
	proto.PhaseIdle:        {proto.PhaseAnalyzeCode},
	proto.PhaseAnalyzeCode: {proto.PhaseResearch, proto.PhaseFailed},
	proto.PhaseResearch:    {proto.PhaseDesign, proto.PhaseFailed},
	proto.PhaseDesign:      {proto.PhaseImplement, proto.PhaseFailed},
	proto.PhaseImplement:   {proto.PhaseValidate, proto.PhaseFailed},
	proto.PhaseValidate:    {proto.PhaseImplement, proto.PhaseDone, proto.PhaseFailed},
	proto.PhaseDone:        {},
	proto.PhaseFailed:      {},
}

// IsValidTransition reports whether the table allows from → to.
func (t TransitionTable) IsValidTransition(from, to proto.Phase) bool {
	return slices.Contains(t[from], to)
}

var (
	// negatedErrorPattern matches phrases that mention errors while reporting none.
	negatedErrorPattern = regexp.MustCompile(`(?i)\b(?:no|zero|0|without|not)\s+(?:(?:new|compile|compilation|build|test|lint|type)\s+)?(?:errors?|failures?|failed|failing|issues?|problems?|fail)\b`)
	errorPattern        = regexp.MustCompile(`(?i)\b(?:errors?|fail(?:s|ed|ure|ures|ing)?|panic(?:s|ked)?|exception|traceback|undefined|cannot|unresolved)\b`)
)

// hasValidationErrors reports whether validation output describes a problem.
// Phrases such as "no errors" or "0 failed" are removed before matching.
func hasValidationErrors(output string) bool {
	stripped := negatedErrorPattern.ReplaceAllString(output, " ")
	return errorPattern.MatchString(stripped)
}

// isPlanComplete gates plan.design → build.implement.
func isPlanComplete(o *Orchestrator) bool {
	return o.results.Plan != nil
}

// guards are evaluated after the table check. o.mu is held.
var guards = map[[2]proto.Phase]func(*Orchestrator) bool{
	{proto.PhaseDesign, proto.PhaseImplement}: isPlanComplete,
}
