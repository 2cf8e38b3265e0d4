// Package doomloop detects non-converging build cycles from a workflow's recent history.
package doomloop

import (
	"fmt"
	"time"

	"rlm/pkg/proto"
)

// Rule names a detector.
type Rule string

const (
	RuleNone        Rule = ""
	RuleOscillation Rule = "oscillation"
	RuleTime        Rule = "time"
	RuleStagnation  Rule = "stagnation"
)

// Config holds guard thresholds.
type Config struct {
	// OscillationThreshold is the implement/validate pair count that trips the guard.
	OscillationThreshold int
	// TimeLimit bounds wall-clock time since the oldest retained state entry.
	TimeLimit time.Duration
	// StagnationIterations is the iteration count that must be exceeded before error stagnation applies.
	StagnationIterations int
	// ProgressErrorThreshold: totals below it count as progress.
	ProgressErrorThreshold int
	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		OscillationThreshold:   5,
		TimeLimit:              10 * time.Minute,
		StagnationIterations:   5,
		ProgressErrorThreshold: 10,
	}
}

// Result is the guard verdict.
type Result struct {
	IsDoomLoop bool
	Rule       Rule
	Reason     string
}

// Evaluate checks the context for a doom loop. It only fires while the last
// recorded state is under build. The first rule that trips wins; order only
// affects the reported reason.
func Evaluate(wctx *proto.WorkflowContext, cfg Config) Result {
	if wctx == nil || !wctx.LastState.IsBuild() {
		return Result{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if count := OscillationCount(wctx.RecentStates); cfg.OscillationThreshold > 0 && count >= cfg.OscillationThreshold {
		return Result{
			IsDoomLoop: true,
			Rule:       RuleOscillation,
			Reason:     fmt.Sprintf("oscillation detected: %d implement/validate transitions without converging", count),
		}
	}

	if exceeded, elapsed := timeExceeded(wctx, cfg); exceeded {
		return Result{
			IsDoomLoop: true,
			Rule:       RuleTime,
			Reason:     fmt.Sprintf("time limit exceeded: %s in build (limit %s)", elapsed.Round(time.Second), cfg.TimeLimit),
		}
	}

	if stagnating(wctx, cfg) {
		return Result{
			IsDoomLoop: true,
			Rule:       RuleStagnation,
			Reason: fmt.Sprintf("error stagnation: %d errors after %d iterations",
				wctx.TotalErrors(), wctx.IterationCount),
		}
	}

	return Result{}
}

// OscillationCount counts adjacent (implement,validate) or (validate,implement) pairs.
func OscillationCount(states []proto.StateEntry) int {
	count := 0
	for i := 1; i < len(states); i++ {
		prev, cur := states[i-1].State, states[i].State
		if (prev == proto.PhaseImplement && cur == proto.PhaseValidate) ||
			(prev == proto.PhaseValidate && cur == proto.PhaseImplement) {
			count++
		}
	}
	return count
}

func timeExceeded(wctx *proto.WorkflowContext, cfg Config) (bool, time.Duration) {
	if cfg.TimeLimit <= 0 || len(wctx.RecentStates) < 2 {
		return false, 0
	}
	elapsed := cfg.Now().Sub(wctx.RecentStates[0].Timestamp)
	return elapsed > cfg.TimeLimit, elapsed
}

// stagnating is a coarse heuristic: it looks only at the current error total,
// not its trend, so a small constant error count never trips it.
func stagnating(wctx *proto.WorkflowContext, cfg Config) bool {
	if wctx.IterationCount <= cfg.StagnationIterations {
		return false
	}
	total := wctx.TotalErrors()
	progressing := total < cfg.ProgressErrorThreshold
	return total > 0 && !progressing
}
