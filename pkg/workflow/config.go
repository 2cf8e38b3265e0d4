package workflow

import (
	"time"

	"rlm/pkg/config"
	"rlm/pkg/doomloop"
	"rlm/pkg/proto"
)

// DefaultSaveTimeout bounds a checkpoint save made after a transition.
const DefaultSaveTimeout = 5 * time.Second

// Config holds per-run orchestrator settings.
type Config struct {
	SessionID        string
	PhaseLimits      map[proto.Phase]int
	ExplorationTasks []config.ExplorationTask
	MaxRecentStates  int
	DoomLoop         doomloop.Config
	SaveTimeout      time.Duration
	Now              func() time.Time
}

// DefaultConfig returns the built-in limits for sessionID.
func DefaultConfig(sessionID string) Config {
	return ConfigFromSettings(config.DefaultConfig(), sessionID)
}

// ConfigFromSettings converts the file configuration.
func ConfigFromSettings(settings *config.Config, sessionID string) Config {
	limits := make(map[proto.Phase]int, len(settings.Workflow.PhaseLimits))
	for name, limit := range settings.Workflow.PhaseLimits {
		limits[proto.Phase(name)] = limit
	}
	return Config{
		SessionID:        sessionID,
		PhaseLimits:      limits,
		ExplorationTasks: append([]config.ExplorationTask(nil), settings.Workflow.ExplorationTasks...),
		MaxRecentStates:  settings.Workflow.MaxRecentStates,
		DoomLoop: doomloop.Config{
			OscillationThreshold:   settings.DoomLoop.OscillationThreshold,
			TimeLimit:              settings.DoomLoop.TimeLimit.Std(),
			StagnationIterations:   settings.DoomLoop.StagnationIterations,
			ProgressErrorThreshold: settings.DoomLoop.ProgressErrorThreshold,
		},
		SaveTimeout: settings.Checkpoint.SaveTimeout.Std(),
	}
}

func (c *Config) limit(phase proto.Phase) int {
	if n := c.PhaseLimits[phase]; n > 0 {
		return n
	}
	if n := config.DefaultPhaseLimits[string(phase)]; n > 0 {
		return n
	}
	return 1
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
