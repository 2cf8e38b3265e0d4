// Package session runs workflows on behalf of callers.
//
// A Controller owns one session: it starts or resumes an Orchestrator in a
// background goroutine, streams its progress as ordered events, and reports
// status. The Manager keeps the set of controllers, restores them from disk
// at startup, and flushes their checkpoints at shutdown.
package session

import (
	"context"
	"errors"
	"time"

	"rlm/pkg/checkpoint"
	"rlm/pkg/config"
	"rlm/pkg/events"
	"rlm/pkg/metrics"
	"rlm/pkg/persistence"
	"rlm/pkg/tools"
	"rlm/pkg/utils"
	"rlm/pkg/workflow"
)

var (
	// ErrAlreadyRunning is returned by Start and Resume while a run is in flight.
	ErrAlreadyRunning = errors.New("session already running")
	// ErrNoCheckpoint is returned by Resume when there is nothing to resume from.
	ErrNoCheckpoint = errors.New("no checkpoint to resume from")
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned by CreateSession for a duplicate ID.
	ErrSessionExists = errors.New("session already exists")
	// ErrNoRun is returned by Wait when the session has never been started.
	ErrNoRun = errors.New("session has not been started")
	// ErrEmptyTask is returned by Start for a blank task.
	ErrEmptyTask = errors.New("task is required")
)

const (
	// DefaultEventBuffer is the per-subscriber event channel capacity.
	DefaultEventBuffer = 256
	// DefaultShutdownTimeout bounds Manager.Shutdown.
	DefaultShutdownTimeout = 10 * time.Second

	registryTimeout      = 2 * time.Second
	completeEventTimeout = 5 * time.Second
)

// CheckpointStore is the checkpoint persistence a session needs.
type CheckpointStore interface {
	checkpoint.Saver
	Load(sessionID string) (*checkpoint.Checkpoint, bool)
	Delete(sessionID string) error
	List() ([]string, error)
}

// Registry records session lifecycle rows. It is optional.
type Registry interface {
	UpsertSession(ctx context.Context, rec persistence.SessionRecord) error
	ListSessions(ctx context.Context) ([]persistence.SessionRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
	MarkInterruptedSessions(ctx context.Context) (int64, error)
}

// Dependencies are shared by every controller of a manager.
type Dependencies struct {
	Runner    workflow.Runner
	Router    *tools.Router
	Store     CheckpointStore
	Registry  Registry
	Recorder  metrics.Recorder
	Publisher events.Publisher
}

// Settings tune controllers and the manager.
type Settings struct {
	// Workflow builds the orchestrator config for a session. Defaults to the
	// loaded configuration file.
	Workflow        func(sessionID string) workflow.Config
	EventBuffer     int
	ShutdownTimeout time.Duration
	Tokens          *utils.TokenCounter
}

// SettingsFromConfig derives settings from the configuration file.
func SettingsFromConfig(cfg *config.Config) Settings {
	snapshot := *cfg
	return Settings{
		Workflow: func(sessionID string) workflow.Config {
			return workflow.ConfigFromSettings(&snapshot, sessionID)
		},
		EventBuffer:     cfg.Events.BufferSize,
		ShutdownTimeout: cfg.Session.ShutdownTimeout.Std(),
	}
}

func (s Settings) withDefaults() Settings {
	if s.Workflow == nil {
		s.Workflow = func(sessionID string) workflow.Config {
			cfg, err := config.GetConfig()
			if err != nil {
				return workflow.DefaultConfig(sessionID)
			}
			return workflow.ConfigFromSettings(&cfg, sessionID)
		}
	}
	if s.EventBuffer <= 0 {
		s.EventBuffer = DefaultEventBuffer
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.Tokens == nil {
		s.Tokens = utils.DefaultTokenCounter()
	}
	return s
}

func (d Dependencies) validate() error {
	if d.Runner == nil {
		return errors.New("session: runner is required")
	}
	if d.Store == nil {
		return errors.New("session: checkpoint store is required")
	}
	return nil
}
