package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rlm/pkg/checkpoint"
	"rlm/pkg/logx"
	"rlm/pkg/persistence"
)

// SessionConfig describes a session to create.
type SessionConfig struct {
	ID   string `json:"id,omitempty"`
	Task string `json:"task,omitempty"`
}

// ShutdownReport lists what Manager.Shutdown managed to persist.
type ShutdownReport struct {
	Saved    []string          `json:"saved"`
	Failed   map[string]string `json:"failed,omitempty"`
	TimedOut bool              `json:"timedOut"`
	Duration time.Duration     `json:"duration"`
}

// Manager tracks every controller of the process.
type Manager struct {
	deps     Dependencies
	settings Settings
	logger   *logx.Logger

	mu       sync.RWMutex
	sessions map[string]*Controller
}

// NewManager creates a manager. Runner and Store are required.
func NewManager(deps Dependencies, settings Settings) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		deps:     deps,
		settings: settings.withDefaults(),
		logger:   logx.NewLogger("session-manager"),
		sessions: make(map[string]*Controller),
	}, nil
}

// Name identifies the manager as a shutdown component.
func (m *Manager) Name() string { return "session-manager" }

// Initialize restores paused controllers for every persisted session. Sessions
// the registry still lists as running are marked interrupted first. Nothing
// is resumed automatically.
func (m *Manager) Initialize(ctx context.Context) error {
	records := make(map[string]persistence.SessionRecord)
	if m.deps.Registry != nil {
		n, err := m.deps.Registry.MarkInterruptedSessions(ctx)
		if err != nil {
			return fmt.Errorf("failed to mark interrupted sessions: %w", err)
		}
		if n > 0 {
			m.logger.Warn("Marked %d session(s) interrupted by the previous shutdown", n)
		}
		rows, err := m.deps.Registry.ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		for _, rec := range rows {
			records[rec.SessionID] = rec
		}
	}

	ids, err := m.deps.Store.List()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	seen := make(map[string]bool, len(ids)+len(records))
	for _, id := range ids {
		seen[id] = true
	}
	for id := range records {
		seen[id] = true
	}

	restored := 0
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range seen {
		if _, ok := m.sessions[id]; ok {
			continue
		}
		if err := checkpoint.ValidateSessionID(id); err != nil {
			m.logger.Warn("Skipping session with invalid ID: %v", err)
			continue
		}
		c := newController(id, m.deps, m.settings)
		cp, _ := m.deps.Store.Load(id)
		var rec *persistence.SessionRecord
		if r, ok := records[id]; ok {
			rec = &r
		}
		c.restore(cp, rec)
		m.sessions[id] = c
		restored++
	}
	m.logger.Info("📂 Restored %d session(s)", restored)
	return nil
}

// CreateSession registers a new controller and starts it when cfg.Task is set.
func (m *Manager) CreateSession(cfg SessionConfig) (*Controller, error) {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := checkpoint.ValidateSessionID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	c := newController(id, m.deps, m.settings)
	m.sessions[id] = c
	m.mu.Unlock()

	m.logger.Info("Created session %s", id)
	if cfg.Task == "" {
		c.recordRegistry(context.Background(), c.Status().Phase, persistence.StatusIdle, "")
		return c, nil
	}
	if err := c.Start(cfg.Task); err != nil {
		return c, err
	}
	return c, nil
}

// GetSession returns the controller for id, loading it from its checkpoint
// or creating an idle one. It returns nil for an invalid ID.
func (m *Manager) GetSession(id string) *Controller {
	if checkpoint.ValidateSessionID(id) != nil {
		return nil
	}
	m.mu.RLock()
	c, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.sessions[id]; ok {
		return c
	}
	c = newController(id, m.deps, m.settings)
	if cp, ok := m.deps.Store.Load(id); ok {
		c.restore(cp, nil)
	}
	m.sessions[id] = c
	return c
}

// Lookup returns a known session without creating one. A session is known
// when it is registered or has a checkpoint on disk.
func (m *Manager) Lookup(id string) (*Controller, bool) {
	if checkpoint.ValidateSessionID(id) != nil {
		return nil, false
	}
	m.mu.RLock()
	c, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return c, true
	}
	if _, ok := m.deps.Store.Load(id); !ok {
		return nil, false
	}
	return m.GetSession(id), true
}

// GetActiveSessions returns the controllers with incomplete work.
func (m *Manager) GetActiveSessions() []*Controller {
	var active []*Controller
	for _, c := range m.controllers() {
		if c.HasIncompleteWork() {
			active = append(active, c)
		}
	}
	return active
}

// ListSessions returns the status of every session, ordered by ID.
func (m *Manager) ListSessions() []Status {
	controllers := m.controllers()
	out := make([]Status, 0, len(controllers))
	for _, c := range controllers {
		out = append(out, c.Status())
	}
	return out
}

func (m *Manager) controllers() []*Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// DeleteSession aborts the session, then drops its controller, checkpoint and
// registry row.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	if err := checkpoint.ValidateSessionID(id); err != nil {
		return err
	}
	m.mu.Lock()
	c, known := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if known {
		c.Abort()
		if _, err := c.Wait(ctx); err != nil && !errors.Is(err, ErrNoRun) {
			return fmt.Errorf("failed waiting for session %s to stop: %w", id, err)
		}
	} else if _, ok := m.deps.Store.Load(id); ok {
		known = true
	}

	if err := m.deps.Store.Delete(id); err != nil {
		return err
	}
	if m.deps.Registry != nil {
		err := m.deps.Registry.DeleteSession(ctx, id)
		switch {
		case err == nil:
			known = true
		case !errors.Is(err, persistence.ErrSessionNotFound):
			return fmt.Errorf("failed to delete session record %s: %w", id, err)
		}
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.logger.Info("🗑️ Deleted session %s", id)
	return nil
}

// Shutdown aborts every run, then saves all active sessions concurrently
// under the shutdown timeout. It returns when every save has finished or the
// timeout elapses, whichever is first.
func (m *Manager) Shutdown(ctx context.Context) ShutdownReport {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.settings.ShutdownTimeout)
	defer cancel()

	all := m.controllers()
	for _, c := range all {
		c.Abort()
	}

	var active []*Controller
	for _, c := range all {
		if c.Running() || c.HasIncompleteWork() {
			active = append(active, c)
		}
	}
	m.logger.Info("💾 Flushing %d active session(s) (timeout %s)", len(active), m.settings.ShutdownTimeout)

	var (
		mu       sync.Mutex
		report   = ShutdownReport{Failed: make(map[string]string)}
		finished bool
		g        errgroup.Group
	)
	pending := make(map[string]bool, len(active))
	for _, c := range active {
		pending[c.id] = true
	}

	for _, c := range active {
		g.Go(func() error {
			if _, err := c.Wait(ctx); err != nil && !errors.Is(err, ErrNoRun) {
				m.logger.Warn("Session %s did not stop before saving: %v", c.id, err)
			}
			err := c.SaveCheckpointToDisk(ctx)

			mu.Lock()
			defer mu.Unlock()
			if finished {
				return nil
			}
			delete(pending, c.id)
			if err != nil {
				report.Failed[c.id] = err.Error()
				m.logger.Error("Failed to persist session %s: %v", c.id, err)
				return nil
			}
			report.Saved = append(report.Saved, c.id)
			m.logger.Info("Persisted session %s", c.id)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		mu.Lock()
		report.TimedOut = true
		for id := range pending {
			report.Failed[id] = "shutdown timeout"
		}
		mu.Unlock()
		m.logger.Warn("Shutdown timed out with %d session(s) unsaved", len(pending))
	}

	mu.Lock()
	defer mu.Unlock()
	finished = true
	sort.Strings(report.Saved)
	report.Duration = time.Since(started)
	if len(report.Failed) == 0 {
		report.Failed = nil
	}
	return report
}
