// Package shutdown stops process components in reverse registration order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"rlm/pkg/logx"
)

// DefaultTimeout bounds a component registered without its own timeout.
const DefaultTimeout = 10 * time.Second

// Component is something that needs an orderly stop.
type Component interface {
	Shutdown(ctx context.Context) error
	Name() string
}

type funcComponent struct {
	name string
	fn   func(ctx context.Context) error
}

func (f funcComponent) Name() string                       { return f.name }
func (f funcComponent) Shutdown(ctx context.Context) error { return f.fn(ctx) }

// Func adapts a function to Component.
func Func(name string, fn func(ctx context.Context) error) Component {
	return funcComponent{name: name, fn: fn}
}

// Closer adapts an io.Closer. Close runs in the background so a hung Close
// still honours the component timeout.
func Closer(name string, c io.Closer) Component {
	return Func(name, func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- c.Close() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

type entry struct {
	component Component
	timeout   time.Duration
}

// Manager runs registered components' Shutdown once, last registered first.
type Manager struct {
	mu         sync.Mutex
	components []entry
	logger     *logx.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger: logx.NewLogger("shutdown"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Register adds a component. A non-positive timeout uses DefaultTimeout.
func (m *Manager) Register(component Component, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, entry{component: component, timeout: timeout})
}

// Shutdown stops every component in LIFO order, each under its own timeout
// derived from ctx. Failures are logged and joined; later components still
// run. Only the first call does work; later calls wait for it.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.once.Do(func() {
		defer close(m.done)
		m.cancel()

		m.mu.Lock()
		components := append([]entry(nil), m.components...)
		m.mu.Unlock()

		m.logger.Info("🛑 Shutting down %d component(s)", len(components))
		var errs []error
		for i := len(components) - 1; i >= 0; i-- {
			e := components[i]
			started := time.Now()
			cctx, cancel := context.WithTimeout(ctx, e.timeout)
			err := e.component.Shutdown(cctx)
			cancel()
			if err != nil {
				m.logger.Error("Failed to shut down %s: %v", e.component.Name(), err)
				errs = append(errs, fmt.Errorf("failed to shutdown %s: %w", e.component.Name(), err))
				continue
			}
			m.logger.Info("Stopped %s in %s", e.component.Name(), time.Since(started).Round(time.Millisecond))
		}
		m.err = errors.Join(errs...)
	})

	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShuttingDown reports whether Shutdown has been called.
func (m *Manager) IsShuttingDown() bool {
	select {
	case <-m.ctx.Done():
		return true
	default:
		return false
	}
}

// Context is cancelled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Wait blocks until Shutdown has finished.
func (m *Manager) Wait() {
	<-m.done
}
