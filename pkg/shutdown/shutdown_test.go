package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderLog struct {
	mu    sync.Mutex
	names []string
}

func (o *orderLog) component(name string, err error) Component {
	return Func(name, func(context.Context) error {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.names = append(o.names, name)
		return err
	})
}

func TestShutdownRunsInReverseOrder(t *testing.T) {
	var log orderLog
	m := NewManager()
	m.Register(log.component("database", nil), time.Second)
	m.Register(log.component("sessions", nil), time.Second)
	m.Register(log.component("http", nil), time.Second)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, []string{"http", "sessions", "database"}, log.names)
	assert.True(t, m.IsShuttingDown())
	assert.Error(t, m.Context().Err())
}

func TestShutdownContinuesPastFailures(t *testing.T) {
	var log orderLog
	boom := errors.New("flush failed")
	m := NewManager()
	m.Register(log.component("database", nil), time.Second)
	m.Register(log.component("sessions", boom), time.Second)

	err := m.Shutdown(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "sessions")
	assert.Equal(t, []string{"sessions", "database"}, log.names)
}

func TestShutdownAppliesComponentTimeout(t *testing.T) {
	m := NewManager()
	m.Register(Func("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), 20*time.Millisecond)

	started := time.Now()
	err := m.Shutdown(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), time.Second)
}

func TestShutdownRunsOnce(t *testing.T) {
	calls := 0
	m := NewManager()
	m.Register(Func("counter", func(context.Context) error {
		calls++
		return nil
	}), 0)

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	m.Wait()
	assert.Equal(t, 1, calls)
}

type hangingCloser struct{ release chan struct{} }

func (h hangingCloser) Close() error {
	<-h.release
	return nil
}

func TestCloserHonoursTimeout(t *testing.T) {
	h := hangingCloser{release: make(chan struct{})}
	defer close(h.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := Closer("nats", h).Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
