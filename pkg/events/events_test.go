package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/pkg/logx"
	"rlm/pkg/proto"
)

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestNATSPublisherSubjectsAndPayload(t *testing.T) {
	conn := &fakeConn{}
	p := newNATSPublisher(conn, "rlm.sessions.", logx.NewLogger("test"))

	ev := Event{
		Seq:       3,
		SessionID: "abc-123",
		Type:      TypePhaseStart,
		Phase:     proto.PhaseResearch,
		Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Publish(context.Background(), ev))
	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "rlm.sessions.abc-123.phase_start", conn.subjects[0])

	var decoded Event
	require.NoError(t, json.Unmarshal(conn.payloads[0], &decoded))
	assert.Equal(t, ev, decoded)

	assert.Equal(t, "rlm.sessions.a_b_c.status", p.Subject(Event{SessionID: "a.b*c", Type: TypeStatus}))
	assert.Equal(t, "rlm.sessions._.error", p.Subject(Event{Type: TypeError}))

	require.NoError(t, p.Close())
	assert.True(t, conn.drained)
}

func TestNATSPublisherDefaultsAndErrors(t *testing.T) {
	conn := &fakeConn{err: errors.New("connection closed")}
	p := newNATSPublisher(conn, "", logx.NewLogger("test"))
	assert.Equal(t, DefaultSubjectPrefix+".s.tool_call", p.Subject(Event{SessionID: "s", Type: TypeToolCall}))
	assert.Error(t, p.Publish(context.Background(), Event{SessionID: "s", Type: TypeToolCall}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, Event{}), context.Canceled)
}

type countingPublisher struct {
	n      int
	err    error
	closed bool
}

func (c *countingPublisher) Publish(context.Context, Event) error {
	c.n++
	return c.err
}

func (c *countingPublisher) Close() error {
	c.closed = true
	return nil
}

func TestMultiPublisherContinuesPastFailures(t *testing.T) {
	bad := &countingPublisher{err: errors.New("down")}
	good := &countingPublisher{}
	m := NewMultiPublisher(bad, nil, good)
	assert.Equal(t, 2, m.Len())

	err := m.Publish(context.Background(), Event{Type: TypeStatus})
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, 1, bad.n)
	assert.Equal(t, 1, good.n)

	require.NoError(t, m.Close())
	assert.True(t, bad.closed)
	assert.True(t, good.closed)
}
