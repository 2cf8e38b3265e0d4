package session

import (
	"context"
	"encoding/json"
	"sync"

	"rlm/pkg/events"
	"rlm/pkg/persistence"
	"rlm/pkg/proto"
)

// subscriber is one consumer of a session's event stream.
type subscriber struct {
	ch       chan events.Event
	done     chan struct{} // closed on unsubscribe
	finished chan struct{} // closed after ch is closed at run end
	stopOnce sync.Once
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// stream assigns sequence numbers and delivers events to subscribers in
// order. A full subscriber blocks the producer until it drains, unsubscribes,
// or the producer's context ends.
type stream struct {
	sessionID string
	buffer    int
	publisher events.Publisher

	sendMu sync.Mutex
	seq    int64

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newStream(sessionID string, buffer int, publisher events.Publisher) *stream {
	return &stream{
		sessionID: sessionID,
		buffer:    buffer,
		publisher: publisher,
		subs:      make(map[*subscriber]struct{}),
	}
}

func (s *stream) subscribe() *subscriber {
	sub := &subscriber{
		ch:       make(chan events.Event, s.buffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// unsubscribe detaches sub without closing its channel.
func (s *stream) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
	sub.stop()
}

// closeAll closes every subscriber channel. Holding sendMu guarantees no
// emit is mid-send.
func (s *stream) closeAll() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[*subscriber]struct{})
	s.mu.Unlock()
	for sub := range subs {
		close(sub.ch)
		close(sub.finished)
	}
}

// subscriberCount reports the attached subscribers.
func (s *stream) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// emit stamps ev and delivers it. It returns the assigned sequence number.
func (s *stream) emit(ctx context.Context, ev events.Event) int64 {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.seq++
	ev.Seq = s.seq
	ev.SessionID = s.sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = nowUTC()
	}

	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
		}
	}

	if s.publisher != nil {
		// Failures are logged by the publisher chain.
		_ = s.publisher.Publish(context.WithoutCancel(ctx), ev)
	}
	return ev.Seq
}

// sink adapts a controller's stream to workflow.EventSink.
type sink struct {
	c *Controller

	mu        sync.Mutex
	toolNames map[string]string // tool call ID -> tool name
}

func newSink(c *Controller) *sink {
	return &sink{c: c, toolNames: make(map[string]string)}
}

func (k *sink) PhaseStarted(ctx context.Context, phase proto.Phase) {
	k.c.stream.emit(ctx, events.Event{Type: events.TypePhaseStart, Phase: phase})
	k.c.recordRegistry(ctx, phase, persistence.StatusRunning, "")
}

func (k *sink) PhaseCompleted(ctx context.Context, phase proto.Phase, output string) {
	k.c.stream.emit(ctx, events.Event{Type: events.TypePhaseComplete, Phase: phase, Text: output})
}

func (k *sink) MessagesAdded(ctx context.Context, phase proto.Phase, msgs []proto.Message) {
	for i := range msgs {
		for _, ev := range k.toEvents(phase, &msgs[i]) {
			k.c.stream.emit(ctx, ev)
		}
	}
}

func (k *sink) toEvents(phase proto.Phase, m *proto.Message) []events.Event {
	var out []events.Event
	switch m.Role {
	case proto.RoleAssistant:
		if m.Content != "" {
			out = append(out, events.Event{Type: events.TypeAgentText, Phase: phase, Text: m.Content})
		}
		for _, call := range m.ToolCalls {
			k.mu.Lock()
			k.toolNames[call.ID] = call.Name
			k.mu.Unlock()
			out = append(out, events.Event{Type: events.TypeToolCall, Phase: phase, Tool: call.Name, Text: encodeParams(call.Parameters)})
		}
	case proto.RoleTool:
		if m.ToolResult == nil {
			return nil
		}
		k.mu.Lock()
		name := k.toolNames[m.ToolResult.ToolCallID]
		delete(k.toolNames, m.ToolResult.ToolCallID)
		k.mu.Unlock()
		ev := events.Event{Type: events.TypeToolResult, Phase: phase, Tool: name, Text: m.ToolResult.Content}
		if m.ToolResult.IsError {
			ev.Reason = "tool error"
		}
		out = append(out, ev)
	}
	return out
}

func encodeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	return string(data)
}
