// Package events defines session events and the sinks they are published to.
package events

import (
	"time"

	"rlm/pkg/proto"
)

// Type names an event kind.
type Type string

const (
	TypeWorkflowStart    Type = "workflow_start"
	TypePhaseStart       Type = "phase_start"
	TypePhaseComplete    Type = "phase_complete"
	TypeAgentText        Type = "agent_text"
	TypeToolCall         Type = "tool_call"
	TypeToolResult       Type = "tool_result"
	TypeStatus           Type = "status"
	TypeWorkflowComplete Type = "workflow_complete"
	TypeError            Type = "error"
)

// Event is one NDJSON record of a session stream. Seq orders events within a session.
type Event struct {
	Seq       int64       `json:"seq"`
	SessionID string      `json:"sessionId"`
	Type      Type        `json:"type"`
	Phase     proto.Phase `json:"phase,omitempty"`
	Text      string      `json:"text,omitempty"`
	Tool      string      `json:"tool,omitempty"`
	Outcome   string      `json:"outcome,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
