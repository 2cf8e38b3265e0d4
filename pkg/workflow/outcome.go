package workflow

import (
	"context"
	"time"

	"rlm/pkg/proto"
)

// OutcomeKind classifies how a run ended.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeStopped   OutcomeKind = "stopped"
	OutcomeDoomLoop  OutcomeKind = "doom_loop"
)

// Outcome is the result of Orchestrator.Run.
type Outcome struct {
	Kind           OutcomeKind `json:"kind"`
	Phase          proto.Phase `json:"phase"`
	Reason         string      `json:"reason,omitempty"`
	IterationCount int         `json:"iterationCount"`
}

// TransitionNotification is sent on the orchestrator's notification channel.
type TransitionNotification struct {
	SessionID string
	From      proto.Phase
	To        proto.Phase
	Reason    string
	Timestamp time.Time
}

// EventSink receives phase markers and new conversation messages. Calls may
// block; implementations return when ctx ends.
type EventSink interface {
	PhaseStarted(ctx context.Context, phase proto.Phase)
	PhaseCompleted(ctx context.Context, phase proto.Phase, output string)
	MessagesAdded(ctx context.Context, phase proto.Phase, msgs []proto.Message)
}

type nopSink struct{}

func (nopSink) PhaseStarted(context.Context, proto.Phase) {}
func (nopSink) PhaseCompleted(context.Context, proto.Phase, string) {}
func (nopSink) MessagesAdded(context.Context, proto.Phase, []proto.Message) {}
