package events

import (
	"context"
	"errors"

	"rlm/pkg/logx"
)

// Publisher forwards events outside the process.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// MultiPublisher fans events out to several publishers. A failing publisher
// is logged and does not stop the others.
type MultiPublisher struct {
	publishers []Publisher
	logger     *logx.Logger
}

// NewMultiPublisher skips nil publishers.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	m := &MultiPublisher{logger: logx.NewLogger("events")}
	for _, p := range publishers {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

// Len returns the number of wrapped publishers.
func (m *MultiPublisher) Len() int { return len(m.publishers) }

// Publish sends ev to every publisher and returns their joined errors.
func (m *MultiPublisher) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			m.logger.Warn("Failed to publish %s event for %s: %v", ev.Type, ev.SessionID, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher.
func (m *MultiPublisher) Close() error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
