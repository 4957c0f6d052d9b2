// Package events publishes run lifecycle events over NATS.
//
// Events are published to:
//
//	{prefix}.{run_id}.{type}
//
// e.g. "npsd.runs.6f1c....phase.completed". Subscribers can follow a single
// run with "npsd.runs.<run_id>.>" or every run with "npsd.runs.>".
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Type names a lifecycle event.
type Type string

const (
	RunStarted         Type = "run.started"
	PhaseCompleted     Type = "phase.completed"
	PhaseFailed        Type = "phase.failed"
	RunCompleted       Type = "run.completed"
	RunPartiallyFailed Type = "run.partially_failed"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "npsd.runs"

// Event is the JSON body of a published message.
type Event struct {
	ID       string    `json:"id"`
	Type     Type      `json:"type"`
	RunID    string    `json:"run_id"`
	Phase    string    `json:"phase,omitempty"`
	Message  string    `json:"message,omitempty"`
	Warnings int       `json:"warnings,omitempty"`
	Time     time.Time `json:"time"`
}

// New creates an event with a fresh id and the current time.
func New(t Type, runID string) Event {
	return Event{ID: uuid.NewString(), Type: t, RunID: runID, Time: time.Now().UTC()}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// NATSPublisher publishes events as core NATS messages.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owns   bool
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("npsd-events"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := NewNATSPublisher(nc, prefix)
	p.owns = true
	return p, nil
}

// NewNATSPublisher publishes on an existing connection.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject e is published on.
func (p *NATSPublisher) Subject(e Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, e.RunID, e.Type)
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if !p.owns {
		return nil
	}
	return p.nc.Drain()
}
