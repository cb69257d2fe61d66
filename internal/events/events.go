// Package events publishes day-engine notifications: settlement results,
// submissions, absence changes and settings updates. Publishing is best
// effort; a failed publish never fails the operation that produced it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Type names an event. The NATS subject is derived from it.
type Type string

const (
	ParticipantRegistered Type = "participant.registered"
	AllocationSubmitted   Type = "allocation.submitted"
	AbsenceToggled        Type = "absence.toggled"
	SettingsUpdated       Type = "settings.updated"
	DaySettled            Type = "day.settled"
)

// Event is a typed notification with an arbitrary JSON payload.
type Event struct {
	Type    Type
	Payload any
}

// Envelope is the wire form of an event.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     Type            `json:"eventType"`
	Timestamp     time.Time       `json:"timestamp"`
	SourceService string          `json:"sourceService"`
	Payload       json.RawMessage `json:"payload"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NewEnvelope wraps e with a fresh id and timestamp.
func NewEnvelope(source string, e Event) (Envelope, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     e.Type,
		Timestamp:     time.Now().UTC(),
		SourceService: source,
		Payload:       payload,
	}, nil
}

// --- NATS ---

// conn is the subset of *nats.Conn used for publishing.
type conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes envelopes to "<prefix>.<event type>".
type NATSPublisher struct {
	nc     conn
	prefix string
	source string
}

// NewNATSPublisher creates a publisher on an open connection.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix, source: "day-engine"}
}

// ConnectNATS dials url with reconnect handling logged through slog.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("day-engine"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Error("NATS disconnected with error", "err", err)
			} else {
				slog.Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t Type) string {
	return p.prefix + "." + strings.ToLower(string(t))
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	env, err := NewEnvelope(p.source, e)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	subject := p.Subject(e.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	slog.Debug("published event", "subject", subject, "event_id", env.EventID, "size", len(data))
	return nil
}

// --- Composition ---

// Multi fans an event out to every publisher. Every publisher is tried; the
// first error is returned.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			slog.Warn("event publish failed", "event", e.Type, "err", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
