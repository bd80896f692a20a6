// Package events publishes domain events to an external bus and consumes
// ticket updates from it. Publishing is best effort: a failed publish is
// logged and never fails the operation that produced the event.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-rag-assistant/internal/config"
)

// Event types.
const (
	MessageCompleted = "message.completed"
	FeedbackRecorded = "feedback.recorded"
	SummaryRefreshed = "summary.refreshed"
	TicketAnalyzed   = "ticket.analyzed"
	TicketUpdated    = "ticket.updated"
)

// DefaultTopic is the topic, subject prefix or exchange events go to.
const DefaultTopic = "rag-assistant.events"

// Event is the envelope of every published event.
type Event struct {
	Type      string         `json:"type"`
	ChatID    string         `json:"chat_id,omitempty"`
	MessageID int            `json:"message_id,omitempty"`
	IssueID   string         `json:"issue_id,omitempty"`
	Customer  string         `json:"customer_name,omitempty"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

// Key is the partition key: events of one chat stay ordered.
func (e Event) Key() string {
	if e.ChatID != "" {
		return e.ChatID
	}
	return e.IssueID
}

// Publisher sends events to a bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }

// ErrUnknownBackend is returned by New for unsupported backends.
var ErrUnknownBackend = errors.New("events: unknown backend")

var published = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Domain events published by type and outcome.",
	},
	[]string{"type", "outcome"},
)

func init() {
	prometheus.MustRegister(published)
}

// Emit publishes e on p without failing the caller. A nil publisher is a
// no-op.
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	// The request may be finished by the time the bus answers.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.Publish(ctx, e); err != nil {
		published.WithLabelValues(e.Type, "error").Inc()
		log.Ctx(ctx).Warn().Err(err).Str("event", e.Type).Str("chat_id", e.ChatID).Msg("event publish failed")
		return
	}
	published.WithLabelValues(e.Type, "ok").Inc()
}

// New builds the publisher selected by cfg.Backend.
func New(ctx context.Context, cfg config.EventsConfig) (Publisher, error) {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return Noop{}, nil
	case "kafka":
		return NewKafka(cfg.Brokers, topic), nil
	case "nats":
		return NewNATS(ctx, cfg.NATSURL, topic)
	case "amqp":
		return NewAMQP(cfg.AMQPURL, topic)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
