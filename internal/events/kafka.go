package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events to one topic, keyed by chat.
type Kafka struct {
	w messageWriter
}

// NewKafka builds a Kafka publisher. The writer connects lazily.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}}
}

// Publish implements Publisher.
func (k *Kafka) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(e.Key()),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(e.Type)}},
	})
}

// Close implements Publisher.
func (k *Kafka) Close() error { return k.w.Close() }

// TicketUpdate is the payload of a ticket.updated message.
type TicketUpdate struct {
	IssueID      string `json:"issue_id"`
	CustomerName string `json:"customer_name"`
	ProductName  string `json:"product_name"`
	ChatID       string `json:"chat_id,omitempty"`
	Analyze      bool   `json:"analyze,omitempty"`
}

// TicketHandler reacts to ticket updates.
type TicketHandler interface {
	HandleTicketUpdate(ctx context.Context, u TicketUpdate) error
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TicketConsumer reads ticket.updated messages from Kafka.
type TicketConsumer struct {
	r messageReader
	h TicketHandler
}

// NewTicketConsumer builds a consumer in group on topic.
func NewTicketConsumer(brokers []string, topic, group string, h TicketHandler) *TicketConsumer {
	return &TicketConsumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  group,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		h: h,
	}
}

// Run consumes until ctx is cancelled. Every message is committed once
// handled: a failed update is logged and picked up again by the next
// scheduled summary refresh instead of being redelivered.
func (c *TicketConsumer) Run(ctx context.Context) error {
	defer c.r.Close()
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch ticket update: %w", err)
		}
		c.handle(ctx, m)
		if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Int64("offset", m.Offset).Msg("commit ticket update failed")
		}
	}
}

func (c *TicketConsumer) handle(ctx context.Context, m kafka.Message) {
	for _, h := range m.Headers {
		if h.Key == "type" && !strings.EqualFold(string(h.Value), TicketUpdated) {
			return
		}
	}
	var u TicketUpdate
	if err := json.Unmarshal(m.Value, &u); err != nil || u.IssueID == "" {
		log.Warn().Err(err).Int64("offset", m.Offset).Msg("skipping malformed ticket update")
		return
	}
	l := log.With().Str("issue_id", u.IssueID).Str("customer", u.CustomerName).Logger()
	if err := c.h.HandleTicketUpdate(l.WithContext(ctx), u); err != nil {
		l.Error().Err(err).Msg("ticket update failed")
	}
}
