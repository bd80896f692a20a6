// Package services – FeedbackService
//
// This file implements FeedbackService, which attaches structured feedback
// to assistant messages. Feedback is an arbitrary JSON object; a later write
// replaces the earlier one (last write wins).
package services

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/events"
)

// FeedbackService implements the use cases around message feedback.
type FeedbackService struct {
	Store  *chatstore.Store
	Events events.Publisher
}

// NewFeedbackService constructs a FeedbackService.
func NewFeedbackService(store *chatstore.Store, pub events.Publisher) *FeedbackService {
	return &FeedbackService{Store: store, Events: pub}
}

// Record stores payload on (chatID, messageID).
//
// Errors:
//   - ErrInvalidFeedback when payload is not a JSON object.
//   - ErrMessageNotFound when the message does not exist.
func (s *FeedbackService) Record(ctx context.Context, chatID string, messageID int, payload json.RawMessage) error {
	tr := otel.Tracer("services/FeedbackService")
	ctx, span := tr.Start(ctx, "Record",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.Int("message.id", messageID),
		),
	)
	defer span.End()

	if err := s.Store.RecordFeedback(ctx, chatID, messageID, payload); err != nil {
		span.RecordError(err)
		return err
	}
	events.Emit(ctx, s.Events, events.Event{
		Type:      events.FeedbackRecorded,
		ChatID:    chatID,
		MessageID: messageID,
		Data:      map[string]any{"feedback": payload},
	})
	return nil
}
