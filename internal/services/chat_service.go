// Package services – ChatService
//
// This file implements the read side of chats: minting chat ids, resolving
// the chat of a ticket, and reading history, single messages and the
// statistics the HTTP layer derives ETags from.
package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/domain"
)

// NoChatID is what ChatIDByIssue reports for a ticket without a chat.
const NoChatID = "0"

// ChatService provides chat-level reads.
type ChatService struct {
	Store *chatstore.Store
}

// NewChatService constructs a ChatService.
func NewChatService(store *chatstore.Store) *ChatService {
	return &ChatService{Store: store}
}

// NewChatID returns a fresh chat id. Nothing is stored until the first
// message is sent.
func (s *ChatService) NewChatID() string { return uuid.NewString() }

// ChatIDByIssue returns the chat correlated with an issue, NoChatID when
// there is none.
func (s *ChatService) ChatIDByIssue(ctx context.Context, issueID string) (string, error) {
	issueID = strings.TrimSpace(issueID)
	if issueID == "" {
		return NoChatID, nil
	}
	id, ok, err := s.Store.ChatIDByIssue(ctx, issueID)
	if err != nil {
		return "", err
	}
	if !ok {
		return NoChatID, nil
	}
	return id, nil
}

// MaxMessageID returns the highest message id of a chat, 0 when empty.
func (s *ChatService) MaxMessageID(ctx context.Context, chatID string) (int, error) {
	if strings.TrimSpace(chatID) == "" {
		return 0, ErrMissingChatID
	}
	return s.Store.MaxMessageID(ctx, chatID)
}

// History returns a chat's messages. An unknown chat yields an empty
// history, not an error.
func (s *ChatService) History(ctx context.Context, chatID string) (chatstore.History, error) {
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "History", trace.WithAttributes(attribute.String("chat.id", chatID)))
	defer span.End()

	if strings.TrimSpace(chatID) == "" {
		return chatstore.History{}, ErrMissingChatID
	}
	h, err := s.Store.GetHistory(ctx, chatID, "")
	if err != nil {
		span.RecordError(err)
		return h, err
	}
	if h.Messages == nil {
		h.Messages = []chatstore.MessageView{}
	}
	return h, nil
}

// Stats returns the message count and latest activity of a chat.
func (s *ChatService) Stats(ctx context.Context, chatID string) (int64, *time.Time, error) {
	return s.Store.Stats(ctx, chatID)
}

// Message returns one message of a chat.
func (s *ChatService) Message(ctx context.Context, chatID string, messageID int) (*domain.ChatMessage, error) {
	return s.Store.GetMessage(ctx, chatID, messageID)
}
