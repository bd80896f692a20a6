// Package chatstore owns the lifecycle of chat sessions, their messages and
// message feedback. The answer pipeline reads history and appends/complete
// messages only through Store; it never touches the rows directly.
//
// Message ids are dense per chat and start at 1. AppendMessage computes
// max(message_id)+1 under a per-chat Locker so concurrent appends to one
// chat never collide.
package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/repo"
)

var (
	// ErrMissingChatID is returned when an operation needs a chat id.
	ErrMissingChatID = errors.New("chat id is required")
	// ErrMessageNotFound is returned for unknown (chat, message) pairs.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidFeedback is returned when feedback is not a JSON object.
	ErrInvalidFeedback = errors.New("feedback must be a JSON object")
)

// Turn is one prior question/answer pair handed to the model.
type Turn struct {
	Query    string `json:"Query"`
	Response string `json:"Response"`
}

// MessageView is a message as returned by GetHistory.
type MessageView struct {
	domain.ChatMessage
	Feedback json.RawMessage `json:"feedback,omitempty"`
}

// History is the persisted state of one chat. Count is 0 and Session has an
// empty ChatID when the chat does not exist yet.
type History struct {
	Session  domain.ChatSession
	Messages []MessageView
	Count    int
}

// Exists reports whether the chat session row exists.
func (h History) Exists() bool { return h.Session.ChatID != "" }

// RecentTurns returns up to n completed turns, newest first.
func (h History) RecentTurns(n int) []Turn {
	if n <= 0 || len(h.Messages) == 0 {
		return []Turn{}
	}
	msgs := make([]MessageView, len(h.Messages))
	copy(msgs, h.Messages)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].MessageID > msgs[j].MessageID })

	out := make([]Turn, 0, n)
	for _, m := range msgs {
		if len(out) == n {
			break
		}
		out = append(out, Turn{Query: m.UserMessage, Response: m.Response})
	}
	return out
}

// Store is the ChatSessionStore.
type Store struct {
	db     *gorm.DB
	locker Locker
	now    func() time.Time
}

// New builds a Store. A nil locker falls back to an in-process KeyedMutex.
func New(db *gorm.DB, locker Locker) *Store {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &Store{db: db, locker: locker, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("chatstore/Store").Start(ctx, name, trace.WithAttributes(attrs...))
}

// NewSession builds, without persisting, the session row of a first message.
func (s *Store) NewSession(chatID, sessionID, userName, issueID string, meta domain.SessionMeta) domain.ChatSession {
	now := s.now()
	cs := domain.ChatSession{
		ChatID:    chatID,
		SessionID: sessionID,
		UserName:  userName,
		StartTime: now,
		EndTime:   now,
		MetaData:  datatypes.NewJSONType(meta),
	}
	if id := strings.TrimSpace(issueID); id != "" {
		cs.IssueID = &id
	}
	return cs
}

// ChatIDByIssue resolves an external issue id. ok is false when no chat is
// correlated with it.
func (s *Store) ChatIDByIssue(ctx context.Context, issueID string) (string, bool, error) {
	ctx, span := s.span(ctx, "ChatIDByIssue", attribute.String("issue.id", issueID))
	defer span.End()

	cs, err := repo.GetSessionByIssue(ctx, s.db, issueID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return cs.ChatID, true, nil
}

// GetHistory loads a chat by id, or by issue id when chatID is empty.
// A chat without rows is a normal result with Count 0.
func (s *Store) GetHistory(ctx context.Context, chatID, issueID string) (History, error) {
	ctx, span := s.span(ctx, "GetHistory",
		attribute.String("chat.id", chatID),
		attribute.String("issue.id", issueID),
	)
	defer span.End()

	var h History
	chatID = strings.TrimSpace(chatID)
	if chatID == "" && strings.TrimSpace(issueID) != "" {
		id, ok, err := s.ChatIDByIssue(ctx, issueID)
		if err != nil {
			return h, err
		}
		if !ok {
			return h, nil
		}
		chatID = id
	}
	if chatID == "" {
		return h, nil
	}

	cs, err := repo.GetSession(ctx, s.db, chatID)
	if errors.Is(err, repo.ErrNotFound) {
		return h, nil
	}
	if err != nil {
		return h, err
	}
	h.Session = *cs

	msgs, err := repo.ListMessages(ctx, s.db, chatID)
	if err != nil {
		return h, err
	}
	var fbs []domain.Feedback
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Find(&fbs).Error; err != nil {
		return h, err
	}
	byMsg := make(map[int]json.RawMessage, len(fbs))
	for _, f := range fbs {
		byMsg[f.MessageID] = json.RawMessage(f.Payload)
	}

	h.Messages = make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		h.Messages = append(h.Messages, MessageView{ChatMessage: m, Feedback: byMsg[m.MessageID]})
	}
	h.Count = len(h.Messages)
	span.SetAttributes(attribute.Int("messages.count", h.Count))
	return h, nil
}

// MaxMessageID returns the highest message id of a chat, 0 when empty.
func (s *Store) MaxMessageID(ctx context.Context, chatID string) (int, error) {
	return repo.MaxMessageID(ctx, s.db, chatID)
}

// AppendMessage assigns the next message id and stores an incomplete
// message. session is inserted on the chat's first message and touched
// otherwise; its EndTime is advanced in place.
func (s *Store) AppendMessage(ctx context.Context, session *domain.ChatSession, userText string, neighbours int) (int, error) {
	if session == nil || strings.TrimSpace(session.ChatID) == "" {
		return 0, ErrMissingChatID
	}
	ctx, span := s.span(ctx, "AppendMessage", attribute.String("chat.id", session.ChatID))
	defer span.End()

	unlock, err := s.locker.Lock(ctx, session.ChatID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	defer unlock()

	prev, err := repo.MaxMessageID(ctx, s.db, session.ChatID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	now := s.now()
	session.EndTime = now
	msg := &domain.ChatMessage{
		ChatID:            session.ChatID,
		MessageID:         prev + 1,
		UserMessage:       userText,
		MessageTime:       now,
		NearestNeighbours: neighbours,
	}
	if err := s.Persist(ctx, prev, session, msg); err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("message.id", msg.MessageID))
	return msg.MessageID, nil
}

// Persist writes one turn. With previousCount == 0 it inserts the session
// row and its sole message; otherwise it updates the session in place and
// inserts only the newest message.
func (s *Store) Persist(ctx context.Context, previousCount int, session *domain.ChatSession, msg *domain.ChatMessage) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if previousCount == 0 {
			if session.StartTime.IsZero() {
				session.StartTime = session.EndTime
			}
			if err := repo.CreateSession(ctx, tx, session); err != nil {
				return err
			}
		} else if err := repo.TouchSession(ctx, tx, session.ChatID, session.EndTime, session.MetaData.Data()); err != nil {
			return err
		}
		return repo.CreateMessage(ctx, tx, msg)
	})
}

// CompleteMessage records the response of a message and advances the
// session end time. A message is completed once; a second call returns
// repo.ErrAlreadyCompleted.
func (s *Store) CompleteMessage(ctx context.Context, session *domain.ChatSession, messageID int, response, errMsg string) error {
	if session == nil || strings.TrimSpace(session.ChatID) == "" {
		return ErrMissingChatID
	}
	ctx, span := s.span(ctx, "CompleteMessage",
		attribute.String("chat.id", session.ChatID),
		attribute.Int("message.id", messageID),
		attribute.Bool("message.failed", errMsg != ""),
	)
	defer span.End()

	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CompleteMessage(ctx, tx, session.ChatID, messageID, response, errMsg, now); err != nil {
			return err
		}
		return repo.TouchSession(ctx, tx, session.ChatID, now, session.MetaData.Data())
	})
	if errors.Is(err, repo.ErrNotFound) {
		return ErrMessageNotFound
	}
	if err != nil {
		span.RecordError(err)
		log.Ctx(ctx).Error().Err(err).
			Str("chat_id", session.ChatID).Int("message_id", messageID).
			Msg("complete message failed")
		return err
	}
	session.EndTime = now
	return nil
}

// GetMessage returns one message.
func (s *Store) GetMessage(ctx context.Context, chatID string, messageID int) (*domain.ChatMessage, error) {
	m, err := repo.GetMessage(ctx, s.db, chatID, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	return m, err
}

// Stats returns the message count and the latest activity time of a chat.
func (s *Store) Stats(ctx context.Context, chatID string) (int64, *time.Time, error) {
	return repo.MessagesStats(ctx, s.db, chatID)
}

// RecordFeedback stores payload for an existing message, replacing any
// earlier feedback.
func (s *Store) RecordFeedback(ctx context.Context, chatID string, messageID int, payload json.RawMessage) error {
	ctx, span := s.span(ctx, "RecordFeedback",
		attribute.String("chat.id", chatID),
		attribute.Int("message.id", messageID),
	)
	defer span.End()

	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return ErrInvalidFeedback
	}
	if _, err := s.GetMessage(ctx, chatID, messageID); err != nil {
		return err
	}
	return repo.UpsertFeedback(ctx, s.db, chatID, messageID, payload)
}
