// Package services – MessageService
//
// This file implements MessageService, the lifecycle shared by every chat
// turn: load the history, open the session on the chat's first message,
// append the incomplete message, and complete it once the pipeline has
// answered. It also records and replays Idempotency-Key results.
//
// Observability: public methods are OpenTelemetry-instrumented, and Begin
// returns a context whose logger carries chat_id and message_id.
package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/events"
	"github.com/tbourn/go-rag-assistant/internal/pipeline"
	"github.com/tbourn/go-rag-assistant/internal/repo"
)

const (
	// DataTypeText is the data_type of every chat response.
	DataTypeText = "text"

	defaultHistoryTurns = 3
	defaultNeighbours   = 50
)

// ChatResponse is the envelope returned by the chat endpoints.
type ChatResponse struct {
	DataType  string `json:"data_type"`
	Data      any    `json:"data"`
	ChatID    string `json:"chat_id"`
	MessageID int    `json:"message_id"`
	ErrorMsg  string `json:"error_msg,omitempty"`
	// Replayed is set when the response was served from an Idempotency-Key
	// record instead of running the pipeline.
	Replayed bool `json:"-"`
}

// MessageService coordinates the persistence side of chat turns.
type MessageService struct {
	DB     *gorm.DB
	Store  *chatstore.Store
	Events events.Publisher

	// HistoryTurns is how many prior turns are handed to the model.
	HistoryTurns int
	// Neighbours is the nearest-neighbour count recorded on messages.
	Neighbours int
	// IdempotencyTTL bounds how long a replay record is honoured.
	IdempotencyTTL time.Duration
	// TitleLocale drives the casing of session metadata.
	TitleLocale language.Tag

	now func() time.Time
}

// NewMessageService constructs a MessageService with defaults.
func NewMessageService(db *gorm.DB, store *chatstore.Store, pub events.Publisher) *MessageService {
	return &MessageService{
		DB:             db,
		Store:          store,
		Events:         pub,
		HistoryTurns:   defaultHistoryTurns,
		Neighbours:     defaultNeighbours,
		IdempotencyTTL: 24 * time.Hour,
		TitleLocale:    language.Und,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *MessageService) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now()
}

// turnRequest is what opening a turn needs.
type turnRequest struct {
	ChatID     string
	SessionID  string
	UserName   string
	IssueID    string
	Question   string
	Neighbours int
	// Meta is recorded on the session when the chat is new.
	Meta domain.SessionMeta
}

// Turn is an open chat turn: its message row exists but has no response.
type Turn struct {
	Session   domain.ChatSession
	MessageID int
	// First is set when this turn created the chat.
	First bool
	// History holds the most recent prior turns, newest first.
	History []chatstore.Turn
	// Unsaved is set when the question could not be stored. The turn is
	// still answered; Complete has nothing to write.
	Unsaved bool
}

// title cases a metadata value ("advanced" -> "Advanced").
func (s *MessageService) title(v string) string {
	return cases.Title(s.TitleLocale).String(strings.TrimSpace(v))
}

// Begin loads the chat, creates its session on the first message and
// appends the question. The returned context carries a logger annotated
// with the chat and message ids. Storage failures do not fail the turn: they
// are logged and an Unsaved turn without history is returned.
func (s *MessageService) Begin(ctx context.Context, req turnRequest) (context.Context, *Turn, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Begin",
		trace.WithAttributes(
			attribute.String("chat.id", req.ChatID),
			attribute.String("issue.id", req.IssueID),
		),
	)
	defer span.End()

	if strings.TrimSpace(req.ChatID) == "" {
		return ctx, nil, ErrMissingChatID
	}

	h, err := s.Store.GetHistory(ctx, req.ChatID, "")
	if err != nil {
		span.RecordError(err)
		return s.unsaved(ctx, req, err, "load history failed")
	}

	t := &Turn{}
	if h.Exists() {
		t.Session = h.Session
		t.History = h.RecentTurns(s.HistoryTurns)
	} else {
		meta := req.Meta
		meta.QueryLevel = s.title(meta.QueryLevel)
		t.Session = s.Store.NewSession(req.ChatID, req.SessionID, req.UserName, req.IssueID, meta)
		t.History = []chatstore.Turn{}
		t.First = true
	}

	neighbours := req.Neighbours
	if neighbours <= 0 {
		neighbours = s.Neighbours
	}
	id, err := s.Store.AppendMessage(ctx, &t.Session, req.Question, neighbours)
	if err != nil {
		span.RecordError(err)
		return s.unsaved(ctx, req, err, "append message failed")
	}
	t.MessageID = id
	span.SetAttributes(attribute.Int("message.id", id), attribute.Bool("chat.first", t.First))

	l := log.Ctx(ctx).With().Str("chat_id", req.ChatID).Int("message_id", id).Logger()
	return l.WithContext(ctx), t, nil
}

// unsaved builds the turn answered without persistence.
func (s *MessageService) unsaved(ctx context.Context, req turnRequest, err error, msg string) (context.Context, *Turn, error) {
	l := log.Ctx(ctx).With().Str("chat_id", req.ChatID).Logger()
	l.Error().Err(err).Msg(msg + "; answering without storing the turn")
	meta := req.Meta
	meta.QueryLevel = s.title(meta.QueryLevel)
	return l.WithContext(ctx), &Turn{
		Session: s.Store.NewSession(req.ChatID, req.SessionID, req.UserName, req.IssueID, meta),
		History: []chatstore.Turn{},
		Unsaved: true,
	}, nil
}

// Complete stores the response of an open turn and publishes
// message.completed. Unsaved turns are skipped.
func (s *MessageService) Complete(ctx context.Context, t *Turn, response, errMsg string) error {
	if t.Unsaved {
		return nil
	}
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Complete",
		trace.WithAttributes(
			attribute.String("chat.id", t.Session.ChatID),
			attribute.Int("message.id", t.MessageID),
		),
	)
	defer span.End()

	if err := s.Store.CompleteMessage(ctx, &t.Session, t.MessageID, response, errMsg); err != nil {
		span.RecordError(err)
		return err
	}
	ev := events.Event{
		Type:      events.MessageCompleted,
		ChatID:    t.Session.ChatID,
		MessageID: t.MessageID,
		Data:      map[string]any{"failed": errMsg != ""},
	}
	if t.Session.IssueID != nil {
		ev.IssueID = *t.Session.IssueID
	}
	events.Emit(ctx, s.Events, ev)
	return nil
}

// Replay returns the message recorded for an Idempotency-Key, if any.
func (s *MessageService) Replay(ctx context.Context, userID, chatID, key string) (*domain.ChatMessage, bool) {
	if key == "" || chatID == "" {
		return nil, false
	}
	rec, err := repo.GetIdempotency(ctx, s.DB, userID, chatID, key, s.clock())
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			log.Ctx(ctx).Warn().Err(err).Str("chat_id", chatID).Msg("idempotency lookup failed")
		}
		return nil, false
	}
	m, err := s.Store.GetMessage(ctx, chatID, rec.MessageID)
	if err != nil {
		return nil, false
	}
	return m, true
}

// Remember records the message produced for an Idempotency-Key. Best
// effort: a concurrent duplicate keeps the first record.
func (s *MessageService) Remember(ctx context.Context, userID, chatID, key string, messageID int) {
	if key == "" || chatID == "" || messageID <= 0 {
		return
	}
	_, err := repo.CreateIdempotency(ctx, s.DB, userID, chatID, key, messageID, 200, s.IdempotencyTTL)
	if err != nil && !errors.Is(err, repo.ErrDuplicate) {
		log.Ctx(ctx).Warn().Err(err).Str("chat_id", chatID).Msg("idempotency record failed")
	}
}

// runFlow runs one pipeline call. A panic inside the pipeline is turned
// into a fallback Result carrying the error; it never reaches the caller.
func runFlow(ctx context.Context, fallback string, run func() pipeline.Result) (res pipeline.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Ctx(ctx).Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("pipeline panic")
			res = pipeline.Result{Text: fallback, Fallback: true, Err: fmt.Errorf("pipeline panic: %v", r)}
		}
	}()
	return run()
}

// errorMessage renders a pipeline failure for the message's error_msg.
func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return "Error occurred while starting bot. Error details: " + err.Error()
}
