// Chat HTTP handlers.
//
// This file exposes the read side of chat sessions:
//   - GET /chats/new                               (fresh chat id)
//   - GET /chats/by-issue/{issue_id}               (chat bound to a ticket)
//   - GET /chats/{chat_id}/max-message-id
//   - GET /chats/{chat_id}/messages                (history, ETag support)
//   - GET /chats/{chat_id}/messages/{message_id}   (poll one answer)
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/services"
	"github.com/tbourn/go-rag-assistant/internal/summary"
	"github.com/tbourn/go-rag-assistant/internal/utils"
)

//
// Service contracts (context-aware)
//

// ChatService exposes chat session reads.
type ChatService interface {
	NewChatID() string
	ChatIDByIssue(ctx context.Context, issueID string) (string, error)
	MaxMessageID(ctx context.Context, chatID string) (int, error)
	History(ctx context.Context, chatID string) (chatstore.History, error)
	Stats(ctx context.Context, chatID string) (int64, *time.Time, error)
	Message(ctx context.Context, chatID string, messageID int) (*domain.ChatMessage, error)
}

// SalesService answers pre-sales questions.
type SalesService interface {
	Chat(ctx context.Context, in services.SalesInput) (services.ChatResponse, error)
}

// SupportService answers questions about a support ticket.
type SupportService interface {
	Chat(ctx context.Context, in services.SupportInput) (services.ChatResponse, error)
}

// TicketService stores ticket snapshots and analyses tickets.
type TicketService interface {
	Upsert(ctx context.Context, t *domain.SupportTicket) error
	Analyze(ctx context.Context, issueID, customer, product string) (*services.Analysis, error)
}

// FeedbackService records structured feedback on a message.
type FeedbackService interface {
	Record(ctx context.Context, chatID string, messageID int, payload json.RawMessage) error
}

// ConfigService applies admin changes to agent configuration.
type ConfigService interface {
	ApplyPrompt(ctx context.Context, op string, pc *domain.PromptConfig) error
	ApplyProcess(ctx context.Context, op string, pd *domain.ProcessDetail) error
}

// SummaryRunner runs one summary refresh pass.
type SummaryRunner interface {
	RunOnce(ctx context.Context) (summary.Report, error)
}

//
// Handler wiring
//

// Services bundles the application services behind the endpoints.
// Summaries may be nil when background summaries are disabled.
type Services struct {
	Chats     ChatService
	Sales     SalesService
	Support   SupportService
	Tickets   TicketService
	Feedback  FeedbackService
	Config    ConfigService
	Summaries SummaryRunner
}

// Handlers groups the HTTP endpoints of the API.
type Handlers struct {
	svc Services
}

// New constructs Handlers bound to the given services.
func New(svc Services) *Handlers {
	return &Handlers{svc: svc}
}

// userID extracts the authenticated user id set by the bearer middleware,
// then the X-User-ID header, then "demo-user". It never touches c.Request
// if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

// messageIDParam parses the :message_id path segment. Ids start at 1.
func messageIDParam(c *gin.Context) (int, bool) {
	id := utils.AtoiDefault(c.Param("message_id"), 0)
	return id, id > 0
}

//
// DTOs
//

// ChatIDResponse carries a chat id.
type ChatIDResponse struct {
	ChatID string `json:"chat_id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
}

// MaxMessageIDResponse carries the highest message id of a chat.
type MaxMessageIDResponse struct {
	MaxMessageID int `json:"max_message_id" example:"4"`
}

// HistoryResponse is the persisted conversation of a chat.
type HistoryResponse struct {
	ChatID   string                  `json:"chat_id"`
	Count    int                     `json:"count"`
	Meta     *domain.SessionMeta     `json:"meta_data,omitempty"`
	Messages []chatstore.MessageView `json:"messages"`
}

// MessageResponse is the polled state of one message. Response stays empty
// until the pipeline completes.
type MessageResponse struct {
	Response string `json:"response"`
	ErrorMsg string `json:"error_msg"`
}

//
// Handlers
//

// NewChat godoc
// @ID          newChat
// @Summary     Allocate a chat id
// @Description Returns a fresh chat id. Nothing is persisted until the first message.
// @Tags        Chats
// @Produce     json
// @Success     200  {object}  handlers.ChatIDResponse
// @Router      /chats/new [get]
func (h *Handlers) NewChat(c *gin.Context) {
	ok(c, http.StatusOK, ChatIDResponse{ChatID: h.svc.Chats.NewChatID()})
}

// ChatByIssue godoc
// @ID          chatByIssue
// @Summary     Find the chat of a ticket
// @Description Returns the chat bound to a support ticket, or "0" when there is none.
// @Tags        Chats
// @Produce     json
// @Param       issue_id  path  string  true  "Ticket issue id"  example(ISSUE-42)
// @Success     200  {object}  handlers.ChatIDResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chats/by-issue/{issue_id} [get]
func (h *Handlers) ChatByIssue(c *gin.Context) {
	id, err := h.svc.Chats.ChatIDByIssue(c.Request.Context(), c.Param("issue_id"))
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, ChatIDResponse{ChatID: id})
}

// MaxMessageID godoc
// @ID          maxMessageID
// @Summary     Highest message id of a chat
// @Tags        Chats
// @Produce     json
// @Param       chat_id  path  string  true  "Chat id"
// @Success     200  {object}  handlers.MaxMessageIDResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chats/{chat_id}/max-message-id [get]
func (h *Handlers) MaxMessageID(c *gin.Context) {
	id, err := h.svc.Chats.MaxMessageID(c.Request.Context(), c.Param("chat_id"))
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, MaxMessageIDResponse{MaxMessageID: id})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     Chat history
// @Description Returns every message of the chat with its feedback. Unknown chats yield count 0.
// @Description Supports weak ETag via If-None-Match and may return 304.
// @Tags        Chats
// @Produce     json
// @Param       chat_id        path    string  true   "Chat id"
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Success     200  {object}  handlers.HistoryResponse
// @Header      200  {string}  ETag  "Weak ETag for current result"
// @Success     304  {string}  string  "Not Modified"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chats/{chat_id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	chatID := c.Param("chat_id")

	// ETag pre-check (best effort).
	if count, last, err := h.svc.Chats.Stats(ctx, chatID); err == nil {
		var ts int64
		if last != nil {
			ts = last.Unix()
		}
		etag := fmt.Sprintf(`W/"messages:%s:%d:%d"`, chatID, count, ts)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	hist, err := h.svc.Chats.History(ctx, chatID)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	resp := HistoryResponse{ChatID: chatID, Count: hist.Count, Messages: hist.Messages}
	if hist.Exists() {
		meta := hist.Session.MetaData.Data()
		resp.Meta = &meta
	}
	ok(c, http.StatusOK, resp)
}

// GetMessage godoc
// @ID          getMessage
// @Summary     Poll one message
// @Description Returns the response and error message of one turn. Both are empty while it is pending.
// @Tags        Chats
// @Produce     json
// @Param       chat_id     path  string  true  "Chat id"
// @Param       message_id  path  int     true  "Message id"  minimum(1)
// @Success     200  {object}  handlers.MessageResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Message not found"
// @Router      /chats/{chat_id}/messages/{message_id} [get]
func (h *Handlers) GetMessage(c *gin.Context) {
	id, valid := messageIDParam(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id must be a positive integer")
		return
	}
	m, err := h.svc.Chats.Message(c.Request.Context(), c.Param("chat_id"), id)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, MessageResponse{Response: m.Response, ErrorMsg: m.ErrorMsg})
}
