// Message HTTP handlers.
//
// This file exposes the two chat entry points:
//   - POST /sales/chat     (pre-sales questions against the product corpus)
//   - POST /support/chat   (questions about a support ticket)
//
// Both run the answer pipeline synchronously and respond with the
// {data_type, data, chat_id, message_id} envelope.
//
// Idempotency:
// If the client supplies an Idempotency-Key header on /support/chat and a
// previous result exists for (user, chat, key), the stored answer is returned
// and `Idempotency-Replayed: true` is set.
package handlers

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/tbourn/go-rag-assistant/internal/http/middleware"
	"github.com/tbourn/go-rag-assistant/internal/services"
)

//
// DTOs
//

// SalesChatRequest is the JSON payload of POST /sales/chat.
type SalesChatRequest struct {
	Question   string `json:"question" binding:"required" example:"Which test types does the product support?"`
	SessionID  string `json:"session_id" example:"sess-1"`
	ChatID     string `json:"chat_id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	UserName   string `json:"user_name" example:"ana"`
	QueryLevel string `json:"query_level" example:"advanced"`
	Product    string `json:"product_name" example:"Bots"`
	// Neighbours overrides the retrieval depth; 0 keeps the default.
	Neighbours int `json:"nearest_neighbours,omitempty" example:"50"`
}

// SupportChatRequest is the JSON payload of POST /support/chat.
type SupportChatRequest struct {
	Question  string `json:"user_message" binding:"required" example:"Why does the invoice import fail?"`
	SessionID string `json:"session_id" example:"sess-1"`
	ChatID    string `json:"chat_id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	UserName  string `json:"user_name" example:"ana"`
	IssueID   string `json:"issue_id" example:"ISSUE-42"`
	Customer  string `json:"customer_name" example:"Acme"`
	Product   string `json:"product_name" example:"Bots"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeQuestion normalizes line endings, collapses blank-line runs and
// trims surrounding whitespace.
func sanitizeQuestion(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

//
// Handlers
//

// SalesChat godoc
// @ID          salesChat
// @Summary     Ask a pre-sales question
// @Description Answers from the product corpus. query_level is "basic" (one retrieval) or "advanced" (decompose, classify, retrieve, synthesize).
// @Description A missing chat_id yields a fixed answer and nothing is stored.
// @Tags        Chat
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.SalesChatRequest  true  "Sales question"
// @Success     200  {object}  services.ChatResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sales/chat [post]
func (h *Handlers) SalesChat(c *gin.Context) {
	var req SalesChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "question required")
		return
	}
	q := sanitizeQuestion(req.Question)
	if q == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "question required")
		return
	}

	resp, err := h.svc.Sales.Chat(c.Request.Context(), services.SalesInput{
		Question:   q,
		SessionID:  req.SessionID,
		ChatID:     strings.TrimSpace(req.ChatID),
		UserName:   req.UserName,
		QueryLevel: req.QueryLevel,
		Product:    strings.TrimSpace(req.Product),
		Neighbours: req.Neighbours,
	})
	if err != nil {
		failErr(c, err, ErrCodeAnswerFailed)
		return
	}
	ok(c, http.StatusOK, resp)
}

// SupportChat godoc
// @ID          supportChat
// @Summary     Ask about a support ticket
// @Description Answers a question using the ticket, its process flow, the chat summary and the knowledge corpus.
// @Description Supports idempotency via the Idempotency-Key header (same key, same answer).
// @Tags        Chat
// @Accept      json
// @Produce     json
// @Param       X-User-ID        header  string  false  "User ID (demo header)"  example(user123)
// @Param       Idempotency-Key  header  string  false  "Idempotency key for safe retries"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body  body  handlers.SupportChatRequest  true  "Support question"
// @Success     200  {object}  services.ChatResponse
// @Header      200  {string}  Idempotency-Replayed  "true when served from a previous request"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /support/chat [post]
func (h *Handlers) SupportChat(c *gin.Context) {
	var req SupportChatRequest
	// The idempotency middleware may already have read the body.
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_message required")
		return
	}
	q := sanitizeQuestion(req.Question)
	if q == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_message required")
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	resp, err := h.svc.Support.Chat(c.Request.Context(), services.SupportInput{
		Question:       q,
		SessionID:      req.SessionID,
		ChatID:         strings.TrimSpace(req.ChatID),
		UserName:       req.UserName,
		IssueID:        req.IssueID,
		Customer:       strings.TrimSpace(req.Customer),
		Product:        strings.TrimSpace(req.Product),
		UserID:         userID(c),
		IdempotencyKey: key,
	})
	if err != nil {
		failErr(c, err, ErrCodeAnswerFailed)
		return
	}
	if resp.Replayed {
		c.Header("Idempotency-Replayed", "true")
	}
	ok(c, http.StatusOK, resp)
}
