// Feedback HTTP handlers.
//
//   - POST /chats/{chat_id}/messages/{message_id}/feedback
//
// The body is any JSON object; the latest write replaces earlier feedback.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// maxFeedbackBytes caps the feedback document.
const maxFeedbackBytes = 64 << 10

// LeaveFeedback godoc
// @ID          leaveFeedback
// @Summary     Leave feedback on a message
// @Description Stores an arbitrary JSON object as the feedback of one message. Later writes replace earlier ones.
// @Tags        Feedback
// @Accept      json
// @Produce     json
// @Param       chat_id     path  string  true  "Chat id"
// @Param       message_id  path  int     true  "Message id"  minimum(1)
// @Param       body        body  object  true  "Feedback document"
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid payload"
// @Failure     404  {object}  handlers.ErrorResponse  "Message not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal server error"
// @Router      /chats/{chat_id}/messages/{message_id}/feedback [post]
func (h *Handlers) LeaveFeedback(c *gin.Context) {
	id, valid := messageIDParam(c)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id must be a positive integer")
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFeedbackBytes+1))
	if err != nil || len(body) > maxFeedbackBytes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "feedback body too large or unreadable")
		return
	}

	if err := h.svc.Feedback.Record(c.Request.Context(), c.Param("chat_id"), id, json.RawMessage(body)); err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
