// Ticket HTTP handlers.
//
//   - PUT  /support/tickets/{issue_id}           (store the ticket snapshot)
//   - POST /support/tickets/{issue_id}/analyze   (auto-resolution)
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/tbourn/go-rag-assistant/internal/domain"
)

// TicketRequest is the ticket snapshot pushed by the ticketing system.
type TicketRequest struct {
	Customer    string                 `json:"customer_name" binding:"required" example:"Acme"`
	Product     string                 `json:"product_name" example:"Bots"`
	Description string                 `json:"description" example:"Invoice import fails with a timeout"`
	Status      string                 `json:"ticket_status" example:"Open"`
	Comments    []domain.TicketComment `json:"all_comments"`
	ProcessName string                 `json:"process_name" example:"Invoice Import"`
	SubProcess  string                 `json:"sub_process"`
}

// AnalyzeRequest selects the ticket to analyse.
type AnalyzeRequest struct {
	Customer string `json:"customer_name" binding:"required" example:"Acme"`
	Product  string `json:"product_name" example:"Bots"`
}

// UpsertTicket godoc
// @ID          upsertTicket
// @Summary     Store a ticket snapshot
// @Description Creates or replaces the ticket used by support chat and analysis. The analysis result (ai_comments) is kept.
// @Tags        Tickets
// @Accept      json
// @Param       issue_id  path  string  true  "Ticket issue id"
// @Param       body      body  handlers.TicketRequest  true  "Ticket snapshot"
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /support/tickets/{issue_id} [put]
func (h *Handlers) UpsertTicket(c *gin.Context) {
	var req TicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "customer_name required")
		return
	}
	comments := req.Comments
	if comments == nil {
		comments = []domain.TicketComment{}
	}
	t := &domain.SupportTicket{
		IssueID:      strings.TrimSpace(c.Param("issue_id")),
		CustomerName: strings.TrimSpace(req.Customer),
		ProductName:  strings.TrimSpace(req.Product),
		Description:  req.Description,
		TicketStatus: req.Status,
		AllComments:  datatypes.NewJSONType(comments),
		ProcessName:  req.ProcessName,
		SubProcess:   req.SubProcess,
	}
	if err := h.svc.Tickets.Upsert(c.Request.Context(), t); err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// AnalyzeTicket godoc
// @ID          analyzeTicket
// @Summary     Analyse a ticket
// @Description Classifies the ticket against the customer's processes and drafts a resolution, stored as the ticket's ai_comments.
// @Tags        Tickets
// @Accept      json
// @Produce     json
// @Param       issue_id  path  string  true  "Ticket issue id"
// @Param       body      body  handlers.AnalyzeRequest  true  "Ticket owner"
// @Success     200  {object}  services.Analysis
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Ticket not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /support/tickets/{issue_id}/analyze [post]
func (h *Handlers) AnalyzeTicket(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "customer_name required")
		return
	}
	a, err := h.svc.Tickets.Analyze(c.Request.Context(), c.Param("issue_id"), req.Customer, req.Product)
	if err != nil {
		failErr(c, err, ErrCodeAnalyzeFailed)
		return
	}
	ok(c, http.StatusOK, a)
}
