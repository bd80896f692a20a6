// Package services – SupportService
//
// SupportService answers a support agent chatting about a ticket. Each turn
// reads the ticket snapshot, the rolling chat summary and the ticket's
// process flow, runs the support pipeline and stores the resolution. The
// first turn of a chat also seeds its summary in the background.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/pipeline"
	"github.com/tbourn/go-rag-assistant/internal/repo"
	"github.com/tbourn/go-rag-assistant/internal/summary"
)

// SupportAnswerer is the support chat pipeline.
type SupportAnswerer interface {
	Answer(ctx context.Context, in pipeline.ChatInput) pipeline.Result
}

// SummaryStarter seeds the summary of a new support chat without blocking
// the turn.
type SummaryStarter interface {
	Start(ctx context.Context, seed summary.Seed)
}

// SupportInput is one support chat request.
type SupportInput struct {
	Question  string
	SessionID string
	ChatID    string
	UserName  string
	IssueID   string
	Customer  string
	Product   string

	// UserID and IdempotencyKey enable replay of a retried request.
	UserID         string
	IdempotencyKey string
}

// SupportService runs support chat turns.
type SupportService struct {
	DB        *gorm.DB
	Messages  *MessageService
	Flow      SupportAnswerer
	Summaries SummaryStarter
	Model     string

	now func() time.Time
}

// NewSupportService constructs a SupportService.
func NewSupportService(db *gorm.DB, m *MessageService, flow SupportAnswerer, summaries SummaryStarter, model string) *SupportService {
	return &SupportService{
		DB:        db,
		Messages:  m,
		Flow:      flow,
		Summaries: summaries,
		Model:     model,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Chat answers one support agent message.
func (s *SupportService) Chat(ctx context.Context, in SupportInput) (ChatResponse, error) {
	tr := otel.Tracer("services/SupportService")
	ctx, span := tr.Start(ctx, "Chat",
		trace.WithAttributes(
			attribute.String("chat.id", in.ChatID),
			attribute.String("issue.id", in.IssueID),
			attribute.String("customer", in.Customer),
		),
	)
	defer span.End()

	in.IssueID = strings.TrimSpace(in.IssueID)
	ticket := s.ticket(ctx, in.IssueID, in.Customer)

	if strings.TrimSpace(in.ChatID) == "" {
		return ChatResponse{DataType: DataTypeText, Data: MissingChatAnswer}, nil
	}
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return ChatResponse{}, ErrEmptyQuestion
	}

	if m, ok := s.Messages.Replay(ctx, in.UserID, in.ChatID, in.IdempotencyKey); ok {
		return ChatResponse{
			DataType:  DataTypeText,
			Data:      pipeline.Result{Text: m.Response}.Data(),
			ChatID:    in.ChatID,
			MessageID: m.MessageID,
			ErrorMsg:  m.ErrorMsg,
			Replayed:  true,
		}, nil
	}

	ctx, turn, err := s.Messages.Begin(ctx, turnRequest{
		ChatID:    in.ChatID,
		SessionID: in.SessionID,
		UserName:  in.UserName,
		IssueID:   in.IssueID,
		Question:  question,
		Meta: domain.SessionMeta{
			ModelName:  s.Model,
			Topic:      strings.TrimSpace(in.Product) + " Support Agent",
			QueryLevel: "Advanced",
		},
	})
	if err != nil {
		span.RecordError(err)
		return ChatResponse{}, err
	}

	if turn.First && s.Summaries != nil {
		s.Summaries.Start(ctx, summary.Seed{
			ChatID:   in.ChatID,
			IssueID:  in.IssueID,
			Customer: in.Customer,
			Product:  in.Product,
			Ticket:   ticket,
		})
	}

	res := runFlow(ctx, pipeline.SupportFallback, func() pipeline.Result {
		return s.Flow.Answer(ctx, pipeline.ChatInput{
			Customer:        in.Customer,
			Product:         in.Product,
			Process:         ticket.ProcessName,
			ProcessFlow:     s.processFlow(ctx, in.Customer, ticket.ProcessName, in.Product),
			Question:        question,
			ChatSummary:     s.chatSummary(ctx, in.ChatID, in.Customer),
			TicketDesc:      ticket.Description,
			InitialAnalysis: ticket.AIComments,
			History:         turn.History,
		})
	})
	errMsg := errorMessage(res.Err)

	stored := !turn.Unsaved
	if err := s.Messages.Complete(ctx, turn, res.Text, errMsg); err != nil {
		span.RecordError(err)
		log.Ctx(ctx).Error().Err(err).Msg("answer not stored; returning it anyway")
		stored = false
	}
	if err := repo.TouchTicketSummary(ctx, s.DB, in.ChatID, s.now()); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("touch ticket summary failed")
	}
	if stored {
		s.Messages.Remember(ctx, in.UserID, in.ChatID, in.IdempotencyKey, turn.MessageID)
	}

	return ChatResponse{
		DataType:  DataTypeText,
		Data:      res.Data(),
		ChatID:    in.ChatID,
		MessageID: turn.MessageID,
		ErrorMsg:  errMsg,
	}, nil
}

// ticket loads the ticket snapshot. A miss is logged and yields a blank
// ticket so the chat still answers.
func (s *SupportService) ticket(ctx context.Context, issueID, customer string) domain.SupportTicket {
	t, err := repo.GetTicket(ctx, s.DB, issueID, customer)
	if err != nil {
		ev := log.Ctx(ctx).Warn()
		if !errors.Is(err, repo.ErrNotFound) {
			ev = log.Ctx(ctx).Error().Err(err)
		}
		ev.Str("issue_id", issueID).Str("customer", customer).Msg("ticket not available")
		return domain.SupportTicket{IssueID: issueID, CustomerName: customer}
	}
	return *t
}

func (s *SupportService) chatSummary(ctx context.Context, chatID, customer string) string {
	row, err := repo.GetTicketSummary(ctx, s.DB, chatID, customer)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			log.Ctx(ctx).Warn().Err(err).Msg("chat summary lookup failed")
		}
		return ""
	}
	return row.Summary.Data().ChatSummary
}

// processFlow returns the flow of the ticket's process, empty when the
// ticket has none.
func (s *SupportService) processFlow(ctx context.Context, customer, process, product string) string {
	if strings.TrimSpace(process) == "" {
		return ""
	}
	pd, err := repo.GetProcessDetail(ctx, s.DB, customer, process, product)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("process", process).Msg("process flow not available")
		return ""
	}
	return pd.Flow
}
