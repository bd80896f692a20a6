// Package services – TicketService
//
// TicketService resolves support tickets without a chat: it classifies the
// ticket against the customer's processes, runs the resolution loop within
// the chosen process and writes the result back as the ticket's
// ai_comments. It also stores the ticket snapshots pushed by the ticketing
// system and reacts to ticket.updated events.
package services

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/events"
	"github.com/tbourn/go-rag-assistant/internal/pipeline"
	"github.com/tbourn/go-rag-assistant/internal/repo"
	"github.com/tbourn/go-rag-assistant/internal/summary"
)

// TicketResolver is the ticket auto-resolution pipeline.
type TicketResolver interface {
	MatchProcess(ctx context.Context, in pipeline.TicketInput, rows []domain.ProcessDetail) pipeline.ProcessClassification
	Resolve(ctx context.Context, in pipeline.TicketInput) pipeline.Result
}

// SummaryRefresher refreshes one chat's summary on demand.
type SummaryRefresher interface {
	RefreshChat(ctx context.Context, chatID, customer string) (bool, error)
}

// Analysis is the outcome of analysing one ticket.
type Analysis struct {
	IssueID        string                         `json:"issue_id"`
	Customer       string                         `json:"customer_name"`
	Process        string                         `json:"process_name"`
	Classification pipeline.ProcessClassification `json:"classification"`
	Resolution     string                         `json:"resolution"`
	Assumptions    []string                       `json:"assumptions"`
	Iterations     int                            `json:"iterations"`
	ErrorMsg       string                         `json:"error_msg,omitempty"`
}

// TicketService runs ticket analysis and owns ticket snapshots.
type TicketService struct {
	DB        *gorm.DB
	Flow      TicketResolver
	Events    events.Publisher
	Chats     *chatstore.Store
	Summaries SummaryRefresher
}

// NewTicketService constructs a TicketService.
func NewTicketService(db *gorm.DB, flow TicketResolver, pub events.Publisher, chats *chatstore.Store, summaries SummaryRefresher) *TicketService {
	return &TicketService{DB: db, Flow: flow, Events: pub, Chats: chats, Summaries: summaries}
}

// Upsert stores a ticket snapshot. ai_comments is never overwritten.
func (s *TicketService) Upsert(ctx context.Context, t *domain.SupportTicket) error {
	t.IssueID = strings.TrimSpace(t.IssueID)
	t.CustomerName = strings.TrimSpace(t.CustomerName)
	if t.IssueID == "" || t.CustomerName == "" {
		return ErrMissingTicket
	}
	return repo.UpsertTicket(ctx, s.DB, t)
}

// Analyze resolves a ticket and stores the resolution as its ai_comments.
func (s *TicketService) Analyze(ctx context.Context, issueID, customer, product string) (*Analysis, error) {
	tr := otel.Tracer("services/TicketService")
	ctx, span := tr.Start(ctx, "Analyze",
		trace.WithAttributes(
			attribute.String("issue.id", issueID),
			attribute.String("customer", customer),
		),
	)
	defer span.End()

	issueID, customer = strings.TrimSpace(issueID), strings.TrimSpace(customer)
	if issueID == "" || customer == "" {
		return nil, ErrMissingTicket
	}
	t, err := repo.GetTicket(ctx, s.DB, issueID, customer)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if strings.TrimSpace(product) == "" {
		product = t.ProductName
	}
	logger := log.Ctx(ctx).With().Str("issue_id", issueID).Str("customer", customer).Logger()
	ctx = logger.WithContext(ctx)

	rows, err := repo.ListProcessDetails(ctx, s.DB, customer, product)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	in := pipeline.TicketInput{
		IssueID:     issueID,
		Customer:    customer,
		Product:     product,
		Description: t.Description,
		Comments:    t.Comments(),
	}

	var (
		cls pipeline.ProcessClassification
		res pipeline.Result
	)
	res = runFlow(ctx, pipeline.TicketFallback, func() pipeline.Result {
		cls = s.Flow.MatchProcess(ctx, in, rows)
		in.Process = cls.Process(t.ProcessName)
		if in.Process != "" {
			if pd, err := repo.GetProcessDetail(ctx, s.DB, customer, in.Process, product); err == nil {
				in.ProcessFlow = pd.Flow
			} else {
				logger.Warn().Err(err).Str("process", in.Process).Msg("process flow not available")
			}
		}
		return s.Flow.Resolve(ctx, in)
	})
	span.SetAttributes(
		attribute.String("process", in.Process),
		attribute.String("match_type", cls.MatchType),
		attribute.Int("iterations", res.Iterations),
	)

	// A fallback answer must not replace an earlier analysis.
	if !res.Fallback {
		if err := repo.SetTicketAIComments(ctx, s.DB, issueID, customer, res.Text); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	out := &Analysis{
		IssueID:        issueID,
		Customer:       customer,
		Process:        in.Process,
		Classification: cls,
		Resolution:     res.Text,
		Assumptions:    res.Assumptions,
		Iterations:     res.Iterations,
		ErrorMsg:       errorMessage(res.Err),
	}
	if out.Assumptions == nil {
		out.Assumptions = []string{}
	}
	events.Emit(ctx, s.Events, events.Event{
		Type:     events.TicketAnalyzed,
		IssueID:  issueID,
		Customer: customer,
		Data: map[string]any{
			"process_name": in.Process,
			"match_type":   cls.MatchType,
			"fallback":     res.Fallback,
			"iterations":   res.Iterations,
		},
	})
	logger.Info().Str("process", in.Process).Str("match_type", cls.MatchType).
		Int("iterations", res.Iterations).Bool("fallback", res.Fallback).Msg("ticket analyzed")
	return out, nil
}

// HandleTicketUpdate reacts to a ticket.updated event: it refreshes the
// summary of the ticket's chat and, when asked, re-analyses the ticket.
func (s *TicketService) HandleTicketUpdate(ctx context.Context, u events.TicketUpdate) error {
	chatID := strings.TrimSpace(u.ChatID)
	if chatID == "" && s.Chats != nil {
		id, ok, err := s.Chats.ChatIDByIssue(ctx, u.IssueID)
		if err != nil {
			return err
		}
		if ok {
			chatID = id
		}
	}

	var errs []error
	if chatID != "" && s.Summaries != nil {
		if _, err := s.Summaries.RefreshChat(ctx, chatID, u.CustomerName); err != nil && !errors.Is(err, summary.ErrNoSummary) {
			errs = append(errs, err)
		}
	}
	if u.Analyze {
		if _, err := s.Analyze(ctx, u.IssueID, u.CustomerName, u.ProductName); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
