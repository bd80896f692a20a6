// Package services – SalesService
//
// SalesService answers pre-sales questions about a product. "advanced"
// requests run the full decomposition pipeline; "basic" requests answer the
// whole question from one retrieval over the product's material.
package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/pipeline"
)

// Query levels of the sales chat.
const (
	LevelAdvanced = "advanced"
	LevelBasic    = "basic"
)

// SalesAnswerer is the sales pipeline.
type SalesAnswerer interface {
	Advanced(ctx context.Context, question, product string, neighbours int, history []chatstore.Turn) pipeline.Result
	Basic(ctx context.Context, question, product string, neighbours int, history []chatstore.Turn) pipeline.Result
}

// SalesInput is one sales chat request.
type SalesInput struct {
	Question   string
	SessionID  string
	ChatID     string
	UserName   string
	QueryLevel string
	Product    string
	Neighbours int
}

// SalesService runs sales chat turns.
type SalesService struct {
	Messages *MessageService
	Flow     SalesAnswerer
	// Model is recorded on new sessions.
	Model string
}

// NewSalesService constructs a SalesService.
func NewSalesService(m *MessageService, flow SalesAnswerer, model string) *SalesService {
	return &SalesService{Messages: m, Flow: flow, Model: model}
}

// Chat answers one sales question. A request without chat id gets a fixed
// answer and nothing is stored. An unknown query level is stored as a
// failed message and answered with the fallback text.
func (s *SalesService) Chat(ctx context.Context, in SalesInput) (ChatResponse, error) {
	tr := otel.Tracer("services/SalesService")
	ctx, span := tr.Start(ctx, "Chat",
		trace.WithAttributes(
			attribute.String("chat.id", in.ChatID),
			attribute.String("query.level", in.QueryLevel),
			attribute.String("product", in.Product),
		),
	)
	defer span.End()

	if strings.TrimSpace(in.ChatID) == "" {
		return ChatResponse{DataType: DataTypeText, Data: MissingChatAnswer}, nil
	}
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return ChatResponse{}, ErrEmptyQuestion
	}

	ctx, turn, err := s.Messages.Begin(ctx, turnRequest{
		ChatID:     in.ChatID,
		SessionID:  in.SessionID,
		UserName:   in.UserName,
		Question:   question,
		Neighbours: in.Neighbours,
		Meta: domain.SessionMeta{
			ModelName:  s.Model,
			Topic:      strings.TrimSpace(in.Product) + " Pre-Sales Agent",
			QueryLevel: in.QueryLevel,
		},
	})
	if err != nil {
		span.RecordError(err)
		return ChatResponse{}, err
	}

	neighbours := in.Neighbours
	if neighbours <= 0 {
		neighbours = s.Messages.Neighbours
	}

	var (
		res    pipeline.Result
		errMsg string
	)
	switch strings.ToLower(strings.TrimSpace(in.QueryLevel)) {
	case LevelAdvanced:
		res = runFlow(ctx, pipeline.SalesFallback, func() pipeline.Result {
			return s.Flow.Advanced(ctx, question, in.Product, neighbours, turn.History)
		})
		errMsg = errorMessage(res.Err)
	case LevelBasic:
		res = runFlow(ctx, pipeline.SalesFallback, func() pipeline.Result {
			return s.Flow.Basic(ctx, question, in.Product, neighbours, turn.History)
		})
		errMsg = errorMessage(res.Err)
	default:
		errMsg = fmt.Sprintf("Invalid query level: %s. Please enter 'basic' or 'advanced'.", in.QueryLevel)
	}

	if err := s.Messages.Complete(ctx, turn, res.Text, errMsg); err != nil {
		span.RecordError(err)
		log.Ctx(ctx).Error().Err(err).Msg("answer not stored; returning it anyway")
	}

	data := res.Text
	if data == "" {
		data = pipeline.SalesFallback
	}
	return ChatResponse{
		DataType:  DataTypeText,
		Data:      data,
		ChatID:    in.ChatID,
		MessageID: turn.MessageID,
		ErrorMsg:  errMsg,
	}, nil
}
