package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/gateway"
)

// ErrEmptySummary is returned when the model produced no summary text.
var ErrEmptySummary = errors.New("empty summary")

// SummaryInput is what the rolling chat summary is computed from. Only the
// turns and comments not yet folded into PreviousSummary are passed.
type SummaryInput struct {
	Customer          string
	Product           string
	TicketDescription string
	NewComments       []domain.TicketComment
	PreviousSummary   string
	AIComments        string
	NewTurns          []chatstore.Turn
}

type summaryPrompt struct {
	TicketDescription    string                 `json:"ticket_description"`
	TicketComments       []domain.TicketComment `json:"ticket_comments"`
	PreviousSummary      string                 `json:"previous_summary"`
	InitialAgentResponse string                 `json:"initial_agent_response"`
	ChatHistory          json.RawMessage        `json:"chat_history"`
}

// Summarizer produces the rolling summary of a support conversation.
type Summarizer struct {
	llm     gateway.Invoker
	prompts PromptSource
}

// NewSummarizer builds a Summarizer.
func NewSummarizer(llm gateway.Invoker, prompts PromptSource) *Summarizer {
	return &Summarizer{llm: llm, prompts: prompts}
}

// Summarize returns the updated summary. Unlike the answer stages it
// reports failures, because the caller must not advance its high-water
// marks over turns that were never summarized.
func (s *Summarizer) Summarize(ctx context.Context, in SummaryInput) (string, error) {
	ctx, span, done := stage(ctx, FlowSupport, "summarize",
		attribute.Int("new_turns", len(in.NewTurns)),
		attribute.Int("new_comments", len(in.NewComments)),
	)
	defer done()

	comments := in.NewComments
	if comments == nil {
		comments = []domain.TicketComment{}
	}
	p := s.prompts.Resolve(ctx, in.Customer, AgentSummary, in.Product)
	// The summary is free text whatever the configuration says.
	p.Schema = nil

	out, err := s.llm.Invoke(ctx, p.request(promptJSON(summaryPrompt{
		TicketDescription:    in.TicketDescription,
		TicketComments:       comments,
		PreviousSummary:      in.PreviousSummary,
		InitialAgentResponse: in.AIComments,
		ChatHistory:          turnsJSON(in.NewTurns),
	})))
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptySummary
	}
	return out, nil
}
