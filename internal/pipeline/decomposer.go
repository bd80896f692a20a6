package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/gateway"
)

// Decomposer turns a user question or a ticket into atomic sub-questions.
// Whenever the model output cannot be decoded it returns an empty list.
type Decomposer struct {
	flow    Flow
	llm     gateway.Invoker
	prompts PromptSource
}

// NewDecomposer builds a Decomposer.
func NewDecomposer(flow Flow, llm gateway.Invoker, prompts PromptSource) *Decomposer {
	return &Decomposer{flow: flow, llm: llm, prompts: prompts}
}

// ---- sales ----

type salesQuestionsInput struct {
	MainQuestion         string          `json:"main_question"`
	PreviousConversation json.RawMessage `json:"previous_conversation"`
}

// SalesQuestions is stage one of the advanced sales flow: the top-level
// questions that must be answered to satisfy the user.
func (d *Decomposer) SalesQuestions(ctx context.Context, question string, history []chatstore.Turn) []string {
	ctx, span, done := stage(ctx, d.flow, "decompose")
	defer done()

	p := d.prompts.Resolve(ctx, "", "sales-questions", "").
		withInstruction(salesQuestionsInstruction).
		withSchema(salesQuestionsSchema)

	var out struct {
		Questions []string `json:"questions_to_answer"`
	}
	err := invokeJSON(ctx, d.llm, p, salesQuestionsInput{
		MainQuestion:         question,
		PreviousConversation: turnsJSON(history),
	}, &out)
	if err != nil {
		span.RecordError(err)
		log.Ctx(ctx).Error().Err(err).Msg("question decomposition failed")
		return []string{}
	}
	qs := compact(out.Questions)
	span.SetAttributes(attribute.Int("questions", len(qs)))
	return qs
}

type deconstructInput struct {
	MainQuestion         string          `json:"main_question"`
	SubQuestion          string          `json:"sub_question"`
	PreviousConversation json.RawMessage `json:"previous_conversation"`
}

// Deconstruct is stage two of the advanced sales flow: each top-level
// question is split into typed sub-questions. A question whose output
// cannot be decoded contributes an empty deconstruction.
func (d *Decomposer) Deconstruct(ctx context.Context, question string, top []string, history []chatstore.Turn) []Deconstruction {
	ctx, span, done := stage(ctx, d.flow, "deconstruct", attribute.Int("top_questions", len(top)))
	defer done()

	p := d.prompts.Resolve(ctx, "", "sales-deconstruct", "").
		withInstruction(salesDeconstructInstruction).
		withSchema(salesDeconstructSchema)

	out := make([]Deconstruction, 0, len(top))
	for _, tq := range top {
		var dec Deconstruction
		err := invokeJSON(ctx, d.llm, p, deconstructInput{
			MainQuestion:         question,
			SubQuestion:          tq,
			PreviousConversation: turnsJSON(history),
		}, &dec)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Str("sub_question", tq).Msg("deconstruction failed")
			dec = Deconstruction{}
		}
		// The top-level question is what answers are grouped under, so keep
		// ours rather than the model's echo of it.
		dec.OriginalSubQuestion = tq
		out = append(out, dec)
	}
	span.SetAttributes(attribute.Int("deconstructions", len(out)))
	return out
}

// ---- support ----

// ChatInput is the support chat context handed to the decomposer and the
// synthesizer.
type ChatInput struct {
	Customer        string
	Product         string
	Process         string
	ProcessFlow     string
	Question        string
	ChatSummary     string
	TicketDesc      string
	InitialAnalysis string
	History         []chatstore.Turn
}

type chatQuestionsInput struct {
	SupportAgentQuestion  string          `json:"support_agent_question"`
	PreviousChatHistory   json.RawMessage `json:"previous_chat_history"`
	SummarizedChatContent string          `json:"summarized_chat_content"`
	ProcessName           string          `json:"process_name,omitempty"`
	ProcessFlow           string          `json:"process_flow,omitempty"`
}

type questionsForResolution struct {
	Questions []TaggedQuestion `json:"questions_for_resolution"`
}

// ChatQuestions decomposes a support agent's chat message.
func (d *Decomposer) ChatQuestions(ctx context.Context, in ChatInput) []TaggedQuestion {
	return d.tagged(ctx, "decompose", in.Customer, AgentChatQuestions, in.Product, chatQuestionsInput{
		SupportAgentQuestion:  in.Question,
		PreviousChatHistory:   turnsJSON(in.History),
		SummarizedChatContent: in.ChatSummary,
		ProcessName:           in.Process,
		ProcessFlow:           in.ProcessFlow,
	})
}

// TicketInput is the ticket context of the auto-resolution flow.
type TicketInput struct {
	IssueID     string
	Customer    string
	Product     string
	Description string
	Comments    []domain.TicketComment
	Process     string
	ProcessFlow string
}

type ticketQuestionsInput struct {
	TicketDescription   string   `json:"ticket_description"`
	CustomerID          string   `json:"customer_id"`
	ProcessName         string   `json:"process_name"`
	ProcessFlow         string   `json:"process_flow"`
	AdditionalQuestions []string `json:"additional_questions,omitempty"`
}

// TicketQuestions lists the questions needed to resolve a ticket within
// its process flow.
func (d *Decomposer) TicketQuestions(ctx context.Context, in TicketInput) []TaggedQuestion {
	return d.tagged(ctx, "decompose", in.Customer, AgentTicketQuestions, in.Product, ticketQuestionsInput{
		TicketDescription: in.Description,
		CustomerID:        in.Customer,
		ProcessName:       in.Process,
		ProcessFlow:       in.ProcessFlow,
	})
}

// Redecompose turns the additional questions raised by a synthesis round
// into new retrievable questions.
// The stage is optional: without a configuration row it yields nothing.
func (d *Decomposer) Redecompose(ctx context.Context, in TicketInput, additional []string) []TaggedQuestion {
	if !d.prompts.Resolve(ctx, in.Customer, AgentRedecompose, in.Product).Configured {
		log.Ctx(ctx).Info().Str("customer", in.Customer).Msg("re-decomposition not configured")
		return []TaggedQuestion{}
	}
	return d.tagged(ctx, "redecompose", in.Customer, AgentRedecompose, in.Product, ticketQuestionsInput{
		TicketDescription:   in.Description,
		CustomerID:          in.Customer,
		ProcessName:         in.Process,
		ProcessFlow:         in.ProcessFlow,
		AdditionalQuestions: additional,
	})
}

func (d *Decomposer) tagged(ctx context.Context, name, customer, level, product string, input any) []TaggedQuestion {
	ctx, span, done := stage(ctx, d.flow, name, attribute.String("agent", level))
	defer done()

	p := d.prompts.Resolve(ctx, customer, level, product).withSchema(resolutionQuestionsSchema)
	var out questionsForResolution
	if err := invokeJSON(ctx, d.llm, p, input, &out); err != nil {
		span.RecordError(err)
		log.Ctx(ctx).Error().Err(err).Str("agent", level).Msg("decomposition failed")
		return []TaggedQuestion{}
	}
	qs := make([]TaggedQuestion, 0, len(out.Questions))
	for _, q := range out.Questions {
		if strings.TrimSpace(q.Question) != "" {
			qs = append(qs, q)
		}
	}
	span.SetAttributes(attribute.Int("questions", len(qs)))
	return qs
}

// ---- process classification ----

// ProcessCandidate is one process offered for classification.
type ProcessCandidate struct {
	ProcessName        string `json:"process_name"`
	ProcessDescription string `json:"process_description"`
}

// ProcessArea groups candidates by business area.
type ProcessArea struct {
	ProcessArea string             `json:"process_area"`
	Processes   []ProcessCandidate `json:"processes"`
}

// ProcessCandidates renders process rows grouped by area in first-seen
// order.
func ProcessCandidates(rows []domain.ProcessDetail) []ProcessArea {
	out := []ProcessArea{}
	idx := map[string]int{}
	for _, r := range rows {
		i, ok := idx[r.ProcessArea]
		if !ok {
			i = len(out)
			idx[r.ProcessArea] = i
			out = append(out, ProcessArea{ProcessArea: r.ProcessArea})
		}
		out[i].Processes = append(out[i].Processes, ProcessCandidate{
			ProcessName:        r.ProcessName,
			ProcessDescription: r.Description,
		})
	}
	return out
}

// ProcessMatch is one classified process.
type ProcessMatch struct {
	ProcessName string `json:"process_name"`
	ProcessArea string `json:"process_area,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Match types of a ProcessClassification.
const (
	MatchBest = "best_match"
	MatchTop  = "top_matches"
	MatchNone = "none"
)

// ProcessClassification is the result of matching a ticket to a process.
// BestMatch and TopMatches are mutually exclusive; when the model returns
// neither, BestMatch is nil, TopMatches is empty and MatchType is "none".
type ProcessClassification struct {
	TicketDescription string         `json:"ticket_description,omitempty"`
	MatchType         string         `json:"match_type"`
	BestMatch         *ProcessMatch  `json:"best_match"`
	TopMatches        []ProcessMatch `json:"top_matches"`
}

// normalize enforces the mutually exclusive shape.
func (c ProcessClassification) normalize() ProcessClassification {
	if c.BestMatch != nil && strings.TrimSpace(c.BestMatch.ProcessName) == "" {
		c.BestMatch = nil
	}
	top := c.TopMatches[:0:0]
	for _, m := range c.TopMatches {
		if strings.TrimSpace(m.ProcessName) != "" {
			top = append(top, m)
		}
	}
	if len(top) > 3 {
		top = top[:3]
	}
	switch {
	case c.BestMatch != nil:
		c.MatchType, c.TopMatches = MatchBest, []ProcessMatch{}
	case len(top) > 0:
		c.MatchType, c.TopMatches = MatchTop, top
	default:
		c.MatchType, c.TopMatches = MatchNone, []ProcessMatch{}
	}
	return c
}

// Process returns the process to continue with: the best match, else the
// highest ranked top match, else fallback.
func (c ProcessClassification) Process(fallback string) string {
	if c.BestMatch != nil {
		return c.BestMatch.ProcessName
	}
	if len(c.TopMatches) > 0 {
		return c.TopMatches[0].ProcessName
	}
	return fallback
}

type processMatchInput struct {
	TicketDescription           string          `json:"ticket_description"`
	PreviousTicketInteractions  json.RawMessage `json:"previous_ticket_interactions"`
	CustomerProcessDescriptions []ProcessArea   `json:"customer_process_descriptions"`
}

// MatchProcess classifies a ticket against the candidate processes.
func (d *Decomposer) MatchProcess(ctx context.Context, in TicketInput, candidates []ProcessArea) ProcessClassification {
	ctx, span, done := stage(ctx, d.flow, "match_process", attribute.Int("areas", len(candidates)))
	defer done()

	comments, err := json.Marshal(in.Comments)
	if err != nil || len(in.Comments) == 0 {
		comments = json.RawMessage("[]")
	}
	p := d.prompts.Resolve(ctx, in.Customer, AgentProcessMatch, in.Product).withSchema(processMatchSchema)

	var out ProcessClassification
	if err := invokeJSON(ctx, d.llm, p, processMatchInput{
		TicketDescription:           in.Description,
		PreviousTicketInteractions:  comments,
		CustomerProcessDescriptions: candidates,
	}, &out); err != nil {
		span.RecordError(err)
		log.Ctx(ctx).Error().Err(err).Msg("process classification failed")
		out = ProcessClassification{}
	}
	out = out.normalize()
	if out.TicketDescription == "" {
		out.TicketDescription = in.Description
	}
	span.SetAttributes(attribute.String("match_type", out.MatchType))
	return out
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
