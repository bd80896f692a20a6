package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/contentstore"
	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/gateway"
)

// Deps are the collaborators shared by every flow.
type Deps struct {
	LLM      gateway.Invoker
	Store    contentstore.Store
	Embedder contentstore.Embedder
	// Prompts resolves the customer configurable support agents.
	Prompts PromptSource
	// SearchAvailable reports whether a model supports web search grounding.
	SearchAvailable func(model string) bool
	// SalesModel runs every sales agent. Empty means DefaultModel.
	SalesModel         string
	RetrievalWorkers   int
	PostProcessWorkers int
}

func (d Deps) salesPrompts() PromptSource {
	p := DefaultPrompt()
	if d.SalesModel != "" {
		p.Model = d.SalesModel
	}
	return StaticPrompts(p)
}

// ---- sales ----

// SalesFlow answers pre-sales questions.
type SalesFlow struct {
	dec *Decomposer
	cls *Classifier
	ret *Retriever
	syn *Synthesizer
}

// NewSalesFlow wires the sales pipeline.
func NewSalesFlow(d Deps) *SalesFlow {
	prompts := d.salesPrompts()
	model := prompts.Resolve(context.Background(), "", "", "").Model
	web := &WebStrategy{LLM: d.LLM, Model: model, Available: d.SearchAvailable}
	strategies := map[Tag]Strategy{
		TagSpecific: &DocumentStrategy{
			Store:       d.Store,
			Embedder:    d.Embedder,
			LLM:         d.LLM,
			Prompts:     prompts,
			Level:       "sales-passage",
			Instruction: salesPassageInstruction,
			Corpus:      contentstore.CorpusSales,
			OrGeneral:   true,
			Separator:   "\n",
			Workers:     d.PostProcessWorkers,
		},
		TagGeneric:         web,
		TagGenericRealtime: web,
	}
	return &SalesFlow{
		dec: NewDecomposer(FlowSales, d.LLM, prompts),
		cls: NewClassifier(FlowSales, SalesTags),
		ret: NewRetriever(FlowSales, strategies, d.RetrievalWorkers),
		syn: NewSynthesizer(FlowSales, d.LLM, prompts, ChatIterationCap, SalesFallback),
	}
}

// Advanced runs the full two-stage decomposition pipeline. Questions only
// the user can answer are appended to the answer verbatim.
func (f *SalesFlow) Advanced(ctx context.Context, question, product string, neighbours int, history []chatstore.Turn) Result {
	top := f.dec.SalesQuestions(ctx, question, history)
	decs := f.dec.Deconstruct(ctx, question, top, history)
	groups := f.cls.ClassifySales(ctx, decs, product)
	answers := f.ret.RetrieveSales(ctx, groups, Scope{Product: product, Neighbours: neighbours, History: history})

	res := f.syn.Draft(ctx, question, answers, history)
	if !res.Fallback {
		for _, q := range groups.MoreInfo {
			res.Text += "\n\n" + q
		}
	}
	return res
}

// Basic answers the whole question with a single retrieval against the
// product's material. A failed retrieval falls back with Err set.
func (f *SalesFlow) Basic(ctx context.Context, question, product string, neighbours int, history []chatstore.Turn) Result {
	ans, err := f.ret.Answer(ctx, TagSpecific, question, Scope{Product: product, Neighbours: neighbours, History: history})
	if err != nil {
		return Result{Text: SalesFallback, Fallback: true, Err: err}
	}
	if ans == "" {
		return Result{Text: SalesFallback, Fallback: true}
	}
	return Result{Text: ans, Iterations: 1}
}

// ---- support ----

func supportStrategies(d Deps) map[Tag]Strategy {
	doc := func(c contentstore.Corpus, byCustomer bool) Strategy {
		return &DocumentStrategy{
			Store:      d.Store,
			Embedder:   d.Embedder,
			LLM:        d.LLM,
			Prompts:    d.Prompts,
			Level:      AgentPassageAnswer,
			Corpus:     c,
			ByCustomer: byCustomer,
			Separator:  "\n\n",
			Workers:    d.PostProcessWorkers,
		}
	}
	return map[Tag]Strategy{
		TagCustomerDocuments: doc(contentstore.CorpusCustomer, true),
		TagGeneralDocuments:  doc(contentstore.CorpusGeneral, false),
		TagProductDatabase:   PassThroughStrategy{},
		TagCustomerDatabase:  PassThroughStrategy{},
	}
}

// SupportFlow answers a support agent chatting about a ticket.
type SupportFlow struct {
	prompts PromptSource
	dec     *Decomposer
	cls     *Classifier
	ret     *Retriever
	syn     *Synthesizer
}

// NewSupportFlow wires the support chat pipeline.
func NewSupportFlow(d Deps) *SupportFlow {
	return &SupportFlow{
		prompts: d.Prompts,
		dec:     NewDecomposer(FlowSupport, d.LLM, d.Prompts),
		cls:     NewClassifier(FlowSupport, SupportTags),
		ret:     NewRetriever(FlowSupport, supportStrategies(d), d.RetrievalWorkers),
		syn:     NewSynthesizer(FlowSupport, d.LLM, d.Prompts, ChatIterationCap, SupportFallback),
	}
}

type chatResolveInput struct {
	InitialAnalysis           string            `json:"initial_analysis"`
	GeneratedQuestionsAnswers []RetrievedAnswer `json:"generated_questions_answers"`
	ChatSummary               string            `json:"chat_summary"`
	TicketDescription         string            `json:"ticket_description"`
	ChatHistory               json.RawMessage   `json:"chat_history"`
	SupportAgentQuery         string            `json:"support_agent_query"`
}

// Answer runs one support chat turn.
func (f *SupportFlow) Answer(ctx context.Context, in ChatInput) Result {
	scope := Scope{Customer: in.Customer, Product: in.Product, Process: in.Process, History: in.History}
	retrieve := func(ctx context.Context, q ChatInput) []RetrievedAnswer {
		return f.ret.Retrieve(ctx, f.cls.Classify(ctx, f.dec.ChatQuestions(ctx, q)), scope)
	}

	answers := retrieve(ctx, in)
	p := f.prompts.Resolve(ctx, in.Customer, AgentChatResolve, in.Product)
	return f.syn.Resolve(ctx, p, answers,
		func(all []RetrievedAnswer) any {
			return chatResolveInput{
				InitialAnalysis:           in.InitialAnalysis,
				GeneratedQuestionsAnswers: all,
				ChatSummary:               in.ChatSummary,
				TicketDescription:         in.TicketDesc,
				ChatHistory:               turnsJSON(in.History),
				SupportAgentQuery:         in.Question,
			}
		},
		func(ctx context.Context, additional []string) []RetrievedAnswer {
			next := in
			next.Question = strings.Join(additional, "\n")
			return retrieve(ctx, next)
		},
	)
}

// ---- ticket ----

// TicketFlow resolves a ticket without a chat.
type TicketFlow struct {
	prompts PromptSource
	dec     *Decomposer
	cls     *Classifier
	ret     *Retriever
	syn     *Synthesizer
}

// NewTicketFlow wires the ticket auto-resolution pipeline.
func NewTicketFlow(d Deps) *TicketFlow {
	return &TicketFlow{
		prompts: d.Prompts,
		dec:     NewDecomposer(FlowTicket, d.LLM, d.Prompts),
		cls:     NewClassifier(FlowTicket, SupportTags),
		ret:     NewRetriever(FlowTicket, supportStrategies(d), d.RetrievalWorkers),
		syn:     NewSynthesizer(FlowTicket, d.LLM, d.Prompts, TicketIterationCap, TicketFallback),
	}
}

// MatchProcess classifies the ticket against the customer's processes.
func (f *TicketFlow) MatchProcess(ctx context.Context, in TicketInput, rows []domain.ProcessDetail) ProcessClassification {
	return f.dec.MatchProcess(ctx, in, ProcessCandidates(rows))
}

type ticketResolveInput struct {
	TicketDescription         string                 `json:"ticket_description"`
	TicketComments            []domain.TicketComment `json:"ticket_comments"`
	ProcessName               string                 `json:"process_name"`
	ProcessFlow               string                 `json:"process_flow"`
	GeneratedQuestionsAnswers []RetrievedAnswer      `json:"generated_questions_answers"`
}

// Resolve runs the ticket resolution loop within in.Process.
func (f *TicketFlow) Resolve(ctx context.Context, in TicketInput) Result {
	scope := Scope{Customer: in.Customer, Product: in.Product, Process: in.Process}
	comments := in.Comments
	if comments == nil {
		comments = []domain.TicketComment{}
	}

	answers := f.ret.Retrieve(ctx, f.cls.Classify(ctx, f.dec.TicketQuestions(ctx, in)), scope)
	p := f.prompts.Resolve(ctx, in.Customer, AgentTicketResolve, in.Product)
	return f.syn.Resolve(ctx, p, answers,
		func(all []RetrievedAnswer) any {
			return ticketResolveInput{
				TicketDescription:         in.Description,
				TicketComments:            comments,
				ProcessName:               in.Process,
				ProcessFlow:               in.ProcessFlow,
				GeneratedQuestionsAnswers: all,
			}
		},
		func(ctx context.Context, additional []string) []RetrievedAnswer {
			return f.ret.Retrieve(ctx, f.cls.Classify(ctx, f.dec.Redecompose(ctx, in, additional)), scope)
		},
	)
}
