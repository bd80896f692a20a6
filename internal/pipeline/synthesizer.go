package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/gateway"
)

// State is the Synthesizer completion flag.
type State int

const (
	StateDrafting State = iota
	StateDone
)

func (s State) String() string {
	if s == StateDone {
		return "DONE"
	}
	return "DRAFTING"
}

// Iteration caps. The loop never runs more passes than its cap, whatever
// the model says.
const (
	ChatIterationCap   = 2
	TicketIterationCap = 4
)

// Fixed answers used when synthesis cannot produce one.
const (
	SalesFallback   = "Unable to fetch response, please contact support."
	SupportFallback = "Agent is not responding. Please contact support team.."
	TicketFallback  = "Unable to get the response. Please contact the support team."
)

// Result is the outcome of a synthesis run.
type Result struct {
	Text                string
	Assumptions         []string
	AdditionalQuestions []string
	Iterations          int
	// Fallback is set when Text is one of the fixed fallback answers.
	Fallback bool
	// Err is the failure that ended the run early, if any.
	Err error
}

// Data is the structured form of a resolution as returned to clients.
func (r Result) Data() map[string]any {
	return map[string]any{
		"resolution":           r.Text,
		"assumptions":          nonNil(r.Assumptions),
		"additional_questions": nonNil(r.AdditionalQuestions),
	}
}

// RefineFunc answers the additional questions raised by a synthesis pass.
// An empty result ends the loop.
type RefineFunc func(ctx context.Context, additional []string) []RetrievedAnswer

// Synthesizer turns retrieved answers into the final answer. It runs an
// explicit DRAFTING -> DONE state machine bounded by an iteration cap. A
// failed or undecodable model call moves it straight to DONE.
type Synthesizer struct {
	flow     Flow
	llm      gateway.Invoker
	prompts  PromptSource
	cap      int
	fallback string
}

// NewSynthesizer builds a Synthesizer. passes <= 0 means ChatIterationCap.
func NewSynthesizer(flow Flow, llm gateway.Invoker, prompts PromptSource, passes int, fallback string) *Synthesizer {
	if passes <= 0 {
		passes = ChatIterationCap
	}
	return &Synthesizer{flow: flow, llm: llm, prompts: prompts, cap: passes, fallback: fallback}
}

// Cap returns the iteration cap.
func (s *Synthesizer) Cap() int { return s.cap }

func (s *Synthesizer) finish(r *Result, state State) {
	synthIterations.WithLabelValues(string(s.flow)).Observe(float64(r.Iterations))
	log.Debug().Str("flow", string(s.flow)).Int("iterations", r.Iterations).
		Str("state", state.String()).Bool("fallback", r.Fallback).Msg("synthesis finished")
}

// ---- sales: accumulate ----

type salesSynthesisInput struct {
	MainQuestion            string            `json:"main_question"`
	Context                 []RetrievedAnswer `json:"context"`
	PreviousAnswerGenerated string            `json:"previous_answer_generated"`
	PreviousConversation    json.RawMessage   `json:"previous_conversation"`
}

type salesSynthesisOutput struct {
	Response         string   `json:"response"`
	FinishedResponse string   `json:"finished_response"`
	Assumptions      []string `json:"assumptions"`
}

// Draft writes a sales answer. Each pass continues the running answer;
// the loop is DONE when the model reports finished_response "yes" or the
// cap is reached.
func (s *Synthesizer) Draft(ctx context.Context, question string, answers []RetrievedAnswer, history []chatstore.Turn) Result {
	ctx, span, done := stage(ctx, s.flow, "synthesize", attribute.Int("answers", len(answers)))
	defer done()

	p := s.prompts.Resolve(ctx, "", "sales-synthesis", "").
		withInstruction(salesSynthesisInstruction).
		withSchema(salesSynthesisSchema)
	if answers == nil {
		answers = []RetrievedAnswer{}
	}

	var (
		res     Result
		running strings.Builder
		state   = StateDrafting
	)
	for state == StateDrafting {
		res.Iterations++
		var out salesSynthesisOutput
		err := invokeJSON(ctx, s.llm, p, salesSynthesisInput{
			MainQuestion:            question,
			Context:                 answers,
			PreviousAnswerGenerated: strings.TrimSpace(running.String()),
			PreviousConversation:    turnsJSON(history),
		}, &out)
		if err != nil {
			span.RecordError(err)
			log.Ctx(ctx).Error().Err(err).Int("iteration", res.Iterations).Msg("synthesis failed")
			res.Err = err
			state = StateDone
			break
		}
		running.WriteString("\n")
		running.WriteString(out.Response)
		res.Assumptions = append(res.Assumptions, compact(out.Assumptions)...)

		if strings.EqualFold(strings.TrimSpace(out.FinishedResponse), "yes") || res.Iterations >= s.cap {
			state = StateDone
		}
	}

	res.Text = strings.TrimSpace(running.String())
	if res.Text == "" {
		res.Text, res.Fallback = s.fallback, true
	}
	span.SetAttributes(attribute.Int("iterations", res.Iterations), attribute.Bool("fallback", res.Fallback))
	s.finish(&res, state)
	return res
}

// ---- support and ticket: replace ----

type resolutionOutput struct {
	Resolution          string   `json:"resolution"`
	Assumptions         []string `json:"assumptions"`
	AdditionalQuestions []string `json:"additional_questions"`
}

// Resolve runs the resolution loop of the support flows. input renders the
// model input from the answers gathered so far. Each pass replaces the
// resolution; answers accumulate across passes. The loop is DONE when the
// model raises no additional questions, refine finds nothing that was not
// already answered, or the cap is reached.
func (s *Synthesizer) Resolve(ctx context.Context, p Prompt, answers []RetrievedAnswer, input func([]RetrievedAnswer) any, refine RefineFunc) Result {
	ctx, span, done := stage(ctx, s.flow, "synthesize", attribute.Int("answers", len(answers)))
	defer done()

	p = p.withSchema(resolutionSchema)
	all := append([]RetrievedAnswer{}, answers...)

	var (
		res   Result
		state = StateDrafting
	)
	for state == StateDrafting {
		res.Iterations++
		var out resolutionOutput
		if err := invokeJSON(ctx, s.llm, p, input(all), &out); err != nil {
			span.RecordError(err)
			log.Ctx(ctx).Error().Err(err).Int("iteration", res.Iterations).Msg("resolution failed")
			res.Err = err
			state = StateDone
			break
		}
		res.Text = strings.TrimSpace(out.Resolution)
		res.Assumptions = compact(out.Assumptions)
		res.AdditionalQuestions = openQuestions(out.AdditionalQuestions)

		if len(res.AdditionalQuestions) == 0 || res.Iterations >= s.cap || refine == nil {
			state = StateDone
			continue
		}
		more := unseen(all, refine(ctx, res.AdditionalQuestions))
		if len(more) == 0 {
			state = StateDone
			continue
		}
		all = append(all, more...)
	}

	if res.Text == "" {
		res.Text, res.Fallback = s.fallback, true
	}
	span.SetAttributes(attribute.Int("iterations", res.Iterations), attribute.Bool("fallback", res.Fallback))
	s.finish(&res, state)
	return res
}

// unseen returns the answers of more whose question is not in have yet.
func unseen(have, more []RetrievedAnswer) []RetrievedAnswer {
	known := make(map[string]struct{}, len(have))
	for _, a := range have {
		known[a.Question] = struct{}{}
	}
	out := more[:0:0]
	for _, a := range more {
		if _, ok := known[a.Question]; ok {
			continue
		}
		known[a.Question] = struct{}{}
		out = append(out, a)
	}
	return out
}

// openQuestions drops blanks and the "none" marker models use for an empty
// list.
func openQuestions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, q := range compact(in) {
		if strings.EqualFold(q, "none") {
			continue
		}
		out = append(out, q)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
