package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/contentstore"
	"github.com/tbourn/go-rag-assistant/internal/gateway"
)

// Scope is the partition and context a question is retrieved in.
type Scope struct {
	Customer   string
	Product    string
	Process    string
	Neighbours int // 0 uses the configured value of the answering agent
	History    []chatstore.Turn
}

// Strategy answers one question from one information source. An empty
// answer with a nil error means the source had nothing to say.
type Strategy interface {
	Retrieve(ctx context.Context, question string, scope Scope) (string, error)
}

// DocumentStrategy answers from a document corpus: embed the question,
// search the partition, fetch and normalize the passages, then ask the
// model to answer using only that text.
type DocumentStrategy struct {
	Store    contentstore.Store
	Embedder contentstore.Embedder
	LLM      gateway.Invoker
	Prompts  PromptSource

	Level       string // PromptConfig level of the answering agent
	Instruction string // used when the configuration has none

	Corpus     contentstore.Corpus
	ByCustomer bool // restrict to scope.Customer
	OrGeneral  bool // product = P OR product = General
	Separator  string
	Workers    int
}

type passagePrompt struct {
	MainQuestion         string          `json:"main_question"`
	Context              string          `json:"context"`
	PreviousConversation json.RawMessage `json:"previous_conversation"`
}

// Retrieve implements Strategy.
func (s *DocumentStrategy) Retrieve(ctx context.Context, question string, scope Scope) (string, error) {
	q := contentstore.CleanQuestion(question)
	if q == "" {
		return "", nil
	}
	p := s.Prompts.Resolve(ctx, scope.Customer, s.Level, scope.Product).withInstruction(s.Instruction)
	p.Schema = nil

	vec := s.Embedder.Embed(ctx, q)
	if len(vec) == 0 {
		log.Ctx(ctx).Warn().Str("question", q).Msg("no embedding; skipping document retrieval")
		return "", nil
	}

	k := scope.Neighbours
	if k <= 0 {
		k = p.Neighbours
	}
	f := contentstore.Filter{
		Corpus:           s.Corpus,
		Product:          scope.Product,
		Process:          scope.Process,
		OrGeneralProduct: s.OrGeneral,
	}
	if s.ByCustomer {
		f.Customer = scope.Customer
	}
	ids, err := s.Store.SimilaritySearch(ctx, f, vec, k)
	if err != nil {
		return "", fmt.Errorf("similarity search: %w", err)
	}
	if len(ids) == 0 {
		log.Ctx(ctx).Info().Str("question", q).Str("corpus", string(s.Corpus)).Msg("no passages found")
		return "", nil
	}
	raws, err := s.Store.Fetch(ctx, ids)
	if err != nil {
		return "", fmt.Errorf("fetch passages: %w", err)
	}
	text, err := contentstore.Normalize(ctx, raws, s.Workers, s.Separator)
	if err != nil {
		return "", err
	}
	log.Ctx(ctx).Debug().Str("question", q).Int("passages", len(raws)).Msg("passages retrieved")

	return s.LLM.Invoke(ctx, p.request(promptJSON(passagePrompt{
		MainQuestion:         q,
		Context:              text,
		PreviousConversation: turnsJSON(scope.History),
	})))
}

// PassThroughStrategy stands in for structured stores that are not wired
// yet. It always returns an empty answer.
type PassThroughStrategy struct{}

// Retrieve implements Strategy.
func (PassThroughStrategy) Retrieve(context.Context, string, Scope) (string, error) { return "", nil }

// WebStrategy answers general questions straight from the model. When the
// model supports web search grounding the call is grounded, otherwise the
// model answers from its own knowledge.
type WebStrategy struct {
	LLM       gateway.Invoker
	Model     string
	Available func(model string) bool
}

// Retrieve implements Strategy.
func (s *WebStrategy) Retrieve(ctx context.Context, question string, _ Scope) (string, error) {
	q := strings.TrimSpace(question)
	if q == "" {
		return "", nil
	}
	grounded := s.Available != nil && s.Available(s.Model)
	return s.LLM.Invoke(ctx, gateway.Request{Prompt: q, Model: s.Model, GoogleSearch: grounded})
}

// Retriever runs the strategy of every tag group. Groups run concurrently
// on a bounded pool; questions inside a group run in order. A failing
// question is logged and left out, it never affects other questions.
type Retriever struct {
	flow       Flow
	strategies map[Tag]Strategy
	workers    int
}

// NewRetriever builds a Retriever. workers <= 0 means 4.
func NewRetriever(flow Flow, strategies map[Tag]Strategy, workers int) *Retriever {
	if workers <= 0 {
		workers = 4
	}
	return &Retriever{flow: flow, strategies: strategies, workers: workers}
}

// ErrNoStrategy is returned by Answer for a tag without a strategy.
var ErrNoStrategy = errors.New("pipeline: no retrieval strategy for tag")

// Answer runs the strategy of tag for a single question. An empty answer
// with a nil error means the strategy found nothing.
func (r *Retriever) Answer(ctx context.Context, tag Tag, question string, scope Scope) (string, error) {
	s, ok := r.strategies[tag]
	if !ok {
		log.Ctx(ctx).Warn().Str("tag", string(tag)).Msg("no retrieval strategy for tag")
		return "", fmt.Errorf("%w: %s", ErrNoStrategy, tag)
	}
	return r.answer(ctx, s, tag, question, scope)
}

// answer runs one strategy call. Failures and panics are logged and
// returned; batch callers drop the question and keep going.
func (r *Retriever) answer(ctx context.Context, s Strategy, tag Tag, question string, scope Scope) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Ctx(ctx).Error().Interface("panic", p).Str("tag", string(tag)).Msg("retrieval strategy panicked")
			out, err = "", fmt.Errorf("retrieval strategy panic: %v", p)
		}
	}()
	ans, err := s.Retrieve(ctx, question, scope)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("tag", string(tag)).Str("question", question).Msg("retrieval failed")
		return "", err
	}
	return strings.TrimSpace(ans), nil
}

// Retrieve answers every question of groups. The result is ordered by tag
// and then by question.
func (r *Retriever) Retrieve(ctx context.Context, groups Groups, scope Scope) []RetrievedAnswer {
	ctx, span, done := stage(ctx, r.flow, "retrieve", attribute.Int("groups", len(groups)))
	defer done()

	tags := make([]Tag, 0, len(groups))
	for t := range groups {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	results := make([][]RetrievedAnswer, len(tags))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, tag := range tags {
		s, ok := r.strategies[tag]
		if !ok {
			log.Ctx(ctx).Warn().Str("tag", string(tag)).Msg("no retrieval strategy for tag")
			continue
		}
		g.Go(func() error {
			for _, q := range groups[tag] {
				if err := ctx.Err(); err != nil {
					return nil
				}
				if ans, _ := r.answer(ctx, s, tag, q, scope); ans != "" {
					results[i] = append(results[i], RetrievedAnswer{Question: q, Answer: ans})
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []RetrievedAnswer
	for _, rs := range results {
		out = append(out, rs...)
	}
	span.SetAttributes(attribute.Int("answers", len(out)))
	return out
}

// RetrieveSales answers the sales groups and returns one entry per
// top-level question: its specific answers followed by its generic ones.
func (r *Retriever) RetrieveSales(ctx context.Context, groups SalesGroups, scope Scope) []RetrievedAnswer {
	ctx, span, done := stage(ctx, r.flow, "retrieve",
		attribute.Int("specific_groups", len(groups.Specific)),
		attribute.Int("generic_groups", len(groups.Generic)),
	)
	defer done()

	all := append(append([]SalesGroup{}, groups.Specific...), groups.Generic...)
	results := make([]string, len(all))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, grp := range all {
		s, ok := r.strategies[grp.Tag]
		if !ok {
			continue
		}
		sc := scope
		if grp.Product != "" {
			sc.Product = grp.Product
		}
		g.Go(func() error {
			var b strings.Builder
			for _, q := range grp.SubQuestions {
				if ctx.Err() != nil {
					break
				}
				if ans, _ := r.answer(ctx, s, grp.Tag, q, sc); ans != "" {
					b.WriteString("\n\n")
					b.WriteString(ans)
				}
			}
			results[i] = b.String()
			return nil
		})
	}
	_ = g.Wait()

	var (
		out   []RetrievedAnswer
		byTop = map[string]int{}
	)
	for i, grp := range all {
		if strings.TrimSpace(results[i]) == "" {
			continue
		}
		if j, ok := byTop[grp.TopQuestion]; ok {
			out[j].Answer += results[i]
			continue
		}
		byTop[grp.TopQuestion] = len(out)
		out = append(out, RetrievedAnswer{Question: grp.TopQuestion, Answer: results[i]})
	}
	span.SetAttributes(attribute.Int("answers", len(out)))
	return out
}
