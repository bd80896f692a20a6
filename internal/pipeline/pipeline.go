// Package pipeline implements the retrieval-augmented answer pipeline:
//
//	decompose -> classify -> retrieve (one strategy per source tag) -> synthesize
//
// Every stage degrades instead of failing. A model call that keeps failing
// or returns output that cannot be decoded yields an empty stage result or
// a fixed fallback answer, so callers always get something to persist and
// return. Persistence of the conversation itself is not done here; the
// services package owns that and hands history in as []chatstore.Turn.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/gateway"
)

// Flow names the conversation family a request belongs to.
type Flow string

const (
	FlowSales   Flow = "sales"
	FlowSupport Flow = "support"
	FlowTicket  Flow = "ticket"
)

// Agent levels as stored in PromptConfig.PromptLevel.
const (
	AgentProcessMatch    = "Agent1"   // ticket -> process classification
	AgentTicketQuestions = "Agent2"   // ticket + process flow -> questions
	AgentPassageAnswer   = "Agent3.1" // answer one question from passages
	AgentTicketResolve   = "Agent4"   // ticket resolution synthesis
	AgentSummary         = "Agent5"   // rolling chat summary
	AgentChatQuestions   = "Agent6"   // support chat -> questions
	AgentChatResolve     = "Agent7"   // support chat synthesis
	AgentRedecompose     = "Agent8"   // additional questions -> questions
)

// RetrievedAnswer is one question answered by a retrieval strategy.
type RetrievedAnswer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

var (
	stageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Duration of answer pipeline stages in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 40, 80},
		},
		[]string{"flow", "stage"},
	)

	synthIterations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_synthesizer_iterations",
			Help:    "Synthesizer passes per request.",
			Buckets: []float64{1, 2, 3, 4},
		},
		[]string{"flow"},
	)

	droppedSubquestions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_dropped_subquestions_total",
			Help: "Sub-questions dropped because their source tag is unknown.",
		},
		[]string{"flow", "tag"},
	)
)

func init() {
	prometheus.MustRegister(stageLatency, synthIterations, droppedSubquestions)
}

// stage opens a span and a child logger for one pipeline stage. The returned
// func records the latency and ends the span.
func stage(ctx context.Context, flow Flow, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, func()) {
	attrs = append(attrs, attribute.String("flow", string(flow)))
	ctx, span := otel.Tracer("pipeline").Start(ctx, name, trace.WithAttributes(attrs...))
	l := log.Ctx(ctx).With().Str("stage", name).Logger()
	ctx = l.WithContext(ctx)
	start := time.Now()
	return ctx, span, func() {
		stageLatency.WithLabelValues(string(flow), name).Observe(time.Since(start).Seconds())
		span.End()
	}
}

// turnsJSON renders prior turns the way every prompt expects them.
func turnsJSON(turns []chatstore.Turn) json.RawMessage {
	if len(turns) == 0 {
		return json.RawMessage("[]")
	}
	b, err := json.Marshal(turns)
	if err != nil {
		return json.RawMessage("[]")
	}
	return b
}

// promptJSON marshals the structured input of a model call. Field order of
// v is kept, which keeps prompts stable across calls.
func promptJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ""
	}
	return string(b)
}

// invokeJSON runs one structured model call and decodes it into out.
func invokeJSON(ctx context.Context, llm gateway.Invoker, p Prompt, input any, out any) error {
	return llm.InvokeJSON(ctx, p.request(promptJSON(input)), out)
}
