// Package gateway is the retrying client for the generative model and
// embedding services. Providers perform one HTTP call; Gateway and Embedder
// add the retry policy, structured decoding and caching on top.
//
// Failure policy: Gateway returns the last error after its attempts are
// exhausted and callers degrade to "no content". Embedder never returns an
// error; an empty vector means "no retrieval possible".
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrDecode is returned by InvokeJSON when the model output holds no
	// decodable JSON object.
	ErrDecode = errors.New("gateway: model output is not valid JSON")
	// ErrSearchUnavailable is returned for web-grounded requests the
	// configured model or credentials cannot serve.
	ErrSearchUnavailable = errors.New("gateway: web search not available")
	// ErrEmptyResponse is returned when the provider answered without text.
	ErrEmptyResponse = errors.New("gateway: empty model response")
)

// Request is one model invocation.
type Request struct {
	Prompt            string
	SystemInstruction string
	// Schema, when set, asks for application/json output conforming to it.
	Schema       json.RawMessage
	Model        string
	Location     string
	GoogleSearch bool
}

// Generator performs a single model call.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Invoker is what the pipeline depends on.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (string, error)
	InvokeJSON(ctx context.Context, req Request, out any) error
}

var gatewayCalls = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_calls_total",
		Help: "Model and embedding gateway calls by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

func init() {
	prometheus.MustRegister(gatewayCalls)
}

// Gateway wraps a Generator with the linear retry policy.
type Gateway struct {
	gen          Generator
	defaultModel string
	defaultLoc   string
	retry        Linear
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithRetry overrides the retry policy.
func WithRetry(r Linear) Option { return func(g *Gateway) { g.retry = r } }

// WithDefaults sets the model and location used when a request leaves them empty.
func WithDefaults(model, location string) Option {
	return func(g *Gateway) {
		if model != "" {
			g.defaultModel = model
		}
		if location != "" {
			g.defaultLoc = location
		}
	}
}

// New builds a Gateway around gen.
func New(gen Generator, opts ...Option) *Gateway {
	g := &Gateway{
		gen:          gen,
		defaultModel: "gemini-2.0-flash-001",
		defaultLoc:   "us-central1",
		retry:        Linear{Tries: 3, Delay: 10 * time.Second},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Invoke calls the model and returns its text. Web-grounded requests are
// attempted once; everything else goes through the retry policy.
func (g *Gateway) Invoke(ctx context.Context, req Request) (string, error) {
	if req.Model == "" {
		req.Model = g.defaultModel
	}
	if req.Location == "" {
		req.Location = g.defaultLoc
	}

	ctx, span := otel.Tracer("gateway/Gateway").Start(ctx, "Invoke",
		trace.WithAttributes(
			attribute.String("model", req.Model),
			attribute.Bool("schema", len(req.Schema) > 0),
			attribute.Bool("google_search", req.GoogleSearch),
		),
	)
	defer span.End()

	kind := "generate"
	if req.GoogleSearch {
		kind = "search"
	}

	call := func(ctx context.Context) (string, error) {
		out, err := g.gen.Generate(ctx, req)
		if err == nil && strings.TrimSpace(out) == "" {
			err = ErrEmptyResponse
		}
		return out, err
	}

	var (
		out string
		err error
	)
	if req.GoogleSearch {
		out, err = call(ctx)
	} else {
		out, err = Do(ctx, g.retry, func(ctx context.Context, attempt int) (string, error) {
			s, err := call(ctx)
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).Int("attempt", attempt).Str("model", req.Model).Msg("model call failed")
			}
			return s, err
		})
	}
	if err != nil {
		span.RecordError(err)
		gatewayCalls.WithLabelValues(kind, "error").Inc()
		return "", err
	}
	gatewayCalls.WithLabelValues(kind, "ok").Inc()
	return out, nil
}

// InvokeJSON calls the model and decodes the JSON object embedded in its
// output into out.
func (g *Gateway) InvokeJSON(ctx context.Context, req Request, out any) error {
	text, err := g.Invoke(ctx, req)
	if err != nil {
		return err
	}
	return DecodeJSON(text, out)
}

// DecodeJSON decodes the span between the first '{' and the last '}' of
// text into out.
func DecodeJSON(text string, out any) error {
	raw, ok := ExtractJSON(text)
	if !ok {
		return ErrDecode
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// ExtractJSON returns the substring from the first '{' to the last '}'.
func ExtractJSON(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

// searchChecker is implemented by providers that can tell up front whether
// a web-grounded call would be served.
type searchChecker interface {
	SearchAvailable(model string) bool
}

// SearchAvailable reports whether web-grounded generation can run for model
// with the wrapped provider.
func (g *Gateway) SearchAvailable(model string) bool {
	sc, ok := g.gen.(searchChecker)
	return ok && sc.SearchAvailable(model)
}
