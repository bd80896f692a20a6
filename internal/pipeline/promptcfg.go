package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/gateway"
	"github.com/tbourn/go-rag-assistant/internal/repo"
)

// Defaults applied when no PromptConfig row exists for a stage.
const (
	DefaultModel      = "gemini-2.0-flash-001"
	DefaultLocation   = "us-central1"
	DefaultNeighbours = 30
)

// Prompt is the resolved configuration of one agent call.
type Prompt struct {
	SystemInstruction string
	Schema            json.RawMessage
	InputPrompt       string
	Model             string
	Location          string
	Neighbours        int
	Configured        bool // false when defaults were substituted
}

// withSchema returns p using schema unless a configured one is present.
func (p Prompt) withSchema(schema string) Prompt {
	if len(p.Schema) == 0 && schema != "" {
		p.Schema = json.RawMessage(schema)
	}
	return p
}

// withInstruction returns p using instruction unless a configured one is present.
func (p Prompt) withInstruction(instruction string) Prompt {
	if strings.TrimSpace(p.SystemInstruction) == "" {
		p.SystemInstruction = instruction
	}
	return p
}

func (p Prompt) request(input string) gateway.Request {
	if p.InputPrompt != "" {
		input = p.InputPrompt + "\n\n" + input
	}
	return gateway.Request{
		Prompt:            input,
		SystemInstruction: p.SystemInstruction,
		Schema:            p.Schema,
		Model:             p.Model,
		Location:          p.Location,
	}
}

// DefaultPrompt is what a configuration miss resolves to.
func DefaultPrompt() Prompt {
	return Prompt{Model: DefaultModel, Location: DefaultLocation, Neighbours: DefaultNeighbours}
}

// PromptSource resolves agent configuration.
type PromptSource interface {
	Resolve(ctx context.Context, customer, level, product string) Prompt
}

// PromptResolver reads PromptConfig rows through an in-process cache.
// Lookups are case-insensitive on customer and product.
type PromptResolver struct {
	db    *gorm.DB
	cache *cache.Cache
}

// NewPromptResolver builds a resolver. ttl <= 0 uses five minutes.
func NewPromptResolver(db *gorm.DB, ttl time.Duration) *PromptResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PromptResolver{db: db, cache: cache.New(ttl, 2*ttl)}
}

func promptKey(customer, level, product string) string {
	return strings.ToLower(strings.TrimSpace(customer)) + "|" + level + "|" + strings.ToLower(strings.TrimSpace(product))
}

// Resolve returns the configuration for (customer, level, product). A miss
// or a lookup error is logged and yields DefaultPrompt; it is never fatal.
func (r *PromptResolver) Resolve(ctx context.Context, customer, level, product string) Prompt {
	key := promptKey(customer, level, product)
	if v, ok := r.cache.Get(key); ok {
		return v.(Prompt)
	}

	pc, err := repo.GetPromptConfig(ctx, r.db, customer, level, product)
	if err != nil {
		ev := log.Ctx(ctx).Warn()
		if !errors.Is(err, repo.ErrNotFound) {
			ev = log.Ctx(ctx).Error().Err(err)
		}
		ev.Str("customer", customer).Str("prompt_level", level).Str("product", product).
			Msg("prompt not configured; using defaults")
		// Misses are cached too so an unconfigured stage does not hit the
		// database on every request.
		p := DefaultPrompt()
		r.cache.SetDefault(key, p)
		return p
	}
	p := fromConfig(pc)
	r.cache.SetDefault(key, p)
	return p
}

// Invalidate drops the cached entry of one configuration row.
func (r *PromptResolver) Invalidate(customer, level, product string) {
	r.cache.Delete(promptKey(customer, level, product))
}

// InvalidateAll empties the cache.
func (r *PromptResolver) InvalidateAll() { r.cache.Flush() }

func fromConfig(pc *domain.PromptConfig) Prompt {
	p := Prompt{
		SystemInstruction: pc.SystemInstruction,
		InputPrompt:       pc.InputPrompt,
		Model:             pc.LLMModelName,
		Location:          pc.LLMServerLocation,
		Neighbours:        pc.NearestNeighbours,
		Configured:        true,
	}
	if len(pc.ResponseSchema) > 0 && string(pc.ResponseSchema) != "null" {
		p.Schema = json.RawMessage(pc.ResponseSchema)
	}
	if p.Model == "" {
		p.Model = DefaultModel
	}
	if p.Location == "" {
		p.Location = DefaultLocation
	}
	if p.Neighbours <= 0 {
		p.Neighbours = DefaultNeighbours
	}
	return p
}

// staticPrompts serves the same Prompt for every lookup. It backs the sales
// flow, whose agents are not customer configurable.
type staticPrompts struct{ p Prompt }

func (s staticPrompts) Resolve(context.Context, string, string, string) Prompt { return s.p }

// StaticPrompts returns a PromptSource that always resolves to p.
func StaticPrompts(p Prompt) PromptSource { return staticPrompts{p: p} }
