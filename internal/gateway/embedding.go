package gateway

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// EmbedInput is one embedding call.
type EmbedInput struct {
	Text       string
	Model      string
	Task       string
	Dimensions int
	Location   string
}

// EmbedProvider performs a single embedding call.
type EmbedProvider interface {
	EmbedText(ctx context.Context, in EmbedInput) ([]float32, error)
}

// EmbedderConfig tunes an Embedder.
type EmbedderConfig struct {
	Model      string
	Task       string
	Dimensions int
	Location   string
	Retry      Exponential
	CacheTTL   time.Duration // 0 disables the memo
}

// Embedder turns text into vectors with exponential retry and an in-process
// memo. It fails closed: any error yields an empty vector.
type Embedder struct {
	p     EmbedProvider
	cfg   EmbedderConfig
	memo  *cache.Cache
	retry Exponential
}

// NewEmbedder builds an Embedder over p.
func NewEmbedder(p EmbedProvider, cfg EmbedderConfig) *Embedder {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-005"
	}
	if cfg.Task == "" {
		cfg.Task = "RETRIEVAL_DOCUMENT"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 256
	}
	if cfg.Location == "" {
		cfg.Location = "us-central1"
	}
	if cfg.Retry.Tries == 0 {
		cfg.Retry = Exponential{Tries: 3, Initial: 10 * time.Second, Max: 60 * time.Second}
	}
	e := &Embedder{p: p, cfg: cfg, retry: cfg.Retry}
	if cfg.CacheTTL > 0 {
		e.memo = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return e
}

// Dimensions returns the configured vector length.
func (e *Embedder) Dimensions() int { return e.cfg.Dimensions }

// Embed returns the vector for text, or nil when it cannot be produced.
func (e *Embedder) Embed(ctx context.Context, text string) []float32 {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	key := fmt.Sprintf("%s|%s|%d|%s", e.cfg.Model, e.cfg.Task, e.cfg.Dimensions, text)
	if e.memo != nil {
		if v, ok := e.memo.Get(key); ok {
			gatewayCalls.WithLabelValues("embed", "cached").Inc()
			// Callers own the returned slice; the memo keeps its own copy.
			return slices.Clone(v.([]float32))
		}
	}

	in := EmbedInput{
		Text:       text,
		Model:      e.cfg.Model,
		Task:       e.cfg.Task,
		Dimensions: e.cfg.Dimensions,
		Location:   e.cfg.Location,
	}
	vec, err := Do(ctx, e.retry, func(ctx context.Context, attempt int) ([]float32, error) {
		v, err := e.p.EmbedText(ctx, in)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Int("attempt", attempt).Msg("embedding call failed")
		}
		return v, err
	})
	if err != nil || len(vec) == 0 {
		log.Ctx(ctx).Error().Err(err).Msg("embedding unavailable; skipping retrieval")
		gatewayCalls.WithLabelValues("embed", "error").Inc()
		return nil
	}
	gatewayCalls.WithLabelValues("embed", "ok").Inc()
	if e.memo != nil {
		e.memo.SetDefault(key, slices.Clone(vec))
	}
	return vec
}
