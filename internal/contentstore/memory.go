package contentstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// ----------------------------------------------------------------------------
// Options

// Option configures a Memory store.
type Option func(*memoryConfig)

type memoryConfig struct {
	dimensions int
	maxDocs    int
}

func defaultMemoryConfig() memoryConfig {
	return memoryConfig{dimensions: 0, maxDocs: 0}
}

// WithDimensions rejects passages whose vector length differs from n.
func WithDimensions(n int) Option {
	return func(c *memoryConfig) {
		if n > 0 {
			c.dimensions = n
		}
	}
}

// WithMaxDocs caps the number of stored passages; further inserts are ignored.
func WithMaxDocs(n int) Option {
	return func(c *memoryConfig) {
		if n > 0 {
			c.maxDocs = n
		}
	}
}

// ----------------------------------------------------------------------------
// Implementation

type memDoc struct {
	p    Passage
	norm float64
}

// Memory is a concurrency-safe in-process vector index using cosine distance.
type Memory struct {
	cfg   memoryConfig
	mu    sync.RWMutex
	docs  map[string]memDoc
	order []string
}

// NewMemory returns an empty in-process store.
func NewMemory(opts ...Option) *Memory {
	cfg := defaultMemoryConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Memory{cfg: cfg, docs: make(map[string]memDoc)}
}

// Upsert inserts or replaces passages by id. Passages without an id or with
// a vector of the wrong dimension are skipped.
func (m *Memory) Upsert(_ context.Context, passages ...Passage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range passages {
		if p.ID == "" || len(p.Embedding) == 0 {
			continue
		}
		if m.cfg.dimensions > 0 && len(p.Embedding) != m.cfg.dimensions {
			continue
		}
		if _, exists := m.docs[p.ID]; !exists {
			if m.cfg.maxDocs > 0 && len(m.order) >= m.cfg.maxDocs {
				continue
			}
			m.order = append(m.order, p.ID)
		}
		m.docs[p.ID] = memDoc{p: p, norm: norm(p.Embedding)}
	}
	return nil
}

// Len returns the number of stored passages.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// SimilaritySearch returns up to k ids by ascending cosine distance.
func (m *Memory) SimilaritySearch(ctx context.Context, f Filter, vector []float32, k int) ([]string, error) {
	if len(vector) == 0 {
		return nil, ErrEmptyVector
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	qNorm := norm(vector)
	if qNorm == 0 {
		return nil, nil
	}

	type scored struct {
		id   string
		dist float64
	}

	m.mu.RLock()
	buf := make([]scored, 0, min(k*4, len(m.docs)))
	for _, id := range m.order {
		d := m.docs[id]
		if !f.Matches(d.p) || len(d.p.Embedding) != len(vector) || d.norm == 0 {
			continue
		}
		buf = append(buf, scored{id: id, dist: 1 - dot(vector, d.p.Embedding)/(qNorm*d.norm)})
	}
	m.mu.RUnlock()

	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].dist != buf[b].dist {
			return buf[a].dist < buf[b].dist
		}
		return buf[a].id < buf[b].id
	})

	if k > len(buf) {
		k = len(buf)
	}
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = buf[i].id
	}
	return out, nil
}

// Fetch returns stored content for ids, preserving their order.
func (m *Memory) Fetch(ctx context.Context, ids []string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		if d, ok := m.docs[id]; ok {
			out = append(out, []byte(d.p.Content))
		}
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Helpers

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}
