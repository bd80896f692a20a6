package contentstore

import (
	"context"
	"strings"
	"testing"
)

func seedMemory(t *testing.T, m *Memory, ps ...Passage) {
	t.Helper()
	if err := m.Upsert(context.Background(), ps...); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestMemoryOptions(t *testing.T) {
	cfg := defaultMemoryConfig()
	WithDimensions(3)(&cfg)
	WithMaxDocs(-1)(&cfg) // ignored
	if cfg.dimensions != 3 || cfg.maxDocs != 0 {
		t.Fatalf("unexpected cfg: %#v", cfg)
	}

	m := NewMemory(WithDimensions(2), WithMaxDocs(1))
	seedMemory(t, m,
		Passage{ID: "bad-dim", Embedding: []float32{1, 2, 3}},
		Passage{ID: "no-vec"},
		Passage{ID: "a", Embedding: []float32{1, 0}},
		Passage{ID: "b", Embedding: []float32{0, 1}},
	)
	if m.Len() != 1 {
		t.Fatalf("expected 1 doc after caps, got %d", m.Len())
	}
	// replacing an existing id is allowed at the cap
	seedMemory(t, m, Passage{ID: "a", Content: "new", Embedding: []float32{1, 1}})
	got, _ := m.Fetch(context.Background(), []string{"a"})
	if len(got) != 1 || string(got[0]) != "new" {
		t.Fatalf("replace failed: %q", got)
	}
}

func TestMemorySimilaritySearch_OrdersByDistance(t *testing.T) {
	m := NewMemory()
	seedMemory(t, m,
		Passage{ID: "far", Corpus: CorpusGeneral, Product: "Bots", Embedding: []float32{0, 1}},
		Passage{ID: "near", Corpus: CorpusGeneral, Product: "Bots", Embedding: []float32{1, 0.1}},
		Passage{ID: "exact", Corpus: CorpusGeneral, Product: "Bots", Embedding: []float32{2, 0}},
		Passage{ID: "tie", Corpus: CorpusGeneral, Product: "Bots", Embedding: []float32{3, 0}},
	)
	ids, err := m.SimilaritySearch(context.Background(), Filter{Corpus: CorpusGeneral}, []float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	want := []string{"exact", "tie", "near"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
}

func TestMemorySimilaritySearch_EdgeCases(t *testing.T) {
	m := NewMemory()
	seedMemory(t, m, Passage{ID: "a", Embedding: []float32{1, 0}})
	ctx := context.Background()

	if _, err := m.SimilaritySearch(ctx, Filter{}, nil, 3); err != ErrEmptyVector {
		t.Fatalf("expected ErrEmptyVector, got %v", err)
	}
	if ids, err := m.SimilaritySearch(ctx, Filter{}, []float32{1, 0}, 0); err != nil || ids != nil {
		t.Fatalf("k=0 => (%v, %v)", ids, err)
	}
	if ids, _ := m.SimilaritySearch(ctx, Filter{}, []float32{0, 0}, 3); len(ids) != 0 {
		t.Fatalf("zero vector should match nothing, got %v", ids)
	}
	if ids, _ := m.SimilaritySearch(ctx, Filter{}, []float32{1, 0, 0}, 3); len(ids) != 0 {
		t.Fatalf("dimension mismatch should match nothing, got %v", ids)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := m.SimilaritySearch(cctx, Filter{}, []float32{1, 0}, 3); err == nil {
		t.Fatalf("expected context error")
	}
	if _, err := m.Fetch(cctx, []string{"a"}); err == nil {
		t.Fatalf("expected context error from Fetch")
	}
}

func TestFilterMatches(t *testing.T) {
	p := Passage{Corpus: CorpusCustomer, Customer: "Acme", Product: "WinfoBots", Process: "P2P"}
	general := Passage{Corpus: CorpusSales, Product: GeneralProduct}
	noProcess := Passage{Corpus: CorpusCustomer, Customer: "acme", Product: "winfobots"}

	tests := []struct {
		name string
		f    Filter
		p    Passage
		want bool
	}{
		{"empty filter", Filter{}, p, true},
		{"corpus mismatch", Filter{Corpus: CorpusGeneral}, p, false},
		{"customer case-insensitive", Filter{Customer: "ACME"}, p, true},
		{"customer mismatch", Filter{Customer: "Other"}, p, false},
		{"product case-insensitive", Filter{Product: "winfobots"}, p, true},
		{"process match", Filter{Process: "P2P"}, p, true},
		{"process mismatch", Filter{Process: "O2C"}, p, false},
		{"unset process always matches", Filter{Process: "O2C"}, noProcess, true},
		{"or general matches general", Filter{Product: "WinfoBots", OrGeneralProduct: true}, general, true},
		{"or general matches exact product", Filter{Product: "WinfoBots", OrGeneralProduct: true}, p, true},
		{"or general is case-sensitive", Filter{Product: "winfobots", OrGeneralProduct: true}, p, false},
	}
	for _, tc := range tests {
		if got := tc.f.Matches(tc.p); got != tc.want {
			t.Fatalf("%s: Matches = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMemoryFetch_PreservesOrderAndSkipsUnknown(t *testing.T) {
	m := NewMemory()
	seedMemory(t, m,
		Passage{ID: "1", Content: "one", Embedding: []float32{1}},
		Passage{ID: "2", Content: "two", Embedding: []float32{1}},
	)
	got, err := m.Fetch(context.Background(), []string{"2", "x", "1"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 2 || string(got[0]) != "two" || string(got[1]) != "one" {
		t.Fatalf("unexpected fetch: %q", got)
	}
}
