package contentstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestPGVector_SearchQueryShape(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:pgvector_dry?mode=memory&cache=shared"), &gorm.Config{
		DryRun: true,
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := NewPGVector(db)

	var ids []string
	stmt := s.searchQuery(context.Background(), Filter{
		Corpus: CorpusCustomer, Customer: "Acme", Product: "Bots", Process: "P2P",
	}, []float32{1, 2}, 7).Pluck("id", &ids).Statement
	sql := stmt.SQL.String()

	for _, frag := range []string{
		"corpus = ?",
		"UPPER(customer) = UPPER(?)",
		"UPPER(product) = UPPER(?)",
		"(process = ? OR process IS NULL OR process = '')",
		"ORDER BY embedding <=> ?",
		"LIMIT 7",
	} {
		if !strings.Contains(sql, frag) {
			t.Fatalf("expected %q in SQL: %s", frag, sql)
		}
	}
	if strings.Index(sql, "ORDER BY") > strings.Index(sql, "LIMIT") {
		t.Fatalf("ORDER BY must precede LIMIT: %s", sql)
	}
	var bound []float32
	for _, v := range stmt.Vars {
		if vec, ok := v.(pgvector.Vector); ok {
			bound = vec.Slice()
		}
	}
	if len(bound) != 2 || bound[0] != 1 || bound[1] != 2 {
		t.Fatalf("query vector not bound to the ordering: %v", stmt.Vars)
	}

	stmt = s.searchQuery(context.Background(), Filter{
		Corpus: CorpusSales, Product: "Bots", OrGeneralProduct: true,
	}, []float32{1}, 3).Pluck("id", &ids).Statement
	sql = stmt.SQL.String()
	if !strings.Contains(sql, "(product = ? OR product = ?)") || strings.Contains(sql, "customer") {
		t.Fatalf("unexpected sales SQL: %s", sql)
	}
}

func TestPGVector_Guards(t *testing.T) {
	s := NewPGVector(nil)
	if _, err := s.SimilaritySearch(context.Background(), Filter{}, nil, 5); err != ErrEmptyVector {
		t.Fatalf("expected ErrEmptyVector, got %v", err)
	}
	if ids, err := s.SimilaritySearch(context.Background(), Filter{}, []float32{1}, 0); ids != nil || err != nil {
		t.Fatalf("k=0 => (%v, %v)", ids, err)
	}
	if got, err := s.Fetch(context.Background(), nil); got != nil || err != nil {
		t.Fatalf("empty fetch => (%v, %v)", got, err)
	}
	if err := s.Upsert(context.Background(), Passage{ID: " "}); err != nil {
		t.Fatalf("upsert of invalid passages should be a no-op, got %v", err)
	}
}

// fakeES records request bodies and answers like a minimal Elasticsearch.
type fakeES struct {
	mu      sync.Mutex
	created bool
	bodies  map[string]string
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[r.Method+" "+r.URL.Path] = string(body)

	switch {
	case r.Method == http.MethodHead && r.URL.Path == "/passages":
		if f.created {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case r.Method == http.MethodPut && r.URL.Path == "/passages":
		f.created = true
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	case strings.HasSuffix(r.URL.Path, "/_search"):
		_, _ = w.Write([]byte(`{"hits":{"hits":[{"_id":"b"},{"_id":"a"}]}}`))
	case strings.HasSuffix(r.URL.Path, "/_mget"):
		_, _ = w.Write([]byte(`{"docs":[{"_id":"b","found":true,"_source":{"content":"bee"}},{"_id":"x","found":false},{"_id":"a","found":true,"_source":{"content":"ay"}}]}`))
	case strings.HasPrefix(r.URL.Path, "/passages/_doc/"):
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	default:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"unexpected"}`))
	}
}

func newFakeElastic(t *testing.T) (*Elastic, *fakeES) {
	t.Helper()
	fake := &fakeES{bodies: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	e, err := NewElastic(ElasticConfig{Addresses: []string{srv.URL}, Index: "passages", Dimensions: 2})
	if err != nil {
		t.Fatalf("NewElastic: %v", err)
	}
	return e, fake
}

func TestElastic_EnsureIndexCreatesOnce(t *testing.T) {
	e, fake := newFakeElastic(t)
	ctx := context.Background()
	if err := e.EnsureIndex(ctx); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}
	mapping := fake.bodies["PUT /passages"]
	if !strings.Contains(mapping, `"dense_vector"`) || !strings.Contains(mapping, `"dims": 2`) {
		t.Fatalf("unexpected mapping: %s", mapping)
	}
	delete(fake.bodies, "PUT /passages")
	if err := e.EnsureIndex(ctx); err != nil {
		t.Fatalf("second EnsureIndex: %v", err)
	}
	if _, again := fake.bodies["PUT /passages"]; again {
		t.Fatalf("index should not be recreated")
	}
}

func TestElastic_SearchFetchUpsert(t *testing.T) {
	e, fake := newFakeElastic(t)
	ctx := context.Background()

	ids, err := e.SimilaritySearch(ctx, Filter{
		Corpus: CorpusSales, Product: "Bots", OrGeneralProduct: true, Process: "P2P",
	}, []float32{0.5, 0.5}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if strings.Join(ids, ",") != "b,a" {
		t.Fatalf("ids = %v", ids)
	}

	var q map[string]any
	if err := json.Unmarshal([]byte(fake.bodies["POST /passages/_search"]), &q); err != nil {
		t.Fatalf("decode query: %v", err)
	}
	knn, _ := q["knn"].(map[string]any)
	if knn == nil || knn["k"].(float64) != 2 || knn["field"] != "vector" {
		t.Fatalf("unexpected knn: %#v", q["knn"])
	}
	raw := fake.bodies["POST /passages/_search"]
	if !strings.Contains(raw, `"terms":{"product":["Bots","General"]}`) || !strings.Contains(raw, `"must_not"`) {
		t.Fatalf("filter missing from query: %s", raw)
	}

	texts, err := e.Fetch(ctx, []string{"b", "x", "a"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(texts) != 2 || string(texts[0]) != "bee" || string(texts[1]) != "ay" {
		t.Fatalf("texts = %q", texts)
	}

	if err := e.Upsert(ctx, Passage{ID: "a", Customer: "ACME", Content: "ay", Embedding: []float32{1, 0}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	doc := fake.bodies["PUT /passages/_doc/a"]
	if !strings.Contains(doc, `"customer_lc":"acme"`) {
		t.Fatalf("indexed doc = %s", doc)
	}
}

func TestElastic_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	t.Cleanup(srv.Close)
	e, err := NewElastic(ElasticConfig{Addresses: []string{srv.URL}, Index: "passages", Dimensions: 2})
	if err != nil {
		t.Fatalf("NewElastic: %v", err)
	}
	if _, err := e.SimilaritySearch(context.Background(), Filter{}, []float32{1, 0}, 1); err == nil {
		t.Fatalf("expected error on 500")
	}
	if _, err := e.SimilaritySearch(context.Background(), Filter{}, nil, 1); err != ErrEmptyVector {
		t.Fatalf("expected ErrEmptyVector, got %v", err)
	}
}
