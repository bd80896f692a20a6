package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ErrElastic wraps non-2xx answers from Elasticsearch.
var ErrElastic = errors.New("contentstore: elasticsearch error")

// esDocument is the indexed form of a Passage.
type esDocument struct {
	ID         string    `json:"passage_id"`
	Corpus     string    `json:"corpus"`
	Customer   string    `json:"customer"`
	CustomerLC string    `json:"customer_lc"`
	Product    string    `json:"product"`
	ProductLC  string    `json:"product_lc"`
	Process    string    `json:"process,omitempty"`
	Content    string    `json:"content"`
	Vector     []float32 `json:"vector"`
}

// Elastic is a Store backed by an Elasticsearch dense_vector index.
type Elastic struct {
	client *elasticsearch.Client
	index  string
	dims   int
}

// ElasticConfig holds connection settings for NewElastic.
type ElasticConfig struct {
	Addresses  []string
	Username   string
	Password   string
	Index      string
	Dimensions int
	Transport  http.RoundTripper
}

// NewElastic builds the client. Call EnsureIndex before first use.
func NewElastic(cfg ElasticConfig) (*Elastic, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	return &Elastic{client: client, index: cfg.Index, dims: cfg.Dimensions}, nil
}

// EnsureIndex creates the passage index with its vector mapping when it
// does not exist yet.
func (e *Elastic) EnsureIndex(ctx context.Context) error {
	res, err := e.client.Indices.Exists([]string{e.index}, e.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return err
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: index exists check returned %d", ErrElastic, res.StatusCode)
	}

	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"passage_id":  { "type": "keyword" },
				"corpus":      { "type": "keyword" },
				"customer":    { "type": "keyword" },
				"customer_lc": { "type": "keyword" },
				"product":     { "type": "keyword" },
				"product_lc":  { "type": "keyword" },
				"process":     { "type": "keyword" },
				"content":     { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				}
			}
		}
	}`, e.dims)

	res, err = e.client.Indices.Create(
		e.index,
		e.client.Indices.Create.WithBody(strings.NewReader(mapping)),
		e.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%w: create index: %s", ErrElastic, res.String())
	}
	return nil
}

// SimilaritySearch runs a filtered kNN query and returns passage ids.
func (e *Elastic) SimilaritySearch(ctx context.Context, f Filter, vector []float32, k int) ([]string, error) {
	if len(vector) == 0 {
		return nil, ErrEmptyVector
	}
	if k <= 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(knnQuery(f, vector, k)); err != nil {
		return nil, fmt.Errorf("encode es query: %w", err)
	}

	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(e.index),
		e.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("%w: search %s: %s", ErrElastic, res.Status(), string(body))
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				ID string `json:"_id"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode es response: %w", err)
	}
	ids := make([]string, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		ids = append(ids, h.ID)
	}
	return ids, nil
}

func knnQuery(f Filter, vector []float32, k int) map[string]any {
	filters := make([]map[string]any, 0, 4)
	if f.Corpus != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"corpus": string(f.Corpus)}})
	}
	if f.Customer != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"customer_lc": strings.ToLower(f.Customer)}})
	}
	if f.Product != "" {
		if f.OrGeneralProduct {
			filters = append(filters, map[string]any{"terms": map[string]any{"product": []string{f.Product, GeneralProduct}}})
		} else {
			filters = append(filters, map[string]any{"term": map[string]any{"product_lc": strings.ToLower(f.Product)}})
		}
	}
	if f.Process != "" {
		filters = append(filters, map[string]any{"bool": map[string]any{
			"should": []map[string]any{
				{"term": map[string]any{"process": f.Process}},
				{"bool": map[string]any{"must_not": map[string]any{"exists": map[string]any{"field": "process"}}}},
			},
			"minimum_should_match": 1,
		}})
	}

	knn := map[string]any{
		"field":          "vector",
		"query_vector":   vector,
		"k":              k,
		"num_candidates": max(k*4, 100),
	}
	if len(filters) > 0 {
		knn["filter"] = map[string]any{"bool": map[string]any{"filter": filters}}
	}
	return map[string]any{
		"knn":     knn,
		"size":    k,
		"_source": false,
	}
}

// Fetch loads passage content with a multi-get, preserving id order.
func (e *Elastic) Fetch(ctx context.Context, ids []string) ([][]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	res, err := e.client.Mget(
		bytes.NewReader(body),
		e.client.Mget.WithContext(ctx),
		e.client.Mget.WithIndex(e.index),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("%w: mget: %s", ErrElastic, res.String())
	}

	var parsed struct {
		Docs []struct {
			ID     string `json:"_id"`
			Found  bool   `json:"found"`
			Source struct {
				Content string `json:"content"`
			} `json:"_source"`
		} `json:"docs"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode mget response: %w", err)
	}
	out := make([][]byte, 0, len(parsed.Docs))
	for _, d := range parsed.Docs {
		if d.Found {
			out = append(out, []byte(d.Source.Content))
		}
	}
	return out, nil
}

// Upsert indexes passages by id with an immediate refresh.
func (e *Elastic) Upsert(ctx context.Context, passages ...Passage) error {
	for _, p := range passages {
		if p.ID == "" || len(p.Embedding) == 0 {
			continue
		}
		doc := esDocument{
			ID:         p.ID,
			Corpus:     string(p.Corpus),
			Customer:   p.Customer,
			CustomerLC: strings.ToLower(p.Customer),
			Product:    p.Product,
			ProductLC:  strings.ToLower(p.Product),
			Process:    p.Process,
			Content:    p.Content,
			Vector:     p.Embedding,
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		req := esapi.IndexRequest{
			Index:      e.index,
			DocumentID: p.ID,
			Body:       bytes.NewReader(b),
			Refresh:    "true",
		}
		res, err := req.Do(ctx, e.client)
		if err != nil {
			return err
		}
		isErr, status := res.IsError(), res.String()
		res.Body.Close()
		if isErr {
			return fmt.Errorf("%w: index %s: %s", ErrElastic, p.ID, status)
		}
	}
	return nil
}
