// Package contentstore abstracts the places that hold passages and their
// vectors. A Store answers two questions: which passages are nearest to a
// query vector inside a partition, and what text those passages carry.
//
// Three backends are provided:
//
//   - Memory: an in-process cosine index (development and tests)
//   - PGVector: Postgres with the pgvector extension, through GORM
//   - Elastic: Elasticsearch dense_vector kNN search
//
// Similarity ordering is ascending distance; ties are broken by id in the
// in-process index and left to the engine otherwise.
package contentstore

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyVector is returned when a search is attempted without a vector.
var ErrEmptyVector = errors.New("contentstore: empty query vector")

// GeneralProduct tags sales passages that apply to every product.
const GeneralProduct = "General"

// Corpus names one partition family of the store.
type Corpus string

const (
	// CorpusSales holds pre-sales product material.
	CorpusSales Corpus = "sales"
	// CorpusCustomer holds customer specific support documents.
	CorpusCustomer Corpus = "customer"
	// CorpusGeneral holds vendor documentation shared across customers.
	CorpusGeneral Corpus = "general"
)

// Passage is one stored unit of retrievable text.
type Passage struct {
	ID        string
	Corpus    Corpus
	Customer  string
	Product   string
	Process   string // empty means "applies to every process"
	Content   string
	Embedding []float32
}

// Filter restricts a similarity search to a partition.
//
// Customer and Product compare case-insensitively. A non-empty Process
// matches passages of that process and passages without one. With
// OrGeneralProduct the product test becomes product = P OR product = General.
type Filter struct {
	Corpus           Corpus
	Customer         string
	Product          string
	Process          string
	OrGeneralProduct bool
}

// Store is the read side used by the retriever.
type Store interface {
	// SimilaritySearch returns up to k passage ids ordered by ascending distance.
	SimilaritySearch(ctx context.Context, f Filter, vector []float32, k int) ([]string, error)
	// Fetch returns the raw stored content of the given ids, in id order.
	// Unknown ids are skipped.
	Fetch(ctx context.Context, ids []string) ([][]byte, error)
}

// Writer is the write side used by fixtures and seeding.
type Writer interface {
	Upsert(ctx context.Context, passages ...Passage) error
}

// ReadWriter combines both sides.
type ReadWriter interface {
	Store
	Writer
}

// Matches reports whether p belongs to the partition described by f.
func (f Filter) Matches(p Passage) bool {
	if f.Corpus != "" && p.Corpus != f.Corpus {
		return false
	}
	if f.Customer != "" && !strings.EqualFold(p.Customer, f.Customer) {
		return false
	}
	if f.Product != "" {
		if f.OrGeneralProduct {
			if p.Product != f.Product && p.Product != GeneralProduct {
				return false
			}
		} else if !strings.EqualFold(p.Product, f.Product) {
			return false
		}
	}
	if f.Process != "" && p.Process != "" && p.Process != f.Process {
		return false
	}
	return true
}
