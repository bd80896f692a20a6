package contentstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// passageRow is the persisted form of a Passage in Postgres.
type passageRow struct {
	ID        string          `gorm:"type:varchar(128);primaryKey"`
	Corpus    string          `gorm:"type:varchar(32);index:ix_passage_partition,priority:1"`
	Customer  string          `gorm:"type:varchar(255);index:ix_passage_partition,priority:2"`
	Product   string          `gorm:"type:varchar(255);index:ix_passage_partition,priority:3"`
	Process   string          `gorm:"type:varchar(255)"`
	Content   string          `gorm:"type:text"`
	Embedding pgvector.Vector `gorm:"type:vector"`
}

func (passageRow) TableName() string { return "content_passages" }

// PGVector stores passages in Postgres and ranks them with the pgvector
// cosine distance operator.
type PGVector struct {
	db *gorm.DB
}

// NewPGVector wraps an open Postgres connection.
func NewPGVector(db *gorm.DB) *PGVector { return &PGVector{db: db} }

// Migrate enables the vector extension and creates the passage table.
func (s *PGVector) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("enable pgvector: %w", err)
	}
	return s.db.WithContext(ctx).AutoMigrate(&passageRow{})
}

// SimilaritySearch orders the partition by embedding <=> vector.
func (s *PGVector) SimilaritySearch(ctx context.Context, f Filter, vector []float32, k int) ([]string, error) {
	if len(vector) == 0 {
		return nil, ErrEmptyVector
	}
	if k <= 0 {
		return nil, nil
	}
	var ids []string
	err := s.searchQuery(ctx, f, vector, k).Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PGVector) searchQuery(ctx context.Context, f Filter, vector []float32, k int) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&passageRow{})
	if f.Corpus != "" {
		q = q.Where("corpus = ?", string(f.Corpus))
	}
	if f.Customer != "" {
		q = q.Where("UPPER(customer) = UPPER(?)", f.Customer)
	}
	if f.Product != "" {
		if f.OrGeneralProduct {
			q = q.Where("(product = ? OR product = ?)", f.Product, GeneralProduct)
		} else {
			q = q.Where("UPPER(product) = UPPER(?)", f.Product)
		}
	}
	if f.Process != "" {
		q = q.Where("(process = ? OR process IS NULL OR process = '')", f.Process)
	}
	// Order only takes strings and clause types; an Expr passed there is dropped.
	return q.Clauses(clause.OrderBy{Expression: clause.Expr{
		SQL:                "embedding <=> ?",
		Vars:               []any{pgvector.NewVector(vector)},
		WithoutParentheses: true,
	}}).Limit(k)
}

// Fetch loads passage content and returns it in the order of ids.
func (s *PGVector) Fetch(ctx context.Context, ids []string) ([][]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []passageRow
	if err := s.db.WithContext(ctx).
		Select("id", "content").
		Where("id IN ?", ids).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]string, len(rows))
	for _, r := range rows {
		byID[r.ID] = r.Content
	}
	out := make([][]byte, 0, len(rows))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, []byte(c))
		}
	}
	return out, nil
}

// Upsert writes passages, replacing rows with the same id.
func (s *PGVector) Upsert(ctx context.Context, passages ...Passage) error {
	rows := make([]passageRow, 0, len(passages))
	for _, p := range passages {
		if strings.TrimSpace(p.ID) == "" || len(p.Embedding) == 0 {
			continue
		}
		rows = append(rows, passageRow{
			ID:        p.ID,
			Corpus:    string(p.Corpus),
			Customer:  p.Customer,
			Product:   p.Product,
			Process:   p.Process,
			Content:   p.Content,
			Embedding: pgvector.NewVector(p.Embedding),
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(&rows, 100).Error
}
