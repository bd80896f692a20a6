// Package services – ConfigService
//
// ConfigService maintains the per customer agent configuration: the prompt
// rows that drive each pipeline stage and the customer process catalogue.
// Every write names an operation flag: I inserts, U updates, D deletes.
package services

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-rag-assistant/internal/domain"
	"github.com/tbourn/go-rag-assistant/internal/repo"
)

// Operation flags.
const (
	OpInsert = "I"
	OpUpdate = "U"
	OpDelete = "D"
)

// PromptInvalidator drops cached prompt configuration.
type PromptInvalidator interface {
	Invalidate(customer, level, product string)
}

// ConfigService applies configuration operations.
type ConfigService struct {
	DB      *gorm.DB
	Prompts PromptInvalidator
}

// NewConfigService constructs a ConfigService.
func NewConfigService(db *gorm.DB, prompts PromptInvalidator) *ConfigService {
	return &ConfigService{DB: db, Prompts: prompts}
}

func normalizeOp(op string) (string, error) {
	switch op = strings.ToUpper(strings.TrimSpace(op)); op {
	case OpInsert, OpUpdate, OpDelete:
		return op, nil
	default:
		return "", ErrInvalidOperation
	}
}

// mapRepoErr turns repository sentinels into service errors.
func mapRepoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrDuplicate):
		return ErrConfigExists
	case errors.Is(err, repo.ErrNotFound):
		return ErrConfigNotFound
	default:
		return err
	}
}

// ApplyPrompt inserts, updates or deletes a prompt configuration row and
// invalidates its cached resolution.
func (s *ConfigService) ApplyPrompt(ctx context.Context, op string, pc *domain.PromptConfig) error {
	op, err := normalizeOp(op)
	if err != nil {
		return err
	}
	pc.Customer = strings.TrimSpace(pc.Customer)
	pc.PromptLevel = strings.TrimSpace(pc.PromptLevel)
	pc.ProductName = strings.TrimSpace(pc.ProductName)
	if pc.Customer == "" || pc.PromptLevel == "" {
		return ErrInvalidConfig
	}

	switch op {
	case OpInsert:
		err = repo.InsertPromptConfig(ctx, s.DB, pc)
	case OpUpdate:
		err = repo.UpdatePromptConfig(ctx, s.DB, pc)
	case OpDelete:
		err = repo.DeletePromptConfig(ctx, s.DB, pc.Customer, pc.PromptLevel, pc.ProductName)
	}
	if err != nil {
		return mapRepoErr(err)
	}
	if s.Prompts != nil {
		s.Prompts.Invalidate(pc.Customer, pc.PromptLevel, pc.ProductName)
	}
	log.Ctx(ctx).Info().Str("op", op).Str("customer", pc.Customer).
		Str("prompt_level", pc.PromptLevel).Str("product", pc.ProductName).
		Msg("prompt configuration changed")
	return nil
}

// ApplyProcess inserts, updates or deletes a customer process row.
func (s *ConfigService) ApplyProcess(ctx context.Context, op string, pd *domain.ProcessDetail) error {
	op, err := normalizeOp(op)
	if err != nil {
		return err
	}
	pd.CustomerName = strings.TrimSpace(pd.CustomerName)
	pd.ProcessName = strings.TrimSpace(pd.ProcessName)
	pd.ProductName = strings.TrimSpace(pd.ProductName)
	if pd.CustomerName == "" || pd.ProcessName == "" {
		return ErrInvalidConfig
	}

	switch op {
	case OpInsert:
		err = repo.InsertProcessDetail(ctx, s.DB, pd)
	case OpUpdate:
		err = repo.UpdateProcessDetail(ctx, s.DB, pd)
	case OpDelete:
		err = repo.DeleteProcessDetail(ctx, s.DB, pd.CustomerName, pd.ProcessName, pd.ProductName)
	}
	if err != nil {
		return mapRepoErr(err)
	}
	log.Ctx(ctx).Info().Str("op", op).Str("customer", pd.CustomerName).
		Str("process", pd.ProcessName).Str("product", pd.ProductName).
		Msg("process configuration changed")
	return nil
}
