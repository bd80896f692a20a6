package repo

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-rag-assistant/internal/domain"
)

// GetPromptConfig looks up one stage configuration. All three key parts
// compare case-insensitively.
func GetPromptConfig(ctx context.Context, db *gorm.DB, customer, level, product string) (*domain.PromptConfig, error) {
	var pc domain.PromptConfig
	err := db.WithContext(ctx).
		Where("LOWER(customer) = ? AND LOWER(prompt_level) = ? AND LOWER(product_name) = ?",
			lower(customer), lower(level), lower(product)).
		First(&pc).Error
	if err != nil {
		return nil, err
	}
	return &pc, nil
}

// InsertPromptConfig creates a configuration row, ErrDuplicate if the key exists.
func InsertPromptConfig(ctx context.Context, db *gorm.DB, pc *domain.PromptConfig) error {
	if _, err := GetPromptConfig(ctx, db, pc.Customer, pc.PromptLevel, pc.ProductName); err == nil {
		return ErrDuplicate
	}
	pc.UpdatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Create(pc).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// UpdatePromptConfig replaces the mutable columns of an existing row.
func UpdatePromptConfig(ctx context.Context, db *gorm.DB, pc *domain.PromptConfig) error {
	res := db.WithContext(ctx).
		Model(&domain.PromptConfig{}).
		Where("LOWER(customer) = ? AND LOWER(prompt_level) = ? AND LOWER(product_name) = ?",
			lower(pc.Customer), lower(pc.PromptLevel), lower(pc.ProductName)).
		Updates(map[string]any{
			"system_instruction":  pc.SystemInstruction,
			"response_schema":     pc.ResponseSchema,
			"input_prompt":        pc.InputPrompt,
			"llm_model_name":      pc.LLMModelName,
			"llm_server_location": pc.LLMServerLocation,
			"nearest_neighbours":  pc.NearestNeighbours,
			"updated_at":          time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePromptConfig removes a configuration row.
func DeletePromptConfig(ctx context.Context, db *gorm.DB, customer, level, product string) error {
	res := db.WithContext(ctx).
		Where("LOWER(customer) = ? AND LOWER(prompt_level) = ? AND LOWER(product_name) = ?",
			lower(customer), lower(level), lower(product)).
		Delete(&domain.PromptConfig{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetProcessDetail fetches one customer process.
func GetProcessDetail(ctx context.Context, db *gorm.DB, customer, process, product string) (*domain.ProcessDetail, error) {
	var pd domain.ProcessDetail
	err := db.WithContext(ctx).
		Where("LOWER(customer_name) = ? AND LOWER(process_name) = ? AND LOWER(product_name) = ?",
			lower(customer), lower(process), lower(product)).
		First(&pd).Error
	if err != nil {
		return nil, err
	}
	return &pd, nil
}

// ListProcessDetails returns the processes of a customer/product, the
// candidate set for ticket classification.
func ListProcessDetails(ctx context.Context, db *gorm.DB, customer, product string) ([]domain.ProcessDetail, error) {
	var out []domain.ProcessDetail
	err := db.WithContext(ctx).
		Where("LOWER(customer_name) = ? AND LOWER(product_name) = ?", lower(customer), lower(product)).
		Order("process_area ASC, process_name ASC").
		Find(&out).Error
	return out, err
}

// InsertProcessDetail creates a process row, ErrDuplicate if the key exists.
func InsertProcessDetail(ctx context.Context, db *gorm.DB, pd *domain.ProcessDetail) error {
	if _, err := GetProcessDetail(ctx, db, pd.CustomerName, pd.ProcessName, pd.ProductName); err == nil {
		return ErrDuplicate
	}
	pd.UpdatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Create(pd).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// UpdateProcessDetail replaces the mutable columns of an existing process.
func UpdateProcessDetail(ctx context.Context, db *gorm.DB, pd *domain.ProcessDetail) error {
	res := db.WithContext(ctx).
		Model(&domain.ProcessDetail{}).
		Where("LOWER(customer_name) = ? AND LOWER(process_name) = ? AND LOWER(product_name) = ?",
			lower(pd.CustomerName), lower(pd.ProcessName), lower(pd.ProductName)).
		Updates(map[string]any{
			"process_area": pd.ProcessArea,
			"description":  pd.Description,
			"flow":         pd.Flow,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProcessDetail removes a process row.
func DeleteProcessDetail(ctx context.Context, db *gorm.DB, customer, process, product string) error {
	res := db.WithContext(ctx).
		Where("LOWER(customer_name) = ? AND LOWER(process_name) = ? AND LOWER(product_name) = ?",
			lower(customer), lower(process), lower(product)).
		Delete(&domain.ProcessDetail{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
