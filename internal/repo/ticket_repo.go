package repo

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-rag-assistant/internal/domain"
)

// GetTicket fetches the ticket snapshot by issue id and customer
// (case-insensitive).
func GetTicket(ctx context.Context, db *gorm.DB, issueID, customer string) (*domain.SupportTicket, error) {
	var t domain.SupportTicket
	err := db.WithContext(ctx).
		Where("issue_id = ? AND LOWER(customer_name) = ?", strings.TrimSpace(issueID), strings.ToLower(strings.TrimSpace(customer))).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertTicket stores the snapshot pushed by the ticketing system. The
// ai_comments column is owned by the analyzer and never overwritten here.
func UpsertTicket(ctx context.Context, db *gorm.DB, t *domain.SupportTicket) error {
	t.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "issue_id"}, {Name: "customer_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"product_name", "description", "ticket_status", "all_comments",
			"process_name", "sub_process", "updated_at",
		}),
	}).Create(t).Error
}

// SetTicketAIComments records the analyzer result on a ticket.
func SetTicketAIComments(ctx context.Context, db *gorm.DB, issueID, customer, comments string) error {
	res := db.WithContext(ctx).
		Model(&domain.SupportTicket{}).
		Where("issue_id = ? AND LOWER(customer_name) = ?", issueID, strings.ToLower(customer)).
		Updates(map[string]any{"ai_comments": comments, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
