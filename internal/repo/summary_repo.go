package repo

import (
	"context"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-rag-assistant/internal/domain"
)

// UpsertTicketSummary creates the summary row of a chat or overwrites it.
func UpsertTicketSummary(ctx context.Context, db *gorm.DB, s *domain.TicketSummary) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"issue_id", "processed_message_id", "processed_comment_id", "ticket_status",
			"summary", "customer_name", "product_name", "last_accessed_time",
		}),
	}).Create(s).Error
}

// GetTicketSummary fetches the summary of a chat for a customer. The
// customer comparison is case-insensitive; an empty customer matches any.
func GetTicketSummary(ctx context.Context, db *gorm.DB, chatID, customer string) (*domain.TicketSummary, error) {
	q := db.WithContext(ctx).Where("chat_id = ?", chatID)
	if c := strings.TrimSpace(customer); c != "" {
		q = q.Where("LOWER(customer_name) = ?", strings.ToLower(c))
	}
	var s domain.TicketSummary
	if err := q.First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSummariesAccessedSince returns the summaries touched at or after since,
// oldest first.
func ListSummariesAccessedSince(ctx context.Context, db *gorm.DB, since time.Time) ([]domain.TicketSummary, error) {
	var out []domain.TicketSummary
	err := db.WithContext(ctx).
		Where("last_accessed_time >= ?", since).
		Order("last_accessed_time ASC").
		Find(&out).Error
	return out, err
}

// UpdateSummaryProgress writes a refreshed summary body and advances the
// high-water marks.
func UpdateSummaryProgress(ctx context.Context, db *gorm.DB, chatID string, body domain.SummaryBody, processedMessageID, processedCommentID int, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.TicketSummary{}).
		Where("chat_id = ?", chatID).
		Updates(map[string]any{
			"summary":              datatypes.NewJSONType(body),
			"processed_message_id": processedMessageID,
			"processed_comment_id": processedCommentID,
			"last_accessed_time":   at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchTicketSummary marks a summary as recently used so the refresher
// picks it up.
func TouchTicketSummary(ctx context.Context, db *gorm.DB, chatID string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.TicketSummary{}).
		Where("chat_id = ?", chatID).
		Update("last_accessed_time", at).Error
}
