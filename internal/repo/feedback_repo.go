package repo

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-rag-assistant/internal/domain"
)

// UpsertFeedback stores the feedback payload of a message, replacing any
// earlier payload for the same (chat, message).
func UpsertFeedback(ctx context.Context, db *gorm.DB, chatID string, messageID int, payload json.RawMessage) error {
	fb := domain.Feedback{
		ChatID:    chatID,
		MessageID: messageID,
		Payload:   datatypes.JSON(payload),
		UpdatedAt: time.Now().UTC(),
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}, {Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&fb).Error
}

// GetFeedback returns the stored feedback of a message.
func GetFeedback(ctx context.Context, db *gorm.DB, chatID string, messageID int) (*domain.Feedback, error) {
	var fb domain.Feedback
	err := db.WithContext(ctx).
		Where("chat_id = ? AND message_id = ?", chatID, messageID).
		First(&fb).Error
	if err != nil {
		return nil, err
	}
	return &fb, nil
}
