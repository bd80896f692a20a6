// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for chat sessions
// and their messages.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// usable inside transactions. They hold no business rules: message id
// assignment and its per-chat serialization live in the chatstore package.
//
// Error semantics:
//   - Missing rows return gorm.ErrRecordNotFound (exported as ErrNotFound).
//   - Completing an already completed message returns ErrAlreadyCompleted.
//   - Other DB errors are propagated as returned by GORM.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-rag-assistant/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrAlreadyCompleted is returned when a message response is written twice.
var ErrAlreadyCompleted = errors.New("message already completed")

// CreateSession inserts a new chat session row.
func CreateSession(ctx context.Context, db *gorm.DB, s *domain.ChatSession) error {
	if s.IssueID != nil && strings.TrimSpace(*s.IssueID) == "" {
		s.IssueID = nil
	}
	return db.WithContext(ctx).Create(s).Error
}

// GetSession fetches a session by chat id.
func GetSession(ctx context.Context, db *gorm.DB, chatID string) (*domain.ChatSession, error) {
	var s domain.ChatSession
	if err := db.WithContext(ctx).Where("chat_id = ?", chatID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSessionByIssue fetches the session correlated with an external issue.
func GetSessionByIssue(ctx context.Context, db *gorm.DB, issueID string) (*domain.ChatSession, error) {
	issueID = strings.TrimSpace(issueID)
	if issueID == "" {
		return nil, ErrNotFound
	}
	var s domain.ChatSession
	if err := db.WithContext(ctx).Where("issue_id = ?", issueID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// TouchSession moves end_time forward and replaces meta_data.
func TouchSession(ctx context.Context, db *gorm.DB, chatID string, end time.Time, meta domain.SessionMeta) error {
	res := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("chat_id = ?", chatID).
		Updates(map[string]any{
			"end_time":  end,
			"meta_data": datatypes.NewJSONType(meta),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MaxMessageID returns the highest message id of a chat, or 0 when empty.
func MaxMessageID(ctx context.Context, db *gorm.DB, chatID string) (int, error) {
	var max int
	err := db.WithContext(ctx).
		Model(&domain.ChatMessage{}).
		Where("chat_id = ?", chatID).
		Select("COALESCE(MAX(message_id), 0)").
		Scan(&max).Error
	return max, err
}

// CreateMessage inserts an incomplete message row.
func CreateMessage(ctx context.Context, db *gorm.DB, m *domain.ChatMessage) error {
	return db.WithContext(ctx).Create(m).Error
}

// CompleteMessage writes the response of a message exactly once.
func CompleteMessage(ctx context.Context, db *gorm.DB, chatID string, messageID int, response, errMsg string, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.ChatMessage{}).
		Where("chat_id = ? AND message_id = ? AND response_time IS NULL", chatID, messageID).
		Updates(map[string]any{
			"response":      response,
			"error_msg":     errMsg,
			"response_time": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := GetMessage(ctx, db, chatID, messageID); err != nil {
			return err
		}
		return ErrAlreadyCompleted
	}
	return nil
}

// GetMessage fetches one message of a chat.
func GetMessage(ctx context.Context, db *gorm.DB, chatID string, messageID int) (*domain.ChatMessage, error) {
	var m domain.ChatMessage
	err := db.WithContext(ctx).
		Where("chat_id = ? AND message_id = ?", chatID, messageID).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns all messages of a chat ordered by message id.
func ListMessages(ctx context.Context, db *gorm.DB, chatID string) ([]domain.ChatMessage, error) {
	return ListMessagesAfter(ctx, db, chatID, 0)
}

// ListMessagesAfter returns the messages with message_id > afterID, ordered.
func ListMessagesAfter(ctx context.Context, db *gorm.DB, chatID string, afterID int) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	err := db.WithContext(ctx).
		Where("chat_id = ? AND message_id > ?", chatID, afterID).
		Order("message_id ASC").
		Find(&out).Error
	return out, err
}

// MessagesStats returns the number of messages in a chat and the time of its
// latest activity (last response, or last question if still pending). Used
// for ETag computation.
func MessagesStats(ctx context.Context, db *gorm.DB, chatID string) (count int64, last *time.Time, err error) {
	if err = db.WithContext(ctx).Model(&domain.ChatMessage{}).Where("chat_id = ?", chatID).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}
	var m domain.ChatMessage
	if err = db.WithContext(ctx).Where("chat_id = ?", chatID).Order("message_id DESC").First(&m).Error; err != nil {
		return 0, nil, err
	}
	ts := m.MessageTime
	if m.ResponseTime != nil {
		ts = *m.ResponseTime
	}
	return count, &ts, nil
}
