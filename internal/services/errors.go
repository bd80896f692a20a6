// Package services implements the use cases behind the HTTP surface: the
// sales and support chat turns, ticket auto-resolution, chat history reads,
// message feedback and agent configuration. This file centralizes the
// service-level error values so handlers can map them to HTTP results
// consistently.
package services

import (
	"errors"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
)

var (
	// ErrMissingChatID is returned by reads that need a chat id.
	ErrMissingChatID = chatstore.ErrMissingChatID

	// ErrEmptyQuestion is returned when a chat request has no text.
	ErrEmptyQuestion = errors.New("question is empty")

	// ErrMessageNotFound indicates an unknown (chat, message) pair.
	ErrMessageNotFound = chatstore.ErrMessageNotFound

	// ErrInvalidFeedback is returned when feedback is not a JSON object.
	ErrInvalidFeedback = chatstore.ErrInvalidFeedback

	// ErrMissingTicket is returned when a ticket request lacks its issue id
	// or customer.
	ErrMissingTicket = errors.New("issue_id and customer_name are required")

	// ErrTicketNotFound is returned when no ticket snapshot exists.
	ErrTicketNotFound = errors.New("ticket not found")

	// ErrInvalidOperation is returned for an unknown configuration
	// operation_flag.
	ErrInvalidOperation = errors.New("operation_flag must be I, U or D")

	// ErrInvalidConfig is returned when a configuration row lacks its key.
	ErrInvalidConfig = errors.New("configuration key fields are required")

	// ErrConfigExists is returned when inserting a configuration row that
	// already exists.
	ErrConfigExists = errors.New("configuration already exists")

	// ErrConfigNotFound is returned when updating or deleting a missing
	// configuration row.
	ErrConfigNotFound = errors.New("configuration not found")
)

// Fixed answers of the chat endpoints.
const (
	// MissingChatAnswer is returned, without persisting anything, when a
	// chat request carries no chat id.
	MissingChatAnswer = "Unable to fetch the response. Please contact support team."
)
