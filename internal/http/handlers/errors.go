// Package handlers defines the error codes returned in the ErrorResponse
// envelope. Clients branch on the code, never on the message.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "not_found",
//	  "message": "message not found"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/tbourn/go-rag-assistant/internal/services"
)

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"
	ErrCodeUnavailable  = "unavailable"

	// Domain-specific:
	ErrCodeAnswerFailed     = "answer_failed"
	ErrCodeAnalyzeFailed    = "analyze_failed"
	ErrCodeConfigFailed     = "config_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)

// statusFor maps a service error onto an HTTP status and error code.
// Unknown errors fall through to 500 with the supplied fallback code.
func statusFor(err error, fallback string) (int, string) {
	switch {
	case errors.Is(err, services.ErrMissingChatID),
		errors.Is(err, services.ErrEmptyQuestion),
		errors.Is(err, services.ErrMissingTicket),
		errors.Is(err, services.ErrInvalidOperation),
		errors.Is(err, services.ErrInvalidConfig),
		errors.Is(err, services.ErrInvalidFeedback):
		return http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, services.ErrMessageNotFound),
		errors.Is(err, services.ErrTicketNotFound),
		errors.Is(err, services.ErrConfigNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, services.ErrConfigExists):
		return http.StatusConflict, ErrCodeConflict
	default:
		return http.StatusInternalServerError, fallback
	}
}
