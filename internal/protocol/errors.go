package protocol

import (
	"errors"
	"net/http"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

// ErrorCode maps a domain error onto a protocol error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return ErrorCodeSessionNotFound
	case errors.Is(err, domain.ErrRunInProgress):
		return ErrorCodeRunInProgress
	case errors.Is(err, domain.ErrRunNotFound):
		return ErrorCodeRunNotFound
	case errors.Is(err, domain.ErrUnknownEngine):
		return ErrorCodeUnknownEngine
	case errors.Is(err, domain.ErrInvalidPatchOp), errors.Is(err, domain.ErrInvalidPath),
		errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrNothingToRewind):
		return ErrorCodeInvalidMessage
	default:
		return ErrorCodeInternalError
	}
}

// HTTPStatus maps a domain error onto an HTTP status code.
func HTTPStatus(err error) int {
	switch ErrorCode(err) {
	case ErrorCodeSessionNotFound, ErrorCodeRunNotFound:
		return http.StatusNotFound
	case ErrorCodeRunInProgress:
		return http.StatusConflict
	case ErrorCodeInvalidMessage, ErrorCodeUnknownEngine:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// NewError builds an error envelope for err.
func NewError(sessionID string, err error) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Code:      ErrorCode(err),
		Message:   err.Error(),
	}
}
