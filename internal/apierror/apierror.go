package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"

	ErrSession          ErrorCode = "SESSION_ERROR"
	ErrTransport        ErrorCode = "TRANSPORT_ERROR"
	ErrExtraction       ErrorCode = "EXTRACTION_ERROR"
	ErrBusinessNotFound ErrorCode = "BUSINESS_NOT_FOUND"
	ErrInactiveStatus   ErrorCode = "INACTIVE_STATUS"
	ErrPersistence      ErrorCode = "PERSISTENCE_ERROR"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause when Details carries an error.
func (e APIError) Unwrap() error {
	if err, ok := e.Details.(error); ok {
		return err
	}
	return nil
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	if details != nil {
		logrus.WithField("code", code).Error(details)
	}
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// CodeOf returns the code of the first APIError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	return "", false
}

func Is(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// IsRetryable reports whether the worker may recreate its session and try
// the request again. Only transport failures qualify.
func IsRetryable(err error) bool {
	return Is(err, ErrTransport)
}

func MapErrorToHTTPStatus(err error) int {
	code, ok := CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case ErrNotFound, ErrBusinessNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrInvalidInput:
		return http.StatusBadRequest
	case ErrInactiveStatus:
		return http.StatusUnprocessableEntity
	case ErrSession, ErrTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
