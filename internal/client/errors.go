package client

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthError is returned for 401 and 403 responses
type AuthError struct {
	Message    string
	StatusCode int
}

func (e *AuthError) Error() string {
	return e.Message
}

// RateLimitError is returned for 429 responses that survived retries
type RateLimitError struct {
	Message    string
	StatusCode int
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// BadRequestError means the backend rejected the event itself
type BadRequestError struct {
	Message    string
	StatusCode int
}

func (e *BadRequestError) Error() string {
	return e.Message
}

type BackendError struct {
	Message    string
	StatusCode int
}

func (e *BackendError) Error() string {
	return e.Message
}

func statusError(statusCode int, body []byte) error {
	msg := fmt.Sprintf("backend returned status %d: %s", statusCode, string(body))
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Message: msg, StatusCode: statusCode}
	case http.StatusTooManyRequests:
		return &RateLimitError{Message: msg, StatusCode: statusCode}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &BadRequestError{Message: msg, StatusCode: statusCode}
	default:
		return &BackendError{Message: msg, StatusCode: statusCode}
	}
}

// IsPermanent reports whether resending the same event can never succeed
func IsPermanent(err error) bool {
	var bad *BadRequestError
	return errors.As(err, &bad)
}
