package api

import (
	"net/http"
	"time"
)

// ValidationError rejects a request before it reaches the blob host.
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// RateLimitError carries the wait hint returned to throttled clients.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "Too many requests. Please try again later."
}

var (
	errNoImage = &ValidationError{
		Status:  http.StatusBadRequest,
		Message: "No image provided",
	}
	errFileTooLarge = &ValidationError{
		Status:  http.StatusRequestEntityTooLarge,
		Message: "File too large. Maximum size is 5MB.",
	}
)
