package api

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrMissingAPIKey is returned when no API key is provided.
	ErrMissingAPIKey = errors.New("API key is required")
	// ErrUnauthorized indicates the API key is invalid or expired.
	ErrUnauthorized = errors.New("invalid or expired API key")
	// ErrInboxNotFound indicates the requested inbox does not exist.
	ErrInboxNotFound = errors.New("inbox not found")
	// ErrEmailNotFound indicates the requested email does not exist.
	ErrEmailNotFound = errors.New("email not found")
	// ErrInboxAlreadyExists indicates an inbox with that address already exists.
	ErrInboxAlreadyExists = errors.New("inbox already exists")
	// ErrRateLimited indicates the rate limit has been exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ResourceType indicates which type of resource an error relates to.
type ResourceType string

const (
	ResourceUnknown ResourceType = ""
	ResourceInbox   ResourceType = "inbox"
	ResourceEmail   ResourceType = "email"
)

// APIError represents an HTTP error from the VaultSandbox API.
type APIError struct {
	StatusCode   int
	Message      string
	RequestID    string
	ResourceType ResourceType
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error %d", e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RequestID != "" {
		msg += " (request_id: " + e.RequestID + ")"
	}
	return msg
}

// Is implements errors.Is for sentinel error matching.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case 401, 403:
		return target == ErrUnauthorized
	case 404:
		switch e.ResourceType {
		case ResourceInbox:
			return target == ErrInboxNotFound
		case ResourceEmail:
			return target == ErrEmailNotFound
		default:
			return target == ErrInboxNotFound || target == ErrEmailNotFound
		}
	case 409:
		return target == ErrInboxAlreadyExists
	case 429:
		return target == ErrRateLimited
	}
	return false
}

// WithResourceType returns a copy of err with the resource type set.
// Errors that are not *APIError are returned unchanged.
func WithResourceType(err error, rt ResourceType) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	cp := *apiErr
	cp.ResourceType = rt
	return &cp
}

// NetworkError represents a network-level failure after all retries.
type NetworkError struct {
	Err     error
	URL     string
	Attempt int
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error after %d attempt(s): %v", e.Attempt, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
