package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vaultsandbox/resetcheck/internal/api"
	"github.com/vaultsandbox/resetcheck/internal/crypto"
)

// Sentinel errors for errors.Is checks. API failures are returned as
// *APIError values that match the HTTP-derived sentinels.
var (
	ErrMissingAPIKey      = api.ErrMissingAPIKey
	ErrUnauthorized       = api.ErrUnauthorized
	ErrInboxNotFound      = api.ErrInboxNotFound
	ErrEmailNotFound      = api.ErrEmailNotFound
	ErrInboxAlreadyExists = api.ErrInboxAlreadyExists
	ErrRateLimited        = api.ErrRateLimited

	ErrDecryptionFailed  = crypto.ErrDecryptionFailed
	ErrSignatureInvalid  = crypto.ErrSignatureVerificationFailed
	ErrServerKeyMismatch = crypto.ErrServerKeyMismatch

	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("client has been closed")

	// ErrWaitTimeout is matched by the *TimeoutError a wait returns when no
	// matching email arrived in time.
	ErrWaitTimeout = errors.New("timed out waiting for email")

	// ErrInvalidTTL is returned by CreateInbox for a TTL outside the
	// allowed range.
	ErrInvalidTTL = errors.New("invalid inbox TTL")

	// ErrEncryptionPolicy is returned when an inbox encryption preference
	// conflicts with the server policy.
	ErrEncryptionPolicy = errors.New("encryption preference not allowed by server policy")
)

// APIError is an HTTP error from the VaultSandbox API.
type APIError = api.APIError

// NetworkError is a transport-level failure.
type NetworkError = api.NetworkError

// TimeoutError reports a wait that ended without a match. It matches both
// ErrWaitTimeout and context.DeadlineExceeded.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
	// Seen is the number of matching emails found before the deadline.
	Seen int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrWaitTimeout || target == context.DeadlineExceeded
}

// waitError converts a context error at the end of a wait. Cancellation
// by the caller is returned unchanged.
func waitError(ctx context.Context, op string, timeout time.Duration, seen int) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Operation: op, Timeout: timeout, Seen: seen}
	}
	return ctx.Err()
}
