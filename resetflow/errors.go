package resetflow

import "errors"

var (
	// ErrNoResetLink is returned when no link in the email matches.
	ErrNoResetLink = errors.New("no reset link found")

	// ErrNoToken is returned when the reset link carries no token.
	ErrNoToken = errors.New("no token in reset link")

	// ErrInvalidFlow wraps flow validation failures.
	ErrInvalidFlow = errors.New("invalid flow")

	// ErrNotJWT is returned by ParseJWT for tokens that are not JWTs.
	ErrNotJWT = errors.New("token is not a JWT")
)
