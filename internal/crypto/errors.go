package crypto

import "errors"

var (
	// ErrInvalidSecretKeySize is returned when a secret key has the wrong length.
	ErrInvalidSecretKeySize = errors.New("invalid secret key size")

	// ErrSignatureVerificationFailed is returned when a payload signature does not verify.
	ErrSignatureVerificationFailed = errors.New("signature verification failed")

	// ErrServerKeyMismatch is returned when the payload's server key differs
	// from the key pinned at inbox creation.
	ErrServerKeyMismatch = errors.New("server public key mismatch: payload key differs from pinned key")

	// ErrDecryptionFailed is returned when AES-GCM authentication fails.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidPayload is returned for malformed payloads: bad encoding,
	// wrong field sizes or an unsupported version or algorithm.
	ErrInvalidPayload = errors.New("invalid payload")
)
