// Package resetflow checks password-reset emails end to end.
//
// A [Flow] describes how to ask an application for a reset email and what
// a good one looks like. [Runner.Run] creates a disposable inbox,
// triggers the application, waits for the email and evaluates it: the
// subject and sender, the reset link and its host, the strength and
// lifetime of the token, sender authentication (SPF, DKIM, DMARC) and,
// optionally, that the link works exactly once.
//
// Tokens never leave the package in clear text. Reports carry a SHA-256
// fingerprint instead, which is also what [TokenLedger] implementations
// store to detect reuse across runs.
package resetflow
