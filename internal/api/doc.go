// Package api is the HTTP transport for the VaultSandbox API. It handles
// authentication, JSON request/response serialization and retries with
// exponential backoff for transient failures.
//
// The API key is sent via the X-API-Key header on every request. By
// default requests are retried up to 3 times on 408, 429, 500, 502, 503
// and 504; use [WithRetries], [WithRetryDelay] and [WithRetryOn] to tune
// this.
//
// Errors returned by the server are [*APIError] values that match the
// package sentinels with errors.Is:
//
//	if errors.Is(err, api.ErrInboxNotFound) {
//	    // Handle missing inbox
//	}
//
// The [Client] type is safe for concurrent use.
package api
