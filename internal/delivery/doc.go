// Package delivery tells the client when new emails arrive.
//
// Three [Strategy] implementations are provided:
//
//   - [SSEStrategy] keeps one event stream open for every monitored inbox
//     and reconnects with exponential backoff. Adding or removing an
//     inbox reconnects with the new set.
//   - [PollingStrategy] checks each inbox's sync hash and lists emails
//     only when it changes. Idle inboxes back off from 2s to 30s with
//     jitter.
//   - [AutoStrategy] starts with SSE and falls back to polling when the
//     stream cannot be established.
//
// Usage:
//
//	s := delivery.NewSSEStrategy(delivery.Config{APIClient: apiClient})
//	s.Start(ctx, nil, func(ctx context.Context, ev *api.SSEEvent) error {
//	    return fetch(ctx, ev.InboxID, ev.EmailID)
//	})
//	defer s.Stop()
//	s.AddInbox(delivery.InboxInfo{Hash: hash, EmailAddress: addr})
package delivery
