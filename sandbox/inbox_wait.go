package sandbox

import (
	"context"
	"fmt"
)

// Watch returns a channel that receives emails as they arrive. Emails are
// dropped when the 16-slot buffer is full. The channel is never closed;
// select on ctx.Done() to stop.
func (i *Inbox) Watch(ctx context.Context) <-chan *Email {
	ch := make(chan *Email, 16)
	unsubscribe := i.client.subs.subscribe(i.inboxHash, func(email *Email) {
		select {
		case ch <- email:
		default:
		}
	})
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return ch
}

// WatchFunc calls fn for each arriving email until ctx is cancelled.
func (i *Inbox) WatchFunc(ctx context.Context, fn func(*Email)) {
	emails := i.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case email := <-emails:
			fn(email)
		}
	}
}

func newWaitConfig(opts []WaitOption) *waitConfig {
	cfg := &waitConfig{timeout: defaultWaitTimeout}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WaitForEmail returns the first email matching every given criterion,
// whether it arrived before the call or during it. When the wait timeout
// passes first the error is a *TimeoutError.
func (i *Inbox) WaitForEmail(ctx context.Context, opts ...WaitOption) (*Email, error) {
	emails, err := i.waitFor(ctx, "WaitForEmail", 1, newWaitConfig(opts))
	if err != nil {
		return nil, err
	}
	return emails[0], nil
}

// WaitForEmailCount returns exactly count distinct matching emails.
func (i *Inbox) WaitForEmailCount(ctx context.Context, count int, opts ...WaitOption) ([]*Email, error) {
	if count < 0 {
		return nil, fmt.Errorf("count must be non-negative, got %d", count)
	}
	if count == 0 {
		return []*Email{}, nil
	}
	return i.waitFor(ctx, "WaitForEmailCount", count, newWaitConfig(opts))
}

func (i *Inbox) waitFor(ctx context.Context, op string, count int, cfg *waitConfig) ([]*Email, error) {
	if err := i.client.checkClosed(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	seen := make(map[string]struct{})
	var results []*Email
	add := func(e *Email) bool {
		if e == nil {
			return false
		}
		if _, dup := seen[e.ID]; dup || !cfg.matches(e) {
			return false
		}
		seen[e.ID] = struct{}{}
		results = append(results, e)
		return len(results) >= count
	}

	// Subscribe before listing so an email arriving in between is not lost.
	emails := i.Watch(ctx)

	existing, err := i.GetEmails(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, waitError(ctx, op, cfg.timeout, len(results))
		}
		return nil, err
	}
	for _, e := range existing {
		if add(e) {
			return results[:count], nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, waitError(ctx, op, cfg.timeout, len(results))
		case e := <-emails:
			if add(e) {
				return results[:count], nil
			}
		}
	}
}
