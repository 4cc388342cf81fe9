package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/vaultsandbox/resetcheck/internal/sandboxtest"
)

func TestInbox_Watch_ReceivesEmails(t *testing.T) {
	t.Parallel()
	client := &Client{subs: newSubscriptionManager()}
	inbox := &Inbox{inboxHash: "h", client: client}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := inbox.Watch(ctx)

	client.subs.notify("h", &Email{ID: "email-1", Subject: "Test"})
	select {
	case e := <-ch:
		if e.ID != "email-1" {
			t.Errorf("ID = %q, want email-1", e.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive email")
	}
}

func TestInbox_Watch_UnsubscribesOnCancel(t *testing.T) {
	t.Parallel()
	client := &Client{subs: newSubscriptionManager()}
	inbox := &Inbox{inboxHash: "h", client: client}

	ctx, cancel := context.WithCancel(context.Background())
	inbox.Watch(ctx)
	if client.subs.count("h") != 1 {
		t.Fatalf("subscriptions = %d, want 1", client.subs.count("h"))
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for client.subs.count("h") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInbox_WatchFunc(t *testing.T) {
	t.Parallel()
	client := &Client{subs: newSubscriptionManager()}
	inbox := &Inbox{inboxHash: "h", client: client}

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		inbox.WatchFunc(ctx, func(e *Email) {
			got <- e.ID
			cancel()
		})
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for client.subs.count("h") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	client.subs.notify("h", &Email{ID: "e1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WatchFunc did not return after cancel")
	}
	if id := <-got; id != "e1" {
		t.Errorf("got %q, want e1", id)
	}
}

func TestWaitForEmail_Existing(t *testing.T) {
	t.Parallel()
	c, srv := newTestClient(t, sandboxtest.Config{})
	inbox := newTestInbox(t, c)
	srv.Deliver(inbox.EmailAddress(), sandboxtest.Message{From: "a@example.com", Subject: "Welcome"})
	srv.Deliver(inbox.EmailAddress(), resetMessage)

	e, err := inbox.WaitForEmail(context.Background(),
		WithSubjectRegex(regexp.MustCompile(`(?i)reset`)),
		WithWaitTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("WaitForEmail() error = %v", err)
	}
	if e.Subject != resetMessage.Subject {
		t.Errorf("Subject = %q, want %q", e.Subject, resetMessage.Subject)
	}
}

func TestWaitForEmail_Arrives(t *testing.T) {
	t.Parallel()
	strategies := []DeliveryStrategy{StrategySSE, StrategyPolling, StrategyAuto}
	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			t.Parallel()
			c, srv := newTestClient(t, sandboxtest.Config{},
				WithDeliveryStrategy(strategy),
				WithPollingInitialInterval(20*time.Millisecond),
				WithPollingMaxBackoff(50*time.Millisecond))
			inbox := newTestInbox(t, c)

			go func() {
				time.Sleep(100 * time.Millisecond)
				srv.Deliver(inbox.EmailAddress(), resetMessage)
			}()

			e, err := inbox.WaitForEmail(context.Background(),
				WithFrom(resetMessage.From),
				WithWaitTimeout(10*time.Second))
			if err != nil {
				t.Fatalf("WaitForEmail() error = %v", err)
			}
			if e.From != resetMessage.From {
				t.Errorf("From = %q", e.From)
			}
		})
	}
}

func TestWaitForEmail_Timeout(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, sandboxtest.Config{})
	inbox := newTestInbox(t, c)

	_, err := inbox.WaitForEmail(context.Background(),
		WithSubject("never"),
		WithWaitTimeout(100*time.Millisecond))
	if !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("error = %v, want ErrWaitTimeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %T, want *TimeoutError", err)
	}
	if te.Operation != "WaitForEmail" || te.Timeout != 100*time.Millisecond {
		t.Errorf("TimeoutError = %+v", te)
	}
}

func TestWaitForEmail_CallerCancel(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, sandboxtest.Config{})
	inbox := newTestInbox(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := inbox.WaitForEmail(ctx, WithSubject("never"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrWaitTimeout) {
		t.Error("cancellation reported as timeout")
	}
}

func TestWaitForEmailCount(t *testing.T) {
	t.Parallel()
	c, srv := newTestClient(t, sandboxtest.Config{})
	inbox := newTestInbox(t, c)
	ctx := context.Background()

	if _, err := inbox.WaitForEmailCount(ctx, -1); err == nil {
		t.Error("negative count should fail")
	}
	got, err := inbox.WaitForEmailCount(ctx, 0)
	if err != nil || len(got) != 0 {
		t.Errorf("WaitForEmailCount(0) = %v, %v", got, err)
	}

	srv.Deliver(inbox.EmailAddress(), sandboxtest.Message{Subject: "msg 0"})
	go func() {
		for i := 1; i < 4; i++ {
			time.Sleep(30 * time.Millisecond)
			srv.Deliver(inbox.EmailAddress(), sandboxtest.Message{Subject: fmt.Sprintf("msg %d", i)})
		}
	}()

	emails, err := inbox.WaitForEmailCount(ctx, 3,
		WithSubjectRegex(regexp.MustCompile(`^msg \d$`)),
		WithWaitTimeout(10*time.Second))
	if err != nil {
		t.Fatalf("WaitForEmailCount() error = %v", err)
	}
	if len(emails) != 3 {
		t.Fatalf("got %d emails, want 3", len(emails))
	}
	ids := map[string]bool{}
	for _, e := range emails {
		if ids[e.ID] {
			t.Errorf("duplicate email %s", e.ID)
		}
		ids[e.ID] = true
	}
}

func TestWaitForEmailCount_TimeoutReportsProgress(t *testing.T) {
	t.Parallel()
	c, srv := newTestClient(t, sandboxtest.Config{})
	inbox := newTestInbox(t, c)
	srv.Deliver(inbox.EmailAddress(), sandboxtest.Message{Subject: "only one"})

	_, err := inbox.WaitForEmailCount(context.Background(), 2, WithWaitTimeout(150*time.Millisecond))
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if te.Seen != 1 {
		t.Errorf("Seen = %d, want 1", te.Seen)
	}
}
