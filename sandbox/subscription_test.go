package sandbox

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestSubscriptionManager_NotifyAndUnsubscribe(t *testing.T) {
	m := newSubscriptionManager()
	var a, b atomic.Int32

	unsubA := m.subscribe("h1", func(*Email) { a.Add(1) })
	m.subscribe("h1", func(*Email) { b.Add(1) })
	m.subscribe("h2", func(*Email) { t.Error("wrong inbox notified") })

	m.notify("h1", &Email{ID: "1"})
	unsubA()
	unsubA()
	m.notify("h1", &Email{ID: "2"})

	if a.Load() != 1 || b.Load() != 2 {
		t.Errorf("calls = %d/%d, want 1/2", a.Load(), b.Load())
	}
	if m.count("h1") != 1 {
		t.Errorf("count(h1) = %d, want 1", m.count("h1"))
	}
}

func TestSubscriptionManager_Clear(t *testing.T) {
	m := newSubscriptionManager()
	var calls atomic.Int32
	m.subscribe("h", func(*Email) { calls.Add(1) })

	m.clear()
	m.notify("h", &Email{})
	if calls.Load() != 0 || m.count("h") != 0 {
		t.Errorf("calls = %d, count = %d after clear", calls.Load(), m.count("h"))
	}
}

func TestSubscriptionManager_Concurrent(t *testing.T) {
	m := newSubscriptionManager()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := m.subscribe("h", func(*Email) {})
			unsub()
		}()
		go func() {
			defer wg.Done()
			m.notify("h", &Email{})
		}()
	}
	wg.Wait()
	if m.count("h") != 0 {
		t.Errorf("count = %d, want 0", m.count("h"))
	}
}
