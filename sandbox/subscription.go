package sandbox

import (
	"sync"
	"sync/atomic"
)

type subscription struct {
	id       uint64
	callback func(*Email)
	active   atomic.Bool
}

// subscriptionManager fans emails out to per-inbox callbacks. A callback
// is never invoked once its unsubscribe function has returned.
type subscriptionManager struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*subscription // inbox hash -> id -> sub
	nextID atomic.Uint64
}

func newSubscriptionManager() *subscriptionManager {
	return &subscriptionManager{subs: make(map[string]map[uint64]*subscription)}
}

// subscribe registers callback for emails arriving at inboxHash and
// returns its unsubscribe function, which is safe to call more than once.
func (m *subscriptionManager) subscribe(inboxHash string, callback func(*Email)) func() {
	sub := &subscription{id: m.nextID.Add(1), callback: callback}
	sub.active.Store(true)

	m.mu.Lock()
	if m.subs[inboxHash] == nil {
		m.subs[inboxHash] = make(map[uint64]*subscription)
	}
	m.subs[inboxHash][sub.id] = sub
	m.mu.Unlock()

	return func() { m.unsubscribe(inboxHash, sub.id) }
}

func (m *subscriptionManager) unsubscribe(inboxHash string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inboxSubs := m.subs[inboxHash]
	sub, ok := inboxSubs[id]
	if !ok {
		return
	}
	sub.active.Store(false)
	delete(inboxSubs, id)
	if len(inboxSubs) == 0 {
		delete(m.subs, inboxHash)
	}
}

// notify invokes the active callbacks for inboxHash outside the lock.
func (m *subscriptionManager) notify(inboxHash string, email *Email) {
	m.mu.RLock()
	subs := make([]*subscription, 0, len(m.subs[inboxHash]))
	for _, sub := range m.subs[inboxHash] {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		if sub.active.Load() {
			sub.callback(email)
		}
	}
}

func (m *subscriptionManager) count(inboxHash string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[inboxHash])
}

func (m *subscriptionManager) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inboxSubs := range m.subs {
		for _, sub := range inboxSubs {
			sub.active.Store(false)
		}
	}
	m.subs = make(map[string]map[uint64]*subscription)
}
