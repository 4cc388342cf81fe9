// Package ledger remembers reset token fingerprints so a token issued
// twice is reported by the token_unique check.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaultsandbox/resetcheck/resetflow"
)

// Ledger records fingerprints per flow.
type Ledger interface {
	resetflow.TokenLedger
}

var (
	_ Ledger = (*Memory)(nil)
	_ Ledger = (*Redis)(nil)
)

// Memory is a process-local ledger. Entries expire after the TTL given to
// NewMemory; zero keeps them forever.
type Memory struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

// NewMemory returns an empty in-memory ledger.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

// Seen records fingerprint and reports whether it was already recorded.
func (m *Memory) Seen(_ context.Context, flow, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := flow + "\x00" + fingerprint
	if at, ok := m.seen[key]; ok && (m.ttl == 0 || now.Sub(at) < m.ttl) {
		return true, nil
	}
	m.seen[key] = now
	if m.ttl > 0 && len(m.seen)%256 == 0 {
		m.prune(now)
	}
	return false, nil
}

func (m *Memory) prune(now time.Time) {
	for k, at := range m.seen {
		if now.Sub(at) >= m.ttl {
			delete(m.seen, k)
		}
	}
}

// Len returns the number of recorded fingerprints.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

// Redis stores fingerprints as keys with a TTL so several resetcheck
// instances share one ledger.
type Redis struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedis returns a ledger backed by rdb. Keys expire after ttl.
func NewRedis(rdb redis.Cmdable, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl, prefix: "resetcheck:token:"}
}

func (r *Redis) key(flow, fingerprint string) string {
	return fmt.Sprintf("%s%s:%s", r.prefix, flow, fingerprint)
}

// Seen uses SETNX: the first caller for a fingerprint sets the key and
// gets false.
func (r *Redis) Seen(ctx context.Context, flow, fingerprint string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.key(flow, fingerprint), time.Now().Unix(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ledger: %w", err)
	}
	return !ok, nil
}
