// Package history keeps the reports of past flow runs.
package history

import (
	"context"
	"sync"

	"github.com/vaultsandbox/resetcheck/resetflow"
)

// Store persists reports and lists recent ones.
type Store interface {
	resetflow.RunRecorder
	// Recent returns up to limit reports for flow, newest first.
	Recent(ctx context.Context, flow string, limit int) ([]*resetflow.Report, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// MemoryStore keeps the last size reports of each flow.
type MemoryStore struct {
	mu    sync.RWMutex
	size  int
	rings map[string]*ring
}

type ring struct {
	buf  []*resetflow.Report
	next int
	full bool
}

// NewMemoryStore returns a store holding size reports per flow.
func NewMemoryStore(size int) *MemoryStore {
	if size < 1 {
		size = 1
	}
	return &MemoryStore{size: size, rings: make(map[string]*ring)}
}

// Record stores report, evicting the oldest report of its flow when full.
func (s *MemoryStore) Record(_ context.Context, report *resetflow.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[report.Flow]
	if !ok {
		r = &ring{buf: make([]*resetflow.Report, s.size)}
		s.rings[report.Flow] = r
	}
	r.buf[r.next] = report
	r.next = (r.next + 1) % s.size
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// Recent returns up to limit reports for flow, newest first. A limit of
// zero returns every stored report.
func (s *MemoryStore) Recent(_ context.Context, flow string, limit int) ([]*resetflow.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rings[flow]
	if !ok {
		return nil, nil
	}
	n := r.next
	if r.full {
		n = s.size
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*resetflow.Report, 0, limit)
	for i := 1; i <= limit; i++ {
		out = append(out, r.buf[(r.next-i+s.size)%s.size])
	}
	return out, nil
}
