package delivery

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vaultsandbox/resetcheck/internal/api"
)

// maxEventSize bounds a single SSE line. Encrypted metadata runs to a
// few kilobytes.
const maxEventSize = 1 << 20

var errNoAPIClient = errors.New("sse: API client is nil")

// SSEStrategy delivers emails over the server's event stream. It keeps a
// single connection for all monitored inboxes and reconnects with
// exponential backoff. Changing the inbox set forces a reconnect.
type SSEStrategy struct {
	cfg         Config
	log         *zap.Logger
	inboxHashes map[string]struct{}
	handler     EventHandler
	onReconnect func(ctx context.Context)
	cancel      context.CancelFunc
	connCancel  context.CancelFunc
	changed     bool
	wake        chan struct{}
	mu          sync.RWMutex
	started     bool
	lastError   error

	attempting     chan struct{}
	attemptingOnce sync.Once
	connected      chan struct{}
	connectedOnce  sync.Once
	failed         chan struct{}
	failedOnce     sync.Once
}

// NewSSEStrategy creates an SSE strategy.
func NewSSEStrategy(cfg Config) *SSEStrategy {
	cfg = cfg.withDefaults()
	return &SSEStrategy{
		cfg:         cfg,
		log:         cfg.Logger.Named("sse"),
		inboxHashes: make(map[string]struct{}),
		wake:        make(chan struct{}, 1),
		attempting:  make(chan struct{}),
		connected:   make(chan struct{}),
		failed:      make(chan struct{}),
	}
}

func (s *SSEStrategy) Name() string { return "sse" }

// Connected is closed once the first connection succeeds.
func (s *SSEStrategy) Connected() <-chan struct{} { return s.connected }

// Failed is closed if the first connection attempt fails before any
// connection has succeeded.
func (s *SSEStrategy) Failed() <-chan struct{} { return s.failed }

// Attempting is closed when the first connection attempt begins.
func (s *SSEStrategy) Attempting() <-chan struct{} { return s.attempting }

// LastError returns the most recent connection error.
func (s *SSEStrategy) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

func (s *SSEStrategy) OnReconnect(fn func(ctx context.Context)) {
	s.mu.Lock()
	s.onReconnect = fn
	s.mu.Unlock()
}

// Start launches the connect loop. With no inboxes the loop idles until
// one is added.
func (s *SSEStrategy) Start(ctx context.Context, inboxes []InboxInfo, handler EventHandler) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	for _, inbox := range inboxes {
		s.inboxHashes[inbox.Hash] = struct{}{}
	}
	s.handler = handler
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.connectLoop(ctx)
	return nil
}

func (s *SSEStrategy) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *SSEStrategy) AddInbox(inbox InboxInfo) error {
	s.mu.Lock()
	if _, ok := s.inboxHashes[inbox.Hash]; !ok {
		s.inboxHashes[inbox.Hash] = struct{}{}
		s.markChangedLocked()
	}
	s.mu.Unlock()
	return nil
}

func (s *SSEStrategy) RemoveInbox(inboxHash string) error {
	s.mu.Lock()
	if _, ok := s.inboxHashes[inboxHash]; ok {
		delete(s.inboxHashes, inboxHash)
		s.markChangedLocked()
	}
	s.mu.Unlock()
	return nil
}

// markChangedLocked drops the live connection so the loop reconnects
// with the new inbox set.
func (s *SSEStrategy) markChangedLocked() {
	s.changed = true
	if s.connCancel != nil {
		s.connCancel()
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *SSEStrategy) takeChanged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.changed
	s.changed = false
	return c
}

func (s *SSEStrategy) hashes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.inboxHashes))
	for h := range s.inboxHashes {
		out = append(out, h)
	}
	return out
}

func (s *SSEStrategy) connectLoop(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		hashes := s.hashes()
		if len(hashes) == 0 {
			s.takeChanged()
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		s.attemptingOnce.Do(func() { close(s.attempting) })
		connectedNow, err := s.connect(ctx, hashes)
		if ctx.Err() != nil {
			return
		}
		if s.takeChanged() {
			select {
			case <-s.wake:
			default:
			}
			attempts = 0
			continue
		}
		if connectedNow {
			attempts = 0
		}
		if err != nil {
			s.mu.Lock()
			s.lastError = err
			s.mu.Unlock()
			select {
			case <-s.connected:
			default:
				s.failedOnce.Do(func() { close(s.failed) })
			}
		}

		attempts++
		if attempts > s.cfg.SSEMaxReconnectAttempts {
			s.log.Error("giving up on event stream", zap.Int("attempts", attempts-1), zap.Error(err))
			return
		}
		wait := s.cfg.SSEReconnectInterval * time.Duration(1<<(attempts-1))
		s.log.Info("event stream disconnected, reconnecting",
			zap.Duration("wait", wait), zap.Int("attempt", attempts), zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			s.takeChanged()
			attempts = 0
		case <-timer.C:
		}
	}
}

// connect holds one stream open until it ends. connected reports whether
// the stream was established.
func (s *SSEStrategy) connect(ctx context.Context, hashes []string) (connected bool, err error) {
	if s.cfg.APIClient == nil {
		return false, errNoAPIClient
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.connCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.connCancel = nil
		s.mu.Unlock()
	}()

	resp, err := s.cfg.APIClient.OpenEventStream(connCtx, hashes)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	s.connectedOnce.Do(func() { close(s.connected) })
	s.log.Debug("event stream connected", zap.Int("inboxes", len(hashes)))

	s.mu.RLock()
	handler := s.handler
	onReconnect := s.onReconnect
	s.mu.RUnlock()
	if onReconnect != nil {
		go onReconnect(ctx)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var data []string
	dispatch := func() {
		if len(data) == 0 {
			return
		}
		payload := strings.Join(data, "\n")
		data = data[:0]

		var event api.SSEEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			s.log.Debug("skip malformed event", zap.Error(err))
			return
		}
		if event.EmailID == "" || handler == nil {
			return
		}
		if err := handler(ctx, &event); err != nil {
			s.log.Warn("handle email", zap.String("email_id", event.EmailID), zap.Error(err))
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	dispatch()

	if err := scanner.Err(); err != nil {
		return true, err
	}
	return true, errors.New("sse: stream closed by server")
}
