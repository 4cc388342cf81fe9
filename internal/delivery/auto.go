package delivery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AutoStrategy starts with SSE and switches to polling if the first
// connection fails or does not come up within SSEConnectionTimeout.
type AutoStrategy struct {
	cfg         Config
	log         *zap.Logger
	mu          sync.Mutex
	current     Strategy
	inboxes     map[string]InboxInfo
	handler     EventHandler
	onReconnect func(ctx context.Context)
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewAutoStrategy creates an auto strategy.
func NewAutoStrategy(cfg Config) *AutoStrategy {
	cfg = cfg.withDefaults()
	return &AutoStrategy{
		cfg:     cfg,
		log:     cfg.Logger.Named("auto"),
		inboxes: make(map[string]InboxInfo),
	}
}

func (a *AutoStrategy) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return "auto:" + a.current.Name()
	}
	return "auto"
}

// Start begins with SSE and decides in the background.
func (a *AutoStrategy) Start(ctx context.Context, inboxes []InboxInfo, handler EventHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return ErrAlreadyStarted
	}
	for _, info := range inboxes {
		a.inboxes[info.Hash] = info
	}
	a.handler = handler
	a.ctx, a.cancel = context.WithCancel(ctx)

	sse := NewSSEStrategy(a.cfg)
	if a.onReconnect != nil {
		sse.OnReconnect(a.onReconnect)
	}
	if err := sse.Start(a.ctx, inboxes, handler); err != nil {
		return a.startPollingLocked()
	}
	a.current = sse
	go a.watch(sse)
	return nil
}

func (a *AutoStrategy) watch(sse *SSEStrategy) {
	select {
	case <-sse.Attempting():
	case <-a.ctx.Done():
		return
	}

	timer := time.NewTimer(a.cfg.SSEConnectionTimeout)
	defer timer.Stop()
	select {
	case <-sse.Connected():
		return
	case <-sse.Failed():
		a.log.Warn("event stream unavailable, switching to polling", zap.Error(sse.LastError()))
	case <-timer.C:
		a.log.Warn("event stream connect timed out, switching to polling",
			zap.Duration("timeout", a.cfg.SSEConnectionTimeout))
	case <-a.ctx.Done():
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != sse || a.ctx.Err() != nil {
		return
	}
	sse.Stop()
	if err := a.startPollingLocked(); err != nil {
		a.log.Error("start polling", zap.Error(err))
	}
}

func (a *AutoStrategy) startPollingLocked() error {
	inboxes := make([]InboxInfo, 0, len(a.inboxes))
	for _, info := range a.inboxes {
		inboxes = append(inboxes, info)
	}
	polling := NewPollingStrategy(a.cfg)
	if err := polling.Start(a.ctx, inboxes, a.handler); err != nil {
		return err
	}
	a.current = polling
	return nil
}

func (a *AutoStrategy) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	if a.current != nil {
		return a.current.Stop()
	}
	return nil
}

func (a *AutoStrategy) AddInbox(info InboxInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inboxes[info.Hash] = info
	if a.current != nil {
		return a.current.AddInbox(info)
	}
	return nil
}

func (a *AutoStrategy) RemoveInbox(inboxHash string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inboxes, inboxHash)
	if a.current != nil {
		return a.current.RemoveInbox(inboxHash)
	}
	return nil
}

func (a *AutoStrategy) OnReconnect(fn func(ctx context.Context)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onReconnect = fn
	if a.current != nil {
		a.current.OnReconnect(fn)
	}
}
