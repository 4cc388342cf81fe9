package delivery

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vaultsandbox/resetcheck/internal/api"
)

// PollingStrategy delivers emails by polling each inbox's sync status and
// listing emails only when the hash changes. Idle inboxes back off.
type PollingStrategy struct {
	cfg     Config
	log     *zap.Logger
	inboxes map[string]*polledInbox // keyed by hash
	handler EventHandler
	cancel  context.CancelFunc
	wake    chan struct{}
	mu      sync.RWMutex
	started bool
}

type polledInbox struct {
	hash         string
	emailAddress string
	lastHash     string
	seen         map[string]struct{}
	interval     time.Duration
	nextPoll     time.Time
}

// NewPollingStrategy creates a polling strategy.
func NewPollingStrategy(cfg Config) *PollingStrategy {
	cfg = cfg.withDefaults()
	return &PollingStrategy{
		cfg:     cfg,
		log:     cfg.Logger.Named("polling"),
		inboxes: make(map[string]*polledInbox),
		wake:    make(chan struct{}, 1),
	}
}

func (p *PollingStrategy) Name() string { return "polling" }

// OnReconnect is a no-op: polling has no persistent connection.
func (p *PollingStrategy) OnReconnect(func(ctx context.Context)) {}

func (p *PollingStrategy) newInbox(info InboxInfo) *polledInbox {
	return &polledInbox{
		hash:         info.Hash,
		emailAddress: info.EmailAddress,
		seen:         make(map[string]struct{}),
		interval:     p.cfg.PollingInitialInterval,
	}
}

// Start begins polling in the background.
func (p *PollingStrategy) Start(ctx context.Context, inboxes []InboxInfo, handler EventHandler) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.handler = handler
	for _, info := range inboxes {
		p.inboxes[info.Hash] = p.newInbox(info)
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	go p.pollLoop(ctx)
	return nil
}

// Stop cancels the poll loop.
func (p *PollingStrategy) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.started = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// AddInbox starts polling an inbox on the next loop iteration.
func (p *PollingStrategy) AddInbox(info InboxInfo) error {
	p.mu.Lock()
	if _, ok := p.inboxes[info.Hash]; !ok {
		p.inboxes[info.Hash] = p.newInbox(info)
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *PollingStrategy) RemoveInbox(inboxHash string) error {
	p.mu.Lock()
	delete(p.inboxes, inboxHash)
	p.mu.Unlock()
	return nil
}

func (p *PollingStrategy) pollLoop(ctx context.Context) {
	for {
		wait := p.pollDue(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// pollDue polls every inbox whose next poll time has passed and returns
// how long to sleep until the next one is due.
func (p *PollingStrategy) pollDue(ctx context.Context) time.Duration {
	p.mu.RLock()
	due := make([]*polledInbox, 0, len(p.inboxes))
	for _, inbox := range p.inboxes {
		due = append(due, inbox)
	}
	p.mu.RUnlock()

	now := time.Now()
	wait := p.cfg.PollingInitialInterval
	first := true
	for _, inbox := range due {
		if ctx.Err() != nil {
			return wait
		}
		if !inbox.nextPoll.After(now) {
			p.pollInbox(ctx, inbox)
			inbox.nextPoll = time.Now().Add(p.jittered(inbox.interval))
		}
		if d := time.Until(inbox.nextPoll); first || d < wait {
			wait = max(d, time.Millisecond)
			first = false
		}
	}
	return wait
}

func (p *PollingStrategy) pollInbox(ctx context.Context, inbox *polledInbox) {
	if p.cfg.APIClient == nil {
		return
	}

	status, err := p.cfg.APIClient.GetInboxSync(ctx, inbox.emailAddress)
	if err != nil {
		p.log.Debug("sync status failed", zap.String("inbox", inbox.emailAddress), zap.Error(err))
		p.backoff(inbox)
		return
	}
	if status.EmailsHash == inbox.lastHash {
		p.backoff(inbox)
		return
	}

	emails, err := p.cfg.APIClient.GetEmails(ctx, inbox.emailAddress, false)
	if err != nil {
		p.log.Debug("list emails failed", zap.String("inbox", inbox.emailAddress), zap.Error(err))
		p.backoff(inbox)
		return
	}
	inbox.lastHash = status.EmailsHash
	inbox.interval = p.cfg.PollingInitialInterval

	p.mu.RLock()
	handler := p.handler
	_, live := p.inboxes[inbox.hash]
	p.mu.RUnlock()
	if !live {
		return
	}

	for _, email := range emails {
		if _, seen := inbox.seen[email.ID]; seen {
			continue
		}
		inbox.seen[email.ID] = struct{}{}
		if handler == nil {
			continue
		}
		event := &api.SSEEvent{
			InboxID:           inbox.hash,
			EmailID:           email.ID,
			EncryptedMetadata: email.EncryptedMetadata,
		}
		if err := handler(ctx, event); err != nil {
			p.log.Warn("handle email", zap.String("email_id", email.ID), zap.Error(err))
		}
	}
}

func (p *PollingStrategy) backoff(inbox *polledInbox) {
	next := time.Duration(float64(inbox.interval) * p.cfg.PollingBackoffMultiplier)
	inbox.interval = min(next, p.cfg.PollingMaxBackoff)
}

func (p *PollingStrategy) jittered(d time.Duration) time.Duration {
	return d + time.Duration(rand.Float64()*p.cfg.PollingJitterFactor*float64(d))
}
