package sandbox

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vaultsandbox/resetcheck/internal/api"
	"github.com/vaultsandbox/resetcheck/internal/crypto"
	"github.com/vaultsandbox/resetcheck/internal/delivery"
)

// TTL limits for inbox creation. The server may impose a lower maximum.
const (
	MinTTL = 60 * time.Second
	MaxTTL = 7 * 24 * time.Hour
)

// eventTimeout bounds fetching and decoding an email after a delivery
// notification.
const eventTimeout = 30 * time.Second

// Environment variables read by NewFromEnv.
const (
	EnvURL    = "VAULTSANDBOX_URL"
	EnvAPIKey = "VAULTSANDBOX_API_KEY"
)

// EncryptionPolicy is the server's policy for inbox encryption.
type EncryptionPolicy = api.EncryptionPolicy

const (
	EncryptionPolicyAlways   = api.EncryptionPolicyAlways
	EncryptionPolicyEnabled  = api.EncryptionPolicyEnabled
	EncryptionPolicyDisabled = api.EncryptionPolicyDisabled
	EncryptionPolicyNever    = api.EncryptionPolicyNever
)

// ServerInfo contains server configuration.
type ServerInfo struct {
	AllowedDomains   []string
	MaxTTL           time.Duration
	DefaultTTL       time.Duration
	EncryptionPolicy EncryptionPolicy
}

// syncState is the set of email IDs already delivered to subscribers of
// one inbox.
type syncState struct {
	seen map[string]struct{}
}

func (s *syncState) emailsHash() string {
	ids := make([]string, 0, len(s.seen))
	for id := range s.seen {
		ids = append(ids, id)
	}
	return delivery.EmailsHash(ids)
}

// Client manages inboxes on a VaultSandbox server. It is safe for
// concurrent use.
type Client struct {
	apiClient  *api.Client
	strategy   delivery.Strategy
	serverInfo *api.ServerInfo
	logger     *zap.Logger

	mu            sync.RWMutex
	inboxes       map[string]*Inbox // by email address
	inboxesByHash map[string]*Inbox
	syncStates    map[string]*syncState // by inbox hash
	closed        bool

	subs *subscriptionManager

	strategyCancel context.CancelFunc
	onSyncError    func(error)
}

func buildAPIClient(apiKey string, cfg *clientConfig) (*api.Client, error) {
	opts := []api.Option{api.WithBaseURL(cfg.baseURL)}
	if cfg.timeout > 0 {
		opts = append(opts, api.WithTimeout(cfg.timeout))
	}
	if cfg.retriesSet {
		opts = append(opts, api.WithRetries(cfg.retries))
	}
	if len(cfg.retryOn) > 0 {
		opts = append(opts, api.WithRetryOn(cfg.retryOn))
	}
	if cfg.httpClient != nil {
		opts = append(opts, api.WithHTTPClient(cfg.httpClient))
	}
	return api.New(apiKey, opts...)
}

func newStrategy(cfg *clientConfig, apiClient *api.Client) (delivery.Strategy, error) {
	dcfg := delivery.Config{
		APIClient:                apiClient,
		Logger:                   cfg.logger.Named("delivery"),
		PollingInitialInterval:   cfg.pollingInitialInterval,
		PollingMaxBackoff:        cfg.pollingMaxBackoff,
		PollingBackoffMultiplier: cfg.pollingBackoffMultiplier,
		PollingJitterFactor:      cfg.pollingJitterFactor,
		SSEConnectionTimeout:     cfg.sseConnectionTimeout,
	}
	switch cfg.deliveryStrategy {
	case StrategySSE, "":
		return delivery.NewSSEStrategy(dcfg), nil
	case StrategyPolling:
		return delivery.NewPollingStrategy(dcfg), nil
	case StrategyAuto:
		return delivery.NewAutoStrategy(dcfg), nil
	default:
		return nil, fmt.Errorf("unknown delivery strategy %q", cfg.deliveryStrategy)
	}
}

// New validates apiKey against the server, fetches the server
// configuration and starts email delivery.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	cfg := &clientConfig{
		baseURL:          defaultBaseURL,
		deliveryStrategy: StrategySSE,
		timeout:          defaultTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	apiClient, err := buildAPIClient(apiKey, cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	if err := apiClient.CheckKey(ctx); err != nil {
		return nil, err
	}
	info, err := apiClient.GetServerInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server info: %w", err)
	}

	strategy, err := newStrategy(cfg, apiClient)
	if err != nil {
		return nil, err
	}

	c := &Client{
		apiClient:     apiClient,
		strategy:      strategy,
		serverInfo:    info,
		logger:        cfg.logger,
		inboxes:       make(map[string]*Inbox),
		inboxesByHash: make(map[string]*Inbox),
		syncStates:    make(map[string]*syncState),
		subs:          newSubscriptionManager(),
		onSyncError:   cfg.onSyncError,
	}

	strategyCtx, strategyCancel := context.WithCancel(context.Background())
	c.strategyCancel = strategyCancel
	// Catch emails that arrived while the event stream was down.
	strategy.OnReconnect(c.syncAllInboxes)
	if err := strategy.Start(strategyCtx, nil, c.handleEvent); err != nil {
		strategyCancel()
		return nil, fmt.Errorf("start delivery strategy: %w", err)
	}

	c.logger.Debug("client ready",
		zap.String("base_url", apiClient.BaseURL()),
		zap.String("strategy", strategy.Name()),
		zap.String("encryption_policy", string(info.EncryptionPolicy)))
	return c, nil
}

// NewFromEnv is New with the API key from VAULTSANDBOX_API_KEY and, when
// set, the base URL from VAULTSANDBOX_URL. Explicit options win.
func NewFromEnv(opts ...Option) (*Client, error) {
	var envOpts []Option
	if u := strings.TrimSpace(os.Getenv(EnvURL)); u != "" {
		envOpts = append(envOpts, WithBaseURL(u))
	}
	return New(os.Getenv(EnvAPIKey), append(envOpts, opts...)...)
}

func (c *Client) checkClosed() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

func (c *Client) registerInbox(inbox *Inbox) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.inboxes[inbox.emailAddress] = inbox
	c.inboxesByHash[inbox.inboxHash] = inbox
	c.syncStates[inbox.inboxHash] = &syncState{seen: make(map[string]struct{})}
	return c.strategy.AddInbox(delivery.InboxInfo{
		Hash:         inbox.inboxHash,
		EmailAddress: inbox.emailAddress,
	})
}

func (c *Client) forgetLocked(inbox *Inbox) {
	delete(c.inboxes, inbox.emailAddress)
	delete(c.inboxesByHash, inbox.inboxHash)
	delete(c.syncStates, inbox.inboxHash)
	if err := c.strategy.RemoveInbox(inbox.inboxHash); err != nil {
		c.logger.Debug("remove inbox from delivery", zap.String("inbox", inbox.emailAddress), zap.Error(err))
	}
}

// wantsEncryption resolves the caller preference against the server
// policy.
func (c *Client) wantsEncryption(pref Encryption) (bool, error) {
	policy := c.serverInfo.EncryptionPolicy
	switch pref {
	case EncryptionDefault:
		return policy.DefaultEncrypted(), nil
	case EncryptionOn:
		if policy == EncryptionPolicyNever {
			return false, fmt.Errorf("%w: server policy is %q", ErrEncryptionPolicy, policy)
		}
		return true, nil
	case EncryptionOff:
		if policy == EncryptionPolicyAlways {
			return false, fmt.Errorf("%w: server policy is %q", ErrEncryptionPolicy, policy)
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown encryption preference %q", pref)
	}
}

// CreateInbox creates a temporary inbox. Options are validated before any
// request is sent.
func (c *Client) CreateInbox(ctx context.Context, opts ...InboxOption) (*Inbox, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	cfg := &inboxConfig{ttl: defaultInboxTTL}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.ttl < MinTTL {
		return nil, fmt.Errorf("%w: %v is below minimum %v", ErrInvalidTTL, cfg.ttl, MinTTL)
	}
	maxTTL := MaxTTL
	if c.serverInfo.MaxTTL > 0 {
		maxTTL = time.Duration(c.serverInfo.MaxTTL) * time.Second
	}
	if cfg.ttl > maxTTL {
		return nil, fmt.Errorf("%w: %v exceeds server maximum %v", ErrInvalidTTL, cfg.ttl, maxTTL)
	}

	encrypted, err := c.wantsEncryption(cfg.encryption)
	if err != nil {
		return nil, err
	}

	req := &api.CreateInboxRequest{
		TTL:          int(cfg.ttl / time.Second),
		EmailAddress: cfg.emailAddress,
		Encryption:   string(cfg.encryption),
	}
	var keypair *crypto.Keypair
	if encrypted {
		if keypair, err = crypto.GenerateKeypair(); err != nil {
			return nil, fmt.Errorf("generate keypair: %w", err)
		}
		req.ClientKemPk = keypair.PublicKeyB64()
	}

	resp, err := c.apiClient.CreateInbox(ctx, req)
	if err != nil {
		return nil, err
	}

	inbox, err := c.newInbox(resp, keypair)
	if err != nil {
		return nil, err
	}
	if err := c.registerInbox(inbox); err != nil {
		return nil, err
	}
	c.logger.Debug("inbox created",
		zap.String("inbox", inbox.emailAddress),
		zap.Bool("encrypted", inbox.encrypted),
		zap.Time("expires_at", inbox.expiresAt))
	return inbox, nil
}

func (c *Client) newInbox(resp *api.CreateInboxResponse, keypair *crypto.Keypair) (*Inbox, error) {
	inbox := &Inbox{
		emailAddress: resp.EmailAddress,
		expiresAt:    resp.ExpiresAt,
		inboxHash:    resp.InboxHash,
		encrypted:    keypair != nil,
		client:       c,
	}
	if resp.Encrypted && keypair == nil {
		return nil, fmt.Errorf("%w: server created an encrypted inbox without a client key", ErrEncryptionPolicy)
	}
	if !inbox.encrypted {
		return inbox, nil
	}

	sigPk := resp.ServerSigPk
	if sigPk == "" {
		sigPk = c.serverInfo.ServerSigPk
	}
	pk, err := crypto.FromBase64URL(sigPk)
	if err != nil {
		return nil, fmt.Errorf("decode server signing key: %w", err)
	}
	inbox.serverSigPk = pk
	inbox.keypair = keypair
	return inbox, nil
}

// DeleteInbox deletes an inbox by email address.
func (c *Client) DeleteInbox(ctx context.Context, emailAddress string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	c.mu.Lock()
	if inbox, ok := c.inboxes[emailAddress]; ok {
		c.forgetLocked(inbox)
	}
	c.mu.Unlock()

	return c.apiClient.DeleteInbox(ctx, emailAddress)
}

// DeleteAllInboxes deletes every inbox owned by the API key and returns
// the server's count.
func (c *Client) DeleteAllInboxes(ctx context.Context) (int, error) {
	if err := c.checkClosed(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	for _, inbox := range c.inboxes {
		c.forgetLocked(inbox)
	}
	c.mu.Unlock()

	return c.apiClient.DeleteAllInboxes(ctx)
}

// GetInbox returns a tracked inbox by email address.
func (c *Client) GetInbox(emailAddress string) (*Inbox, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inbox, ok := c.inboxes[emailAddress]
	return inbox, ok
}

// Inboxes returns the tracked inboxes ordered by address.
func (c *Client) Inboxes() []*Inbox {
	c.mu.RLock()
	result := make([]*Inbox, 0, len(c.inboxes))
	for _, inbox := range c.inboxes {
		result = append(result, inbox)
	}
	c.mu.RUnlock()

	slices.SortFunc(result, func(a, b *Inbox) int {
		return strings.Compare(a.emailAddress, b.emailAddress)
	})
	return result
}

// ServerInfo returns the server configuration fetched by New.
func (c *Client) ServerInfo() *ServerInfo {
	return &ServerInfo{
		AllowedDomains:   slices.Clone(c.serverInfo.AllowedDomains),
		MaxTTL:           time.Duration(c.serverInfo.MaxTTL) * time.Second,
		DefaultTTL:       time.Duration(c.serverInfo.DefaultTTL) * time.Second,
		EncryptionPolicy: c.serverInfo.EncryptionPolicy,
	}
}

// CheckKey validates the API key.
func (c *Client) CheckKey(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	return c.apiClient.CheckKey(ctx)
}

// DeliveryStrategy returns the name of the active delivery strategy.
func (c *Client) DeliveryStrategy() string {
	return c.strategy.Name()
}

// InboxEvent is an email arriving in a specific inbox.
type InboxEvent struct {
	Inbox *Inbox
	Email *Email
}

// WatchInboxes returns a channel of emails arriving in any of inboxes.
// The channel is never closed; select on ctx.Done() to stop.
func (c *Client) WatchInboxes(ctx context.Context, inboxes ...*Inbox) <-chan *InboxEvent {
	ch := make(chan *InboxEvent, 16)
	if len(inboxes) == 0 {
		close(ch)
		return ch
	}

	unsubscribes := make([]func(), 0, len(inboxes))
	for _, inbox := range inboxes {
		unsub := c.subs.subscribe(inbox.inboxHash, func(email *Email) {
			select {
			case ch <- &InboxEvent{Inbox: inbox, Email: email}:
			case <-ctx.Done():
			}
		})
		unsubscribes = append(unsubscribes, unsub)
	}

	go func() {
		<-ctx.Done()
		for _, unsub := range unsubscribes {
			unsub()
		}
	}()
	return ch
}

// WatchInboxesFunc calls fn for each event until ctx is cancelled.
func (c *Client) WatchInboxesFunc(ctx context.Context, fn func(*InboxEvent), inboxes ...*Inbox) {
	if len(inboxes) == 0 {
		return
	}
	events := c.WatchInboxes(ctx, inboxes...)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			fn(event)
		}
	}
}

func (c *Client) syncError(inbox *Inbox, err error) {
	c.logger.Warn("inbox sync failed", zap.String("inbox", inbox.emailAddress), zap.Error(err))
	if c.onSyncError != nil {
		c.onSyncError(err)
	}
}

func (c *Client) syncAllInboxes(ctx context.Context) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	inboxes := make([]*Inbox, 0, len(c.inboxes))
	for _, inbox := range c.inboxes {
		inboxes = append(inboxes, inbox)
	}
	c.mu.RUnlock()

	for _, inbox := range inboxes {
		c.syncInbox(ctx, inbox)
	}
}

// syncInbox delivers emails the subscribers have not seen. The sync hash
// is compared first so unchanged inboxes cost a single request.
func (c *Client) syncInbox(ctx context.Context, inbox *Inbox) {
	c.mu.RLock()
	state := c.syncStates[inbox.inboxHash]
	var localHash string
	if state != nil {
		localHash = state.emailsHash()
	}
	c.mu.RUnlock()
	if state == nil {
		return
	}

	status, err := inbox.GetSyncStatus(ctx)
	if err != nil {
		c.syncError(inbox, err)
		return
	}
	if status.EmailsHash == localHash {
		return
	}

	metadata, err := inbox.GetEmailsMetadata(ctx)
	if err != nil {
		c.syncError(inbox, err)
		return
	}
	onServer := make(map[string]struct{}, len(metadata))
	for _, m := range metadata {
		onServer[m.ID] = struct{}{}
	}

	c.mu.Lock()
	state = c.syncStates[inbox.inboxHash]
	if state == nil {
		c.mu.Unlock()
		return
	}
	var fresh []string
	for _, m := range metadata {
		if _, ok := state.seen[m.ID]; !ok {
			fresh = append(fresh, m.ID)
		}
	}
	for id := range state.seen {
		if _, ok := onServer[id]; !ok {
			delete(state.seen, id)
		}
	}
	c.mu.Unlock()

	for _, id := range fresh {
		email, err := inbox.GetEmail(ctx, id)
		if err != nil {
			c.syncError(inbox, err)
			continue
		}
		if c.markSeen(inbox.inboxHash, email.ID) {
			c.subs.notify(inbox.inboxHash, email)
		}
	}
}

// markSeen records id and reports whether it was new.
func (c *Client) markSeen(inboxHash, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.syncStates[inboxHash]
	if state == nil {
		return false
	}
	if _, ok := state.seen[id]; ok {
		return false
	}
	state.seen[id] = struct{}{}
	return true
}

func (c *Client) handleEvent(ctx context.Context, event *api.SSEEvent) error {
	if event == nil {
		return nil
	}
	c.mu.RLock()
	inbox := c.inboxesByHash[event.InboxID]
	c.mu.RUnlock()
	if inbox == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	email, err := inbox.GetEmail(ctx, event.EmailID)
	if err != nil {
		c.logger.Warn("fetch notified email",
			zap.String("inbox", inbox.emailAddress),
			zap.String("email_id", event.EmailID),
			zap.Error(err))
		return err
	}
	if c.markSeen(inbox.inboxHash, email.ID) {
		c.subs.notify(inbox.inboxHash, email)
	}
	return nil
}

// Close stops delivery and drops all subscriptions. It is idempotent;
// later operations fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.inboxes = make(map[string]*Inbox)
	c.inboxesByHash = make(map[string]*Inbox)
	c.syncStates = make(map[string]*syncState)
	c.mu.Unlock()

	c.strategyCancel()
	err := c.strategy.Stop()
	c.subs.clear()
	c.logger.Debug("client closed")
	return err
}
