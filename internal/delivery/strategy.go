package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vaultsandbox/resetcheck/internal/api"
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("delivery strategy already started")

// InboxInfo identifies an inbox to monitor.
type InboxInfo struct {
	// Hash identifies the inbox on the event stream.
	Hash string
	// EmailAddress is used by the polling endpoints.
	EmailAddress string
}

// EventHandler is invoked for each new email. The context is cancelled
// when the strategy stops.
type EventHandler func(ctx context.Context, event *api.SSEEvent) error

// Strategy is a mechanism for learning about new emails.
//
// Lifecycle: Start once, AddInbox/RemoveInbox at any time, Stop when
// done. Implementations are safe for concurrent use.
type Strategy interface {
	// Start begins delivery for the given inboxes and returns immediately.
	Start(ctx context.Context, inboxes []InboxInfo, handler EventHandler) error

	// Stop releases resources. No events are delivered after it returns.
	// Stop is idempotent.
	Stop() error

	AddInbox(inbox InboxInfo) error
	RemoveInbox(inboxHash string) error

	// Name is used in logs: "polling", "sse", "auto:sse", ...
	Name() string

	// OnReconnect registers fn to run after every successful
	// (re)connection. Polling never calls it.
	OnReconnect(fn func(ctx context.Context))
}

// Config holds settings shared by all strategies. Zero values select
// the defaults below.
type Config struct {
	APIClient *api.Client
	Logger    *zap.Logger

	PollingInitialInterval   time.Duration
	PollingMaxBackoff        time.Duration
	PollingBackoffMultiplier float64
	PollingJitterFactor      float64

	SSEReconnectInterval    time.Duration
	SSEMaxReconnectAttempts int

	// SSEConnectionTimeout bounds how long the auto strategy waits for the
	// first SSE connection before switching to polling.
	SSEConnectionTimeout time.Duration
}

const (
	DefaultPollingInitialInterval   = 2 * time.Second
	DefaultPollingMaxBackoff        = 30 * time.Second
	DefaultPollingBackoffMultiplier = 1.5
	DefaultPollingJitterFactor      = 0.3

	DefaultSSEReconnectInterval    = 5 * time.Second
	DefaultSSEMaxReconnectAttempts = 10
	DefaultSSEConnectionTimeout    = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.PollingInitialInterval <= 0 {
		c.PollingInitialInterval = DefaultPollingInitialInterval
	}
	if c.PollingMaxBackoff <= 0 {
		c.PollingMaxBackoff = DefaultPollingMaxBackoff
	}
	if c.PollingBackoffMultiplier <= 0 {
		c.PollingBackoffMultiplier = DefaultPollingBackoffMultiplier
	}
	if c.PollingJitterFactor <= 0 {
		c.PollingJitterFactor = DefaultPollingJitterFactor
	}
	if c.SSEReconnectInterval <= 0 {
		c.SSEReconnectInterval = DefaultSSEReconnectInterval
	}
	if c.SSEMaxReconnectAttempts <= 0 {
		c.SSEMaxReconnectAttempts = DefaultSSEMaxReconnectAttempts
	}
	if c.SSEConnectionTimeout <= 0 {
		c.SSEConnectionTimeout = DefaultSSEConnectionTimeout
	}
	return c
}

// EmailsHash computes the inbox sync hash the server reports: IDs sorted,
// joined with commas, SHA-256, base64url without padding.
func EmailsHash(ids []string) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
