package sandbox

import (
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"
)

// DeliveryStrategy specifies how the client learns about new emails.
type DeliveryStrategy string

const (
	// StrategySSE uses the server's event stream.
	StrategySSE DeliveryStrategy = "sse"
	// StrategyPolling polls each inbox with adaptive backoff.
	StrategyPolling DeliveryStrategy = "polling"
	// StrategyAuto tries SSE and falls back to polling.
	StrategyAuto DeliveryStrategy = "auto"
)

// Encryption is an inbox encryption preference.
type Encryption string

const (
	// EncryptionDefault follows the server policy.
	EncryptionDefault Encryption = ""
	EncryptionOn      Encryption = "encrypted"
	EncryptionOff     Encryption = "plain"
)

const (
	defaultBaseURL     = "https://api.vaultsandbox.com"
	defaultTimeout     = 30 * time.Second
	defaultWaitTimeout = 60 * time.Second
	defaultInboxTTL    = time.Hour
)

type clientConfig struct {
	baseURL          string
	httpClient       *http.Client
	deliveryStrategy DeliveryStrategy
	timeout          time.Duration
	retries          int
	retriesSet       bool
	retryOn          []int
	logger           *zap.Logger
	onSyncError      func(error)

	pollingInitialInterval   time.Duration
	pollingMaxBackoff        time.Duration
	pollingBackoffMultiplier float64
	pollingJitterFactor      float64
	sseConnectionTimeout     time.Duration
}

type inboxConfig struct {
	ttl          time.Duration
	emailAddress string
	encryption   Encryption
}

type waitConfig struct {
	subject      string
	subjectRegex *regexp.Regexp
	from         string
	fromRegex    *regexp.Regexp
	predicate    func(*Email) bool
	timeout      time.Duration
}

// Option configures the client.
type Option func(*clientConfig)

// InboxOption configures inbox creation.
type InboxOption func(*inboxConfig)

// WaitOption configures WaitForEmail and WaitForEmailCount.
type WaitOption func(*waitConfig)

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *clientConfig) { c.httpClient = client }
}

// WithDeliveryStrategy selects SSE, polling or auto. Default: SSE.
func WithDeliveryStrategy(strategy DeliveryStrategy) Option {
	return func(c *clientConfig) { c.deliveryStrategy = strategy }
}

// WithTimeout sets the per-request timeout. Default: 30s.
func WithTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) { c.timeout = timeout }
}

// WithRetries sets how many times a failed request is retried. Default: 3.
func WithRetries(count int) Option {
	return func(c *clientConfig) {
		c.retries = count
		c.retriesSet = true
	}
}

// WithRetryOn sets the HTTP status codes that trigger a retry.
// Default: 408, 429, 500, 502, 503, 504.
func WithRetryOn(statusCodes []int) Option {
	return func(c *clientConfig) { c.retryOn = statusCodes }
}

// WithLogger sets the logger. Default: no logging.
func WithLogger(logger *zap.Logger) Option {
	return func(c *clientConfig) { c.logger = logger }
}

// WithSyncErrorHandler receives errors from background reconnect syncs.
func WithSyncErrorHandler(fn func(error)) Option {
	return func(c *clientConfig) { c.onSyncError = fn }
}

// WithPollingInitialInterval sets the polling interval used while emails
// are arriving. Default: 2s.
func WithPollingInitialInterval(interval time.Duration) Option {
	return func(c *clientConfig) { c.pollingInitialInterval = interval }
}

// WithPollingMaxBackoff caps the idle polling interval. Default: 30s.
func WithPollingMaxBackoff(maxBackoff time.Duration) Option {
	return func(c *clientConfig) { c.pollingMaxBackoff = maxBackoff }
}

// WithPollingBackoffMultiplier sets the idle backoff factor. Default: 1.5.
func WithPollingBackoffMultiplier(multiplier float64) Option {
	return func(c *clientConfig) { c.pollingBackoffMultiplier = multiplier }
}

// WithPollingJitterFactor sets the random jitter fraction. Default: 0.3.
func WithPollingJitterFactor(factor float64) Option {
	return func(c *clientConfig) { c.pollingJitterFactor = factor }
}

// WithSSEConnectionTimeout bounds how long StrategyAuto waits for the
// event stream before polling. Default: 5s.
func WithSSEConnectionTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) { c.sseConnectionTimeout = timeout }
}

// WithTTL sets the inbox lifetime. Default: 1h. It must be at least
// MinTTL and no more than the server maximum.
func WithTTL(ttl time.Duration) InboxOption {
	return func(c *inboxConfig) { c.ttl = ttl }
}

// WithEmailAddress requests a specific address or local part.
func WithEmailAddress(email string) InboxOption {
	return func(c *inboxConfig) { c.emailAddress = email }
}

// WithEncryption overrides the server's default encryption choice.
func WithEncryption(e Encryption) InboxOption {
	return func(c *inboxConfig) { c.encryption = e }
}

// WithSubject matches the exact subject.
func WithSubject(subject string) WaitOption {
	return func(c *waitConfig) { c.subject = subject }
}

// WithSubjectRegex matches the subject against pattern.
func WithSubjectRegex(pattern *regexp.Regexp) WaitOption {
	return func(c *waitConfig) { c.subjectRegex = pattern }
}

// WithFrom matches the exact sender.
func WithFrom(from string) WaitOption {
	return func(c *waitConfig) { c.from = from }
}

// WithFromRegex matches the sender against pattern.
func WithFromRegex(pattern *regexp.Regexp) WaitOption {
	return func(c *waitConfig) { c.fromRegex = pattern }
}

// WithPredicate matches emails for which fn returns true.
func WithPredicate(fn func(*Email) bool) WaitOption {
	return func(c *waitConfig) { c.predicate = fn }
}

// WithWaitTimeout bounds the wait. Default: 60s.
func WithWaitTimeout(timeout time.Duration) WaitOption {
	return func(c *waitConfig) { c.timeout = timeout }
}

// matches reports whether e satisfies every configured criterion.
func (w *waitConfig) matches(e *Email) bool {
	if w.subject != "" && e.Subject != w.subject {
		return false
	}
	if w.subjectRegex != nil && !w.subjectRegex.MatchString(e.Subject) {
		return false
	}
	if w.from != "" && e.From != w.from {
		return false
	}
	if w.fromRegex != nil && !w.fromRegex.MatchString(e.From) {
		return false
	}
	if w.predicate != nil && !w.predicate(e) {
		return false
	}
	return true
}
