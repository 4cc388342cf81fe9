package sandbox

import (
	"regexp"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWaitConfig_Matches(t *testing.T) {
	email := &Email{Subject: "Reset your password", From: "no-reply@shop.example", Text: "token"}

	tests := []struct {
		name string
		opts []WaitOption
		want bool
	}{
		{"no criteria", nil, true},
		{"exact subject", []WaitOption{WithSubject("Reset your password")}, true},
		{"exact subject mismatch", []WaitOption{WithSubject("Reset")}, false},
		{"subject regex", []WaitOption{WithSubjectRegex(regexp.MustCompile(`(?i)^reset`))}, true},
		{"subject regex mismatch", []WaitOption{WithSubjectRegex(regexp.MustCompile(`welcome`))}, false},
		{"exact from", []WaitOption{WithFrom("no-reply@shop.example")}, true},
		{"from regex", []WaitOption{WithFromRegex(regexp.MustCompile(`@shop\.example$`))}, true},
		{"from regex mismatch", []WaitOption{WithFromRegex(regexp.MustCompile(`@other`))}, false},
		{"predicate", []WaitOption{WithPredicate(func(e *Email) bool { return e.Text == "token" })}, true},
		{"all must match", []WaitOption{WithSubject("Reset your password"), WithFrom("someone@else")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newWaitConfig(tt.opts)
			if got := cfg.matches(email); got != tt.want {
				t.Errorf("matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWaitConfig_DefaultTimeout(t *testing.T) {
	if cfg := newWaitConfig(nil); cfg.timeout != 60*time.Second {
		t.Errorf("timeout = %v, want 60s", cfg.timeout)
	}
	if cfg := newWaitConfig([]WaitOption{WithWaitTimeout(time.Second)}); cfg.timeout != time.Second {
		t.Errorf("timeout = %v, want 1s", cfg.timeout)
	}
}

func TestClientOptions(t *testing.T) {
	logger := zap.NewExample()
	cfg := &clientConfig{}
	for _, opt := range []Option{
		WithBaseURL("https://sandbox.example"),
		WithDeliveryStrategy(StrategyPolling),
		WithTimeout(5 * time.Second),
		WithRetries(0),
		WithRetryOn([]int{503}),
		WithLogger(logger),
		WithPollingInitialInterval(time.Second),
		WithPollingMaxBackoff(10 * time.Second),
		WithPollingBackoffMultiplier(2),
		WithPollingJitterFactor(0.1),
		WithSSEConnectionTimeout(3 * time.Second),
	} {
		opt(cfg)
	}

	if cfg.baseURL != "https://sandbox.example" || cfg.deliveryStrategy != StrategyPolling {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.retriesSet || cfg.retries != 0 {
		t.Error("WithRetries(0) should be recorded as set")
	}
	if cfg.logger != logger {
		t.Error("logger not set")
	}
	if cfg.pollingBackoffMultiplier != 2 || cfg.pollingJitterFactor != 0.1 || cfg.sseConnectionTimeout != 3*time.Second {
		t.Errorf("tuning = %v/%v/%v", cfg.pollingBackoffMultiplier, cfg.pollingJitterFactor, cfg.sseConnectionTimeout)
	}
}

func TestInboxOptions(t *testing.T) {
	cfg := &inboxConfig{}
	WithTTL(2 * time.Minute)(cfg)
	WithEmailAddress("me@vaultsandbox.test")(cfg)
	WithEncryption(EncryptionOff)(cfg)

	if cfg.ttl != 2*time.Minute || cfg.emailAddress != "me@vaultsandbox.test" || cfg.encryption != EncryptionOff {
		t.Errorf("cfg = %+v", cfg)
	}
}
