package resetflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vaultsandbox/resetcheck/internal/sandboxtest"
	"github.com/vaultsandbox/resetcheck/sandbox"
)

// shopApp is a web application with a password reset flow. It mails
// reset links through the sandbox server.
type shopApp struct {
	*httptest.Server
	mail *sandboxtest.Server

	mu     sync.Mutex
	tokens map[string]bool // token -> used

	newToken      func() string
	reusable      bool
	softReject    bool
	silent        bool
	triggerStatus int
}

func newShopApp(t *testing.T, mail *sandboxtest.Server) *shopApp {
	t.Helper()
	app := &shopApp{
		mail:   mail,
		tokens: make(map[string]bool),
		newToken: func() string {
			b := make([]byte, 32)
			rand.Read(b)
			return hex.EncodeToString(b)
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /forgot", app.forgot)
	mux.HandleFunc("GET /reset", app.showReset)
	mux.HandleFunc("POST /reset", app.doReset)
	app.Server = httptest.NewTLSServer(mux)
	t.Cleanup(app.Close)
	return app
}

func (a *shopApp) forgot(w http.ResponseWriter, r *http.Request) {
	if a.triggerStatus != 0 {
		w.WriteHeader(a.triggerStatus)
		return
	}
	var req struct{ Email string }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !a.silent {
		tok := a.newToken()
		a.mu.Lock()
		a.tokens[tok] = false
		a.mu.Unlock()

		link := a.URL + "/reset?token=" + tok
		_, err := a.mail.Deliver(req.Email, sandboxtest.Message{
			From:        "Shop <no-reply@shop.example>",
			Subject:     "Reset your password",
			Text:        "Someone asked to reset your password. Open " + link + " to continue.",
			HTML:        `<p><a href="` + link + `">Choose a new password</a></p>`,
			AuthResults: passingAuth(),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *shopApp) valid(tok string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	used, ok := a.tokens[tok]
	return ok && !used
}

func (a *shopApp) showReset(w http.ResponseWriter, r *http.Request) {
	if !a.valid(r.URL.Query().Get("token")) {
		if a.softReject {
			w.Write([]byte("<p>This link has expired.</p>"))
			return
		}
		http.Error(w, "link expired", http.StatusGone)
		return
	}
	w.Write([]byte("<form>choose a new password</form>"))
}

func (a *shopApp) doReset(w http.ResponseWriter, r *http.Request) {
	var req struct{ Token, Password string }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !a.valid(req.Token) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !a.reusable {
		a.mu.Lock()
		a.tokens[req.Token] = true
		a.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

type memLedger struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (l *memLedger) Seen(_ context.Context, flow, fp string) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = make(map[string]bool)
	}
	key := flow + "/" + fp
	was := l.seen[key]
	l.seen[key] = true
	return was, nil
}

type captureRecorder struct {
	mu      sync.Mutex
	reports []*Report
}

func (c *captureRecorder) Record(_ context.Context, r *Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
	return nil
}

func (c *captureRecorder) ObserveRun(r *Report) {
	c.Record(context.Background(), r)
}

type runnerEnv struct {
	mail   *sandboxtest.Server
	app    *shopApp
	runner *Runner
	ledger *memLedger
	rec    *captureRecorder
	obs    *captureRecorder
}

func newRunnerEnv(t *testing.T, opts ...RunnerOption) *runnerEnv {
	t.Helper()
	mail := sandboxtest.New(sandboxtest.Config{})
	t.Cleanup(mail.Close)

	client, err := sandbox.New(sandboxtest.APIKey, sandbox.WithBaseURL(mail.URL), sandbox.WithRetries(0))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	env := &runnerEnv{
		mail:   mail,
		app:    newShopApp(t, mail),
		ledger: &memLedger{},
		rec:    &captureRecorder{},
		obs:    &captureRecorder{},
	}
	opts = append([]RunnerOption{
		WithHTTPClient(env.app.Client()),
		WithLogger(zaptest.NewLogger(t)),
		WithLedger(env.ledger),
		WithRecorder(env.rec),
		WithObserver(env.obs),
	}, opts...)
	env.runner = NewRunner(client, opts...)
	return env
}

func (e *runnerEnv) flow() Flow {
	return Flow{
		Name: "shop",
		Trigger: Request{
			URL:          e.app.URL + "/forgot",
			Body:         `{"email":"{{.Email}}"}`,
			ExpectStatus: http.StatusAccepted,
		},
		Wait:           WaitRules{Timeout: 5 * time.Second},
		Expect:         Expectation{From: "no-reply@shop.example", LinkHost: "127.0.0.1"},
		Link:           LinkMatcher{Path: "/reset"},
		Auth:           AuthRules{Require: true},
		Forbidden:      []string{"hunter2"},
		CheckReachable: true,
		Complete: &Request{
			Body:         `{"token":"{{.Token}}","password":"n3w-Passw0rd!"}`,
			ExpectStatus: http.StatusNoContent,
		},
		SingleUse: &SingleUseRules{},
	}
}

func checkNames(r *Report) []string {
	names := make([]string, len(r.Checks))
	for i, c := range r.Checks {
		names[i] = c.Name
	}
	return names
}

func TestRunner_Passes(t *testing.T) {
	env := newRunnerEnv(t)

	report, err := env.runner.Run(context.Background(), env.flow())
	require.NoError(t, err)
	for _, c := range report.Failures() {
		t.Errorf("check %s failed: %s", c.Name, c.Detail)
	}
	assert.True(t, report.Passed)
	assert.Empty(t, report.Error)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "shop", report.Flow)
	assert.Contains(t, report.Inbox, "@"+sandboxtest.Domain)
	assert.Positive(t, report.EmailWait)
	assert.Equal(t, []string{
		CheckTrigger, CheckEmailReceived,
		CheckSubject, CheckSender, CheckRecipient, CheckNoPlaintextPassword, CheckAuth,
		CheckLinkPresent, CheckLinkHTTPS, CheckLinkHost,
		CheckTokenPresent, CheckTokenLength, CheckTokenEntropy, CheckTokenConsistency,
		CheckTokenUnique, CheckLinkReachable, CheckResetCompleted, CheckSingleUse,
	}, checkNames(report))

	require.NotNil(t, report.Token)
	assert.Len(t, report.Token.Fingerprint, 64)
	assert.Equal(t, 64, report.Token.Length)

	assert.Len(t, env.rec.reports, 1)
	assert.Len(t, env.obs.reports, 1)
	assert.Zero(t, env.mail.InboxCount(), "inbox should be deleted after the run")
}

func TestRunner_ReportNeverContainsToken(t *testing.T) {
	env := newRunnerEnv(t)
	env.app.newToken = func() string { return "fixed-token-value-for-this-test-0001" }

	report, err := env.runner.Run(context.Background(), env.flow())
	require.NoError(t, err)
	out, err := json.Marshal(report)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "fixed-token-value-for-this-test-0001")
}

// failingTransport returns a transport error for requests matching fail.
type failingTransport struct {
	base http.RoundTripper
	fail func(*http.Request) bool
}

func (t failingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.fail(r) {
		if r.Body != nil {
			r.Body.Close()
		}
		return nil, errors.New("connection reset by peer")
	}
	return t.base.RoundTrip(r)
}

func TestRunner_TransportErrorsHideLink(t *testing.T) {
	const token = "fixed-token-value-for-this-test-0002"
	isReset := func(r *http.Request, method string) bool {
		return r.Method == method && r.URL.Path == "/reset"
	}

	tests := []struct {
		name   string
		check  string
		failOn func() func(*http.Request) bool
	}{
		{
			name:  "unreachable link",
			check: CheckLinkReachable,
			failOn: func() func(*http.Request) bool {
				return func(r *http.Request) bool { return isReset(r, http.MethodGet) }
			},
		},
		{
			name:  "complete request fails",
			check: CheckResetCompleted,
			failOn: func() func(*http.Request) bool {
				return func(r *http.Request) bool { return isReset(r, http.MethodPost) }
			},
		},
		{
			name:  "reuse request fails",
			check: CheckSingleUse,
			failOn: func() func(*http.Request) bool {
				var completed atomic.Bool
				return func(r *http.Request) bool {
					if isReset(r, http.MethodPost) {
						completed.Store(true)
						return false
					}
					return isReset(r, http.MethodGet) && completed.Load()
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newRunnerEnv(t)
			env.app.newToken = func() string { return token }
			env.runner.httpClient = &http.Client{Transport: failingTransport{
				base: env.app.Client().Transport,
				fail: tt.failOn(),
			}}

			report, err := env.runner.Run(context.Background(), env.flow())
			require.NoError(t, err)
			assert.False(t, report.Passed)

			c, ok := report.Check(tt.check)
			require.True(t, ok, "missing %s check", tt.check)
			assert.False(t, c.Passed)
			assert.Contains(t, c.Detail, "connection reset by peer")
			assert.NotContains(t, c.Detail, env.app.URL)

			out, err := json.Marshal(report)
			require.NoError(t, err)
			assert.NotContains(t, string(out), token)
		})
	}
}

func TestRunner_WeakToken(t *testing.T) {
	env := newRunnerEnv(t)
	env.app.newToken = func() string { return "12345" }

	report, err := env.runner.Run(context.Background(), env.flow())
	require.NoError(t, err)
	assert.False(t, report.Passed)

	length, _ := report.Check(CheckTokenLength)
	entropy, _ := report.Check(CheckTokenEntropy)
	assert.False(t, length.Passed)
	assert.False(t, entropy.Passed)
}

func TestRunner_ReusableLink(t *testing.T) {
	env := newRunnerEnv(t)
	env.app.reusable = true

	report, err := env.runner.Run(context.Background(), env.flow())
	require.NoError(t, err)
	assert.False(t, report.Passed)

	completed, _ := report.Check(CheckResetCompleted)
	assert.True(t, completed.Passed, completed.Detail)
	single, ok := report.Check(CheckSingleUse)
	require.True(t, ok)
	assert.False(t, single.Passed)
}

func TestRunner_RejectMarker(t *testing.T) {
	env := newRunnerEnv(t)
	env.app.softReject = true
	flow := env.flow()
	flow.SingleUse.RejectMarker = "HAS EXPIRED"

	report, err := env.runner.Run(context.Background(), flow)
	require.NoError(t, err)
	single, _ := report.Check(CheckSingleUse)
	assert.True(t, single.Passed, single.Detail)
	assert.True(t, report.Passed)
}

func TestRunner_NoEmail(t *testing.T) {
	env := newRunnerEnv(t)
	env.app.silent = true
	flow := env.flow()
	flow.Wait.Timeout = 200 * time.Millisecond

	report, err := env.runner.Run(context.Background(), flow)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Equal(t, []string{CheckTrigger, CheckEmailReceived}, checkNames(report))
	received, _ := report.Check(CheckEmailReceived)
	assert.False(t, received.Passed)
	assert.Zero(t, report.EmailWait)
	assert.Nil(t, report.Token)
}

func TestRunner_TriggerRejected(t *testing.T) {
	env := newRunnerEnv(t)
	env.app.triggerStatus = http.StatusTooManyRequests

	report, err := env.runner.Run(context.Background(), env.flow())
	require.NoError(t, err)
	assert.False(t, report.Passed)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, CheckTrigger, report.Checks[0].Name)
	assert.Contains(t, report.Checks[0].Detail, "status 429, want 202")
	assert.Zero(t, env.mail.InboxCount())
}

func TestRunner_TokenReuseAcrossRuns(t *testing.T) {
	env := newRunnerEnv(t)
	env.app.newToken = func() string { return "d1f0c3b2a5e4978680f1e2d3c4b5a697" }
	env.app.reusable = true
	flow := env.flow()
	flow.SingleUse = nil

	first, err := env.runner.Run(context.Background(), flow)
	require.NoError(t, err)
	assert.True(t, first.Passed)

	second, err := env.runner.Run(context.Background(), flow)
	require.NoError(t, err)
	assert.False(t, second.Passed)
	unique, _ := second.Check(CheckTokenUnique)
	assert.False(t, unique.Passed)
	assert.Equal(t, first.Token.Fingerprint, second.Token.Fingerprint)
}

func TestRunner_LedgerErrorFailsCheck(t *testing.T) {
	env := newRunnerEnv(t)
	env.ledger.err = errors.New("redis down")

	report, err := env.runner.Run(context.Background(), env.flow())
	require.NoError(t, err)
	unique, _ := report.Check(CheckTokenUnique)
	assert.False(t, unique.Passed)
	assert.Contains(t, unique.Detail, "redis down")
}

func TestRunner_InvalidFlow(t *testing.T) {
	env := newRunnerEnv(t)

	report, err := env.runner.Run(context.Background(), Flow{Name: "broken"})
	assert.ErrorIs(t, err, ErrInvalidFlow)
	assert.Nil(t, report)
	assert.Empty(t, env.rec.reports)
}

func TestRunner_SandboxUnavailable(t *testing.T) {
	env := newRunnerEnv(t)
	env.mail.Close()

	report, err := env.runner.Run(context.Background(), env.flow())
	require.Error(t, err)
	require.NotNil(t, report)
	assert.False(t, report.Passed)
	assert.NotEmpty(t, report.Error)
	assert.Len(t, env.rec.reports, 1)
	assert.Len(t, env.obs.reports, 1)
}

func TestRunner_Cancelled(t *testing.T) {
	env := newRunnerEnv(t)
	env.app.silent = true

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	report, err := env.runner.Run(ctx, env.flow())
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.NotEmpty(t, report.Error)
	assert.Zero(t, env.mail.InboxCount())
}
