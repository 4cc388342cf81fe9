package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vaultsandbox/resetcheck/internal/config"
	"github.com/vaultsandbox/resetcheck/internal/monitor"
	"github.com/vaultsandbox/resetcheck/internal/sandboxtest"
	"github.com/vaultsandbox/resetcheck/resetflow"
	"github.com/vaultsandbox/resetcheck/sandbox"
)

// resetApp sends reset emails through the sandbox and accepts each token
// once.
type resetApp struct {
	*httptest.Server
	mail *sandboxtest.Server
	weak bool

	mu   sync.Mutex
	live map[string]bool
}

func newResetApp(t *testing.T, mail *sandboxtest.Server) *resetApp {
	t.Helper()
	a := &resetApp{mail: mail, live: make(map[string]bool)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /forgot", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Email string }
		json.NewDecoder(r.Body).Decode(&req)
		tok := uuid.NewString() + uuid.NewString()
		if a.weak {
			tok = "1234"
		}
		a.mu.Lock()
		a.live[tok] = true
		a.mu.Unlock()
		link := a.URL + "/reset?token=" + tok
		if _, err := a.mail.Deliver(req.Email, sandboxtest.Message{
			From:    "no-reply@shop.example",
			Subject: "Password reset",
			Text:    "Reset here: " + link,
			HTML:    `<a href="` + link + `">Reset</a>`,
		}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /reset", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		ok := a.live[r.URL.Query().Get("token")]
		a.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.Write([]byte("new password form"))
	})
	mux.HandleFunc("POST /reset", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Token string }
		json.NewDecoder(r.Body).Decode(&req)
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.live[req.Token] {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		delete(a.live, req.Token)
		w.WriteHeader(http.StatusNoContent)
	})
	a.Server = httptest.NewTLSServer(mux)
	t.Cleanup(a.Close)
	return a
}

const configTemplate = `
sandbox:
  url: %s
  api_key: %s
  retries: 0
  strategy: polling
http:
  insecure_skip_verify: true
monitor:
  interval: 1h
flows:
  - name: shop
    trigger:
      url: %s/forgot
      body: '{"email":"{{.Email}}"}'
      expect_status: 202
    wait:
      timeout: 5s
    expect:
      from: no-reply@shop.example
      link_host: 127.0.0.1
    check_reachable: true
    complete:
      body: '{"token":"{{.Token}}"}'
      expect_status: 204
    single_use: {}
`

type testEnv struct {
	dir    string
	config string
	app    *resetApp
	out    *bytes.Buffer
	errOut *bytes.Buffer
	cfg    Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	for _, k := range []string{sandbox.EnvURL, sandbox.EnvAPIKey, config.EnvRedisAddr, config.EnvPostgresDSN, config.EnvHTTPAddr, config.EnvLogLevel} {
		t.Setenv(k, "")
	}
	mail := sandboxtest.New(sandboxtest.Config{})
	t.Cleanup(mail.Close)

	e := &testEnv{
		dir:    t.TempDir(),
		app:    newResetApp(t, mail),
		out:    &bytes.Buffer{},
		errOut: &bytes.Buffer{},
	}
	e.config = filepath.Join(e.dir, "resetcheck.yaml")
	conf := fmt.Sprintf(configTemplate, mail.URL, sandboxtest.APIKey, e.app.URL)
	require.NoError(t, os.WriteFile(e.config, []byte(conf), 0o600))

	e.cfg = Config{
		Context: context.Background(),
		Stdout:  e.out,
		Stderr:  e.errOut,
		Logger:  zaptest.NewLogger(t),
	}
	return e
}

func (e *testEnv) args(cmd string, extra ...string) []string {
	return append([]string{"resetcheck", cmd, "-config", e.config, "-env", filepath.Join(e.dir, "none.env")}, extra...)
}

func TestRun_Usage(t *testing.T) {
	var out, errOut bytes.Buffer
	cfg := Config{Context: context.Background(), Stdout: &out, Stderr: &errOut}

	assert.Error(t, run([]string{"resetcheck"}, cfg))
	assert.Contains(t, errOut.String(), "usage: resetcheck")

	err := run([]string{"resetcheck", "frobnicate"}, cfg)
	assert.ErrorContains(t, err, "unknown command: frobnicate")

	require.NoError(t, run([]string{"resetcheck", "help"}, cfg))
	assert.Contains(t, out.String(), "serve")
}

func TestValidate(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, run(e.args("validate"), e.cfg))
	assert.Contains(t, e.out.String(), "1 flows ok")
	assert.Contains(t, e.out.String(), "shop  POST "+e.app.URL+"/forgot")
}

func TestValidate_BadConfig(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.WriteFile(e.config, []byte("flows: []\n"), 0o600))
	err := run(e.args("validate"), e.cfg)
	assert.ErrorContains(t, err, "at least one flow")
}

func TestRunCommand_JSON(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, run(e.args("run", "-json"), e.cfg))

	var reports []*resetflow.Report
	require.NoError(t, json.Unmarshal(e.out.Bytes(), &reports))
	require.Len(t, reports, 1)
	r := reports[0]
	for _, c := range r.Failures() {
		t.Errorf("check %s failed: %s", c.Name, c.Detail)
	}
	assert.True(t, r.Passed)
	_, ok := r.Check(resetflow.CheckSingleUse)
	assert.True(t, ok)
}

func TestRunCommand_FailingFlow(t *testing.T) {
	e := newTestEnv(t)
	e.app.weak = true

	err := run(e.args("run", "-flow", "shop"), e.cfg)
	assert.True(t, errors.Is(err, errChecksFailed), "error = %v", err)
	assert.Contains(t, e.out.String(), "FAIL shop")
	assert.Contains(t, e.out.String(), resetflow.CheckTokenLength)
	assert.Contains(t, e.errOut.String(), "1 of 1 flows failed")
}

func TestRunCommand_UnknownFlow(t *testing.T) {
	e := newTestEnv(t)
	err := run(e.args("run", "-flow", "missing"), e.cfg)
	assert.ErrorIs(t, err, monitor.ErrUnknownFlow)
}

func TestServe_StopsOnCancel(t *testing.T) {
	e := newTestEnv(t)
	t.Setenv(config.EnvHTTPAddr, "127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	e.cfg.Context = ctx
	done := make(chan error, 1)
	go func() { done <- run(e.args("serve"), e.cfg) }()

	time.Sleep(300 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
}
