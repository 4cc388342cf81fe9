package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vaultsandbox/resetcheck/resetflow"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    map[string]int
	running  atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	errFlows map[string]bool
	deadline map[string]time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, flow resetflow.Flow) (*resetflow.Report, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[flow.Name]++
	if dl, ok := ctx.Deadline(); ok && f.deadline != nil {
		f.deadline[flow.Name] = time.Until(dl)
	}
	f.mu.Unlock()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return &resetflow.Report{Flow: flow.Name, Error: ctx.Err().Error()}, ctx.Err()
	}
	if f.errFlows[flow.Name] {
		return &resetflow.Report{Flow: flow.Name, Error: "boom"}, errors.New("boom")
	}
	return &resetflow.Report{Flow: flow.Name, Passed: true}, nil
}

func (f *fakeRunner) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func flows(names ...string) []resetflow.Flow {
	out := make([]resetflow.Flow, len(names))
	for i, n := range names {
		out[i] = resetflow.Flow{Name: n}
	}
	return out
}

func TestRunOnce(t *testing.T) {
	runner := &fakeRunner{errFlows: map[string]bool{"b": true}}
	m := New(runner, flows("a", "b", "c"), WithLogger(zaptest.NewLogger(t)))

	reports, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, "a", reports[0].Flow)
	assert.True(t, reports[0].Passed)
	assert.Equal(t, "boom", reports[1].Error)
	assert.Equal(t, "c", reports[2].Flow)

	last, ok := m.Last("b")
	require.True(t, ok)
	assert.Equal(t, "boom", last.Error)
	assert.Equal(t, []string{"a", "b", "c"}, m.Flows())
}

func TestRunOnce_LogsReports(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	runner := &fakeRunner{errFlows: map[string]bool{"b": true}}
	m := New(runner, flows("a", "b"), WithLogger(zap.New(core)), WithConcurrency(1))

	_, err := m.RunOnce(context.Background())
	require.NoError(t, err)

	passed := logs.FilterMessage("flow passed").All()
	require.Len(t, passed, 1)
	assert.Equal(t, "a", passed[0].ContextMap()["flow"])

	failed := logs.FilterMessage("flow failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].ContextMap()["flow"])
	assert.Equal(t, 1, logs.FilterMessage("flow run errored").Len())
}

func TestNew_ZeroIntervalUsesDefault(t *testing.T) {
	m := New(&fakeRunner{}, flows("a"), WithInterval(0))
	assert.Equal(t, DefaultInterval, m.interval)
}

func TestRunOnce_BoundedConcurrency(t *testing.T) {
	runner := &fakeRunner{delay: 30 * time.Millisecond}
	m := New(runner, flows("a", "b", "c", "d", "e", "f"), WithConcurrency(2))

	_, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
	assert.Equal(t, 1, runner.count("f"))
}

func TestRunFlow(t *testing.T) {
	runner := &fakeRunner{}
	m := New(runner, flows("a", "b"))

	r, err := m.RunFlow(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "b", r.Flow)
	assert.Zero(t, runner.count("a"))
	assert.True(t, m.Has("b"))

	_, err = m.RunFlow(context.Background(), "zzz")
	assert.ErrorIs(t, err, ErrUnknownFlow)
	assert.False(t, m.Has("zzz"))
}

func TestRunTimeout(t *testing.T) {
	runner := &fakeRunner{deadline: map[string]time.Duration{}}
	fs := flows("a")
	fs[0].Wait.Timeout = 10 * time.Second
	m := New(runner, fs)

	_, err := m.RunFlow(context.Background(), "a")
	require.NoError(t, err)
	assert.InDelta(t, (70 * time.Second).Seconds(), runner.deadline["a"].Seconds(), 1)

	m = New(runner, fs, WithRunTimeout(5*time.Second))
	m.RunFlow(context.Background(), "a")
	assert.InDelta(t, 5.0, runner.deadline["a"].Seconds(), 1)
}

func TestStart_StopsOnCancel(t *testing.T) {
	runner := &fakeRunner{}
	m := New(runner, flows("a"), WithInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	require.Eventually(t, func() bool { return runner.count("a") >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestRunOnce_Cancelled(t *testing.T) {
	runner := &fakeRunner{delay: time.Second}
	m := New(runner, flows("a", "b"), WithConcurrency(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.RunOnce(ctx)
	assert.Error(t, err)
}
