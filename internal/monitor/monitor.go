// Package monitor runs every configured flow on a fixed interval.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vaultsandbox/resetcheck/resetflow"
)

// Defaults used by New.
const (
	// DefaultInterval is the time between rounds.
	DefaultInterval = 5 * time.Minute
	// DefaultConcurrency is how many flows run at once.
	DefaultConcurrency = 4
)

// runTimeoutSlack is added to a flow's wait timeout to bound its run.
const runTimeoutSlack = time.Minute

// ErrUnknownFlow is returned by RunFlow for a name that is not monitored.
var ErrUnknownFlow = errors.New("unknown flow")

// FlowRunner executes one flow. *resetflow.Runner implements it.
type FlowRunner interface {
	Run(ctx context.Context, flow resetflow.Flow) (*resetflow.Report, error)
}

// Monitor schedules flow runs. Recording and metrics are the runner's
// hooks; the monitor only keeps the latest report of each flow.
type Monitor struct {
	runner      FlowRunner
	flows       []resetflow.Flow
	interval    time.Duration
	concurrency int
	runTimeout  time.Duration
	logger      *zap.Logger

	sem *semaphore.Weighted

	mu   sync.RWMutex
	last map[string]*resetflow.Report
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the time between rounds. Default: 5m.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithConcurrency bounds how many flows run at once, including runs
// requested through RunFlow. Default: 4.
func WithConcurrency(n int) Option {
	return func(m *Monitor) { m.concurrency = n }
}

// WithRunTimeout bounds each run. Default: the flow's wait timeout plus
// one minute.
func WithRunTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.runTimeout = d }
}

// WithLogger sets the logger. Default: no logging.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New returns a monitor for flows. Flows get their defaults applied.
func New(runner FlowRunner, flows []resetflow.Flow, opts ...Option) *Monitor {
	m := &Monitor{
		runner:      runner,
		interval:    DefaultInterval,
		concurrency: DefaultConcurrency,
		logger:      zap.NewNop(),
		last:        make(map[string]*resetflow.Report),
	}
	for _, f := range flows {
		m.flows = append(m.flows, f.WithDefaults())
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.concurrency < 1 {
		m.concurrency = 1
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	m.sem = semaphore.NewWeighted(int64(m.concurrency))
	return m
}

// Start runs a round immediately and then every interval until ctx is
// done. It returns nil on cancellation.
func (m *Monitor) Start(ctx context.Context) error {
	m.logger.Info("monitor started",
		zap.Int("flows", len(m.flows)),
		zap.Duration("interval", m.interval),
		zap.Int("concurrency", m.concurrency))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("monitor round", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce runs every flow once and returns the reports in flow order.
// A flow that errors still yields its report; the returned error is only
// set when ctx ends before all flows ran.
func (m *Monitor) RunOnce(ctx context.Context) ([]*resetflow.Report, error) {
	reports := make([]*resetflow.Report, len(m.flows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, f := range m.flows {
		g.Go(func() error {
			r, err := m.run(gctx, f)
			if r != nil {
				reports[i] = r
			}
			if err != nil && gctx.Err() != nil {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	return reports, err
}

// RunFlow runs the named flow now.
func (m *Monitor) RunFlow(ctx context.Context, name string) (*resetflow.Report, error) {
	for _, f := range m.flows {
		if f.Name == name {
			return m.run(ctx, f)
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFlow, name)
}

func (m *Monitor) run(ctx context.Context, flow resetflow.Flow) (*resetflow.Report, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.sem.Release(1)

	timeout := m.runTimeout
	if timeout <= 0 {
		timeout = flow.Wait.Timeout + runTimeoutSlack
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report, err := m.runner.Run(rctx, flow)
	if err != nil {
		m.logger.Warn("flow run errored", zap.String("flow", flow.Name), zap.Error(err))
	}
	if report != nil {
		m.logReport(report)
		m.mu.Lock()
		m.last[flow.Name] = report
		m.mu.Unlock()
	}
	return report, err
}

func (m *Monitor) logReport(r *resetflow.Report) {
	fields := []zap.Field{
		zap.String("flow", r.Flow),
		zap.String("run_id", r.RunID),
		zap.Bool("passed", r.Passed),
		zap.Duration("duration", r.Duration),
	}
	if r.Passed {
		m.logger.Info("flow passed", fields...)
		return
	}
	var failed []string
	for _, c := range r.Failures() {
		failed = append(failed, c.Name)
	}
	m.logger.Warn("flow failed", append(fields, zap.Strings("failed_checks", failed))...)
}

// Last returns the latest report of the named flow.
func (m *Monitor) Last(name string) (*resetflow.Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.last[name]
	return r, ok
}

// Has reports whether name is a monitored flow.
func (m *Monitor) Has(name string) bool {
	for _, f := range m.flows {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Flows returns the monitored flow names.
func (m *Monitor) Flows() []string {
	names := make([]string, len(m.flows))
	for i, f := range m.flows {
		names[i] = f.Name
	}
	return names
}
