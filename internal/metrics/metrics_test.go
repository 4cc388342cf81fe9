package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultsandbox/resetcheck/resetflow"
)

func TestObserveRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	started := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	m.ObserveRun(&resetflow.Report{
		Flow: "shop", Started: started, Duration: 3 * time.Second, EmailWait: 800 * time.Millisecond,
		Passed: true,
		Checks: []resetflow.CheckResult{{Name: resetflow.CheckTrigger, Passed: true}},
	})
	m.ObserveRun(&resetflow.Report{
		Flow: "shop", Duration: time.Second,
		Checks: []resetflow.CheckResult{
			{Name: resetflow.CheckTrigger, Passed: true},
			{Name: resetflow.CheckTokenEntropy},
			{Name: resetflow.CheckSingleUse},
		},
	})
	m.ObserveRun(&resetflow.Report{Flow: "shop", Error: "create inbox: unauthorized"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("shop", ResultPassed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("shop", ResultFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("shop", ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckFailures.WithLabelValues("shop", resetflow.CheckTokenEntropy)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckFailures.WithLabelValues("shop", resetflow.CheckSingleUse)))
	assert.Equal(t, float64(started.Add(3*time.Second).Unix()), testutil.ToFloat64(m.LastSuccess.WithLabelValues("shop")))

	assert.Equal(t, 1, testutil.CollectAndCount(m.RunDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(m.EmailWait))
}

func TestExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveRun(&resetflow.Report{Flow: "blog", Passed: true, Checks: []resetflow.CheckResult{{Name: "trigger", Passed: true}}})

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP resetcheck_runs_total Flow runs by result (passed, failed or error).
# TYPE resetcheck_runs_total counter
resetcheck_runs_total{flow="blog",result="passed"} 1
`), "resetcheck_runs_total")
	require.NoError(t, err)
}

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
