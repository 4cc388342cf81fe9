package resetflow

import (
	"context"
	"time"
)

// Report is the outcome of one flow run.
type Report struct {
	RunID    string        `json:"run_id"`
	Flow     string        `json:"flow"`
	Inbox    string        `json:"inbox"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	// EmailWait is the time from trigger to email arrival. Zero when no
	// email arrived.
	EmailWait time.Duration `json:"email_wait"`
	Checks    []CheckResult `json:"checks"`
	Passed    bool          `json:"passed"`
	Token     *TokenReport  `json:"token,omitempty"`
	// Error is set when the run could not be carried out, as opposed to
	// a check failing.
	Error string `json:"error,omitempty"`
}

// TokenReport describes the reset token by fingerprint only.
type TokenReport struct {
	Fingerprint string `json:"fingerprint"`
	TokenInfo
}

// Failures returns the failed checks.
func (r *Report) Failures() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Check returns the named check result.
func (r *Report) Check(name string) (CheckResult, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

func (r *Report) add(c CheckResult) {
	r.Checks = append(r.Checks, c)
}

// TokenLedger remembers token fingerprints across runs.
type TokenLedger interface {
	// Seen records fingerprint for flow and reports whether it had been
	// recorded before.
	Seen(ctx context.Context, flow, fingerprint string) (bool, error)
}

// RunRecorder persists reports.
type RunRecorder interface {
	Record(ctx context.Context, report *Report) error
}

// Observer is told about every finished run.
type Observer interface {
	ObserveRun(report *Report)
}
