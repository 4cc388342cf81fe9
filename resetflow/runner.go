package resetflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vaultsandbox/resetcheck/sandbox"
)

const (
	tracerName = "github.com/vaultsandbox/resetcheck/resetflow"

	defaultInboxTTL    = 10 * time.Minute
	defaultHTTPTimeout = 15 * time.Second
	cleanupTimeout     = 10 * time.Second
)

// Runner executes flows against a sandbox. It is safe for concurrent use
// when its hooks are.
type Runner struct {
	client     *sandbox.Client
	httpClient *http.Client
	logger     *zap.Logger
	tracer     trace.Tracer
	ledger     TokenLedger
	recorder   RunRecorder
	observer   Observer
	inboxTTL   time.Duration
	now        func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithHTTPClient sets the client used to talk to the application.
func WithHTTPClient(c *http.Client) RunnerOption {
	return func(r *Runner) { r.httpClient = c }
}

// WithLogger sets the logger. Default: no logging.
func WithLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithTracerProvider sets the tracer provider. Default: the global one.
func WithTracerProvider(tp trace.TracerProvider) RunnerOption {
	return func(r *Runner) { r.tracer = tp.Tracer(tracerName) }
}

// WithLedger enables the token_unique check.
func WithLedger(l TokenLedger) RunnerOption {
	return func(r *Runner) { r.ledger = l }
}

// WithRecorder persists every report.
func WithRecorder(rec RunRecorder) RunnerOption {
	return func(r *Runner) { r.recorder = rec }
}

// WithObserver reports every run to o.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

// WithInboxTTL sets the lifetime of the inbox created per run.
// Default: 10m.
func WithInboxTTL(ttl time.Duration) RunnerOption {
	return func(r *Runner) { r.inboxTTL = ttl }
}

// NewRunner returns a Runner that creates its inboxes with client.
func NewRunner(client *sandbox.Client, opts ...RunnerOption) *Runner {
	r := &Runner{
		client:     client,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(tracerName),
		inboxTTL:   defaultInboxTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes flow once. Failed checks are reported in the Report with a
// nil error. An error means the run itself could not be carried out; the
// returned Report then has Error set. Invalid flows return a nil Report.
func (r *Runner) Run(ctx context.Context, flow Flow) (*Report, error) {
	flow = flow.WithDefaults()
	if err := flow.Validate(); err != nil {
		return nil, err
	}

	report := &Report{
		RunID:   uuid.NewString(),
		Flow:    flow.Name,
		Started: r.now(),
	}
	log := r.logger.With(zap.String("flow", flow.Name), zap.String("run_id", report.RunID))

	ctx, span := r.tracer.Start(ctx, "resetflow.Run", trace.WithAttributes(
		attribute.String("resetflow.flow", flow.Name),
		attribute.String("resetflow.run_id", report.RunID),
	))
	defer span.End()

	err := r.run(ctx, flow, report, log)
	report.Duration = r.now().Sub(report.Started)
	report.Passed = err == nil && len(report.Checks) > 0 && len(report.Failures()) == 0

	span.SetAttributes(attribute.Bool("resetflow.passed", report.Passed))
	switch {
	case err != nil:
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("reset flow errored", zap.Error(err), zap.Duration("duration", report.Duration))
	case report.Passed:
		log.Info("reset flow passed",
			zap.String("inbox", report.Inbox),
			zap.Duration("duration", report.Duration),
			zap.Duration("email_wait", report.EmailWait))
	default:
		span.SetStatus(codes.Error, "checks failed")
		for _, c := range report.Failures() {
			log.Warn("check failed", zap.String("check", c.Name), zap.String("detail", c.Detail))
		}
	}

	if r.recorder != nil {
		if rerr := r.recorder.Record(context.WithoutCancel(ctx), report); rerr != nil {
			log.Warn("record report", zap.Error(rerr))
		}
	}
	if r.observer != nil {
		r.observer.ObserveRun(report)
	}
	return report, err
}

func (r *Runner) step(ctx context.Context, name string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "resetflow."+name)
}

func endStep(span trace.Span, c CheckResult) {
	span.SetAttributes(attribute.Bool("resetflow.passed", c.Passed))
	if !c.Passed {
		span.SetStatus(codes.Error, c.Detail)
	}
	span.End()
}

func (r *Runner) run(ctx context.Context, flow Flow, report *Report, log *zap.Logger) error {
	inbox, err := r.client.CreateInbox(ctx, sandbox.WithTTL(r.inboxTTL))
	if err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	report.Inbox = inbox.EmailAddress()
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := inbox.Delete(dctx); err != nil {
			log.Warn("delete inbox", zap.String("inbox", inbox.EmailAddress()), zap.Error(err))
		}
	}()

	data := TemplateData{Email: inbox.EmailAddress()}

	triggered := r.now()
	triggerResult := r.trigger(ctx, flow.Trigger, data)
	report.add(triggerResult)
	if !triggerResult.Passed {
		return nil
	}

	email, err := r.waitForEmail(ctx, flow.Wait, inbox)
	if errors.Is(err, sandbox.ErrWaitTimeout) {
		report.add(fail(CheckEmailReceived, "no email within %v", flow.Wait.Timeout))
		return nil
	}
	if err != nil {
		return fmt.Errorf("wait for email: %w", err)
	}
	report.EmailWait = r.now().Sub(triggered)
	report.add(pass(CheckEmailReceived, "after %v", report.EmailWait.Round(time.Millisecond)))

	_, span := r.step(ctx, "checks")
	ev := CheckEmail(flow, inbox.EmailAddress(), email, r.now())
	span.End()
	report.Checks = append(report.Checks, ev.Checks...)
	if ev.Token == "" {
		return nil
	}
	fingerprint := Fingerprint(ev.Token)
	report.Token = &TokenReport{Fingerprint: fingerprint, TokenInfo: *ev.Info}

	if r.ledger != nil {
		report.add(r.checkUnique(ctx, flow.Name, fingerprint))
	}

	data.Link, data.Token = ev.Link, ev.Token
	if flow.CheckReachable {
		report.add(r.reachable(ctx, ev.Link))
	}
	if flow.Complete == nil {
		return nil
	}
	completed := r.complete(ctx, *flow.Complete, data)
	report.add(completed)
	if flow.SingleUse != nil && completed.Passed {
		report.add(r.singleUse(ctx, ev.Link, flow.SingleUse))
	}
	return nil
}

func (r *Runner) trigger(ctx context.Context, req Request, data TemplateData) CheckResult {
	ctx, span := r.step(ctx, "trigger")
	c := r.request(ctx, CheckTrigger, req, data)
	endStep(span, c)
	return c
}

func (r *Runner) complete(ctx context.Context, req Request, data TemplateData) CheckResult {
	ctx, span := r.step(ctx, "complete")
	c := r.request(ctx, CheckResetCompleted, req, data)
	endStep(span, c)
	return c
}

func (r *Runner) request(ctx context.Context, name string, req Request, data TemplateData) CheckResult {
	resp, err := send(ctx, r.httpClient, name, req, data)
	if err != nil {
		return fail(name, "%v", err)
	}
	if !resp.ok(req.ExpectStatus) {
		if req.ExpectStatus != 0 {
			return fail(name, "status %d, want %d", resp.status, req.ExpectStatus)
		}
		return fail(name, "status %d", resp.status)
	}
	return pass(name, "status %d", resp.status)
}

func (r *Runner) waitForEmail(ctx context.Context, rules WaitRules, inbox *sandbox.Inbox) (*sandbox.Email, error) {
	ctx, span := r.step(ctx, "wait_email")
	defer span.End()

	opts := []sandbox.WaitOption{sandbox.WithWaitTimeout(rules.Timeout)}
	if rules.Subject != "" {
		opts = append(opts, sandbox.WithSubjectRegex(regexp.MustCompile(rules.Subject)))
	}
	if rules.From != "" {
		opts = append(opts, sandbox.WithPredicate(func(e *sandbox.Email) bool {
			return checkSender(rules.From, e.From).Passed
		}))
	}
	email, err := inbox.WaitForEmail(ctx, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("resetflow.email_id", email.ID))
	return email, nil
}

func (r *Runner) checkUnique(ctx context.Context, flow, fingerprint string) CheckResult {
	seen, err := r.ledger.Seen(ctx, flow, fingerprint)
	switch {
	case err != nil:
		return fail(CheckTokenUnique, "ledger: %v", err)
	case seen:
		return fail(CheckTokenUnique, "token %s was issued before", fingerprint[:12])
	default:
		return pass(CheckTokenUnique, "first use of %s", fingerprint[:12])
	}
}

func (r *Runner) reachable(ctx context.Context, link string) CheckResult {
	ctx, span := r.step(ctx, "link_reachable")
	var c CheckResult
	resp, err := get(ctx, r.httpClient, link)
	switch {
	case err != nil:
		c = fail(CheckLinkReachable, "%v", err)
	case !resp.ok(0):
		c = fail(CheckLinkReachable, "status %d", resp.status)
	default:
		c = pass(CheckLinkReachable, "status %d", resp.status)
	}
	endStep(span, c)
	return c
}

func (r *Runner) singleUse(ctx context.Context, link string, rules *SingleUseRules) CheckResult {
	ctx, span := r.step(ctx, "single_use")
	var c CheckResult
	resp, err := get(ctx, r.httpClient, link)
	switch {
	case err != nil:
		c = fail(CheckSingleUse, "reuse request failed: %v", err)
	case !resp.ok(0):
		c = pass(CheckSingleUse, "reuse rejected with status %d", resp.status)
	case rules.RejectMarker != "" && containsFold(resp.body, rules.RejectMarker):
		c = pass(CheckSingleUse, "reuse rejected by page")
	default:
		c = fail(CheckSingleUse, "link still accepted after reset (status %d)", resp.status)
	}
	endStep(span, c)
	return c
}
