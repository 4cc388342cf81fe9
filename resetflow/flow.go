package resetflow

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"text/template"
	"time"
)

// Defaults applied by Flow.WithDefaults.
const (
	DefaultSubjectPattern = `(?i)(reset|password)`
	DefaultTokenParam     = "token"
	DefaultMinLength      = 16
	DefaultMinEntropyBits = 64
	DefaultMaxTokenTTL    = time.Hour
	DefaultWaitTimeout    = 60 * time.Second
)

// Flow describes one password-reset flow of an application.
type Flow struct {
	Name string `yaml:"name" json:"name"`

	// Trigger asks the application to send the reset email.
	Trigger Request `yaml:"trigger" json:"trigger"`

	Wait   WaitRules   `yaml:"wait" json:"wait"`
	Expect Expectation `yaml:"expect" json:"expect"`
	Link   LinkMatcher `yaml:"link" json:"link"`
	Token  TokenRules  `yaml:"token" json:"token"`
	Auth   AuthRules   `yaml:"auth" json:"auth"`
	Spam   SpamRules   `yaml:"spam" json:"spam"`

	// Forbidden lists strings that must not appear in the email, such as
	// the account's current password.
	Forbidden []string `yaml:"forbidden" json:"-"`

	// CheckReachable fetches the reset link and expects a 2xx response.
	CheckReachable bool `yaml:"check_reachable" json:"check_reachable"`

	// Complete submits a new password using the token.
	Complete *Request `yaml:"complete" json:"complete,omitempty"`

	// SingleUse fetches the link again after Complete and expects it to
	// be rejected.
	SingleUse *SingleUseRules `yaml:"single_use" json:"single_use,omitempty"`
}

// Request is an HTTP call made during a flow. URL, Body and header values
// are text/template strings over the fields of TemplateData.
type Request struct {
	Method  string            `yaml:"method" json:"method"`
	URL     string            `yaml:"url" json:"url"`
	Body    string            `yaml:"body" json:"-"`
	Headers map[string]string `yaml:"headers" json:"-"`
	// ExpectStatus is the required status code. Zero accepts any 2xx.
	ExpectStatus int `yaml:"expect_status" json:"expect_status,omitempty"`
}

// TemplateData is available to Request templates.
type TemplateData struct {
	Email string
	Link  string
	Token string
}

// WaitRules selects the reset email among those arriving in the inbox.
type WaitRules struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// Subject is a regular expression. Empty accepts any subject.
	Subject string `yaml:"subject" json:"subject,omitempty"`
	From    string `yaml:"from" json:"from,omitempty"`
}

// Expectation holds what a correct reset email looks like.
type Expectation struct {
	// Subject is a regular expression the subject must match.
	Subject string `yaml:"subject" json:"subject"`
	// From is the exact sender address. Empty skips the sender check.
	From string `yaml:"from" json:"from,omitempty"`
	// LinkHost is the host the reset link must point at. Empty skips the
	// host check.
	LinkHost string `yaml:"link_host" json:"link_host,omitempty"`
	// AllowHTTP accepts a plain http reset link.
	AllowHTTP bool `yaml:"allow_http" json:"allow_http,omitempty"`
}

// TokenRules describes where the token is and how strong it must be.
type TokenRules struct {
	// Param is the query parameter carrying the token.
	Param string `yaml:"param" json:"param"`
	// FromPath takes the token from the last path segment instead.
	FromPath       bool          `yaml:"from_path" json:"from_path,omitempty"`
	MinLength      int           `yaml:"min_length" json:"min_length"`
	MinEntropyBits float64       `yaml:"min_entropy_bits" json:"min_entropy_bits"`
	MaxTTL         time.Duration `yaml:"max_ttl" json:"max_ttl"`
}

// param returns the parameter passed to ExtractToken.
func (r TokenRules) param() string {
	if r.FromPath {
		return ""
	}
	return r.Param
}

// AuthRules selects which sender authentication results must pass.
type AuthRules struct {
	// Require demands that SPF, DKIM and DMARC all pass.
	Require bool `yaml:"require" json:"require"`
	SPF     bool `yaml:"spf" json:"spf,omitempty"`
	DKIM    bool `yaml:"dkim" json:"dkim,omitempty"`
	DMARC   bool `yaml:"dmarc" json:"dmarc,omitempty"`
}

func (a AuthRules) enabled() bool {
	return a.Require || a.SPF || a.DKIM || a.DMARC
}

// SpamRules enables the spam verdict check. A message the server did not
// analyze passes.
type SpamRules struct {
	Check bool `yaml:"check" json:"check"`
	// MaxScore fails messages scoring above it. Zero only relies on the
	// server's spam verdict and action.
	MaxScore float64 `yaml:"max_score" json:"max_score,omitempty"`
}

// SingleUseRules controls the reuse check.
type SingleUseRules struct {
	// RejectMarker, when set, also counts a 2xx response whose body
	// contains it as a rejection.
	RejectMarker string `yaml:"reject_marker" json:"reject_marker,omitempty"`
}

// WithDefaults returns a copy of f with zero values replaced by defaults.
func (f Flow) WithDefaults() Flow {
	if f.Trigger.Method == "" {
		f.Trigger.Method = http.MethodPost
	}
	if f.Wait.Timeout <= 0 {
		f.Wait.Timeout = DefaultWaitTimeout
	}
	if f.Expect.Subject == "" {
		f.Expect.Subject = DefaultSubjectPattern
	}
	if f.Token.Param == "" {
		f.Token.Param = DefaultTokenParam
	}
	if f.Token.MinLength <= 0 {
		f.Token.MinLength = DefaultMinLength
	}
	if f.Token.MinEntropyBits <= 0 {
		f.Token.MinEntropyBits = DefaultMinEntropyBits
	}
	if f.Token.MaxTTL <= 0 {
		f.Token.MaxTTL = DefaultMaxTokenTTL
	}
	if f.Complete != nil {
		c := *f.Complete
		if c.Method == "" {
			c.Method = http.MethodPost
		}
		if c.URL == "" {
			c.URL = "{{.Link}}"
		}
		f.Complete = &c
	}
	return f
}

// Validate reports every problem with f. Call it on a flow with defaults
// applied.
func (f Flow) Validate() error {
	var errs []error
	if f.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	errs = append(errs, f.Trigger.validate("trigger"))
	if f.Complete != nil {
		errs = append(errs, f.Complete.validate("complete"))
	}
	if f.SingleUse != nil && f.Complete == nil {
		errs = append(errs, errors.New("single_use requires complete"))
	}
	for name, pattern := range map[string]string{
		"wait.subject":   f.Wait.Subject,
		"expect.subject": f.Expect.Subject,
	} {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	errs = append(errs, f.Link.validate())

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidFlow, f.Name, err)
	}
	return nil
}

func (r Request) validate(name string) error {
	var errs []error
	if r.URL == "" {
		errs = append(errs, fmt.Errorf("%s: url is required", name))
	} else if _, err := template.New(name).Parse(r.URL); err != nil {
		errs = append(errs, fmt.Errorf("%s: url: %w", name, err))
	} else if !hasTemplate(r.URL) {
		if u, err := url.Parse(r.URL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: url %q is not absolute", name, r.URL))
		}
	}
	if _, err := template.New(name).Parse(r.Body); err != nil {
		errs = append(errs, fmt.Errorf("%s: body: %w", name, err))
	}
	for k, v := range r.Headers {
		if _, err := template.New(name).Parse(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: header %s: %w", name, k, err))
		}
	}
	if r.ExpectStatus != 0 && (r.ExpectStatus < 100 || r.ExpectStatus > 599) {
		errs = append(errs, fmt.Errorf("%s: expect_status %d out of range", name, r.ExpectStatus))
	}
	return errors.Join(errs...)
}
