package resetflow

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/vaultsandbox/resetcheck/authresults"
	"github.com/vaultsandbox/resetcheck/sandbox"
	"github.com/vaultsandbox/resetcheck/spamanalysis"
)

// Check names.
const (
	CheckTrigger             = "trigger"
	CheckEmailReceived       = "email_received"
	CheckSubject             = "subject"
	CheckSender              = "sender"
	CheckRecipient           = "recipient"
	CheckLinkPresent         = "link_present"
	CheckLinkHTTPS           = "link_https"
	CheckLinkHost            = "link_host"
	CheckTokenPresent        = "token_present"
	CheckTokenLength         = "token_length"
	CheckTokenEntropy        = "token_entropy"
	CheckTokenExpiry         = "token_expiry"
	CheckTokenConsistency    = "token_consistency"
	CheckTokenUnique         = "token_unique"
	CheckNoPlaintextPassword = "no_plaintext_password"
	CheckAuth                = "auth"
	CheckNotSpam             = "not_spam"
	CheckLinkReachable       = "link_reachable"
	CheckResetCompleted      = "reset_completed"
	CheckSingleUse           = "single_use"
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

func pass(name, format string, args ...any) CheckResult {
	return CheckResult{Name: name, Passed: true, Detail: fmt.Sprintf(format, args...)}
}

func fail(name, format string, args ...any) CheckResult {
	return CheckResult{Name: name, Detail: fmt.Sprintf(format, args...)}
}

// Evaluation is the result of checking a reset email.
type Evaluation struct {
	Checks []CheckResult
	// Link and Token are empty when they could not be found.
	Link  string
	Token string
	Info  *TokenInfo
}

// CheckEmail runs the content checks of flow against an email received at
// inbox. Flow defaults must already be applied. now is used for JWT
// expiry.
func CheckEmail(flow Flow, inbox string, email *sandbox.Email, now time.Time) *Evaluation {
	ev := &Evaluation{}
	add := func(r CheckResult) { ev.Checks = append(ev.Checks, r) }

	add(checkSubject(flow.Expect.Subject, email.Subject))
	if flow.Expect.From != "" {
		add(checkSender(flow.Expect.From, email.From))
	}
	add(checkRecipient(inbox, email.To))
	if len(flow.Forbidden) > 0 {
		add(checkForbidden(flow.Forbidden, email))
	}
	if flow.Auth.enabled() {
		add(checkAuth(flow.Auth, email.AuthResults))
	}
	if flow.Spam.Check {
		add(checkSpam(flow.Spam, email.SpamAnalysis))
	}

	link, err := FindResetLink(email, flow.Link)
	if err != nil {
		add(fail(CheckLinkPresent, "%v", err))
		return ev
	}
	ev.Link = link
	add(pass(CheckLinkPresent, "%s", redactLink(link, flow.Token.param())))

	u, _ := url.Parse(link)
	switch {
	case u.Scheme == "https":
		add(pass(CheckLinkHTTPS, "https"))
	case u.Scheme == "http" && flow.Expect.AllowHTTP:
		add(pass(CheckLinkHTTPS, "http allowed"))
	default:
		add(fail(CheckLinkHTTPS, "scheme is %q", u.Scheme))
	}
	if flow.Expect.LinkHost != "" {
		if strings.EqualFold(u.Hostname(), flow.Expect.LinkHost) {
			add(pass(CheckLinkHost, "%s", u.Hostname()))
		} else {
			add(fail(CheckLinkHost, "host %q, want %q", u.Hostname(), flow.Expect.LinkHost))
		}
	}

	token, err := ExtractToken(link, flow.Token.param())
	if err != nil {
		add(fail(CheckTokenPresent, "%v", err))
		return ev
	}
	ev.Token = token
	info := InspectToken(token)
	ev.Info = &info
	add(pass(CheckTokenPresent, "fingerprint %s", Fingerprint(token)[:12]))
	ev.Checks = append(ev.Checks, checkToken(flow.Token, info, now)...)

	if email.Text != "" && email.HTML != "" {
		add(checkConsistency(token, email))
	}
	return ev
}

func checkSubject(pattern, subject string) CheckResult {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fail(CheckSubject, "invalid pattern: %v", err)
	}
	if !re.MatchString(subject) {
		return fail(CheckSubject, "%q does not match %s", subject, pattern)
	}
	return pass(CheckSubject, "%q", subject)
}

// checkSender compares the address part so "Shop <no-reply@shop.example>"
// matches "no-reply@shop.example".
func checkSender(want, from string) CheckResult {
	addr := from
	if i, j := strings.LastIndex(from, "<"), strings.LastIndex(from, ">"); i >= 0 && j > i {
		addr = from[i+1 : j]
	}
	if !strings.EqualFold(strings.TrimSpace(addr), want) {
		return fail(CheckSender, "from %q, want %q", from, want)
	}
	return pass(CheckSender, "%s", addr)
}

func checkRecipient(inbox string, to []string) CheckResult {
	if slices.ContainsFunc(to, func(addr string) bool { return strings.Contains(strings.ToLower(addr), strings.ToLower(inbox)) }) {
		return pass(CheckRecipient, "%s", inbox)
	}
	return fail(CheckRecipient, "%s not in %v", inbox, to)
}

func checkForbidden(forbidden []string, email *sandbox.Email) CheckResult {
	body := email.Subject + "\n" + email.Text + "\n" + email.HTML
	for i, s := range forbidden {
		if s != "" && strings.Contains(body, s) {
			// Report the index, never the secret itself.
			return fail(CheckNoPlaintextPassword, "forbidden string #%d found in email", i+1)
		}
	}
	return pass(CheckNoPlaintextPassword, "%d strings absent", len(forbidden))
}

func checkAuth(rules AuthRules, results *authresults.AuthResults) CheckResult {
	if results == nil {
		return fail(CheckAuth, "no authentication results")
	}
	if rules.Require {
		v := results.Validate()
		if !v.Passed {
			return fail(CheckAuth, "%s", strings.Join(v.Failures, "; "))
		}
		return pass(CheckAuth, "spf, dkim and dmarc pass")
	}

	var failures, passed []string
	for _, c := range []struct {
		name     string
		enabled  bool
		validate func(*authresults.AuthResults) error
	}{
		{"spf", rules.SPF, authresults.ValidateSPF},
		{"dkim", rules.DKIM, authresults.ValidateDKIM},
		{"dmarc", rules.DMARC, authresults.ValidateDMARC},
	} {
		if !c.enabled {
			continue
		}
		if err := c.validate(results); err != nil {
			failures = append(failures, err.Error())
		} else {
			passed = append(passed, c.name)
		}
	}
	if len(failures) > 0 {
		return fail(CheckAuth, "%s", strings.Join(failures, "; "))
	}
	return pass(CheckAuth, "%s pass", strings.Join(passed, ", "))
}

func checkSpam(rules SpamRules, analysis *spamanalysis.SpamAnalysis) CheckResult {
	v := analysis.Verdict()
	if !v.Available {
		return pass(CheckNotSpam, "%s", v.Reason)
	}
	var problems []string
	if v.IsSpam {
		problems = append(problems, "classified as spam")
	}
	if rules.MaxScore > 0 && v.Score > rules.MaxScore {
		problems = append(problems, fmt.Sprintf("score %.1f above %.1f", v.Score, rules.MaxScore))
	}
	if v.Action.Rejects() {
		problems = append(problems, fmt.Sprintf("action %q", v.Action))
	}
	if len(problems) == 0 {
		return pass(CheckNotSpam, "score %.1f", v.Score)
	}
	var names []string
	for _, sym := range spamanalysis.TopSymbols(analysis.Symbols, 3) {
		names = append(names, sym.Name)
	}
	if len(names) > 0 {
		problems = append(problems, "top symbols "+strings.Join(names, ", "))
	}
	return fail(CheckNotSpam, "%s", strings.Join(problems, "; "))
}

func checkToken(rules TokenRules, info TokenInfo, now time.Time) []CheckResult {
	var out []CheckResult
	if info.Length >= rules.MinLength {
		out = append(out, pass(CheckTokenLength, "%d chars", info.Length))
	} else {
		out = append(out, fail(CheckTokenLength, "%d chars, want at least %d", info.Length, rules.MinLength))
	}

	if info.JWT != nil {
		// The strength of a signed token is its key, not its characters.
		out = append(out, pass(CheckTokenEntropy, "signed JWT (%s)", info.JWT.Algorithm))
		out = append(out, checkExpiry(rules.MaxTTL, info.JWT, now))
		return out
	}
	if info.EntropyBits >= rules.MinEntropyBits {
		out = append(out, pass(CheckTokenEntropy, "~%.0f bits", info.EntropyBits))
	} else {
		out = append(out, fail(CheckTokenEntropy, "~%.0f bits, want at least %.0f", info.EntropyBits, rules.MinEntropyBits))
	}
	return out
}

func checkExpiry(maxTTL time.Duration, c *JWTClaims, now time.Time) CheckResult {
	switch {
	case strings.EqualFold(c.Algorithm, "none"):
		return fail(CheckTokenExpiry, "unsigned JWT")
	case c.ExpiresAt.IsZero():
		return fail(CheckTokenExpiry, "JWT has no exp claim")
	case !c.ExpiresAt.After(now):
		return fail(CheckTokenExpiry, "JWT expired at %s", c.ExpiresAt.Format(time.RFC3339))
	}
	ttl := c.Lifetime()
	if ttl == 0 {
		ttl = c.ExpiresAt.Sub(now)
	}
	if ttl > maxTTL {
		return fail(CheckTokenExpiry, "lifetime %v exceeds %v", ttl.Round(time.Second), maxTTL)
	}
	return pass(CheckTokenExpiry, "lifetime %v", ttl.Round(time.Second))
}

func checkConsistency(token string, email *sandbox.Email) CheckResult {
	// HTML bodies may escape query separators.
	inHTML := strings.Contains(email.HTML, token) || strings.Contains(email.HTML, url.QueryEscape(token))
	inText := strings.Contains(email.Text, token) || strings.Contains(email.Text, url.QueryEscape(token))
	switch {
	case inHTML && inText:
		return pass(CheckTokenConsistency, "same token in text and html")
	case inHTML:
		return fail(CheckTokenConsistency, "token missing from text body")
	default:
		return fail(CheckTokenConsistency, "token missing from html body")
	}
}

// redactLink replaces the token in link so it can be logged.
func redactLink(link, param string) string {
	u, err := url.Parse(link)
	if err != nil {
		return "<unparseable link>"
	}
	if param == "" {
		// ExtractToken ignores trailing slashes, so the token is the last
		// non-empty segment.
		raw := strings.TrimRight(u.EscapedPath(), "/")
		raw = raw[:strings.LastIndex(raw, "/")+1] + "REDACTED"
		u.Path, _ = url.PathUnescape(raw)
		u.RawPath = raw
		u.Fragment = ""
		return u.String()
	}
	q := u.Query()
	if q.Has(param) {
		q.Set(param, "REDACTED")
		u.RawQuery = q.Encode()
	}
	u.Fragment = ""
	return u.String()
}
