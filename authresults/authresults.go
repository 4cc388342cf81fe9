// Package authresults models the SPF, DKIM, DMARC and reverse DNS
// verdicts the sandbox attaches to each received email, and validates
// them.
package authresults

import "strings"

// Result values reported by the server.
const (
	ResultPass      = "pass"
	ResultFail      = "fail"
	ResultSoftFail  = "softfail"
	ResultNeutral   = "neutral"
	ResultNone      = "none"
	ResultTempError = "temperror"
	ResultPermError = "permerror"
	ResultSkipped   = "skipped"
)

// AuthResults contains all email authentication check results.
type AuthResults struct {
	SPF        *SPFResult        `json:"spf,omitempty"`
	DKIM       []DKIMResult      `json:"dkim,omitempty"`
	DMARC      *DMARCResult      `json:"dmarc,omitempty"`
	ReverseDNS *ReverseDNSResult `json:"reverseDns,omitempty"`
}

// SPFResult is the SPF verdict for the envelope sender.
type SPFResult struct {
	Result  string `json:"result"`
	Domain  string `json:"domain,omitempty"`
	IP      string `json:"ip,omitempty"`
	Details string `json:"details,omitempty"`
}

// DKIMResult is the verdict for one DKIM signature.
type DKIMResult struct {
	Result    string `json:"result"`
	Domain    string `json:"domain,omitempty"`
	Selector  string `json:"selector,omitempty"`
	Signature string `json:"signature,omitempty"`
	Info      string `json:"info,omitempty"`
}

// DMARCResult is the DMARC verdict. Policy is none, quarantine or reject.
type DMARCResult struct {
	Result  string `json:"result"`
	Policy  string `json:"policy,omitempty"`
	Aligned bool   `json:"aligned,omitempty"`
	Domain  string `json:"domain,omitempty"`
	Info    string `json:"info,omitempty"`
}

// ReverseDNSResult is the PTR lookup verdict for the connecting IP.
type ReverseDNSResult struct {
	Result   string `json:"result"`
	IP       string `json:"ip,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// AuthValidation summarises a set of results.
type AuthValidation struct {
	// Passed is true when SPF, DKIM and DMARC all passed. Reverse DNS is
	// reported but does not affect it.
	Passed           bool     `json:"passed"`
	SPFPassed        bool     `json:"spfPassed"`
	DKIMPassed       bool     `json:"dkimPassed"`
	DMARCPassed      bool     `json:"dmarcPassed"`
	ReverseDNSPassed bool     `json:"reverseDnsPassed"`
	Failures         []string `json:"failures"`
}

func passes(result string) bool {
	return result == ResultPass || result == ResultSkipped
}

// dkimPasses reports whether any signature passed or every signature
// was skipped.
func dkimPasses(sigs []DKIMResult) bool {
	if len(sigs) == 0 {
		return false
	}
	allSkipped := true
	for _, sig := range sigs {
		if sig.Result == ResultPass {
			return true
		}
		if sig.Result != ResultSkipped {
			allSkipped = false
		}
	}
	return allSkipped
}

// Validate summarises the results. A "skipped" verdict counts as passing.
// A missing SPF, DKIM or DMARC result is reported as a failure.
func (a *AuthResults) Validate() AuthValidation {
	if a == nil {
		return AuthValidation{Failures: []string{"no authentication results available"}}
	}

	v := AuthValidation{Failures: []string{}}

	switch {
	case a.SPF == nil:
		v.Failures = append(v.Failures, "SPF result missing")
	case passes(a.SPF.Result):
		v.SPFPassed = true
	default:
		msg := "SPF check failed: " + a.SPF.Result
		if a.SPF.Domain != "" {
			msg += " (domain: " + a.SPF.Domain + ")"
		}
		v.Failures = append(v.Failures, msg)
	}

	switch {
	case len(a.DKIM) == 0:
		v.Failures = append(v.Failures, "DKIM result missing")
	case dkimPasses(a.DKIM):
		v.DKIMPassed = true
	default:
		var domains []string
		for _, sig := range a.DKIM {
			if sig.Domain != "" {
				domains = append(domains, sig.Domain)
			}
		}
		msg := "DKIM signature failed"
		if len(domains) > 0 {
			msg += ": " + strings.Join(domains, ", ")
		}
		v.Failures = append(v.Failures, msg)
	}

	switch {
	case a.DMARC == nil:
		v.Failures = append(v.Failures, "DMARC result missing")
	case passes(a.DMARC.Result):
		v.DMARCPassed = true
	default:
		msg := "DMARC policy: " + a.DMARC.Result
		if a.DMARC.Policy != "" {
			msg += " (policy: " + a.DMARC.Policy + ")"
		}
		v.Failures = append(v.Failures, msg)
	}

	if a.ReverseDNS != nil {
		if passes(a.ReverseDNS.Result) {
			v.ReverseDNSPassed = true
		} else {
			msg := "Reverse DNS check failed"
			if a.ReverseDNS.Hostname != "" {
				msg += " (hostname: " + a.ReverseDNS.Hostname + ")"
			}
			v.Failures = append(v.Failures, msg)
		}
	}

	v.Passed = v.SPFPassed && v.DKIMPassed && v.DMARCPassed
	return v
}

// IsPassing is shorthand for Validate().Passed.
func (a *AuthResults) IsPassing() bool {
	return a.Validate().Passed
}
