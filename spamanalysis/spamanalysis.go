// Package spamanalysis models the Rspamd verdict the sandbox attaches to
// received emails.
package spamanalysis

// Action is the action Rspamd recommends for a message.
type Action string

const (
	ActionNoAction       Action = "no action"
	ActionGreylist       Action = "greylist"
	ActionAddHeader      Action = "add header"
	ActionRewriteSubject Action = "rewrite subject"
	ActionSoftReject     Action = "soft reject"
	ActionReject         Action = "reject"
)

// Status says whether the message was analyzed.
type Status string

const (
	StatusAnalyzed Status = "analyzed"
	StatusSkipped  Status = "skipped"
	StatusError    Status = "error"
)

// Symbol is one triggered rule. Positive scores indicate spam, negative
// scores indicate ham.
type Symbol struct {
	Name        string   `json:"name"`
	Score       float64  `json:"score"`
	Description string   `json:"description,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// SpamAnalysis is the analysis of one email. Score, RequiredScore and
// IsSpam are only set when Status is analyzed.
type SpamAnalysis struct {
	Status           Status   `json:"status"`
	Score            *float64 `json:"score,omitempty"`
	RequiredScore    *float64 `json:"requiredScore,omitempty"`
	Action           Action   `json:"action,omitempty"`
	IsSpam           *bool    `json:"isSpam,omitempty"`
	Symbols          []Symbol `json:"symbols,omitempty"`
	ProcessingTimeMs *int     `json:"processingTimeMs,omitempty"`
	// Info holds the skip reason or error message.
	Info string `json:"info,omitempty"`
}

// Verdict summarises an analysis.
type Verdict struct {
	// Available is false when the message was not analyzed; Reason then
	// says why.
	Available bool
	IsSpam    bool
	Score     float64
	Action    Action
	Reason    string
}

// Analyzed reports whether a verdict is available.
func (s *SpamAnalysis) Analyzed() bool {
	return s != nil && s.Status == StatusAnalyzed
}

// Verdict returns the summary of s. A nil analysis is unavailable.
func (s *SpamAnalysis) Verdict() Verdict {
	switch {
	case s == nil:
		return Verdict{Reason: "no spam analysis"}
	case s.Status == StatusAnalyzed:
		v := Verdict{Available: true, Action: s.Action}
		if s.Score != nil {
			v.Score = *s.Score
		}
		if s.IsSpam != nil {
			v.IsSpam = *s.IsSpam
		} else if s.Score != nil && s.RequiredScore != nil {
			v.IsSpam = *s.Score >= *s.RequiredScore
		}
		return v
	case s.Info != "":
		return Verdict{Reason: string(s.Status) + ": " + s.Info}
	default:
		return Verdict{Reason: "spam analysis " + string(s.Status)}
	}
}

// Rejects reports whether the action keeps the message out of the inbox.
func (a Action) Rejects() bool {
	return a == ActionReject || a == ActionSoftReject || a == ActionGreylist
}

// TopSymbols returns the spam indicators with a positive score, highest
// first, at most n of them.
func TopSymbols(symbols []Symbol, n int) []Symbol {
	var out []Symbol
	for _, s := range symbols {
		if s.Score > 0 {
			out = append(out, s)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Score > out[j-1].Score; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
