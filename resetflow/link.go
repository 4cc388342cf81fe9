package resetflow

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/vaultsandbox/resetcheck/sandbox"
)

var textURLPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// LinkMatcher selects the reset link among the links of an email. Every
// non-empty field must match. An empty matcher accepts links whose path
// or query mentions "reset".
type LinkMatcher struct {
	// Host is compared case-insensitively with the URL host name.
	Host string `yaml:"host" json:"host,omitempty"`
	// Path must be a substring of the URL path.
	Path string `yaml:"path" json:"path,omitempty"`
	// Pattern is a regular expression matched against the whole URL.
	Pattern string `yaml:"pattern" json:"pattern,omitempty"`
}

func (m LinkMatcher) isZero() bool {
	return m.Host == "" && m.Path == "" && m.Pattern == ""
}

func (m LinkMatcher) validate() error {
	if m.Pattern == "" {
		return nil
	}
	if _, err := regexp.Compile(m.Pattern); err != nil {
		return fmt.Errorf("link pattern: %w", err)
	}
	return nil
}

// Match reports whether raw is a link this matcher selects.
func (m LinkMatcher) Match(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	if m.isZero() {
		return strings.Contains(strings.ToLower(u.Path+"?"+u.RawQuery), "reset")
	}
	if m.Host != "" && !strings.EqualFold(u.Hostname(), m.Host) {
		return false
	}
	if m.Path != "" && !strings.Contains(u.Path, m.Path) {
		return false
	}
	if m.Pattern != "" {
		re, err := regexp.Compile(m.Pattern)
		if err != nil || !re.MatchString(raw) {
			return false
		}
	}
	return true
}

// FindResetLink returns the first matching link, looking at the links the
// server extracted, then at anchors in the HTML body, then at URLs in the
// text body.
func FindResetLink(email *sandbox.Email, m LinkMatcher) (string, error) {
	for _, candidates := range [][]string{email.Links, htmlLinks(email.HTML), textLinks(email.Text)} {
		for _, link := range candidates {
			if m.Match(link) {
				return link, nil
			}
		}
	}
	return "", ErrNoResetLink
}

// htmlLinks returns the href of every anchor in body, with entities
// decoded.
func htmlLinks(body string) []string {
	if body == "" {
		return nil
	}
	tokenizer := html.NewTokenizer(strings.NewReader(body))
	var links []string
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return links
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := tokenizer.Token()
			if tok.Data != "a" {
				continue
			}
			for _, attr := range tok.Attr {
				if attr.Key == "href" && attr.Val != "" {
					links = append(links, strings.TrimSpace(attr.Val))
				}
			}
		}
	}
}

func textLinks(body string) []string {
	found := textURLPattern.FindAllString(body, -1)
	for i, l := range found {
		found[i] = strings.TrimRight(l, ".,;:!?)]")
	}
	return found
}

// ExtractToken returns the token carried by link: the value of the query
// parameter param, or the last path segment when param is empty.
func ExtractToken(link, param string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse link: %w", err)
	}
	if param != "" {
		if tok := u.Query().Get(param); tok != "" {
			return tok, nil
		}
		// Some applications put the token in the fragment for SPAs.
		if frag, err := url.ParseQuery(u.Fragment); err == nil {
			if tok := frag.Get(param); tok != "" {
				return tok, nil
			}
		}
		return "", fmt.Errorf("%w: parameter %q missing", ErrNoToken, param)
	}

	seg := path.Base(strings.TrimRight(u.EscapedPath(), "/"))
	if seg == "" || seg == "." || seg == "/" {
		return "", fmt.Errorf("%w: empty path", ErrNoToken)
	}
	if unescaped, err := url.PathUnescape(seg); err == nil {
		seg = unescaped
	}
	return seg, nil
}
