// Package classifier derives a search query and tags from a signal. The
// derivation is deterministic and idempotent: cleaning a cleaned message
// returns it unchanged.
package classifier

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/faultline/internal/signal"
)

// MaxQueryLength is the query length limit in runes.
const MaxQueryLength = 100

// maxPasses bounds the fixpoint loop in Clean. In practice the second pass
// never changes anything.
const maxPasses = 16

var (
	stackFrame   = regexp.MustCompile(`\bat\s+\S+:\d+:\d+`)
	parenthetic  = regexp.MustCompile(`\([^()]*\)`)
	absoluteURL  = regexp.MustCompile(`(?:https?|wss?)://\S+`)
	digits       = regexp.MustCompile(`\d+`)
	quotes       = regexp.MustCompile("[\"'`]")
	whitespace   = regexp.MustCompile(`\s+`)
	errorToken   = regexp.MustCompile(`\b[A-Za-z_]*Error\b:?`)
	leadingError = regexp.MustCompile(`^[A-Za-z_]*Error\b`)
)

// Query is a search-ready rendering of a signal.
type Query struct {
	Text      string `json:"text"`
	ErrorType string `json:"errorType,omitempty"`
}

func (q Query) String() string { return q.Text }

// Clean normalizes a raw message: it strips stack-frame locations,
// parenthesized content, absolute URLs, digit runs and quotes, collapses
// whitespace, moves the first error-type token to the front and truncates
// to MaxQueryLength runes.
func Clean(message string) string {
	out := message
	for i := 0; i < maxPasses; i++ {
		next := cleanPass(out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func cleanPass(s string) string {
	s = stackFrame.ReplaceAllString(s, " ")
	// Nested parentheses are removed from the inside out.
	for {
		next := parenthetic.ReplaceAllString(s, " ")
		if next == s {
			break
		}
		s = next
	}
	s = absoluteURL.ReplaceAllString(s, " ")
	s = digits.ReplaceAllString(s, "")
	s = quotes.ReplaceAllString(s, "")
	s = strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
	s = errorFirst(s)
	return truncate(s, MaxQueryLength)
}

// errorFirst moves the leftmost error-type token to the front.
func errorFirst(s string) string {
	loc := errorToken.FindStringIndex(s)
	if loc == nil || loc[0] == 0 {
		return s
	}
	token := strings.TrimSuffix(s[loc[0]:loc[1]], ":")
	rest := strings.TrimSpace(whitespace.ReplaceAllString(s[:loc[0]]+" "+s[loc[1]:], " "))
	if rest == "" {
		return token
	}
	return token + " " + rest
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimRightFunc(string(runes[:n]), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n'
	})
}

// ErrorType returns the leading error-type token of a cleaned message, or
// "" when there is none.
func ErrorType(cleaned string) string {
	return leadingError.FindString(cleaned)
}

// ExtractQuery builds the query for s. An empty cleaned message falls back
// to the signal kind.
func ExtractQuery(s signal.Signal) Query {
	text := Clean(s.Message)
	if text == "" {
		text = string(s.Kind)
	}
	return Query{Text: text, ErrorType: ErrorType(text)}
}

// QueryFromText builds a query from free text typed by a user.
func QueryFromText(text string) Query {
	cleaned := Clean(text)
	return Query{Text: cleaned, ErrorType: ErrorType(cleaned)}
}

// Labels.
const (
	LabelHTTP4xx        = "http-4xx"
	LabelHTTP5xx        = "http-5xx"
	LabelNetworkFailure = "network-failure"
	LabelCORS           = "cors"
	LabelSlowResponse   = "slow-response"
	LabelSecurityPrefix = "security:"
)

// Tags describe a signal for filtering and display.
type Tags struct {
	Kind      signal.Kind     `json:"kind"`
	Severity  signal.Severity `json:"severity"`
	ErrorType string          `json:"errorType,omitempty"`
	Labels    []string        `json:"labels"`
}

// Classify tags s.
func Classify(s signal.Signal) Tags {
	t := Tags{
		Kind:      s.Kind,
		Severity:  s.Severity,
		ErrorType: ExtractQuery(s).ErrorType,
		Labels:    []string{},
	}
	if nd := s.NetworkDetails; nd != nil {
		switch {
		case s.Kind == signal.KindPerformance:
			t.Labels = append(t.Labels, LabelSlowResponse)
		case nd.Status >= 500:
			t.Labels = append(t.Labels, LabelHTTP5xx)
		case nd.Status >= 400:
			t.Labels = append(t.Labels, LabelHTTP4xx)
		case nd.Status == 0:
			t.Labels = append(t.Labels, LabelNetworkFailure)
		}
	} else if s.Kind == signal.KindPerformance {
		t.Labels = append(t.Labels, LabelSlowResponse)
	}
	if isCORS(s.Message) {
		t.Labels = append(t.Labels, LabelCORS)
	}
	if sd := s.SecurityDetails; sd != nil && sd.PatternType != "" {
		t.Labels = append(t.Labels, LabelSecurityPrefix+sd.PatternType)
	}
	return t
}

func isCORS(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "cors") || strings.Contains(m, "access-control-allow-origin")
}
