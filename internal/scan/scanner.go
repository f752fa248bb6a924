// Package scan runs ordered lists of regular-expression rules over text. It
// backs both the page-script security detectors and secret redaction of
// captured messages.
package scan

import (
	"fmt"
	"regexp"
	"sort"
)

// Redacted replaces every secret match.
const Redacted = "[REDACTED]"

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Scanner evaluates compiled rules. It is immutable and safe for concurrent
// use.
type Scanner struct {
	rules []compiledRule
}

// Finding is one matched rule and how often it matched in a pass.
type Finding struct {
	Rule  Rule
	Count int
}

// Compile validates and compiles rules, keeping their order.
func Compile(rules []Rule) (*Scanner, error) {
	s := &Scanner{rules: make([]compiledRule, 0, len(rules))}
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		s.rules = append(s.rules, compiledRule{Rule: r, re: re})
	}
	return s, nil
}

// MustCompile is Compile for built-in rule sets.
func MustCompile(rules []Rule) *Scanner {
	s, err := Compile(rules)
	if err != nil {
		panic(err)
	}
	return s
}

// Rules returns the rules in evaluation order.
func (s *Scanner) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Rule
	}
	return out
}

// Scan returns one Finding per rule that matched content at least once, in
// rule order.
func (s *Scanner) Scan(content string) []Finding {
	var findings []Finding
	for _, r := range s.rules {
		if n := len(r.re.FindAllStringIndex(content, -1)); n > 0 {
			findings = append(findings, Finding{Rule: r.Rule, Count: n})
		}
	}
	return findings
}

type span struct{ start, end int }

// Redact replaces every match of every rule with Redacted. Overlapping
// matches are merged first. It returns the redacted text and the number of
// merged regions replaced.
func (s *Scanner) Redact(content string) (string, int) {
	var spans []span
	for _, r := range s.rules {
		for _, m := range r.re.FindAllStringIndex(content, -1) {
			spans = append(spans, span{m[0], m[1]})
		}
	}
	if len(spans) == 0 {
		return content, 0
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	out := make([]byte, 0, len(content))
	prev := 0
	for _, sp := range merged {
		out = append(out, content[prev:sp.start]...)
		out = append(out, Redacted...)
		prev = sp.end
	}
	out = append(out, content[prev:]...)
	return string(out), len(merged)
}
