// Package policy implements the marking policy (§3, §4.5, C5): an ordered
// list of patterns evaluated against a Detail event candidate to decide
// whether the window currently being built should ultimately be persisted.
package policy

import (
	"errors"
	"fmt"
	"regexp"
	"regexp/syntax"
	"strings"
)

// Target is which probe field a pattern matches against.
type Target uint8

const (
	TargetMessage Target = iota
	TargetSymbol
)

// MatchKind selects literal substring matching or POSIX extended regex.
type MatchKind uint8

const (
	MatchLiteral MatchKind = iota
	MatchRegex
)

// ErrInvalidPattern wraps a regex compile failure at policy construction
// time, per §4.5 ("compile errors at policy construction fail with
// InvalidPattern").
var ErrInvalidPattern = errors.New("policy: invalid pattern")

// Pattern is one entry in a MarkingPolicy's ordered pattern list.
type Pattern struct {
	Target        Target
	Match         MatchKind
	CaseSensitive bool
	Text          string
	// Module, if non-empty, additionally requires the probe's Module to
	// match Text's case-sensitivity rule against this qualifier.
	Module string
}

// Probe is the event metadata a marking decision is evaluated against.
type Probe struct {
	Message string
	Symbol  string
	Module  string
}

type compiled struct {
	Pattern
	re *regexp.Regexp // non-nil only for MatchRegex
}

// MarkingPolicy is an ordered, first-match-wins list of compiled patterns.
type MarkingPolicy struct {
	patterns []compiled
}

// New compiles patterns in order, failing on the first invalid regex.
func New(patterns []Pattern) (*MarkingPolicy, error) {
	out := make([]compiled, len(patterns))
	for i, p := range patterns {
		c := compiled{Pattern: p}
		if p.Match == MatchRegex {
			// POSIX ERE syntax has no (?i) flag group, so case folding is
			// applied as a parse flag instead.
			flags := syntax.POSIX
			if !p.CaseSensitive {
				flags |= syntax.FoldCase
			}
			parsed, err := syntax.Parse(p.Text, flags)
			if err != nil {
				return nil, fmt.Errorf("%w: pattern %d (%q): %v", ErrInvalidPattern, i, p.Text, err)
			}
			re, err := regexp.Compile(parsed.String())
			if err != nil {
				return nil, fmt.Errorf("%w: pattern %d (%q): %v", ErrInvalidPattern, i, p.Text, err)
			}
			re.Longest()
			c.re = re
		}
		out[i] = c
	}
	return &MarkingPolicy{patterns: out}, nil
}

// Matches evaluates probe against the pattern list in order and returns
// true on the first match (§4.5's short-circuit semantics).
func (m *MarkingPolicy) Matches(probe Probe) bool {
	for _, p := range m.patterns {
		if p.matches(probe) {
			return true
		}
	}
	return false
}

func (c compiled) matches(probe Probe) bool {
	if c.Module != "" && !textMatches(c.Module, probe.Module, MatchLiteral, c.CaseSensitive, nil) {
		return false
	}
	field := probe.Message
	if c.Target == TargetSymbol {
		field = probe.Symbol
	}
	return textMatches(c.Text, field, c.Match, c.CaseSensitive, c.re)
}

func textMatches(pattern, field string, kind MatchKind, caseSensitive bool, re *regexp.Regexp) bool {
	if kind == MatchRegex {
		return re != nil && re.MatchString(field)
	}
	if caseSensitive {
		return strings.Contains(field, pattern)
	}
	return strings.Contains(strings.ToLower(field), strings.ToLower(pattern))
}
