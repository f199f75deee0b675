// Package secretscan detects credential material in changed lines so the
// filter chain can keep it out of commits.
package secretscan

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Aggression selects how broad the pattern set is. Higher levels add
// patterns and entropy-based detection on top of the lower ones.
type Aggression string

const (
	AggressionNone     Aggression = "none"
	AggressionSafe     Aggression = "safe"
	AggressionStandard Aggression = "standard"
	AggressionStrict   Aggression = "strict"
)

// ParseAggression validates an aggression string from configuration. The
// empty string means the default, standard.
func ParseAggression(s string) (Aggression, error) {
	switch Aggression(s) {
	case AggressionNone, AggressionSafe, AggressionStandard, AggressionStrict:
		return Aggression(s), nil
	case "":
		return AggressionStandard, nil
	}
	return "", fmt.Errorf("unknown secret scanner aggression %q", s)
}

// Finding is one matched secret on one line.
type Finding struct {
	RuleID  string
	Message string
	Line    int
}

type rule struct {
	pattern *regexp.Regexp
	ruleID  string
	message string
}

// safe-level patterns: unambiguous credential material.
var safeRules = []rule{
	{
		pattern: regexp.MustCompile(`(?i)(password|passwd|secret|api_key|apikey|token|credential)\s*[:=]\s*["'][^"']{8,}["']`),
		ruleID:  "SEC001",
		message: "hardcoded secret assignment",
	},
	{
		pattern: regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`),
		ruleID:  "SEC002",
		message: "private key block",
	},
}

// standard-level patterns: well-known token shapes.
var standardRules = []rule{
	{
		pattern: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		ruleID:  "SEC003",
		message: "AWS access key id",
	},
	{
		pattern: regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]{20,}=*`),
		ruleID:  "SEC004",
		message: "bearer token",
	},
	{
		pattern: regexp.MustCompile(`\b(ghp_[A-Za-z0-9]{36}|gho_[A-Za-z0-9]{36}|xox[baprs]-[A-Za-z0-9-]{10,}|sk-[A-Za-z0-9]{20,})\b`),
		ruleID:  "SEC005",
		message: "provider API token",
	},
	{
		pattern: regexp.MustCompile(`(?i)[a-z][a-z0-9+]*://[^/\s:@]+:[^@\s]{6,}@`),
		ruleID:  "SEC006",
		message: "connection string with embedded password",
	},
}

// strict-level patterns: broad, expect false positives.
var strictRules = []rule{
	{
		pattern: regexp.MustCompile(`(?i)(auth|key|sign|cert)[a-z_]*\s*[:=]\s*["'][A-Za-z0-9+/_\-]{16,}={0,2}["']`),
		ruleID:  "SEC007",
		message: "credential-like assignment",
	},
}

// Scanner matches changed lines against the configured pattern set.
type Scanner struct {
	level            Aggression
	rules            []rule
	entropyThreshold float64
}

// New builds a scanner for the given aggression level.
func New(level Aggression) *Scanner {
	s := &Scanner{level: level}
	switch level {
	case AggressionNone:
	case AggressionSafe:
		s.rules = safeRules
	case AggressionStandard:
		s.rules = append(append([]rule{}, safeRules...), standardRules...)
		s.entropyThreshold = 4.5
	case AggressionStrict:
		s.rules = append(append(append([]rule{}, safeRules...), standardRules...), strictRules...)
		s.entropyThreshold = 4.0
	}
	return s
}

// Scan checks lines for secrets. Line numbers in findings are 0-based
// indexes into the input slice.
func (s *Scanner) Scan(lines []string) []Finding {
	if s.level == AggressionNone {
		return nil
	}

	var findings []Finding
	for i, line := range lines {
		for _, r := range s.rules {
			if r.pattern.MatchString(line) {
				findings = append(findings, Finding{RuleID: r.ruleID, Message: r.message, Line: i})
				break
			}
		}
		if s.entropyThreshold > 0 && highEntropyToken(line, s.entropyThreshold) {
			findings = append(findings, Finding{RuleID: "SEC100", Message: "high-entropy token", Line: i})
		}
	}
	return findings
}

// minEntropyTokenLen keeps short identifiers out of the entropy check;
// entropy estimates are unstable below this length anyway.
const minEntropyTokenLen = 24

func highEntropyToken(line string, threshold float64) bool {
	for _, tok := range tokenize(line) {
		if len(tok) < minEntropyTokenLen {
			continue
		}
		if shannonEntropy(tok) >= threshold {
			return true
		}
	}
	return false
}

func tokenize(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		case r == '+', r == '/', r == '=', r == '_', r == '-':
			return false
		}
		return true
	})
}

func shannonEntropy(s string) float64 {
	counts := map[rune]int{}
	for _, r := range s {
		counts[r]++
	}
	n := float64(len(s))
	var h float64
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
