// Package compliance scans commands and deploy templates for policy
// violations. Rules are regex matchers with severities over the normalized
// command; embedded JSON payloads are canonicalized (RFC 8785) before
// matching so whitespace or key-order games cannot slip past a pattern.
package compliance

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gowebpki/jcs"
)

// Severity orders rule outcomes. HIGH forces manual approval; CRITICAL
// short-circuits admission to compliance_rejected.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the severity label used in rule files and findings.
func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "CRITICAL"
	case SeverityHigh:
		return "HIGH"
	case SeverityMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// ParseSeverity maps a rule-file label onto a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return SeverityCritical, nil
	case "HIGH":
		return SeverityHigh, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "LOW":
		return SeverityLow, nil
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", s)
}

// Finding is one rule hit.
type Finding struct {
	RuleID      string
	RuleName    string
	Severity    Severity
	Reason      string
	Remediation string
}

// Result aggregates the findings of one check.
type Result struct {
	Findings []Finding
	// CheckError is set when rule evaluation itself failed; callers treat it
	// as a forced-manual outcome, never as a pass.
	CheckError error
}

// Max returns the highest severity among the findings, or -1 when clean.
func (r Result) Max() Severity {
	max := Severity(-1)
	for _, f := range r.Findings {
		if f.Severity > max {
			max = f.Severity
		}
	}
	return max
}

// Reasons flattens findings into audit reason codes.
func (r Result) Reasons() []string {
	out := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		out = append(out, f.RuleID+": "+f.Reason)
	}
	return out
}

// Checker evaluates the immutable compliance rule table.
type Checker struct {
	rules   []compiledRule
	trusted []string
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// NewChecker compiles the rule table. A rule whose regex fails to compile is
// an error at startup, never a silently skipped rule.
func NewChecker(rules []Rule, trustedAccountIDs []string) (*Checker, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling compliance rule %s: %w", r.ID, err)
		}
		compiled = append(compiled, compiledRule{Rule: r, re: re})
	}
	return &Checker{rules: compiled, trusted: trustedAccountIDs}, nil
}

var trustArNRe = regexp.MustCompile(`arn:aws:iam::(\d{12}):`)

// referencesUntrustedAccount reports whether the command names any account id
// outside the trusted set.
func (c *Checker) referencesUntrustedAccount(command string) bool {
	for _, m := range trustArNRe.FindAllStringSubmatch(command, -1) {
		trusted := false
		for _, t := range c.trusted {
			if m[1] == t {
				trusted = true
				break
			}
		}
		if !trusted {
			return true
		}
	}
	return false
}

// jsonFragmentRe finds brace-delimited payloads (one nesting level deep) for
// canonicalization before matching.
var jsonFragmentRe = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)

// canonicalizeJSONPayloads re-serializes embedded JSON fragments with
// canonical key order and no whitespace. Fragments that do not parse are left
// untouched.
func canonicalizeJSONPayloads(command string) string {
	return jsonFragmentRe.ReplaceAllStringFunc(command, func(fragment string) string {
		out, err := jcs.Transform([]byte(fragment))
		if err != nil {
			return fragment
		}
		return string(out)
	})
}

// CheckCommand evaluates every rule against the normalized command and its
// canonicalized form. All hits are returned, ordered by rule table position.
func (c *Checker) CheckCommand(command string) Result {
	if command == "" {
		return Result{}
	}

	canonical := canonicalizeJSONPayloads(command)

	var findings []Finding
	for _, r := range c.rules {
		if r.re.MatchString(command) || r.re.MatchString(canonical) {
			// The cross-account rule matches any account ARN; clear the hit
			// when every referenced account is inside the organization.
			if r.ID == CrossAccountRuleID && !c.referencesUntrustedAccount(command) {
				continue
			}
			findings = append(findings, Finding{
				RuleID:      r.ID,
				RuleName:    r.Name,
				Severity:    r.Severity,
				Reason:      r.Reason,
				Remediation: r.Remediation,
			})
		}
	}
	return Result{Findings: findings}
}

// CheckTemplate evaluates the rule table against a deploy template payload.
// A template that is not valid JSON does not suppress the check: the result
// carries a CheckError, which forces manual approval downstream.
func (c *Checker) CheckTemplate(template []byte) Result {
	canonical, err := jcs.Transform(template)
	if err != nil {
		return Result{CheckError: fmt.Errorf("parsing template: %w", err)}
	}
	return c.CheckCommand(string(canonical))
}
