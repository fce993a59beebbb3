package command

import (
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Class is the classifier's verdict on a normalized command.
type Class string

const (
	ClassBlocked   Class = "BLOCKED"
	ClassDangerous Class = "DANGEROUS"
	ClassSafelist  Class = "SAFELIST"
	ClassApproval  Class = "APPROVAL"
)

// Classification carries the verdict plus the rule that produced it.
type Classification struct {
	Class  Class
	Reason string
}

// Classifier maps a parsed command to exactly one class. It is deterministic
// and pure; all rule state is immutable after construction.
type Classifier struct {
	rules Rules
}

// NewClassifier builds a classifier over a loaded rule table.
func NewClassifier(rules Rules) *Classifier {
	return &Classifier{rules: rules}
}

var (
	// JMESPath --query values may legally contain backticks; mask them before
	// metacharacter and blocklist matching.
	queryArgRe = regexp.MustCompile(`--query(\s+|=)('[^']*'|"[^"]*"|\S+)`)

	metaSubstrings = []string{";", "|", "`", "$(", "&&", "||", "../", "file://"}
)

// Classify returns the first matching class in priority order:
// BLOCKED, DANGEROUS, SAFELIST, APPROVAL. The argv must already be normalized
// (first two tokens after the CLI verb lowercased).
func (c *Classifier) Classify(argv []string) Classification {
	if len(argv) < 2 {
		return Classification{Class: ClassApproval, Reason: "incomplete command"}
	}

	// Skip the CLI verb; tail is "service action args...".
	tail := argv[1:]
	joined := strings.Join(tail, " ")
	masked := queryArgRe.ReplaceAllString(joined, "--query REDACTED")

	// 1. Blocked prefix patterns.
	for _, pattern := range c.rules.BlockedPatterns {
		if strings.HasPrefix(masked, pattern) {
			return Classification{Class: ClassBlocked, Reason: pattern + " is in blocked list"}
		}
	}

	// Shell metacharacters surviving argv splitting are always blocked. The
	// value of --query is JMESPath and may legally contain backticks.
	for i, arg := range tail {
		if i > 0 && (tail[i-1] == "--query" || strings.HasPrefix(tail[i-1], "--query=")) {
			continue
		}
		if strings.HasPrefix(arg, "--query=") {
			continue
		}
		for _, meta := range metaSubstrings {
			if strings.Contains(arg, meta) {
				return Classification{Class: ClassBlocked, Reason: "argument contains shell metacharacter " + meta}
			}
		}
	}

	service := tail[0]
	action := ""
	if len(tail) > 1 {
		action = tail[1]
	}

	// 2. Dangerous verbs, flags, and service/action pairs.
	for _, verb := range c.rules.DangerVerbs {
		if ok, _ := doublestar.Match(verb, action); ok {
			return Classification{Class: ClassDangerous, Reason: "destructive verb " + action}
		}
	}
	for _, arg := range tail {
		for _, flag := range c.rules.DangerFlags {
			if arg == flag {
				return Classification{Class: ClassDangerous, Reason: "danger flag " + flag}
			}
		}
	}
	for _, pattern := range c.rules.DangerPatterns {
		if strings.HasPrefix(joined, pattern) {
			return Classification{Class: ClassDangerous, Reason: pattern + " is a dangerous operation"}
		}
	}

	// 3. Safelist: read-only verb and no write-mask argument.
	for _, verb := range c.rules.SafelistVerbs {
		ok, _ := doublestar.Match(verb, action)
		if !ok && service == "s3" {
			// s3 high-level read subcommands have no hyphenated verb.
			ok = action == "ls"
		}
		if !ok {
			continue
		}
		for _, arg := range tail {
			for _, mask := range c.rules.WriteMaskFlags {
				if arg == mask {
					return Classification{Class: ClassApproval, Reason: "read verb with write-mask flag " + mask}
				}
			}
		}
		return Classification{Class: ClassSafelist, Reason: "read-only verb " + action}
	}

	// 4. Everything else requires approval.
	return Classification{Class: ClassApproval, Reason: "no rule matched"}
}

// IsTrustExcluded reports whether a normalized command may never be
// auto-approved under a trust session. Any BLOCKED or DANGEROUS class is
// excluded by delegating to Classify, so the danger verb, flag, and pattern
// tables cannot drift apart from the trust gate; the trust-specific service
// and action lists widen the exclusion beyond that.
func (c *Classifier) IsTrustExcluded(normalized string, argv []string) bool {
	switch c.Classify(argv).Class {
	case ClassBlocked, ClassDangerous:
		return true
	}

	if len(argv) >= 2 {
		service := argv[1]
		for _, s := range c.rules.TrustExcludedServices {
			if service == s {
				return true
			}
		}
	}

	lower := strings.ToLower(normalized)
	for _, action := range c.rules.TrustExcludedActions {
		if strings.Contains(lower, action) {
			return true
		}
	}
	return false
}

// Suggestion returns the remediation hint attached to a blocked class.
func Suggestion(reason string) string {
	switch {
	case strings.Contains(reason, "iam "):
		return "Use the identity-service ticket process"
	case strings.Contains(reason, "sts "):
		return "Cross-account access goes through registered accounts"
	case strings.Contains(reason, "metacharacter"):
		return "Submit a single command without shell operators"
	case strings.Contains(reason, "organizations"):
		return "Organization changes require the platform team"
	default:
		return "Ask an approver to run this through a separate channel"
	}
}
