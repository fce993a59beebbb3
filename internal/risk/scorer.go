// Package risk computes a numeric risk score for a normalized command from a
// configurable weighted ruleset. The score is metadata plus a coarse gate for
// auto-approval thresholds; it never overrides the compliance checker.
package risk

import (
	"fmt"
	"regexp"
	"strings"
)

// Result is the scorer output.
type Result struct {
	Score             int            `json:"score"`
	Hits              []string       `json:"hits,omitempty"`
	CategoryBreakdown map[string]int `json:"category_breakdown,omitempty"`
}

// Scorer evaluates the immutable risk ruleset.
type Scorer struct {
	rules    Rules
	compiled []compiledParamRule
}

type compiledParamRule struct {
	ParamRule
	re *regexp.Regexp
}

// NewScorer compiles the parameter patterns of a loaded ruleset.
func NewScorer(rules Rules) (*Scorer, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	compiled := make([]compiledParamRule, 0, len(rules.ParameterPatterns))
	for _, r := range rules.ParameterPatterns {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling risk rule %s: %w", r.ID, err)
		}
		compiled = append(compiled, compiledParamRule{ParamRule: r, re: re})
	}
	return &Scorer{rules: rules, compiled: compiled}, nil
}

// Score evaluates a normalized argv. Any internal failure yields the
// fail-closed maximum of 100 so a broken scorer can never relax admission.
func (s *Scorer) Score(argv []string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{
				Score: 100,
				Hits:  []string{fmt.Sprintf("scorer panic: %v", r)},
				CategoryBreakdown: map[string]int{
					"error": 100,
				},
			}
		}
	}()

	if len(argv) < 2 {
		return Result{Score: 100, Hits: []string{"unparseable command"}, CategoryBreakdown: map[string]int{"error": 100}}
	}

	service := argv[1]
	action := ""
	if len(argv) > 2 {
		action = argv[2]
	}
	joined := strings.Join(argv[1:], " ")

	breakdown := map[string]int{}
	var hits []string

	verbScore := s.verbScore(action)
	serviceScore := s.serviceScore(service)
	// Verb carries more signal than service sensitivity.
	base := int(float64(verbScore)*0.6 + float64(serviceScore)*0.4)
	breakdown["verb"] = verbScore
	breakdown["service"] = serviceScore
	if verbScore > 0 {
		hits = append(hits, fmt.Sprintf("verb %s scores %d", action, verbScore))
	}
	if serviceScore > 0 {
		hits = append(hits, fmt.Sprintf("service %s sensitivity %d", service, serviceScore))
	}

	paramScore := 0
	for _, r := range s.compiled {
		if r.re.MatchString(joined) {
			weighted := int(float64(r.Weight) * s.rules.Weights["parameter"])
			paramScore += weighted
			breakdown[r.Category] += weighted
			hits = append(hits, r.ID+": "+r.Reason)
		}
	}

	flagScore := 0
	for _, arg := range argv {
		if w, ok := s.rules.DangerousFlags[arg]; ok {
			flagScore += w
			breakdown["flags"] += w
			hits = append(hits, "dangerous flag "+arg)
		}
	}

	score := base + paramScore + flagScore
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return Result{Score: score, Hits: hits, CategoryBreakdown: breakdown}
}

func (s *Scorer) verbScore(action string) int {
	if score, ok := s.rules.VerbScores[action]; ok {
		return score
	}
	// Prefix scores cover verb families like delete-*.
	for prefix, score := range s.rules.VerbPrefixScores {
		if strings.HasPrefix(action, prefix) {
			return score
		}
	}
	return s.rules.UnknownVerbScore
}

func (s *Scorer) serviceScore(service string) int {
	if score, ok := s.rules.ServiceScores[service]; ok {
		return score
	}
	return s.rules.UnknownServiceScore
}
