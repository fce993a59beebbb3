package risk

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParamRule scores a regex hit over the re-joined command.
type ParamRule struct {
	ID       string `yaml:"id"`
	Pattern  string `yaml:"pattern"`
	Weight   int    `yaml:"weight"`
	Category string `yaml:"category"`
	Reason   string `yaml:"reason"`
}

// Rules is the risk ruleset: base scores per verb and service, parameter
// patterns, flag weights, and stage weights.
type Rules struct {
	VerbScores       map[string]int `yaml:"verb_scores"`
	VerbPrefixScores map[string]int `yaml:"verb_prefix_scores"`
	ServiceScores    map[string]int `yaml:"service_scores"`

	ParameterPatterns []ParamRule    `yaml:"parameter_patterns"`
	DangerousFlags    map[string]int `yaml:"dangerous_flags"`

	Weights map[string]float64 `yaml:"weights"`

	UnknownVerbScore    int `yaml:"unknown_verb_score"`
	UnknownServiceScore int `yaml:"unknown_service_score"`
}

// Validate bounds-checks every configured score.
func (r Rules) Validate() error {
	check := func(name string, score int) error {
		if score < 0 || score > 100 {
			return fmt.Errorf("%s score %d outside [0, 100]", name, score)
		}
		return nil
	}
	for verb, score := range r.VerbScores {
		if err := check("verb "+verb, score); err != nil {
			return err
		}
	}
	for service, score := range r.ServiceScores {
		if err := check("service "+service, score); err != nil {
			return err
		}
	}
	for prefix, score := range r.VerbPrefixScores {
		if err := check("verb prefix "+prefix, score); err != nil {
			return err
		}
	}
	if err := check("unknown verb", r.UnknownVerbScore); err != nil {
		return err
	}
	if err := check("unknown service", r.UnknownServiceScore); err != nil {
		return err
	}
	return nil
}

// DefaultRules returns the built-in risk ruleset.
func DefaultRules() Rules {
	return Rules{
		VerbScores: map[string]int{
			"describe": 0, "list": 0, "ls": 0, "get": 5, "head": 0,
			"scan": 10, "query": 10, "tail": 5,
			"put": 40, "create": 45, "update": 50, "modify": 55,
			"start": 35, "run": 40, "invoke": 35, "reboot": 45,
			"delete": 80, "terminate": 85, "destroy": 85, "stop": 60,
		},
		VerbPrefixScores: map[string]int{
			"describe-": 0, "list-": 0, "get-": 5, "head-": 0,
			"create-": 45, "update-": 50, "modify-": 55, "put-": 40,
			"start-": 35, "stop-": 60, "reboot-": 45,
			"delete-": 80, "terminate-": 85, "destroy-": 85,
			"disable-": 55, "deregister-": 55, "revoke-": 50, "authorize-": 50,
		},
		ServiceScores: map[string]int{
			"iam": 95, "sts": 85, "organizations": 95, "kms": 80,
			"secretsmanager": 75, "cloudtrail": 70, "cloudformation": 60,
			"ec2": 45, "rds": 50, "lambda": 45, "dynamodb": 40,
			"s3": 30, "s3api": 35, "logs": 15, "cloudwatch": 10,
		},
		ParameterPatterns: []ParamRule{
			{ID: "R-WILD", Pattern: `\s\*(\s|$)`, Weight: 15, Category: "parameters", Reason: "wildcard target"},
			{ID: "R-ALLRES", Pattern: `--resources?\s+\*`, Weight: 20, Category: "parameters", Reason: "all-resources target"},
			{ID: "R-ENV", Pattern: `--environment\s`, Weight: 15, Category: "parameters", Reason: "environment mutation"},
			{ID: "R-POLICY", Pattern: `--policy(-document|-arn)?\s`, Weight: 20, Category: "parameters", Reason: "policy argument"},
			{ID: "R-PUBLIC", Pattern: `public`, Weight: 10, Category: "parameters", Reason: "public keyword"},
		},
		DangerousFlags: map[string]int{
			"--force":               20,
			"--recursive":           10,
			"--skip-final-snapshot": 25,
			"--no-verify-ssl":       15,
			"--yes":                 10,
		},
		Weights: map[string]float64{
			"parameter": 1.0,
		},
		UnknownVerbScore:    50,
		UnknownServiceScore: 40,
	}
}

type ruleFile struct {
	Version string `yaml:"version"`
	Rules   Rules  `yaml:"rules"`
}

// LoadRules reads a YAML risk ruleset, falling back to defaults for an empty
// path.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("reading risk rules: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Rules{}, fmt.Errorf("parsing risk rules: %w", err)
	}
	if err := f.Rules.Validate(); err != nil {
		return Rules{}, err
	}
	return f.Rules, nil
}
