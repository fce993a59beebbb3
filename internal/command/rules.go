package command

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules is the immutable rule table the classifier consults. Loaded once at
// startup from versioned YAML files; mutation requires a process restart.
type Rules struct {
	// BlockedPatterns are prefix patterns over the normalized command without
	// the leading CLI verb (e.g. "iam create-user", "organizations").
	BlockedPatterns []string `yaml:"blocked_patterns"`

	// DangerVerbs are glob patterns matched against the action token.
	DangerVerbs []string `yaml:"danger_verbs"`
	// DangerFlags are literal arguments that mark a command dangerous.
	DangerFlags []string `yaml:"danger_flags"`
	// DangerPatterns are prefix patterns over "service action" pairs.
	DangerPatterns []string `yaml:"danger_patterns"`

	// SafelistVerbs are glob patterns over the action token for read-only calls.
	SafelistVerbs []string `yaml:"safelist_verbs"`
	// WriteMaskFlags disqualify a command from the safelist when present.
	WriteMaskFlags []string `yaml:"write_mask_flags"`

	// TrustExcludedServices never auto-approve under a trust session.
	TrustExcludedServices []string `yaml:"trust_excluded_services"`
	// TrustExcludedActions are substring patterns excluded from trust on top
	// of the BLOCKED and DANGEROUS classes, which are always excluded.
	TrustExcludedActions []string `yaml:"trust_excluded_actions"`
}

// DefaultRules returns the built-in rule table.
func DefaultRules() Rules {
	return Rules{
		BlockedPatterns: []string{
			"iam delete-user",
			"iam delete-role",
			"iam delete-policy",
			"iam create-user",
			"iam attach-user-policy",
			"iam attach-role-policy",
			"iam detach-user-policy",
			"iam detach-role-policy",
			"iam put-user-policy",
			"iam put-role-policy",
			"iam update-assume-role-policy",
			"iam create-access-key",
			"iam update-access-key",
			"iam delete-access-key",
			"sts assume-role",
			"sts get-session-token",
			"organizations",
			"ec2 create-key-pair",
			"ec2 import-key-pair",
			"kms create-key",
			"kms schedule-key-deletion",
			"secretsmanager get-secret-value",
		},
		DangerVerbs: []string{
			"delete-*", "terminate-*", "destroy-*", "stop-*", "force-*",
		},
		DangerFlags: []string{
			"--force",
			"--recursive",
			"--skip-final-snapshot",
			"--delete-automated-backups",
			"--no-verify-ssl",
		},
		DangerPatterns: []string{
			"s3 rb",
			"s3api delete-bucket",
			"ec2 terminate-instances",
			"rds delete-db-instance",
			"rds delete-db-cluster",
			"lambda delete-function",
			"dynamodb delete-table",
			"cloudformation delete-stack",
			"secretsmanager delete-secret",
			"logs delete-log-group",
			"events delete-rule",
		},
		SafelistVerbs: []string{
			"describe-*", "list-*", "get-*", "head-*",
		},
		WriteMaskFlags: []string{
			"--delete",
			"--acl",
			"--grant-full-control",
			"--profile",
		},
		TrustExcludedServices: []string{
			"iam", "sts", "organizations", "kms", "secretsmanager",
			"cloudformation", "cloudtrail",
		},
		TrustExcludedActions: []string{
			"delete-", "terminate-", "remove-", "destroy-",
			"stop-", "disable-", "deregister-",
			"modify-instance-attribute",
			"s3 rm", "s3 mv", "s3api delete", "s3 sync --delete",
			"put-bucket-policy", "put-bucket-acl", "delete-bucket",
			"update-function-code", "update-function-configuration",
			"update-service", "delete-service", "stop-task",
			"delete-db", "modify-db", "reboot-db",
			"delete-table", "update-table",
			"delete-alarms", "disable-alarm-actions",
			"delete-hosted-zone", "change-resource-record-sets",
			"delete-vpc", "delete-subnet", "delete-security-group",
			"authorize-security-group", "revoke-security-group",
			"delete-rest-api", "delete-stage",
			"delete-topic", "delete-queue", "set-queue-attributes",
			"create-secret", "update-secret", "put-secret-value",
		},
	}
}

// LoadRules reads a YAML rule file and overlays it on the defaults. Empty
// path returns the defaults unchanged.
func LoadRules(path string) (Rules, error) {
	return DefaultRules().Overlay(path)
}

// Overlay reads a YAML rule file and replaces any section it defines,
// leaving the rest of the receiver untouched. Multiple files compose by
// chaining Overlay calls.
func (rules Rules) Overlay(path string) (Rules, error) {
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("reading rule file: %w", err)
	}

	var overlay Rules
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Rules{}, fmt.Errorf("parsing rule file: %w", err)
	}

	if len(overlay.BlockedPatterns) > 0 {
		rules.BlockedPatterns = overlay.BlockedPatterns
	}
	if len(overlay.DangerVerbs) > 0 {
		rules.DangerVerbs = overlay.DangerVerbs
	}
	if len(overlay.DangerFlags) > 0 {
		rules.DangerFlags = overlay.DangerFlags
	}
	if len(overlay.DangerPatterns) > 0 {
		rules.DangerPatterns = overlay.DangerPatterns
	}
	if len(overlay.SafelistVerbs) > 0 {
		rules.SafelistVerbs = overlay.SafelistVerbs
	}
	if len(overlay.WriteMaskFlags) > 0 {
		rules.WriteMaskFlags = overlay.WriteMaskFlags
	}
	if len(overlay.TrustExcludedServices) > 0 {
		rules.TrustExcludedServices = overlay.TrustExcludedServices
	}
	if len(overlay.TrustExcludedActions) > 0 {
		rules.TrustExcludedActions = overlay.TrustExcludedActions
	}
	return rules, nil
}
