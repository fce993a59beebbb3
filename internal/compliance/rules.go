package compliance

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is one compliance matcher. Patterns are regexes over the normalized,
// re-joined command (case-insensitive); severity decides the outcome.
type Rule struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	SeverityStr string `yaml:"severity"`
	FailClosed  bool   `yaml:"fail_closed"`
	Reason      string `yaml:"reason"`
	Remediation string `yaml:"remediation"`

	Severity Severity `yaml:"-"`
}

// CrossAccountRuleID marks the rule whose hits are post-filtered against the
// trusted-account list.
const CrossAccountRuleID = "P-S3"

// ruleFile is the on-disk shape of a versioned rule file.
type ruleFile struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// DefaultRules returns the built-in compliance rule table.
func DefaultRules(trustedAccountIDs []string) []Rule {
	rules := []Rule{
		{
			ID: "L1", Name: "Lambda public principal",
			Pattern:     `lambda\s+add-permission.*--principal\s+['"]?\*['"]?`,
			SeverityStr: "CRITICAL",
			Reason:      "Lambda resource policy must not use Principal: *",
			Remediation: "Name a specific AWS account or service as the principal",
		},
		{
			ID: "L2", Name: "Lambda URL without auth",
			Pattern:     `lambda\s+(create|update)-function-url-config.*--auth-type\s+NONE`,
			SeverityStr: "CRITICAL",
			Reason:      "Lambda function URLs must require IAM auth",
			Remediation: "Use --auth-type AWS_IAM",
		},
		{
			ID: "L3", Name: "Lambda environment overwrite",
			Pattern:     `lambda\s+update-function-configuration.*--environment\s+['"]?variables=\{\}`,
			SeverityStr: "CRITICAL",
			Reason:      "Overwriting the function environment with an empty map erases configuration",
			Remediation: "Fetch the current environment and merge your change",
		},
		{
			ID: "P-S2-ACL", Name: "Public S3 ACL",
			Pattern:     `s3(api)?\s+.*--acl\s+(public-read|public-read-write|authenticated-read)`,
			SeverityStr: "CRITICAL",
			Reason:      "S3 buckets and objects must not carry public ACLs",
			Remediation: "Use --acl private or drop the ACL argument",
		},
		{
			ID: "P-S2-PAB", Name: "Public access block disabled",
			Pattern:     `s3api\s+put-public-access-block.*"?blockpublicacls"?\s*:\s*false`,
			SeverityStr: "HIGH",
			Reason:      "S3 Block Public Access must stay enabled",
			Remediation: "Set all four public-access-block flags to true",
		},
		{
			ID: "P-S2-SNAP", Name: "Public snapshot",
			Pattern:     `(ec2\s+modify-snapshot-attribute.*--group-names\s+all|rds\s+modify-db(-cluster)?-snapshot-attribute.*--values-to-add\s+all)`,
			SeverityStr: "CRITICAL",
			Reason:      "Snapshots must not be shared publicly",
			Remediation: "Share with specific account ids instead of all",
		},
		{
			ID: "P-S2-TRUST", Name: "Wildcard trust principal",
			Pattern:     `(iam\s+(update-assume-role-policy|create-role)|kms\s+(put-key-policy|create-key)|sqs\s+set-queue-attributes).*"?principal"?\s*:\s*"?\*"?`,
			SeverityStr: "CRITICAL",
			Reason:      "Trust and key policies must not use Principal: *",
			Remediation: "Name a specific AWS account or service",
		},
		{
			ID: "CS-HC001", Name: "Hardcoded access key",
			Pattern:     `AKIA[0-9A-Z]{16}`,
			SeverityStr: "HIGH",
			Reason:      "An AWS access key id appears in the command",
			Remediation: "Use a role or Secrets Manager instead of literal credentials",
		},
		{
			ID: "CS-HC002", Name: "Hardcoded secret key",
			Pattern:     `(aws_secret_access_key|secret_access_key)\s*[=:]\s*['"]?[A-Za-z0-9/+=]{40}`,
			SeverityStr: "HIGH",
			Reason:      "An AWS secret access key appears in the command",
			Remediation: "Use a role or Secrets Manager instead of literal credentials",
		},
		{
			ID: "CS-HC003", Name: "Hardcoded private key",
			Pattern:     `-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`,
			SeverityStr: "HIGH",
			Reason:      "Private key material appears in the payload",
			Remediation: "Store keys in Secrets Manager or Parameter Store",
		},
		{
			ID: "NET-OPEN", Name: "Security group open to the world",
			Pattern:     `ec2\s+authorize-security-group-ingress.*--cidr\s+0\.0\.0\.0/0.*--(protocol\s+(-1|all)|port\s+(22|3389|3306|5432|1433|27017|6379|11211))`,
			SeverityStr: "HIGH",
			Reason:      "Sensitive ports must not be opened to 0.0.0.0/0",
			Remediation: "Restrict the source CIDR or use a bastion",
		},
		{
			ID: "B-EC2-UD", Name: "Instance user-data mutation",
			Pattern:     `ec2\s+modify-instance-attribute.*--user-data`,
			SeverityStr: "HIGH",
			Reason:      "Rewriting user data injects startup code",
			Remediation: "Use SSM Run Command or rebuild the instance",
		},
		{
			ID: "B-EC2-PROF", Name: "Instance profile mutation",
			Pattern:     `ec2\s+modify-instance-attribute.*--(iam-)?instance-profile`,
			SeverityStr: "HIGH",
			Reason:      "Swapping the instance profile can escalate privilege",
			Remediation: "Go through associate-iam-instance-profile with approval",
		},
		{
			ID: CrossAccountRuleID, Name: "Cross-account trust outside the organization",
			Pattern:     `iam\s+(update-assume-role-policy|create-role).*arn:aws:iam::\d{12}:`,
			SeverityStr: "CRITICAL",
			Reason:      "IAM roles may only trust accounts inside the organization",
			Remediation: "Trust one of: " + strings.Join(trustedAccountIDs, ", "),
		},
	}

	for i := range rules {
		sev, err := ParseSeverity(rules[i].SeverityStr)
		if err == nil {
			rules[i].Severity = sev
		}
	}
	return rules
}

// LoadRules reads a versioned YAML rule file, falling back to the defaults
// when path is empty.
func LoadRules(path string, trustedAccountIDs []string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(trustedAccountIDs), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading compliance rules: %w", err)
	}

	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing compliance rules: %w", err)
	}
	for i := range f.Rules {
		sev, err := ParseSeverity(f.Rules[i].SeverityStr)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", f.Rules[i].ID, err)
		}
		f.Rules[i].Severity = sev
	}
	return f.Rules, nil
}
