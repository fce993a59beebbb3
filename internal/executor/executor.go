// Package executor runs validated CLI invocations with credentials scoped to
// a single execution. Cross-account runs obtain short-lived STS credentials
// and pass them through the child process environment, never the parent's.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/qwer2003tw/bouncer/internal/command"
	"github.com/qwer2003tw/bouncer/internal/core"
)

// Role sessions use the shortest duration STS accepts (15 minutes) so leaked
// credentials age out quickly.
const assumeRoleDuration = 15 * time.Minute

const defaultTimeout = 120 * time.Second

// SessionCredentials holds the material handed to one executor invocation.
type SessionCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

// CredentialBroker resolves per-invocation credentials for a target account.
type CredentialBroker interface {
	Credentials(ctx context.Context, account core.Account) (SessionCredentials, error)
}

// STSBroker assumes the account's role through STS; accounts without a role
// run on the gateway's ambient credentials.
type STSBroker struct {
	client *sts.Client
	region string
}

// NewSTSBroker builds a broker over the ambient AWS configuration.
func NewSTSBroker(ctx context.Context, region string) (*STSBroker, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &STSBroker{client: sts.NewFromConfig(cfg), region: region}, nil
}

// Credentials returns short-lived role credentials for cross-account targets,
// or empty material (ambient credentials) for local accounts.
func (b *STSBroker) Credentials(ctx context.Context, account core.Account) (SessionCredentials, error) {
	if account.RoleARN == "" {
		return SessionCredentials{Region: b.region}, nil
	}

	out, err := b.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(account.RoleARN),
		RoleSessionName: aws.String("bouncer-execution"),
		DurationSeconds: aws.Int32(int32(assumeRoleDuration / time.Second)),
	})
	if err != nil {
		return SessionCredentials{}, fmt.Errorf("assuming role %s: %w", account.RoleARN, err)
	}
	c := out.Credentials
	return SessionCredentials{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		Region:          b.region,
	}, nil
}

// Subprocess executes commands as child processes of the aws CLI. The
// credential hand-off is per-invocation: the triple goes into the child's
// environment only, so concurrent executions against different accounts never
// observe each other's credentials and no mutex is needed. (An in-process
// executor would instead need the env guard in env.go.)
type Subprocess struct {
	broker  CredentialBroker
	cliPath string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewSubprocess creates the child-process executor.
func NewSubprocess(broker CredentialBroker, logger zerolog.Logger) *Subprocess {
	return &Subprocess{broker: broker, cliPath: "aws", timeout: defaultTimeout, logger: logger}
}

// Execute runs the command with credentials scoped to this invocation and
// returns combined output, exit code, and duration. A non-zero exit is a
// business outcome, not an error.
func (e *Subprocess) Execute(ctx context.Context, cmdline string, account core.Account) (core.ExecResult, error) {
	argv, err := command.Split(cmdline)
	if err != nil {
		return core.ExecResult{}, fmt.Errorf("splitting command: %w", err)
	}
	if len(argv) == 0 || argv[0] != "aws" {
		return core.ExecResult{}, fmt.Errorf("only aws CLI commands are executable")
	}

	creds, err := e.broker.Credentials(ctx, account)
	if err != nil {
		return core.ExecResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.cliPath, argv[1:]...)
	cmd.Env = buildChildEnv(creds)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return core.ExecResult{}, fmt.Errorf("running command: %w", runErr)
		}
	}

	output := buf.String()
	if strings.TrimSpace(output) == "" {
		if exitCode == 0 {
			output = "(command succeeded with no output)"
		} else {
			output = fmt.Sprintf("(command failed with exit code %d)", exitCode)
		}
	}

	e.logger.Debug().Int("exit_code", exitCode).Dur("duration", duration).
		Str("account_id", account.AccountID).Msg("command executed")

	return core.ExecResult{Output: output, ExitCode: exitCode, Duration: duration}, nil
}

// buildChildEnv assembles the child environment: the parent environment with
// credential variables removed, then the invocation's own material.
func buildChildEnv(creds SessionCredentials) []string {
	env := make([]string, 0, len(os.Environ())+5)
	for _, kv := range os.Environ() {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		switch key {
		case "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN":
			if creds.AccessKeyID != "" {
				continue
			}
		case "AWS_PAGER":
			continue
		}
		env = append(env, kv)
	}
	if creds.AccessKeyID != "" {
		env = append(env,
			"AWS_ACCESS_KEY_ID="+creds.AccessKeyID,
			"AWS_SECRET_ACCESS_KEY="+creds.SecretAccessKey,
			"AWS_SESSION_TOKEN="+creds.SessionToken,
		)
	}
	if creds.Region != "" {
		env = append(env, "AWS_REGION="+creds.Region)
	}
	env = append(env, "AWS_PAGER=")
	return env
}
