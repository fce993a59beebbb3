// Package deploy starts build-and-deploy workflows against the external
// orchestrator (a Lambda-fronted deployer) and tracks the one-running-deploy
// invariant per project.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/qwer2003tw/bouncer/internal/core"
	"github.com/qwer2003tw/bouncer/internal/store"
)

// Typical deploy duration, used for the conflict body's estimate.
const typicalDeployDuration = 8 * time.Minute

// Conflict describes an already-running deploy blocking a new request.
type Conflict struct {
	RunningDeployID    string `json:"running_deploy_id"`
	StartedAt          string `json:"started_at"`
	EstimatedRemaining string `json:"estimated_remaining"`
}

// CommitInfo identifies what a deploy will ship.
type CommitInfo struct {
	SHA     string `json:"commit_sha"`
	Short   string `json:"commit_short"`
	Message string `json:"commit_message"`
}

// Orchestrator invokes the deployer function and records running deploys.
type Orchestrator struct {
	client       *lambda.Client
	functionName string
	store        *store.Store
	clock        core.Clock
	logger       zerolog.Logger
}

// New creates the orchestrator client. functionName is the deployer Lambda
// name or ARN.
func New(ctx context.Context, region, functionName string, s *store.Store, clock core.Clock, logger zerolog.Logger) (*Orchestrator, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Orchestrator{
		client:       lambda.NewFromConfig(cfg),
		functionName: functionName,
		store:        s,
		clock:        clock,
		logger:       logger,
	}, nil
}

// CheckConflict reports the running deploy for a project, if any.
func (o *Orchestrator) CheckConflict(ctx context.Context, projectID string) (*Conflict, error) {
	running, err := o.store.RunningDeploy(ctx, projectID)
	if err == core.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	elapsed := o.clock.Now().Sub(running.StartedAt)
	remaining := typicalDeployDuration - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return &Conflict{
		RunningDeployID:    running.DeployID,
		StartedAt:          running.StartedAt.UTC().Format(time.RFC3339),
		EstimatedRemaining: remaining.Round(time.Second).String(),
	}, nil
}

// ResolveCommit asks the orchestrator what a deploy of the project would
// ship. Synchronous invoke; failures degrade to empty commit info rather than
// blocking the approval flow.
func (o *Orchestrator) ResolveCommit(ctx context.Context, projectID, branch string) CommitInfo {
	payload, _ := json.Marshal(map[string]string{
		"action":     "resolve_commit",
		"project_id": projectID,
		"branch":     branch,
	})
	out, err := o.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(o.functionName),
		Payload:      payload,
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("project_id", projectID).Msg("resolving commit")
		return CommitInfo{}
	}

	var info CommitInfo
	if err := json.Unmarshal(out.Payload, &info); err != nil {
		o.logger.Warn().Err(err).Msg("decoding commit info")
		return CommitInfo{}
	}
	if info.Short == "" && len(info.SHA) >= 7 {
		info.Short = info.SHA[:7]
	}
	return info
}

// Start records a running deploy and invokes the orchestrator asynchronously.
// A concurrent deploy for the same project returns core.ErrConflict.
func (o *Orchestrator) Start(ctx context.Context, projectID string) (string, error) {
	deployID := "deploy-" + uuid.New().String()[:8]

	err := o.store.StartDeploy(ctx, store.Deploy{
		DeployID:  deployID,
		ProjectID: projectID,
		StartedAt: o.clock.Now(),
	})
	if err != nil {
		return "", err
	}

	payload, _ := json.Marshal(map[string]string{
		"deploy_id":  deployID,
		"project_id": projectID,
	})
	_, err = o.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(o.functionName),
		InvocationType: types.InvocationTypeEvent,
		Payload:        payload,
	})
	if err != nil {
		// The slot is released so a retry is possible; the invoke never ran.
		if finErr := o.store.FinishDeploy(ctx, deployID, "failed"); finErr != nil {
			o.logger.Error().Err(finErr).Str("deploy_id", deployID).Msg("releasing failed deploy slot")
		}
		return "", fmt.Errorf("invoking deployer: %w", err)
	}

	o.logger.Info().Str("deploy_id", deployID).Str("project_id", projectID).Msg("deploy started")
	return deployID, nil
}

// Finish marks a deploy complete; called from the deployer's completion
// webhook.
func (o *Orchestrator) Finish(ctx context.Context, deployID string, ok bool) error {
	status := "succeeded"
	if !ok {
		status = "failed"
	}
	return o.store.FinishDeploy(ctx, deployID, status)
}
