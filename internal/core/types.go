// Package core defines the foundational types for the Bouncer approval gateway.
// The central primitives (ApprovalRequest, TrustSession, GrantSession, Account,
// Decision) organize every operation and are enforced across the store, the
// admission pipeline, the dispatcher, and the HTTP API.
package core

import (
	"time"
)

// RequestKind enumerates the privileged actions that flow through the gateway.
type RequestKind string

const (
	KindExecute        RequestKind = "execute"
	KindUpload         RequestKind = "upload"
	KindUploadBatch    RequestKind = "upload_batch"
	KindAddAccount     RequestKind = "add_account"
	KindRemoveAccount  RequestKind = "remove_account"
	KindDeploy         RequestKind = "deploy"
	KindGrant          RequestKind = "grant"
	KindPresignedAudit RequestKind = "presigned_audit"
)

// RequestStatus tracks an approval request's lifecycle. Once a request leaves
// pending it never returns.
type RequestStatus string

const (
	StatusPending            RequestStatus = "pending"
	StatusApproved           RequestStatus = "approved"
	StatusDenied             RequestStatus = "denied"
	StatusAutoApproved       RequestStatus = "auto_approved"
	StatusTrustAutoApproved  RequestStatus = "trust_auto_approved"
	StatusGrantAutoApproved  RequestStatus = "grant_auto_approved"
	StatusBlocked            RequestStatus = "blocked"
	StatusComplianceRejected RequestStatus = "compliance_rejected"
	StatusRateLimited        RequestStatus = "rate_limited"
	StatusExpired            RequestStatus = "expired"
	StatusExecutedOK         RequestStatus = "executed_ok"
	StatusExecutedError      RequestStatus = "executed_error"
)

// IsTerminal reports whether a status has left pending, after which no further
// decision is taken; approved and auto-approved records still receive their
// execution result status.
func (s RequestStatus) IsTerminal() bool {
	return s != StatusPending
}

// DecisionType records which path produced the final decision on a request.
type DecisionType string

const (
	DecisionAutoApprove  DecisionType = "auto_approved"
	DecisionTrustApprove DecisionType = "trust_auto_approved"
	DecisionGrantApprove DecisionType = "grant_auto_approved"
	DecisionManual       DecisionType = "manual"
	DecisionBlocked      DecisionType = "blocked"
	DecisionCompliance   DecisionType = "compliance_rejected"
	DecisionRateLimited  DecisionType = "rate_limited"
)

// ApprovalRequest is the central persisted record.
// Payload fields are immutable after creation; only the lifecycle fields
// (status, result, decision trail) mutate, and only through Store.Transition.
type ApprovalRequest struct {
	RequestID      string        `json:"request_id"`
	Kind           RequestKind   `json:"kind"`
	Status         RequestStatus `json:"status"`
	DisplaySummary string        `json:"display_summary"`

	Source     string `json:"source"`
	TrustScope string `json:"trust_scope,omitempty"`
	AccountID  string `json:"account_id"`
	Reason     string `json:"reason"`

	Command     string      `json:"command,omitempty"`
	Files       []FileEntry `json:"files,omitempty"`
	ProjectID   string      `json:"project_id,omitempty"`
	AccountSpec *Account    `json:"account_spec,omitempty"`
	Commands    []string    `json:"commands,omitempty"` // grant kind only

	Result        string `json:"result,omitempty"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	ExecutionTime int64  `json:"execution_time,omitempty"` // milliseconds

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
	TTL       int64     `json:"ttl"` // unix seconds hint for store cleanup

	MessageID    int          `json:"message_id,omitempty"`
	ApproverID   string       `json:"approver_id,omitempty"`
	DecisionType DecisionType `json:"decision_type,omitempty"`
	LatencyMS    int64        `json:"latency_ms,omitempty"`

	IdempotencyKey     string   `json:"idempotency_key,omitempty"`
	ComplianceFindings []string `json:"compliance_findings,omitempty"`
	RiskScore          int      `json:"risk_score,omitempty"`
	Hits               []string `json:"hits,omitempty"`
}

// FileEntry describes one file in an upload or upload_batch request.
type FileEntry struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Key         string `json:"key,omitempty"`
}

// SessionStatus is the lifecycle state shared by trust and grant sessions.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionActive   SessionStatus = "active"
	SessionApproved SessionStatus = "approved"
	SessionDenied   SessionStatus = "denied"
	SessionExpired  SessionStatus = "expired"
	SessionRevoked  SessionStatus = "revoked"
)

// TrustSession is a short-lived envelope letting a (trust_scope, account_id)
// pair auto-approve subsequent low-risk commands within fixed budgets.
type TrustSession struct {
	TrustID    string        `json:"trust_id"`
	TrustScope string        `json:"trust_scope"`
	AccountID  string        `json:"account_id"`
	Source     string        `json:"source,omitempty"` // display only, never matched
	Status     SessionStatus `json:"status"`
	ApprovedBy string        `json:"approved_by"`

	CommandsUsed int   `json:"commands_used"`
	CommandsMax  int   `json:"commands_max"`
	UploadsUsed  int   `json:"uploads_used"`
	UploadsMax   int   `json:"uploads_max"`
	BytesUsed    int64 `json:"bytes_used"`
	BytesMax     int64 `json:"bytes_max"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Remaining returns the seconds left before expiry, floored at zero.
func (t *TrustSession) Remaining(now time.Time) int64 {
	d := t.ExpiresAt.Unix() - now.Unix()
	if d < 0 {
		return 0
	}
	return d
}

// GrantCommandCategory classifies each command at grant-request time.
type GrantCommandCategory string

const (
	GrantGrantable          GrantCommandCategory = "grantable"
	GrantRequiresIndividual GrantCommandCategory = "requires_individual"
	GrantBlocked            GrantCommandCategory = "blocked"
)

// GrantCommandDetail is the pre-classification result for one requested command.
type GrantCommandDetail struct {
	Command     string               `json:"command"`
	Normalized  string               `json:"normalized"`
	Category    GrantCommandCategory `json:"category"`
	RiskScore   int                  `json:"risk_score"`
	BlockReason string               `json:"block_reason,omitempty"`
}

// GrantSession is a pre-approved bundle of specific commands with a TTL that
// starts at approval time.
type GrantSession struct {
	GrantID   string        `json:"grant_id"`
	Source    string        `json:"source"`
	AccountID string        `json:"account_id"`
	Status    SessionStatus `json:"status"`
	Reason    string        `json:"reason"`

	CommandsDetail  []GrantCommandDetail `json:"commands_detail"`
	GrantedCommands []string             `json:"granted_commands"` // normalized strings or patterns
	UsedCommands    map[string]int       `json:"used_commands"`

	TTLMinutes     int  `json:"ttl_minutes"`
	AllowRepeat    bool `json:"allow_repeat"`
	ExecutionsUsed int  `json:"executions_used"`
	MaxExecutions  int  `json:"max_executions"`

	ApprovedBy string     `json:"approved_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// Account describes a target cloud account the gateway can execute against.
type Account struct {
	AccountID    string `json:"account_id"`
	Name         string `json:"name"`
	RoleARN      string `json:"role_arn,omitempty"` // empty = local credentials
	UploadBucket string `json:"upload_bucket,omitempty"`
	Sensitivity  string `json:"sensitivity,omitempty"`
}

// ExecResult is the outcome of a single executor invocation.
type ExecResult struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// AuditEntry is the append-only decision record.
type AuditEntry struct {
	RequestID    string       `json:"request_id"`
	Kind         RequestKind  `json:"kind"`
	DecisionType DecisionType `json:"decision_type"`
	Source       string       `json:"source"`
	TrustScope   string       `json:"trust_scope,omitempty"`
	AccountID    string       `json:"account_id"`
	Score        int          `json:"score"`
	Reasons      []string     `json:"reasons,omitempty"`
	LatencyMS    int64        `json:"latency_ms"`
	At           time.Time    `json:"at"`
}

// CallbackKind names an approver callback action. The token placed on a
// button is "<kind>:<target id>"; the dispatcher is the only parser.
type CallbackKind string

const (
	CBCmdApprove         CallbackKind = "cmd_approve"
	CBCmdApproveTrust    CallbackKind = "cmd_approve_trust"
	CBCmdDeny            CallbackKind = "cmd_deny"
	CBDangerousConfirm   CallbackKind = "dangerous_confirm"
	CBGrantApproveAll    CallbackKind = "grant_approve_all"
	CBGrantApproveSafe   CallbackKind = "grant_approve_safe"
	CBGrantDeny          CallbackKind = "grant_deny"
	CBTrustRevoke        CallbackKind = "trust_revoke"
	CBGrantRevoke        CallbackKind = "grant_revoke"
	CBAccountAddApprove  CallbackKind = "account_add_approve"
	CBAccountAddDeny     CallbackKind = "account_add_deny"
	CBAccountRemApprove  CallbackKind = "account_remove_approve"
	CBAccountRemDeny     CallbackKind = "account_remove_deny"
	CBDeployApprove      CallbackKind = "deploy_approve"
	CBDeployDeny         CallbackKind = "deploy_deny"
	CBUploadApprove      CallbackKind = "upload_approve"
	CBUploadApproveTrust CallbackKind = "upload_approve_trust"
	CBUploadDeny         CallbackKind = "upload_deny"
	CBBatchApprove       CallbackKind = "upload_batch_approve"
	CBBatchApproveTrust  CallbackKind = "upload_batch_approve_trust"
	CBBatchDeny          CallbackKind = "upload_batch_deny"
)
