package core

import (
	"context"
	"time"
)

// Store is the narrow persistence contract shared by the admission pipeline
// and the webhook dispatcher. The concrete SQLite store implements it; neither
// the pipeline nor the dispatcher depends on the concrete type.
type Store interface {
	// Put creates a record; it fails if the request_id already exists.
	Put(ctx context.Context, req *ApprovalRequest) error
	// Get returns a record or ErrNotFound.
	Get(ctx context.Context, requestID string) (*ApprovalRequest, error)
	// GetByIdempotencyKey returns a prior record for the key, or ErrNotFound.
	GetByIdempotencyKey(ctx context.Context, key string) (*ApprovalRequest, error)
	// Transition conditionally moves a record from fromStatus, applying patch.
	// It returns ErrConflict when the record already left fromStatus.
	Transition(ctx context.Context, requestID string, fromStatus RequestStatus, patch RequestPatch) error
	// ListPending returns pending records, optionally filtered by source,
	// ordered by created_at ascending.
	ListPending(ctx context.Context, source string, limit int) ([]*ApprovalRequest, error)
	// ListPendingForScope returns pending records for a (trust_scope, account_id)
	// pair, ordered by created_at ascending. Used only by auto-drain.
	ListPendingForScope(ctx context.Context, trustScope, accountID string, limit int) ([]*ApprovalRequest, error)
}

// RequestPatch carries the mutable fields a Transition may set.
// Nil pointer fields are left untouched.
type RequestPatch struct {
	Status        RequestStatus
	Result        *string
	ExitCode      *int
	ExecutionTime *int64
	ApproverID    *string
	DecisionType  *DecisionType
	MessageID     *int
	LatencyMS     *int64
}

// ApprovalMessage is the content the notifier renders for the approver.
type ApprovalMessage struct {
	Title   string
	Body    string
	Buttons [][]Button
}

// Button is one inline keyboard button; Data is the opaque callback token.
type Button struct {
	Label string
	Data  string
}

// Notifier delivers approval messages to the chat transport and edits them
// after a decision. Implementations must be safe for concurrent use.
type Notifier interface {
	SendApproval(ctx context.Context, msg ApprovalMessage) (messageID int, err error)
	EditMessage(ctx context.Context, messageID int, text string) error
	AnswerCallback(ctx context.Context, callbackID, toast string) error
	SendSilent(ctx context.Context, text string) error
}

// Executor runs a validated command with credentials scoped to the target
// account and returns the combined output.
type Executor interface {
	Execute(ctx context.Context, command string, account Account) (ExecResult, error)
}

// Clock abstracts time for deterministic tests; production code passes
// RealClock.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

// Now returns the current UTC time.
func (RealClock) Now() time.Time { return time.Now().UTC() }
