package item

import (
	"time"
)

// State is the lifecycle state of a work item. Each state corresponds to one
// partition in the record store.
type State string

const (
	StateIntake          State = "intake"
	StatePlanned         State = "planned"
	StatePendingApproval State = "pending_approval"
	StateApproved        State = "approved"
	StateRejected        State = "rejected"
	StateExpired         State = "expired"
	StateExecuting       State = "executing"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// States lists every lifecycle state in pipeline order.
var States = []State{
	StateIntake, StatePlanned, StatePendingApproval,
	StateApproved, StateRejected, StateExpired,
	StateExecuting, StateDone, StateFailed,
}

// transitions is the legal successor table. A state missing from the map is
// terminal. Executing is reachable only from approved; that single edge is
// the approval-gate safety invariant.
var transitions = map[State][]State{
	StateIntake:          {StatePlanned},
	StatePlanned:         {StatePendingApproval, StateDone},
	StatePendingApproval: {StateApproved, StateRejected, StateExpired},
	StateApproved:        {StateExecuting},
	StateExecuting:       {StateDone, StateFailed},
}

// CanTransition reports whether to is a direct successor of from.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal state: once reached, the item
// never changes state again.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateRejected, StateExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Kind identifies which producer created a work item.
type Kind string

const (
	KindMail   Kind = "mail"
	KindChat   Kind = "chat"
	KindSocial Kind = "social"
	KindManual Kind = "manual"
)

// Priority orders items for human attention. The orchestration layer does
// not schedule by priority; it is carried for reviewers and producers.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Risk classifies the blast radius of the proposed action.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// ApprovalRequest is the externally-visible-action proposal attached to a
// work item while it sits in the approval pipeline. It exists only while the
// item is in pending_approval, approved, or rejected.
type ApprovalRequest struct {
	Connector string            `json:"connector"`
	Params    map[string]string `json:"params,omitempty"`
	Risk      Risk              `json:"risk"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

// Expired reports whether the request's expiry timestamp has passed at now.
// A zero ExpiresAt never expires.
func (r ApprovalRequest) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// WorkItem is a single unit of potential action tracked through the
// lifecycle. Exactly one record exists per ID at any time, located in
// exactly one state partition; items are relocated and annotated, never
// deleted.
type WorkItem struct {
	ID             string
	Kind           Kind
	State          State
	Priority       Priority
	Risk           Risk
	Body           string
	Meta           map[string]string // arbitrary producer metadata, round-tripped through the record header
	CreatedAt      time.Time
	TransitionedAt time.Time

	Approval *ApprovalRequest

	Result    string // result payload once done
	LastError string // terminating error once failed
}

// AttemptOutcome classifies a single connector invocation.
type AttemptOutcome string

const (
	OutcomeSuccess   AttemptOutcome = "success"
	OutcomeTransient AttemptOutcome = "transient_error"
	OutcomeFatal     AttemptOutcome = "fatal_error"
)

// ExecutionAttempt records one connector invocation for a work item.
// Attempt numbers are 1-based and strictly increasing per item.
type ExecutionAttempt struct {
	ID        string         `json:"id"`
	ItemID    string         `json:"item_id"`
	Number    int            `json:"number"`
	StartedAt time.Time      `json:"started_at"`
	Outcome   AttemptOutcome `json:"outcome"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
}
