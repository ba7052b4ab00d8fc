// Package state enforces the work item lifecycle. The machine validates and
// records transitions; it never originates approval decisions, which belong
// to an external human actor.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mwhitt/warden/internal/audit"
	"github.com/mwhitt/warden/internal/item"
	"github.com/mwhitt/warden/internal/store"
)

// ErrIllegalTransition is returned when the target state is not a direct
// successor of the item's current state. It is a workflow error: always
// surfaced, never retried.
var ErrIllegalTransition = errors.New("illegal transition")

// ErrInvalidState is returned when an operation is attempted from a state it
// is not legal in.
var ErrInvalidState = errors.New("invalid state for operation")

// Machine validates lifecycle transitions, performs the atomic relocation,
// and appends an audit entry per transition.
type Machine struct {
	store  store.Store
	audit  *audit.Logger
	logger *slog.Logger
	now    func() time.Time
}

// NewMachine builds a machine over the given store and audit log.
func NewMachine(s store.Store, a *audit.Logger) *Machine {
	return &Machine{store: s, audit: a, logger: slog.Default(), now: time.Now}
}

// Advance relocates an item to target if target is a direct successor of its
// current state. Advancing an item already in target is a no-op: the
// already-there check precedes the relocation. annotate, if non-nil, amends
// header fields as part of the relocation.
func (m *Machine) Advance(ctx context.Context, id string, target item.State, actor audit.Actor, annotate func(*item.WorkItem)) error {
	w, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.State == target {
		return nil
	}
	if !item.CanTransition(w.State, target) {
		return fmt.Errorf("%w: %s -> %s for item %s", ErrIllegalTransition, w.State, target, id)
	}

	if err := m.store.Move(ctx, id, w.State, target, annotate); err != nil {
		return err
	}

	if err := m.audit.Log(audit.Entry{
		Event:          "transition",
		Actor:          actor,
		ItemID:         id,
		Params:         map[string]string{"from": string(w.State), "to": string(target)},
		ApprovalStatus: approvalStatus(w.Approval, target),
		Outcome:        string(target),
	}); err != nil {
		m.logger.Error("audit write failed", "item_id", id, "error", err)
	}
	return nil
}

// AttachApproval attaches an externally-visible-action proposal to a planned
// item and routes it to pending_approval in the same relocation. Only legal
// from planned.
func (m *Machine) AttachApproval(ctx context.Context, id string, req item.ApprovalRequest) error {
	w, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.State != item.StatePlanned {
		return fmt.Errorf("%w: attach approval request requires planned, item %s is %s", ErrInvalidState, id, w.State)
	}
	if req.Connector == "" {
		return fmt.Errorf("approval request for %s missing connector", id)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.now().UTC()
	}

	err = m.store.Move(ctx, id, item.StatePlanned, item.StatePendingApproval, func(w *item.WorkItem) {
		w.Approval = &req
	})
	if err != nil {
		return err
	}

	if err := m.audit.Log(audit.Entry{
		Event:          "approval_requested",
		Actor:          audit.ActorSystem,
		ItemID:         id,
		Params:         approvalParams(req),
		ApprovalStatus: "pending",
	}); err != nil {
		m.logger.Error("audit write failed", "item_id", id, "error", err)
	}
	return nil
}

// RecordProgress stamps a free-text progress note on an item without
// changing its state. The note lands in the header metadata so operators
// see it in listings; the body stays untouched.
func (m *Machine) RecordProgress(ctx context.Context, id, note string) error {
	w, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	err = m.store.Move(ctx, id, w.State, w.State, func(w *item.WorkItem) {
		if w.Meta == nil {
			w.Meta = map[string]string{}
		}
		w.Meta["progress"] = note
		w.Meta["progress_at"] = m.now().UTC().Format(time.RFC3339)
	})
	if err != nil {
		return err
	}

	if err := m.audit.Log(audit.Entry{
		Event:  "progress",
		Actor:  audit.ActorLoop,
		ItemID: id,
		Params: map[string]string{"note": note},
	}); err != nil {
		m.logger.Error("audit write failed", "item_id", id, "error", err)
	}
	return nil
}

// Approve records a human approval decision.
func (m *Machine) Approve(ctx context.Context, id string) error {
	return m.Advance(ctx, id, item.StateApproved, audit.ActorHuman, nil)
}

// Reject records a human rejection decision.
func (m *Machine) Reject(ctx context.Context, id string) error {
	return m.Advance(ctx, id, item.StateRejected, audit.ActorHuman, nil)
}

// ExpireStale sweeps pending_approval: any item whose approval expiry has
// passed advances to expired. Expired items are never retried automatically.
// Returns the ids of items expired this sweep.
func (m *Machine) ExpireStale(ctx context.Context) ([]string, error) {
	pending, err := m.store.List(ctx, item.StatePendingApproval)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	var expired []string
	for _, w := range pending {
		if w.Approval == nil || !w.Approval.Expired(now) {
			continue
		}
		err := m.Advance(ctx, w.ID, item.StateExpired, audit.ActorSystem, nil)
		if errors.Is(err, store.ErrConflict) {
			// A human decision landed first; the decision stands.
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("expiring %s: %w", w.ID, err)
		}
		expired = append(expired, w.ID)
	}
	return expired, nil
}

// IsComplete reports whether the item is in a terminal partition. This is
// the completion oracle consulted by the autonomous loop controller.
func (m *Machine) IsComplete(ctx context.Context, id string) (bool, error) {
	w, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return w.State.Terminal(), nil
}

func approvalStatus(req *item.ApprovalRequest, state item.State) string {
	if req == nil && state != item.StatePendingApproval {
		return ""
	}
	switch state {
	case item.StatePendingApproval:
		return "pending"
	case item.StateApproved, item.StateExecuting, item.StateDone, item.StateFailed:
		return "approved"
	case item.StateRejected:
		return "rejected"
	case item.StateExpired:
		return "expired"
	}
	return ""
}

func approvalParams(req item.ApprovalRequest) map[string]string {
	params := map[string]string{
		"connector": req.Connector,
		"risk":      string(req.Risk),
	}
	for k, v := range req.Params {
		params[k] = v
	}
	return params
}
