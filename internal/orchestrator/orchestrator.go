// Package orchestrator turns approved work items into terminal outcomes. It
// polls the approved partition, claims items by relocating them to
// executing, dispatches to connectors on a bounded worker pool, and applies
// the retry policy until each item lands in done or failed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mwhitt/warden/internal/audit"
	"github.com/mwhitt/warden/internal/connector"
	"github.com/mwhitt/warden/internal/item"
	"github.com/mwhitt/warden/internal/retry"
	"github.com/mwhitt/warden/internal/store"
)

// Options configure the orchestrator. Zero values fall back to defaults.
type Options struct {
	PollInterval     time.Duration // default 5s
	Workers          int           // default 4
	ConnectorTimeout time.Duration // default 30s
	Policy           retry.Policy  // default retry.Default()
}

// Orchestrator is safe for a single Run loop; CLI probes may call RunOnce
// concurrently in tests only.
type Orchestrator struct {
	store    store.Store
	registry *connector.Registry
	auditLog *audit.Logger
	policy   retry.Policy
	logger   *slog.Logger

	poll    time.Duration
	timeout time.Duration
	workers int

	// inflight suppresses duplicate dispatch within this process across
	// overlapping poll cycles. Exclusivity across processes comes from the
	// approved -> executing relocation itself.
	mu       sync.Mutex
	inflight map[string]bool
}

// New builds an orchestrator.
func New(s store.Store, reg *connector.Registry, a *audit.Logger, opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.ConnectorTimeout <= 0 {
		opts.ConnectorTimeout = 30 * time.Second
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = retry.Default()
	}
	return &Orchestrator{
		store:    s,
		registry: reg,
		auditLog: a,
		policy:   opts.Policy,
		logger:   slog.Default(),
		poll:     opts.PollInterval,
		timeout:  opts.ConnectorTimeout,
		workers:  opts.Workers,
		inflight: make(map[string]bool),
	}
}

// Run polls until ctx is cancelled. Store unavailability pauses the cycle
// with backoff; per-item failures never abort the loop.
func (o *Orchestrator) Run(ctx context.Context) {
	if err := o.Recover(ctx); err != nil {
		o.logger.Error("executing-partition recovery failed", "error", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)

	backoff := o.poll
	for {
		if ctx.Err() != nil {
			break
		}

		n, err := o.dispatchApproved(gCtx, g)
		if err != nil {
			o.logger.Error("poll cycle failed", "error", err)
			// Store unavailable: wait longer before re-polling.
			backoff = min(backoff*2, time.Minute)
		} else {
			backoff = o.poll
			if n > 0 {
				o.logger.Debug("dispatched approved items", "count", n)
			}
		}

		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("worker pool drained with error", "error", err)
	}
}

// RunOnce performs a single poll cycle and waits for every dispatched item
// to reach a terminal state. Used by tests and the drain path.
func (o *Orchestrator) RunOnce(ctx context.Context) (int, error) {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	n, err := o.dispatchApproved(gCtx, g)
	if waitErr := g.Wait(); waitErr != nil && err == nil {
		err = waitErr
	}
	return n, err
}

// Recover sweeps items stranded in executing (a previous process died
// mid-dispatch) back to approved so they are picked up again. Connectors are
// at-least-once, so a re-dispatch after a crash is within contract.
func (o *Orchestrator) Recover(ctx context.Context) error {
	stranded, err := o.store.List(ctx, item.StateExecuting)
	if err != nil {
		return fmt.Errorf("listing executing partition: %w", err)
	}
	for _, w := range stranded {
		err := o.store.Move(ctx, w.ID, item.StateExecuting, item.StateApproved, nil)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("recovering %s: %w", w.ID, err)
		}
		o.logger.Warn("recovered stranded item", "item_id", w.ID)
		o.logAudit(audit.Entry{
			Event:   "execution_recovered",
			Actor:   audit.ActorSystem,
			ItemID:  w.ID,
			Outcome: string(item.StateApproved),
		})
	}
	return nil
}

// dispatchApproved claims every approved item not already in flight and
// hands each to a pooled worker. Returns the number of items dispatched.
func (o *Orchestrator) dispatchApproved(ctx context.Context, g *errgroup.Group) (int, error) {
	approved, err := o.store.List(ctx, item.StateApproved)
	if err != nil {
		return 0, fmt.Errorf("listing approved partition: %w", err)
	}

	dispatched := 0
	for _, w := range approved {
		if ctx.Err() != nil {
			return dispatched, nil
		}
		if !o.tryAcquire(w.ID) {
			continue
		}

		// The relocation is the claim: if another process got here first we
		// get a conflict and drop the item.
		err := o.store.Move(ctx, w.ID, item.StateApproved, item.StateExecuting, nil)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			o.release(w.ID)
			continue
		}
		if err != nil {
			o.release(w.ID)
			return dispatched, fmt.Errorf("claiming %s: %w", w.ID, err)
		}

		claimed := w
		claimed.State = item.StateExecuting
		dispatched++
		g.Go(func() error {
			defer o.release(claimed.ID)
			o.execute(ctx, claimed)
			return nil
		})
	}
	return dispatched, nil
}

// execute drives one claimed item to a terminal state: invoke, record the
// attempt, consult the retry policy, repeat or finish. The retry delay
// suspends only this worker.
func (o *Orchestrator) execute(ctx context.Context, w item.WorkItem) {
	if w.Approval == nil {
		o.finish(ctx, w.ID, item.StateFailed, "approved item has no approval request")
		return
	}

	prior, err := o.store.ListAttempts(ctx, w.ID)
	if err != nil {
		o.logger.Error("listing prior attempts failed", "item_id", w.ID, "error", err)
		return
	}

	action := w.Approval.Connector
	params := w.Approval.Params

	for attempt := len(prior) + 1; ; attempt++ {
		startedAt := time.Now().UTC()
		result, execErr := o.invoke(ctx, action, params)
		duration := time.Since(startedAt)

		o.recordAttempt(ctx, w, attempt, startedAt, duration, execErr)

		if execErr == nil {
			o.finishDone(ctx, w.ID, result.Detail)
			return
		}

		o.logger.Warn("connector invocation failed",
			"item_id", w.ID, "action", action, "attempt", attempt, "error", execErr)

		decision := o.policy.Decide(attempt, execErr)
		if !decision.Retry {
			o.finish(ctx, w.ID, item.StateFailed, execErr.Error())
			return
		}

		select {
		case <-ctx.Done():
			// Left in executing; the next Run recovers it.
			return
		case <-time.After(decision.Delay):
		}
	}
}

func (o *Orchestrator) invoke(ctx context.Context, action string, params map[string]string) (connector.Result, error) {
	c, err := o.registry.Resolve(action)
	if err != nil {
		return connector.Result{}, err
	}
	invokeCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	result, err := c.Execute(invokeCtx, action, params)
	if err != nil && invokeCtx.Err() == context.DeadlineExceeded && !connector.IsTransient(err) {
		// A timed-out invocation is transient whatever the connector said.
		err = connector.Transient(err)
	}
	return result, err
}

func (o *Orchestrator) recordAttempt(ctx context.Context, w item.WorkItem, number int, startedAt time.Time, duration time.Duration, execErr error) {
	outcome := item.OutcomeSuccess
	detail := ""
	if execErr != nil {
		detail = execErr.Error()
		if connector.IsTransient(execErr) {
			outcome = item.OutcomeTransient
		} else {
			outcome = item.OutcomeFatal
		}
	}

	attempt := item.ExecutionAttempt{
		ID:        uuid.New().String(),
		ItemID:    w.ID,
		Number:    number,
		StartedAt: startedAt,
		Outcome:   outcome,
		Error:     detail,
		Duration:  duration,
	}
	if err := o.store.RecordAttempt(ctx, attempt); err != nil {
		o.logger.Error("recording attempt failed", "item_id", w.ID, "error", err)
	}

	o.logAudit(audit.Entry{
		Event:          "execution_attempt",
		Actor:          audit.ActorSystem,
		ItemID:         w.ID,
		Params:         attemptParams(w, number),
		ApprovalStatus: "approved",
		Outcome:        string(outcome),
	})
}

func (o *Orchestrator) finishDone(ctx context.Context, id, result string) {
	err := o.store.Move(ctx, id, item.StateExecuting, item.StateDone, func(w *item.WorkItem) {
		w.Result = result
	})
	if err != nil {
		o.logger.Error("terminal transition failed", "item_id", id, "target", item.StateDone, "error", err)
		return
	}
	o.logAudit(audit.Entry{
		Event:          "transition",
		Actor:          audit.ActorSystem,
		ItemID:         id,
		Params:         map[string]string{"from": string(item.StateExecuting), "to": string(item.StateDone)},
		ApprovalStatus: "approved",
		Outcome:        string(item.StateDone),
	})
}

func (o *Orchestrator) finish(ctx context.Context, id string, target item.State, errDetail string) {
	err := o.store.Move(ctx, id, item.StateExecuting, target, func(w *item.WorkItem) {
		w.LastError = errDetail
	})
	if err != nil {
		o.logger.Error("terminal transition failed", "item_id", id, "target", target, "error", err)
		return
	}
	o.logAudit(audit.Entry{
		Event:          "transition",
		Actor:          audit.ActorSystem,
		ItemID:         id,
		Params:         map[string]string{"from": string(item.StateExecuting), "to": string(target)},
		ApprovalStatus: "approved",
		Outcome:        string(target),
	})
}

func (o *Orchestrator) logAudit(e audit.Entry) {
	if err := o.auditLog.Log(e); err != nil {
		o.logger.Error("audit write failed", "item_id", e.ItemID, "error", err)
	}
}

func (o *Orchestrator) tryAcquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[id] {
		return false
	}
	o.inflight[id] = true
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, id)
}

func attemptParams(w item.WorkItem, number int) map[string]string {
	params := map[string]string{
		"connector": w.Approval.Connector,
		"attempt":   fmt.Sprintf("%d", number),
	}
	for k, v := range w.Approval.Params {
		params[k] = v
	}
	return params
}
