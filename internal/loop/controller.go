// Package loop drives a single work item to completion across multiple
// reasoning invocations without manual re-triggering. The iteration bound is
// the safety mechanism: loop state is persisted before every continuation
// decision, so a crash mid-loop resumes the counter instead of resetting it.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mwhitt/warden/internal/audit"
)

// Outcome is how a loop run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed" // target reached a terminal partition
	OutcomeExhausted Outcome = "exhausted" // iteration budget spent, target left as-is
	OutcomeStopped   Outcome = "stopped"   // administrative override
	OutcomeRunning   Outcome = "running"   // continuation signalled
)

// ErrNoLoop is returned when no loop state exists for a target.
var ErrNoLoop = errors.New("no active loop for target")

// ErrLoopActive is returned when a hosted run is already driving the target.
var ErrLoopActive = errors.New("loop already running for target")

// Reasoner performs one reasoning invocation against the target item. The
// controller never inspects what the reasoner did; the store is the sole
// completion oracle.
type Reasoner interface {
	Invoke(ctx context.Context, targetID string) error
}

// Oracle answers whether a target item is complete. Satisfied by
// *state.Machine.
type Oracle interface {
	IsComplete(ctx context.Context, id string) (bool, error)
}

// State is the persisted per-run loop record.
type State struct {
	RunID         string    `json:"run_id"`
	TargetID      string    `json:"target_id"`
	Iterations    int       `json:"iterations"`
	MaxIterations int       `json:"max_iterations"`
	StartedAt     time.Time `json:"started_at"`
}

// Controller owns loop state for all active autonomous runs. Boundary
// decisions are serialized per target: the load, increment, persist sequence
// in Step must never interleave, or concurrent steps would lose counter
// updates and invoke past the bound.
type Controller struct {
	oracle   Oracle
	reasoner Reasoner
	auditLog *audit.Logger
	dir      string
	logger   *slog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	hosted map[string]bool
}

// NewController stores loop state under dir. reasoner may be nil when an
// external host runtime drives the invocations and only calls Step at each
// boundary.
func NewController(oracle Oracle, reasoner Reasoner, auditLog *audit.Logger, dir string) (*Controller, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating loop state dir: %w", err)
	}
	return &Controller{
		oracle:   oracle,
		reasoner: reasoner,
		auditLog: auditLog,
		dir:      dir,
		logger:   slog.Default(),
		locks:    make(map[string]*sync.Mutex),
		hosted:   make(map[string]bool),
	}, nil
}

// targetLock returns the mutex guarding a target's loop state.
func (c *Controller) targetLock(targetID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[targetID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[targetID] = l
	}
	return l
}

// beginHosted registers a hosted run for the target; only one may exist.
func (c *Controller) beginHosted(targetID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hosted[targetID] {
		return fmt.Errorf("%w: %s", ErrLoopActive, targetID)
	}
	c.hosted[targetID] = true
	return nil
}

func (c *Controller) endHosted(targetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hosted, targetID)
}

// Hosted reports whether a hosted run is currently driving the target.
func (c *Controller) Hosted(targetID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hosted[targetID]
}

// Start creates (or resumes) loop state for the target. Resuming keeps the
// persisted iteration count; starting over would defeat the safety bound.
func (c *Controller) Start(ctx context.Context, targetID string, maxIterations int) (State, error) {
	if maxIterations <= 0 {
		return State{}, fmt.Errorf("max iterations must be positive, got %d", maxIterations)
	}
	if _, err := c.oracle.IsComplete(ctx, targetID); err != nil {
		return State{}, fmt.Errorf("checking target %s: %w", targetID, err)
	}

	l := c.targetLock(targetID)
	l.Lock()
	defer l.Unlock()

	if st, err := c.load(targetID); err == nil {
		c.logger.Info("resuming loop", "target", targetID, "iterations", st.Iterations)
		return st, nil
	} else if !errors.Is(err, ErrNoLoop) {
		return State{}, err
	}

	st := State{
		RunID:         uuid.New().String(),
		TargetID:      targetID,
		MaxIterations: maxIterations,
		StartedAt:     time.Now().UTC(),
	}
	if err := c.persist(st); err != nil {
		return State{}, err
	}
	c.logAudit("loop_started", targetID, string(OutcomeRunning), st)
	return st, nil
}

// Step is the invocation-boundary decision: called after each reasoning
// invocation returns. It reports whether the host should trigger another
// invocation (cont == true) or allow exit, and with which outcome.
func (c *Controller) Step(ctx context.Context, targetID string) (cont bool, outcome Outcome, err error) {
	l := c.targetLock(targetID)
	l.Lock()
	defer l.Unlock()

	st, err := c.load(targetID)
	if err != nil {
		return false, "", err
	}

	complete, err := c.oracle.IsComplete(ctx, targetID)
	if err != nil {
		// Store unavailable: keep the loop alive, let the host retry the
		// boundary rather than losing the run.
		return false, "", fmt.Errorf("completion check for %s: %w", targetID, err)
	}
	if complete {
		if err := c.remove(targetID); err != nil {
			return false, "", err
		}
		c.logAudit("loop_completed", targetID, string(OutcomeCompleted), st)
		return false, OutcomeCompleted, nil
	}

	if st.Iterations >= st.MaxIterations {
		if err := c.remove(targetID); err != nil {
			return false, "", err
		}
		// The target stays in whatever non-terminal state it was in; the
		// incomplete state itself is the signal.
		c.logAudit("loop_exhausted", targetID, string(OutcomeExhausted), st)
		return false, OutcomeExhausted, nil
	}

	st.Iterations++
	if err := c.persist(st); err != nil {
		return false, "", err
	}
	return true, OutcomeRunning, nil
}

// Run owns the whole loop: invoke the reasoner, consult the completion
// oracle, repeat until done or out of budget. This is the form used when
// warden itself hosts the reasoning step.
func (c *Controller) Run(ctx context.Context, targetID string, maxIterations int) (Outcome, error) {
	if c.reasoner == nil {
		return "", fmt.Errorf("no reasoner configured; drive the loop through Step")
	}
	if err := c.beginHosted(targetID); err != nil {
		return "", err
	}
	defer c.endHosted(targetID)
	if _, err := c.Start(ctx, targetID, maxIterations); err != nil {
		return "", err
	}

	for {
		if err := ctx.Err(); err != nil {
			// State stays persisted; a later Run resumes the counter.
			return "", err
		}

		cont, outcome, err := c.Step(ctx, targetID)
		if err != nil {
			return "", err
		}
		if !cont {
			return outcome, nil
		}

		if err := c.reasoner.Invoke(ctx, targetID); err != nil {
			c.logger.Warn("reasoning invocation failed", "target", targetID, "error", err)
			// A failed invocation still consumed an iteration; the bound is
			// on invocations, not successes.
		}
	}
}

// CanRun reports whether the controller can host the loop itself.
func (c *Controller) CanRun() bool {
	return c.reasoner != nil
}

// Stop deletes the loop state regardless of completion.
func (c *Controller) Stop(targetID string) (Outcome, error) {
	l := c.targetLock(targetID)
	l.Lock()
	defer l.Unlock()

	st, err := c.load(targetID)
	if err != nil {
		return "", err
	}
	if err := c.remove(targetID); err != nil {
		return "", err
	}
	c.logAudit("loop_stopped", targetID, string(OutcomeStopped), st)
	return OutcomeStopped, nil
}

// Status returns the persisted loop state for a target.
func (c *Controller) Status(targetID string) (State, error) {
	return c.load(targetID)
}

func (c *Controller) statePath(targetID string) string {
	return filepath.Join(c.dir, targetID+".json")
}

func (c *Controller) load(targetID string) (State, error) {
	data, err := os.ReadFile(c.statePath(targetID))
	if os.IsNotExist(err) {
		return State{}, fmt.Errorf("%w: %s", ErrNoLoop, targetID)
	}
	if err != nil {
		return State{}, fmt.Errorf("reading loop state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parsing loop state: %w", err)
	}
	return st, nil
}

// persist writes state before the continuation is signalled, never after.
func (c *Controller) persist(st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding loop state: %w", err)
	}
	path := c.statePath(st.TargetID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing loop state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing loop state: %w", err)
	}
	return nil
}

func (c *Controller) remove(targetID string) error {
	if err := os.Remove(c.statePath(targetID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing loop state: %w", err)
	}
	return nil
}

func (c *Controller) logAudit(event, targetID, outcome string, st State) {
	if err := c.auditLog.Log(audit.Entry{
		Event:  event,
		Actor:  audit.ActorLoop,
		ItemID: targetID,
		Params: map[string]string{
			"run_id":         st.RunID,
			"iterations":     fmt.Sprintf("%d", st.Iterations),
			"max_iterations": fmt.Sprintf("%d", st.MaxIterations),
		},
		Outcome: outcome,
	}); err != nil {
		c.logger.Error("audit write failed", "target", targetID, "error", err)
	}
}
