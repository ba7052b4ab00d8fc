package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mwhitt/warden/internal/audit"
	"github.com/mwhitt/warden/internal/connector"
	"github.com/mwhitt/warden/internal/item"
	"github.com/mwhitt/warden/internal/retry"
	"github.com/mwhitt/warden/internal/store"
)

// fakeConnector returns scripted errors per invocation, then succeeds.
type fakeConnector struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	detail string
}

func (f *fakeConnector) Execute(ctx context.Context, action string, params map[string]string) (connector.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return connector.Result{}, err
	}
	return connector.Result{Detail: f.detail}, nil
}

func (f *fakeConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestOrchestrator(t *testing.T, fake *fakeConnector) (*Orchestrator, store.Store, *audit.Logger) {
	t.Helper()
	s, err := store.OpenFS(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFS: %v", err)
	}
	a, err := audit.NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	reg := connector.NewRegistry()
	reg.Register("webhook", fake)

	o := New(s, reg, a, Options{
		Workers: 2,
		Policy:  retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2},
	})
	return o, s, a
}

// countAuditEvents tallies entries per event type across the audit log files.
func countAuditEvents(t *testing.T, a *audit.Logger) map[string]int {
	t.Helper()
	names, err := filepath.Glob(filepath.Join(a.Dir(), "audit-*.ndjson"))
	if err != nil {
		t.Fatalf("globbing audit files: %v", err)
	}
	counts := make(map[string]int)
	for _, name := range names {
		data, err := os.ReadFile(name)
		if err != nil {
			t.Fatalf("reading %s: %v", name, err)
		}
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if line == "" {
				continue
			}
			var e audit.Entry
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				t.Fatalf("parsing audit line %q: %v", line, err)
			}
			counts[e.Event]++
		}
	}
	return counts
}

func putApproved(t *testing.T, s store.Store, n int) item.WorkItem {
	t.Helper()
	created := time.Date(2025, 8, 26, 10, 0, n, 0, time.UTC)
	w := item.WorkItem{
		ID:             item.NewID(item.KindManual, string(rune('a'+n)), "body", created),
		Kind:           item.KindManual,
		State:          item.StateApproved,
		Priority:       item.PriorityNormal,
		Risk:           item.RiskLow,
		Body:           "approved work",
		CreatedAt:      created,
		TransitionedAt: created,
		Approval: &item.ApprovalRequest{
			Connector: "webhook",
			Params:    map[string]string{"url": "https://hooks.example.com/x"},
			Risk:      item.RiskLow,
			CreatedAt: created,
		},
	}
	if err := s.Put(context.Background(), w); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return w
}

func TestExecuteSucceedsAfterTransientErrors(t *testing.T) {
	fake := &fakeConnector{
		errs: []error{
			connector.Transient(errors.New("connection refused")),
			connector.Transient(errors.New("429")),
		},
		detail: "delivered",
	}
	o, s, auditLog := newTestOrchestrator(t, fake)
	ctx := context.Background()
	w := putApproved(t, s, 1)

	n, err := o.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("dispatched %d items, want 1", n)
	}

	got, err := s.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != item.StateDone {
		t.Errorf("state = %s, want done", got.State)
	}
	if got.Result != "delivered" {
		t.Errorf("result = %q, want %q", got.Result, "delivered")
	}

	attempts, err := s.ListAttempts(ctx, w.ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("got %d attempts, want 3", len(attempts))
	}
	wantOutcomes := []item.AttemptOutcome{item.OutcomeTransient, item.OutcomeTransient, item.OutcomeSuccess}
	for i, a := range attempts {
		if a.Number != i+1 {
			t.Errorf("attempt %d numbered %d", i, a.Number)
		}
		if a.Outcome != wantOutcomes[i] {
			t.Errorf("attempt %d outcome = %s, want %s", i+1, a.Outcome, wantOutcomes[i])
		}
	}

	// One audit entry per attempt plus one for the terminal transition.
	events := countAuditEvents(t, auditLog)
	if events["execution_attempt"] != 3 {
		t.Errorf("execution_attempt entries = %d, want 3", events["execution_attempt"])
	}
	if events["transition"] != 1 {
		t.Errorf("transition entries = %d, want 1", events["transition"])
	}
}

func TestExecuteFatalErrorFailsImmediately(t *testing.T) {
	fake := &fakeConnector{
		errs: []error{connector.Fatal(errors.New("401 unauthorized"))},
	}
	o, s, auditLog := newTestOrchestrator(t, fake)
	ctx := context.Background()
	w := putApproved(t, s, 1)

	if _, err := o.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := s.Get(ctx, w.ID)
	if got.State != item.StateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
	if got.LastError == "" {
		t.Error("terminating error not recorded on the item")
	}
	if fake.callCount() != 1 {
		t.Errorf("connector invoked %d times, want 1", fake.callCount())
	}

	events := countAuditEvents(t, auditLog)
	if events["execution_attempt"] != 1 {
		t.Errorf("execution_attempt entries = %d, want 1", events["execution_attempt"])
	}
	if events["transition"] != 1 {
		t.Errorf("transition entries = %d, want 1", events["transition"])
	}
}

func TestExecuteExhaustsRetryBudget(t *testing.T) {
	transient := connector.Transient(errors.New("still down"))
	fake := &fakeConnector{errs: []error{transient, transient, transient, transient}}
	o, s, _ := newTestOrchestrator(t, fake)
	ctx := context.Background()
	w := putApproved(t, s, 1)

	if _, err := o.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := s.Get(ctx, w.ID)
	if got.State != item.StateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
	if fake.callCount() != 3 {
		t.Errorf("connector invoked %d times, want MaxAttempts=3", fake.callCount())
	}
}

// Items outside the approved partition must never reach a connector.
func TestOnlyApprovedItemsExecute(t *testing.T) {
	fake := &fakeConnector{detail: "never"}
	o, s, _ := newTestOrchestrator(t, fake)
	ctx := context.Background()

	for _, st := range []item.State{item.StateIntake, item.StatePlanned, item.StatePendingApproval, item.StateRejected} {
		w := item.WorkItem{
			ID:             item.NewID(item.KindManual, string(st), "body", time.Now()),
			Kind:           item.KindManual,
			State:          st,
			Priority:       item.PriorityNormal,
			Risk:           item.RiskLow,
			CreatedAt:      time.Now().UTC(),
			TransitionedAt: time.Now().UTC(),
			Approval:       &item.ApprovalRequest{Connector: "webhook"},
		}
		if err := s.Put(ctx, w); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	n, err := o.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("dispatched %d items, want 0", n)
	}
	if fake.callCount() != 0 {
		t.Errorf("connector invoked %d times for unapproved items", fake.callCount())
	}
}

func TestRecoverSweepsExecutingBackToApproved(t *testing.T) {
	fake := &fakeConnector{detail: "ok"}
	o, s, _ := newTestOrchestrator(t, fake)
	ctx := context.Background()

	// Simulate a crash mid-dispatch: item stranded in executing.
	w := putApproved(t, s, 1)
	if err := s.Move(ctx, w.ID, item.StateApproved, item.StateExecuting, nil); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if err := s.RecordAttempt(ctx, item.ExecutionAttempt{
		ID: "attempt-1", ItemID: w.ID, Number: 1,
		StartedAt: time.Now().UTC(), Outcome: item.OutcomeTransient, Error: "crashed",
	}); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	if err := o.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	got, _ := s.Get(ctx, w.ID)
	if got.State != item.StateApproved {
		t.Fatalf("state after recover = %s, want approved", got.State)
	}

	// Re-dispatch continues the attempt numbering instead of restarting it.
	if _, err := o.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	attempts, _ := s.ListAttempts(ctx, w.ID)
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(attempts))
	}
	if attempts[1].Number != 2 {
		t.Errorf("post-recovery attempt numbered %d, want 2", attempts[1].Number)
	}
	got, _ = s.Get(ctx, w.ID)
	if got.State != item.StateDone {
		t.Errorf("state = %s, want done", got.State)
	}
}

func TestExecuteWithoutApprovalRequestFails(t *testing.T) {
	fake := &fakeConnector{}
	o, s, _ := newTestOrchestrator(t, fake)
	ctx := context.Background()

	w := putApproved(t, s, 1)
	// Strip the approval request while the item sits in approved.
	if err := s.Move(ctx, w.ID, item.StateApproved, item.StateApproved, func(w *item.WorkItem) {
		w.Approval = nil
	}); err != nil {
		t.Fatalf("Move: %v", err)
	}

	if _, err := o.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got, _ := s.Get(ctx, w.ID)
	if got.State != item.StateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
	if fake.callCount() != 0 {
		t.Errorf("connector invoked %d times without an approval request", fake.callCount())
	}
}
