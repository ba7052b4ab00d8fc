package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mwhitt/warden/internal/item"
)

// The two adapters must satisfy the same contract; every test here runs
// against both.
func openStores(t *testing.T) map[string]Store {
	t.Helper()

	fsStore, err := OpenFS(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFS: %v", err)
	}
	sqlStore, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite(:memory:): %v", err)
	}
	t.Cleanup(func() {
		fsStore.Close()
		sqlStore.Close()
	})
	return map[string]Store{"fs": fsStore, "sqlite": sqlStore}
}

func testItem(n int, state item.State) item.WorkItem {
	created := time.Date(2025, 8, 26, 10, 0, n, 0, time.UTC)
	return item.WorkItem{
		ID:             item.NewID(item.KindManual, fmt.Sprintf("src-%d", n), "body", created),
		Kind:           item.KindManual,
		State:          state,
		Priority:       item.PriorityNormal,
		Risk:           item.RiskLow,
		Body:           fmt.Sprintf("work item %d", n),
		CreatedAt:      created,
		TransitionedAt: created,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			w := testItem(1, item.StateIntake)

			if err := s.Put(ctx, w); err != nil {
				t.Fatalf("Put: %v", err)
			}
			got, err := s.Get(ctx, w.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.ID != w.ID || got.State != w.State || got.Body != w.Body {
				t.Errorf("round trip mismatch: %+v", got)
			}

			if err := s.Put(ctx, w); err == nil {
				t.Error("duplicate Put should fail")
			}
		})
	}
}

func TestGetUnknownIsNotFound(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "no-such-item")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestListByPartition(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for n := 1; n <= 3; n++ {
				if err := s.Put(ctx, testItem(n, item.StateIntake)); err != nil {
					t.Fatalf("Put: %v", err)
				}
			}
			if err := s.Put(ctx, testItem(4, item.StatePlanned)); err != nil {
				t.Fatalf("Put: %v", err)
			}

			intake, err := s.List(ctx, item.StateIntake)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(intake) != 3 {
				t.Fatalf("intake partition has %d items, want 3", len(intake))
			}
			for i := 1; i < len(intake); i++ {
				if intake[i].CreatedAt.Before(intake[i-1].CreatedAt) {
					t.Error("items not ordered by creation time")
				}
			}

			empty, err := s.List(ctx, item.StateFailed)
			if err != nil {
				t.Fatalf("List empty partition: %v", err)
			}
			if len(empty) != 0 {
				t.Errorf("failed partition has %d items, want 0", len(empty))
			}
		})
	}
}

func TestMoveRelocatesAndAnnotates(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			w := testItem(1, item.StatePlanned)
			if err := s.Put(ctx, w); err != nil {
				t.Fatalf("Put: %v", err)
			}

			req := item.ApprovalRequest{
				Connector: "webhook",
				Params:    map[string]string{"url": "https://hooks.example.com/x"},
				Risk:      item.RiskLow,
				CreatedAt: w.CreatedAt,
			}
			err := s.Move(ctx, w.ID, item.StatePlanned, item.StatePendingApproval, func(w *item.WorkItem) {
				w.Approval = &req
			})
			if err != nil {
				t.Fatalf("Move: %v", err)
			}

			got, err := s.Get(ctx, w.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.State != item.StatePendingApproval {
				t.Errorf("state = %s, want pending_approval", got.State)
			}
			if got.Approval == nil || got.Approval.Connector != "webhook" {
				t.Errorf("annotation lost: %+v", got.Approval)
			}
			if !got.TransitionedAt.After(w.TransitionedAt) {
				t.Error("transition timestamp not advanced")
			}

			planned, err := s.List(ctx, item.StatePlanned)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(planned) != 0 {
				t.Error("item still present in source partition after Move")
			}
		})
	}
}

// First mover wins: against each store, two movers from the same source
// partition must produce exactly one success and one ErrConflict.
func TestMoveConflict(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			w := testItem(1, item.StateApproved)
			if err := s.Put(ctx, w); err != nil {
				t.Fatalf("Put: %v", err)
			}

			if err := s.Move(ctx, w.ID, item.StateApproved, item.StateExecuting, nil); err != nil {
				t.Fatalf("first Move: %v", err)
			}
			err := s.Move(ctx, w.ID, item.StateApproved, item.StateExecuting, nil)
			if !errors.Is(err, ErrConflict) {
				t.Errorf("second Move: expected ErrConflict, got %v", err)
			}
		})
	}
}

func TestMoveUnknownIsNotFound(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Move(context.Background(), "no-such-item", item.StateApproved, item.StateExecuting, nil)
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestAttemptsRoundTrip(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			w := testItem(1, item.StateExecuting)
			if err := s.Put(ctx, w); err != nil {
				t.Fatalf("Put: %v", err)
			}

			for n := 1; n <= 3; n++ {
				a := item.ExecutionAttempt{
					ID:        fmt.Sprintf("attempt-%d", n),
					ItemID:    w.ID,
					Number:    n,
					StartedAt: w.CreatedAt.Add(time.Duration(n) * time.Second),
					Outcome:   item.OutcomeTransient,
					Error:     "connection refused",
					Duration:  250 * time.Millisecond,
				}
				if n == 3 {
					a.Outcome = item.OutcomeSuccess
					a.Error = ""
				}
				if err := s.RecordAttempt(ctx, a); err != nil {
					t.Fatalf("RecordAttempt %d: %v", n, err)
				}
			}

			attempts, err := s.ListAttempts(ctx, w.ID)
			if err != nil {
				t.Fatalf("ListAttempts: %v", err)
			}
			if len(attempts) != 3 {
				t.Fatalf("got %d attempts, want 3", len(attempts))
			}
			for i, a := range attempts {
				if a.Number != i+1 {
					t.Errorf("attempt %d has number %d", i, a.Number)
				}
			}
			if attempts[2].Outcome != item.OutcomeSuccess {
				t.Errorf("final outcome = %s, want success", attempts[2].Outcome)
			}
			if attempts[0].Duration != 250*time.Millisecond {
				t.Errorf("duration = %s, want 250ms", attempts[0].Duration)
			}

			none, err := s.ListAttempts(ctx, "no-such-item")
			if err != nil {
				t.Fatalf("ListAttempts unknown: %v", err)
			}
			if len(none) != 0 {
				t.Errorf("unknown item has %d attempts", len(none))
			}
		})
	}
}

func TestUnavailable(t *testing.T) {
	if Unavailable(nil) {
		t.Error("nil is not unavailable")
	}
	if Unavailable(ErrNotFound) || Unavailable(ErrConflict) {
		t.Error("domain outcomes are not unavailability")
	}
	if !Unavailable(errors.New("disk on fire")) {
		t.Error("I/O failure should be unavailable")
	}
}
