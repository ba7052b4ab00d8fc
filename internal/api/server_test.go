package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mwhitt/warden/internal/audit"
	"github.com/mwhitt/warden/internal/item"
	"github.com/mwhitt/warden/internal/loop"
	"github.com/mwhitt/warden/internal/state"
	"github.com/mwhitt/warden/internal/store"
	"github.com/mwhitt/warden/internal/watchdog"
)

const testToken = "test-token"

type fixture struct {
	handler http.Handler
	store   store.Store
	machine *state.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenFS(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFS: %v", err)
	}
	auditLog, err := audit.NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	machine := state.NewMachine(s, auditLog)
	loops, err := loop.NewController(machine, nil, auditLog, t.TempDir())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	handler := NewHandler(Deps{
		Store:             s,
		Machine:           machine,
		Audit:             auditLog,
		Loops:             loops,
		Token:             testToken,
		LoopCtx:           context.Background(),
		LoopMaxIterations: 10,
	})
	return &fixture{handler: handler, store: s, machine: machine}
}

func (f *fixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func (f *fixture) createItem(t *testing.T) ItemResponse {
	t.Helper()
	rec := f.request(t, "POST", "/items", CreateItemRequest{
		Kind:     "manual",
		Body:     fmt.Sprintf("work created at %s", time.Now().Format(time.RFC3339Nano)),
		SourceID: "src-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create item: status %d: %s", rec.Code, rec.Body.String())
	}
	return decodeBody[ItemResponse](t, rec)
}

func (f *fixture) planItem(t *testing.T, id string) {
	t.Helper()
	rec := f.request(t, "POST", "/items/"+id+"/plan", PlanItemRequest{
		Connector: "webhook",
		Params:    map[string]string{"url": "https://hooks.example.com/x"},
		Risk:      "medium",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("plan item: status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

func TestBearerAuthRequired(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong token", "Bearer nope"},
		{"wrong scheme", "Basic " + testToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/items", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestCreateAndGetItem(t *testing.T) {
	f := newFixture(t)
	created := f.createItem(t)

	if created.State != string(item.StateIntake) {
		t.Errorf("new item state = %s, want intake", created.State)
	}
	if created.Priority != string(item.PriorityNormal) {
		t.Errorf("default priority = %s, want normal", created.Priority)
	}

	rec := f.request(t, "GET", "/items/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get item: status %d", rec.Code)
	}
	got := decodeBody[ItemResponse](t, rec)
	if got.ID != created.ID || got.Meta["source_id"] != "src-1" {
		t.Errorf("item mismatch: %+v", got)
	}
}

func TestCreateItemValidation(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, "POST", "/items", CreateItemRequest{Body: "no kind"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetUnknownItem(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, "GET", "/items/no-such-item", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListItemsByState(t *testing.T) {
	f := newFixture(t)
	created := f.createItem(t)

	rec := f.request(t, "GET", "/items?state=intake", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	items := decodeBody[[]ItemResponse](t, rec)
	if len(items) != 1 || items[0].ID != created.ID {
		t.Errorf("intake listing = %+v", items)
	}

	// Default partition is the human review queue.
	rec = f.request(t, "GET", "/items", nil)
	items = decodeBody[[]ItemResponse](t, rec)
	if len(items) != 0 {
		t.Errorf("pending_approval listing = %+v, want empty", items)
	}

	rec = f.request(t, "GET", "/items?state=limbo", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown state: status = %d, want 400", rec.Code)
	}
}

func TestPlanRoutesToApproval(t *testing.T) {
	f := newFixture(t)
	created := f.createItem(t)
	f.planItem(t, created.ID)

	rec := f.request(t, "GET", "/items/"+created.ID, nil)
	got := decodeBody[ItemResponse](t, rec)
	if got.State != string(item.StatePendingApproval) {
		t.Errorf("state = %s, want pending_approval", got.State)
	}
	if got.Connector != "webhook" {
		t.Errorf("connector = %q, want webhook", got.Connector)
	}
}

func TestPlanInformationalResolvesDirectly(t *testing.T) {
	f := newFixture(t)
	created := f.createItem(t)

	rec := f.request(t, "POST", "/items/"+created.ID+"/plan", PlanItemRequest{Informational: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("plan: status %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.request(t, "GET", "/items/"+created.ID, nil)
	got := decodeBody[ItemResponse](t, rec)
	if got.State != string(item.StateDone) {
		t.Errorf("state = %s, want done", got.State)
	}
}

func TestApproveAndReject(t *testing.T) {
	f := newFixture(t)

	approved := f.createItem(t)
	f.planItem(t, approved.ID)
	rec := f.request(t, "POST", "/items/"+approved.ID+"/approve", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: status %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[ItemResponse](t, rec)
	if got.State != string(item.StateApproved) {
		t.Errorf("state = %s, want approved", got.State)
	}

	// A decision on an item not pending approval is a conflict.
	rec = f.request(t, "POST", "/items/"+approved.ID+"/reject", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("reject after approve: status = %d, want 409", rec.Code)
	}
}

func TestDecisionOnIntakeItemConflicts(t *testing.T) {
	f := newFixture(t)
	created := f.createItem(t)

	rec := f.request(t, "POST", "/items/"+created.ID+"/approve", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("approve from intake: status = %d, want 409", rec.Code)
	}
}

func TestListAttempts(t *testing.T) {
	f := newFixture(t)
	created := f.createItem(t)

	rec := f.request(t, "GET", "/items/"+created.ID+"/attempts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("attempts: status %d", rec.Code)
	}
	attempts := decodeBody[[]item.ExecutionAttempt](t, rec)
	if len(attempts) != 0 {
		t.Errorf("fresh item has %d attempts", len(attempts))
	}

	a := item.ExecutionAttempt{
		ID: "attempt-1", ItemID: created.ID, Number: 1,
		StartedAt: time.Now().UTC(), Outcome: item.OutcomeSuccess,
	}
	if err := f.store.RecordAttempt(context.Background(), a); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	rec = f.request(t, "GET", "/items/"+created.ID+"/attempts", nil)
	attempts = decodeBody[[]item.ExecutionAttempt](t, rec)
	if len(attempts) != 1 || attempts[0].Number != 1 {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestWatchdogNotConfigured(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, "GET", "/watchdog", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestWatchdogRecords(t *testing.T) {
	f := newFixture(t)
	stateFile, err := watchdog.OpenStateFile(t.TempDir() + "/state.json")
	if err != nil {
		t.Fatalf("OpenStateFile: %v", err)
	}
	auditLog, err := audit.NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	dog := watchdog.New(watchdog.Roster{}, stateFile, auditLog, watchdog.Options{})
	stateFile.Update(watchdog.HealthRecord{Name: "relay", Alerted: true})

	f.handler = NewHandler(Deps{
		Store: f.store, Machine: f.machine, Audit: auditLog,
		Watchdog: dog, Token: testToken, LoopCtx: context.Background(),
	})

	rec := f.request(t, "GET", "/watchdog", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	records := decodeBody[[]watchdog.HealthRecord](t, rec)
	if len(records) != 1 || records[0].Name != "relay" {
		t.Errorf("records = %+v", records)
	}

	rec = f.request(t, "POST", "/watchdog/relay/clear", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear: status %d: %s", rec.Code, rec.Body.String())
	}
	rec = f.request(t, "POST", "/watchdog/ghost/clear", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("clear unknown: status = %d, want 404", rec.Code)
	}
}

func TestLoopLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	created := f.createItem(t)

	rec := f.request(t, "POST", "/loops/"+created.ID, LoopStartRequest{MaxIterations: 2})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start: status %d: %s", rec.Code, rec.Body.String())
	}
	st := decodeBody[loop.State](t, rec)
	if st.TargetID != created.ID || st.MaxIterations != 2 {
		t.Errorf("loop state = %+v", st)
	}

	// Two continuations, then exhausted.
	for i := 0; i < 2; i++ {
		rec = f.request(t, "POST", "/loops/"+created.ID+"/step", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("step %d: status %d: %s", i, rec.Code, rec.Body.String())
		}
		step := decodeBody[LoopStepResponse](t, rec)
		if !step.Continue {
			t.Fatalf("step %d: expected continuation, got %+v", i, step)
		}
	}
	rec = f.request(t, "POST", "/loops/"+created.ID+"/step", nil)
	step := decodeBody[LoopStepResponse](t, rec)
	if step.Continue || step.Outcome != string(loop.OutcomeExhausted) {
		t.Errorf("final step = %+v, want exhausted", step)
	}

	rec = f.request(t, "GET", "/loops/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status after exhaustion = %d, want 404", rec.Code)
	}
}

func TestLoopStartDefaultsIterationBound(t *testing.T) {
	f := newFixture(t)
	created := f.createItem(t)

	rec := f.request(t, "POST", "/loops/"+created.ID, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start: status %d: %s", rec.Code, rec.Body.String())
	}
	st := decodeBody[loop.State](t, rec)
	if st.MaxIterations != 10 {
		t.Errorf("max iterations = %d, want configured default 10", st.MaxIterations)
	}
}

func TestLoopStartUnknownItem(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, "POST", "/loops/no-such-item", LoopStartRequest{MaxIterations: 2})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestLoopStop(t *testing.T) {
	f := newFixture(t)
	created := f.createItem(t)

	f.request(t, "POST", "/loops/"+created.ID, LoopStartRequest{MaxIterations: 5})
	rec := f.request(t, "DELETE", "/loops/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: status %d: %s", rec.Code, rec.Body.String())
	}
	result := decodeBody[map[string]string](t, rec)
	if result["outcome"] != string(loop.OutcomeStopped) {
		t.Errorf("outcome = %q, want stopped", result["outcome"])
	}

	rec = f.request(t, "DELETE", "/loops/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second stop: status = %d, want 404", rec.Code)
	}
}

// blockingReasoner parks the hosted run until released, so a second start
// request can race against an active run.
type blockingReasoner struct{ release chan struct{} }

func (r *blockingReasoner) Invoke(ctx context.Context, targetID string) error {
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return nil
}

func TestLoopStartConflictsWithActiveRun(t *testing.T) {
	f := newFixture(t)
	created := f.createItem(t)

	auditLog, err := audit.NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	reasoner := &blockingReasoner{release: make(chan struct{})}
	loops, err := loop.NewController(f.machine, reasoner, auditLog, t.TempDir())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	f.handler = NewHandler(Deps{
		Store: f.store, Machine: f.machine, Audit: auditLog, Loops: loops,
		Token: testToken, LoopCtx: context.Background(), LoopMaxIterations: 3,
	})

	rec := f.request(t, "POST", "/loops/"+created.ID, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start: status %d: %s", rec.Code, rec.Body.String())
	}

	waitFor(t, func() bool { return loops.Hosted(created.ID) })

	rec = f.request(t, "POST", "/loops/"+created.ID, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second start: status = %d, want 409", rec.Code)
	}

	close(reasoner.release)
	waitFor(t, func() bool { return !loops.Hosted(created.ID) })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}
