// Package api exposes warden's management surface: producers submit intake
// records, the reasoning step attaches plans, humans approve or reject, and
// operators inspect attempts, watchdog health, and autonomous loops.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mwhitt/warden/internal/audit"
	"github.com/mwhitt/warden/internal/item"
	"github.com/mwhitt/warden/internal/loop"
	"github.com/mwhitt/warden/internal/state"
	"github.com/mwhitt/warden/internal/store"
	"github.com/mwhitt/warden/internal/watchdog"
)

const maxBodySize = 1 << 20 // 1MB

// Deps holds the handler dependencies.
type Deps struct {
	Store    store.Store
	Machine  *state.Machine
	Audit    *audit.Logger
	Watchdog *watchdog.Watchdog // optional; nil when no roster is configured
	Loops    *loop.Controller   // optional; nil when no reasoner is configured
	Token    string

	// LoopCtx is the base context for background loop runs; it is cancelled
	// on daemon shutdown.
	LoopCtx           context.Context
	LoopMaxIterations int
}

// NewHandler builds the chi router. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/items", handleCreateItem(deps))
		r.Get("/items", handleListItems(deps))
		r.Get("/items/{id}", handleGetItem(deps))
		r.Get("/items/{id}/attempts", handleListAttempts(deps))
		r.Post("/items/{id}/plan", handlePlanItem(deps))
		r.Post("/items/{id}/approve", handleDecision(deps, item.StateApproved))
		r.Post("/items/{id}/reject", handleDecision(deps, item.StateRejected))

		r.Get("/watchdog", handleWatchdogRecords(deps))
		r.Post("/watchdog/{name}/clear", handleWatchdogClear(deps))

		r.Post("/loops/{id}", handleLoopStart(deps))
		r.Post("/loops/{id}/step", handleLoopStep(deps))
		r.Get("/loops/{id}", handleLoopStatus(deps))
		r.Delete("/loops/{id}", handleLoopStop(deps))
	})

	return r
}

// CreateItemRequest is a producer's intake submission.
type CreateItemRequest struct {
	Kind     string            `json:"kind"`
	Body     string            `json:"body"`
	Priority string            `json:"priority"`
	Risk     string            `json:"risk"`
	SourceID string            `json:"source_id"`
	Meta     map[string]string `json:"meta"`
}

// ItemResponse is the wire form of a work item.
type ItemResponse struct {
	ID             string            `json:"id"`
	Kind           string            `json:"kind"`
	State          string            `json:"state"`
	Priority       string            `json:"priority"`
	Risk           string            `json:"risk"`
	Body           string            `json:"body,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	TransitionedAt time.Time         `json:"transitioned_at"`
	Connector      string            `json:"connector,omitempty"`
	Result         string            `json:"result,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
}

func toItemResponse(w item.WorkItem) ItemResponse {
	resp := ItemResponse{
		ID:             w.ID,
		Kind:           string(w.Kind),
		State:          string(w.State),
		Priority:       string(w.Priority),
		Risk:           string(w.Risk),
		Body:           w.Body,
		Meta:           w.Meta,
		CreatedAt:      w.CreatedAt,
		TransitionedAt: w.TransitionedAt,
		Result:         w.Result,
		LastError:      w.LastError,
	}
	if w.Approval != nil {
		resp.Connector = w.Approval.Connector
	}
	return resp
}

func handleCreateItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req CreateItemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Kind == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "kind is required")
			return
		}
		if req.Priority == "" {
			req.Priority = string(item.PriorityNormal)
		}
		if req.Risk == "" {
			req.Risk = string(item.RiskLow)
		}

		now := time.Now().UTC()
		meta := req.Meta
		if req.SourceID != "" {
			if meta == nil {
				meta = make(map[string]string)
			}
			meta["source_id"] = req.SourceID
		}
		workItem := item.WorkItem{
			ID:             item.NewID(item.Kind(req.Kind), req.SourceID, req.Body, now),
			Kind:           item.Kind(req.Kind),
			State:          item.StateIntake,
			Priority:       item.Priority(req.Priority),
			Risk:           item.Risk(req.Risk),
			Body:           req.Body,
			Meta:           meta,
			CreatedAt:      now,
			TransitionedAt: now,
		}
		if err := deps.Store.Put(r.Context(), workItem); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store item: %v", err)
			return
		}

		if err := deps.Audit.Log(audit.Entry{
			Event:   "item_received",
			Actor:   audit.ActorSystem,
			ItemID:  workItem.ID,
			Params:  map[string]string{"kind": req.Kind, "source_id": req.SourceID},
			Outcome: string(item.StateIntake),
		}); err != nil {
			slog.Error("audit write failed", "item_id", workItem.ID, "error", err)
		}

		writeJSON(w, http.StatusCreated, toItemResponse(workItem))
	}
}

func handleListItems(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stateParam := item.State(r.URL.Query().Get("state"))
		if stateParam == "" {
			stateParam = item.StatePendingApproval
		}
		if !stateParam.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown state %q", stateParam)
			return
		}

		items, err := deps.Store.List(r.Context(), stateParam)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list items: %v", err)
			return
		}
		resp := make([]ItemResponse, 0, len(items))
		for _, it := range items {
			resp = append(resp, toItemResponse(it))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleGetItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		it, err := deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get item: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toItemResponse(it))
	}
}

func handleListAttempts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		attempts, err := deps.Store.ListAttempts(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list attempts: %v", err)
			return
		}
		if attempts == nil {
			attempts = []item.ExecutionAttempt{}
		}
		writeJSON(w, http.StatusOK, attempts)
	}
}

// PlanItemRequest carries the reasoning step's plan for an intake item:
// either a proposed externally-visible action or an informational resolution.
type PlanItemRequest struct {
	Informational bool              `json:"informational"`
	Connector     string            `json:"connector"`
	Params        map[string]string `json:"params"`
	Risk          string            `json:"risk"`
	ExpiresAt     *time.Time        `json:"expires_at"`
}

func handlePlanItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req PlanItemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if !req.Informational && req.Connector == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "connector is required unless informational")
			return
		}

		if err := deps.Machine.Advance(r.Context(), id, item.StatePlanned, audit.ActorSystem, nil); err != nil {
			writeMachineError(w, err)
			return
		}

		if req.Informational {
			if err := deps.Machine.Advance(r.Context(), id, item.StateDone, audit.ActorSystem, nil); err != nil {
				writeMachineError(w, err)
				return
			}
		} else {
			approval := item.ApprovalRequest{
				Connector: req.Connector,
				Params:    req.Params,
				Risk:      item.Risk(req.Risk),
			}
			if req.ExpiresAt != nil {
				approval.ExpiresAt = req.ExpiresAt.UTC()
			}
			if err := deps.Machine.AttachApproval(r.Context(), id, approval); err != nil {
				writeMachineError(w, err)
				return
			}
		}

		it, err := deps.Store.Get(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reload item: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toItemResponse(it))
	}
}

func handleDecision(deps Deps, target item.State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var err error
		if target == item.StateApproved {
			err = deps.Machine.Approve(r.Context(), id)
		} else {
			err = deps.Machine.Reject(r.Context(), id)
		}
		if err != nil {
			writeMachineError(w, err)
			return
		}

		it, err := deps.Store.Get(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reload item: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toItemResponse(it))
	}
}

func handleWatchdogRecords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Watchdog == nil {
			httpError(w, http.StatusNotFound, "not_found", "watchdog is not configured")
			return
		}
		writeJSON(w, http.StatusOK, deps.Watchdog.Records())
	}
}

func handleWatchdogClear(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Watchdog == nil {
			httpError(w, http.StatusNotFound, "not_found", "watchdog is not configured")
			return
		}
		name := chi.URLParam(r, "name")
		if err := deps.Watchdog.ClearAlert(name); err != nil {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"component": name, "status": "cleared"})
	}
}

// LoopStartRequest bounds a new autonomous run. When the daemon has a
// reasoner configured it hosts the loop itself; otherwise only loop state is
// created and an external host runtime drives iterations through the step
// endpoint.
type LoopStartRequest struct {
	MaxIterations int `json:"max_iterations"`
}

// LoopStepResponse is the invocation-boundary decision for host runtimes.
type LoopStepResponse struct {
	Continue bool   `json:"continue"`
	Outcome  string `json:"outcome"`
}

func handleLoopStart(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Loops == nil {
			httpError(w, http.StatusNotFound, "not_found", "loop controller is not configured")
			return
		}
		id := chi.URLParam(r, "id")

		// An empty body means "use the configured default bound".
		var req LoopStartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.MaxIterations <= 0 {
			req.MaxIterations = deps.LoopMaxIterations
		}
		if deps.Loops.Hosted(id) {
			httpError(w, http.StatusConflict, "conflict", "loop already running for item")
			return
		}

		st, err := deps.Loops.Start(r.Context(), id, req.MaxIterations)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "item not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start loop: %v", err)
			return
		}

		if deps.Loops.CanRun() {
			go func() {
				outcome, err := deps.Loops.Run(deps.LoopCtx, id, req.MaxIterations)
				if errors.Is(err, loop.ErrLoopActive) {
					// Lost a race with a concurrent start; the winner owns it.
					return
				}
				if err != nil {
					slog.Error("autonomous loop ended with error", "target", id, "error", err)
					return
				}
				slog.Info("autonomous loop finished", "target", id, "outcome", outcome)
			}()
		}

		writeJSON(w, http.StatusAccepted, st)
	}
}

func handleLoopStep(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Loops == nil {
			httpError(w, http.StatusNotFound, "not_found", "loop controller is not configured")
			return
		}
		id := chi.URLParam(r, "id")
		cont, outcome, err := deps.Loops.Step(r.Context(), id)
		if errors.Is(err, loop.ErrNoLoop) {
			httpError(w, http.StatusNotFound, "not_found", "no active loop for item")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loop step failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, LoopStepResponse{Continue: cont, Outcome: string(outcome)})
	}
}

func handleLoopStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Loops == nil {
			httpError(w, http.StatusNotFound, "not_found", "loop controller is not configured")
			return
		}
		st, err := deps.Loops.Status(chi.URLParam(r, "id"))
		if errors.Is(err, loop.ErrNoLoop) {
			httpError(w, http.StatusNotFound, "not_found", "no active loop for item")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read loop state: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleLoopStop(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Loops == nil {
			httpError(w, http.StatusNotFound, "not_found", "loop controller is not configured")
			return
		}
		id := chi.URLParam(r, "id")
		outcome, err := deps.Loops.Stop(id)
		if errors.Is(err, loop.ErrNoLoop) {
			httpError(w, http.StatusNotFound, "not_found", "no active loop for item")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to stop loop: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"item_id": id, "outcome": string(outcome)})
	}
}

func writeMachineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "item not found")
	case errors.Is(err, state.ErrIllegalTransition), errors.Is(err, state.ErrInvalidState):
		httpError(w, http.StatusConflict, "illegal_transition", "%v", err)
	case errors.Is(err, store.ErrConflict):
		httpError(w, http.StatusConflict, "conflict", "item was relocated concurrently")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
