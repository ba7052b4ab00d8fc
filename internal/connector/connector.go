// Package connector defines the boundary to external action modules. A
// connector performs exactly one kind of side-effecting action per call and
// is invoked at-least-once; idempotency against the external system is the
// connector's concern.
package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Result is a successful connector invocation's payload.
type Result struct {
	Detail string
}

// Connector executes one externally-visible action. Errors returned must be
// classified with Transient or Fatal; unclassified errors are treated as
// fatal.
type Connector interface {
	Execute(ctx context.Context, action string, params map[string]string) (Result, error)
}

// Registry resolves connectors by action kind.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register binds a connector to an action kind, replacing any previous
// binding.
func (r *Registry) Register(action string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[action] = c
}

// Resolve returns the connector for an action kind. An unknown action is a
// fatal error: retrying cannot make a connector appear.
func (r *Registry) Resolve(action string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[action]
	if !ok {
		return nil, Fatal(fmt.Errorf("no connector registered for action %q", action))
	}
	return c, nil
}

// Actions returns the registered action kinds, sorted.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actions := make([]string, 0, len(r.connectors))
	for a := range r.connectors {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions
}
