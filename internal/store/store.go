// Package store persists work items across lifecycle partitions. The only
// mutation primitive is Move: an atomic relocation between partitions, where
// the first mover wins and everyone else gets ErrConflict. That conflict
// semantic is what serializes cross-component access without a global lock.
package store

import (
	"context"
	"errors"

	"github.com/mwhitt/warden/internal/item"
)

// ErrNotFound is returned when a requested record does not exist in any
// partition.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by Move when the record is no longer in the
// expected source partition, i.e. another mover claimed it first.
var ErrConflict = errors.New("relocation conflict")

// Unavailable reports whether err is a store I/O failure rather than a
// domain outcome. Components pause and re-poll on unavailable errors instead
// of treating them as per-item failures.
func Unavailable(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrConflict)
}

// Store is the record store contract. Implementations must make Move
// all-or-nothing: a record can only be owned by relocating it into a
// partition.
type Store interface {
	// Put creates a new record in its item's state partition.
	Put(ctx context.Context, w item.WorkItem) error

	// Get returns the record with the given id, whatever partition it is in.
	Get(ctx context.Context, id string) (item.WorkItem, error)

	// List returns every record in one state partition.
	List(ctx context.Context, state item.State) ([]item.WorkItem, error)

	// Move atomically relocates a record from one partition to another,
	// stamping the new state and transition time. annotate, if non-nil, may
	// amend header fields (approval request, result, error) as part of the
	// same relocation. Returns ErrConflict if the record is not in from.
	Move(ctx context.Context, id string, from, to item.State, annotate func(*item.WorkItem)) error

	// RecordAttempt appends one execution attempt for a work item.
	RecordAttempt(ctx context.Context, a item.ExecutionAttempt) error

	// ListAttempts returns all attempts for a work item ordered by number.
	ListAttempts(ctx context.Context, itemID string) ([]item.ExecutionAttempt, error)

	Close() error
}
