package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mwhitt/warden/internal/item"
)

// FS is the directory-partitioned store adapter: one directory per lifecycle
// state, one record file per item, with os.Rename as the atomic claim
// primitive. Execution attempts are appended to per-item NDJSON files under
// attempts/.
type FS struct {
	root string
}

const recordExt = ".md"

// OpenFS creates (if needed) the partition layout under root and returns the
// adapter.
func OpenFS(root string) (*FS, error) {
	for _, s := range item.States {
		if err := os.MkdirAll(filepath.Join(root, string(s)), 0o755); err != nil {
			return nil, fmt.Errorf("creating partition %s: %w", s, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "attempts"), 0o755); err != nil {
		return nil, fmt.Errorf("creating attempts dir: %w", err)
	}
	return &FS{root: root}, nil
}

func (f *FS) path(state item.State, id string) string {
	return filepath.Join(f.root, string(state), id+recordExt)
}

func (f *FS) Put(ctx context.Context, w item.WorkItem) error {
	if !w.State.Valid() {
		return fmt.Errorf("invalid state %q", w.State)
	}
	path := f.path(w.State, w.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("record %s already exists in %s", w.ID, w.State)
	}
	return f.writeRecord(path, w)
}

func (f *FS) Get(ctx context.Context, id string) (item.WorkItem, error) {
	for _, s := range item.States {
		data, err := os.ReadFile(f.path(s, id))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return item.WorkItem{}, fmt.Errorf("reading record %s: %w", id, err)
		}
		return item.DecodeRecord(data)
	}
	return item.WorkItem{}, ErrNotFound
}

func (f *FS) List(ctx context.Context, state item.State) ([]item.WorkItem, error) {
	entries, err := os.ReadDir(filepath.Join(f.root, string(state)))
	if err != nil {
		return nil, fmt.Errorf("listing partition %s: %w", state, err)
	}

	var items []item.WorkItem
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.root, string(state), e.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			// Relocated between ReadDir and ReadFile; it belongs to the
			// partition it landed in now.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading record %s: %w", e.Name(), err)
		}
		w, err := item.DecodeRecord(data)
		if err != nil {
			return nil, fmt.Errorf("decoding record %s: %w", e.Name(), err)
		}
		items = append(items, w)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (f *FS) Move(ctx context.Context, id string, from, to item.State, annotate func(*item.WorkItem)) error {
	src := f.path(from, id)
	dst := f.path(to, id)

	// The rename is the claim: exactly one concurrent mover sees it succeed.
	if err := os.Rename(src, dst); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("relocating %s to %s: %w", id, to, err)
		}
		if _, statErr := f.Get(ctx, id); errors.Is(statErr, ErrNotFound) {
			return ErrNotFound
		} else if statErr != nil {
			return statErr
		}
		return ErrConflict
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		return fmt.Errorf("reading relocated record %s: %w", id, err)
	}
	w, err := item.DecodeRecord(data)
	if err != nil {
		return fmt.Errorf("decoding relocated record %s: %w", id, err)
	}
	w.State = to
	w.TransitionedAt = time.Now().UTC()
	if annotate != nil {
		annotate(&w)
	}
	return f.writeRecord(dst, w)
}

// writeRecord writes via a temp file and rename so readers never observe a
// partial record.
func (f *FS) writeRecord(path string, w item.WorkItem) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, item.EncodeRecord(w), 0o644); err != nil {
		return fmt.Errorf("writing record %s: %w", w.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing record %s: %w", w.ID, err)
	}
	return nil
}

func (f *FS) attemptsPath(itemID string) string {
	return filepath.Join(f.root, "attempts", itemID+".ndjson")
}

func (f *FS) RecordAttempt(ctx context.Context, a item.ExecutionAttempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshalling attempt: %w", err)
	}
	data = append(data, '\n')

	file, err := os.OpenFile(f.attemptsPath(a.ItemID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening attempts file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("appending attempt: %w", err)
	}
	return nil
}

func (f *FS) ListAttempts(ctx context.Context, itemID string) ([]item.ExecutionAttempt, error) {
	data, err := os.ReadFile(f.attemptsPath(itemID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading attempts for %s: %w", itemID, err)
	}

	var attempts []item.ExecutionAttempt
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var a item.ExecutionAttempt
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			return nil, fmt.Errorf("decoding attempt for %s: %w", itemID, err)
		}
		attempts = append(attempts, a)
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Number < attempts[j].Number })
	return attempts, nil
}

func (f *FS) Close() error { return nil }
