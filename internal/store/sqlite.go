package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mwhitt/warden/internal/item"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite is the database-backed store adapter. Partition membership is a
// state column; the atomic relocation primitive is a compare-and-swap UPDATE
// on (id, state).
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func OpenSQLite(dataDir string) (*SQLite, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "warden.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

const itemColumns = "id, kind, state, priority, risk, body, meta_json, approval_json, result, last_error, created_at, transitioned_at"

func (s *SQLite) Put(ctx context.Context, w item.WorkItem) error {
	if !w.State.Valid() {
		return fmt.Errorf("invalid state %q", w.State)
	}
	metaJSON, approvalJSON, err := encodeBlobs(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, string(w.Kind), string(w.State), string(w.Priority), string(w.Risk),
		w.Body, metaJSON, approvalJSON, w.Result, w.LastError,
		w.CreatedAt.UTC().Format(time.RFC3339), w.TransitionedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting item %s: %w", w.ID, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (item.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM items WHERE id = ?", id)
	w, err := scanItem(row)
	if err == sql.ErrNoRows {
		return item.WorkItem{}, ErrNotFound
	}
	if err != nil {
		return item.WorkItem{}, fmt.Errorf("selecting item %s: %w", id, err)
	}
	return w, nil
}

func (s *SQLite) List(ctx context.Context, state item.State) ([]item.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM items WHERE state = ? ORDER BY created_at ASC", string(state))
	if err != nil {
		return nil, fmt.Errorf("listing state %s: %w", state, err)
	}
	defer rows.Close()

	var items []item.WorkItem
	for rows.Next() {
		w, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

func (s *SQLite) Move(ctx context.Context, id string, from, to item.State, annotate func(*item.WorkItem)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning move transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM items WHERE id = ?", id)
	w, err := scanItem(row)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("selecting item %s: %w", id, err)
	}
	if w.State != from {
		return ErrConflict
	}

	w.State = to
	w.TransitionedAt = time.Now().UTC()
	if annotate != nil {
		annotate(&w)
	}
	metaJSON, approvalJSON, err := encodeBlobs(w)
	if err != nil {
		return err
	}

	// The state guard makes the relocation first-mover-wins even across
	// processes sharing the database.
	res, err := tx.ExecContext(ctx, `
		UPDATE items SET state = ?, approval_json = ?, meta_json = ?,
			result = ?, last_error = ?, transitioned_at = ?
		WHERE id = ? AND state = ?`,
		string(to), approvalJSON, metaJSON, w.Result, w.LastError,
		w.TransitionedAt.Format(time.RFC3339), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("relocating item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking relocated rows: %w", err)
	}
	if n != 1 {
		return ErrConflict
	}
	return tx.Commit()
}

func (s *SQLite) RecordAttempt(ctx context.Context, a item.ExecutionAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (id, item_id, number, started_at, outcome, error, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ItemID, a.Number, a.StartedAt.UTC().Format(time.RFC3339Nano),
		string(a.Outcome), a.Error, int64(a.Duration),
	)
	if err != nil {
		return fmt.Errorf("inserting attempt %d for %s: %w", a.Number, a.ItemID, err)
	}
	return nil
}

func (s *SQLite) ListAttempts(ctx context.Context, itemID string) ([]item.ExecutionAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, number, started_at, outcome, error, duration_ns
		FROM attempts WHERE item_id = ? ORDER BY number ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("listing attempts for %s: %w", itemID, err)
	}
	defer rows.Close()

	var attempts []item.ExecutionAttempt
	for rows.Next() {
		var a item.ExecutionAttempt
		var startedAt string
		var durationNS int64
		var outcome string
		if err := rows.Scan(&a.ID, &a.ItemID, &a.Number, &startedAt, &outcome, &a.Error, &durationNS); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		a.Outcome = item.AttemptOutcome(outcome)
		a.Duration = time.Duration(durationNS)
		if a.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (item.WorkItem, error) {
	var w item.WorkItem
	var kind, state, priority, risk string
	var metaJSON string
	var approvalJSON sql.NullString
	var createdAt, transitionedAt string

	err := row.Scan(&w.ID, &kind, &state, &priority, &risk, &w.Body,
		&metaJSON, &approvalJSON, &w.Result, &w.LastError, &createdAt, &transitionedAt)
	if err != nil {
		return item.WorkItem{}, err
	}
	w.Kind = item.Kind(kind)
	w.State = item.State(state)
	w.Priority = item.Priority(priority)
	w.Risk = item.Risk(risk)

	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &w.Meta); err != nil {
			return item.WorkItem{}, fmt.Errorf("decoding meta: %w", err)
		}
	}
	if approvalJSON.Valid && approvalJSON.String != "" {
		var req item.ApprovalRequest
		if err := json.Unmarshal([]byte(approvalJSON.String), &req); err != nil {
			return item.WorkItem{}, fmt.Errorf("decoding approval: %w", err)
		}
		w.Approval = &req
	}
	if w.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return item.WorkItem{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if w.TransitionedAt, err = time.Parse(time.RFC3339, transitionedAt); err != nil {
		return item.WorkItem{}, fmt.Errorf("parsing transitioned_at: %w", err)
	}
	return w, nil
}

func encodeBlobs(w item.WorkItem) (metaJSON string, approvalJSON sql.NullString, err error) {
	meta := w.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encoding meta: %w", err)
	}
	if w.Approval != nil {
		approvalBytes, err := json.Marshal(w.Approval)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("encoding approval: %w", err)
		}
		approvalJSON = sql.NullString{String: string(approvalBytes), Valid: true}
	}
	return string(metaBytes), approvalJSON, nil
}
