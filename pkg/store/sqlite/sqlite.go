package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/script"
	"github.com/nstogner/evo/pkg/store"
)

// Store implements store.Store using SQLite.
type Store struct {
	db          *sql.DB
	subscribers []chan string
	mu          sync.RWMutex
}

// Verify interface compliance at compile time.
var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL DEFAULT '',
		goal TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'running',
		result TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS transcript_entries (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		role TEXT NOT NULL,
		persistence TEXT NOT NULL DEFAULT 'ephemeral',
		content TEXT NOT NULL DEFAULT '',
		function_name TEXT NOT NULL DEFAULT '',
		call_json TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		seq INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_entries_run_seq ON transcript_entries(run_id, seq);

	CREATE TABLE IF NOT EXISTS scripts (
		name TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT 'starlark',
		code TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- RunStore ---

func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, agent, goal, model, status, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Agent, run.Goal, run.Model, run.Status, run.Result, run.CreatedAt, run.UpdatedAt,
	)
	return err
}

const runColumns = `id, agent, goal, model, status, result, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }, run *domain.Run) error {
	return row.Scan(&run.ID, &run.Agent, &run.Goal, &run.Model, &run.Status, &run.Result, &run.CreatedAt, &run.UpdatedAt)
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	run := &domain.Run{}
	err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id), run)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return run, err
}

func (s *Store) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var run domain.Run
		if err := scanRun(rows, &run); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) FinishRun(ctx context.Context, id string, status domain.RunStatus, result string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, result=?, updated_at=? WHERE id=?`,
		status, result, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// ListActiveOwners returns the IDs of running runs (used by sandbox reconciliation).
func (s *Store) ListActiveOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM runs WHERE status = ?`, domain.RunStatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- EntryStore ---

func (s *Store) AppendEntry(ctx context.Context, runID string, e domain.Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	var call string
	if e.Call != nil {
		b, err := json.Marshal(e.Call)
		if err != nil {
			return fmt.Errorf("encoding function call: %w", err)
		}
		call = string(b)
	}

	// The sequence number is computed in the insert itself so concurrent
	// appends to one run cannot collide.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript_entries (id, run_id, role, persistence, content, function_name, call_json, timestamp, seq)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(MAX(seq), 0) + 1 FROM transcript_entries WHERE run_id = ?`,
		e.ID, runID, e.Role, e.Persistence, e.Content, e.Function, call, e.Timestamp, runID,
	)
	if err != nil {
		return err
	}

	s.notifySubscribers(runID)
	return nil
}

const entryColumns = `id, role, persistence, content, function_name, call_json, timestamp`

func (s *Store) GetEntries(ctx context.Context, runID string, limit int) ([]domain.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM transcript_entries WHERE run_id=? ORDER BY seq ASC`
	args := []any{runID}
	if limit > 0 {
		query = `SELECT ` + entryColumns + ` FROM (
			SELECT ` + entryColumns + `, seq FROM transcript_entries WHERE run_id=? ORDER BY seq DESC LIMIT ?
		) sub ORDER BY seq ASC`
		args = append(args, limit)
	}
	return s.queryEntries(ctx, query, args...)
}

func (s *Store) GetEntriesAfter(ctx context.Context, runID string, afterID string) ([]domain.Entry, error) {
	var afterSeq int
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM transcript_entries WHERE id=? AND run_id=?`, afterID, runID,
	).Scan(&afterSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return s.GetEntries(ctx, runID, 0)
	}
	if err != nil {
		return nil, err
	}
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM transcript_entries WHERE run_id=? AND seq > ? ORDER BY seq ASC`,
		runID, afterSeq,
	)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]domain.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.Entry
	for rows.Next() {
		var e domain.Entry
		var call string
		if err := rows.Scan(&e.ID, &e.Role, &e.Persistence, &e.Content, &e.Function, &call, &e.Timestamp); err != nil {
			return nil, err
		}
		if call != "" {
			e.Call = &domain.FunctionCall{}
			if err := json.Unmarshal([]byte(call), e.Call); err != nil {
				return nil, fmt.Errorf("decoding function call of entry %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Subscribe() <-chan string {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notifySubscribers(runID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- runID:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}

// --- script.Store ---

func (s *Store) GetScriptByName(ctx context.Context, name string) (domain.Script, error) {
	var sc domain.Script
	err := s.db.QueryRowContext(ctx,
		`SELECT name, description, language, code, updated_at FROM scripts WHERE name=?`, name,
	).Scan(&sc.Name, &sc.Description, &sc.Language, &sc.Code, &sc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Script{}, fmt.Errorf("%w: %s", script.ErrNotFound, name)
	}
	return sc, err
}

func (s *Store) ListScripts(ctx context.Context) ([]domain.Script, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, description, language, code, updated_at FROM scripts ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scripts []domain.Script
	for rows.Next() {
		var sc domain.Script
		if err := rows.Scan(&sc.Name, &sc.Description, &sc.Language, &sc.Code, &sc.UpdatedAt); err != nil {
			return nil, err
		}
		scripts = append(scripts, sc)
	}
	return scripts, rows.Err()
}

func (s *Store) PutScript(ctx context.Context, sc domain.Script) error {
	if err := script.ValidateName(sc.Name); err != nil {
		return err
	}
	if sc.Language == "" {
		sc.Language = domain.LanguageStarlark
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scripts (name, description, language, code, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET description=excluded.description, language=excluded.language,
		 code=excluded.code, updated_at=excluded.updated_at`,
		sc.Name, sc.Description, sc.Language, sc.Code, time.Now().UTC(),
	)
	return err
}
