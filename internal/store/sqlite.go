package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/seantiz/offload/internal/model"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database that does not survive the process.
const MemoryPath = ":memory:"

// dbFileName is the database file created inside a configured data directory.
const dbFileName = "offload.db"

//go:embed migrations/*.sql
var migrationsFS embed.FS

const taskColumns = `transaction_id, route, payload, status, result, created_at, updated_at, finished_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// SQLitePath maps a data directory to a database path. An empty directory
// selects an in-memory database.
func SQLitePath(dataDir string) (string, error) {
	if dataDir == "" {
		return MemoryPath, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return filepath.Join(dataDir, dbFileName), nil
}

// NewSQLiteStore opens the SQLite database at dbPath and applies migrations.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection keeps ":memory:" a single database and serializes
	// statements at the driver level as well.
	db.SetMaxOpenConns(1)

	if dbPath != MemoryPath {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Insert creates a pending record.
func (s *SQLiteStore) Insert(ctx context.Context, id, route string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (transaction_id, route, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING`,
		id, route, string(normalizePayload(payload)), string(model.StatusPending), now, now,
	)
	if err != nil {
		return unavailable("insert task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("check rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, id)
	}
	return nil
}

// Update stores the handler outcome for a pending record.
func (s *SQLiteStore) Update(ctx context.Context, id string, status model.Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.status(ctx, id)
	if err != nil {
		return err
	}
	if err := updateTransition(current, status); err != nil {
		return err
	}

	now := time.Now().UTC().UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = ?, result = ?, updated_at = ?, finished_at = ? WHERE transaction_id = ?",
		string(status), nullableJSON(result), now, now, id,
	); err != nil {
		return unavailable("update task", err)
	}
	return nil
}

// Get retrieves a record by transaction id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, id)
}

// Complete archives or deletes a record.
func (s *SQLiteStore) Complete(ctx context.Context, id string, purge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if purge {
		res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE transaction_id = ?", id)
		if err != nil {
			return unavailable("delete task", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return unavailable("check rows affected", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	}

	current, err := s.status(ctx, id)
	if err != nil {
		return err
	}
	change, err := completeTransition(current)
	if err != nil || !change {
		return err
	}
	return s.markCompleted(ctx, id)
}

// Acknowledge returns the stored record and archives it if it was ready.
func (s *SQLiteStore) Acknowledge(ctx context.Context, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == model.StatusReady {
		if err := s.markCompleted(ctx, id); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// List returns every retained record in creation order.
func (s *SQLiteStore) List(ctx context.Context) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query(ctx, "SELECT "+taskColumns+" FROM tasks ORDER BY created_at, rowid")
}

// ListByStatus returns records with the given status in creation order.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status model.Status) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE status = ? ORDER BY created_at, rowid",
		string(status),
	)
}

// PurgeCompleted deletes completed records last touched before cutoff.
func (s *SQLiteStore) PurgeCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM tasks WHERE status = ? AND updated_at < ?",
		string(model.StatusCompleted), cutoff.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, unavailable("purge completed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("check rows affected", err)
	}
	return int(n), nil
}

// Stats returns record counts grouped by status and by route.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := newStats()
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&stats.Total); err != nil {
		return nil, unavailable("count tasks", err)
	}
	if err := s.groupCount(ctx, "status", stats.ByState); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, "route", stats.ByRoute); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *SQLiteStore) groupCount(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column)
	if err != nil {
		return unavailable("count by "+column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return unavailable("scan count", err)
		}
		into[key] = count
	}
	if err := rows.Err(); err != nil {
		return unavailable("iterate counts", err)
	}
	return nil
}

// status reads the current status. Callers hold the lock.
func (s *SQLiteStore) status(ctx context.Context, id string) (model.Status, error) {
	var st string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM tasks WHERE transaction_id = ?", id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable("get status", err)
	}
	return model.Status(st), nil
}

func (s *SQLiteStore) markCompleted(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = ?, updated_at = ? WHERE transaction_id = ?",
		string(model.StatusCompleted), time.Now().UTC().UnixMilli(), id,
	); err != nil {
		return unavailable("complete task", err)
	}
	return nil
}

func (s *SQLiteStore) get(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE transaction_id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get task", err)
	}
	return t, nil
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("list tasks", err)
	}
	defer rows.Close()

	tasks := []*model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, unavailable("scan task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate tasks", err)
	}
	return tasks, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*model.Task, error) {
	var (
		t          model.Task
		status     string
		payload    []byte
		result     []byte
		createdAt  int64
		updatedAt  int64
		finishedAt sql.NullInt64
	)
	if err := sc.Scan(&t.TransactionID, &t.Route, &payload, &status, &result,
		&createdAt, &updatedAt, &finishedAt); err != nil {
		return nil, err
	}

	t.Status = model.Status(status)
	t.Payload = payload
	if len(result) > 0 {
		t.Result = result
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if finishedAt.Valid {
		ft := time.UnixMilli(finishedAt.Int64).UTC()
		t.FinishedAt = &ft
	}
	return &t, nil
}

// normalizePayload stores an absent payload as JSON null.
func normalizePayload(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("null")
	}
	return p
}

func nullableJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}
