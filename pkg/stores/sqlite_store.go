package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/distbuild/distbuild/pkg/diff"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements diff.Store and HistoryStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := "file:" + s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Load implements diff.Store.
func (s *SQLiteStore) Load(ctx context.Context, taskID string) (*diff.Record, error) {
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT updated_at FROM diff_records WHERE task_id = ?`, taskID,
	).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, diff.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get diff record: %w", err)
	}

	rec := &diff.Record{TaskID: taskID}

	sections, err := s.loadSections(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, c := range sections {
		if c.IsFile() {
			rec.SetFiles(c, []diff.FileEntry{})
		} else {
			rec.SetValues(c, []diff.ValueEntry{})
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT category, entry_key, value, size, mtime_ns
		FROM diff_entries
		WHERE task_id = ?
		ORDER BY category, entry_key
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list diff entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cat, key string
			value    sql.NullString
			size     sql.NullInt64
			mtime    sql.NullInt64
		)
		if err := rows.Scan(&cat, &key, &value, &size, &mtime); err != nil {
			return nil, fmt.Errorf("failed to scan diff entry: %w", err)
		}
		c := diff.Category(cat)
		switch {
		case c.IsFile():
			if !size.Valid || !mtime.Valid {
				return nil, fmt.Errorf("%w: file entry %s has no size or mtime", diff.ErrRecordCorrupt, key)
			}
			rec.SetFiles(c, append(rec.Files(c), diff.FileEntry{
				Path:    key,
				Size:    size.Int64,
				ModTime: time.Unix(0, mtime.Int64).UTC(),
			}))
		case c.Validate() == nil:
			if !value.Valid {
				return nil, fmt.Errorf("%w: value entry %s has no value", diff.ErrRecordCorrupt, key)
			}
			rec.SetValues(c, append(rec.Values(c), diff.ValueEntry{Key: key, Value: value.String}))
		default:
			return nil, fmt.Errorf("%w: unknown category %q", diff.ErrRecordCorrupt, cat)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating diff entries: %w", err)
	}

	return rec, nil
}

// loadSections returns the sections present in a record. The rows are
// closed before returning so the connection can be reused.
func (s *SQLiteStore) loadSections(ctx context.Context, taskID string) ([]diff.Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category FROM diff_sections WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list diff sections: %w", err)
	}
	defer rows.Close()

	var cats []diff.Category
	for rows.Next() {
		var cat string
		if err := rows.Scan(&cat); err != nil {
			return nil, fmt.Errorf("failed to scan diff section: %w", err)
		}
		c := diff.Category(cat)
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", diff.ErrRecordCorrupt, err)
		}
		cats = append(cats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating diff sections: %w", err)
	}
	return cats, nil
}

// Save implements diff.Store. The previous record is replaced in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, rec *diff.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM diff_records WHERE task_id = ?`, rec.TaskID); err != nil {
		return fmt.Errorf("failed to delete previous diff record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO diff_records (task_id, updated_at) VALUES (?, ?)`,
		rec.TaskID, time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to insert diff record: %w", err)
	}

	for _, c := range diff.Categories {
		if !rec.HasSection(c) {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO diff_sections (task_id, category) VALUES (?, ?)`, rec.TaskID, string(c),
		); err != nil {
			return fmt.Errorf("failed to insert diff section %s: %w", c, err)
		}
		if c.IsFile() {
			for _, e := range rec.Files(c) {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO diff_entries (task_id, category, entry_key, size, mtime_ns)
					VALUES (?, ?, ?, ?, ?)
				`, rec.TaskID, string(c), e.Path, e.Size, e.ModTime.UnixNano()); err != nil {
					return fmt.Errorf("failed to insert %s entry %s: %w", c, e.Path, err)
				}
			}
			continue
		}
		for _, e := range rec.Values(c) {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO diff_entries (task_id, category, entry_key, value)
				VALUES (?, ?, ?, ?)
			`, rec.TaskID, string(c), e.Key, e.Value); err != nil {
				return fmt.Errorf("failed to insert %s entry %s: %w", c, e.Key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit diff record: %w", err)
	}
	return nil
}

// Delete implements diff.Store.
func (s *SQLiteStore) Delete(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM diff_records WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to delete diff record: %w", err)
	}
	return nil
}

// TaskIDs lists every task with a stored record.
func (s *SQLiteStore) TaskIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM diff_records ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list diff records: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating diff records: %w", err)
	}
	return ids, nil
}

// CreateRun creates a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, status, started_at)
		VALUES (?, ?, ?)
	`, run.ID, run.Status, run.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun stores the final status and counters of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *Run) error {
	var completed *int64
	if run.CompletedAt != nil {
		ns := run.CompletedAt.UnixNano()
		completed = &ns
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, completed_at = ?, error = ?, halted_by = ?,
		    ran = ?, unchanged = ?, skipped = ?, failed = ?
		WHERE id = ?
	`, run.Status, completed, run.Error, run.HaltedBy,
		run.Ran, run.Unchanged, run.Skipped, run.Failed, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", run.ID)
	}
	return nil
}

const runColumns = `id, status, started_at, completed_at, error, halted_by, ran, unchanged, skipped, failed`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run       Run
		started   int64
		completed sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.Status, &started, &completed, &run.Error, &run.HaltedBy,
		&run.Ran, &run.Unchanged, &run.Skipped, &run.Failed); err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(0, started).UTC()
	if completed.Valid {
		t := time.Unix(0, completed.Int64).UTC()
		run.CompletedAt = &t
	}
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// AppendTaskEvent records the outcome of a task.
func (s *SQLiteStore) AppendTaskEvent(ctx context.Context, event *TaskEvent) error {
	var changes *string
	if len(event.Changes) > 0 {
		data, err := json.Marshal(event.Changes)
		if err != nil {
			return fmt.Errorf("failed to encode changes: %w", err)
		}
		str := string(data)
		changes = &str
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events (run_id, task_id, outcome, forced, changes, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.RunID, event.TaskID, event.Outcome, event.Forced, changes, event.Error,
		event.StartedAt.UnixNano(), event.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to append task event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event id: %w", err)
	}
	event.ID = id
	return nil
}

// ListTaskEvents returns the task events of a run in execution order.
func (s *SQLiteStore) ListTaskEvents(ctx context.Context, runID string) ([]*TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, task_id, outcome, forced, changes, error, started_at, duration_ms
		FROM task_events
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task events: %w", err)
	}
	defer rows.Close()

	events := []*TaskEvent{}
	for rows.Next() {
		var (
			ev       TaskEvent
			changes  sql.NullString
			started  int64
			duration int64
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.TaskID, &ev.Outcome, &ev.Forced,
			&changes, &ev.Error, &started, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		if changes.Valid && strings.TrimSpace(changes.String) != "" {
			if err := json.Unmarshal([]byte(changes.String), &ev.Changes); err != nil {
				return nil, fmt.Errorf("failed to decode changes: %w", err)
			}
		}
		ev.StartedAt = time.Unix(0, started).UTC()
		ev.Duration = time.Duration(duration) * time.Millisecond
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task events: %w", err)
	}
	return events, nil
}
