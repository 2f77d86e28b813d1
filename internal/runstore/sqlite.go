package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hochfrequenz/fishqueue/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists runs as JSON documents in SQLite. The columns next to
// the document only serve filtering and ordering.
type SQLiteStore struct {
	db    *sql.DB
	locks *keyedMutex
}

// NewSQLite opens (or creates) the database at dbPath. ":memory:" gives a
// private in-memory database.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		sep := "?"
		if strings.Contains(dbPath, "?") {
			sep = "&"
		}
		dsn = dbPath + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db, locks: newKeyedMutex()}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, run *domain.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", run.ID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, username, status, priority, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.Config.Username,
		string(run.Status),
		run.Config.Priority,
		run.CreatedAt.UnixNano(),
		run.UpdatedAt.UnixNano(),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, run.ID)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return run, err
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*domain.Run, error) {
	query := `SELECT data FROM runs WHERE 1=1`
	var args []interface{}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.Username != "" {
		query += " AND username = ?"
		args = append(args, opts.Username)
	}
	if opts.Unfinished {
		query += " AND status != ?"
		args = append(args, string(domain.RunFinished))
	}

	query += " ORDER BY priority DESC, created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn UpdateFunc) (*domain.Run, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update of run %s: %w", id, err)
	}
	defer tx.Rollback()

	run, err := scanRun(tx.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}

	if err := fn(run); err != nil {
		return nil, err
	}

	data, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("encoding run %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, priority = ?, updated_at = ?, data = ? WHERE id = ?
	`, string(run.Status), run.Config.Priority, run.UpdatedAt.UnixNano(), string(data), id)
	if err != nil {
		return nil, fmt.Errorf("updating run %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update of run %s: %w", id, err)
	}
	return run.Clone(), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		return nil, err
	}

	var run domain.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("decoding run: %w", err)
	}
	if run.Tasks == nil {
		run.Tasks = []*domain.Task{}
	}
	return &run, nil
}
