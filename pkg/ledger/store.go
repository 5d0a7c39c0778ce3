// Package ledger is the durable backup history: which archive was made for
// which source file, by which run, and why. It is an append-only event log
// kept in SQLite.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Store is an open ledger database. A Store may be shared by runs of
// several profiles; statements are serialized on a single connection.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex // Serialize migrations

	now        func() time.Time
	retryDelay time.Duration
	maxRetries int
}

// Open opens (or creates) the ledger at path and brings its schema up to
// date.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection. WAL enables concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite requires SQL statements, not DSN params.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &Store{
		db:         db,
		path:       path,
		now:        time.Now,
		retryDelay: time.Second,
		maxRetries: 10,
	}
	if err := s.Migrate(ctx, migrations); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// DB returns the underlying *sql.DB for direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx executes fn within a database transaction. The transaction is
// committed if fn returns nil, rolled back otherwise.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

// Migration is one additive schema step.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
}

// Migrate applies the migrations that are not yet recorded in the
// _migrations table. Migrations must be given in ascending Version order.
func (s *Store) Migrate(ctx context.Context, ms []Migration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			version     INTEGER NOT NULL PRIMARY KEY,
			description TEXT    NOT NULL,
			applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create _migrations: %w", err)
	}

	for _, m := range ms {
		var count int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM _migrations WHERE version = ?", m.Version,
		).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}
		err := s.Tx(ctx, func(tx *sql.Tx) error {
			if err := m.Up(ctx, tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO _migrations (version, description) VALUES (?, ?)",
				m.Version, m.Description,
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT max(version) FROM _migrations").Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// lookupOrInsert returns the id of the row of a dictionary table holding
// value, inserting it first if needed.
func lookupOrInsert(ctx context.Context, db *sql.DB, table, column, value string) (int64, error) {
	if _, err := db.ExecContext(ctx,
		fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (?)", table, column), value,
	); err != nil {
		return 0, fmt.Errorf("insert %s %q: %w", table, value, err)
	}
	var id int64
	if err := db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE %s = ?", table, column), value,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("select %s %q: %w", table, value, err)
	}
	return id, nil
}
