// Package sqlite provides the durable storage collaborator backed by an
// embedded SQLite database. It is a reference implementation; host
// applications can substitute any store satisfying types.DurableStore.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/retailsync/retailsync/pkg/errors"
	"github.com/retailsync/retailsync/pkg/types"
)

// allowed maps logical table names to their physical tables. Table names
// arrive from code, not users, but the whitelist keeps identifiers out of
// string-built SQL.
var allowed = map[string]string{
	types.TableSnapshots:         "snapshots",
	types.TablePendingOperations: "pending_operations",
	types.TableSettings:          "settings",
}

// Store is a DurableStore over a local SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path (":memory:" for tests) and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeStorageError, "failed to open durable store").
			WithComponent("sqlite").WithResource(path).WithCause(err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent mirror traffic.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	for _, table := range allowed {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`, table)
		if _, err := s.db.Exec(ddl); err != nil {
			return errors.New(errors.ErrCodeStorageError, "failed to create schema").
				WithComponent("sqlite").WithResource(table).WithCause(err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func physical(table string) (string, error) {
	name, ok := allowed[table]
	if !ok {
		return "", errors.Newf(errors.ErrCodeStorageError, "unknown table %q", table).
			WithComponent("sqlite")
	}
	return name, nil
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, table, key string) ([]byte, error) {
	name, err := physical(table)
	if err != nil {
		return nil, err
	}

	var value []byte
	query := fmt.Sprintf("SELECT value FROM %s WHERE key = ?", name)
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Newf(errors.ErrCodeStorageError, "key %q not found in %s", key, table).
				WithComponent("sqlite").WithRetryable(false)
		}
		return nil, errors.New(errors.ErrCodeStorageError, "read failed").
			WithComponent("sqlite").WithResource(table).WithCause(err)
	}
	return value, nil
}

// GetAll returns every key/value pair in the table.
func (s *Store) GetAll(ctx context.Context, table string) (map[string][]byte, error) {
	name, err := physical(table)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT key, value FROM %s", name)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.New(errors.ErrCodeStorageError, "scan failed").
			WithComponent("sqlite").WithResource(table).WithCause(err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, errors.New(errors.ErrCodeStorageError, "row scan failed").
				WithComponent("sqlite").WithResource(table).WithCause(err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.ErrCodeStorageError, "scan interrupted").
			WithComponent("sqlite").WithResource(table).WithCause(err)
	}
	return out, nil
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(ctx context.Context, table, key string, value []byte) error {
	name, err := physical(table)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, name)
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().UnixMilli()); err != nil {
		return errors.New(errors.ErrCodeStorageError, "write failed").
			WithComponent("sqlite").WithResource(table).WithCause(err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, table, key string) error {
	name, err := physical(table)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE key = ?", name)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return errors.New(errors.ErrCodeStorageError, "delete failed").
			WithComponent("sqlite").WithResource(table).WithCause(err)
	}
	return nil
}
