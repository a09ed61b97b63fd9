package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements KV using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// SQLite has a single writer; one connection also keeps ":memory:"
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// GetAll returns the items stored under key in list order.
func (s *SQLiteStore) GetAll(ctx context.Context, key string) ([]Item, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT item_id, payload FROM list_items
		WHERE list_key = ?
		ORDER BY position, created_at`, key)
	if err != nil {
		return nil, fmt.Errorf("querying list %s: %w", key, err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var (
			id      string
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scanning list item in %s: %w", key, err)
		}
		items = append(items, Item{ID: id, Payload: json.RawMessage(payload)})
	}

	return items, rows.Err()
}

// SetAll replaces the list stored under key.
func (s *SQLiteStore) SetAll(ctx context.Context, key string, items []Item) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM list_items WHERE list_key = ?", key); err != nil {
			return fmt.Errorf("clearing list %s: %w", key, err)
		}

		now := time.Now().UTC()
		for i, item := range items {
			_, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO list_items (list_key, item_id, position, payload, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				key, item.ID, i+1, string(item.Payload), now, now,
			)
			if err != nil {
				return fmt.Errorf("writing item %s to %s: %w", item.ID, key, err)
			}
		}
		return nil
	})
}

// Append adds items to the end of the list, skipping IDs already present.
func (s *SQLiteStore) Append(ctx context.Context, key string, items ...Item) error {
	if len(items) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		next, err := nextPosition(ctx, tx, key)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, item := range items {
			result, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO list_items (list_key, item_id, position, payload, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				key, item.ID, next, string(item.Payload), now, now,
			)
			if err != nil {
				return fmt.Errorf("appending item %s to %s: %w", item.ID, key, err)
			}
			if n, _ := result.RowsAffected(); n > 0 {
				next++
			}
		}
		return nil
	})
}

// Merge upserts items by ID, keeping the position of existing items.
func (s *SQLiteStore) Merge(ctx context.Context, key string, items ...Item) error {
	if len(items) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		next, err := nextPosition(ctx, tx, key)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, item := range items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO list_items (list_key, item_id, position, payload, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (list_key, item_id) DO UPDATE SET
					payload = excluded.payload,
					updated_at = excluded.updated_at`,
				key, item.ID, next, string(item.Payload), now, now,
			)
			if err != nil {
				return fmt.Errorf("merging item %s into %s: %w", item.ID, key, err)
			}
			next++
		}
		return nil
	})
}

// Remove deletes the given item IDs from the list.
func (s *SQLiteStore) Remove(ctx context.Context, key string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(
		"DELETE FROM list_items WHERE list_key = ? AND item_id IN (?)", key, ids,
	)
	if err != nil {
		return fmt.Errorf("building remove query for %s: %w", key, err)
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("removing items from %s: %w", key, err)
	}
	return nil
}

// DeleteKey removes every item stored under key.
func (s *SQLiteStore) DeleteKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM list_items WHERE list_key = ?", key); err != nil {
		return fmt.Errorf("deleting list %s: %w", key, err)
	}
	return nil
}

// Keys returns the distinct non-empty keys beginning with prefix.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys, `
		SELECT DISTINCT list_key FROM list_items
		WHERE substr(list_key, 1, ?) = ?
		ORDER BY list_key`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("listing keys with prefix %q: %w", prefix, err)
	}
	return keys, nil
}

// Count returns how many items are stored under key.
func (s *SQLiteStore) Count(ctx context.Context, key string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM list_items WHERE list_key = ?", key); err != nil {
		return 0, fmt.Errorf("counting list %s: %w", key, err)
	}
	return n, nil
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// nextPosition returns the position after the last item under key.
func nextPosition(ctx context.Context, tx *sqlx.Tx, key string) (int, error) {
	var maxPos int
	err := tx.GetContext(ctx, &maxPos,
		"SELECT COALESCE(MAX(position), 0) FROM list_items WHERE list_key = ?", key)
	if err != nil {
		return 0, fmt.Errorf("reading last position of %s: %w", key, err)
	}
	return maxPos + 1, nil
}
