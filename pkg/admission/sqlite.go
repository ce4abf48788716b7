package admission

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SnapshotStore persists per-identity window state across restarts.
type SnapshotStore interface {
	// Load returns the stored snapshot, or (nil, nil) when the identity
	// has none.
	Load(identity string) ([]byte, error)

	// Save upserts the snapshot for an identity.
	Save(identity string, snapshot []byte) error

	Close() error
}

// SQLiteStore is a SnapshotStore on a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open admission store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS admission_snapshots (
			identity   TEXT PRIMARY KEY,
			snapshot   TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create admission schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load implements SnapshotStore.
func (s *SQLiteStore) Load(identity string) ([]byte, error) {
	var snapshot string
	err := s.db.QueryRow(
		`SELECT snapshot FROM admission_snapshots WHERE identity = ?`, identity,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", identity, err)
	}
	return []byte(snapshot), nil
}

// Save implements SnapshotStore.
func (s *SQLiteStore) Save(identity string, snapshot []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO admission_snapshots (identity, snapshot, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(identity) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = CURRENT_TIMESTAMP`,
		identity, string(snapshot))
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", identity, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
