package grid

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"time"

	"market_maker/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the core.IStateStore implementation: grid snapshots and
// reset checkpoints, keyed by grid id; snapshots carry a checksum verified
// on read, reset checkpoints do not. Adapted from this codebase's WAL-mode engine state store; the
// schema here is a generic blob table rather than one typed to a specific
// wire format, since C11/C12 persist opaque JSON snapshots.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dbPath, enabling WAL mode for crash recovery, and
// creates its tables if they do not already exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS grid_state (
	grid_id TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	checksum BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS reset_checkpoint (
	grid_id TEXT PRIMARY KEY,
	step TEXT NOT NULL,
	payload BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

var _ core.IStateStore = (*SQLiteStore)(nil)

func (s *SQLiteStore) SaveGridState(ctx context.Context, gridID string, snapshot []byte) error {
	return s.upsert(ctx, "grid_state", "grid_id, data, checksum, updated_at", gridID, snapshot)
}

func (s *SQLiteStore) LoadGridState(ctx context.Context, gridID string) ([]byte, bool, error) {
	return s.load(ctx, "grid_state", gridID)
}

func (s *SQLiteStore) SaveResetCheckpoint(ctx context.Context, gridID string, step string, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reset_checkpoint (grid_id, step, payload, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(grid_id) DO UPDATE SET step=excluded.step, payload=excluded.payload, updated_at=excluded.updated_at`,
		gridID, step, payload, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("write reset checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadResetCheckpoint(ctx context.Context, gridID string) (string, []byte, bool, error) {
	var step string
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT step, payload FROM reset_checkpoint WHERE grid_id = ?`, gridID).Scan(&step, &payload)
	if err == sql.ErrNoRows {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("read reset checkpoint: %w", err)
	}
	return step, payload, true, nil
}

func (s *SQLiteStore) ClearResetCheckpoint(ctx context.Context, gridID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reset_checkpoint WHERE grid_id = ?`, gridID)
	if err != nil {
		return fmt.Errorf("clear reset checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) upsert(ctx context.Context, table, cols, gridID string, data []byte) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	checksum := sha256.Sum256(data)
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?)
		ON CONFLICT(grid_id) DO UPDATE SET data=excluded.data, checksum=excluded.checksum, updated_at=excluded.updated_at`, table, cols)
	if _, err := tx.ExecContext(ctx, query, gridID, data, checksum[:], time.Now().UnixNano()); err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) load(ctx context.Context, table, gridID string) ([]byte, bool, error) {
	var data, storedChecksum []byte
	query := fmt.Sprintf(`SELECT data, checksum FROM %s WHERE grid_id = ?`, table)
	err := s.db.QueryRowContext(ctx, query, gridID).Scan(&data, &storedChecksum)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", table, err)
	}
	computed := sha256.Sum256(data)
	if len(storedChecksum) != len(computed) {
		return nil, false, fmt.Errorf("checksum length mismatch for %s/%s", table, gridID)
	}
	for i := range computed {
		if storedChecksum[i] != computed[i] {
			return nil, false, fmt.Errorf("checksum verification failed for %s/%s: data corruption detected", table, gridID)
		}
	}
	return data, true, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
