package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for a missing blob key.
var ErrNotFound = errors.New("not found")

// Database handles SQLite persistence for positions, the allocation model,
// allocation history and statistics snapshots
type Database struct {
	db *sql.DB
}

// HistoryRecord represents one allocation decision stored in the database
type HistoryRecord struct {
	ID          string
	Timestamp   time.Time
	SpaceID     string
	VehicleSize float64
	Score       float64
	Features    []float64
	Outcome     string
}

// SnapshotRecord represents a statistics snapshot
type SnapshotRecord struct {
	Timestamp    time.Time
	Total        int
	Free         int
	Occupied     int
	VehicleCount int
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS blobs (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS allocation_history (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			space_id TEXT NOT NULL,
			vehicle_size REAL,
			score REAL,
			features TEXT,
			outcome TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS statistics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			total INTEGER NOT NULL,
			free INTEGER NOT NULL,
			occupied INTEGER NOT NULL,
			vehicle_count INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_time ON allocation_history(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_statistics_time ON statistics(timestamp)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// PutBlob saves or replaces the value stored under key
func (d *Database) PutBlob(ctx context.Context, key string, value []byte) error {
	query := `INSERT INTO blobs (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	if _, err := d.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to save blob %q: %w", key, err)
	}
	return nil
}

// GetBlob retrieves the value stored under key. A missing key returns
// ErrNotFound.
func (d *Database) GetBlob(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := d.db.QueryRowContext(ctx, "SELECT value FROM blobs WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob %q: %w", key, err)
	}
	return value, nil
}

// DeleteBlob removes the value stored under key
func (d *Database) DeleteBlob(ctx context.Context, key string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM blobs WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete blob %q: %w", key, err)
	}
	return nil
}

// ListBlobKeys returns all keys starting with prefix
func (d *Database) ListBlobKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT key FROM blobs WHERE key LIKE ? ORDER BY key", prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan blob key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// AppendHistory saves an allocation history entry
func (d *Database) AppendHistory(ctx context.Context, rec HistoryRecord) error {
	featuresJSON, err := json.Marshal(rec.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}

	query := `INSERT INTO allocation_history
		(id, timestamp, space_id, vehicle_size, score, features, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome`

	_, err = d.db.ExecContext(ctx, query, rec.ID, rec.Timestamp, rec.SpaceID, rec.VehicleSize,
		rec.Score, string(featuresJSON), rec.Outcome)
	if err != nil {
		return fmt.Errorf("failed to save allocation history: %w", err)
	}
	return nil
}

// ListHistory returns the most recent history entries, newest first
func (d *Database) ListHistory(ctx context.Context, limit int) ([]HistoryRecord, error) {
	query := `SELECT id, timestamp, space_id, vehicle_size, score, features, outcome
		FROM allocation_history ORDER BY timestamp DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocation history: %w", err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		var featuresJSON string
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.SpaceID, &rec.VehicleSize,
			&rec.Score, &featuresJSON, &rec.Outcome); err != nil {
			return nil, fmt.Errorf("failed to scan allocation history: %w", err)
		}
		if featuresJSON != "" {
			if err := json.Unmarshal([]byte(featuresJSON), &rec.Features); err != nil {
				return nil, fmt.Errorf("failed to unmarshal features: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveSnapshot saves a statistics snapshot
func (d *Database) SaveSnapshot(ctx context.Context, snap SnapshotRecord) error {
	query := `INSERT INTO statistics (timestamp, total, free, occupied, vehicle_count)
		VALUES (?, ?, ?, ?, ?)`

	_, err := d.db.ExecContext(ctx, query, snap.Timestamp, snap.Total, snap.Free, snap.Occupied, snap.VehicleCount)
	if err != nil {
		return fmt.Errorf("failed to save statistics snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns snapshots in chronological order, optionally since a time
func (d *Database) ListSnapshots(ctx context.Context, since *time.Time) ([]SnapshotRecord, error) {
	query := `SELECT timestamp, total, free, occupied, vehicle_count FROM statistics WHERE 1=1`
	args := []interface{}{}

	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *since)
	}
	query += " ORDER BY timestamp ASC"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list statistics: %w", err)
	}
	defer rows.Close()

	var snaps []SnapshotRecord
	for rows.Next() {
		var s SnapshotRecord
		if err := rows.Scan(&s.Timestamp, &s.Total, &s.Free, &s.Occupied, &s.VehicleCount); err != nil {
			return nil, fmt.Errorf("failed to scan statistics: %w", err)
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}
