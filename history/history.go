package history

import (
	"database/sql"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Detection is one recorded sighting of a target.
type Detection struct {
	TargetID   string
	TargetName string
	Region     image.Rectangle
	Confidence float64
	DetectedAt time.Time
}

// TargetStats aggregates a target's recorded detections.
type TargetStats struct {
	Count          int64
	LastDetectedAt time.Time
}

// Store keeps detection history in a local SQLite database.
type Store struct {
	logger *slog.Logger
	conn   *sql.DB
	path   string
}

// Open opens or creates the history database at path and brings its schema
// up to date. SQLite works best over a single connection, so the pool is
// capped at one.
func Open(logger *slog.Logger, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: ping database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	s := &Store{logger: logger, conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error { return s.conn.Close() }

var migrations = []struct {
	version int
	apply   func(*sql.Tx) error
}{
	{1, migrateDetections},
}

func (s *Store) migrate() error {
	if _, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL
		)`); err != nil {
		return fmt.Errorf("history: create schema_version: %w", err)
	}
	var current int
	if err := s.conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("history: read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.conn.Begin()
		if err != nil {
			return err
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("history: migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("history: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.logger.Info("history.migrated", "version", m.version)
	}
	return nil
}

func migrateDetections(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target_id TEXT NOT NULL,
			target_name TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			w INTEGER NOT NULL,
			h INTEGER NOT NULL,
			confidence REAL NOT NULL,
			detected_at DATETIME NOT NULL
		);
		CREATE INDEX idx_detections_target ON detections(target_id, detected_at);
	`)
	return err
}

// Record inserts one detection. A zero DetectedAt is filled with now.
func (s *Store) Record(d Detection) error {
	when := d.DetectedAt
	if when.IsZero() {
		when = time.Now()
	}
	_, err := s.conn.Exec(`
		INSERT INTO detections (target_id, target_name, x, y, w, h, confidence, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.TargetID, d.TargetName,
		d.Region.Min.X, d.Region.Min.Y, d.Region.Dx(), d.Region.Dy(),
		d.Confidence, when.UTC())
	if err != nil {
		return fmt.Errorf("history: record detection: %w", err)
	}
	return nil
}

// TargetStats returns how often and how recently a target was detected. A
// target with no recorded detections returns zero stats and no error.
func (s *Store) TargetStats(targetID string) (TargetStats, error) {
	var st TargetStats
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM detections WHERE target_id = ?`, targetID).Scan(&st.Count); err != nil {
		return TargetStats{}, fmt.Errorf("history: count detections: %w", err)
	}
	if st.Count == 0 {
		return st, nil
	}
	if err := s.conn.QueryRow(`
		SELECT detected_at FROM detections
		WHERE target_id = ? ORDER BY detected_at DESC LIMIT 1`, targetID).Scan(&st.LastDetectedAt); err != nil {
		return TargetStats{}, fmt.Errorf("history: last detection: %w", err)
	}
	return st, nil
}

// Recent returns up to n detections, newest first.
func (s *Store) Recent(n int) ([]Detection, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.conn.Query(`
		SELECT target_id, target_name, x, y, w, h, confidence, detected_at
		FROM detections ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("history: recent detections: %w", err)
	}
	defer rows.Close()
	var out []Detection
	for rows.Next() {
		var d Detection
		var x, y, w, h int
		if err := rows.Scan(&d.TargetID, &d.TargetName, &x, &y, &w, &h, &d.Confidence, &d.DetectedAt); err != nil {
			return nil, fmt.Errorf("history: scan detection: %w", err)
		}
		d.Region = image.Rect(x, y, x+w, y+h)
		out = append(out, d)
	}
	return out, rows.Err()
}
