package pgo

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists loop and function samples across runs so hotness can
// build up over many executions of the same image.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// OpenStore opens (or creates) the profile database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		image TEXT NOT NULL,
		samples INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sessions table: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS hot_paths (
		image TEXT NOT NULL,
		node_id INTEGER NOT NULL,
		is_loop INTEGER NOT NULL,
		entries INTEGER NOT NULL,
		iterations INTEGER NOT NULL,
		cycles INTEGER NOT NULL,
		PRIMARY KEY (image, node_id)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating hot_paths table: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save adds samples for image to the accumulated profile and records a
// session. It returns the new session's id.
func (s *Store) Save(ctx context.Context, image string, samples []Sample) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO hot_paths
		(image, node_id, is_loop, entries, iterations, cycles)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (image, node_id) DO UPDATE SET
			entries = entries + excluded.entries,
			iterations = iterations + excluded.iterations,
			cycles = cycles + excluded.cycles`)
	if err != nil {
		return "", fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, smp := range samples {
		isLoop := 0
		if smp.IsLoop {
			isLoop = 1
		}
		_, err := stmt.ExecContext(ctx, image, smp.NodeID, isLoop,
			int64(smp.Entries), int64(smp.Iterations), int64(smp.Cycles))
		if err != nil {
			return "", fmt.Errorf("saving sample for node %d: %w", smp.NodeID, err)
		}
	}

	id := uuid.New().String()
	_, err = tx.ExecContext(ctx,
		"INSERT INTO sessions (id, image, samples, created_at) VALUES (?, ?, ?, ?)",
		id, image, len(samples), time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("recording session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing profile: %w", err)
	}
	log.Debugf("saved %d samples for image %s (session %s)", len(samples), image, id)
	return id, nil
}

// Load returns the accumulated samples for image ordered by node ID.
func (s *Store) Load(ctx context.Context, image string) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, is_loop, entries, iterations, cycles
		FROM hot_paths WHERE image = ? ORDER BY node_id`, image)
	if err != nil {
		return nil, fmt.Errorf("querying hot paths: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			smp                        Sample
			isLoop                     int
			entries, iterations, cycle int64
		)
		if err := rows.Scan(&smp.NodeID, &isLoop, &entries, &iterations, &cycle); err != nil {
			return nil, fmt.Errorf("scanning hot path: %w", err)
		}
		smp.IsLoop = isLoop != 0
		smp.Entries = uint64(entries)
		smp.Iterations = uint64(iterations)
		smp.Cycles = uint64(cycle)
		out = append(out, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading hot paths: %w", err)
	}
	return out, nil
}

// Sessions returns the number of profiling sessions recorded for image.
func (s *Store) Sessions(ctx context.Context, image string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE image = ?", image).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return n, nil
}

// Reset deletes every sample and session recorded for image.
func (s *Store) Reset(ctx context.Context, image string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM hot_paths WHERE image = ?", image); err != nil {
		return fmt.Errorf("deleting hot paths: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE image = ?", image); err != nil {
		return fmt.Errorf("deleting sessions: %w", err)
	}
	return nil
}
