// Package sqlitestore persists the remote record store in SQLite. It backs
// the development server started by `emosync serve`.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/remote"
)

// Store implements remote.Store on a SQLite database.
type Store struct {
	db       *sql.DB
	versions *remote.Versioner

	// writeMu keeps version assignment and commit order identical.
	writeMu sync.Mutex
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var floor sql.NullString
	if err := db.QueryRow(`SELECT MAX(version) FROM records`).Scan(&floor); err != nil {
		db.Close()
		return nil, fmt.Errorf("read version floor: %w", err)
	}
	s.versions, err = remote.NewVersioner(floor.String)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		user_id  TEXT NOT NULL,
		id       TEXT NOT NULL,
		version  TEXT NOT NULL,
		deleted  INTEGER NOT NULL DEFAULT 0,
		status   TEXT NOT NULL DEFAULT '',
		payload  TEXT,
		PRIMARY KEY (user_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_records_user_version ON records(user_id, version);`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Apply implements remote.Store. All ops of one call commit in a single
// transaction.
func (s *Store) Apply(ctx context.Context, user string, ops []remote.Op) ([]remote.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", remote.ErrUnavailable, err)
	}
	defer tx.Rollback()

	results := make([]remote.Result, len(ops))
	for i, op := range ops {
		current, err := s.load(ctx, tx, user, op.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
		}
		next, res := remote.Plan(current, op, s.versions.Next)
		if next != nil {
			if err := s.save(ctx, tx, user, next); err != nil {
				return nil, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
			}
		}
		results[i] = res
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", remote.ErrUnavailable, err)
	}
	return results, nil
}

// Get implements remote.Store.
func (s *Store) Get(ctx context.Context, user, id string) (remote.Entry, error) {
	e, err := s.load(ctx, s.db, user, id)
	if err != nil {
		return remote.Entry{}, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	if e == nil || e.Deleted {
		return remote.Entry{}, remote.ErrNotFound
	}
	return *e, nil
}

// Changes implements remote.Store.
func (s *Store) Changes(ctx context.Context, user, since string, limit int) ([]remote.Entry, string, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, deleted, status, payload FROM records
		WHERE user_id = ? AND version > ?
		ORDER BY version
		LIMIT ?`, user, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []remote.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, since, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, since, fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}

	next := since
	if len(out) > 0 {
		next = out[len(out)-1].Version
	}
	return out, next, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) load(ctx context.Context, q querier, user, id string) (*remote.Entry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, version, deleted, status, payload FROM records
		WHERE user_id = ? AND id = ?`, user, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func scanEntry(sc scanner) (*remote.Entry, error) {
	var (
		e       remote.Entry
		deleted int
		status  string
		payload sql.NullString
	)
	if err := sc.Scan(&e.ID, &e.Version, &deleted, &status, &payload); err != nil {
		return nil, err
	}
	e.Deleted = deleted != 0
	e.Status = model.SyncStatus(status)
	if payload.Valid && payload.String != "" {
		var r model.EmotionRecord
		if err := json.Unmarshal([]byte(payload.String), &r); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", e.ID, err)
		}
		e.Record = &r
	}
	return &e, nil
}

func (s *Store) save(ctx context.Context, tx *sql.Tx, user string, e *remote.Entry) error {
	var payload sql.NullString
	if e.Record != nil {
		data, err := json.Marshal(e.Record)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", e.ID, err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}
	deleted := 0
	if e.Deleted {
		deleted = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO records (user_id, id, version, deleted, status, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE SET
			version = excluded.version,
			deleted = excluded.deleted,
			status = excluded.status,
			payload = excluded.payload`,
		user, e.ID, e.Version, deleted, string(e.Status), payload)
	return err
}
