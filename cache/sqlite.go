package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

var _ Provider = SQLiteCache{}

// NewSQLiteCache creates a new generation store with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	inMemory := filename == ""
	if inMemory {
		filename = ":memory:"
	} else if !strings.Contains(filename, "?") {
		filename += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	if inMemory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS generations (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (generation, key)
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("sqlite init: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Open(ctx context.Context, generation string) (Handle, error) {
	if err := validGeneration(generation); err != nil {
		return nil, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO generations (name, created_at) VALUES (?, ?)",
		generation, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	return sqliteHandle{s: s, generation: generation}, nil
}

func (s SQLiteCache) Generations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM generations ORDER BY created_at ASC, rowid ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) Destroy(ctx context.Context, generation string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", generation); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE name = ?", generation); err != nil {
		return err
	}
	return tx.Commit()
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}

type sqliteHandle struct {
	s          SQLiteCache
	generation string
}

func (h sqliteHandle) Generation() string {
	return h.generation
}

func (h sqliteHandle) Get(ctx context.Context, key string) (*Snapshot, bool, error) {
	var bytes []byte
	err := h.s.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE generation = ? AND key = ?",
		h.generation, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	snap, err := UnmarshalSnapshot(bytes)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

func (h sqliteHandle) Put(ctx context.Context, key string, snapshot *Snapshot) error {
	bytes, err := snapshot.MarshalBinary()
	if err != nil {
		return err
	}
	h.s.writeMutex.Lock()
	defer h.s.writeMutex.Unlock()
	// only write while the generation exists, a destroyed generation stays destroyed
	result, err := h.s.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(generation, key, stored_at, bytes)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM generations WHERE name = ?)`,
		h.generation, key, snapshot.StoredAt.UnixNano(), bytes, h.generation)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrGenerationNotFound
	}
	return nil
}

func (h sqliteHandle) Keys(ctx context.Context, cb func(string)) error {
	rows, err := h.s.db.QueryContext(ctx, "SELECT key FROM entries WHERE generation = ?", h.generation)
	if err != nil {
		return err
	}
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}
