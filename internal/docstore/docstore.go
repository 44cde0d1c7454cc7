// Package docstore provides keyed JSON document storage for the
// add-on's persisted state (insights, reports, schedule). Documents
// are whole JSON values stored one-per-key in SQLite; each Doc handle
// serializes access with its own exclusive lock, so readers observe
// consistent snapshots and writers never interleave. Read failures
// degrade to an absent document; write failures propagate, since
// silent data loss is worse than a visible error.
package docstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the shared SQLite handle behind all document keys.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or opens) the document database at dbPath. The parent
// directory is created best-effort; if that fails the subsequent open
// surfaces the real error.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		logger.Warn("could not create storage directory", "path", filepath.Dir(dbPath), "error", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		key        TEXT PRIMARY KEY,
		content    TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Doc returns a handle for one document key. Each handle carries its
// own lock; obtain exactly one handle per key and share it.
func (s *Store) Doc(key string) *Doc {
	return &Doc{store: s, key: key, logger: s.logger.With("doc", key)}
}

// Doc is a lock-guarded handle to a single JSON document.
type Doc struct {
	store  *Store
	key    string
	mu     sync.Mutex
	logger *slog.Logger
}

// load fetches the raw document. A missing row or corrupt content
// returns nil (absent); storage errors are logged and also degrade to
// absent so reads never fail.
func (d *Doc) load() json.RawMessage {
	var content string
	err := d.store.db.QueryRow(
		`SELECT content FROM documents WHERE key = ?`, d.key,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		d.logger.Error("failed to load document", "error", err)
		return nil
	}
	if !json.Valid([]byte(content)) {
		d.logger.Error("document content is not valid JSON, treating as absent")
		return nil
	}
	return json.RawMessage(content)
}

func (d *Doc) save(raw []byte) error {
	_, err := d.store.db.Exec(
		`INSERT INTO documents (key, content, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET content = excluded.content, updated_at = excluded.updated_at`,
		d.key, string(raw), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save document %s: %w", d.key, err)
	}
	return nil
}

// View runs fn with a consistent snapshot of the document under the
// lock. raw is nil when the document is absent or unreadable.
func (d *Doc) View(fn func(raw json.RawMessage) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(d.load())
}

// Modify runs fn under the lock with the current document (nil when
// absent) and persists the returned value. Returning an error from fn
// aborts without writing.
func (d *Doc) Modify(fn func(raw json.RawMessage) (any, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	updated, err := fn(d.load())
	if err != nil {
		return err
	}

	out, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", d.key, err)
	}
	return d.save(out)
}
