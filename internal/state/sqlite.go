package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wojons/openchamber/internal/api"
)

// SQLiteStore is the default persisted-state backend.
type SQLiteStore struct {
	root   string
	dbPath string

	mu   sync.Mutex
	db   *sql.DB
	once sync.Once
	err  error

	// Used only for one-time import of the legacy JSON layout.
	legacy *FileStore
}

func NewSQLiteStore(root string) (*SQLiteStore, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	legacy, err := NewFileStore(root)
	if err != nil {
		return nil, err
	}
	st := &SQLiteStore{
		root:   root,
		dbPath: filepath.Join(root, "openchamber.db"),
		legacy: legacy,
	}
	// Initialize eagerly so callers fail fast.
	if err := st.init(); err != nil {
		return nil, err
	}
	// One-time best-effort import.
	_ = st.importLegacyIfNeeded()
	return st, nil
}

func (s *SQLiteStore) init() error {
	s.once.Do(func() {
		db, err := sql.Open("sqlite", s.dbPath)
		if err != nil {
			s.err = err
			return
		}
		// Keep sqlite responsive under contention.
		_, _ = db.Exec("PRAGMA busy_timeout = 5000;")
		_, _ = db.Exec("PRAGMA journal_mode = WAL;")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL;")

		schema := []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				locally_created INTEGER NOT NULL DEFAULT 0,
				updated_at_ns INTEGER NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS worktrees (
				session_id TEXT PRIMARY KEY,
				payload TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS meta (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS directory_sessions (
				directory TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				updated_at_ns INTEGER NOT NULL
			);`,
		}
		for _, stmt := range schema {
			if _, err := db.Exec(stmt); err != nil {
				s.err = err
				_ = db.Close()
				return
			}
		}
		s.db = db
	})
	return s.err
}

func (s *SQLiteStore) importLegacyIfNeeded() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil || n > 0 {
		return err
	}
	snap, err := s.legacy.LoadSnapshot()
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			return nil
		}
		return err
	}
	if err := s.saveSnapshotLocked(snap); err != nil {
		return err
	}
	sel, err := s.legacy.LoadSelections()
	if err != nil {
		return err
	}
	return s.saveSelectionsLocked(sel)
}

func (s *SQLiteStore) LoadSnapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	rows, err := s.db.Query(`SELECT payload, locally_created FROM sessions ORDER BY updated_at_ns ASC`)
	if err != nil {
		return snap, err
	}
	defer rows.Close()
	for rows.Next() {
		var payload string
		var local int
		if err := rows.Scan(&payload, &local); err != nil {
			return snap, err
		}
		var sess api.Session
		if err := json.Unmarshal([]byte(payload), &sess); err != nil {
			continue
		}
		snap.Sessions = append(snap.Sessions, sess)
		if local != 0 {
			snap.LocallyCreated = append(snap.LocallyCreated, sess.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	wtRows, err := s.db.Query(`SELECT session_id, payload FROM worktrees`)
	if err != nil {
		return snap, err
	}
	defer wtRows.Close()
	for wtRows.Next() {
		var sid, payload string
		if err := wtRows.Scan(&sid, &payload); err != nil {
			return snap, err
		}
		var meta WorktreeMetadata
		if err := json.Unmarshal([]byte(payload), &meta); err != nil {
			continue
		}
		if snap.Worktrees == nil {
			snap.Worktrees = map[string]WorktreeMetadata{}
		}
		snap.Worktrees[sid] = meta
	}

	snap.CurrentID = s.metaLocked("current_id")
	snap.LastDirectory = s.metaLocked("last_directory")
	if len(snap.Sessions) == 0 && snap.CurrentID == "" && snap.LastDirectory == "" {
		return snap, ErrNoSnapshot
	}
	return snap, nil
}

func (s *SQLiteStore) SaveSnapshot(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveSnapshotLocked(snap)
}

func (s *SQLiteStore) saveSnapshotLocked(snap Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM sessions`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM worktrees`); err != nil {
		return err
	}

	local := map[string]bool{}
	for _, id := range snap.LocallyCreated {
		local[id] = true
	}
	now := time.Now().UnixNano()
	for i, sess := range snap.Sessions {
		payload, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		created := 0
		if local[sess.ID] {
			created = 1
		}
		// Preserve list order via monotonically increasing timestamps.
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO sessions (id, payload, locally_created, updated_at_ns) VALUES (?, ?, ?, ?)`,
			sess.ID, string(payload), created, now+int64(i),
		); err != nil {
			return err
		}
	}
	for sid, meta := range snap.Worktrees {
		payload, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO worktrees (session_id, payload) VALUES (?, ?)`,
			sid, string(payload),
		); err != nil {
			return err
		}
	}
	if err := setMeta(tx, "current_id", snap.CurrentID); err != nil {
		return err
	}
	if err := setMeta(tx, "last_directory", snap.LastDirectory); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadSelections() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT directory, session_id FROM directory_sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sel := map[string]string{}
	for rows.Next() {
		var dir, sid string
		if err := rows.Scan(&dir, &sid); err != nil {
			return nil, err
		}
		sel[dir] = sid
	}
	return sel, rows.Err()
}

func (s *SQLiteStore) SaveSelections(sel map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveSelectionsLocked(sel)
}

func (s *SQLiteStore) saveSelectionsLocked(sel map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM directory_sessions`); err != nil {
		return err
	}
	now := time.Now().UnixNano()
	for dir, sid := range sel {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO directory_sessions (directory, session_id, updated_at_ns) VALUES (?, ?, ?)`,
			dir, sid, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) metaLocked(key string) string {
	var value string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value); err != nil {
		return ""
	}
	return value
}

func setMeta(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value)
	return err
}
