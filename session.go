package gapshap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SessionStore remembers which conversation was active for the current
// session, so a restarted client can reopen it.
type SessionStore interface {
	ActiveConversation() (int64, bool)
	SetActiveConversation(id int64) error
	ClearActiveConversation() error
}

// SessionKey derives a stable key for a server and credential pair. A new
// credential yields a new key, so records from older sessions stay invisible.
func SessionKey(baseURL, credential string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(baseURL+"\x00"+credential)).String()
}

// ============================================================================
// MemorySessionStore
// ============================================================================

// MemorySessionStore keeps the record for the lifetime of the process.
type MemorySessionStore struct {
	mu  sync.RWMutex
	id  int64
	set bool
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{}
}

func (s *MemorySessionStore) ActiveConversation() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id, s.set
}

func (s *MemorySessionStore) SetActiveConversation(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id, s.set = id, true
	return nil
}

func (s *MemorySessionStore) ClearActiveConversation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id, s.set = 0, false
	return nil
}

// ============================================================================
// SQLiteSessionStore
// ============================================================================

// SQLiteSessionStore keeps one record per session key in a SQLite file.
type SQLiteSessionStore struct {
	db     *sql.DB
	key    string
	logger *slog.Logger
}

// OpenSQLiteSessionStore opens (creating if needed) the database at path and
// scopes every read and write to sessionKey.
func OpenSQLiteSessionStore(path, sessionKey string, logger *slog.Logger) (*SQLiteSessionStore, error) {
	if sessionKey == "" {
		return nil, errors.New("session key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating session directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_selection (
			session_key     TEXT PRIMARY KEY,
			conversation_id INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating session schema: %w", err)
	}

	return &SQLiteSessionStore{
		db:     db,
		key:    sessionKey,
		logger: logger.With("component", "session"),
	}, nil
}

func (s *SQLiteSessionStore) ActiveConversation() (int64, bool) {
	var id int64
	err := s.db.QueryRow(
		`SELECT conversation_id FROM session_selection WHERE session_key = ?`, s.key,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false
	}
	if err != nil {
		s.logger.Warn("reading session selection failed", "error", err)
		return 0, false
	}
	return id, true
}

func (s *SQLiteSessionStore) SetActiveConversation(id int64) error {
	_, err := s.db.Exec(`
		INSERT INTO session_selection (session_key, conversation_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			updated_at = excluded.updated_at`,
		s.key, id, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving session selection: %w", err)
	}
	return nil
}

func (s *SQLiteSessionStore) ClearActiveConversation() error {
	if _, err := s.db.Exec(`DELETE FROM session_selection WHERE session_key = ?`, s.key); err != nil {
		return fmt.Errorf("clearing session selection: %w", err)
	}
	return nil
}

// Prune removes records of every session not touched since before.
func (s *SQLiteSessionStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_selection WHERE updated_at < ? AND session_key <> ?`,
		before.UnixMilli(), s.key,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteSessionStore) Close() error {
	return s.db.Close()
}
