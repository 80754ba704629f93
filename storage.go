package chatsync

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ============================================================================
// Identity Store
// ============================================================================

// Scope selects where the persisted identity lives.
type Scope string

const (
	// ScopeSession keeps state in memory for the life of the process. It lets
	// several identities run side by side on one machine.
	ScopeSession Scope = "session"
	// ScopeDevice keeps state in a SQLite file under the data directory.
	ScopeDevice Scope = "device"
)

// DefaultDBFileName is the SQLite filename under the data directory.
const DefaultDBFileName = "chatsync.db"

// userKey is the storage key the serialized Identity lives under.
const userKey = "user"

// IdentityStore is a small scoped key/value store holding the persisted identity.
type IdentityStore interface {
	// Get returns the value for key and whether it exists.
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	// Clear wipes every key in the scope.
	Clear() error
	Close() error
}

// OpenIdentityStore returns the store for scope. dataDir is only used by ScopeDevice.
func OpenIdentityStore(scope Scope, dataDir string) (IdentityStore, error) {
	switch scope {
	case ScopeSession:
		return NewMemoryIdentityStore(), nil
	case ScopeDevice, "":
		store, _, err := OpenSQLiteIdentityStore(dataDir)
		return store, err
	}
	return nil, fmt.Errorf("unknown storage scope %q", scope)
}

// ScopeFor picks the scope the way the web client did: simulator mode is session scoped.
func ScopeFor(simulator bool) Scope {
	if simulator {
		return ScopeSession
	}
	return ScopeDevice
}

// LoadIdentity reads the persisted identity. It returns nil, nil when none is stored.
func LoadIdentity(s IdentityStore) (*Identity, error) {
	data, ok, err := s.Get(userKey)
	if err != nil || !ok {
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("decode stored identity: %w", err)
	}
	return &id, nil
}

// SaveIdentity persists id under the user key.
func SaveIdentity(s IdentityStore, id *Identity) error {
	if id == nil {
		return errors.New("identity is required")
	}
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	return s.Put(userKey, data)
}

// ============================================================================
// MemoryIdentityStore
// ============================================================================

// MemoryIdentityStore is a goroutine-safe in-memory IdentityStore.
type MemoryIdentityStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryIdentityStore creates an empty session-scoped store.
func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{values: make(map[string][]byte)}
}

func (s *MemoryIdentityStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryIdentityStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryIdentityStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string][]byte)
	return nil
}

func (s *MemoryIdentityStore) Close() error { return nil }

// ============================================================================
// SQLiteIdentityStore
// ============================================================================

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS kv (
  key        TEXT PRIMARY KEY,
  value      BLOB NOT NULL,
  updated_at INTEGER NOT NULL
);
`,
}

// SQLiteIdentityStore is a device-scoped IdentityStore backed by SQLite.
type SQLiteIdentityStore struct {
	db        *sql.DB
	closeOnce sync.Once
}

// OpenSQLiteIdentityStore opens (or creates) the database under dataDir.
func OpenSQLiteIdentityStore(dataDir string) (*SQLiteIdentityStore, string, error) {
	if dataDir == "" {
		return nil, "", errors.New("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenSQLiteIdentityStorePath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenSQLiteIdentityStorePath opens SQLite at an explicit path and runs migrations.
func OpenSQLiteIdentityStorePath(dbPath string) (*SQLiteIdentityStore, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &SQLiteIdentityStore{db: db}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteIdentityStore) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteIdentityStore) Put(key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		value,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteIdentityStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM kv`); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	return nil
}

// Close closes the SQLite connection.
func (s *SQLiteIdentityStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *SQLiteIdentityStore) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *SQLiteIdentityStore) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}
