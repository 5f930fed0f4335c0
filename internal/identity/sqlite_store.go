// internal/identity/sqlite_store.go
package identity

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore 는 방문자 id 를 로컬 SQLite 파일에 보관한다.
// 여러 SDK 프로세스가 같은 파일을 공유해도 WAL + busy_timeout 으로 버틴다.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const visitorSchema = `CREATE TABLE IF NOT EXISTS visitor_ids (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	domain     TEXT NOT NULL DEFAULT '',
	expires_at INTEGER NOT NULL
)`

// OpenSQLiteStore opens (and creates if needed) the store at path.
// ":memory:" is accepted for tests.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", ErrUnknownStore)
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// :memory: 는 커넥션마다 별도 DB 이므로 1개로 고정
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(visitorSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create visitor table: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Read(key string) (string, bool, error) {
	var value string
	var expires int64
	err := s.db.QueryRow(
		`SELECT value, expires_at FROM visitor_ids WHERE key = ?`, key,
	).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read visitor id: %w", err)
	}
	if expires > 0 && s.now().UnixMilli() >= expires {
		return "", false, nil
	}
	return value, true, nil
}

func (s *SQLiteStore) Write(key, value string, ttl time.Duration, scope Scope) error {
	expires := s.now().Add(ttl).UnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO visitor_ids (key, value, domain, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, domain = excluded.domain, expires_at = excluded.expires_at`,
		key, value, scope.Domain, expires,
	)
	if err != nil {
		return fmt.Errorf("write visitor id: %w", err)
	}
	return nil
}
