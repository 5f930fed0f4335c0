// internal/identity/store.go
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Store 는 방문자 id 를 세션 너머로 보관하는 외부 저장소.
// 구현체는 동시 호출에 안전해야 한다.
type Store interface {
	// Read returns the value for key. ok is false when the key is absent
	// or expired.
	Read(key string) (value string, ok bool, err error)
	// Write persists value under key for ttl within scope.
	Write(key, value string, ttl time.Duration, scope Scope) error
}

var ErrUnknownStore = errors.New("identity: unknown visitor store")

// OpenStore parses a store dsn:
//
//	memory | "" 	→ MemoryStore
//	file:<path>	→ FileStore
//	sqlite:<path>	→ SQLiteStore
func OpenStore(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "file:"):
		return NewFileStore(strings.TrimPrefix(dsn, "file:"))
	case strings.HasPrefix(dsn, "sqlite:"):
		return OpenSQLiteStore(strings.TrimPrefix(dsn, "sqlite:"))
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStore, dsn)
}

type record struct {
	Value   string    `json:"value"`
	Expires time.Time `json:"expires"`
	Domain  string    `json:"domain,omitempty"`
}

func (r record) expired(now time.Time) bool {
	return !r.Expires.IsZero() && !now.Before(r.Expires)
}

// ---------------------------------------------------------------
// MemoryStore: 프로세스 수명 동안만 유지. 기본값이자 테스트용.
// ---------------------------------------------------------------

type MemoryStore struct {
	mu   sync.Mutex
	data map[string]record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]record), now: time.Now}
}

func (s *MemoryStore) Read(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[key]
	if !ok || r.expired(s.now()) {
		return "", false, nil
	}
	return r.Value, true, nil
}

func (s *MemoryStore) Write(key, value string, ttl time.Duration, scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = record{Value: value, Expires: s.now().Add(ttl), Domain: scope.Domain}
	return nil
}

// ---------------------------------------------------------------
// FileStore: JSON 파일 하나에 key → record 를 저장.
//   - 쓰기는 tmp 파일 작성 후 rename (부분 쓰기 방지)
//   - 만료된 record 는 읽을 때 무시
// ---------------------------------------------------------------

type FileStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty file path", ErrUnknownStore)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("identity: file store dir: %w", err)
	}
	return &FileStore{path: path, now: time.Now}, nil
}

func (s *FileStore) Read(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return "", false, err
	}
	r, ok := all[key]
	if !ok || r.expired(s.now()) {
		return "", false, nil
	}
	return r.Value, true, nil
}

func (s *FileStore) Write(key, value string, ttl time.Duration, scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		// 깨진 파일은 덮어쓴다
		all = make(map[string]record)
	}
	all[key] = record{Value: value, Expires: s.now().Add(ttl), Domain: scope.Domain}

	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("identity: encode file store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("identity: write file store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("identity: write file store: %w", err)
	}
	return nil
}

func (s *FileStore) load() (map[string]record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]record), nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: read file store: %w", err)
	}

	all := make(map[string]record)
	if len(data) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("identity: decode file store: %w", err)
	}
	return all, nil
}
