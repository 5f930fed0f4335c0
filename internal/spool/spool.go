// internal/spool/spool.go
package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/softprobe/record-sdk-go/internal/clock"
	"github.com/softprobe/record-sdk-go/internal/metrics"
	"github.com/softprobe/record-sdk-go/internal/model"
)

const (
	dataExt = ".jsonl.gz"
	metaExt = ".meta.json"

	DefaultMaxAge       = 7 * 24 * time.Hour
	DefaultMaxSizeBytes = 64 * 1024 * 1024
)

// Config 는 spool 디렉토리 정책.
type Config struct {
	Dir          string
	MaxAge       time.Duration // 파일 TTL (파일명 prefix 의 unix 기준)
	MaxSizeBytes int64         // 디렉토리 전체 허용 용량
	SessionID    string        // 파일명에 들어가는 식별자
}

// Spool
// ------------------------------------------------------------
// Stop 시점의 마지막 flush 가 실패했을 때 남은 이벤트를 디스크에 내려두고,
// 다음 SDK 시작 때 큐로 되살린다.
//
//   - Save:    gzip+JSONL 파일 1개 + .meta.json (이벤트 수)
//   - Restore: 오래된 파일부터 읽어서 돌려주고 삭제
//   - 용량 초과: 가장 오래된 파일부터 삭제, 그래도 부족하면 drop
//   - TTL:     파일명 prefix 의 unix timestamp 기준
type Spool struct {
	cfg     Config
	metrics *metrics.Metrics
	clock   clock.Clock
	log     zerolog.Logger

	mu        sync.Mutex
	sizeBytes int64
}

// Open prepares the directory, removes orphaned meta files, and restores
// the size/file gauges from what is on disk.
func Open(cfg Config, m *metrics.Metrics, clk clock.Clock, log zerolog.Logger) (*Spool, error) {
	if cfg.Dir == "" {
		return nil, errors.New("spool: empty directory")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "sdk"
	}
	if m == nil {
		m = metrics.New()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: mkdir: %w", err)
	}

	s := &Spool{cfg: cfg, metrics: m, clock: clk, log: log}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("spool: scan: %w", err)
	}

	var total, count int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		full := filepath.Join(cfg.Dir, name)

		// meta orphan 제거: data 파일 없이 .meta.json 만 남은 경우
		if strings.HasSuffix(name, metaExt) {
			dataName := strings.TrimSuffix(name, metaExt)
			if _, err := os.Stat(filepath.Join(cfg.Dir, dataName)); os.IsNotExist(err) {
				_ = os.Remove(full)
			}
			continue
		}
		if !strings.HasSuffix(name, dataExt) {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
			count++
		}
	}

	s.sizeBytes = total
	atomic.AddInt64(&m.SpoolSizeBytes, total)
	atomic.AddInt64(&m.SpoolFilesCurrent, count)
	return s, nil
}

func (s *Spool) Dir() string { return s.cfg.Dir }

// SizeBytes returns the bytes currently held on disk.
func (s *Spool) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeBytes
}

// Save writes events as one spool file. Events that cannot fit even after
// evicting every older file are dropped and counted.
func (s *Spool) Save(events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	data, err := EncodeJSONLGZ(events)
	if err != nil {
		return fmt.Errorf("spool: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(len(data))
	if !s.ensureCapacityLocked(size) {
		s.log.Error().Int64("bytes", size).Int("events", len(events)).Msg("spool full, events dropped")
		atomic.AddInt64(&s.metrics.SpoolEventsDroppedTotal, int64(len(events)))
		return nil
	}

	name := NewFilename(s.clock.Now(), s.cfg.SessionID, dataExt)
	dataPath := filepath.Join(s.cfg.Dir, name)
	metaPath := dataPath + metaExt

	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return fmt.Errorf("spool: write: %w", err)
	}
	meta := []byte(fmt.Sprintf(`{"num_events":%d}`, len(events)))
	_ = os.WriteFile(metaPath, meta, 0o600)

	s.sizeBytes += size
	atomic.AddInt64(&s.metrics.SpoolSizeBytes, size)
	atomic.AddInt64(&s.metrics.SpoolFilesCurrent, 1)
	atomic.AddInt64(&s.metrics.SpoolEventsWrittenTotal, int64(len(events)))

	s.log.Info().Str("file", name).Int("events", len(events)).Msg("events spooled")
	return nil
}

// Restore loads every live spool file oldest-first, removes it, and returns
// the events in their original order. Expired and unreadable files are
// deleted without being returned.
func (s *Spool) Restore() ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Event
	for _, name := range s.listLocked() {
		dataPath := filepath.Join(s.cfg.Dir, name)

		if sec, ok := unixFromFilename(name); ok {
			age := s.clock.Now().Sub(time.Unix(sec, 0))
			if age > s.cfg.MaxAge {
				s.removeLocked(name)
				atomic.AddInt64(&s.metrics.SpoolFilesExpiredTotal, 1)
				s.log.Info().Str("file", name).Dur("age", age).Msg("spool file expired")
				continue
			}
		}

		events, err := s.readLocked(dataPath)
		if err != nil {
			s.log.Warn().Err(err).Str("file", name).Msg("spool file unreadable, removed")
			s.removeLocked(name)
			continue
		}

		out = append(out, events...)
		s.removeLocked(name)
		atomic.AddInt64(&s.metrics.SpoolEventsRestoredTotal, int64(len(events)))
	}
	return out, nil
}

func (s *Spool) readLocked(path string) ([]model.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	events, err := DecodeJSONLGZ(f)
	if err != nil {
		return nil, err
	}

	// meta 의 이벤트 수와 다르면 잘린 파일로 본다
	if meta, err := os.ReadFile(path + metaExt); err == nil {
		var v struct {
			NumEvents int `json:"num_events"`
		}
		if json.Unmarshal(meta, &v) == nil && v.NumEvents > 0 && v.NumEvents != len(events) {
			return nil, fmt.Errorf("spool: %d events on disk, meta says %d", len(events), v.NumEvents)
		}
	}
	return events, nil
}

// ensureCapacityLocked 는 MaxSizeBytes 를 넘지 않도록 오래된 파일부터 지운다.
// 지울 파일이 더 없으면 false.
func (s *Spool) ensureCapacityLocked(incoming int64) bool {
	for s.sizeBytes+incoming > s.cfg.MaxSizeBytes {
		files := s.listLocked()
		if len(files) == 0 {
			return false
		}
		s.removeLocked(files[0])
		atomic.AddInt64(&s.metrics.SpoolFilesExpiredTotal, 1)
		s.log.Warn().Str("file", files[0]).Msg("spool capacity, oldest file removed")
	}
	return true
}

func (s *Spool) removeLocked(name string) {
	dataPath := filepath.Join(s.cfg.Dir, name)
	if info, err := os.Stat(dataPath); err == nil {
		s.sizeBytes -= info.Size()
		atomic.AddInt64(&s.metrics.SpoolSizeBytes, -info.Size())
		atomic.AddInt64(&s.metrics.SpoolFilesCurrent, -1)
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + metaExt)
}

// listLocked 는 data 파일명을 오래된 순서로 돌려준다.
// 파일명이 <unix>_... 이므로 문자열 정렬 = 시간 정렬.
func (s *Spool) listLocked() []string {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == "" || name[0] == '.' || !strings.HasSuffix(name, dataExt) {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files
}
