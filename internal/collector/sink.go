package collector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/softprobe/record-sdk-go/internal/model"
	"github.com/softprobe/record-sdk-go/internal/spool"
)

// Received 는 collector 가 받아들인 envelope 1개와 요청 정보.
type Received struct {
	Envelope   model.Envelope
	BatchID    string
	SessionID  string // _sp_session_id 헤더
	VisitorID  string // _sp_vid 헤더
	ClientIP   string
	UserAgent  string
	ReceivedAt time.Time
}

// Sink 는 받은 envelope 의 최종 목적지.
type Sink interface {
	Accept(ctx context.Context, r Received) error
}

// MemorySink 는 최근 envelope 를 최대 max 개까지 들고 있는다.
type MemorySink struct {
	mu   sync.Mutex
	max  int
	recv []Received
}

func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 1000
	}
	return &MemorySink{max: max}
}

func (s *MemorySink) Accept(_ context.Context, r Received) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recv) >= s.max {
		s.recv = s.recv[1:]
	}
	s.recv = append(s.recv, r)
	return nil
}

// All returns a copy of the retained envelopes, oldest first.
func (s *MemorySink) All() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.recv...)
}

// Events returns every retained event in arrival order.
func (s *MemorySink) Events() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, r := range s.recv {
		out = append(out, r.Envelope.Data.Events...)
	}
	return out
}

// DirSink
// ------------------------------------------------------------
// envelope 의 이벤트를 gzip JSONL 파일로 남긴다.
//
//	<dir>/<appId>/dt=YYYY-MM-DD/hr=HH/<unix>_<session>_<n>.jsonl.gz
//
// 적재 경로 규칙은 S3 sender 와 같다.
type DirSink struct {
	dir string
}

func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("collector: mkdir: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

func (s *DirSink) Accept(_ context.Context, r Received) error {
	data, err := spool.EncodeJSONLGZ(r.Envelope.Data.Events)
	if err != nil {
		return fmt.Errorf("collector: encode: %w", err)
	}

	app := r.Envelope.Metadata.AppID
	name := spool.NewFilename(r.ReceivedAt, r.Envelope.Metadata.SessionID, ".jsonl.gz")
	path := filepath.Join(s.dir, spool.PartitionKey(app+"/", r.ReceivedAt, name))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("collector: mkdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("collector: write: %w", err)
	}
	return nil
}
