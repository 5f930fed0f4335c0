// internal/recorder/recorder.go
package recorder

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/softprobe/record-sdk-go/internal/clock"
	"github.com/softprobe/record-sdk-go/internal/model"
)

// Recorder 는 녹화 엔진 추상화. SDK 는 Start 로 받은 emit 콜백으로만 이벤트를 받는다.
type Recorder interface {
	// Start begins recording. stop ends it; calling stop more than once is
	// harmless.
	Start(emit func(model.Event)) (stop func(), err error)

	// TakeFullSnapshot asks the engine to emit a fresh full snapshot.
	TakeFullSnapshot()
}

// OptionSetter 는 녹화 옵션(마스킹, 샘플링 등)을 받는 엔진이 구현한다.
// SDK 는 Start 직전에 설정값을 그대로 넘긴다.
type OptionSetter interface {
	SetOptions(opts map[string]any)
}

var ErrAlreadyStarted = errors.New("recorder: already started")

// maxLine 은 한 줄(이벤트 1개)의 최대 크기. full snapshot 은 수 MB 가 될 수 있다.
const maxLine = 32 * 1024 * 1024

// StreamRecorder
// ------------------------------------------------------------
// JSONL 스트림(한 줄 = model.Event 1개)을 읽어 emit 하는 Recorder.
//
//   - timestamp 가 0 인 이벤트는 수신 시각(ms)으로 채운다
//   - 깨진 줄은 warn 로그 후 건너뛴다
//   - TakeFullSnapshot: 마지막으로 본 full snapshot 을 현재 시각으로 다시 emit
//   - EOF 또는 읽기 에러에서 Done() 이 닫힌다
type StreamRecorder struct {
	r     io.Reader
	clock clock.Clock
	log   zerolog.Logger

	mu       sync.Mutex
	emit     func(model.Event)
	started  bool
	stopped  bool
	lastFull *model.Event
	skipped  int
	options  map[string]any

	done chan struct{}
	err  error
}

func NewStreamRecorder(r io.Reader, clk clock.Clock, log zerolog.Logger) *StreamRecorder {
	if clk == nil {
		clk = clock.Real()
	}
	return &StreamRecorder{r: r, clock: clk, log: log, done: make(chan struct{})}
}

func (s *StreamRecorder) Start(emit func(model.Event)) (func(), error) {
	if emit == nil {
		return nil, errors.New("recorder: nil emit")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, ErrAlreadyStarted
	}
	s.started = true
	s.emit = emit

	go s.run()

	var once sync.Once
	return func() { once.Do(s.stop) }, nil
}

func (s *StreamRecorder) run() {
	defer close(s.done)

	sc := bufio.NewScanner(s.r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}

		var ev model.Event
		if err := json.Unmarshal(b, &ev); err != nil {
			s.mu.Lock()
			s.skipped++
			s.mu.Unlock()
			s.log.Warn().Err(err).Int("line", line).Msg("malformed event line skipped")
			continue
		}
		// Scanner 버퍼는 재사용되므로 Data 를 복사해 둔다
		ev.Data = append(json.RawMessage(nil), ev.Data...)
		if ev.Timestamp == 0 {
			ev.Timestamp = s.clock.Now().UnixMilli()
		}

		if !s.deliver(ev) {
			return
		}
	}
	if err := sc.Err(); err != nil {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			s.err = fmt.Errorf("recorder: read: %w", err)
			s.log.Error().Err(err).Msg("event stream read failed")
		}
	}
}

// deliver 는 stop 이후면 false.
func (s *StreamRecorder) deliver(ev model.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if ev.Kind == model.KindFullSnapshot {
		cp := ev
		s.lastFull = &cp
	}
	s.emit(ev)
	return true
}

func (s *StreamRecorder) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	// 막혀 있는 Read 를 깨운다 (닫을 수 있는 reader 인 경우)
	if c, ok := s.r.(io.Closer); ok {
		_ = c.Close()
	}
}

// TakeFullSnapshot re-emits the most recent full snapshot seen on the
// stream, stamped with the current time. It is a no-op before the first
// full snapshot or after stop.
func (s *StreamRecorder) TakeFullSnapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped || s.lastFull == nil {
		return
	}
	ev := *s.lastFull
	ev.Timestamp = s.clock.Now().UnixMilli()
	ev.EventIndex = 0
	s.emit(ev)
}

// SetOptions stores engine options. StreamRecorder only keeps them for
// inspection since the stream is produced elsewhere.
func (s *StreamRecorder) SetOptions(opts map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options = opts
}

func (s *StreamRecorder) Options() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options
}

// Done is closed when the stream reaches EOF or fails.
func (s *StreamRecorder) Done() <-chan struct{} { return s.done }

// Err returns the read error that ended the stream, if any. Valid after Done.
func (s *StreamRecorder) Err() error { return s.err }

// Skipped returns the number of malformed lines dropped so far.
func (s *StreamRecorder) Skipped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}
