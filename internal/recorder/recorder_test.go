package recorder

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softprobe/record-sdk-go/internal/clock"
	"github.com/softprobe/record-sdk-go/internal/model"
)

var epoch = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

type sink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *sink) emit(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sink) all() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Event(nil), s.events...)
}

func TestStreamRecorder_EmitsLinesAndSkipsGarbage(t *testing.T) {
	in := strings.Join([]string{
		`{"type":4,"data":{"href":"https://example.com"},"timestamp":100}`,
		``,
		`not json`,
		`{"type":2,"data":{"node":{"id":1}}}`,
		`{"type":3,"data":{"source":2},"timestamp":300}`,
	}, "\n")

	r := NewStreamRecorder(strings.NewReader(in), clock.Fake(epoch), zerolog.Nop())
	var s sink
	stop, err := r.Start(s.emit)
	require.NoError(t, err)
	defer stop()

	<-r.Done()
	require.NoError(t, r.Err())

	got := s.all()
	require.Len(t, got, 3)
	assert.Equal(t, model.KindMeta, got[0].Kind)
	assert.Equal(t, int64(100), got[0].Timestamp)
	assert.Equal(t, model.KindFullSnapshot, got[1].Kind)
	assert.Equal(t, epoch.UnixMilli(), got[1].Timestamp)
	assert.JSONEq(t, `{"node":{"id":1}}`, string(got[1].Data))
	assert.Equal(t, 1, r.Skipped())
}

func TestStreamRecorder_TakeFullSnapshotReplaysLast(t *testing.T) {
	clk := clock.Fake(epoch)
	r := NewStreamRecorder(strings.NewReader(`{"type":2,"data":{"v":1},"timestamp":5}`), clk, zerolog.Nop())

	// 시작 전에는 no-op
	r.TakeFullSnapshot()

	var s sink
	stop, err := r.Start(s.emit)
	require.NoError(t, err)
	<-r.Done()

	clk.Advance(time.Minute)
	r.TakeFullSnapshot()

	got := s.all()
	require.Len(t, got, 2)
	assert.Equal(t, model.KindFullSnapshot, got[1].Kind)
	assert.Equal(t, epoch.Add(time.Minute).UnixMilli(), got[1].Timestamp)
	assert.JSONEq(t, `{"v":1}`, string(got[1].Data))

	stop()
	r.TakeFullSnapshot()
	assert.Len(t, s.all(), 2)
}

func TestStreamRecorder_StartTwice(t *testing.T) {
	r := NewStreamRecorder(strings.NewReader(""), nil, zerolog.Nop())
	stop, err := r.Start(func(model.Event) {})
	require.NoError(t, err)
	defer stop()

	_, err = r.Start(func(model.Event) {})
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	_, err = NewStreamRecorder(strings.NewReader(""), nil, zerolog.Nop()).Start(nil)
	assert.Error(t, err)
}

func TestStreamRecorder_StopUnblocksPipe(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	r := NewStreamRecorder(pr, nil, zerolog.Nop())
	var s sink
	stop, err := r.Start(s.emit)
	require.NoError(t, err)

	_, err = pw.Write([]byte(`{"type":3,"data":{},"timestamp":1}` + "\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.all()) == 1 }, time.Second, time.Millisecond)

	stop()
	stop()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("stream goroutine did not exit after stop")
	}
	assert.NoError(t, r.Err())
}
