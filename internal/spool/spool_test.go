package spool

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softprobe/record-sdk-go/internal/clock"
	"github.com/softprobe/record-sdk-go/internal/metrics"
	"github.com/softprobe/record-sdk-go/internal/model"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func events(from, to int) []model.Event {
	var out []model.Event
	for i := from; i <= to; i++ {
		out = append(out, model.Event{Kind: model.KindIncrementalSnapshot, Timestamp: int64(i), EventIndex: uint64(i), Data: []byte(`{"source":2}`)})
	}
	return out
}

func openSpool(t *testing.T, dir string, clk *clock.FakeClock, maxSize int64) (*Spool, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	s, err := Open(Config{Dir: dir, MaxAge: time.Hour, MaxSizeBytes: maxSize, SessionID: "sess"}, m, clk, zerolog.Nop())
	require.NoError(t, err)
	return s, m
}

func TestEncodeDecodeJSONLGZ(t *testing.T) {
	in := events(1, 5)
	data, err := EncodeJSONLGZ(in)
	require.NoError(t, err)

	out, err := DecodeJSONLGZ(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, out, 5)
	for i := range in {
		assert.Equal(t, in[i].EventIndex, out[i].EventIndex)
		assert.JSONEq(t, string(in[i].Data), string(out[i].Data))
	}

	_, err = DecodeJSONLGZ(strings.NewReader("not gzip"))
	assert.Error(t, err)
}

func TestSpool_SaveRestoreOldestFirst(t *testing.T) {
	dir := t.TempDir()
	clk := clock.Fake(epoch)
	s, m := openSpool(t, dir, clk, 0)

	require.NoError(t, s.Save(events(1, 3)))
	clk.Advance(time.Second)
	require.NoError(t, s.Save(events(4, 5)))
	assert.Equal(t, int64(2), m.SpoolFilesCurrent)
	assert.Equal(t, int64(5), m.SpoolEventsWrittenTotal)

	// 다시 열어도 게이지가 복원된다
	s2, m2 := openSpool(t, dir, clk, 0)
	assert.Equal(t, int64(2), m2.SpoolFilesCurrent)
	assert.Equal(t, s.SizeBytes(), s2.SizeBytes())

	got, err := s2.Restore()
	require.NoError(t, err)
	idx := make([]uint64, len(got))
	for i, e := range got {
		idx[i] = e.EventIndex
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, idx)
	assert.Equal(t, int64(0), m2.SpoolFilesCurrent)
	assert.Equal(t, int64(0), s2.SizeBytes())

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestSpool_ExpiredFilesAreDropped(t *testing.T) {
	dir := t.TempDir()
	clk := clock.Fake(epoch)
	s, m := openSpool(t, dir, clk, 0)

	require.NoError(t, s.Save(events(1, 2)))
	clk.Advance(2 * time.Hour)
	require.NoError(t, s.Save(events(3, 3)))

	got, err := s.Restore()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].EventIndex)
	assert.Equal(t, int64(1), m.SpoolFilesExpiredTotal)
}

func TestSpool_CapacityEvictsOldestFile(t *testing.T) {
	dir := t.TempDir()
	clk := clock.Fake(epoch)

	probe, err := EncodeJSONLGZ(events(1, 3))
	require.NoError(t, err)
	// 파일 하나 반 정도만 들어가는 용량
	s, m := openSpool(t, dir, clk, int64(len(probe))*3/2)

	require.NoError(t, s.Save(events(1, 3)))
	clk.Advance(time.Second)
	require.NoError(t, s.Save(events(1, 3)))

	assert.Equal(t, int64(1), m.SpoolFilesCurrent)
	assert.Equal(t, int64(1), m.SpoolFilesExpiredTotal)
	assert.LessOrEqual(t, s.SizeBytes(), int64(len(probe))*3/2)
}

func TestSpool_DropsWhenSingleFileTooLarge(t *testing.T) {
	s, m := openSpool(t, t.TempDir(), clock.Fake(epoch), 8)

	require.NoError(t, s.Save(events(1, 10)))
	assert.Equal(t, int64(10), m.SpoolEventsDroppedTotal)
	assert.Equal(t, int64(0), m.SpoolFilesCurrent)
}

func TestSpool_CorruptFileRemoved(t *testing.T) {
	dir := t.TempDir()
	clk := clock.Fake(epoch)
	name := NewFilename(epoch, "sess", dataExt)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("garbage"), 0o600))
	// data 없는 meta 는 Open 에서 정리된다
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orphan"+dataExt+metaExt), []byte(`{}`), 0o600))

	s, _ := openSpool(t, dir, clk, 0)
	_, err := os.Stat(filepath.Join(dir, "orphan"+dataExt+metaExt))
	assert.True(t, os.IsNotExist(err))

	got, err := s.Restore()
	require.NoError(t, err)
	assert.Empty(t, got)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestSpool_TruncatedFileMismatchesMeta(t *testing.T) {
	dir := t.TempDir()
	clk := clock.Fake(epoch)
	s, _ := openSpool(t, dir, clk, 0)
	require.NoError(t, s.Save(events(1, 3)))

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), metaExt) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, e.Name()), []byte(`{"num_events":9}`), 0o600))
		}
	}

	got, err := s.Restore()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Config{}, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	name := NewFilename(epoch, "sess", ".json.gz")
	sec, ok := unixFromFilename(name)
	assert.True(t, ok)
	assert.Equal(t, epoch.Unix(), sec)
	assert.True(t, strings.HasSuffix(name, ".json.gz"))

	assert.Equal(t, "raw/dt=2026-03-01/hr=12/x", PartitionKey("raw/", epoch, "x"))
	assert.Equal(t, "dt=2026-03-01/hr=12/x", PartitionKey("", epoch, "x"))

	_, ok = unixFromFilename("nounderscore")
	assert.False(t, ok)
}
