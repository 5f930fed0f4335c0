package compress

import (
	"encoding/base64"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softprobe/record-sdk-go/internal/model"
)

func snapshot(t *testing.T) model.Event {
	t.Helper()
	node := map[string]any{
		"node": map[string]any{
			"type":       0,
			"childNodes": []any{map[string]any{"tagName": "html", "text": strings.Repeat("hello ", 200)}},
		},
		"initialOffset": map[string]int{"top": 0, "left": 0},
	}
	data, err := json.Marshal(node)
	require.NoError(t, err)
	return model.Event{Kind: model.KindFullSnapshot, Timestamp: 1700000000000, EventIndex: 7, Data: data}
}

func TestCompressor_RoundTrip(t *testing.T) {
	for _, algo := range []Algorithm{Zlib, Zstd, LZ4} {
		t.Run(string(algo), func(t *testing.T) {
			c, err := New(algo)
			require.NoError(t, err)

			in := snapshot(t)
			out, err := c.Compress(in)
			require.NoError(t, err)

			assert.True(t, out.IsCompressed)
			assert.Equal(t, in.Kind, out.Kind)
			assert.Equal(t, in.Timestamp, out.Timestamp)
			assert.Equal(t, in.EventIndex, out.EventIndex)
			assert.Less(t, len(out.Data), len(in.Data))

			// 압축 결과는 JSON 문자열
			var s string
			require.NoError(t, json.Unmarshal(out.Data, &s))
			_, err = base64.StdEncoding.DecodeString(s)
			require.NoError(t, err)

			back, err := c.Decompress(out)
			require.NoError(t, err)
			assert.False(t, back.IsCompressed)
			assert.JSONEq(t, string(in.Data), string(back.Data))
		})
	}
}

func TestCompressor_DetectsFramingAcrossAlgorithms(t *testing.T) {
	reader, err := New(Zlib)
	require.NoError(t, err)

	for _, algo := range []Algorithm{Zstd, LZ4} {
		w, err := New(algo)
		require.NoError(t, err)

		out, err := w.Compress(snapshot(t))
		require.NoError(t, err)

		back, err := reader.Decompress(out)
		require.NoError(t, err, algo)
		assert.JSONEq(t, string(snapshot(t).Data), string(back.Data))
	}
}

func TestCompressor_PassThrough(t *testing.T) {
	c, err := New(Zlib)
	require.NoError(t, err)

	inc := model.Event{Kind: model.KindIncrementalSnapshot, Data: []byte(`{"source":1}`)}
	out, err := c.Compress(inc)
	require.NoError(t, err)
	assert.Equal(t, inc, out)

	already := model.Event{Kind: model.KindFullSnapshot, Data: []byte(`"abc"`), IsCompressed: true}
	out, err = c.Compress(already)
	require.NoError(t, err)
	assert.Equal(t, already, out)
}

func TestCompressor_DecompressErrors(t *testing.T) {
	c, err := New(Zlib)
	require.NoError(t, err)

	_, err = c.Decompress(model.Event{Kind: model.KindFullSnapshot, Data: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrNotCompressed)

	bogus, _ := json.Marshal(base64.StdEncoding.EncodeToString([]byte("plain text")))
	_, err = c.Decompress(model.Event{Kind: model.KindFullSnapshot, Data: bogus, IsCompressed: true})
	assert.ErrorIs(t, err, ErrUnknownFraming)

	_, err = c.Decompress(model.Event{Kind: model.KindFullSnapshot, Data: []byte(`{}`), IsCompressed: true})
	assert.Error(t, err)
}

func TestParseAlgorithm(t *testing.T) {
	for in, want := range map[string]Algorithm{"": Zlib, "ZLIB": Zlib, " zstd ": Zstd, "lz4": LZ4} {
		got, err := ParseAlgorithm(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseAlgorithm("brotli")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)

	_, err = New("snappy")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}
