package logger

import (
	"bytes"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softprobe/record-sdk-go/internal/config"
)

func TestNew_JSONWithServiceAndSession(t *testing.T) {
	var buf bytes.Buffer
	l := WithSession(New(config.Config{ServiceName: "agent", LogLevel: "debug"}, &buf), "s-1")
	l.Debug().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "agent", line["service"])
	assert.Equal(t, "s-1", line["session"])
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "hello", line["message"])
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.Config{LogLevel: "warn"}, &buf)
	l.Info().Msg("dropped")
	l.Warn().Msg("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
	assert.Contains(t, out, config.DefaultServiceName)
}

func TestNew_SamplingKeepsWarnings(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.Config{LogLevel: "info", LogSampleN: 10}, &buf)
	for i := 0; i < 10; i++ {
		l.Info().Msg("info")
		l.Warn().Msg("warn")
	}

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, `"message":"info"`))
	assert.Equal(t, 10, strings.Count(out, `"message":"warn"`))
}

func TestNew_Pretty(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.Config{LogPretty: true}, &buf)
	l.Info().Msg("pretty")
	assert.Contains(t, buf.String(), "pretty")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}
