// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/softprobe/record-sdk-go/internal/config"
)

// Init
//
// 바이너리 시작 시 한 번만 호출하는 전역 로거 초기화.
//
//   - LogPretty=true  → ConsoleWriter (로컬 개발)
//   - LogPretty=false → JSON (수집 시스템용)
//   - 모든 로그에 "service" 필드를 붙인다
//   - LogSampleN > 1 이면 Debug/Info 만 N 개 중 1개 기록 (Warn/Error 는 전부)
//   - 표준 log 패키지 출력도 zerolog 로 돌린다
//
// 반환된 Logger 를 SDK 컴포넌트에 그대로 넘기면 된다.
func Init(cfg config.Config) zerolog.Logger {
	logger := New(cfg, os.Stdout)

	zerolog.SetGlobalLevel(logger.GetLevel())
	zlog.Logger = logger
	stdlog.SetFlags(0)
	stdlog.SetOutput(logger)
	return logger
}

// New builds a logger from cfg writing to out, without touching any global
// state. Embedders that own their logging use this instead of Init.
func New(cfg config.Config, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && cfg.LogLevel != "" {
		level = l
	}

	w := out
	if cfg.LogPretty {
		// 개발 중엔 날짜 없이 시간만
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	service := cfg.ServiceName
	if service == "" {
		service = config.DefaultServiceName
	}

	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()

	if cfg.LogSampleN > 1 {
		return base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}
	return base
}

// WithSession returns l tagged with the SDK session id.
func WithSession(l zerolog.Logger, sessionID string) zerolog.Logger {
	return l.With().Str("session", sessionID).Logger()
}
