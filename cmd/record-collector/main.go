package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"

	"github.com/softprobe/record-sdk-go/internal/collector"
	"github.com/softprobe/record-sdk-go/internal/config"
	"github.com/softprobe/record-sdk-go/internal/logger"
	"github.com/softprobe/record-sdk-go/internal/metrics"
)

// collectorConfig 는 COLLECTOR_* 환경 변수, 그 위에 flag.
type collectorConfig struct {
	Addr         string `env:"ADDR" envDefault:":8080"`
	OutDir       string `env:"OUT_DIR"` // 비어 있으면 메모리에만 보관
	APIKey       string `env:"API_KEY"`
	MaxBodySize  int64  `env:"MAX_BODY_SIZE" envDefault:"16777216"`
	AllowPrivate bool   `env:"ALLOW_PRIVATE" envDefault:"true"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty    bool   `env:"LOG_PRETTY"`
}

func main() {

	// ====================================================================
	// CPU 설정
	// ====================================================================
	// 로컬 수집 stub 은 가벼운 프로세스이므로 GOMAXPROCS 를 기본 1 로 둔다.
	// 부하 테스트 등에서는 환경 변수로 재정의한다.
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	} else {
		runtime.GOMAXPROCS(1)
	}

	var cc collectorConfig
	if err := env.ParseWithOptions(&cc, env.Options{Prefix: "COLLECTOR_"}); err != nil {
		os.Stderr.WriteString("record-collector: " + err.Error() + "\n")
		os.Exit(1)
	}
	pflag.StringVar(&cc.Addr, "addr", cc.Addr, "listen address")
	pflag.StringVar(&cc.OutDir, "out-dir", cc.OutDir, "write received events as gzip JSONL under this directory")
	pflag.StringVar(&cc.APIKey, "api-key", cc.APIKey, "required bearer token")
	pflag.Int64Var(&cc.MaxBodySize, "max-body-size", cc.MaxBodySize, "request body limit in bytes")
	pflag.BoolVar(&cc.AllowPrivate, "allow-private", cc.AllowPrivate, "accept private RemoteAddr as client ip")
	pflag.StringVar(&cc.LogLevel, "log-level", cc.LogLevel, "log level")
	pflag.BoolVar(&cc.LogPretty, "log-pretty", cc.LogPretty, "human readable logs")
	pflag.Parse()

	log := logger.Init(config.Config{LogLevel: cc.LogLevel, LogPretty: cc.LogPretty, ServiceName: "record-collector"})

	// ====================================================================
	// Sink 선택
	// ====================================================================
	//  - OUT_DIR 있음: <out>/<appId>/dt=/hr=/ 아래 gzip JSONL 파일
	//  - 없음:        최근 envelope 만 메모리에 보관 (개발용)
	var sink collector.Sink = collector.NewMemorySink(0)
	if cc.OutDir != "" {
		ds, err := collector.NewDirSink(cc.OutDir)
		if err != nil {
			log.Fatal().Err(err).Msg("sink init failed")
		}
		sink = ds
	}

	m := metrics.New()
	h, err := collector.NewHandler(collector.Options{
		MaxBodySize:  cc.MaxBodySize,
		APIKey:       cc.APIKey,
		AllowPrivate: cc.AllowPrivate,
		Sink:         sink,
		Metrics:      m,
		Logger:       log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("handler init failed")
	}

	// ====================================================================
	// HTTP 서버
	// ====================================================================
	// full snapshot 이 포함된 envelope 은 수 MB 가 될 수 있어
	// Read/Write timeout 을 넉넉히 잡는다.
	srv := &http.Server{
		Addr:         cc.Addr,
		Handler:      h.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ====================================================================
	// Graceful Shutdown
	// ====================================================================
	// SIGTERM/SIGINT 수신 시 새 요청을 받지 않고, 처리 중인 요청만 마무리한다.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
	}()

	log.Info().Str("addr", cc.Addr).Str("out_dir", cc.OutDir).Msg("record collector listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http server terminated")
	}

	log.Info().Str("metrics", m.String()).Msg("shutdown complete")
}
