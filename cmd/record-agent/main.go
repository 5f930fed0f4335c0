package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	recordsdk "github.com/softprobe/record-sdk-go"
	"github.com/softprobe/record-sdk-go/internal/config"
	"github.com/softprobe/record-sdk-go/internal/logger"
	"github.com/softprobe/record-sdk-go/internal/recorder"
)

// record-agent
//
// 녹화 엔진이 만든 JSONL 이벤트 스트림(파일 또는 stdin)을 SDK 에 흘려보내
// 수집 서버로 전송한다. 설정은 YAML → RECORD_* env → flag 순으로 덮어쓴다.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "record-agent:", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("record-agent", pflag.ContinueOnError)
	var (
		configPath  = fs.StringP("config", "c", "", "YAML config file")
		input       = fs.StringP("input", "i", "-", `JSONL event file ("-" for stdin)`)
		appID       = fs.String("app-id", "", "application id")
		tenantID    = fs.String("tenant-id", "", "tenant id")
		serverURL   = fs.String("server-url", "", "collection endpoint")
		interval    = fs.Duration("interval", 0, "flush interval (min 5s)")
		spoolDir    = fs.String("spool-dir", "", "directory for undelivered events")
		compression = fs.String("compression", "", "snapshot compression: zlib|zstd|lz4")
		codec       = fs.String("codec", "", "envelope codec: json|cbor")
		gzipBody    = fs.Bool("gzip", false, "gzip request bodies")
		logLevel    = fs.String("log-level", "", "log level")
		logPretty   = fs.Bool("log-pretty", false, "human readable logs")
		stopTimeout = fs.Duration("stop-timeout", 15*time.Second, "time allowed for the final flush")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Read(*configPath)
	if err != nil {
		return err
	}

	// 명시된 flag 만 덮어쓴다
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "app-id":
			cfg.AppID = *appID
		case "tenant-id":
			cfg.TenantID = *tenantID
		case "server-url":
			cfg.ServerURL = *serverURL
		case "interval":
			cfg.Interval = *interval
		case "spool-dir":
			cfg.SpoolDir = *spoolDir
		case "compression":
			cfg.Compression = *compression
		case "codec":
			cfg.Codec = *codec
		case "gzip":
			cfg.GzipBody = *gzipBody
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-pretty":
			cfg.LogPretty = *logPretty
		}
	})
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ServiceName == config.DefaultServiceName {
		cfg.ServiceName = "record-agent"
	}
	log := logger.Init(cfg)

	var in io.ReadCloser = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			return err
		}
		in = f
	}
	defer in.Close()

	rec := recorder.NewStreamRecorder(in, nil, log)
	sdk, err := recordsdk.Init(cfg, recordsdk.WithRecorder(rec), recordsdk.WithLogger(log))
	if err != nil {
		return err
	}
	if cfg.Manual {
		if _, err := sdk.Record(recordsdk.RecordOptions{}); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-rec.Done():
		if err := rec.Err(); err != nil {
			log.Error().Err(err).Msg("input stream failed")
		}
		log.Info().Int("skipped_lines", rec.Skipped()).Msg("input stream finished")
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *stopTimeout)
	defer cancel()
	stopErr := sdk.Stop(ctx)

	log.Info().Interface("metrics", sdk.Metrics()).Msg("record agent finished")
	return stopErr
}
