// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/softprobe/record-sdk-go/internal/compress"
	"github.com/softprobe/record-sdk-go/internal/delivery"
	"github.com/softprobe/record-sdk-go/internal/model"
)

const (
	DefaultServerURL     = "https://www.softprobe.ai/api/v1/recording"
	DefaultInterval      = 5 * time.Second
	MinInterval          = 5 * time.Second
	DefaultQueueCapacity = 500
	DefaultHTTPTimeout   = 10 * time.Second
	DefaultServiceName   = "record-sdk"

	// EnvPrefix 는 바이너리에서 읽는 환경 변수 prefix.
	EnvPrefix = "RECORD_"
)

var (
	ErrMissingAppID    = errors.New("config: app id is required")
	ErrMissingTenantID = errors.New("config: tenant id is required")
	ErrInvalidURL      = errors.New("config: invalid server url")
)

// Config
//
// SDK 인스턴스 하나의 설정. New 에 넘긴 뒤에는 변경하지 않는다.
// 기본값은 Normalize() 에서 채워진다.
type Config struct {

	// ---------------------------
	// 식별 / 인증
	// ---------------------------

	AppID    string `yaml:"app_id" env:"APP_ID"`       // 필수
	TenantID string `yaml:"tenant_id" env:"TENANT_ID"` // 필수
	APIKey   string `yaml:"api_key" env:"API_KEY"`     // 있으면 Authorization: Bearer

	// ---------------------------
	// 전송
	// ---------------------------

	ServerURL   string        `yaml:"server_url" env:"SERVER_URL"` // "//host/..." 는 https: 를 붙인다
	HTTPTimeout time.Duration `yaml:"http_timeout" env:"HTTP_TIMEOUT"`
	Proxy       string        `yaml:"proxy" env:"PROXY"` // http(s):// 또는 socks5://
	Codec       string        `yaml:"codec" env:"CODEC"` // json | cbor
	GzipBody    bool          `yaml:"gzip_body" env:"GZIP_BODY"`
	Retry       Retry         `yaml:"retry" envPrefix:"RETRY_"`
	S3          S3            `yaml:"s3" envPrefix:"S3_"` // Bucket 이 있으면 HTTP 대신 S3 로 적재

	// ---------------------------
	// 녹화 / 큐
	// ---------------------------

	Interval      time.Duration     `yaml:"interval" env:"INTERVAL"` // flush 주기 (최소 5s)
	Manual        bool              `yaml:"manual" env:"MANUAL"`     // true 면 Record() 를 직접 호출해야 시작
	QueueCapacity int               `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	Compression   string            `yaml:"compression" env:"COMPRESSION"` // zlib | zstd | lz4
	Tags          model.Tags        `yaml:"tags"`
	Replacers     map[string]string `yaml:"replacers" env:"REPLACERS"`
	RecordOptions map[string]any    `yaml:"record_options"` // 녹화 엔진으로 그대로 전달

	// ---------------------------
	// 로컬 저장
	// ---------------------------

	SpoolDir     string `yaml:"spool_dir" env:"SPOOL_DIR"`         // 비어 있으면 spool 비활성
	VisitorStore string `yaml:"visitor_store" env:"VISITOR_STORE"` // memory | file:<path> | sqlite:<path>

	// ---------------------------
	// 로깅
	// ---------------------------

	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`
	LogPretty   bool   `yaml:"log_pretty" env:"LOG_PRETTY"`
	LogSampleN  uint32 `yaml:"log_sample_n" env:"LOG_SAMPLE_N"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Retry 는 배치 하나의 재시도 정책. 0 값은 기본값으로 바뀐다.
type Retry struct {
	MaxRetries    int           `yaml:"max_retries" env:"MAX_RETRIES"`
	InitialDelay  time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay      time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	BackoffFactor float64       `yaml:"backoff_factor" env:"BACKOFF_FACTOR"`
}

// Policy converts r into a delivery policy.
func (r Retry) Policy() delivery.Policy {
	return delivery.Policy{
		MaxRetries:    r.MaxRetries,
		InitialDelay:  r.InitialDelay,
		MaxDelay:      r.MaxDelay,
		BackoffFactor: r.BackoffFactor,
	}
}

// S3 전송 설정.
//
// AWS SDK 자체 retry 는 항상 0 으로 두고, 재시도는 Retry 정책 하나로만 한다.
type S3 struct {
	Region string `yaml:"region" env:"REGION"`
	Bucket string `yaml:"bucket" env:"BUCKET"`
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

func (s S3) Enabled() bool { return s.Bucket != "" }

// Normalize fills defaults in place. It is safe to call more than once.
func (c *Config) Normalize() {
	c.AppID = strings.TrimSpace(c.AppID)
	c.TenantID = strings.TrimSpace(c.TenantID)

	c.ServerURL = strings.TrimSpace(c.ServerURL)
	switch {
	case c.ServerURL == "":
		c.ServerURL = DefaultServerURL
	case strings.HasPrefix(c.ServerURL, "//"):
		c.ServerURL = "https:" + c.ServerURL
	}

	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Interval < MinInterval {
		c.Interval = MinInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}

	def := delivery.DefaultPolicy()
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = def.MaxRetries
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = def.InitialDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = def.MaxDelay
	}
	if c.Retry.BackoffFactor < 1 {
		c.Retry.BackoffFactor = def.BackoffFactor
	}

	if c.Compression == "" {
		c.Compression = string(compress.Zlib)
	}
	if c.Codec == "" {
		c.Codec = "json"
	}
	if c.VisitorStore == "" {
		c.VisitorStore = "memory"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.Tags == nil {
		c.Tags = model.Tags{}
	}
}

// Validate reports the first configuration error. Call Normalize first.
func (c Config) Validate() error {
	if c.AppID == "" {
		return ErrMissingAppID
	}
	if c.TenantID == "" {
		return ErrMissingTenantID
	}
	if !c.S3.Enabled() {
		u, err := url.Parse(c.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidURL, c.ServerURL)
		}
	}
	if _, err := compress.ParseAlgorithm(c.Compression); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := delivery.ParseCodec(c.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Load
//
// 바이너리용 설정 로딩.
//
//  1. path 가 있으면 YAML 파일을 먼저 읽고
//  2. RECORD_* 환경 변수가 있으면 그 위에 덮어쓴 뒤
//  3. Normalize → Validate
//
// 필수 값이 없으면 에러를 돌려준다 (호출자가 종료 여부를 정한다).
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read layers the YAML file (if any) and RECORD_* env vars without
// normalizing or validating, so callers can apply flags on top first.
func Read(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config: env: %w", err)
	}
	return cfg, nil
}
