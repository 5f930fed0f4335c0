// internal/delivery/s3.go
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/softprobe/record-sdk-go/internal/clock"
	"github.com/softprobe/record-sdk-go/internal/pool"
	"github.com/softprobe/record-sdk-go/internal/spool"
)

// PutObjectAPI 는 S3Sender 가 쓰는 S3 client 의 부분 집합 (테스트에서 대체).
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config 는 S3Sender 구성.
type S3Config struct {
	Region  string
	Bucket  string
	Prefix  string
	Timeout time.Duration // PutObject 1회당
}

// S3Sender
// ------------------------------------------------------------
// HTTP 수집 서버 대신 envelope 을 S3 object 하나로 떨어뜨리는 배포 형태.
//
//	<prefix>/dt=YYYY-MM-DD/hr=HH/<unix>_<session>_<n>.json.gz
//
// Retry 정책 단일화:
// AWS SDK 기본 retry 와 Pipeline retry 가 겹치면 지연을 예측할 수 없으므로
// SDK retry 는 0 으로 고정하고, 재시도는 Pipeline 에서만 한다.
type S3Sender struct {
	cfg    S3Config
	client PutObjectAPI
	clock  clock.Clock
}

// NewS3Sender loads the default AWS config for cfg.Region and builds a
// sender with SDK-level retries disabled.
func NewS3Sender(ctx context.Context, cfg S3Config) (*S3Sender, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("delivery: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})
	return NewS3SenderWithClient(cfg, client, nil), nil
}

// NewS3SenderWithClient builds a sender on an existing client.
func NewS3SenderWithClient(cfg S3Config, client PutObjectAPI, clk clock.Clock) *S3Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &S3Sender{cfg: cfg, client: client, clock: clk}
}

func (s *S3Sender) Send(ctx context.Context, p Payload) error {
	body := p.Body
	if p.ContentEncoding != "gzip" {
		gz, err := pool.Gzip(p.Body)
		if err != nil {
			return fmt.Errorf("delivery: gzip object: %w", err)
		}
		body = gz
	}

	session := p.SessionID
	if session == "" {
		session = "nosession"
	}
	now := s.clock.Now()
	ext := ".json.gz"
	if p.ContentType == (CBORCodec{}).ContentType() {
		ext = ".cbor.gz"
	}
	key := spool.PartitionKey(s.cfg.Prefix, now, spool.NewFilename(now, session, ext))

	ctx2, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	in := &s3.PutObjectInput{
		Bucket:          aws.String(s.cfg.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentLength:   aws.Int64(int64(len(body))),
		ContentType:     aws.String(p.ContentType),
		ContentEncoding: aws.String("gzip"),
	}
	if p.BatchID != "" {
		in.Metadata = map[string]string{"batch-id": p.BatchID}
	}

	_, err := s.client.PutObject(ctx2, in)
	return err
}
