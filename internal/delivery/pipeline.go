// internal/delivery/pipeline.go
package delivery

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/softprobe/record-sdk-go/internal/clock"
	"github.com/softprobe/record-sdk-go/internal/metrics"
	"github.com/softprobe/record-sdk-go/internal/model"
	"github.com/softprobe/record-sdk-go/internal/pool"
)

// Payload 는 인코딩이 끝난 전송 단위. attempt 마다 같은 값이 재사용된다.
type Payload struct {
	Body            []byte
	ContentType     string
	ContentEncoding string // "" 또는 "gzip"
	BatchID         string // body 의 blake3 해시 (서버 측 중복 제거 키)
	SessionID       string
	VisitorID       string
	EventCount      int
}

// Sender 는 attempt 1회를 수행한다. 재시도는 Pipeline 이 맡는다.
type Sender interface {
	Send(ctx context.Context, p Payload) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, p Payload) error

func (f SenderFunc) Send(ctx context.Context, p Payload) error { return f(ctx, p) }

// Identity 는 envelope 에 실릴 세션/방문자 id 공급자.
type Identity interface {
	SessionID() string
	VisitorID() string
}

// Policy
// ------------------------------------------------------------
// 재시도 정책.
//
//	delay(n) = min(InitialDelay × BackoffFactor^(n-1) × U[0.5, 1.0], MaxDelay)
//
// MaxRetries 는 "총 attempt 수" 이다 (3 이면 최초 1회 + 재시도 2회).
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// ShouldRetry 가 false 를 돌려주면 남은 attempt 와 상관없이 즉시 Failed.
	ShouldRetry func(err error) bool
}

const (
	DefaultMaxRetries    = 3
	DefaultInitialDelay  = time.Second
	DefaultMaxDelay      = 10 * time.Second
	DefaultBackoffFactor = 2.0
)

// DefaultPolicy returns the documented retry defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    DefaultMaxRetries,
		InitialDelay:  DefaultInitialDelay,
		MaxDelay:      DefaultMaxDelay,
		BackoffFactor: DefaultBackoffFactor,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = DefaultBackoffFactor
	}
	return p
}

// Delay returns the wait before the attempt following attempt n (1-based),
// given a jitter factor in [0.5, 1.0].
func (p Policy) Delay(n int, jitter float64) time.Duration {
	p = p.normalized()
	if n < 1 {
		n = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(n-1)) * jitter
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Options 는 Pipeline 구성 요소.
type Options struct {
	AppID    string
	TenantID string
	Identity Identity
	Sender   Sender
	Codec    Codec // nil 이면 JSON
	GzipBody bool
	Policy   Policy
	Clock    clock.Clock // nil 이면 실제 시계
	Jitter   func() float64
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Pipeline
// ------------------------------------------------------------
// 배치 → envelope 인코딩(1회) → attempt → 분류 → backoff 재시도.
//
//   - 2xx: Success
//   - 그 외 응답 / transport 오류: Retryable → backoff 후 재시도
//   - attempt 소진, ShouldRetry=false, ctx 취소: Failed
//
// host 로 panic 이나 error 를 던지지 않는다. 결과는 Result 로만 돌려준다.
type Pipeline struct {
	opts Options
}

func NewPipeline(opts Options) *Pipeline {
	if opts.Codec == nil {
		opts.Codec = JSONCodec{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Jitter == nil {
		opts.Jitter = defaultJitter
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	opts.Policy = opts.Policy.normalized()
	return &Pipeline{opts: opts}
}

// defaultJitter: U[0.5, 1.0]
func defaultJitter() float64 {
	return 0.5 + rand.Float64()*0.5
}

// Envelope builds the wire envelope for a batch.
func (p *Pipeline) Envelope(b model.Batch) model.Envelope {
	env := model.Envelope{
		Metadata: model.Metadata{
			AppID:    p.opts.AppID,
			TenantID: p.opts.TenantID,
			Tags:     b.Tags,
		},
		Data: model.EnvelopeData{Events: b.Events},
	}
	if p.opts.Identity != nil {
		env.Metadata.SessionID = p.opts.Identity.SessionID()
	}
	if env.Metadata.Tags == nil {
		env.Metadata.Tags = model.Tags{}
	}
	if env.Data.Events == nil {
		env.Data.Events = []model.Event{}
	}
	return env
}

// Encode serializes a batch once into a Payload.
func (p *Pipeline) Encode(b model.Batch) (Payload, error) {
	body, err := p.opts.Codec.Encode(p.Envelope(b))
	if err != nil {
		return Payload{}, fmt.Errorf("encode envelope: %w", err)
	}

	payload := Payload{
		ContentType: p.opts.Codec.ContentType(),
		EventCount:  b.Len(),
	}
	if p.opts.Identity != nil {
		payload.SessionID = p.opts.Identity.SessionID()
		payload.VisitorID = p.opts.Identity.VisitorID()
	}

	// batch id 는 압축 전 본문 기준 (gzip 설정과 무관하게 같은 값)
	sum := blake3.Sum256(body)
	payload.BatchID = hex.EncodeToString(sum[:16])

	if p.opts.GzipBody {
		gz, err := pool.Gzip(body)
		if err != nil {
			return Payload{}, fmt.Errorf("gzip envelope: %w", err)
		}
		body = gz
		payload.ContentEncoding = "gzip"
	}
	payload.Body = body
	return payload, nil
}

// Deliver encodes the batch and sends it, retrying with backoff per the
// policy. It blocks until the outcome is terminal or ctx is done.
func (p *Pipeline) Deliver(ctx context.Context, b model.Batch) (res Result) {
	m := p.opts.Metrics
	log := p.opts.Logger

	defer func() {
		// sender 구현이 panic 해도 host 로 전파하지 않는다
		if r := recover(); r != nil {
			res = Result{Outcome: Failed, Attempts: res.Attempts, Err: fmt.Errorf("delivery panic: %v", r)}
		}
		if res.Outcome == Success {
			atomic.AddInt64(&m.FlushSuccessTotal, 1)
			atomic.AddInt64(&m.EventsDeliveredTotal, int64(b.Len()))
		} else {
			atomic.AddInt64(&m.FlushFailedTotal, 1)
		}
	}()

	if p.opts.Sender == nil {
		return Result{Outcome: Failed, Err: ErrNoSender}
	}

	payload, err := p.Encode(b)
	if err != nil {
		// 인코딩 실패는 재시도해도 같은 결과
		return Result{Outcome: Failed, Err: err}
	}

	policy := p.opts.Policy
	var lastErr error

	for attempt := 1; ; attempt++ {
		atomic.AddInt64(&m.SendAttemptsTotal, 1)
		err := p.opts.Sender.Send(ctx, payload)
		if Classify(err) == Success {
			return Result{Outcome: Success, Attempts: attempt}
		}

		lastErr = err
		atomic.AddInt64(&m.SendErrorsTotal, 1)
		log.Debug().Err(err).Int("attempt", attempt).Str("batch_id", payload.BatchID).Msg("send attempt failed")

		if ctx.Err() != nil {
			return Result{Outcome: Failed, Attempts: attempt, Err: lastErr}
		}
		if policy.ShouldRetry != nil && !policy.ShouldRetry(err) {
			return Result{Outcome: Failed, Attempts: attempt, Err: lastErr}
		}
		if attempt >= policy.MaxRetries {
			return Result{Outcome: Failed, Attempts: attempt, Err: lastErr}
		}

		wait := policy.Delay(attempt, p.opts.Jitter())
		select {
		case <-ctx.Done():
			return Result{Outcome: Failed, Attempts: attempt, Err: lastErr}
		case <-p.opts.Clock.After(wait):
		}
	}
}
