package recordsdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/softprobe/record-sdk-go/internal/augment"
	"github.com/softprobe/record-sdk-go/internal/clock"
	"github.com/softprobe/record-sdk-go/internal/compress"
	"github.com/softprobe/record-sdk-go/internal/config"
	"github.com/softprobe/record-sdk-go/internal/delivery"
	"github.com/softprobe/record-sdk-go/internal/identity"
	"github.com/softprobe/record-sdk-go/internal/logger"
	"github.com/softprobe/record-sdk-go/internal/metrics"
	"github.com/softprobe/record-sdk-go/internal/model"
	"github.com/softprobe/record-sdk-go/internal/queue"
	"github.com/softprobe/record-sdk-go/internal/recorder"
	"github.com/softprobe/record-sdk-go/internal/scheduler"
	"github.com/softprobe/record-sdk-go/internal/spool"
	"github.com/softprobe/record-sdk-go/internal/tags"
)

// 외부에 노출하는 타입 별칭
type (
	Config = config.Config
	Event  = model.Event
	Tags   = model.Tags
)

var (
	ErrStopped          = errors.New("recordsdk: stopped")
	ErrAlreadyRecording = errors.New("recordsdk: already recording")
	// ErrUndelivered 는 Stop 의 마지막 flush 가 실패했을 때 돌려준다.
	// 남은 이벤트는 spool 이 켜져 있으면 디스크에, 아니면 메모리에 남는다.
	ErrUndelivered = errors.New("recordsdk: events left undelivered")
)

// RecordOptions 는 Record 1회에 적용되는 설정.
type RecordOptions struct {
	Tags    Tags           // 이 녹화의 flush 에만 붙는 태그 (SDK 태그보다 우선)
	Options map[string]any // Config.RecordOptions 위에 덮어써서 엔진에 전달
}

// SDK
// ------------------------------------------------------------
// 녹화 이벤트 수집 → 큐 → 주기 flush → 전송의 조립점.
//
//   - OnEvent: index 부여, full snapshot 압축, 큐 적재 (블로킹 없음)
//   - Record:  엔진 시작 + 스케줄러 시작 (동시에 1개)
//   - Stop:    녹화 중단 → 마지막 flush → 실패분 spool
type SDK struct {
	cfg     Config
	log     zerolog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	identity *identity.Provider
	queue    *queue.Queue
	comp     Compressor
	pipeline *delivery.Pipeline
	sched    *scheduler.Scheduler
	env      *tags.Cached
	spool    *spool.Spool
	rec      recorder.Recorder
	closers  []io.Closer

	emitMu sync.Mutex
	index  uint64 // 마지막으로 부여한 EventIndex (atomic 읽기)

	mu        sync.Mutex
	tags      Tags
	recording *Recording

	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// New validates cfg, wires every component and, unless cfg.Manual is set,
// starts recording. Events spooled by an earlier instance are loaded back
// into the queue first.
func New(cfg Config, opts ...Option) (*SDK, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("recordsdk: %w", err)
	}

	if o.clock == nil {
		o.clock = clock.Real()
	}
	base := zlog.Logger
	if o.logger != nil {
		base = *o.logger
	}

	s := &SDK{
		cfg:     cfg,
		clock:   o.clock,
		metrics: metrics.New(),
		queue:   queue.New(cfg.QueueCapacity),
		rec:     o.recorder,
		tags:    tags.Apply(nil, cfg.Tags, true),
	}

	store := o.store
	if store == nil {
		st, err := identity.OpenStore(cfg.VisitorStore)
		if err != nil {
			return nil, fmt.Errorf("recordsdk: %w", err)
		}
		store = st
		if c, ok := st.(io.Closer); ok {
			s.closers = append(s.closers, c)
		}
	}
	s.identity = identity.NewProvider(store, cfg.ServerURL, base)
	s.log = logger.WithSession(base, s.identity.SessionID())

	algo, err := compress.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("recordsdk: %w", err)
	}
	s.comp = o.compressor
	if s.comp == nil {
		if s.comp, err = compress.New(algo); err != nil {
			return nil, fmt.Errorf("recordsdk: %w", err)
		}
	}

	codec, err := delivery.ParseCodec(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("recordsdk: %w", err)
	}
	sender := o.sender
	if sender == nil {
		if sender, err = newSender(cfg, o.httpClient); err != nil {
			return nil, fmt.Errorf("recordsdk: %w", err)
		}
	}
	s.pipeline = delivery.NewPipeline(delivery.Options{
		AppID:    cfg.AppID,
		TenantID: cfg.TenantID,
		Identity: s.identity,
		Sender:   sender,
		Codec:    codec,
		GzipBody: cfg.GzipBody,
		Policy:   cfg.Retry.Policy(),
		Clock:    s.clock,
		Jitter:   o.jitter,
		Metrics:  s.metrics,
		Logger:   s.log,
	})

	envProvider := o.env
	if envProvider == nil {
		envProvider = tags.RuntimeEnv{SDKVersion: Version, VisitorID: s.identity.VisitorID}
	}
	s.env = tags.NewCached(envProvider, s.log)
	s.sched = s.newScheduler()

	if cfg.SpoolDir != "" {
		s.openSpool()
	}

	if !cfg.Manual {
		if _, err := s.Record(RecordOptions{}); err != nil {
			s.closeAll()
			return nil, err
		}
	}

	s.log.Info().
		Str("app", cfg.AppID).
		Str("endpoint", endpointName(cfg)).
		Dur("interval", cfg.Interval).
		Bool("manual", cfg.Manual).
		Msg("record sdk initialized")
	return s, nil
}

// Init is New followed by patching http.DefaultTransport and
// http.DefaultClient so outbound requests carry the session id. The patch
// is applied once per process.
func Init(cfg Config, opts ...Option) (*SDK, error) {
	s, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	augment.Install(s.SessionID(), s.metrics, s.log)
	return s, nil
}

func newSender(cfg Config, client *http.Client) (delivery.Sender, error) {
	if cfg.S3.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout)
		defer cancel()
		return delivery.NewS3Sender(ctx, delivery.S3Config{
			Region:  cfg.S3.Region,
			Bucket:  cfg.S3.Bucket,
			Prefix:  cfg.S3.Prefix,
			Timeout: cfg.HTTPTimeout,
		})
	}
	return delivery.NewHTTPSender(delivery.HTTPConfig{
		URL:      cfg.ServerURL,
		APIKey:   cfg.APIKey,
		TenantID: cfg.TenantID,
		Timeout:  cfg.HTTPTimeout,
		Proxy:    cfg.Proxy,
		Client:   client,
	})
}

func endpointName(cfg Config) string {
	if cfg.S3.Enabled() {
		return "s3://" + cfg.S3.Bucket + "/" + cfg.S3.Prefix
	}
	return cfg.ServerURL
}

// openSpool 실패는 치명적이지 않다. spool 없이 계속한다.
func (s *SDK) openSpool() {
	sp, err := spool.Open(spool.Config{Dir: s.cfg.SpoolDir, SessionID: s.identity.SessionID()}, s.metrics, s.clock, s.log)
	if err != nil {
		s.log.Warn().Err(err).Str("dir", s.cfg.SpoolDir).Msg("spool disabled")
		return
	}
	s.spool = sp

	restored, err := sp.Restore()
	if err != nil {
		s.log.Warn().Err(err).Msg("spool restore failed")
	}
	// 복원된 이벤트는 원래 index 를 유지하고, 새 index 는 그 뒤부터 이어진다
	for _, ev := range restored {
		if ev.EventIndex > s.index {
			s.index = ev.EventIndex
		}
		if s.queue.Enqueue(ev) {
			atomic.AddInt64(&s.metrics.EventsEvictedTotal, 1)
		}
	}
	if len(restored) > 0 {
		s.log.Info().Int("events", len(restored)).Msg("spooled events restored")
	}
}

// OnEvent accepts one event from the recording engine. It never blocks on
// the network and never panics into the caller. Events arriving after Stop
// are dropped.
func (s *SDK) OnEvent(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("event dropped")
		}
	}()
	if s.stopped.Load() {
		return
	}
	atomic.AddInt64(&s.metrics.EventsReceivedTotal, 1)

	// index 부여와 적재를 같은 잠금 안에서 해서 큐 순서 = index 순서
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	ev.EventIndex = atomic.AddUint64(&s.index, 1)

	out, err := s.comp.Compress(ev)
	if err != nil {
		atomic.AddInt64(&s.metrics.CompressFailuresTotal, 1)
		s.log.Warn().Err(err).Uint64("index", ev.EventIndex).Msg("full snapshot sent uncompressed")
		out = ev
	}

	if s.queue.Enqueue(out) {
		atomic.AddInt64(&s.metrics.EventsEvictedTotal, 1)
	}
}

func (s *SDK) latestIndex() uint64 { return atomic.LoadUint64(&s.index) }

// Record starts the recording engine and the flush scheduler. Only one
// recording can be active at a time.
func (s *SDK) Record(opts RecordOptions) (*Recording, error) {
	if s.stopped.Load() {
		return nil, ErrStopped
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording != nil {
		return nil, ErrAlreadyRecording
	}

	r := &Recording{sdk: s, recTags: tags.Apply(nil, opts.Tags, true)}

	if s.rec != nil {
		if setter, ok := s.rec.(recorder.OptionSetter); ok {
			setter.SetOptions(mergeOptions(s.cfg.RecordOptions, opts.Options))
		}
		stop, err := s.rec.Start(s.OnEvent)
		if err != nil {
			return nil, fmt.Errorf("recordsdk: start recorder: %w", err)
		}
		r.stopRec = stop
	}

	s.recording = r
	s.sched.Start()
	return r, nil
}

// newScheduler 는 SDK 수명 동안 쓰는 스케줄러 1개를 만든다.
// 녹화가 없을 때의 FlushNow / Stop 도 같은 스케줄러를 지나므로
// flush 는 언제나 최대 1개만 진행된다.
func (s *SDK) newScheduler() *scheduler.Scheduler {
	opts := scheduler.Options{
		Queue:       s.queue,
		Pipeline:    s.pipeline,
		Interval:    s.cfg.Interval,
		Clock:       s.clock,
		Tags:        func() model.Tags { return s.Tags() },
		LatestIndex: s.latestIndex,
		Metrics:     s.metrics,
		Logger:      s.log,
	}
	if s.rec != nil {
		opts.RequestSnapshot = s.rec.TakeFullSnapshot
	}
	return scheduler.New(opts)
}

func mergeOptions(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// flushTags 는 flush 시점의 최종 태그: SDK 태그 < 런타임 태그 < 녹화 태그, 이후 replacers.
func (s *SDK) flushTags(recTags Tags) Tags {
	s.mu.Lock()
	base := s.tags
	s.mu.Unlock()
	return tags.Merge(base, recTags, s.env.Tags(), s.cfg.Replacers)
}

// SetTags merges t into the SDK-level tags, or replaces them when override
// is set. The change applies from the next flush. Runtime `_sp_*` keys
// from the env layer win over SDK-level tags unless a replacer is set.
func (s *SDK) SetTags(t Tags, override bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = tags.Apply(s.tags, t, override)
}

// Tags returns the tags the next flush would carry.
func (s *SDK) Tags() Tags {
	s.mu.Lock()
	r := s.recording
	s.mu.Unlock()
	var recTags Tags
	if r != nil {
		recTags = r.tags()
	}
	return s.flushTags(recTags)
}

// FlushNow sends whatever is queued right away, under the same guard as a
// scheduled flush. It returns nil when there was nothing to send or a
// flush was already running.
func (s *SDK) FlushNow(ctx context.Context) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	res, flushed := s.sched.FlushNow(ctx)
	if flushed && res.Outcome != delivery.Success {
		return fmt.Errorf("recordsdk: flush %s after %d attempts: %w", res.Outcome, res.Attempts, res.Err)
	}
	return nil
}

// Stop ends the active recording, performs one final flush and spools
// whatever could not be delivered. It returns ErrUndelivered (wrapped) when
// the final flush failed. Only the first call does work.
func (s *SDK) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		r := s.recording
		s.mu.Unlock()

		if r != nil {
			r.haltRecorder()
		}
		s.stopErr = s.finish(ctx, true)
		if r != nil {
			r.detach()
		}

		s.stopped.Store(true)
		s.closeAll()
		s.log.Info().Interface("metrics", s.metrics.Snapshot()).Msg("record sdk stopped")
	})
	return s.stopErr
}

// finish 는 마지막 flush 를 수행한다.
//   - final:  스케줄러 Stop, 남은 이벤트는 spool 로
//   - 아니면: 스케줄러 Pause, 남은 이벤트는 큐에 그대로
func (s *SDK) finish(ctx context.Context, final bool) error {
	var res delivery.Result
	if final {
		res = s.sched.Stop(ctx)
	} else {
		res = s.sched.Pause(ctx)
	}
	if res.Outcome == delivery.Success {
		return nil
	}
	left := s.queue.Len()
	if final {
		s.spoolRemaining()
	}
	return fmt.Errorf("%w: %d events: %v", ErrUndelivered, left, res.Err)
}

func (s *SDK) spoolRemaining() {
	if s.spool == nil {
		return
	}
	b := s.queue.Drain()
	if b.Len() == 0 {
		return
	}
	if err := s.spool.Save(b.Events); err != nil {
		s.log.Warn().Err(err).Int("events", b.Len()).Msg("spool save failed, events kept in memory")
		s.queue.Requeue(b)
	}
}

func (s *SDK) closeAll() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close failed")
		}
	}
	s.closers = nil
}

func (s *SDK) SessionID() string { return s.identity.SessionID() }

func (s *SDK) VisitorID() string { return s.identity.VisitorID() }

// Metrics returns a snapshot of the internal counters.
func (s *SDK) Metrics() map[string]int64 { return s.metrics.Snapshot() }

// QueueLen returns the number of events waiting for delivery.
func (s *SDK) QueueLen() int { return s.queue.Len() }

// Transport wraps rt so requests sent through it carry the session id.
// Use it for clients that do not go through http.DefaultTransport.
func (s *SDK) Transport(rt http.RoundTripper) http.RoundTripper {
	t := augment.Wrap(rt, s.SessionID())
	t.Metrics = s.metrics
	return t
}

// Recording
// ------------------------------------------------------------
// Record 1회의 핸들. Stop 은 엔진 → 스케줄러 순서로 멈춘다.
type Recording struct {
	sdk     *SDK
	stopRec func()
	recOnce sync.Once

	recTags Tags

	once sync.Once
	err  error
}

func (r *Recording) tags() Tags { return r.recTags }

// Stop stops this recording and flushes once more. Events that could not
// be delivered stay queued for the next recording or SDK.Stop.
func (r *Recording) Stop(ctx context.Context) error {
	r.once.Do(func() {
		r.haltRecorder()
		r.err = r.sdk.finish(ctx, false)
		r.detach()
	})
	return r.err
}

func (r *Recording) haltRecorder() {
	r.recOnce.Do(func() {
		if r.stopRec != nil {
			r.stopRec()
		}
	})
}

// detach 는 SDK 의 활성 녹화가 아직 r 이면 해제한다.
func (r *Recording) detach() {
	r.sdk.mu.Lock()
	if r.sdk.recording == r {
		r.sdk.recording = nil
	}
	r.sdk.mu.Unlock()
}
