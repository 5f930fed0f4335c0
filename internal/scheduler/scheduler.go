// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/softprobe/record-sdk-go/internal/clock"
	"github.com/softprobe/record-sdk-go/internal/delivery"
	"github.com/softprobe/record-sdk-go/internal/metrics"
	"github.com/softprobe/record-sdk-go/internal/model"
	"github.com/softprobe/record-sdk-go/internal/queue"
)

// State 는 스케줄러 상태.
type State int32

const (
	Idle State = iota
	Flushing
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Flushing:
		return "flushing"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

const (
	// MinInterval 보다 짧은 flush 주기는 허용하지 않는다.
	MinInterval = 5 * time.Second
	// DefaultSnapshotEvery: 마지막 full snapshot 이후 이만큼 이벤트가 쌓이면 새로 요청.
	DefaultSnapshotEvery = 50
)

// Deliverer 는 배치 1개의 전송을 끝까지 책임진다 (retry 포함).
type Deliverer interface {
	Deliver(ctx context.Context, b model.Batch) delivery.Result
}

// Options 는 Scheduler 구성 요소.
type Options struct {
	Queue    *queue.Queue
	Pipeline Deliverer
	Interval time.Duration
	Clock    clock.Clock

	// Tags 는 flush 마다 호출되어 배치에 붙일 최종 태그를 만든다.
	Tags func() model.Tags

	// LatestIndex / RequestSnapshot: 주기적 full snapshot 요청.
	// 둘 중 하나라도 nil 이면 비활성.
	LatestIndex     func() uint64
	RequestSnapshot func()
	SnapshotEvery   uint64

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Scheduler
// ------------------------------------------------------------
// 주기적으로 큐를 비워 Pipeline 으로 넘기는 상태 머신.
// SDK 당 1개이며, 녹화 여부와 상관없이 모든 flush 는 여기를 지난다.
//
//	Idle ──tick/FlushNow(큐 비어있지 않음 && dirty)──▶ Flushing ──완료──▶ Idle
//	  │                                                              │
//	  └───────────────────────── Stop ─────────────────────────▶ Stopped
//
//   - Flushing 중 들어온 tick / FlushNow 는 no-op (동시에 flush 는 최대 1개)
//   - 실패한 배치는 큐 앞쪽으로 되돌려 다음 flush 에 다시 포함
//   - Pause: ticker 중단 → 진행 중 flush 대기 → flush 1회 → Idle (Start 로 재개)
//   - Stop:  ticker 즉시 중단 → 진행 중 flush(backoff 포함) 대기
//     → 마지막 flush 1회 → Stopped
type Scheduler struct {
	opts Options

	ctx    context.Context // Stop 이 끝나면 취소된다
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	stopping       bool
	inflight       chan struct{}      // 진행 중 flush 가 끝나면 close
	inflightCancel context.CancelFunc // 진행 중 flush 의 전송 취소

	// ticker 1회 실행(Start ~ Pause/Stop) 단위
	ticker    *clock.Ticker
	runStop   chan struct{}
	runCancel context.CancelFunc
	loopDone  chan struct{}

	lastSnapshot uint64

	stopOnce   sync.Once
	stopResult delivery.Result
}

func New(opts Options) *Scheduler {
	if opts.Interval < MinInterval {
		opts.Interval = MinInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Tags == nil {
		opts.Tags = func() model.Tags { return model.Tags{} }
	}
	if opts.SnapshotEvery == 0 {
		opts.SnapshotEvery = DefaultSnapshotEvery
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		state:  Idle,
	}
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Interval() time.Duration { return s.opts.Interval }

// Running reports whether the ticker is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticker != nil
}

// Start launches the ticker goroutine. Calling Start while running, or
// after Stop, is a no-op. Start after Pause resumes ticking.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil || s.stopping || s.state == Stopped {
		return
	}

	runCtx, runCancel := context.WithCancel(s.ctx)
	s.ticker = s.opts.Clock.NewTicker(s.opts.Interval)
	s.runStop = make(chan struct{})
	s.runCancel = runCancel
	s.loopDone = make(chan struct{})
	go s.loop(runCtx, s.ticker, s.runStop, s.loopDone)
}

func (s *Scheduler) loop(ctx context.Context, t *clock.Ticker, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.tick(ctx, stop)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, stop chan struct{}) {
	select {
	case <-stop:
		return
	default:
	}
	s.maybeRequestSnapshot()
	s.flush(ctx, false)
}

// FlushNow runs one flush immediately under the same guards as a tick.
// flushed is false when the call was a no-op.
func (s *Scheduler) FlushNow(ctx context.Context) (res delivery.Result, flushed bool) {
	res, flushed, _ = s.flush(ctx, false)
	return res, flushed
}

// flush 는 guard 를 통과하면 drain → deliver → 결과 반영을 수행한다.
// final=true 는 Stop 의 마지막 flush 전용 (stopping 상태에서도 실행).
// busy 는 다른 flush 가 진행 중이라 건너뛴 경우.
func (s *Scheduler) flush(ctx context.Context, final bool) (res delivery.Result, flushed, busy bool) {
	m := s.opts.Metrics
	q := s.opts.Queue
	// 카운트는 flush 가 끝난 뒤 (skip 포함)
	defer atomic.AddInt64(&m.FlushTicksTotal, 1)

	s.mu.Lock()
	switch {
	case s.state == Flushing:
		s.mu.Unlock()
		atomic.AddInt64(&m.FlushSkippedTotal, 1)
		return delivery.Result{}, false, true
	case s.state == Stopped,
		s.stopping && !final,
		q.IsEmpty(),
		!q.Dirty():
		s.mu.Unlock()
		atomic.AddInt64(&m.FlushSkippedTotal, 1)
		return delivery.Result{}, false, false
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.state = Flushing
	done := make(chan struct{})
	s.inflight = done
	s.inflightCancel = cancel
	s.mu.Unlock()

	b := q.Drain()
	b.Tags = s.opts.Tags()

	res = s.opts.Pipeline.Deliver(ctx, b)
	if res.Outcome == delivery.Success {
		q.MarkFlushed(b.Mark)
		s.opts.Logger.Debug().Int("events", b.Len()).Int("attempts", res.Attempts).Msg("flush delivered")
	} else {
		dropped := q.Requeue(b)
		if dropped > 0 {
			atomic.AddInt64(&m.EventsEvictedTotal, int64(dropped))
		}
		s.opts.Logger.Warn().Err(res.Err).
			Int("events", b.Len()).
			Int("attempts", res.Attempts).
			Int("dropped", dropped).
			Msg("flush failed, events retained for next flush")
	}

	s.mu.Lock()
	if s.state == Flushing {
		s.state = Idle
	}
	s.inflight = nil
	s.inflightCancel = nil
	close(done)
	s.mu.Unlock()

	return res, true, false
}

func (s *Scheduler) maybeRequestSnapshot() {
	if s.opts.LatestIndex == nil || s.opts.RequestSnapshot == nil {
		return
	}
	latest := s.opts.LatestIndex()
	if latest > s.lastSnapshot+s.opts.SnapshotEvery {
		s.opts.RequestSnapshot()
		s.lastSnapshot = latest
	}
}

// Pause stops the ticker, waits for any in-flight flush, and flushes once
// more. The scheduler stays Idle and can be resumed with Start. After Stop
// it returns the stop result.
func (s *Scheduler) Pause(ctx context.Context) delivery.Result {
	s.mu.Lock()
	done := s.stopping || s.state == Stopped
	s.mu.Unlock()
	if done {
		return s.Stop(ctx)
	}

	s.haltTicker(ctx)
	return s.settle(ctx, false)
}

// Stop cancels the ticker, waits for any in-flight flush (tick or
// FlushNow), performs one final flush, and moves to Stopped. If ctx ends
// first, the in-flight flush is cancelled and waited for. Only the first
// call does work; later calls return the first call's result.
func (s *Scheduler) Stop(ctx context.Context) delivery.Result {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()

		s.haltTicker(ctx)
		s.stopResult = s.settle(ctx, true)

		s.mu.Lock()
		s.state = Stopped
		s.mu.Unlock()
		s.cancel()
	})
	return s.stopResult
}

// haltTicker 는 ticker 를 즉시 해제하고 tick goroutine 이 끝날 때까지 기다린다.
// 진행 중이던 tick flush 가 끝나야 돌아온다.
func (s *Scheduler) haltTicker(ctx context.Context) {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	close(s.runStop)
	runCancel, loopDone := s.runCancel, s.loopDone
	s.mu.Unlock()

	select {
	case <-loopDone:
	case <-ctx.Done():
		runCancel()
		<-loopDone
	}
	runCancel()
}

// settle 은 진행 중 flush 를 기다린 뒤 flush 1회를 수행한다.
// 그 사이 다른 flush 가 끼어들면 그것도 기다렸다가 다시 시도한다.
// 보낼 것이 없으면 Success.
func (s *Scheduler) settle(ctx context.Context, final bool) delivery.Result {
	for {
		s.waitInflight(ctx)
		res, flushed, busy := s.flush(ctx, final)
		if busy {
			continue
		}
		if !flushed {
			return delivery.Result{Outcome: delivery.Success}
		}
		return res
	}
}

// waitInflight 는 진행 중 flush 가 끝날 때까지 기다린다.
// ctx 가 먼저 끝나면 그 flush 의 전송을 취소하고 마무리를 기다린다.
func (s *Scheduler) waitInflight(ctx context.Context) {
	s.mu.Lock()
	ch, cancel := s.inflight, s.inflightCancel
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	case <-ctx.Done():
		cancel()
		<-ch
	}
}
