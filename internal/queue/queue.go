// internal/queue/queue.go
package queue

import (
	"sync"

	"github.com/softprobe/record-sdk-go/internal/model"
)

// DefaultCapacity 는 SDK 인스턴스 하나가 메모리에 들고 있는 최대 이벤트 수.
const DefaultCapacity = 500

// Queue
// ------------------------------------------------------------
// 녹화 이벤트를 순서대로 보관하는 bounded FIFO.
//
//   - Enqueue: 용량이 꽉 찼으면 가장 오래된 이벤트 1개를 버리고 append
//   - Drain:   현재 내용을 통째로 꺼내고 비운다 (Enqueue 와 원자적)
//   - Requeue: 전송 실패한 배치를 새 이벤트들 "앞"에 되돌린다
//
// dirty 판단은 누적 enqueue 수(appended)와 마지막 성공 flush 시점의
// 누적 수(flushed)를 비교한다. flush 도중 들어온 이벤트는
// 성공 후에도 dirty 상태로 남는다.
//
// 모든 메서드는 동시에 호출해도 안전하다.
type Queue struct {
	mu       sync.Mutex
	events   []model.Event
	capacity int

	appended uint64 // 누적 enqueue 수
	flushed  uint64 // 마지막 성공 flush 의 Mark
	evicted  uint64 // 용량 초과로 버려진 누적 수
}

// New creates a queue bounded at capacity. capacity <= 0 selects
// DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		events:   make([]model.Event, 0, capacity),
		capacity: capacity,
	}
}

// Enqueue appends ev, evicting the single oldest event first when the
// queue is at capacity. It reports whether an eviction happened.
func (q *Queue) Enqueue(ev model.Event) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) >= q.capacity {
		q.events[0] = model.Event{} // GC 에 payload 반환
		q.events = q.events[1:]
		q.evicted++
		evicted = true
	}
	q.events = append(q.events, ev)
	q.appended++
	return evicted
}

// Drain atomically removes and returns every held event. The returned
// batch owns its slice; later Enqueue calls never touch it.
func (q *Queue) Drain() model.Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	b := model.Batch{Mark: q.appended}
	if len(q.events) == 0 {
		return b
	}
	b.Events = q.events
	q.events = make([]model.Event, 0, q.capacity)
	return b
}

// Requeue puts the events of a failed batch back in front of anything
// enqueued since the drain, then trims the oldest until the capacity
// bound holds again. It returns how many events were dropped.
func (q *Queue) Requeue(b model.Batch) int {
	if len(b.Events) == 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]model.Event, 0, len(b.Events)+len(q.events))
	merged = append(merged, b.Events...)
	merged = append(merged, q.events...)

	dropped := 0
	if over := len(merged) - q.capacity; over > 0 {
		dropped = over
		merged = merged[over:]
		q.evicted += uint64(over)
	}
	q.events = merged
	return dropped
}

// MarkFlushed records a successful delivery of everything enqueued up to
// mark. Marks never move backwards.
func (q *Queue) MarkFlushed(mark uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if mark > q.flushed {
		q.flushed = mark
	}
}

// Dirty reports whether events were enqueued since the last successful
// flush.
func (q *Queue) Dirty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.appended > q.flushed
}

// IsEmpty reports whether the queue currently holds no events.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events) == 0
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *Queue) Capacity() int { return q.capacity }

// Evicted returns the total number of events dropped by the capacity bound.
func (q *Queue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}
