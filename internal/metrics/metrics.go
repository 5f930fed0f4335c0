package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics 는 SDK 인스턴스(또는 수집 stub)의 상태를 나타내는 카운터 모음이다.
// 모든 필드는 sync/atomic 으로만 접근한다.
type Metrics struct {
	// ======================
	// 수집(녹화) 레벨 지표
	// ======================

	// EventsReceivedTotal
	// - 녹화 엔진이 OnEvent 로 넘긴 이벤트 수 (Stop 이후 무시된 것 제외).
	EventsReceivedTotal int64

	// EventsEvictedTotal
	// - 큐 용량 초과로 가장 오래된 이벤트가 버려진 횟수.
	// - 0 이 아니면 전송이 녹화 속도를 따라가지 못하고 있다는 뜻.
	EventsEvictedTotal int64

	// CompressFailuresTotal
	// - full snapshot 압축 실패 횟수. 실패한 이벤트는 원본 그대로 큐에 들어간다.
	CompressFailuresTotal int64

	// ======================
	// Flush / 전송 레벨 지표
	// ======================

	// FlushTicksTotal
	// - 스케줄러가 flush 를 시도한 횟수 (tick + 수동 + 종료 시).
	FlushTicksTotal int64

	// FlushSkippedTotal
	// - 큐가 비었거나 dirty 가 아니거나, 이미 flush 중이라 건너뛴 횟수.
	FlushSkippedTotal int64

	// SendAttemptsTotal / SendErrorsTotal
	// - Sender.Send 호출(attempt) 수와 그중 실패한 수.
	// - retry 가 있으므로 flush 1회에 여러 번 증가할 수 있다.
	SendAttemptsTotal int64
	SendErrorsTotal   int64

	// FlushSuccessTotal / FlushFailedTotal
	// - Deliver 최종 결과. Failed 배치는 큐로 되돌아간다.
	FlushSuccessTotal int64
	FlushFailedTotal  int64

	// EventsDeliveredTotal
	// - 2xx 로 확정된 이벤트 수.
	EventsDeliveredTotal int64

	// ======================
	// Spool (종료 시 디스크 보관) 지표
	// ======================

	SpoolEventsWrittenTotal  int64 // 디스크로 내려간 이벤트 수
	SpoolEventsRestoredTotal int64 // 다음 시작 때 큐로 복원된 이벤트 수
	SpoolEventsDroppedTotal  int64 // 용량 부족으로 저장하지 못한 이벤트 수
	SpoolFilesExpiredTotal   int64 // TTL 또는 용량 정책으로 지운 파일 수
	SpoolFilesCurrent        int64 // gauge
	SpoolSizeBytes           int64 // gauge

	// ======================
	// 기타
	// ======================

	// RequestsAugmentedTotal
	// - _sp_session_id 헤더를 붙여 내보낸 호스트 HTTP 요청 수.
	RequestsAugmentedTotal int64

	// Collector*
	// - 로컬 수집 stub 전용 지표.
	CollectorRequestsTotal int64
	CollectorEventsTotal   int64
	CollectorRejectedTotal int64
}

func New() *Metrics {
	return &Metrics{}
}

// Snapshot returns a point-in-time copy of every counter keyed by its
// exported metric name.
func (m *Metrics) Snapshot() map[string]int64 {
	out := make(map[string]int64, 20)
	m.each(func(name string, v int64) { out[name] = v })
	return out
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(512)
	m.each(func(name string, v int64) { fmt.Fprintf(&sb, "%s=%d\n", name, v) })
	return sb.String()
}

func (m *Metrics) each(fn func(string, int64)) {
	fn("events_received_total", atomic.LoadInt64(&m.EventsReceivedTotal))
	fn("events_evicted_total", atomic.LoadInt64(&m.EventsEvictedTotal))
	fn("compress_failures_total", atomic.LoadInt64(&m.CompressFailuresTotal))

	fn("flush_ticks_total", atomic.LoadInt64(&m.FlushTicksTotal))
	fn("flush_skipped_total", atomic.LoadInt64(&m.FlushSkippedTotal))
	fn("send_attempts_total", atomic.LoadInt64(&m.SendAttemptsTotal))
	fn("send_errors_total", atomic.LoadInt64(&m.SendErrorsTotal))
	fn("flush_success_total", atomic.LoadInt64(&m.FlushSuccessTotal))
	fn("flush_failed_total", atomic.LoadInt64(&m.FlushFailedTotal))
	fn("events_delivered_total", atomic.LoadInt64(&m.EventsDeliveredTotal))

	fn("spool_events_written_total", atomic.LoadInt64(&m.SpoolEventsWrittenTotal))
	fn("spool_events_restored_total", atomic.LoadInt64(&m.SpoolEventsRestoredTotal))
	fn("spool_events_dropped_total", atomic.LoadInt64(&m.SpoolEventsDroppedTotal))
	fn("spool_files_expired_total", atomic.LoadInt64(&m.SpoolFilesExpiredTotal))
	fn("spool_files_current", atomic.LoadInt64(&m.SpoolFilesCurrent))
	fn("spool_size_bytes", atomic.LoadInt64(&m.SpoolSizeBytes))

	fn("requests_augmented_total", atomic.LoadInt64(&m.RequestsAugmentedTotal))

	fn("collector_requests_total", atomic.LoadInt64(&m.CollectorRequestsTotal))
	fn("collector_events_total", atomic.LoadInt64(&m.CollectorEventsTotal))
	fn("collector_rejected_total", atomic.LoadInt64(&m.CollectorRejectedTotal))
}
