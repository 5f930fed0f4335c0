// internal/spool/name.go
package spool

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// name.go
// ------------------------------------------------------------
// spool 파일과 S3 object 가 공유하는 이름 규칙.
//
//	<unix>_<session>_<counter><ext>
//
// 예:
//
//	1764721594_3f2a9c1e-..._000042.jsonl.gz
//
// 문자열 정렬 = 시간 정렬 이므로, 복원 시 가장 오래된 파일부터 처리한다.
var globalCounter uint64

// NextCounter 는 goroutine 간 충돌 없는 순번. 1e6 에서 0 으로 돌아간다.
func NextCounter() uint64 {
	return atomic.AddUint64(&globalCounter, 1) % 1_000_000
}

// NewFilename builds "<unix>_<id>_<counter><ext>" for now.
func NewFilename(now time.Time, id, ext string) string {
	return fmt.Sprintf("%d_%s_%06d%s", now.Unix(), id, NextCounter(), ext)
}

// PartitionKey builds "<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<name>" in UTC.
// Athena / Glue 파티션 스캔 비용을 줄이기 위한 표준 구조.
func PartitionKey(prefix string, now time.Time, name string) string {
	now = now.UTC()
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("dt=%s/hr=%s/%s", now.Format("2006-01-02"), now.Format("15"), name)
	}
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", prefix, now.Format("2006-01-02"), now.Format("15"), name)
}

// unixFromFilename 은 파일명 prefix 의 Unix seconds 를 읽는다.
func unixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}
