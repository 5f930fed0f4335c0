// internal/spool/encoder.go
package spool

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/softprobe/record-sdk-go/internal/model"
	"github.com/softprobe/record-sdk-go/internal/pool"
)

// EncodeJSONLGZ 는 이벤트 slice 를 JSONL 로 줄 단위 인코딩한 뒤 gzip 압축한다.
//
//   - goccy/go-json encoder 를 gzip writer 에 직결
//   - gzip.Writer + bytes.Buffer 는 pool 재사용
//   - 결과는 새 []byte 로 복사해 호출자에게 소유권을 넘긴다
//     (pool 버퍼를 그대로 반환하면 재사용 시 데이터가 깨진다)
func EncodeJSONLGZ(events []model.Event) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)
	defer pool.GzipPool.Put(gz)

	enc := json.NewEncoder(gz)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			_ = gz.Close()
			return nil, err
		}
	}

	// Close 시점에 gzip footer 까지 기록된다
	if err := gz.Close(); err != nil {
		return nil, err
	}

	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	return data, nil
}

// DecodeJSONLGZ reads events written by EncodeJSONLGZ. Blank lines are
// skipped; the first malformed line aborts with an error.
func DecodeJSONLGZ(r io.Reader) ([]model.Event, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("spool: gzip: %w", err)
	}
	defer zr.Close()

	var events []model.Event
	sc := bufio.NewScanner(zr)
	// full snapshot 한 줄이 수 MB 가 될 수 있다
	sc.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)

	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal(b, &ev); err != nil {
			return nil, fmt.Errorf("spool: line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("spool: read: %w", err)
	}
	return events, nil
}
