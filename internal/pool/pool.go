package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// flush 주기마다 envelope 직렬화 버퍼, gzip writer, snapshot 압축 버퍼를
// 새로 만들면 호스트 애플리케이션의 GC 에 부담이 된다.
// 아래 Pool 들은 SDK 내부 임시 메모리를 재사용하기 위한 것.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - 수집 stub 이 POST body 를 읽을 때 쓰는 버퍼
	//   - 초기 용량 4KB
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool:
	//   - envelope 직렬화 / 압축 결과를 담는 임시 버퍼
	//   - 초기 용량 64KB (500 이벤트 배치 기준)
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer 재사용 (매번 new 하면 비용이 큼)
	//   - BestSpeed: 호스트 CPU 를 덜 쓰는 쪽을 택한다
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// Pool 에 되돌려줄 최대 버퍼 용량.
// 이보다 큰 버퍼는 GC 에 맡긴다.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// GetBuffer returns an empty buffer from BufferPool.
func GetBuffer() *bytes.Buffer {
	buf := BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer:
//   - 1MB 이하이면 풀에 재사용
//   - 큰 full snapshot 배치를 처리한 버퍼는 돌려놓지 않는다
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}

// PutBody:
//   - maxCap 보다 큰 body 버퍼는 버려서 GC 로.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// Gzip compresses data with a pooled writer and returns a caller-owned
// copy of the result.
func Gzip(data []byte) ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	gz := GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)
	defer GzipPool.Put(gz)

	if _, err := gz.Write(data); err != nil {
		_ = gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	// pool 버퍼는 재사용되므로 반드시 복사해서 넘긴다
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
