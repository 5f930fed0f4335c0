// internal/compress/compress.go
package compress

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/softprobe/record-sdk-go/internal/model"
	"github.com/softprobe/record-sdk-go/internal/pool"
)

// Algorithm 은 full snapshot payload 압축 방식.
type Algorithm string

const (
	Zlib Algorithm = "zlib" // 녹화 엔진 자체 packer 와 같은 framing
	Zstd Algorithm = "zstd"
	LZ4  Algorithm = "lz4"
)

var (
	ErrUnknownAlgorithm = errors.New("compress: unknown algorithm")
	ErrNotCompressed    = errors.New("compress: event is not compressed")
	ErrUnknownFraming   = errors.New("compress: unrecognized payload framing")
)

// 각 포맷의 magic prefix. Decompress 는 이 값으로 알고리즘을 판별한다.
var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// ParseAlgorithm maps a configuration string to an Algorithm. The empty
// string selects Zlib.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", Zlib:
		return Zlib, nil
	case Zstd:
		return Zstd, nil
	case LZ4:
		return LZ4, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
}

// Compressor
// ------------------------------------------------------------
// full snapshot 이벤트의 Data 를 압축해 base64 JSON 문자열로 바꾼다.
//   - FullSnapshot 이 아닌 이벤트는 그대로 통과
//   - 이미 압축된 이벤트도 그대로 통과
//   - 실패 시 원본 이벤트와 error 를 함께 돌려준다 (호출자가 warn 로그)
//
// zstd encoder/decoder 는 EncodeAll / DecodeAll 만 쓰므로
// 여러 goroutine 에서 공유해도 안전하다.
type Compressor struct {
	algo Algorithm
	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

// New builds a Compressor for algo.
func New(algo Algorithm) (*Compressor, error) {
	if _, err := ParseAlgorithm(string(algo)); err != nil {
		return nil, err
	}
	if algo == "" {
		algo = Zlib
	}

	c := &Compressor{algo: algo}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("compress: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("compress: zstd decoder: %w", err)
	}
	c.zenc, c.zdec = enc, dec
	return c, nil
}

func (c *Compressor) Algorithm() Algorithm { return c.algo }

// Compress returns the compressed form of a full-snapshot event. Other
// kinds are returned unchanged with a nil error.
func (c *Compressor) Compress(ev model.Event) (model.Event, error) {
	if ev.Kind != model.KindFullSnapshot || ev.IsCompressed {
		return ev, nil
	}

	packed, err := c.pack(ev.Data)
	if err != nil {
		return ev, fmt.Errorf("compress %s: %w", c.algo, err)
	}

	data, err := json.Marshal(base64.StdEncoding.EncodeToString(packed))
	if err != nil {
		return ev, fmt.Errorf("compress %s: %w", c.algo, err)
	}

	out := ev
	out.Data = data
	out.IsCompressed = true
	return out, nil
}

// Decompress reverses Compress. The algorithm is detected from the payload
// framing, so any Compressor can read events written by another one.
func (c *Compressor) Decompress(ev model.Event) (model.Event, error) {
	if !ev.IsCompressed {
		return ev, ErrNotCompressed
	}

	var s string
	if err := json.Unmarshal(ev.Data, &s); err != nil {
		return ev, fmt.Errorf("decompress: payload is not a string: %w", err)
	}
	packed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ev, fmt.Errorf("decompress: base64: %w", err)
	}

	raw, err := c.unpack(packed)
	if err != nil {
		return ev, err
	}

	out := ev
	out.Data = raw
	out.IsCompressed = false
	return out, nil
}

func (c *Compressor) pack(data []byte) ([]byte, error) {
	switch c.algo {
	case Zstd:
		return c.zenc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case LZ4:
		return streamPack(data, func(w io.Writer) io.WriteCloser {
			return lz4.NewWriter(w)
		})
	default:
		return streamPack(data, func(w io.Writer) io.WriteCloser {
			zw, _ := zlib.NewWriterLevel(w, zlib.BestSpeed)
			return zw
		})
	}
}

func (c *Compressor) unpack(packed []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(packed, zstdMagic):
		out, err := c.zdec.DecodeAll(packed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress zstd: %w", err)
		}
		return out, nil

	case bytes.HasPrefix(packed, lz4Magic):
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(packed)))
		if err != nil {
			return nil, fmt.Errorf("decompress lz4: %w", err)
		}
		return out, nil

	case len(packed) >= 2 && packed[0]&0x0f == 8 && (uint16(packed[0])<<8|uint16(packed[1]))%31 == 0:
		zr, err := zlib.NewReader(bytes.NewReader(packed))
		if err != nil {
			return nil, fmt.Errorf("decompress zlib: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompress zlib: %w", err)
		}
		return out, nil
	}
	return nil, ErrUnknownFraming
}

// streamPack 은 pool 버퍼 위에서 스트림 압축기를 돌리고
// 결과를 호출자 소유 slice 로 복사해 돌려준다.
func streamPack(data []byte, open func(io.Writer) io.WriteCloser) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	w := open(buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
