// internal/delivery/codec.go
package delivery

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"

	"github.com/softprobe/record-sdk-go/internal/model"
)

// Codec 는 envelope 직렬화 방식.
type Codec interface {
	Name() string
	ContentType() string
	Encode(env model.Envelope) ([]byte, error)
	Decode(data []byte, env *model.Envelope) error
}

var ErrUnknownCodec = errors.New("delivery: unknown codec")

// ParseCodec selects a codec by name. The empty string selects JSON.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// CodecForContentType picks the codec matching a request Content-Type.
// Anything unrecognised is treated as JSON.
func CodecForContentType(ct string) Codec {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "application/cbor") {
		return CBORCodec{}
	}
	return JSONCodec{}
}

// ---------------------------------------------------------------
// JSON (goccy/go-json): 기본값. 수집 서버가 원래 받는 형식.
// ---------------------------------------------------------------

type JSONCodec struct{}

func (JSONCodec) Name() string        { return "json" }
func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Encode(env model.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Decode(data []byte, env *model.Envelope) error {
	return json.Unmarshal(data, env)
}

// ---------------------------------------------------------------
// CBOR (fxamacker/cbor): Core Deterministic Encoding.
// 같은 envelope 은 항상 같은 바이트 → X-Batch-Id 가 안정적이다.
// ---------------------------------------------------------------

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("delivery: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		// any 타깃(tags 값)은 map[string]any 로 받는다
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("delivery: CBOR decoder initialization failed: " + err.Error())
	}
}

type CBORCodec struct{}

func (CBORCodec) Name() string        { return "cbor" }
func (CBORCodec) ContentType() string { return "application/cbor" }

func (CBORCodec) Encode(env model.Envelope) ([]byte, error) {
	return cborEnc.Marshal(env)
}

func (CBORCodec) Decode(data []byte, env *model.Envelope) error {
	return cborDec.Unmarshal(data, env)
}
