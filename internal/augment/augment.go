// internal/augment/augment.go
package augment

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/softprobe/record-sdk-go/internal/metrics"
)

// HeaderSessionID 는 호스트의 outbound 요청에 붙는 세션 헤더.
const HeaderSessionID = "_sp_session_id"

// 패치 대상 primitive 이름 (registry key)
const (
	PrimitiveDefaultTransport = "http.DefaultTransport"
	PrimitiveDefaultClient    = "http.DefaultClient"
)

// Transport
// ------------------------------------------------------------
// 요청을 복제해서 세션 헤더를 붙인 뒤 Base 로 넘기는 RoundTripper.
// 호출자의 *http.Request 는 건드리지 않는다.
type Transport struct {
	Base      http.RoundTripper // nil 이면 http.DefaultTransport
	SessionID string
	Metrics   *metrics.Metrics
}

// Wrap returns rt wrapped so every request carries the session header.
func Wrap(rt http.RoundTripper, sessionID string) *Transport {
	return &Transport{Base: rt, SessionID: sessionID}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	// 이미 같은 값이 붙어 있으면 (DefaultClient → DefaultTransport 이중 패치) 그대로 통과
	if t.SessionID == "" || req.Header.Get(HeaderSessionID) == t.SessionID {
		return base.RoundTrip(req)
	}

	r := req.Clone(req.Context())
	r.Header.Set(HeaderSessionID, t.SessionID)
	if t.Metrics != nil {
		atomic.AddInt64(&t.Metrics.RequestsAugmentedTotal, 1)
	}
	return base.RoundTrip(r)
}

// ------------------------------------------------------------
// 프로세스 전역 패치 registry
// ------------------------------------------------------------

var (
	mu       sync.Mutex
	restores = map[string]func(){}
)

// Install patches http.DefaultTransport and http.DefaultClient so that
// requests they send carry sessionID. Each primitive is patched at most
// once per process; later calls leave it alone and log at debug. It returns
// the primitives patched by this call.
func Install(sessionID string, m *metrics.Metrics, log zerolog.Logger) []string {
	mu.Lock()
	defer mu.Unlock()

	var patched []string
	for _, name := range []string{PrimitiveDefaultTransport, PrimitiveDefaultClient} {
		if _, ok := restores[name]; ok {
			log.Debug().Str("primitive", name).Msg("already augmented, skipped")
			continue
		}
		restores[name] = patch(name, sessionID, m)
		patched = append(patched, name)
	}
	if len(patched) > 0 {
		log.Info().Strs("primitives", patched).Msg("outbound requests augmented")
	}
	return patched
}

func patch(name, sessionID string, m *metrics.Metrics) func() {
	switch name {
	case PrimitiveDefaultTransport:
		orig := http.DefaultTransport
		http.DefaultTransport = &Transport{Base: orig, SessionID: sessionID, Metrics: m}
		return func() { http.DefaultTransport = orig }

	case PrimitiveDefaultClient:
		orig := http.DefaultClient.Transport
		http.DefaultClient.Transport = &Transport{Base: orig, SessionID: sessionID, Metrics: m}
		return func() { http.DefaultClient.Transport = orig }
	}
	return func() {}
}

// Installed reports whether the named primitive is currently patched.
func Installed(name string) bool {
	mu.Lock()
	defer mu.Unlock()
	_, ok := restores[name]
	return ok
}

// Uninstall restores every patched primitive.
func Uninstall() {
	mu.Lock()
	defer mu.Unlock()
	for name, restore := range restores {
		restore()
		delete(restores, name)
	}
}
