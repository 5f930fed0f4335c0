// internal/collector/handler.go
package collector

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/softprobe/record-sdk-go/internal/clock"
	"github.com/softprobe/record-sdk-go/internal/compress"
	"github.com/softprobe/record-sdk-go/internal/delivery"
	"github.com/softprobe/record-sdk-go/internal/metrics"
	"github.com/softprobe/record-sdk-go/internal/model"
	"github.com/softprobe/record-sdk-go/internal/pool"
)

const (
	DefaultMaxBodySize = 16 * 1024 * 1024
	// 최근 batch id 를 이만큼 기억해서 재전송을 걸러낸다
	DefaultDedupWindow = 4096
)

// Options 는 Handler 구성.
type Options struct {
	MaxBodySize  int64
	APIKey       string // 비어 있지 않으면 Authorization: Bearer 검사
	AllowPrivate bool   // loopback / private RemoteAddr 도 client ip 로 인정
	DedupWindow  int

	Sink    Sink
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Handler
// ------------------------------------------------------------
// SDK 가 보내는 envelope 를 받는 로컬 수집 서버.
//
//  1. body 크기 제한 + BodyPool 버퍼 재사용
//  2. Content-Encoding: gzip 해제
//  3. Content-Type 으로 codec 선택 (json / cbor)
//  4. 압축된 full snapshot 을 풀어서 Sink 로 넘김
//  5. X-Batch-Id 가 최근에 본 값이면 200 만 돌려주고 버린다
type Handler struct {
	opts Options
	comp *compress.Compressor

	mu       sync.Mutex
	seen     map[string]struct{}
	seenFIFO []string
}

func NewHandler(opts Options) (*Handler, error) {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.Sink == nil {
		opts.Sink = NewMemorySink(0)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	// 해제는 framing 으로 판별하므로 알고리즘은 무엇이든 된다
	comp, err := compress.New(compress.Zlib)
	if err != nil {
		return nil, err
	}
	return &Handler{opts: opts, comp: comp, seen: make(map[string]struct{})}, nil
}

var (
	errMissingIdentity = errors.New("envelope: appId and sessionId are required")
)

// HandleCollect
//
// POST 외 메서드는 거절, OPTIONS 는 CORS preflight 로 보고 204.
func (h *Handler) HandleCollect(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	m := h.opts.Metrics
	atomic.AddInt64(&m.CollectorRequestsTotal, 1)

	if h.opts.APIKey != "" && r.Header.Get("Authorization") != "Bearer "+h.opts.APIKey {
		h.reject(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodySize)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, h.opts.MaxBodySize*2)

	var src io.Reader = r.Body
	if strings.EqualFold(strings.TrimSpace(r.Header.Get("Content-Encoding")), "gzip") {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			h.reject(w, http.StatusBadRequest, "bad gzip body")
			return
		}
		defer zr.Close()
		// 압축 해제 후 크기도 제한한다
		src = io.LimitReader(zr, h.opts.MaxBodySize+1)
	}

	n, err := io.Copy(buf, src)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.reject(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		h.reject(w, http.StatusBadRequest, "read body failed")
		return
	}
	if n > h.opts.MaxBodySize {
		h.reject(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	// buf 는 pool 로 돌아가므로 디코딩 결과가 참조하지 않게 복사본을 쓴다
	body := append([]byte(nil), buf.Bytes()...)

	var env model.Envelope
	codec := delivery.CodecForContentType(r.Header.Get("Content-Type"))
	if err := codec.Decode(body, &env); err != nil {
		h.reject(w, http.StatusBadRequest, "malformed envelope")
		return
	}
	if env.Metadata.AppID == "" || env.Metadata.SessionID == "" {
		h.reject(w, http.StatusBadRequest, errMissingIdentity.Error())
		return
	}

	batchID := r.Header.Get(delivery.HeaderBatchID)
	if batchID != "" && !h.remember(batchID) {
		h.opts.Logger.Debug().Str("batch", batchID).Msg("duplicate batch ignored")
		w.WriteHeader(http.StatusOK)
		return
	}

	h.expand(env.Data.Events)

	rec := Received{
		Envelope:   env,
		BatchID:    batchID,
		SessionID:  r.Header.Get(delivery.HeaderSessionID),
		VisitorID:  r.Header.Get(delivery.HeaderVisitorID),
		ClientIP:   clientIP(r, h.opts.AllowPrivate),
		UserAgent:  r.UserAgent(),
		ReceivedAt: h.opts.Clock.Now(),
	}
	if err := h.opts.Sink.Accept(r.Context(), rec); err != nil {
		h.forget(batchID)
		h.opts.Logger.Error().Err(err).Msg("sink rejected envelope")
		h.reject(w, http.StatusServiceUnavailable, "sink unavailable")
		return
	}

	atomic.AddInt64(&m.CollectorEventsTotal, int64(len(env.Data.Events)))
	h.opts.Logger.Debug().
		Str("app", env.Metadata.AppID).
		Str("session", env.Metadata.SessionID).
		Int("events", len(env.Data.Events)).
		Str("ip", rec.ClientIP).
		Msg("envelope accepted")
	w.WriteHeader(http.StatusOK)
}

// expand 는 압축된 full snapshot 을 제자리에서 푼다. 실패한 이벤트는 그대로 둔다.
func (h *Handler) expand(events []model.Event) {
	for i := range events {
		if !events[i].IsCompressed {
			continue
		}
		ev, err := h.comp.Decompress(events[i])
		if err != nil {
			h.opts.Logger.Warn().Err(err).Uint64("index", events[i].EventIndex).Msg("snapshot decompress failed")
			continue
		}
		events[i] = ev
	}
}

// remember 는 처음 보는 id 면 기록하고 true.
func (h *Handler) remember(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.seen[id]; ok {
		return false
	}
	if len(h.seenFIFO) >= h.opts.DedupWindow {
		delete(h.seen, h.seenFIFO[0])
		h.seenFIFO = h.seenFIFO[1:]
	}
	h.seen[id] = struct{}{}
	h.seenFIFO = append(h.seenFIFO, id)
	return true
}

// forget 은 Sink 가 거절한 batch 를 재전송 가능하게 되돌린다.
func (h *Handler) forget(id string) {
	if id == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.seen, id)
	for i, v := range h.seenFIFO {
		if v == id {
			h.seenFIFO = append(h.seenFIFO[:i], h.seenFIFO[i+1:]...)
			break
		}
	}
}

func (h *Handler) reject(w http.ResponseWriter, status int, msg string) {
	atomic.AddInt64(&h.opts.Metrics.CollectorRejectedTotal, 1)
	http.Error(w, msg, status)
}

// HandleMetrics 는 카운터를 name=value 텍스트로 출력한다.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.opts.Metrics.String())
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// Routes returns a mux with /collect, /metrics and /health.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/collect", h.HandleCollect)
	mux.HandleFunc("/metrics", h.HandleMetrics)
	mux.HandleFunc("/health", h.HandleHealth)
	return mux
}
