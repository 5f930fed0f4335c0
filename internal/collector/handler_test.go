package collector

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softprobe/record-sdk-go/internal/clock"
	"github.com/softprobe/record-sdk-go/internal/compress"
	"github.com/softprobe/record-sdk-go/internal/delivery"
	"github.com/softprobe/record-sdk-go/internal/metrics"
	"github.com/softprobe/record-sdk-go/internal/model"
	"github.com/softprobe/record-sdk-go/internal/spool"
)

var epoch = time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC)

type staticIdentity struct{}

func (staticIdentity) SessionID() string { return "sess-1" }
func (staticIdentity) VisitorID() string { return "vid-1" }

func newServer(t *testing.T, opts Options) (*Handler, *httptest.Server) {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clock.Fake(epoch)
	}
	opts.Logger = zerolog.Nop()
	h, err := NewHandler(opts)
	require.NoError(t, err)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return h, srv
}

func pipelineTo(t *testing.T, url string, codec delivery.Codec, gzipBody bool) *delivery.Pipeline {
	t.Helper()
	sender, err := delivery.NewHTTPSender(delivery.HTTPConfig{URL: url + "/collect", APIKey: "key", TenantID: "tenant", Timeout: time.Second})
	require.NoError(t, err)
	return delivery.NewPipeline(delivery.Options{
		AppID:    "app",
		TenantID: "tenant",
		Identity: staticIdentity{},
		Sender:   sender,
		Codec:    codec,
		GzipBody: gzipBody,
		Policy:   delivery.Policy{MaxRetries: 1},
		Logger:   zerolog.Nop(),
	})
}

func snapshotBatch(t *testing.T) model.Batch {
	t.Helper()
	c, err := compress.New(compress.Zstd)
	require.NoError(t, err)
	full, err := c.Compress(model.Event{Kind: model.KindFullSnapshot, Data: []byte(`{"node":{"id":1}}`), Timestamp: 1, EventIndex: 1})
	require.NoError(t, err)
	require.True(t, full.IsCompressed)

	return model.Batch{
		Events: []model.Event{
			full,
			{Kind: model.KindIncrementalSnapshot, Data: []byte(`{"source":2}`), Timestamp: 2, EventIndex: 2},
		},
		Tags: model.Tags{"env": "test"},
	}
}

func TestCollect_EndToEnd(t *testing.T) {
	codecs := []struct {
		name  string
		codec delivery.Codec
		gzip  bool
	}{
		{"json", delivery.JSONCodec{}, false},
		{"json gzip", delivery.JSONCodec{}, true},
		{"cbor gzip", delivery.CBORCodec{}, true},
	}
	for _, tc := range codecs {
		t.Run(tc.name, func(t *testing.T) {
			sink := NewMemorySink(10)
			m := metrics.New()
			_, srv := newServer(t, Options{Sink: sink, APIKey: "key", AllowPrivate: true, Metrics: m})

			res := pipelineTo(t, srv.URL, tc.codec, tc.gzip).Deliver(context.Background(), snapshotBatch(t))
			require.Equal(t, delivery.Success, res.Outcome, "%v", res.Err)

			all := sink.All()
			require.Len(t, all, 1)
			got := all[0]
			assert.Equal(t, "app", got.Envelope.Metadata.AppID)
			assert.Equal(t, "sess-1", got.Envelope.Metadata.SessionID)
			assert.Equal(t, "tenant", got.Envelope.Metadata.TenantID)
			assert.Equal(t, "test", got.Envelope.Metadata.Tags["env"])
			assert.Equal(t, "sess-1", got.SessionID)
			assert.Equal(t, "vid-1", got.VisitorID)
			assert.NotEmpty(t, got.BatchID)
			assert.Equal(t, "127.0.0.1", got.ClientIP)
			assert.Equal(t, epoch, got.ReceivedAt)

			events := sink.Events()
			require.Len(t, events, 2)
			assert.False(t, events[0].IsCompressed)
			assert.JSONEq(t, `{"node":{"id":1}}`, string(events[0].Data))
			assert.Equal(t, int64(2), atomic.LoadInt64(&m.CollectorEventsTotal))
		})
	}
}

func TestCollect_DuplicateBatchAcceptedOnce(t *testing.T) {
	sink := NewMemorySink(10)
	_, srv := newServer(t, Options{Sink: sink})
	p := pipelineTo(t, srv.URL, nil, false)
	b := snapshotBatch(t)

	require.Equal(t, delivery.Success, p.Deliver(context.Background(), b).Outcome)
	require.Equal(t, delivery.Success, p.Deliver(context.Background(), b).Outcome)
	assert.Len(t, sink.All(), 1)
}

type failingSink struct{ calls int32 }

func (f *failingSink) Accept(context.Context, Received) error {
	atomic.AddInt32(&f.calls, 1)
	return errors.New("disk full")
}

func TestCollect_SinkFailureIsRetryable(t *testing.T) {
	sink := &failingSink{}
	m := metrics.New()
	_, srv := newServer(t, Options{Sink: sink, Metrics: m})
	p := pipelineTo(t, srv.URL, nil, false)
	b := snapshotBatch(t)

	res := p.Deliver(context.Background(), b)
	assert.Equal(t, delivery.Failed, res.Outcome)
	var se *delivery.StatusError
	require.True(t, errors.As(res.Err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)

	// 거절된 batch id 는 기억하지 않는다
	p.Deliver(context.Background(), b)
	assert.Equal(t, int32(2), atomic.LoadInt32(&sink.calls))
	assert.Equal(t, int64(2), atomic.LoadInt64(&m.CollectorRejectedTotal))
}

func TestCollect_Rejections(t *testing.T) {
	_, srv := newServer(t, Options{APIKey: "key", MaxBodySize: 64})

	post := func(body, auth, ct string) int {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/collect", strings.NewReader(body))
		require.NoError(t, err)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		req.Header.Set("Content-Type", ct)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, post(`{}`, "", "application/json"))
	assert.Equal(t, http.StatusBadRequest, post(`{`, "Bearer key", "application/json"))
	assert.Equal(t, http.StatusBadRequest, post(`{"metadata":{"appId":"a"}}`, "Bearer key", "application/json"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, post(strings.Repeat("x", 200), "Bearer key", "application/json"))

	resp, err := http.Get(srv.URL + "/collect")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/collect", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCollect_MetricsAndHealth(t *testing.T) {
	_, srv := newServer(t, Options{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", buf.String())

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	buf.Reset()
	_, _ = buf.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Contains(t, buf.String(), "collector_requests_total=")
}

func TestDirSink_WritesPartitionedFile(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewDirSink(dir)
	require.NoError(t, err)

	rec := Received{
		Envelope: model.Envelope{
			Metadata: model.Metadata{AppID: "app", SessionID: "sess"},
			Data:     model.EnvelopeData{Events: snapshotBatch(t).Events},
		},
		ReceivedAt: epoch,
	}
	require.NoError(t, sink.Accept(context.Background(), rec))

	matches, err := filepath.Glob(filepath.Join(dir, "app", "dt=2026-04-01", "hr=08", "*.jsonl.gz"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()
	events, err := spool.DecodeJSONLGZ(f)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		xff     string
		cf      string
		remote  string
		private bool
		want    string
	}{
		{"xff first public", "10.0.0.1, 203.0.113.7", "", "10.0.0.2:1", false, "203.0.113.7"},
		{"cloudfront", "", "198.51.100.9:4431", "10.0.0.2:1", false, "198.51.100.9"},
		{"remote public", "", "", "203.0.113.8:55", false, "203.0.113.8"},
		{"remote private", "", "", "127.0.0.1:55", false, ""},
		{"remote private allowed", "", "", "127.0.0.1:55", true, "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/collect", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.cf != "" {
				r.Header.Set("CloudFront-Viewer-Address", tt.cf)
			}
			assert.Equal(t, tt.want, clientIP(r, tt.private))
		})
	}
}
