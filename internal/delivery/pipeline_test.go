package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/softprobe/record-sdk-go/internal/clock"
	"github.com/softprobe/record-sdk-go/internal/metrics"
	"github.com/softprobe/record-sdk-go/internal/model"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, p Payload) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

type staticIdentity struct{ session, visitor string }

func (s staticIdentity) SessionID() string { return s.session }
func (s staticIdentity) VisitorID() string { return s.visitor }

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testBatch() model.Batch {
	return model.Batch{
		Events: []model.Event{
			{Kind: model.KindMeta, Timestamp: 1, EventIndex: 1, Data: []byte(`{"href":"/"}`)},
			{Kind: model.KindIncrementalSnapshot, Timestamp: 2, EventIndex: 2, Data: []byte(`{"source":1}`)},
		},
		Mark: 2,
		Tags: model.Tags{"env": "test"},
	}
}

func newTestPipeline(sender Sender, clk clock.Clock, policy Policy) (*Pipeline, *metrics.Metrics) {
	m := metrics.New()
	return NewPipeline(Options{
		AppID:    "app-1",
		TenantID: "tenant-1",
		Identity: staticIdentity{"sess-1", "vid-1"},
		Sender:   sender,
		Policy:   policy,
		Clock:    clk,
		Jitter:   func() float64 { return 1.0 },
		Metrics:  m,
		Logger:   zerolog.Nop(),
	}), m
}

func TestPipeline_SuccessFirstAttempt(t *testing.T) {
	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.MatchedBy(func(p Payload) bool {
		return p.EventCount == 2 && p.SessionID == "sess-1" && p.VisitorID == "vid-1" && p.BatchID != ""
	})).Return(nil).Once()

	p, m := newTestPipeline(sender, clock.Fake(epoch), DefaultPolicy())
	res := p.Deliver(context.Background(), testBatch())

	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(2), m.EventsDeliveredTotal)
	sender.AssertExpectations(t)
}

func TestPipeline_RetriesWithBackoffThenSucceeds(t *testing.T) {
	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything).Return(&StatusError{StatusCode: 503}).Twice()
	sender.On("Send", mock.Anything, mock.Anything).Return(nil).Once()

	clk := clock.Fake(epoch)
	p, _ := newTestPipeline(sender, clk, DefaultPolicy())

	done := make(chan Result, 1)
	go func() { done <- p.Deliver(context.Background(), testBatch()) }()

	// 1차 실패 → 1s 대기
	clk.WaitForTimers(1)
	clk.Advance(999 * time.Millisecond)
	sender.AssertNumberOfCalls(t, "Send", 1)
	clk.Advance(time.Millisecond)

	// 2차 실패 → 2s 대기
	clk.WaitForTimers(1)
	clk.Advance(1999 * time.Millisecond)
	sender.AssertNumberOfCalls(t, "Send", 2)
	clk.Advance(time.Millisecond)

	select {
	case res := <-done:
		assert.Equal(t, Success, res.Outcome)
		assert.Equal(t, 3, res.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("deliver did not finish")
	}
	sender.AssertExpectations(t)
}

func TestPipeline_ExhaustionIsFailed(t *testing.T) {
	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything).Return(&StatusError{StatusCode: 500, Body: "boom"})

	clk := clock.Fake(epoch)
	p, m := newTestPipeline(sender, clk, DefaultPolicy())

	done := make(chan Result, 1)
	go func() { done <- p.Deliver(context.Background(), testBatch()) }()

	for i := 0; i < DefaultMaxRetries-1; i++ {
		clk.WaitForTimers(1)
		clk.Advance(DefaultMaxDelay)
	}

	res := <-done
	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, DefaultMaxRetries, res.Attempts)

	var se *StatusError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, 500, se.StatusCode)

	sender.AssertNumberOfCalls(t, "Send", DefaultMaxRetries)
	assert.Equal(t, int64(DefaultMaxRetries), m.SendErrorsTotal)
	assert.Equal(t, int64(1), m.FlushFailedTotal)
}

func TestPipeline_ShouldRetryFalseStopsImmediately(t *testing.T) {
	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything).Return(&StatusError{StatusCode: 400})

	policy := DefaultPolicy()
	policy.ShouldRetry = func(err error) bool {
		var se *StatusError
		return !(errors.As(err, &se) && se.StatusCode < 500)
	}
	p, _ := newTestPipeline(sender, clock.Fake(epoch), policy)

	res := p.Deliver(context.Background(), testBatch())
	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
}

func TestPipeline_CancelDuringBackoff(t *testing.T) {
	sender := new(MockSender)
	sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	clk := clock.Fake(epoch)
	p, _ := newTestPipeline(sender, clk, DefaultPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- p.Deliver(ctx, testBatch()) }()

	clk.WaitForTimers(1)
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, Failed, res.Outcome)
		assert.Equal(t, 1, res.Attempts)
		assert.EqualError(t, res.Err, "connection refused")
	case <-time.After(2 * time.Second):
		t.Fatal("deliver ignored cancellation")
	}
}

func TestPipeline_SenderPanicIsContained(t *testing.T) {
	sender := SenderFunc(func(context.Context, Payload) error { panic("bad transport") })
	p, _ := newTestPipeline(sender, clock.Fake(epoch), DefaultPolicy())

	var res Result
	assert.NotPanics(t, func() { res = p.Deliver(context.Background(), testBatch()) })
	assert.Equal(t, Failed, res.Outcome)
	assert.Error(t, res.Err)
}

func TestPipeline_NoSender(t *testing.T) {
	p, _ := newTestPipeline(nil, clock.Fake(epoch), DefaultPolicy())
	res := p.Deliver(context.Background(), testBatch())
	assert.Equal(t, Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrNoSender)
}

func TestPolicy_DelayBounds(t *testing.T) {
	p := DefaultPolicy()
	for n := 1; n <= 8; n++ {
		for _, j := range []float64{0.5, 0.75, 1.0} {
			d := p.Delay(n, j)
			base := float64(p.InitialDelay) * pow(p.BackoffFactor, n-1)
			assert.LessOrEqual(t, d, p.MaxDelay)
			if base*j <= float64(p.MaxDelay) {
				assert.Equal(t, time.Duration(base*j), d)
				assert.GreaterOrEqual(t, float64(d), base*0.5)
			}
		}
	}
	assert.Equal(t, time.Second, p.Delay(1, 1.0))
	assert.Equal(t, 500*time.Millisecond, p.Delay(1, 0.5))
	assert.Equal(t, 4*time.Second, p.Delay(3, 1.0))
	assert.Equal(t, 10*time.Second, p.Delay(5, 1.0))
}

func pow(b float64, n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= b
	}
	return out
}

func TestDefaultJitterRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		j := defaultJitter()
		require.GreaterOrEqual(t, j, 0.5)
		require.LessOrEqual(t, j, 1.0)
	}
}

func TestPipeline_EnvelopeShape(t *testing.T) {
	p, _ := newTestPipeline(new(MockSender), clock.Fake(epoch), DefaultPolicy())
	payload, err := p.Encode(testBatch())
	require.NoError(t, err)
	assert.Equal(t, "application/json", payload.ContentType)

	var got map[string]any
	require.NoError(t, json.Unmarshal(payload.Body, &got))

	meta := got["metadata"].(map[string]any)
	assert.Equal(t, "app-1", meta["appId"])
	assert.Equal(t, "sess-1", meta["sessionId"])
	assert.Equal(t, "tenant-1", meta["tenantId"])
	assert.Equal(t, map[string]any{"env": "test"}, meta["tags"])

	events := got["data"].(map[string]any)["events"].([]any)
	assert.Len(t, events, 2)
}

func TestPipeline_GzipKeepsBatchID(t *testing.T) {
	plain, _ := newTestPipeline(new(MockSender), clock.Fake(epoch), DefaultPolicy())
	gz := NewPipeline(Options{
		AppID:    "app-1",
		TenantID: "tenant-1",
		Identity: staticIdentity{"sess-1", "vid-1"},
		GzipBody: true,
	})

	a, err := plain.Encode(testBatch())
	require.NoError(t, err)
	b, err := gz.Encode(testBatch())
	require.NoError(t, err)

	assert.Equal(t, "gzip", b.ContentEncoding)
	assert.Equal(t, a.BatchID, b.BatchID)
	assert.Equal(t, []byte{0x1f, 0x8b}, b.Body[:2])
}
