package recordsdk

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/softprobe/record-sdk-go/internal/clock"
	"github.com/softprobe/record-sdk-go/internal/delivery"
	"github.com/softprobe/record-sdk-go/internal/identity"
	"github.com/softprobe/record-sdk-go/internal/model"
	"github.com/softprobe/record-sdk-go/internal/recorder"
	"github.com/softprobe/record-sdk-go/internal/tags"
)

// Option customizes collaborators that Config cannot express.
type Option func(*options)

// Compressor packs full snapshot payloads before they are queued. Other
// kinds must be returned unchanged. On error the SDK queues the original
// event.
type Compressor interface {
	Compress(ev model.Event) (model.Event, error)
}

type options struct {
	recorder   recorder.Recorder
	compressor Compressor
	sender     delivery.Sender
	store      identity.Store
	env        tags.EnvProvider
	clock      clock.Clock
	logger     *zerolog.Logger
	httpClient *http.Client
	jitter     func() float64
}

// WithRecorder attaches the recording engine. Without one, events arrive
// only through OnEvent.
func WithRecorder(r recorder.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithCompressor replaces the compressor selected by Config.Compression.
func WithCompressor(c Compressor) Option {
	return func(o *options) { o.compressor = c }
}

// WithSender replaces the HTTP or S3 sender selected by Config.
func WithSender(s delivery.Sender) Option {
	return func(o *options) { o.sender = s }
}

// WithVisitorStore replaces the store selected by Config.VisitorStore.
func WithVisitorStore(s identity.Store) Option {
	return func(o *options) { o.store = s }
}

// WithEnvProvider replaces the runtime tag source.
func WithEnvProvider(p tags.EnvProvider) Option {
	return func(o *options) { o.env = p }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithHTTPClient sets the client used by the default HTTP sender.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithJitter overrides the backoff jitter source. f must return values in
// [0.5, 1.0].
func WithJitter(f func() float64) Option {
	return func(o *options) { o.jitter = f }
}
