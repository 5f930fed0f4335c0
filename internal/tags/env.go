// internal/tags/env.go
package tags

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/softprobe/record-sdk-go/internal/model"
)

// 런타임 정보 태그 key. 수집 서버와 약속된 이름이다.
const (
	KeyUA             = "_sp_ua"
	KeyURL            = "_sp_url"
	KeySearch         = "_sp_search"
	KeyReferer        = "_sp_referer"
	KeyOS             = "_sp_os"
	KeyOSVersion      = "_sp_osVersion"
	KeyBrowser        = "_sp_browser"
	KeyBrowserVersion = "_sp_browserVersion"
	KeyCPU            = "_sp_cpu"
	KeyDevice         = "_sp_device"
	KeyWidth          = "_sp_width"
	KeyHeight         = "_sp_height"
	KeyScrollWidth    = "_sp_scrollWidth"
	KeyScrollHeight   = "_sp_scrollHeight"
	KeyVisitorID      = "_sp_vid"
)

const unknown = "Unknown"

// EnvProvider 는 호스트 환경에서 얻은 사실(UA, OS, 화면 크기 등)을 돌려준다.
type EnvProvider interface {
	SystemInfo() (model.Tags, error)
}

// RuntimeEnv
// ------------------------------------------------------------
// Go 런타임에서 얻을 수 있는 값으로 채우는 기본 EnvProvider.
// 브라우저가 없으므로 browser 는 "go", device 는 "server" 로 보고한다.
// 호스트가 알고 있는 값은 필드로 넣거나 replacers 로 덮어쓴다.
type RuntimeEnv struct {
	SDKVersion string
	URL        string
	Referer    string
	OSVersion  string
	Width      int
	Height     int
	VisitorID  func() string
}

func (e RuntimeEnv) SystemInfo() (model.Tags, error) {
	host, err := os.Hostname()
	if err != nil {
		host = unknown
	}
	url := e.URL
	if url == "" {
		url = host
	}

	var referer any
	if e.Referer != "" {
		referer = e.Referer
	}

	osVersion := e.OSVersion
	if osVersion == "" {
		osVersion = unknown
	}

	vid := ""
	if e.VisitorID != nil {
		vid = e.VisitorID()
	}

	return model.Tags{
		KeyUA:             fmt.Sprintf("record-sdk-go/%s (%s; %s) %s", e.SDKVersion, runtime.GOOS, runtime.GOARCH, runtime.Version()),
		KeyURL:            url,
		KeySearch:         "",
		KeyReferer:        referer,
		KeyOS:             runtime.GOOS,
		KeyOSVersion:      osVersion,
		KeyBrowser:        "go",
		KeyBrowserVersion: runtime.Version(),
		KeyCPU:            runtime.GOARCH,
		KeyDevice:         "server",
		KeyWidth:          e.Width,
		KeyHeight:         e.Height,
		KeyScrollWidth:    e.Width,
		KeyScrollHeight:   e.Height,
		KeyVisitorID:      vid,
	}, nil
}

// Cached wraps an EnvProvider so SystemInfo is computed at most once
// successfully. A failed attempt is logged and retried on the next call;
// until then the env layer is empty.
type Cached struct {
	inner EnvProvider
	log   zerolog.Logger

	mu   sync.Mutex
	tags model.Tags
	ok   bool
}

func NewCached(inner EnvProvider, log zerolog.Logger) *Cached {
	return &Cached{inner: inner, log: log}
}

// Tags returns the cached env layer, or nil when it could not be computed.
func (c *Cached) Tags() model.Tags {
	if c == nil || c.inner == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ok {
		return c.tags
	}

	t, err := c.inner.SystemInfo()
	if err != nil {
		c.log.Warn().Err(err).Msg("system info unavailable, env tags skipped")
		return nil
	}
	c.tags, c.ok = t, true
	return t
}
