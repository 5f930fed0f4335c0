// internal/delivery/http.go
package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// 수집 서버와 약속된 요청 헤더.
const (
	HeaderSessionID = "_sp_session_id"
	HeaderVisitorID = "_sp_vid"
	HeaderTenantID  = "X-Tenant-Id"
	HeaderBatchID   = "X-Batch-Id"
)

// 에러 응답 body 는 로그용으로 앞부분만 읽는다.
const maxErrorBody = 512

// HTTPConfig 는 HTTPSender 구성.
type HTTPConfig struct {
	URL      string
	APIKey   string
	TenantID string
	Timeout  time.Duration // attempt 1회당
	Proxy    string        // "" | http(s)://host:port | socks5://host:port | host:port
	Client   *http.Client  // 주어지면 Timeout/Proxy 대신 그대로 사용 (테스트용)
}

// HTTPSender
// ------------------------------------------------------------
// attempt 1회 = POST 1회.
//   - 2xx 이면 nil
//   - 그 외 상태코드는 *StatusError
//   - transport 오류는 그대로 반환
type HTTPSender struct {
	url      string
	apiKey   string
	tenantID string
	client   *http.Client
}

func NewHTTPSender(cfg HTTPConfig) (*HTTPSender, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("delivery: empty endpoint url")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("delivery: endpoint url: %w", err)
	}

	client := cfg.Client
	if client == nil {
		var err error
		client, err = newHTTPClient(cfg.Timeout, cfg.Proxy)
		if err != nil {
			return nil, err
		}
	}

	return &HTTPSender{
		url:      cfg.URL,
		apiKey:   cfg.APIKey,
		tenantID: cfg.TenantID,
		client:   client,
	}, nil
}

// newHTTPClient 는 http/https 프록시는 Transport.Proxy 로,
// 그 외 스킴(socks5 등)은 x/net/proxy dialer 로 터널링한다.
func newHTTPClient(timeout time.Duration, proxyAddr string) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
	}

	if proxyAddr != "" {
		u, err := parseProxy(proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("delivery: proxy: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		default:
			pd, err := proxy.FromURL(u, dialer)
			if err != nil {
				return nil, fmt.Errorf("delivery: proxy: %w", err)
			}
			transport.Proxy = nil
			if cd, ok := pd.(proxy.ContextDialer); ok {
				transport.DialContext = cd.DialContext
			} else {
				transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
					return pd.Dial(network, addr)
				}
			}
		}
	}

	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// parseProxy 는 스킴이 없는 주소를 http 프록시로 간주한다.
func parseProxy(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || !strings.Contains(raw, "://") {
		if hu, herr := url.Parse("http://" + raw); herr == nil {
			return hu, nil
		}
	}
	return u, err
}

func (s *HTTPSender) Send(ctx context.Context, p Payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(p.Body))
	if err != nil {
		return fmt.Errorf("delivery: build request: %w", err)
	}

	req.Header.Set("Content-Type", p.ContentType)
	if p.ContentEncoding != "" {
		req.Header.Set("Content-Encoding", p.ContentEncoding)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	if s.tenantID != "" {
		req.Header.Set(HeaderTenantID, s.tenantID)
	}
	if p.SessionID != "" {
		req.Header[HeaderSessionID] = []string{p.SessionID}
	}
	if p.VisitorID != "" {
		req.Header[HeaderVisitorID] = []string{p.VisitorID}
	}
	if p.BatchID != "" {
		req.Header.Set(HeaderBatchID, p.BatchID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
