// internal/identity/scope.go
package identity

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Scope 는 방문자 id 를 공유할 도메인 범위.
//   - Domain:    ".example.com" 형태. 비어 있으면 host-only
//   - CrossSite: SameSite=None; Secure 속성을 붙일지 여부
type Scope struct {
	Domain    string
	CrossSite bool
}

// IsLocal reports whether the scope was derived from a development host.
func (s Scope) IsLocal() bool { return s.Domain == "" && !s.CrossSite }

// ScopeFor derives the visitor scope from the delivery endpoint.
//
// 규칙:
//   - localhost, *.localhost, loopback/사설 IP → 범위 없음 (개발 환경)
//   - 그 외 IP 리터럴, 점 없는 호스트 → Domain 없이 CrossSite 만
//   - 그 외 → "." + eTLD+1 (publicsuffix 목록 기준)
//   - publicsuffix 판단 실패 → 마지막 두 label
func ScopeFor(endpoint string) Scope {
	host := hostOf(endpoint)
	if isLocalHost(host) {
		return Scope{}
	}
	// IP 주소와 점 없는 호스트는 Domain 속성을 가질 수 없다
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return Scope{CrossSite: true}
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil || domain == "" {
		domain = lastLabels(host, 2)
	}
	return Scope{Domain: "." + domain, CrossSite: true}
}

func hostOf(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
}

func isLocalHost(host string) bool {
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast())
}

func lastLabels(host string, n int) string {
	parts := strings.Split(host, ".")
	if len(parts) <= n {
		return host
	}
	return strings.Join(parts[len(parts)-n:], ".")
}

// CookieLine formats a Set-Cookie header value that persists name=value
// for ttl within scope. Hosts that keep the visitor id in a browser cookie
// hand this string to their HTTP layer.
func CookieLine(name, value string, ttl time.Duration, scope Scope) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s=%s; Max-Age=%d; Path=/", name, url.QueryEscape(value), int64(ttl/time.Second))
	if scope.Domain != "" {
		sb.WriteString("; Domain=")
		sb.WriteString(scope.Domain)
	}
	if scope.CrossSite {
		sb.WriteString("; SameSite=None; Secure")
	}
	return sb.String()
}
