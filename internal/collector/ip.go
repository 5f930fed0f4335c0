package collector

import (
	"net"
	"net/http"
	"strings"
)

// ------------------------------------------------------------
// 클라이언트 IP 추출
//
// collector 가 LB / CDN 뒤에 있으면 RemoteAddr 는 프록시 주소다.
// 아래 순서로 가장 신뢰할 수 있는 public IP 를 고른다.
// ------------------------------------------------------------

// isPublicIP: private / loopback / link-local 이 아니면 true
func isPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsPrivate() {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return false
	}
	return true
}

func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// clientIP
//
// 우선순위:
//  1. X-Forwarded-For → 첫 번째 public IP
//  2. CloudFront-Viewer-Address → 포트 제거 후 IP
//  3. RemoteAddr (public 일 때만)
//
// 로컬 개발 환경(loopback)에서는 allowPrivate=true 로 RemoteAddr 를 그대로 쓴다.
func clientIP(r *http.Request, allowPrivate bool) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := safeParseIP(part); isPublicIP(ip) {
				return ip.String()
			}
		}
	}

	// 예: "203.0.113.55:44321" 또는 "2404:6800:4004::200e:44321"
	if cf := r.Header.Get("CloudFront-Viewer-Address"); cf != "" {
		host := cf
		if i := strings.LastIndex(cf, ":"); i != -1 {
			host = cf[:i]
		}
		if ip := safeParseIP(host); isPublicIP(ip) {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	ip := safeParseIP(host)
	if isPublicIP(ip) || (allowPrivate && ip != nil) {
		return ip.String()
	}
	return ""
}
