// internal/identity/identity.go
package identity

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// VisitorKey 는 방문자 id 가 저장되는 고정 key (쿠키 이름과 동일).
	VisitorKey = "_sp_vid"

	// VisitorTTL: 저장소가 허용하는 한 가장 긴 수명 (1년).
	VisitorTTL = 365 * 24 * time.Hour
)

// NewID returns a random UUID v4 string backed by crypto/rand.
func NewID() string {
	return uuid.NewString()
}

// Provider
// ------------------------------------------------------------
// SDK 인스턴스 하나의 세션 id / 방문자 id 를 관리한다.
//   - 세션 id: 생성 시점에 1회 발급, 인스턴스 수명 동안 불변
//   - 방문자 id: Store 에서 읽고, 없으면 발급 후 저장
//
// Store 실패는 warn 로그만 남기고 메모리 값으로 계속 진행한다.
type Provider struct {
	sessionID string
	store     Store
	scope     Scope
	log       zerolog.Logger

	mu      sync.Mutex
	visitor string
}

// NewProvider creates a provider. A nil store falls back to a MemoryStore.
// endpoint is the delivery URL whose registrable domain scopes the visitor
// id.
func NewProvider(store Store, endpoint string, log zerolog.Logger) *Provider {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Provider{
		sessionID: NewID(),
		store:     store,
		scope:     ScopeFor(endpoint),
		log:       log,
	}
}

func (p *Provider) SessionID() string { return p.sessionID }

func (p *Provider) Scope() Scope { return p.scope }

// VisitorID returns the durable visitor id, creating and persisting one on
// first use. The result is cached for the life of the provider.
func (p *Provider) VisitorID() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.visitor != "" {
		return p.visitor
	}

	v, ok, err := p.store.Read(VisitorKey)
	if err != nil {
		p.log.Warn().Err(err).Msg("visitor id read failed")
	}
	if ok && v != "" {
		p.visitor = v
		return v
	}

	v = NewID()
	if err := p.store.Write(VisitorKey, v, VisitorTTL, p.scope); err != nil {
		p.log.Warn().Err(err).Str("scope", p.scope.Domain).Msg("visitor id persist failed")
	}
	p.visitor = v
	return v
}
