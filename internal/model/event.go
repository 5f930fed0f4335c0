// internal/model/event.go
package model

import (
	json "github.com/goccy/go-json"
)

// EventKind
// ------------------------------------------------------------
// 녹화 엔진이 부여하는 이벤트 종류 번호.
// 엔진의 번호 체계를 그대로 따른다 (서버 replay 가 같은 값을 기대함).
type EventKind int

const (
	KindDomContentLoaded    EventKind = 0
	KindLoad                EventKind = 1
	KindFullSnapshot        EventKind = 2
	KindIncrementalSnapshot EventKind = 3
	KindMeta                EventKind = 4
	KindCustom              EventKind = 5
	KindPlugin              EventKind = 6
)

func (k EventKind) String() string {
	switch k {
	case KindDomContentLoaded:
		return "dom_content_loaded"
	case KindLoad:
		return "load"
	case KindFullSnapshot:
		return "full_snapshot"
	case KindIncrementalSnapshot:
		return "incremental_snapshot"
	case KindMeta:
		return "meta"
	case KindCustom:
		return "custom"
	case KindPlugin:
		return "plugin"
	default:
		return "unknown"
	}
}

// Event
// ------------------------------------------------------------
// 녹화 엔진이 emit 하는 단일 이벤트.
// SDK → Queue → Batch → Envelope 까지 값(value) 그대로 전달된다.
//
// Data 는 엔진이 만든 구조화된 payload(JSON) 이며,
// full snapshot 이 압축되면 Data 는 base64 문자열(JSON string)이 되고
// IsCompressed=true 로 표시된다.
//
// Queue 에 들어간 이후에는 절대 수정하지 않는다.
type Event struct {
	Kind         EventKind       `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    int64           `json:"timestamp"`            // epoch milliseconds
	EventIndex   uint64          `json:"eventIndex,omitempty"` // SDK 인스턴스 내 단조 증가 번호
	IsCompressed bool            `json:"isCompressed,omitempty"`
}

// Batch
// ------------------------------------------------------------
// flush 시점에 Queue 에서 원자적으로 꺼낸 이벤트 묶음.
// Mark 는 drain 시점까지 enqueue 된 누적 개수이며,
// 전송 성공 시 dirty 플래그를 어디까지 지울지 결정하는 데 쓰인다.
type Batch struct {
	Events []Event
	Mark   uint64
	Tags   Tags
}

// Len returns the number of events in the batch.
func (b Batch) Len() int { return len(b.Events) }

// Tags 는 배치 단위 메타데이터. 값은 primitive 또는 map[string]any.
// "ext" 키는 확장 필드로, merge 시 key 단위로 병합된다.
type Tags map[string]any

// ExtKey 는 확장 sub-map 의 키.
const ExtKey = "ext"

// Envelope
// ------------------------------------------------------------
// 수집 서버로 전송되는 본문.
//
//	{ "metadata": {appId, sessionId, tenantId, tags}, "data": {events} }
type Envelope struct {
	Metadata Metadata     `json:"metadata"`
	Data     EnvelopeData `json:"data"`
}

type Metadata struct {
	AppID     string `json:"appId"`
	SessionID string `json:"sessionId"`
	TenantID  string `json:"tenantId"`
	Tags      Tags   `json:"tags"`
}

type EnvelopeData struct {
	Events []Event `json:"events"`
}
