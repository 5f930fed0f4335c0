// internal/tags/merge.go
package tags

import (
	"github.com/softprobe/record-sdk-go/internal/model"
)

// Merge
// ------------------------------------------------------------
// flush 한 번에 붙일 태그 집합을 만든다. 순수 함수이며 입력은 건드리지 않는다.
//
// 레이어 순서 (뒤가 이김):
//
//	base(SDK 기본) → env(런타임 정보) → override(flush 별)
//
// ext 하위 맵은 통째로 교체하지 않고 같은 순서로 key 단위 병합한다.
// 마지막으로 replacers 가 "이미 있는 key" 만, "빈 값이 아닐 때" 덮어쓴다.
func Merge(base, override, env model.Tags, replacers map[string]string) model.Tags {
	out := make(model.Tags, len(base)+len(env)+len(override))
	var ext map[string]any

	for _, layer := range []model.Tags{base, env, override} {
		for k, v := range layer {
			if k == model.ExtKey {
				if sub, ok := asMap(v); ok {
					if ext == nil {
						ext = make(map[string]any, len(sub))
					}
					for sk, sv := range sub {
						ext[sk] = sv
					}
					continue
				}
			}
			out[k] = copyValue(v)
		}
	}
	if ext != nil {
		out[model.ExtKey] = ext
	}

	for k, v := range replacers {
		if v == "" {
			continue
		}
		if _, ok := out[k]; ok {
			out[k] = v
		}
	}
	return out
}

// asMap 은 ext 로 허용되는 두 가지 형태를 map[string]any 로 본다.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case model.Tags:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

// copyValue 는 하위 맵을 복사해 결과가 입력과 aliasing 되지 않게 한다.
func copyValue(v any) any {
	switch m := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(m))
		for k, sv := range m {
			out[k] = copyValue(sv)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out
	}
	return v
}

// Apply returns current with next layered on top, or next alone when
// replace is set. Used by SDK-level SetTags.
func Apply(current, next model.Tags, replace bool) model.Tags {
	if replace {
		return Merge(nil, next, nil, nil)
	}
	return Merge(current, next, nil, nil)
}
