package extract

import "strings"

// Values evaluates a dotted path against content. Arrays are flattened at
// every step, so "name.given" yields each given name of each HumanName. A
// segment may carry an equality filter on its elements, as in
// "telecom(system=email)".
func Values(content map[string]any, path string) []any {
	current := []any{content}
	for _, seg := range strings.Split(path, ".") {
		field, filterKey, filterVal := splitSegment(seg)
		var next []any
		for _, node := range current {
			m, ok := node.(map[string]any)
			if !ok {
				continue
			}
			v, ok := m[field]
			if !ok || v == nil {
				continue
			}
			for _, item := range flatten(v) {
				if filterKey != "" {
					im, ok := item.(map[string]any)
					if !ok {
						continue
					}
					if s, _ := im[filterKey].(string); s != filterVal {
						continue
					}
				}
				next = append(next, item)
			}
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return current
}

func splitSegment(seg string) (field, key, val string) {
	open := strings.IndexByte(seg, '(')
	if open < 0 || !strings.HasSuffix(seg, ")") {
		return seg, "", ""
	}
	field = seg[:open]
	cond := seg[open+1 : len(seg)-1]
	k, v, ok := strings.Cut(cond, "=")
	if !ok {
		return field, "", ""
	}
	return field, k, v
}

func flatten(v any) []any {
	if list, ok := v.([]any); ok {
		out := make([]any, 0, len(list))
		for _, item := range list {
			if item != nil {
				out = append(out, item)
			}
		}
		return out
	}
	return []any{v}
}
