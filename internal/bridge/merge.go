package bridge

import (
	"slices"
	"strings"
)

// parseList reads a comma-separated string or a JSON list into trimmed,
// non-empty items.
func parseList(v any) []string {
	var raw []string
	switch x := v.(type) {
	case string:
		raw = strings.Split(x, ",")
	case []string:
		raw = x
	case []any:
		for _, item := range x {
			raw = append(raw, coerceString(item))
		}
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// union appends each item of add not already in base, preserving order and
// dropping duplicates from both.
func union(base, add []string) []string {
	seen := make(map[string]struct{}, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, list := range [][]string{base, add} {
		for _, item := range list {
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}

// mergeBlockedIPs merges add into a cached blocked-IP value and reports
// whether any address was new.
func mergeBlockedIPs(cached any, add []string) ([]string, bool) {
	base := union(nil, parseList(cached))
	merged := union(base, add)
	return merged, len(merged) != len(base)
}

// sameSet reports whether a and b hold the same distinct items.
func sameSet(a, b []string) bool {
	x, y := union(nil, a), union(nil, b)
	if len(x) != len(y) {
		return false
	}
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

// fieldKey returns the alias under which p carries a field, or fallback.
func fieldKey(p map[string]any, keys []string, fallback string) string {
	if _, key, ok := lookupRaw(p, keys); ok {
		return key
	}
	return fallback
}

// withShape renders items the way the device reported the original value:
// a comma-separated string stays a string.
func withShape(original any, items []string) any {
	if _, isString := original.(string); isString {
		return strings.Join(items, ",")
	}
	return items
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}
