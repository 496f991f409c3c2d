package breadcrumb

import (
	"strconv"
	"strings"
)

// Lookup resolves a context path like "$.tool_requests[0].tool" inside a
// JSON document. The leading "$" names the document itself and is optional;
// dots separate object keys; bracketed integers index into arrays.
//
// The second result is false whenever any hop is absent or the value at a
// hop has the wrong shape. A malformed path also reports false rather than
// an error: selectors treat unreachable paths as non-matches.
func Lookup(doc any, path string) (any, bool) {
	segs, ok := splitPath(path)
	if !ok {
		return nil, false
	}
	cur := doc
	for _, seg := range segs {
		if seg.key != "" {
			m, isMap := cur.(map[string]any)
			if !isMap {
				return nil, false
			}
			v, present := m[seg.key]
			if !present {
				return nil, false
			}
			cur = v
		}
		for _, idx := range seg.indexes {
			arr, isArr := cur.([]any)
			if !isArr || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
		}
	}
	return cur, true
}

type pathSegment struct {
	key     string
	indexes []int
}

func splitPath(path string) ([]pathSegment, bool) {
	path = strings.TrimSpace(path)
	if rest, ok := strings.CutPrefix(path, "$"); ok {
		path = strings.TrimPrefix(rest, ".")
		// "$" alone addresses the whole document.
		if path == "" {
			return nil, true
		}
	}
	if path == "" {
		return nil, false
	}

	parts := strings.Split(path, ".")
	segs := make([]pathSegment, 0, len(parts))
	for _, part := range parts {
		seg, ok := parseSegment(part)
		if !ok {
			return nil, false
		}
		segs = append(segs, seg)
	}
	return segs, true
}

// parseSegment handles "key", "key[0]", "key[0][1]" and bare "[0]" (an
// index hop on the current value, used right after "$").
func parseSegment(part string) (pathSegment, bool) {
	var seg pathSegment
	open := strings.IndexByte(part, '[')
	if open == -1 {
		if part == "" {
			return seg, false
		}
		seg.key = part
		return seg, true
	}
	seg.key = part[:open]
	rest := part[open:]
	for rest != "" {
		if rest[0] != '[' {
			return seg, false
		}
		end := strings.IndexByte(rest, ']')
		if end == -1 {
			return seg, false
		}
		idx, err := strconv.Atoi(rest[1:end])
		if err != nil {
			return seg, false
		}
		seg.indexes = append(seg.indexes, idx)
		rest = rest[end+1:]
	}
	return seg, true
}
