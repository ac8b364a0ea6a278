package catalog

import "strings"

// splitPath splits a path into non-empty segments, so that "/a//b/" and
// "a/b" both yield ["a","b"].
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// matchPattern checks pattern (literal segments or ":name" placeholders)
// against path's segments. On success it returns the extracted path
// parameters and the number of literal (non-placeholder) segments matched,
// used by the caller to rank competing matches by specificity.
func matchPattern(pattern, path string) (params map[string]string, literalSegments int, ok bool) {
	patSegs := splitPath(pattern)
	pathSegs := splitPath(path)
	if len(patSegs) != len(pathSegs) {
		return nil, 0, false
	}

	params = make(map[string]string)
	for i, seg := range patSegs {
		if strings.HasPrefix(seg, ":") {
			params[seg[1:]] = pathSegs[i]
			continue
		}
		if seg != pathSegs[i] {
			return nil, 0, false
		}
		literalSegments++
	}
	return params, literalSegments, true
}

// selectBestMatch picks the most specific endpoint whose pattern matches
// path among candidates, applying the most-specific-wins rule with a
// deterministic tie-break: more literal segments wins; ties are broken by
// comparing the raw pattern string, then by endpoint id.
func selectBestMatch(candidates []*Endpoint, method, path string) (*Endpoint, map[string]string) {
	var (
		best        *Endpoint
		bestParams  map[string]string
		bestLiteral = -1
	)

	for _, ep := range candidates {
		if !strings.EqualFold(ep.Method, method) {
			continue
		}
		params, literal, ok := matchPattern(ep.ConsumerPathPattern, path)
		if !ok {
			continue
		}
		switch {
		case literal > bestLiteral:
			best, bestParams, bestLiteral = ep, params, literal
		case literal == bestLiteral && best != nil:
			if tieBreakWins(ep, best) {
				best, bestParams = ep, params
			}
		}
	}

	return best, bestParams
}

// tieBreakWins reports whether candidate should replace current under the
// deterministic tie-break: lexicographically smaller ConsumerPathPattern
// wins, then lexicographically smaller id.
func tieBreakWins(candidate, current *Endpoint) bool {
	if candidate.ConsumerPathPattern != current.ConsumerPathPattern {
		return candidate.ConsumerPathPattern < current.ConsumerPathPattern
	}
	return candidate.ID < current.ID
}
