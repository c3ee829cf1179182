package merge

import (
	"regexp"
	"sort"
	"strings"
)

var funcHeader = regexp.MustCompile(`(?m)^[ \t]*(?:func|function)\s+(?:\([^)]*\)\s*)?([A-Za-z_]\w*)`)

// span is a named function's extent within a source text.
type span struct {
	name  string
	start int
	end   int
}

// semanticMerge attempts a coarser merge at function granularity. It
// only applies when base, local and remote declare the same set of
// functions, the text outside those functions is untouched on both
// sides, and no single function was rewritten differently by both. Any
// other shape reports not applicable and the caller falls through to
// manual resolution.
func semanticMerge(base, local, remote string) (Resolution, bool) {
	baseSpans, ok := extractFunctions(base)
	if !ok || len(baseSpans) == 0 {
		return Resolution{}, false
	}
	localSpans, ok := extractFunctions(local)
	if !ok {
		return Resolution{}, false
	}
	remoteSpans, ok := extractFunctions(remote)
	if !ok {
		return Resolution{}, false
	}
	if !sameNames(baseSpans, localSpans) || !sameNames(baseSpans, remoteSpans) {
		return Resolution{}, false
	}
	if outsideText(base, baseSpans) != outsideText(local, localSpans) ||
		outsideText(base, baseSpans) != outsideText(remote, remoteSpans) {
		return Resolution{}, false
	}

	localByName := byName(local, localSpans)
	remoteByName := byName(remote, remoteSpans)

	var out strings.Builder
	prev := 0
	for _, s := range baseSpans {
		out.WriteString(base[prev:s.start])
		baseBody := base[s.start:s.end]
		lb, rb := localByName[s.name], remoteByName[s.name]
		switch {
		case lb != baseBody && rb != baseBody && lb != rb:
			return Resolution{}, false
		case lb != baseBody:
			out.WriteString(lb)
		case rb != baseBody:
			out.WriteString(rb)
		default:
			out.WriteString(baseBody)
		}
		prev = s.end
	}
	out.WriteString(base[prev:])

	return Resolution{OK: true, Content: out.String(), Method: MethodSemantic}, true
}

// extractFunctions locates every function declaration and its
// brace-balanced body. Unbalanced braces fail the extraction.
func extractFunctions(text string) ([]span, bool) {
	matches := funcHeader.FindAllStringSubmatchIndex(text, -1)
	spans := make([]span, 0, len(matches))
	for _, m := range matches {
		open := strings.IndexByte(text[m[0]:], '{')
		if open < 0 {
			return nil, false
		}
		end, ok := matchBrace(text, m[0]+open)
		if !ok {
			return nil, false
		}
		spans = append(spans, span{
			name:  text[m[2]:m[3]],
			start: m[0],
			end:   end,
		})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return nil, false
		}
	}
	return spans, true
}

// matchBrace returns the index just past the brace matching the one at
// open.
func matchBrace(text string, open int) (int, bool) {
	depth := 0
	for i := open; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func sameNames(a, b []span) bool {
	if len(a) != len(b) {
		return false
	}
	names := make(map[string]int, len(a))
	for _, s := range a {
		names[s.name]++
	}
	for _, s := range b {
		names[s.name]--
		if names[s.name] < 0 {
			return false
		}
	}
	return true
}

// outsideText concatenates everything not covered by a function span.
func outsideText(text string, spans []span) string {
	var out strings.Builder
	prev := 0
	for _, s := range spans {
		out.WriteString(text[prev:s.start])
		prev = s.end
	}
	out.WriteString(text[prev:])
	return out.String()
}

func byName(text string, spans []span) map[string]string {
	m := make(map[string]string, len(spans))
	for _, s := range spans {
		m[s.name] = text[s.start:s.end]
	}
	return m
}
