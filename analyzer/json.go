package analyzer

import "strings"

// stripCodeFences unwraps a Markdown code fence, with or without a language
// tag. Vision models fence their JSON often enough that this runs before
// every extraction.
func stripCodeFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		if first := strings.TrimSpace(t[:i]); !strings.ContainsAny(first, "{}") {
			t = t[i+1:] // drop the language tag line
		}
	}
	if i := strings.LastIndex(t, "```"); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

// jsonObjects returns every balanced top-level {...} in s, in order. The
// scan tracks string and escape state, so braces inside string values never
// close an object early. A greedy regex would span from the first { to the
// last } and swallow everything between two unrelated objects.
func jsonObjects(s string) []string {
	var objects []string

	i := 0
	for i < len(s) {
		start := strings.IndexByte(s[i:], '{')
		if start == -1 {
			break
		}
		start += i

		depth := 0
		end := start
		inString := false
		escaped := false

		for end < len(s) {
			ch := s[end]

			if escaped {
				escaped = false
				end++
				continue
			}

			if ch == '\\' && inString {
				escaped = true
				end++
				continue
			}

			if ch == '"' {
				inString = !inString
			} else if !inString {
				if ch == '{' {
					depth++
				} else if ch == '}' {
					depth--
					if depth == 0 {
						break
					}
				}
			}
			end++
		}

		if depth != 0 || end >= len(s) {
			break // unbalanced tail, nothing more to find
		}

		objects = append(objects, s[start:end+1])
		i = end + 1
	}

	return objects
}

// firstJSONObject returns the first balanced JSON object in s after fence
// stripping, or "" when there is none.
func firstJSONObject(s string) string {
	objs := jsonObjects(stripCodeFences(s))
	if len(objs) == 0 {
		return ""
	}
	return objs[0]
}

// lastJSONObject returns the trailing balanced JSON object, which is where
// models put their final answer when they preface it with prose.
func lastJSONObject(s string) string {
	objs := jsonObjects(stripCodeFences(s))
	if len(objs) == 0 {
		return ""
	}
	return objs[len(objs)-1]
}
