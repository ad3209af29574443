package policy

import (
	"strings"

	"github.com/google/shlex"
)

// scanSegments performs an approximate top-level split of s on any of ops,
// honoring single/double quotes, backtick spans, and parenthesis depth
// (which also protects $(...) substitutions). It does not execute or
// resolve the command — see spec.md §9.
func scanSegments(s string, ops ...string) []string {
	var segments []string
	var cur strings.Builder
	depth := 0
	var quote byte
	inBacktick := false

	for i := 0; i < len(s); {
		c := s[i]

		if quote != 0 {
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
			i++
			continue
		}
		if inBacktick {
			cur.WriteByte(c)
			if c == '`' {
				inBacktick = false
			}
			i++
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			cur.WriteByte(c)
			i++
			continue
		case '`':
			inBacktick = true
			cur.WriteByte(c)
			i++
			continue
		case '(':
			depth++
			cur.WriteByte(c)
			i++
			continue
		case ')':
			if depth > 0 {
				depth--
			}
			cur.WriteByte(c)
			i++
			continue
		}

		if depth == 0 {
			matchedOp := ""
			for _, op := range ops {
				if strings.HasPrefix(s[i:], op) {
					matchedOp = op
					break
				}
			}
			if matchedOp != "" {
				segments = append(segments, cur.String())
				cur.Reset()
				i += len(matchedOp)
				continue
			}
		}

		cur.WriteByte(c)
		i++
	}
	segments = append(segments, cur.String())
	return segments
}

// extractSubstitutions returns the inner text of every $(...) (nested
// tracked via paren depth) and every top-level backtick span in s.
func extractSubstitutions(s string) []string {
	var results []string
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '$' && s[i+1] == '(' {
			start := i + 2
			depth := 1
			j := start
			for j < len(s) && depth > 0 {
				switch s[j] {
				case '(':
					depth++
				case ')':
					depth--
				}
				j++
			}
			inner := s[start:max(start, j-1)]
			results = append(results, inner)
			results = append(results, extractSubstitutions(inner)...)
			i = j
			continue
		}
		if s[i] == '`' {
			j := i + 1
			for j < len(s) && s[j] != '`' {
				j++
			}
			if j < len(s) {
				inner := s[i+1 : j]
				results = append(results, inner)
				i = j + 1
				continue
			}
		}
		i++
	}
	return results
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// tokenize splits a single pipeline stage into words. Parsing is best
// effort: an unparsable stage (unbalanced quotes) falls back to whitespace
// splitting rather than erroring, since the parser must never block a
// decision on a malformed command — it must err toward deny/ask.
func tokenize(stage string) []string {
	tokens, err := shlex.Split(stage)
	if err != nil || len(tokens) == 0 {
		return strings.Fields(stage)
	}
	return tokens
}

func baseCommand(token string) string {
	if idx := strings.LastIndexByte(token, '/'); idx >= 0 {
		return token[idx+1:]
	}
	return token
}
