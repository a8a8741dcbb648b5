package policy

import "strings"

// bash.go - approximate shell command parsing for the heuristics engine.
//
// The parser never executes or resolves anything: it splits a command on
// chain operators, splits each segment on pipes, and tokenizes each stage.
// Nested $() substitutions are tracked via paren depth; backticks are only
// matched at top level. Any imprecision must err toward detection.

// splitChain splits a command on the chain operators &&, || and ;
func splitChain(cmd string) []string {
	var segments []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			segments = append(segments, s)
		}
		cur.Reset()
	}

	i := 0
	for i < len(cmd) {
		switch {
		case strings.HasPrefix(cmd[i:], "&&"), strings.HasPrefix(cmd[i:], "||"):
			flush()
			i += 2
		case cmd[i] == ';':
			flush()
			i++
		default:
			cur.WriteByte(cmd[i])
			i++
		}
	}
	flush()
	return segments
}

// splitPipeline splits a chain segment on single | characters.
// Double pipes are gone by the time this runs (splitChain consumed them).
func splitPipeline(segment string) []string {
	var stages []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stages = append(stages, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(segment); i++ {
		if segment[i] == '|' {
			flush()
			continue
		}
		cur.WriteByte(segment[i])
	}
	flush()
	return stages
}

// tokenize splits a pipeline stage into words, honoring single and double
// quotes and backslash escapes. Quote characters are stripped from tokens
// so that arguments like "~/.ssh/id_rsa" still match path patterns.
func tokenize(stage string) []string {
	var tokens []string
	var cur strings.Builder
	inSingle, inDouble := false, false
	hasToken := false

	flush := func() {
		if hasToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			hasToken = false
		}
	}

	for i := 0; i < len(stage); i++ {
		c := stage[i]
		switch {
		case c == '\\' && !inSingle && i+1 < len(stage):
			cur.WriteByte(stage[i+1])
			hasToken = true
			i++
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			hasToken = true
		case c == '"' && !inSingle:
			inDouble = !inDouble
			hasToken = true
		case (c == ' ' || c == '\t' || c == '\n') && !inSingle && !inDouble:
			flush()
		default:
			cur.WriteByte(c)
			hasToken = true
		}
	}
	flush()
	return tokens
}

// substitutions extracts the contents of $() command substitutions (with
// nested parens tracked by depth) and of top-level backtick substitutions.
func substitutions(segment string) []string {
	var out []string

	// $() with nested paren tracking
	for i := 0; i+1 < len(segment); i++ {
		if segment[i] != '$' || segment[i+1] != '(' {
			continue
		}
		depth := 1
		j := i + 2
		for j < len(segment) && depth > 0 {
			switch segment[j] {
			case '(':
				depth++
			case ')':
				depth--
			}
			j++
		}
		end := j
		if depth == 0 {
			end = j - 1
		}
		if inner := strings.TrimSpace(segment[i+2 : end]); inner != "" {
			out = append(out, inner)
		}
		i = end
	}

	// Backticks, matched in pairs at top level only
	for {
		start := strings.IndexByte(segment, '`')
		if start < 0 {
			break
		}
		rest := segment[start+1:]
		end := strings.IndexByte(rest, '`')
		if end < 0 {
			break
		}
		if inner := strings.TrimSpace(rest[:end]); inner != "" {
			out = append(out, inner)
		}
		segment = rest[end+1:]
	}

	return out
}

// executableName returns the basename of a stage's first token, skipping
// leading VAR=value assignments and common wrappers like sudo.
func executableName(tokens []string) string {
	for _, tok := range tokens {
		if strings.Contains(tok, "=") && !strings.HasPrefix(tok, "/") && !strings.HasPrefix(tok, "-") {
			if i := strings.Index(tok, "="); i > 0 && isIdentifier(tok[:i]) {
				continue
			}
		}
		if tok == "sudo" || tok == "command" {
			continue
		}
		if i := strings.LastIndexByte(tok, '/'); i >= 0 {
			return tok[i+1:]
		}
		return tok
	}
	return ""
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
