package config

import "bytes"

// scanner states for StripJSONComments
const (
	scanPlain = iota
	scanString
	scanLineComment
	scanBlockComment
)

// StripJSONComments removes // and /* */ comments so the config file can
// carry annotations while still parsing as plain JSON. Comment markers
// inside string literals are left alone. Newlines are preserved so json
// parse errors still point at the right line.
func StripJSONComments(data []byte) []byte {
	out := bytes.NewBuffer(make([]byte, 0, len(data)))
	state := scanPlain
	escaped := false

	for i := 0; i < len(data); i++ {
		c := data[i]
		switch state {
		case scanPlain:
			switch {
			case c == '"':
				state = scanString
				out.WriteByte(c)
			case c == '/' && i+1 < len(data) && data[i+1] == '/':
				state = scanLineComment
				i++
			case c == '/' && i+1 < len(data) && data[i+1] == '*':
				state = scanBlockComment
				i++
			default:
				out.WriteByte(c)
			}
		case scanString:
			out.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				state = scanPlain
			}
		case scanLineComment:
			if c == '\n' {
				state = scanPlain
				out.WriteByte(c)
			}
		case scanBlockComment:
			if c == '*' && i+1 < len(data) && data[i+1] == '/' {
				state = scanPlain
				i++
			}
		}
	}

	return out.Bytes()
}
