package rules

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidPattern is returned when a rule pattern cannot be compiled.
// Rejection happens at add_rule time, never during evaluation.
var ErrInvalidPattern = errors.New("invalid rule pattern")

// Compile translates a glob pattern into an anchored regexp. `*` matches
// any run of characters, `?` exactly one. Everything else is escaped, so
// a literal `.` in a hostname matches only a dot.
func Compile(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, ErrInvalidPattern
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, ErrInvalidPattern
	}
	return re, nil
}
