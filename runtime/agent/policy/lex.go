package policy

import (
	"errors"
	"strings"
	"unicode"
)

// Tokenize splits raw into an argument vector using shell-style quoting
// rules without performing any expansion: single quotes are literal, double
// quotes group words, and a backslash escapes the next rune outside single
// quotes. Unbalanced quoting or a trailing escape is an error so ambiguous
// commands are rejected instead of guessed at.
func Tokenize(raw string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		started bool
	)
	const (
		statePlain = iota
		stateSingle
		stateDouble
	)
	state := statePlain
	escaped := false

	flush := func() {
		if started {
			tokens = append(tokens, current.String())
			current.Reset()
			started = false
		}
	}

	for _, r := range raw {
		if escaped {
			current.WriteRune(r)
			started = true
			escaped = false
			continue
		}
		switch state {
		case stateSingle:
			if r == '\'' {
				state = statePlain
				continue
			}
			current.WriteRune(r)
		case stateDouble:
			switch r {
			case '"':
				state = statePlain
			case '\\':
				escaped = true
			default:
				current.WriteRune(r)
			}
		default:
			switch {
			case r == '\'':
				state = stateSingle
				started = true
			case r == '"':
				state = stateDouble
				started = true
			case r == '\\':
				escaped = true
			case unicode.IsSpace(r):
				flush()
			default:
				current.WriteRune(r)
				started = true
			}
		}
	}
	if escaped {
		return nil, errors.New("trailing escape character")
	}
	if state != statePlain {
		return nil, errors.New("unterminated quote")
	}
	flush()
	return tokens, nil
}
