package mailparser

import (
	"errors"
	"strings"
)

var (
	ErrInvalidEmailFormat = errors.New("invalid email address format")
)

// scanner tracks quoted strings, backslash escapes and (nested) comments
// while walking an address header.
type scanner struct {
	quoted  bool
	escape  bool
	depth   int
	bracket bool
}

// step consumes r and reports whether it is part of the visible text,
// i.e. not inside a comment.
func (sc *scanner) step(r rune) bool {
	switch {
	case sc.escape:
		sc.escape = false
		return sc.depth == 0
	case r == '\\':
		sc.escape = true
		return sc.depth == 0
	case sc.quoted:
		if r == '"' {
			sc.quoted = false
		}
		return true
	case r == '(':
		sc.depth++
		return false
	case r == ')' && sc.depth > 0:
		sc.depth--
		return false
	case sc.depth > 0:
		return false
	case r == '"':
		sc.quoted = true
	case r == '<':
		sc.bracket = true
	case r == '>':
		sc.bracket = false
	}
	return true
}

// separator reports whether r, at the current position, ends one recipient.
func (sc *scanner) separator(r rune) bool {
	if sc.quoted || sc.escape || sc.depth > 0 || sc.bracket {
		return false
	}
	return r == ',' || r == ';' || r == '\n' || r == '\r'
}

// ParseAddressList splits a recipient list on commas, semicolons and newlines.
// Separators inside quoted strings, comments and angle brackets are kept.
func ParseAddressList(s string) ([]string, error) {
	var sc scanner
	var list []string
	var buf strings.Builder

	flush := func() {
		if part := strings.TrimSpace(buf.String()); part != "" {
			list = append(list, part)
		}
		buf.Reset()
	}
	for _, r := range s {
		if sc.separator(r) {
			flush()
			continue
		}
		if sc.step(r) {
			buf.WriteRune(r)
		}
	}
	flush()

	if len(list) == 0 {
		return nil, ErrInvalidEmailFormat
	}
	return list, nil
}

// ParseAddress splits one address into display name, mailbox and host.
// Both `Name <mbox@host>` and a bare `mbox@host` are accepted.
func ParseAddress(s string) (name, mbox, host string) {
	var sc scanner
	var visible strings.Builder
	start, end := -1, -1

	for _, r := range s {
		if !sc.step(r) {
			continue
		}
		if !sc.quoted {
			switch r {
			case '<':
				start = visible.Len()
			case '>':
				end = visible.Len()
			}
		}
		visible.WriteRune(r)
	}

	clean := visible.String()
	address := clean
	if start >= 0 && end > start {
		address = clean[start+1 : end]
		name = strings.Trim(strings.TrimSpace(clean[:start]), `"`)
	}
	mbox, host = splitAt(strings.TrimSpace(address))
	return name, mbox, host
}

// splitAt はアドレスを最後の@で分割する
func splitAt(address string) (mbox, host string) {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return address, ""
	}
	return strings.TrimSpace(address[:at]), strings.TrimSpace(address[at+1:])
}
