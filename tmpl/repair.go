package tmpl

import (
	"regexp"
	"strings"
)

// Stored templates sometimes lost their backslashes on the way through
// several escaping layers, so "\r\n" ended up as the letters "rn" and "\n"
// as "n". RepairText puts newlines back in the places where that usually
// happened. It is a lossy heuristic and may also touch legitimate text that
// matches one of the patterns.

type rewrite struct {
	re   *regexp.Regexp
	repl string
}

var repairs = []rewrite{
	{regexp.MustCompile(`rnrn(\{)`), "\n\n${1}"},
	{regexp.MustCompile(`rnrn(Entry\b)`), "\n\n${1}"},
	{regexp.MustCompile(`([}\].)])rnrn`), "${1}\n\n"},
	{regexp.MustCompile(`(\d)rnrn([A-Za-z])`), "${1}\n\n${2}"},

	{regexp.MustCompile(`nn(\{)`), "\n\n${1}"},
	{regexp.MustCompile(`nn(Entry\b)`), "\n\n${1}"},
	{regexp.MustCompile(`([}\].)])\s*nn`), "${1}\n\n"},
	{regexp.MustCompile(`(\d)nn([A-Za-z])`), "${1}\n\n${2}"},

	{regexp.MustCompile(`rn(\{)`), "\n${1}"},
	{regexp.MustCompile(`([}\].)])rn`), "${1}\n"},
	{regexp.MustCompile(`rn(Reference\b)`), "\n${1}"},

	{regexp.MustCompile(`n(\{)`), "\n${1}"},
	{regexp.MustCompile(`([}\].)])n`), "${1}\n"},
	{regexp.MustCompile(`n(Reference\b)`), "\n${1}"},
	{regexp.MustCompile(`(\d)n([A-Za-z])`), "${1}\n\n${2}"},
}

var escapedNewlines = strings.NewReplacer(`\r\n`, "\n", `\n`, "\n", `\r`, "\n", "\r\n", "\n", "\r", "\n")

func RepairText(s string) string {
	s = escapedNewlines.Replace(s)
	for _, r := range repairs {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}
