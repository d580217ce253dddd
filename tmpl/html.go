package tmpl

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/tdewolff/minify/v2"
	mhtml "github.com/tdewolff/minify/v2/html"
)

var (
	ugcPolicy    = bluemonday.UGCPolicy()
	strictPolicy = bluemonday.StrictPolicy()
	minifier     = minify.New()

	reBreak     = regexp.MustCompile(`(?i)<br\s*/?>\n?`)
	reParagraph = regexp.MustCompile(`(?i)</p>\s*`)
	reBlankRuns = regexp.MustCompile(`\n{3,}`)
)

func init() {
	minifier.AddFunc("text/html", mhtml.Minify)
}

// ToHTML turns template output into sanitized HTML, with newlines as <br>.
func ToHTML(s string) string {
	s = strings.ReplaceAll(s, "\n", "<br>\n")
	return ugcPolicy.Sanitize(s)
}

// PlainText derives a plaintext alternative from HTML.
func PlainText(s string) string {
	s = reBreak.ReplaceAllString(s, "\n")
	s = reParagraph.ReplaceAllString(s, "\n\n")
	s = html.UnescapeString(strictPolicy.Sanitize(s))
	s = reBlankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Minify compacts HTML. The input is returned unchanged if minification fails.
func Minify(s string) string {
	out, err := minifier.String("text/html", s)
	if err != nil {
		return s
	}
	return out
}

// Body is one rendered message body.
type Body struct {
	Subject string
	HTML    string
	Text    string
}

// RenderMessage renders a subject and body template for mail. The body is
// repaired, rendered with escaped tokens, sanitized and minified; the text
// part is derived from the sanitized HTML.
func RenderMessage(subjectTpl, bodyTpl string, text, escaped Tokens) Body {
	subject := Render(RepairText(subjectTpl), text)
	subject = strings.Join(strings.Fields(subject), " ")

	safe := ToHTML(Render(RepairText(bodyTpl), escaped))
	return Body{
		Subject: subject,
		HTML:    Minify(safe),
		Text:    PlainText(safe),
	}
}
