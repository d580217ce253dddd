package tmpl

import (
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/masa23/formd/model"
)

// Tokens maps token names (without braces) to their replacement.
type Tokens map[string]string

// Render replaces every {name} with its token value in a single pass.
// Unknown tokens stay as they are and replaced values are not expanded again.
func Render(tpl string, tokens Tokens) string {
	if len(tokens) == 0 || !strings.Contains(tpl, "{") {
		return tpl
	}
	pairs := make([]string, 0, len(tokens)*2)
	for k, v := range tokens {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

// TimeFormat is used for {submitted_at}.
const TimeFormat = "2006-01-02 15:04:05"

// BuildTokens returns the standard tokens for an entry. With escape set, field
// values are HTML escaped and {all_fields} is rendered as HTML.
func BuildTokens(formName string, entry *model.Entry, schema model.FormSchema, escape bool) Tokens {
	esc := func(s string) string { return s }
	if escape {
		esc = html.EscapeString
	}

	t := Tokens{
		"form_name":    esc(formName),
		"entry_id":     strconv.FormatUint(entry.ID, 10),
		"submitted_at": entry.SubmittedAt.Local().Format(TimeFormat),
	}
	if entry.SubmittedAt.IsZero() {
		t["submitted_at"] = time.Now().Format(TimeFormat)
	}

	for id, v := range entry.Data {
		t["field:"+id] = esc(v.String())
	}
	for _, f := range schema.Fields {
		if _, ok := t["field:"+f.ID]; !ok && f.Type != model.FieldFile {
			t["field:"+f.ID] = ""
		}
	}
	for id, set := range entry.Files {
		var names []string
		for _, f := range set.All() {
			names = append(names, f.OriginalName)
		}
		t["field:"+id] = esc(strings.Join(names, ", "))
	}

	t["all_fields"] = allFields(entry.Data, schema, escape)
	return t
}

func allFields(data model.SubmissionData, schema model.FormSchema, escape bool) string {
	var lines []string
	for _, f := range schema.Fields {
		if f.Type == model.FieldFile {
			continue
		}
		v, ok := data[f.ID]
		if !ok {
			continue
		}
		if escape {
			lines = append(lines, "<strong>"+html.EscapeString(f.DisplayLabel())+"</strong>: "+html.EscapeString(v.String()))
		} else {
			lines = append(lines, f.DisplayLabel()+": "+v.String())
		}
	}
	if escape {
		return strings.Join(lines, "<br>")
	}
	return strings.Join(lines, "\n")
}
