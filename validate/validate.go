package validate

import (
	"fmt"
	"net/url"
	"runtime"
	"sort"
	"strings"

	"github.com/masa23/formd/mailparser"
	"github.com/masa23/formd/model"
	"golang.org/x/text/unicode/norm"
)

const (
	ReasonRequired     = "required"
	ReasonInvalidEmail = "invalid_email"
)

// Errors maps field ids to a failure reason.
type Errors map[string]string

// Diagnostics describes the running installation for diagnostics fields.
type Diagnostics struct {
	Site          string
	SiteURL       string
	Version       string
	StorageDriver string
	MailDriver    string
}

// String renders the block placed in a diagnostics field.
func (d Diagnostics) String() string {
	lines := []string{
		"Site: " + d.Site,
	}
	if d.SiteURL != "" {
		lines = append(lines, "URL: "+d.SiteURL)
	}
	lines = append(lines,
		"Version: "+d.Version,
		"Go: "+runtime.Version(),
		fmt.Sprintf("OS: %s/%s", runtime.GOOS, runtime.GOARCH),
	)
	if d.StorageDriver != "" {
		lines = append(lines, "Storage: "+d.StorageDriver)
	}
	if d.MailDriver != "" {
		lines = append(lines, "Mail: "+d.MailDriver)
	}
	return strings.Join(lines, "\n")
}

// Validate extracts and checks the submitted value of every non-file field.
// Values are read from field_<id>, then <id>.
func Validate(form url.Values, fields []model.Field, diag Diagnostics) (model.SubmissionData, Errors) {
	data := make(model.SubmissionData, len(fields))
	errs := Errors{}

	for _, f := range fields {
		var v model.Value
		switch f.Type {
		case model.FieldFile:
			continue
		case model.FieldDiagnostics:
			data[f.ID] = model.String(diag.String())
			continue
		case model.FieldCheckboxes:
			v = model.List(listValue(form, f.ID))
		case model.FieldTextarea:
			v = model.String(cleanText(scalarValue(form, f.ID), true))
		case model.FieldEmail:
			v = model.String(strings.TrimSpace(scalarValue(form, f.ID)))
			if !v.IsEmpty() && !mailparser.IsValidEmail(v.String()) {
				data[f.ID] = v
				errs[f.ID] = ReasonInvalidEmail
				continue
			}
		default:
			v = model.String(cleanText(scalarValue(form, f.ID), false))
		}

		data[f.ID] = v
		if f.IsRequired() && v.IsEmpty() {
			errs[f.ID] = ReasonRequired
		}
	}

	return data, errs
}

func scalarValue(form url.Values, id string) string {
	for _, k := range []string{"field_" + id, id} {
		if vs, ok := form[k]; ok && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func listValue(form url.Values, id string) []string {
	var raw []string
	for _, k := range []string{"field_" + id + "[]", "field_" + id, id + "[]", id} {
		if vs, ok := form[k]; ok {
			raw = vs
			break
		}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = cleanText(s, false)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// cleanText trims, normalizes to NFC and drops control characters.
// Newlines and tabs survive when multiline is set.
func cleanText(s string, multiline bool) string {
	s = norm.NFC.String(s)
	if multiline {
		s = strings.ReplaceAll(s, "\r\n", "\n")
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			if multiline {
				return r
			}
			return ' '
		case r == '\r':
			if multiline {
				return '\n'
			}
			return ' '
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// Fields returns the sorted ids of the failing fields.
func (e Errors) Fields() []string {
	ids := make([]string, 0, len(e))
	for id := range e {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
