package model

import (
	"encoding/json"
	"strconv"
	"strings"
)

type FieldType string

const (
	FieldText        FieldType = "text"
	FieldTextarea    FieldType = "textarea"
	FieldEmail       FieldType = "email"
	FieldNumber      FieldType = "number"
	FieldDate        FieldType = "date"
	FieldTime        FieldType = "time"
	FieldSelect      FieldType = "select"
	FieldState       FieldType = "state"
	FieldCheckboxes  FieldType = "checkboxes"
	FieldRadios      FieldType = "radios"
	FieldFile        FieldType = "file"
	FieldDiagnostics FieldType = "diagnostics"
)

// NormalizeType maps anything outside the known set to text.
func NormalizeType(s string) FieldType {
	switch t := FieldType(strings.ToLower(strings.TrimSpace(s))); t {
	case FieldText, FieldTextarea, FieldEmail, FieldNumber, FieldDate, FieldTime,
		FieldSelect, FieldState, FieldCheckboxes, FieldRadios, FieldFile, FieldDiagnostics:
		return t
	}
	return FieldText
}

func (t *FieldType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*t = FieldText
		return nil
	}
	*t = NormalizeType(s)
	return nil
}

// Flag is a bool that also accepts the 0/1 and "0"/"1" encodings found in older stored settings.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	switch strings.ToLower(s) {
	case "", "0", "false", "null", "no", "off":
		*f = false
	default:
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			*f = n != 0
			return nil
		}
		*f = true
	}
	return nil
}

type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// UnmarshalJSON accepts a bare string as an option whose value and label are equal.
func (o *Option) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		o.Value, o.Label = s, s
		return nil
	}
	type plain Option
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*o = Option(p)
	if o.Label == "" {
		o.Label = o.Value
	}
	return nil
}

type Field struct {
	ID           string    `json:"id"`
	Type         FieldType `json:"type"`
	Label        string    `json:"label"`
	Required     Flag      `json:"required"`
	Placeholder  string    `json:"placeholder,omitempty"`
	Help         string    `json:"help,omitempty"`
	Options      []Option  `json:"options,omitempty"`
	FileMaxMB    *int      `json:"file_max_mb,omitempty"`
	FileMultiple *Flag     `json:"file_multiple,omitempty"`
}

func (f Field) IsRequired() bool { return bool(f.Required) }

func (f Field) Multiple() bool { return f.FileMultiple != nil && bool(*f.FileMultiple) }

// DisplayLabel falls back to the id when the label is empty.
func (f Field) DisplayLabel() string {
	if strings.TrimSpace(f.Label) != "" {
		return f.Label
	}
	return f.ID
}

type FormSchema struct {
	Version int     `json:"version"`
	Fields  []Field `json:"fields"`
}

func (s FormSchema) Field(id string) (Field, bool) {
	for _, f := range s.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (s FormSchema) FileFields() []Field {
	var fields []Field
	for _, f := range s.Fields {
		if f.Type == FieldFile {
			fields = append(fields, f)
		}
	}
	return fields
}

// Normalize drops fields with an empty, malformed or duplicate id and coerces unknown types.
func (s FormSchema) Normalize() FormSchema {
	seen := make(map[string]bool, len(s.Fields))
	out := FormSchema{Version: s.Version, Fields: make([]Field, 0, len(s.Fields))}
	if out.Version == 0 {
		out.Version = 1
	}
	for _, f := range s.Fields {
		f.ID = strings.TrimSpace(f.ID)
		if !validFieldID(f.ID) || seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		f.Type = NormalizeType(string(f.Type))
		out.Fields = append(out.Fields, f)
	}
	return out
}

func validFieldID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// DefaultSchema is used for forms that have no stored definition.
func DefaultSchema() FormSchema {
	return FormSchema{
		Version: 1,
		Fields: []Field{
			{ID: "name", Type: FieldText, Label: "Name", Required: true},
			{ID: "email", Type: FieldEmail, Label: "Email", Required: true},
			{ID: "message", Type: FieldTextarea, Label: "Message", Required: true},
		},
	}
}
