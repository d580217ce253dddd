package validate

import (
	"net/url"
	"testing"

	"github.com/masa23/formd/model"
	"github.com/stretchr/testify/assert"
)

var testFields = []model.Field{
	{ID: "name", Type: model.FieldText, Label: "Name", Required: true},
	{ID: "email", Type: model.FieldEmail, Label: "Email", Required: true},
	{ID: "message", Type: model.FieldTextarea, Label: "Message"},
	{ID: "topics", Type: model.FieldCheckboxes, Label: "Topics", Required: true},
	{ID: "cv", Type: model.FieldFile, Label: "CV", Required: true},
	{ID: "diag", Type: model.FieldDiagnostics, Label: "Diagnostics"},
	{ID: "age", Type: model.FieldNumber, Label: "Age"},
}

func TestValidate(t *testing.T) {
	form := url.Values{
		"field_name":     {"  Ann  "},
		"field_email":    {" ann@example.com "},
		"field_message":  {"line 1\r\nline 2\x00 "},
		"field_topics[]": {"a", "", " b "},
		"field_diag":     {"spoofed"},
	}
	data, errs := Validate(form, testFields, Diagnostics{Site: "Example", Version: "1.2.3"})

	assert.Empty(t, errs)
	assert.Equal(t, "Ann", data["name"].String())
	assert.Equal(t, "ann@example.com", data["email"].String())
	assert.Equal(t, "line 1\nline 2", data["message"].String())
	assert.Equal(t, []string{"a", "b"}, data["topics"].Values())
	assert.Contains(t, data["diag"].String(), "Site: Example")
	assert.Contains(t, data["diag"].String(), "Version: 1.2.3")
	assert.NotContains(t, data["diag"].String(), "spoofed")
	assert.Equal(t, "", data["age"].String())
	_, ok := data["cv"]
	assert.False(t, ok)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		form url.Values
		want Errors
	}{
		{
			name: "missing required",
			form: url.Values{},
			want: Errors{"name": ReasonRequired, "email": ReasonRequired, "topics": ReasonRequired},
		},
		{
			name: "whitespace only is empty",
			form: url.Values{"field_name": {"   "}, "field_email": {"a@example.com"}, "field_topics": {"", " "}},
			want: Errors{"name": ReasonRequired, "topics": ReasonRequired},
		},
		{
			name: "invalid email",
			form: url.Values{"name": {"Ann"}, "email": {"not an email"}, "topics[]": {"a"}},
			want: Errors{"email": ReasonInvalidEmail},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := Validate(tt.form, testFields, Diagnostics{})
			assert.Equal(t, tt.want, errs)
		})
	}
}

func TestValidateOptionalEmail(t *testing.T) {
	fields := []model.Field{{ID: "email", Type: model.FieldEmail}}
	_, errs := Validate(url.Values{"field_email": {"bad"}}, fields, Diagnostics{})
	assert.Equal(t, Errors{"email": ReasonInvalidEmail}, errs)

	_, errs = Validate(url.Values{}, fields, Diagnostics{})
	assert.Empty(t, errs)
}

func TestErrorsFields(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Errors{"b": ReasonRequired, "a": ReasonRequired}.Fields())
}
