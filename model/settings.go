package model

import (
	"strings"
)

type Operator string

const (
	OpEquals   Operator = "equals"
	OpContains Operator = "contains"
)

type RoutingRule struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
	ToEmail  string   `json:"to_email"`
}

// Matches reports whether the submitted value satisfies the rule.
// A list value matches when any of its elements does. Any operator other
// than contains compares for equality.
func (r RoutingRule) Matches(v Value) bool {
	for _, s := range v.Values() {
		if r.Operator == OpContains {
			if strings.Contains(strings.ToLower(s), strings.ToLower(r.Value)) {
				return true
			}
			continue
		}
		if s == r.Value {
			return true
		}
	}
	return false
}

const (
	ConfirmMessage  = "message"
	ConfirmRedirect = "redirect"
)

type FormSettings struct {
	ToEmail  string `json:"to_email"`
	CC       string `json:"cc"`
	BCC      string `json:"bcc"`
	ReplyTo  string `json:"reply_to_field"`
	FromName string `json:"from_name"`
	From     string `json:"from_email"`

	EmailSubject string `json:"email_subject"`
	EmailBody    string `json:"email_body"`

	AutoresponderEnabled Flag   `json:"autoresponder_enabled"`
	AutoresponderTo      string `json:"autoresponder_to_field"`
	AutoresponderSubject string `json:"autoresponder_subject"`
	AutoresponderBody    string `json:"autoresponder_body"`

	RoutingRules []RoutingRule `json:"routing_rules"`

	ConfirmationType     string `json:"confirmation_type"`
	ConfirmationMessage  string `json:"confirmation_message"`
	ConfirmationRedirect string `json:"confirmation_redirect"`

	AttachUploads    Flag `json:"attach_uploads"`
	RecaptchaEnabled Flag `json:"recaptcha_enabled"`
}

// DefaultSettings returns the per-form settings used for keys that were never stored.
func DefaultSettings(adminEmail string) FormSettings {
	return FormSettings{
		ToEmail:              adminEmail,
		ReplyTo:              "email",
		EmailSubject:         "New form submission: {form_name}",
		EmailBody:            "You have a new submission for {form_name}.\n\n{all_fields}\n\nEntry ID: {entry_id}",
		AutoresponderTo:      "email",
		AutoresponderSubject: "We received your message",
		AutoresponderBody:    "Thanks for reaching out. We received your submission and will respond as soon as possible.\n\nReference: {entry_id}",
		RoutingRules:         []RoutingRule{},
		ConfirmationType:     ConfirmMessage,
		ConfirmationMessage:  "Thanks. Your message has been sent.",
	}
}

// AutoresponderField is the data key holding the submitter's address.
func (s FormSettings) AutoresponderField() string {
	if s.AutoresponderTo != "" {
		return s.AutoresponderTo
	}
	if s.ReplyTo != "" {
		return s.ReplyTo
	}
	return "email"
}
