package model

import (
	"time"
)

// ChannelResult is the outcome of one notification channel (admin or autoresponder).
type ChannelResult struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Sent    bool   `json:"sent"`
	Error   string `json:"error,omitempty"`
}

type DeliveryResult struct {
	Sent  bool   `json:"sent"`
	Error string `json:"error,omitempty"`
}

type ResendResult struct {
	SentAt time.Time `json:"sent_at"`
	Sent   bool      `json:"sent"`
	Error  string    `json:"error,omitempty"`
}

type MailLog struct {
	Admin         *ChannelResult            `json:"admin,omitempty"`
	Autoresponder *ChannelResult            `json:"autoresponder,omitempty"`
	BCC           map[string]DeliveryResult `json:"bcc,omitempty"`
	Warnings      map[string]string         `json:"warnings,omitempty"`
	ResendAdmin   *ResendResult             `json:"resend_admin,omitempty"`
}

// Merge overlays the channels present in o onto l.
func (l MailLog) Merge(o MailLog) MailLog {
	if o.Admin != nil {
		l.Admin = o.Admin
	}
	if o.Autoresponder != nil {
		l.Autoresponder = o.Autoresponder
	}
	if o.ResendAdmin != nil {
		l.ResendAdmin = o.ResendAdmin
	}
	if len(o.BCC) > 0 {
		bcc := make(map[string]DeliveryResult, len(l.BCC)+len(o.BCC))
		for k, v := range l.BCC {
			bcc[k] = v
		}
		for k, v := range o.BCC {
			bcc[k] = v
		}
		l.BCC = bcc
	}
	if len(o.Warnings) > 0 {
		w := make(map[string]string, len(l.Warnings)+len(o.Warnings))
		for k, v := range l.Warnings {
			w[k] = v
		}
		for k, v := range o.Warnings {
			w[k] = v
		}
		l.Warnings = w
	}
	return l
}
