package config

import (
	"strings"
)

const (
	DefaultAllowedExtensions = "jpg,jpeg,png,gif,pdf,doc,docx,xls,xlsx,txt"
	DefaultMaxFileMB         = 10
	DefaultMaxFiles          = 10
	DefaultRateLimit         = 10
	DefaultRateWindowMinutes = 10
	DefaultMinSeconds        = 2
	DefaultV3Action          = "ct_forms_submit"
	DefaultV3Threshold       = 0.5
	DefaultRecaptchaURL      = "https://www.google.com/recaptcha/api/siteverify"
)

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.MetricsListen == "" {
		c.MetricsListen = ":2112"
	}
	if c.ObjectStorage.Driver == "" {
		c.ObjectStorage.Driver = "s3"
		if c.ObjectStorage.Bucket == "" && c.ObjectStorage.Root != "" {
			c.ObjectStorage.Driver = "local"
		}
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 25
	}
	if c.SMTP.Timeout <= 0 {
		c.SMTP.Timeout = 10
	}

	switch c.Mail.FromMode {
	case "default", "site", "custom":
	default:
		c.Mail.FromMode = "default"
	}
	if c.Mail.EnforceFromDomain == nil {
		c.Mail.EnforceFromDomain = boolPtr(true)
	}

	if c.Security.TokenMaxAge <= 0 {
		c.Security.TokenMaxAge = 12 * 60
	}
	if c.Security.MinSeconds == nil || *c.Security.MinSeconds < 0 {
		c.Security.MinSeconds = intPtr(DefaultMinSeconds)
	}
	if c.Security.RateLimit == nil || *c.Security.RateLimit < 0 {
		c.Security.RateLimit = intPtr(DefaultRateLimit)
	}
	if c.Security.RateWindowMinutes < 1 {
		c.Security.RateWindowMinutes = DefaultRateWindowMinutes
	}
	if c.Security.StoreIP == nil {
		c.Security.StoreIP = boolPtr(true)
	}
	if c.Security.StoreUserAgent == nil {
		c.Security.StoreUserAgent = boolPtr(true)
	}

	// older configs only carried the Enabled flag
	c.Recaptcha.Type = strings.ToLower(strings.TrimSpace(c.Recaptcha.Type))
	if c.Recaptcha.Type == "" {
		if c.Recaptcha.Enabled {
			c.Recaptcha.Type = "v2_checkbox"
		} else {
			c.Recaptcha.Type = "disabled"
		}
	}
	switch c.Recaptcha.Type {
	case "disabled", "v2_checkbox", "v2_invisible", "v3", "altcha":
	default:
		c.Recaptcha.Type = "disabled"
	}
	c.Recaptcha.Enabled = c.Recaptcha.Type != "disabled"
	if c.Recaptcha.V3Action == "" {
		c.Recaptcha.V3Action = DefaultV3Action
	}
	th := DefaultV3Threshold
	if c.Recaptcha.V3Threshold != nil {
		th = *c.Recaptcha.V3Threshold
	}
	th = min(max(th, 0), 1)
	c.Recaptcha.V3Threshold = &th
	if c.Recaptcha.VerifyURL == "" {
		c.Recaptcha.VerifyURL = DefaultRecaptchaURL
	}
	if c.Recaptcha.Timeout <= 0 {
		c.Recaptcha.Timeout = 10
	}

	if strings.TrimSpace(c.Uploads.AllowedExtensions) == "" {
		c.Uploads.AllowedExtensions = DefaultAllowedExtensions
	}
	if c.Uploads.MaxFileMB < 1 {
		c.Uploads.MaxFileMB = DefaultMaxFileMB
	}
	if c.Uploads.MaxFiles < 1 {
		c.Uploads.MaxFiles = DefaultMaxFiles
	}
	if c.Uploads.Prefix == "" {
		c.Uploads.Prefix = "ct-forms"
	}
	if c.RetentionDays < 0 {
		c.RetentionDays = 0
	}
}

// Extensions returns the lower-cased upload allow-list.
func (u Uploads) Extensions() []string {
	var exts []string
	for _, e := range strings.Split(u.AllowedExtensions, ",") {
		e = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(e)), ".")
		if e != "" {
			exts = append(exts, e)
		}
	}
	return exts
}

func (m Mail) EnforceDomain() bool {
	return m.EnforceFromDomain == nil || *m.EnforceFromDomain
}

func (s Security) KeepIP() bool {
	return s.StoreIP == nil || *s.StoreIP
}

func (s Security) KeepUserAgent() bool {
	return s.StoreUserAgent == nil || *s.StoreUserAgent
}

func (r Recaptcha) Threshold() float64 {
	if r.V3Threshold == nil {
		return DefaultV3Threshold
	}
	return *r.V3Threshold
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }
