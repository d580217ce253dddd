package gate

import (
	"context"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/masa23/formd/mailparser"
	"github.com/masa23/formd/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	FieldNonce      = "ct_form_nonce"
	FieldHoneypot   = "ct_form_hp"
	FieldRenderedAt = "ct_form_ts"
	FieldRecaptcha  = "g-recaptcha-response"
	FieldAltcha     = "altcha"
)

type Reason string

const (
	ReasonNonce         Reason = "nonce"
	ReasonRateLimit     Reason = "rate_limit"
	ReasonRecaptcha     Reason = "recaptcha"
	ReasonConfigToEmail Reason = "config_to_email"

	// silent outcomes
	ReasonHoneypot Reason = "honeypot"
	ReasonTooFast  Reason = "too_fast"
)

var gateOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "formd_gate_outcomes_total",
	Help: "Security gate decisions by outcome.",
}, []string{"outcome"})

type Request struct {
	Nonce           string
	Honeypot        string
	RenderedAt      string
	CaptchaResponse string
	RemoteIP        string
}

// RequestFromForm picks the gate inputs out of a posted form.
func RequestFromForm(form url.Values, remoteIP string) Request {
	captcha := form.Get(FieldRecaptcha)
	if captcha == "" {
		captcha = form.Get(FieldAltcha)
	}
	return Request{
		Nonce:           form.Get(FieldNonce),
		Honeypot:        form.Get(FieldHoneypot),
		RenderedAt:      form.Get(FieldRenderedAt),
		CaptchaResponse: captcha,
		RemoteIP:        remoteIP,
	}
}

// Outcome is the gate decision. Silent outcomes pass without persisting anything.
type Outcome struct {
	Pass   bool
	Silent bool
	Reason Reason
	Detail string
}

func reject(r Reason, detail string) Outcome {
	return Outcome{Reason: r, Detail: detail}
}

func silent(r Reason) Outcome {
	return Outcome{Pass: true, Silent: true, Reason: r}
}

type Options struct {
	Tokens     *TokenIssuer
	Limiter    *RateLimiter
	Verifier   Verifier
	MinSeconds int
	// AdminEmail is the primary recipient of forms without to_email
	AdminEmail string
}

type Gate struct {
	tokens     *TokenIssuer
	limiter    *RateLimiter
	verifier   Verifier
	minSeconds int
	adminEmail string
	now        func() time.Time
}

func New(o Options) *Gate {
	return &Gate{
		tokens:     o.Tokens,
		limiter:    o.Limiter,
		verifier:   o.Verifier,
		minSeconds: o.MinSeconds,
		adminEmail: o.AdminEmail,
		now:        time.Now,
	}
}

// Evaluate runs the checks in order and stops at the first one that does not pass.
func (g *Gate) Evaluate(ctx context.Context, req Request, formID uint64, settings model.FormSettings) Outcome {
	o := g.evaluate(ctx, req, formID, settings)
	switch {
	case o.Silent:
		gateOutcomes.WithLabelValues("silent_" + string(o.Reason)).Inc()
	case o.Pass:
		gateOutcomes.WithLabelValues("pass").Inc()
	default:
		gateOutcomes.WithLabelValues(string(o.Reason)).Inc()
	}
	return o
}

func (g *Gate) evaluate(ctx context.Context, req Request, formID uint64, settings model.FormSettings) Outcome {
	if err := g.tokens.Verify(formID, req.Nonce); err != nil {
		return reject(ReasonNonce, err.Error())
	}

	if strings.TrimSpace(req.Honeypot) != "" {
		return silent(ReasonHoneypot)
	}

	if g.minSeconds > 0 {
		rendered, err := strconv.ParseInt(strings.TrimSpace(req.RenderedAt), 10, 64)
		if err != nil || g.now().Unix()-rendered < int64(g.minSeconds) {
			return silent(ReasonTooFast)
		}
	}

	if !g.limiter.Allow(req.RemoteIP, formID) {
		return reject(ReasonRateLimit, req.RemoteIP)
	}

	if settings.RecaptchaEnabled && g.verifier != nil {
		if err := g.verifier.Verify(ctx, req.CaptchaResponse, req.RemoteIP); err != nil {
			log.Printf("gate: form %d: %s verification from %s failed: %v", formID, g.verifier.Name(), req.RemoteIP, err)
			return reject(ReasonRecaptcha, err.Error())
		}
	}

	to := strings.TrimSpace(settings.ToEmail)
	if to == "" {
		to = g.adminEmail
	}
	if len(mailparser.ParseRecipients(to)) == 0 {
		return reject(ReasonConfigToEmail, to)
	}

	return Outcome{Pass: true}
}
