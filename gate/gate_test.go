package gate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/altcha-org/altcha-lib-go"
	"github.com/masa23/formd/config"
	"github.com/masa23/formd/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuer(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ti := NewTokenIssuer("secret", time.Hour)
	ti.now = func() time.Time { return now }

	tok := ti.Issue(7)
	assert.NoError(t, ti.Verify(7, tok))
	assert.ErrorIs(t, ti.Verify(8, tok), ErrTokenMismatch)

	other := NewTokenIssuer("other", time.Hour)
	other.now = ti.now
	assert.ErrorIs(t, other.Verify(7, tok), ErrTokenMismatch)

	tests := []string{"", "abc", "123.", "x.deadbeef", "1700000000"}
	for _, tt := range tests {
		if err := ti.Verify(7, tt); !errors.Is(err, ErrTokenMalformed) {
			t.Errorf("Verify(%q) = %v; want ErrTokenMalformed", tt, err)
		}
	}

	now = now.Add(2 * time.Hour)
	assert.ErrorIs(t, ti.Verify(7, tok), ErrTokenExpired)

	// issued in the future
	future := ti.Issue(7)
	now = now.Add(-10 * time.Minute)
	assert.ErrorIs(t, ti.Verify(7, future), ErrTokenExpired)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()
	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("192.0.2.1", 1))
	assert.True(t, rl.Allow("192.0.2.1", 1))
	assert.False(t, rl.Allow("192.0.2.1", 1))
	assert.True(t, rl.Allow("192.0.2.1", 2), "other form has its own window")
	assert.True(t, rl.Allow("192.0.2.2", 1), "other ip has its own window")

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("192.0.2.1", 1))

	now = now.Add(2 * time.Minute)
	rl.gc()
	assert.Equal(t, 0, rl.size())

	off := NewRateLimiter(0, time.Minute)
	defer off.Close()
	for i := 0; i < 100; i++ {
		require.True(t, off.Allow("192.0.2.1", 1))
	}

	rl.Close()
	rl.Close()
}

func siteverify(t *testing.T, body string, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "s3cret", r.PostForm.Get("secret"))
		assert.Equal(t, "192.0.2.1", r.PostForm.Get("remoteip"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRecaptchaVerifier(t *testing.T) {
	th := 0.5
	tests := []struct {
		name    string
		typ     string
		body    string
		wantErr error
	}{
		{"v2 success", "v2_checkbox", `{"success":true}`, nil},
		{"v2 failure", "v2_invisible", `{"success":false,"error-codes":["invalid-input-response"]}`, ErrCaptchaFailed},
		{"v3 good score", "v3", `{"success":true,"score":0.9,"action":"ct_forms_submit"}`, nil},
		{"v3 low score", "v3", `{"success":true,"score":0.1,"action":"ct_forms_submit"}`, ErrCaptchaScore},
		{"v3 no score", "v3", `{"success":true}`, ErrCaptchaScore},
		{"v3 wrong action", "v3", `{"success":true,"score":0.9,"action":"login"}`, ErrCaptchaFailed},
		{"garbage", "v2_checkbox", `not json`, ErrCaptchaRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := siteverify(t, tt.body, &calls)
			v := NewRecaptcha(config.Recaptcha{
				Type: tt.typ, SecretKey: "s3cret", VerifyURL: srv.URL,
				V3Action: "ct_forms_submit", V3Threshold: &th, Timeout: 5,
			}, false)
			err := v.Verify(context.Background(), "token", "192.0.2.1")
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.EqualValues(t, 1, calls)
		})
	}

	v := NewRecaptcha(config.Recaptcha{Type: "v2_checkbox", SecretKey: "s3cret", VerifyURL: "http://127.0.0.1:1"}, false)
	assert.ErrorIs(t, v.Verify(context.Background(), "", "192.0.2.1"), ErrCaptchaMissing)
}

func TestNewVerifier(t *testing.T) {
	assert.Nil(t, NewVerifier(config.Recaptcha{Type: "disabled", SecretKey: "x"}, false))
	assert.Nil(t, NewVerifier(config.Recaptcha{Type: "v3"}, false))
	assert.IsType(t, &RecaptchaVerifier{}, NewVerifier(config.Recaptcha{Type: "v3", SecretKey: "x"}, false))
	assert.IsType(t, &AltchaVerifier{}, NewVerifier(config.Recaptcha{Type: "altcha", SecretKey: "x"}, false))
}

func altchaPayload(t *testing.T, key string, number int64) string {
	t.Helper()
	expires := time.Now().Add(time.Hour)
	ch, err := altcha.CreateChallenge(altcha.ChallengeOptions{
		HMACKey: key,
		Number:  &number,
		Expires: &expires,
		Params:  url.Values{},
	})
	require.NoError(t, err)
	b, err := json.Marshal(altcha.Payload{
		Algorithm: ch.Algorithm,
		Challenge: ch.Challenge,
		Number:    number,
		Salt:      ch.Salt,
		Signature: ch.Signature,
	})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(b)
}

func TestAltchaVerifier(t *testing.T) {
	v := NewAltcha("hmac-key", time.Hour)
	ctx := context.Background()

	payload := altchaPayload(t, "hmac-key", 42)
	assert.NoError(t, v.Verify(ctx, payload, ""))
	assert.ErrorIs(t, v.Verify(ctx, payload, ""), ErrCaptchaReplay)

	assert.ErrorIs(t, v.Verify(ctx, altchaPayload(t, "other-key", 42), ""), ErrCaptchaFailed)
	assert.ErrorIs(t, v.Verify(ctx, "%%%", ""), ErrCaptchaFailed)
	assert.ErrorIs(t, v.Verify(ctx, "", ""), ErrCaptchaMissing)

	ch, err := v.Challenge()
	require.NoError(t, err)
	assert.NotEmpty(t, ch.Signature)
}

type stubVerifier struct {
	err   error
	calls int
}

func (s *stubVerifier) Name() string { return "stub" }

func (s *stubVerifier) Verify(ctx context.Context, response, remoteIP string) error {
	s.calls++
	return s.err
}

func TestEvaluate(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }

	tokens := NewTokenIssuer("secret", time.Hour)
	tokens.now = clock
	nonce := tokens.Issue(1)
	rendered := strconv.FormatInt(now.Unix()-10, 10)

	settings := model.DefaultSettings("admin@example.com")
	captchaOn := settings
	captchaOn.RecaptchaEnabled = true
	badTo := settings
	badTo.ToEmail = "not-an-address"
	emptyTo := settings
	emptyTo.ToEmail = ""

	tests := []struct {
		name     string
		req      Request
		settings model.FormSettings
		verifier *stubVerifier
		admin    string
		want     Outcome
	}{
		{
			name:     "pass",
			req:      Request{Nonce: nonce, RenderedAt: rendered, RemoteIP: "192.0.2.1"},
			settings: settings,
			want:     Outcome{Pass: true},
		},
		{
			name:     "bad nonce",
			req:      Request{Nonce: "1.abc", Honeypot: "bot", RenderedAt: rendered},
			settings: settings,
			want:     Outcome{Reason: ReasonNonce},
		},
		{
			name:     "honeypot",
			req:      Request{Nonce: nonce, Honeypot: "http://spam", RenderedAt: "0"},
			settings: settings,
			want:     Outcome{Pass: true, Silent: true, Reason: ReasonHoneypot},
		},
		{
			name:     "too fast",
			req:      Request{Nonce: nonce, RenderedAt: strconv.FormatInt(now.Unix()-1, 10)},
			settings: settings,
			want:     Outcome{Pass: true, Silent: true, Reason: ReasonTooFast},
		},
		{
			name:     "missing timestamp",
			req:      Request{Nonce: nonce},
			settings: settings,
			want:     Outcome{Pass: true, Silent: true, Reason: ReasonTooFast},
		},
		{
			name:     "captcha rejected",
			req:      Request{Nonce: nonce, RenderedAt: rendered},
			settings: captchaOn,
			verifier: &stubVerifier{err: ErrCaptchaMissing},
			want:     Outcome{Reason: ReasonRecaptcha},
		},
		{
			name:     "captcha not enabled for form",
			req:      Request{Nonce: nonce, RenderedAt: rendered},
			settings: settings,
			verifier: &stubVerifier{err: ErrCaptchaMissing},
			want:     Outcome{Pass: true},
		},
		{
			name:     "captcha passes",
			req:      Request{Nonce: nonce, RenderedAt: rendered, CaptchaResponse: "ok"},
			settings: captchaOn,
			verifier: &stubVerifier{},
			want:     Outcome{Pass: true},
		},
		{
			name:     "invalid to_email",
			req:      Request{Nonce: nonce, RenderedAt: rendered},
			settings: badTo,
			want:     Outcome{Reason: ReasonConfigToEmail},
		},
		{
			name:     "empty to_email uses site admin",
			req:      Request{Nonce: nonce, RenderedAt: rendered},
			settings: emptyTo,
			admin:    "admin@example.com",
			want:     Outcome{Pass: true},
		},
		{
			name:     "empty to_email without admin",
			req:      Request{Nonce: nonce, RenderedAt: rendered},
			settings: emptyTo,
			want:     Outcome{Reason: ReasonConfigToEmail},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Options{Tokens: tokens, MinSeconds: 2, AdminEmail: tt.admin}
			if tt.verifier != nil {
				opts.Verifier = tt.verifier
			}
			g := New(opts)
			g.now = clock
			got := g.Evaluate(context.Background(), tt.req, 1, tt.settings)
			assert.Equal(t, tt.want.Pass, got.Pass)
			assert.Equal(t, tt.want.Silent, got.Silent)
			assert.Equal(t, tt.want.Reason, got.Reason)
		})
	}
}

func TestEvaluateRateLimit(t *testing.T) {
	tokens := NewTokenIssuer("secret", time.Hour)
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Close()
	v := &stubVerifier{}
	g := New(Options{Tokens: tokens, Limiter: rl, Verifier: v})

	settings := model.DefaultSettings("admin@example.com")
	settings.RecaptchaEnabled = true
	req := Request{Nonce: tokens.Issue(3), RemoteIP: "192.0.2.9"}

	assert.True(t, g.Evaluate(context.Background(), req, 3, settings).Pass)
	got := g.Evaluate(context.Background(), req, 3, settings)
	assert.False(t, got.Pass)
	assert.Equal(t, ReasonRateLimit, got.Reason)
	assert.Equal(t, 1, v.calls, "captcha is not consulted after the rate limit rejects")
}

func TestRequestFromForm(t *testing.T) {
	form := url.Values{
		FieldNonce:      {"n"},
		FieldHoneypot:   {""},
		FieldRenderedAt: {"123"},
		FieldAltcha:     {"a"},
	}
	req := RequestFromForm(form, "192.0.2.1")
	assert.Equal(t, Request{Nonce: "n", RenderedAt: "123", CaptchaResponse: "a", RemoteIP: "192.0.2.1"}, req)

	form.Set(FieldRecaptcha, "g")
	assert.Equal(t, "g", RequestFromForm(form, "").CaptchaResponse)
}
