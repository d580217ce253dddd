package gate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/altcha-org/altcha-lib-go"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/masa23/formd/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrCaptchaMissing = errors.New("captcha response missing")
	ErrCaptchaRequest = errors.New("captcha verification request failed")
	ErrCaptchaFailed  = errors.New("captcha verification failed")
	ErrCaptchaScore   = errors.New("captcha score too low")
	ErrCaptchaReplay  = errors.New("captcha solution already used")
)

var captchaReplays = promauto.NewCounter(prometheus.CounterOpts{
	Name: "formd_captcha_replays_total",
	Help: "Altcha solutions submitted more than once.",
})

// Verifier checks a client CAPTCHA response.
type Verifier interface {
	Verify(ctx context.Context, response, remoteIP string) error
	Name() string
}

// NewVerifier returns nil when no check should run: the type is disabled or
// no secret is configured.
func NewVerifier(conf config.Recaptcha, debug bool) Verifier {
	if conf.Type == "disabled" || conf.Type == "" {
		return nil
	}
	if strings.TrimSpace(conf.SecretKey) == "" {
		log.Printf("gate: captcha type %s has no secret key, verification skipped", conf.Type)
		return nil
	}
	if conf.Type == "altcha" {
		return NewAltcha(conf.SecretKey, time.Hour)
	}
	return NewRecaptcha(conf, debug)
}

type RecaptchaVerifier struct {
	client    *retryablehttp.Client
	verifyURL string
	secret    string
	v3        bool
	action    string
	threshold float64
	timeout   time.Duration
}

func NewRecaptcha(conf config.Recaptcha, debug bool) *RecaptchaVerifier {
	timeout := time.Duration(conf.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cl := retryablehttp.NewClient()
	cl.RetryMax = 1
	cl.RetryWaitMin = 500 * time.Millisecond
	cl.RetryWaitMax = 2 * time.Second
	cl.HTTPClient.Timeout = timeout
	cl.Logger = nil
	if debug {
		cl.Logger = log.Default()
	}

	return &RecaptchaVerifier{
		client:    cl,
		verifyURL: conf.VerifyURL,
		secret:    conf.SecretKey,
		v3:        conf.Type == "v3",
		action:    conf.V3Action,
		threshold: conf.Threshold(),
		timeout:   timeout,
	}
}

func (v *RecaptchaVerifier) Name() string { return "recaptcha" }

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	Score      float64  `json:"score"`
	Action     string   `json:"action"`
	ErrorCodes []string `json:"error-codes"`
}

func (v *RecaptchaVerifier) Verify(ctx context.Context, response, remoteIP string) error {
	if strings.TrimSpace(response) == "" {
		return ErrCaptchaMissing
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	form := url.Values{
		"secret":   {v.secret},
		"response": {response},
		"remoteip": {remoteIP},
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptchaRequest, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptchaRequest, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrCaptchaRequest, resp.StatusCode)
	}

	var sv siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&sv); err != nil {
		return fmt.Errorf("%w: %v", ErrCaptchaRequest, err)
	}
	if !sv.Success {
		return fmt.Errorf("%w: %s", ErrCaptchaFailed, strings.Join(sv.ErrorCodes, ","))
	}
	if v.v3 {
		if sv.Action != "" && v.action != "" && sv.Action != v.action {
			return fmt.Errorf("%w: action %q", ErrCaptchaFailed, sv.Action)
		}
		if sv.Score < v.threshold {
			return fmt.Errorf("%w: %.2f < %.2f", ErrCaptchaScore, sv.Score, v.threshold)
		}
	}
	return nil
}

// AltchaVerifier checks self-hosted proof-of-work solutions. Each solution
// is accepted once until its challenge expires.
type AltchaVerifier struct {
	key     string
	expires time.Duration

	mu         sync.Mutex
	signatures map[string]time.Time
	nextPrune  time.Time
	now        func() time.Time
}

func NewAltcha(key string, expires time.Duration) *AltchaVerifier {
	return &AltchaVerifier{
		key:        key,
		expires:    expires,
		signatures: make(map[string]time.Time),
		now:        time.Now,
	}
}

func (a *AltchaVerifier) Name() string { return "altcha" }

// Challenge creates a new challenge for the widget.
func (a *AltchaVerifier) Challenge() (altcha.Challenge, error) {
	expires := a.now().Add(a.expires)
	return altcha.CreateChallenge(altcha.ChallengeOptions{
		HMACKey:   a.key,
		MaxNumber: 100000,
		Expires:   &expires,
		Params:    url.Values{},
	})
}

func (a *AltchaVerifier) Verify(ctx context.Context, response, remoteIP string) error {
	if strings.TrimSpace(response) == "" {
		return ErrCaptchaMissing
	}
	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptchaFailed, err)
	}
	var m altcha.Payload
	if err := json.Unmarshal(decoded, &m); err != nil {
		return fmt.Errorf("%w: %v", ErrCaptchaFailed, err)
	}
	ok, err := altcha.VerifySolution(m, a.key, true)
	if err != nil || !ok {
		return ErrCaptchaFailed
	}

	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if now.After(a.nextPrune) {
		for sig, exp := range a.signatures {
			if now.After(exp) {
				delete(a.signatures, sig)
			}
		}
		a.nextPrune = now.Add(a.expires)
	}
	if _, used := a.signatures[m.Signature]; used {
		captchaReplays.Inc()
		return ErrCaptchaReplay
	}
	a.signatures[m.Signature] = now.Add(a.expires)
	return nil
}
