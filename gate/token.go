package gate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTokenMalformed = errors.New("malformed token")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMismatch  = errors.New("token mismatch")
)

// clockSkew is how far in the future an issue time may lie.
const clockSkew = time.Minute

// TokenIssuer signs per-form submit tokens of the form "<unix issued>.<hex mac>".
type TokenIssuer struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, maxAge time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), maxAge: maxAge, now: time.Now}
}

func (t *TokenIssuer) mac(formID uint64, issued int64) string {
	h := hmac.New(sha256.New, t.secret)
	fmt.Fprintf(h, "ct_form_submit_%d|%d", formID, issued)
	return hex.EncodeToString(h.Sum(nil))
}

// Issue returns a token bound to formID.
func (t *TokenIssuer) Issue(formID uint64) string {
	issued := t.now().Unix()
	return strconv.FormatInt(issued, 10) + "." + t.mac(formID, issued)
}

func (t *TokenIssuer) Verify(formID uint64, token string) error {
	ts, sig, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || sig == "" {
		return ErrTokenMalformed
	}
	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrTokenMalformed
	}
	if !hmac.Equal([]byte(sig), []byte(t.mac(formID, issued))) {
		return ErrTokenMismatch
	}

	at := time.Unix(issued, 0)
	now := t.now()
	if at.After(now.Add(clockSkew)) || (t.maxAge > 0 && now.Sub(at) > t.maxAge) {
		return ErrTokenExpired
	}
	return nil
}
