package main

import (
	"crypto/subtle"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/masa23/formd/entrystore"
	"github.com/masa23/formd/gate"
	"github.com/masa23/formd/submission"
)

// maxMemory is the part of a multipart body kept in memory, the rest goes to temp files.
const maxMemory = 8 << 20

var metricsMiddleware = echoprometheus.NewMiddleware("formd")

func newServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.IPExtractor = ipExtractor(conf.Security.TrustedProxies)
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(metricsMiddleware)

	// 本文の上限はフォームのファイル項目から submitHandler で決める
	e.POST("/forms/:id/submit", submitHandler)
	e.GET("/forms/:id/token", tokenHandler)
	e.GET("/forms/:id/errors/:token", errorsHandler)

	if conf.Admin.User == "" || conf.Admin.Password == "" {
		log.Printf("Admin credentials are not configured, admin API disabled")
		return e
	}
	api := e.Group("/api", middleware.BasicAuth(func(user, password string, c echo.Context) (bool, error) {
		if subtle.ConstantTimeCompare([]byte(user), []byte(conf.Admin.User)) == 1 &&
			subtle.ConstantTimeCompare([]byte(password), []byte(conf.Admin.Password)) == 1 {
			return true, nil
		}
		return false, nil
	}))
	api.GET("/entries", listEntries)
	api.GET("/entries/:id", getEntry)
	api.PUT("/entries/:id/status", updateStatus)
	api.POST("/entries/:id/resend", resendEntry)
	api.DELETE("/entries/:id", deleteEntry)
	api.GET("/entries/:id/files/:field/:index", downloadFile)
	return e
}

// ipExtractor uses the connection peer as client address unless trusted
// proxies are configured, in which case X-Forwarded-For is read through them.
func ipExtractor(trusted []string) echo.IPExtractor {
	if len(trusted) == 0 {
		return echo.ExtractIPDirect()
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, s := range trusted {
		s = strings.TrimSpace(s)
		if !strings.Contains(s, "/") {
			if ip := net.ParseIP(s); ip != nil && ip.To4() != nil {
				s += "/32"
			} else {
				s += "/128"
			}
		}
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			log.Printf("Ignoring invalid trusted proxy %q: %v", s, err)
			continue
		}
		opts = append(opts, echo.TrustIPRange(ipnet))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

func paramID(c echo.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

var codeStatus = map[submission.Code]int{
	submission.CodeOK:            http.StatusOK,
	submission.CodeValidation:    http.StatusBadRequest,
	submission.CodeUpload:        http.StatusBadRequest,
	submission.CodeNonce:         http.StatusForbidden,
	submission.CodeRecaptcha:     http.StatusForbidden,
	submission.CodeRateLimit:     http.StatusTooManyRequests,
	submission.CodeConfigToEmail: http.StatusInternalServerError,
	submission.CodeUnknown:       http.StatusInternalServerError,
}

func submitHandler(c echo.Context) error {
	formID, ok := paramID(c)
	if !ok {
		return errorJSON(c, http.StatusNotFound, "Form not found")
	}

	def, err := forms.Get(c.Request().Context(), formID)
	if errors.Is(err, entrystore.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "Form not found")
	}
	if err != nil {
		log.Printf("submit form %d: %v", formID, err)
		return c.JSON(http.StatusInternalServerError, submission.Response{Code: submission.CodeUnknown})
	}
	limit := uploads.MaxBodyBytes(def.Schema.Fields)
	if c.Request().ContentLength > limit {
		return bodyTooLarge(c, formID, limit)
	}
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, limit)

	req := submission.Request{
		FormID:    formID,
		RemoteIP:  c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	}
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		if err := c.Request().ParseMultipartForm(maxMemory); err != nil {
			if isTooLarge(err) {
				return bodyTooLarge(c, formID, limit)
			}
			return errorJSON(c, http.StatusBadRequest, "Invalid form data")
		}
		mf := c.Request().MultipartForm
		defer mf.RemoveAll()
		req.Form = url.Values(mf.Value)
		req.Files = mf.File
	} else {
		form, err := c.FormParams()
		if err != nil {
			if isTooLarge(err) {
				return bodyTooLarge(c, formID, limit)
			}
			return errorJSON(c, http.StatusBadRequest, "Invalid form data")
		}
		req.Form = form
	}
	req.PageURL = req.Form.Get("page_url")
	if req.PageURL == "" {
		req.PageURL = c.Request().Referer()
	}

	res, err := service.Submit(c.Request().Context(), req)
	if errors.Is(err, submission.ErrFormNotFound) {
		return errorJSON(c, http.StatusNotFound, "Form not found")
	}
	if err != nil {
		log.Printf("submit form %d: %v", formID, err)
		res = submission.Response{Code: submission.CodeUnknown}
	}

	if !wantsJSON(c) {
		if res.Code == submission.CodeOK && res.Redirect != "" {
			return c.Redirect(http.StatusSeeOther, res.Redirect)
		}
		if target, ok := safeRedirect(c.QueryParam("redirect")); ok {
			q := target.Query()
			q.Set("ct_status", string(res.Code))
			if res.ErrorToken != "" {
				q.Set("ct_token", res.ErrorToken)
			}
			target.RawQuery = q.Encode()
			return c.Redirect(http.StatusSeeOther, target.String())
		}
	}

	status, ok := codeStatus[res.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return c.JSON(status, res)
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func bodyTooLarge(c echo.Context, formID uint64, limit int64) error {
	log.Printf("submit form %d: body larger than %d bytes from %s", formID, limit, c.RealIP())
	return c.JSON(http.StatusRequestEntityTooLarge, submission.Response{Code: submission.CodeUpload})
}

func wantsJSON(c echo.Context) bool {
	accept := c.Request().Header.Get(echo.HeaderAccept)
	return strings.Contains(accept, echo.MIMEApplicationJSON) ||
		c.Request().Header.Get("X-Requested-With") == "XMLHttpRequest"
}

// safeRedirect accepts relative paths and absolute URLs on the site host.
func safeRedirect(s string) (*url.URL, bool) {
	if s == "" || strings.HasPrefix(s, "//") || strings.Contains(s, `\`) {
		return nil, false
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, false
	}
	if u.Scheme == "" && u.Host == "" {
		return u, strings.HasPrefix(u.Path, "/")
	}
	site, err := url.Parse(conf.SiteURL)
	if err != nil || site.Host == "" {
		return nil, false
	}
	if (u.Scheme != "http" && u.Scheme != "https") || !strings.EqualFold(u.Host, site.Host) {
		return nil, false
	}
	return u, true
}

type captchaInfo struct {
	Type      string `json:"type"`
	SiteKey   string `json:"site_key,omitempty"`
	Action    string `json:"action,omitempty"`
	Challenge any    `json:"challenge,omitempty"`
}

type tokenResponse struct {
	FormID     uint64       `json:"form_id"`
	Nonce      string       `json:"nonce"`
	RenderedAt int64        `json:"rendered_at"`
	Captcha    *captchaInfo `json:"captcha,omitempty"`
}

func tokenHandler(c echo.Context) error {
	formID, ok := paramID(c)
	if !ok {
		return errorJSON(c, http.StatusNotFound, "Form not found")
	}
	def, err := forms.Get(c.Request().Context(), formID)
	if errors.Is(err, entrystore.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "Form not found")
	}
	if err != nil {
		log.Printf("token form %d: %v", formID, err)
		return errorJSON(c, http.StatusInternalServerError, "Failed to load form")
	}

	res := tokenResponse{
		FormID:     formID,
		Nonce:      tokens.Issue(formID),
		RenderedAt: time.Now().Unix(),
	}
	if def.Settings.RecaptchaEnabled && verifier != nil {
		res.Captcha = &captchaInfo{Type: conf.Recaptcha.Type, SiteKey: conf.Recaptcha.SiteKey}
		if conf.Recaptcha.Type == "v3" {
			res.Captcha.Action = conf.Recaptcha.V3Action
		}
		if a, ok := verifier.(*gate.AltchaVerifier); ok {
			ch, err := a.Challenge()
			if err != nil {
				log.Printf("altcha challenge: %v", err)
				return errorJSON(c, http.StatusInternalServerError, "Failed to create challenge")
			}
			res.Captcha.Challenge = ch
		}
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, res)
}

func errorsHandler(c echo.Context) error {
	payload, ok := service.Flash().Get(c.Param("token"))
	if !ok {
		return errorJSON(c, http.StatusNotFound, "Unknown or expired token")
	}
	return c.JSON(http.StatusOK, payload)
}
