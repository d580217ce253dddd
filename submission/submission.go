package submission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"mime/multipart"
	"net/url"
	"strings"

	"github.com/k0kubun/pp/v3"
	"github.com/masa23/formd/entrystore"
	"github.com/masa23/formd/gate"
	"github.com/masa23/formd/model"
	"github.com/masa23/formd/notify"
	"github.com/masa23/formd/tmpl"
	"github.com/masa23/formd/upload"
	"github.com/masa23/formd/validate"
)

type Code string

const (
	CodeOK            Code = "ok"
	CodeNonce         Code = "nonce"
	CodeRateLimit     Code = "rate_limit"
	CodeValidation    Code = "validation"
	CodeUpload        Code = "upload"
	CodeRecaptcha     Code = "recaptcha"
	CodeConfigToEmail Code = "config_to_email"
	CodeUnknown       Code = "unknown"
)

var gateCodes = map[gate.Reason]Code{
	gate.ReasonNonce:         CodeNonce,
	gate.ReasonRateLimit:     CodeRateLimit,
	gate.ReasonRecaptcha:     CodeRecaptcha,
	gate.ReasonConfigToEmail: CodeConfigToEmail,
}

// ErrFormNotFound is returned by Submit for an unknown form id.
var ErrFormNotFound = errors.New("form not found")

type Request struct {
	FormID    uint64
	Form      url.Values
	Files     map[string][]*multipart.FileHeader
	RemoteIP  string
	UserAgent string
	PageURL   string
}

type Response struct {
	Code       Code   `json:"code"`
	EntryID    uint64 `json:"entry_id,omitempty"`
	Message    string `json:"message,omitempty"`
	Redirect   string `json:"redirect,omitempty"`
	ErrorToken string `json:"error_token,omitempty"`
	// Warnings is the number of rejected optional uploads
	Warnings int `json:"warnings"`
}

type Forms interface {
	Get(ctx context.Context, formID uint64) (*entrystore.Definition, error)
	Lookup(ctx context.Context, formID uint64) (*entrystore.Definition, error)
}

type Entries interface {
	Create(ctx context.Context, formID uint64, data model.SubmissionData, files model.FileMap, meta model.EntryMeta) (uint64, error)
	Get(ctx context.Context, id uint64) (*model.Entry, error)
	AppendMailLog(ctx context.Context, id uint64, ml model.MailLog) error
}

type Mailer interface {
	Dispatch(ctx context.Context, in notify.Input) model.MailLog
	ResendAdmin(ctx context.Context, in notify.Input) model.MailLog
}

type Options struct {
	Gate        *gate.Gate
	Forms       Forms
	Entries     Entries
	Uploads     *upload.Processor
	Mailer      Mailer
	Flash       *FlashStore
	Diagnostics validate.Diagnostics
	// StoreIP and StoreUserAgent keep the request metadata on the entry
	StoreIP        bool
	StoreUserAgent bool
	Debug          bool
}

type Service struct {
	gate    *gate.Gate
	forms   Forms
	entries Entries
	uploads *upload.Processor
	mailer  Mailer
	flash   *FlashStore
	diag    validate.Diagnostics
	keepIP  bool
	keepUA  bool
	debug   bool
}

func New(o Options) *Service {
	flash := o.Flash
	if flash == nil {
		flash = NewFlashStore(FlashTTL)
	}
	return &Service{
		gate:    o.Gate,
		forms:   o.Forms,
		entries: o.Entries,
		uploads: o.Uploads,
		mailer:  o.Mailer,
		flash:   flash,
		diag:    o.Diagnostics,
		keepIP:  o.StoreIP,
		keepUA:  o.StoreUserAgent,
		debug:   o.Debug,
	}
}

func (s *Service) Flash() *FlashStore { return s.flash }

// Submit runs one submission through the gate, validation, uploads,
// persistence and notification. Only an unknown form is returned as an error;
// every other failure is reported through Response.Code.
func (s *Service) Submit(ctx context.Context, req Request) (Response, error) {
	def, err := s.forms.Get(ctx, req.FormID)
	if err != nil {
		if errors.Is(err, entrystore.ErrNotFound) {
			return Response{}, fmt.Errorf("form %d: %w", req.FormID, ErrFormNotFound)
		}
		log.Printf("submission: form %d: failed to load definition: %v", req.FormID, err)
		return Response{Code: CodeUnknown}, nil
	}

	out := s.gate.Evaluate(ctx, gate.RequestFromForm(req.Form, req.RemoteIP), req.FormID, def.Settings)
	if !out.Pass {
		log.Printf("submission: form %d from %s rejected: %s %s", req.FormID, req.RemoteIP, out.Reason, out.Detail)
		if s.debug {
			log.Println(pp.Sprintf("rejected form %d: %v", req.FormID, req.Form))
		}
		code, ok := gateCodes[out.Reason]
		if !ok {
			code = CodeUnknown
		}
		return Response{Code: code}, nil
	}
	if out.Silent {
		log.Printf("submission: form %d from %s dropped silently: %s", req.FormID, req.RemoteIP, out.Reason)
		return s.confirm(def, &model.Entry{FormID: req.FormID}), nil
	}

	data, verrs := validate.Validate(req.Form, def.Schema.Fields, s.diag)
	up := s.uploads.Process(ctx, req.Files, def.Schema.Fields)

	if len(verrs) > 0 || len(up.Errors) > 0 {
		up.Rollback(ctx)
		code := CodeValidation
		if len(verrs) == 0 {
			code = CodeUpload
		}
		payload := Payload{Errors: map[string]string{}, Warnings: up.Warnings}
		maps.Copy(payload.Errors, up.Errors)
		maps.Copy(payload.Errors, verrs)
		if s.debug {
			log.Println(pp.Sprintf("form %d refused: %v", req.FormID, payload))
		}
		return Response{
			Code:       code,
			ErrorToken: s.flash.Put(payload),
			Warnings:   len(up.Warnings),
		}, nil
	}

	meta := model.EntryMeta{PageURL: req.PageURL}
	if s.keepIP {
		meta.RemoteIP = req.RemoteIP
	}
	if s.keepUA {
		meta.UserAgent = req.UserAgent
	}
	id, err := s.entries.Create(ctx, req.FormID, data, up.Files, meta)
	if err != nil {
		log.Printf("submission: form %d: %v", req.FormID, err)
		up.Rollback(ctx)
		return Response{Code: CodeUnknown}, nil
	}

	entry, err := s.entries.Get(ctx, id)
	if err != nil {
		log.Printf("submission: entry %d: reload failed: %v", id, err)
		entry = &model.Entry{ID: id, FormID: req.FormID, Status: model.StatusNew, Data: data, Files: up.Files}
	}

	ml := s.mailer.Dispatch(ctx, notify.Input{
		Entry:    entry,
		Schema:   def.Schema,
		Settings: def.Settings,
		FormName: def.Name,
	})
	if len(up.Warnings) > 0 {
		ml.Warnings = up.Warnings
	}
	if err := s.entries.AppendMailLog(ctx, id, ml); err != nil {
		log.Printf("submission: entry %d: failed to store mail log: %v", id, err)
	}

	res := s.confirm(def, entry)
	res.EntryID = id
	res.Warnings = len(up.Warnings)
	return res, nil
}

// confirm builds the success response from the form confirmation settings.
func (s *Service) confirm(def *entrystore.Definition, entry *model.Entry) Response {
	res := Response{Code: CodeOK}
	st := def.Settings
	if st.ConfirmationType == model.ConfirmRedirect {
		if u, err := url.Parse(strings.TrimSpace(st.ConfirmationRedirect)); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
			res.Redirect = u.String()
			return res
		}
	}
	tokens := tmpl.BuildTokens(def.Name, entry, def.Schema, true)
	res.Message = tmpl.Render(tmpl.RepairText(st.ConfirmationMessage), tokens)
	return res
}

// Resend sends the admin notification of a stored entry again and records
// the outcome in its mail log.
func (s *Service) Resend(ctx context.Context, entryID uint64) (*model.ResendResult, error) {
	entry, err := s.entries.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	def, err := s.forms.Lookup(ctx, entry.FormID)
	if err != nil {
		return nil, err
	}
	ml := s.mailer.ResendAdmin(ctx, notify.Input{
		Entry:    entry,
		Schema:   def.Schema,
		Settings: def.Settings,
		FormName: def.Name,
	})
	if err := s.entries.AppendMailLog(ctx, entryID, ml); err != nil {
		return ml.ResendAdmin, fmt.Errorf("entry %d: failed to store mail log: %w", entryID, err)
	}
	log.Printf("submission: entry %d: admin notification resent, sent=%v", entryID, ml.ResendAdmin.Sent)
	return ml.ResendAdmin, nil
}
