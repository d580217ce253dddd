package submission

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"mime/multipart"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/masa23/formd/entrystore"
	"github.com/masa23/formd/gate"
	"github.com/masa23/formd/model"
	"github.com/masa23/formd/notify"
	"github.com/masa23/formd/objectstorage"
	"github.com/masa23/formd/upload"
	"github.com/masa23/formd/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Send(ctx context.Context, m *notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, *m)
	return nil
}

type env struct {
	svc     *Service
	entries *entrystore.Store
	forms   *entrystore.FormStore
	storage *objectstorage.LocalStorage
	root    string
	tokens  *gate.TokenIssuer
	mail    *recorder
	limiter *gate.RateLimiter
}

var contactSchema = model.FormSchema{Version: 1, Fields: []model.Field{
	{ID: "name", Type: model.FieldText, Label: "Name", Required: true},
	{ID: "email", Type: model.FieldEmail, Label: "Email", Required: true},
	{ID: "topic", Type: model.FieldSelect, Label: "Topic"},
	{ID: "attachment", Type: model.FieldFile, Label: "Attachment"},
}}

func setup(t *testing.T, rateLimit int) *env {
	t.Helper()
	db, err := entrystore.Open("sqlite:"+filepath.Join(t.TempDir(), "forms.db"), false)
	require.NoError(t, err)
	root := t.TempDir()
	storage, err := objectstorage.NewLocal(root, false, "")
	require.NoError(t, err)

	forms := entrystore.NewFormStore(db, "admin@example.com")
	settings := model.DefaultSettings("owner@example.com")
	settings.BCC = "owner@example.com, audit@example.com"
	settings.AutoresponderEnabled = true
	settings.RoutingRules = []model.RoutingRule{
		{Field: "topic", Operator: model.OpEquals, Value: "Billing", ToEmail: "billing@x.com"},
	}
	settings.ConfirmationMessage = "Thanks {field:name}.nReference: {entry_id}"
	require.NoError(t, forms.Upsert(context.Background(), 1, "Contact", contactSchema, settings))

	redirect := model.DefaultSettings("owner@example.com")
	redirect.ConfirmationType = model.ConfirmRedirect
	redirect.ConfirmationRedirect = "https://www.example.com/thanks"
	require.NoError(t, forms.Upsert(context.Background(), 2, "Redirect", contactSchema, redirect))

	tokens := gate.NewTokenIssuer("secret", time.Hour)
	limiter := gate.NewRateLimiter(rateLimit, 10*time.Minute)
	t.Cleanup(limiter.Close)

	mail := &recorder{}
	entries := entrystore.New(db, storage)
	svc := New(Options{
		Gate:    gate.New(gate.Options{Tokens: tokens, Limiter: limiter, MinSeconds: 2, AdminEmail: "admin@example.com"}),
		Forms:   forms,
		Entries: entries,
		Uploads: upload.New(storage, upload.Limits{AllowedExtensions: []string{"txt", "pdf"}, MaxFileMB: 1}, "ct-forms"),
		Mailer: notify.NewDispatcher(mail, storage, notify.Site{
			Name: "Example", URL: "https://www.example.com", AdminEmail: "admin@example.com", FromMode: "default",
		}),
		Diagnostics: validate.Diagnostics{Site: "Example"},
		StoreIP:     true,
	})
	return &env{svc: svc, entries: entries, forms: forms, storage: storage, root: root, tokens: tokens, mail: mail, limiter: limiter}
}

func (e *env) form(formID uint64, values map[string]string) url.Values {
	v := url.Values{
		gate.FieldNonce:      {e.tokens.Issue(formID)},
		gate.FieldRenderedAt: {strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)},
	}
	for k, val := range values {
		v.Set(k, val)
	}
	return v
}

func (e *env) count(t *testing.T) int64 {
	t.Helper()
	_, total, err := e.entries.List(context.Background(), entrystore.Filter{})
	require.NoError(t, err)
	return total
}

func files(t *testing.T, field, name, body string) map[string][]*multipart.FileHeader {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	form, err := multipart.NewReader(&buf, w.Boundary()).ReadForm(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { form.RemoveAll() })
	return form.File
}

func storedFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestSubmitPersistsAndNotifies(t *testing.T) {
	e := setup(t, 10)
	ctx := context.Background()

	res, err := e.svc.Submit(ctx, Request{
		FormID:    1,
		Form:      e.form(1, map[string]string{"field_name": "Sam", "field_email": "sam@example.org"}),
		Files:     files(t, "field_attachment", "notes.txt", "some notes"),
		RemoteIP:  "192.0.2.1",
		UserAgent: "test-agent",
		PageURL:   "https://www.example.com/contact",
	})
	require.NoError(t, err)
	assert.Equal(t, CodeOK, res.Code)
	require.NotZero(t, res.EntryID)
	assert.Equal(t, "Thanks Sam.\nReference: "+strconv.FormatUint(res.EntryID, 10), res.Message)
	assert.Zero(t, res.Warnings)
	assert.EqualValues(t, 1, e.count(t))

	entry, err := e.entries.Get(ctx, res.EntryID)
	require.NoError(t, err)
	assert.Equal(t, "Sam", entry.Data["name"].String())
	assert.Equal(t, "192.0.2.1", entry.RemoteIP)
	assert.Empty(t, entry.UserAgent, "user agent is not kept unless enabled")
	require.Contains(t, entry.Files, "attachment")
	stored := entry.Files["attachment"].All()[0]
	ok, err := e.storage.Exists(ctx, stored.StoredPath)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NotNil(t, entry.MailLog.Admin)
	assert.True(t, entry.MailLog.Admin.Sent)
	assert.Equal(t, "owner@example.com", entry.MailLog.Admin.To)
	assert.Equal(t, map[string]model.DeliveryResult{"audit@example.com": {Sent: true}}, entry.MailLog.BCC)
	assert.NotNil(t, entry.MailLog.Autoresponder)
	assert.Len(t, e.mail.sent, 3)
}

func TestSubmitRouting(t *testing.T) {
	e := setup(t, 10)
	res, err := e.svc.Submit(context.Background(), Request{
		FormID: 1,
		Form:   e.form(1, map[string]string{"field_name": "Sam", "field_email": "sam@example.org", "field_topic": "Billing"}),
	})
	require.NoError(t, err)
	require.Equal(t, CodeOK, res.Code)

	entry, err := e.entries.Get(context.Background(), res.EntryID)
	require.NoError(t, err)
	assert.Equal(t, "billing@x.com", entry.MailLog.Admin.To)
	require.NotEmpty(t, e.mail.sent)
	assert.Equal(t, []string{"billing@x.com"}, e.mail.sent[0].To)
}

func TestSubmitHoneypotIsSilent(t *testing.T) {
	e := setup(t, 10)
	form := e.form(1, map[string]string{"field_name": "Bot", "field_email": "bot@example.org"})
	form.Set(gate.FieldHoneypot, "http://spam.example")

	res, err := e.svc.Submit(context.Background(), Request{FormID: 1, Form: form})
	require.NoError(t, err)
	assert.Equal(t, CodeOK, res.Code)
	assert.Zero(t, res.EntryID)
	assert.NotEmpty(t, res.Message)
	assert.EqualValues(t, 0, e.count(t))
	assert.Empty(t, e.mail.sent)
}

func TestSubmitTooFastIsSilent(t *testing.T) {
	e := setup(t, 10)
	form := e.form(1, map[string]string{"field_name": "Bot", "field_email": "bot@example.org"})
	form.Set(gate.FieldRenderedAt, strconv.FormatInt(time.Now().Unix(), 10))

	res, err := e.svc.Submit(context.Background(), Request{FormID: 1, Form: form})
	require.NoError(t, err)
	assert.Equal(t, CodeOK, res.Code)
	assert.EqualValues(t, 0, e.count(t))
}

func TestSubmitRateLimit(t *testing.T) {
	e := setup(t, 2)
	submit := func() Code {
		res, err := e.svc.Submit(context.Background(), Request{
			FormID:   1,
			Form:     e.form(1, map[string]string{"field_name": "Sam", "field_email": "sam@example.org"}),
			RemoteIP: "192.0.2.7",
		})
		require.NoError(t, err)
		return res.Code
	}
	assert.Equal(t, CodeOK, submit())
	assert.Equal(t, CodeOK, submit())
	assert.Equal(t, CodeRateLimit, submit())
	assert.EqualValues(t, 2, e.count(t))
}

func TestSubmitNonce(t *testing.T) {
	e := setup(t, 10)
	form := e.form(2, map[string]string{"field_name": "Sam", "field_email": "sam@example.org"})
	res, err := e.svc.Submit(context.Background(), Request{FormID: 1, Form: form})
	require.NoError(t, err)
	assert.Equal(t, CodeNonce, res.Code)
	assert.EqualValues(t, 0, e.count(t))
}

func TestSubmitValidation(t *testing.T) {
	e := setup(t, 10)
	res, err := e.svc.Submit(context.Background(), Request{
		FormID: 1,
		Form:   e.form(1, map[string]string{"field_email": "not-an-address"}),
		Files:  files(t, "field_attachment", "notes.txt", "some notes"),
	})
	require.NoError(t, err)
	assert.Equal(t, CodeValidation, res.Code)
	assert.Zero(t, res.EntryID)
	require.NotEmpty(t, res.ErrorToken)
	assert.EqualValues(t, 0, e.count(t))
	assert.Empty(t, e.mail.sent)

	payload, ok := e.svc.Flash().Get(res.ErrorToken)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"name": "required", "email": "invalid_email"}, payload.Errors)

	// the attachment saved before validation failed was removed again
	assert.Zero(t, storedFiles(t, e.root))
}

func TestSubmitRequiredFile(t *testing.T) {
	e := setup(t, 10)
	schema := contactSchema
	schema.Fields = append([]model.Field{}, contactSchema.Fields...)
	schema.Fields[3].Required = true
	require.NoError(t, e.forms.Upsert(context.Background(), 3, "Upload", schema, model.DefaultSettings("owner@example.com")))

	res, err := e.svc.Submit(context.Background(), Request{
		FormID: 3,
		Form:   e.form(3, map[string]string{"field_name": "Sam", "field_email": "sam@example.org"}),
	})
	require.NoError(t, err)
	assert.Equal(t, CodeUpload, res.Code)
	payload, ok := e.svc.Flash().Get(res.ErrorToken)
	require.True(t, ok)
	assert.Equal(t, "required", payload.Errors["attachment"])
	assert.EqualValues(t, 0, e.count(t))
}

func TestSubmitOptionalFileWarning(t *testing.T) {
	e := setup(t, 10)
	res, err := e.svc.Submit(context.Background(), Request{
		FormID: 1,
		Form:   e.form(1, map[string]string{"field_name": "Sam", "field_email": "sam@example.org"}),
		Files:  files(t, "field_attachment", "tool.exe", "MZ"),
	})
	require.NoError(t, err)
	assert.Equal(t, CodeOK, res.Code)
	assert.Equal(t, 1, res.Warnings)

	entry, err := e.entries.Get(context.Background(), res.EntryID)
	require.NoError(t, err)
	assert.NotContains(t, entry.Files, "attachment")
	assert.Equal(t, map[string]string{"attachment": "file_type"}, entry.MailLog.Warnings)
}

func TestSubmitMailFailureStillSucceeds(t *testing.T) {
	e := setup(t, 10)
	e.mail.err = errors.New("connection refused")

	res, err := e.svc.Submit(context.Background(), Request{
		FormID: 1,
		Form:   e.form(1, map[string]string{"field_name": "Sam", "field_email": "sam@example.org"}),
	})
	require.NoError(t, err)
	assert.Equal(t, CodeOK, res.Code)

	entry, err := e.entries.Get(context.Background(), res.EntryID)
	require.NoError(t, err)
	assert.False(t, entry.MailLog.Admin.Sent)
	assert.Equal(t, "connection refused", entry.MailLog.Admin.Error)
}

func TestSubmitRedirectAndUnknownForm(t *testing.T) {
	e := setup(t, 10)
	res, err := e.svc.Submit(context.Background(), Request{
		FormID: 2,
		Form:   e.form(2, map[string]string{"field_name": "Sam", "field_email": "sam@example.org"}),
	})
	require.NoError(t, err)
	assert.Equal(t, CodeOK, res.Code)
	assert.Equal(t, "https://www.example.com/thanks", res.Redirect)
	assert.Empty(t, res.Message)

	_, err = e.svc.Submit(context.Background(), Request{FormID: 99, Form: e.form(99, nil)})
	assert.ErrorIs(t, err, ErrFormNotFound)
}

func TestResend(t *testing.T) {
	e := setup(t, 10)
	ctx := context.Background()
	res, err := e.svc.Submit(ctx, Request{
		FormID: 1,
		Form:   e.form(1, map[string]string{"field_name": "Sam", "field_email": "sam@example.org"}),
	})
	require.NoError(t, err)
	sent := len(e.mail.sent)

	rr, err := e.svc.Resend(ctx, res.EntryID)
	require.NoError(t, err)
	assert.True(t, rr.Sent)
	assert.Len(t, e.mail.sent, sent+1)

	entry, err := e.entries.Get(ctx, res.EntryID)
	require.NoError(t, err)
	require.NotNil(t, entry.MailLog.ResendAdmin)
	assert.True(t, entry.MailLog.ResendAdmin.Sent)
	assert.True(t, entry.MailLog.Admin.Sent, "first delivery is kept")

	// entries of forms that are gone use the default definition
	id, err := e.entries.Create(ctx, 42, model.SubmissionData{"name": model.String("Old")}, nil, model.EntryMeta{})
	require.NoError(t, err)
	rr, err = e.svc.Resend(ctx, id)
	require.NoError(t, err)
	assert.True(t, rr.Sent)
	last := e.mail.sent[len(e.mail.sent)-1]
	assert.Equal(t, []string{"admin@example.com"}, last.To)

	_, err = e.svc.Resend(ctx, 9999)
	assert.ErrorIs(t, err, entrystore.ErrNotFound)
}

func TestFlashStoreExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	f := NewFlashStore(time.Minute)
	f.now = func() time.Time { return now }

	token := f.Put(Payload{Errors: map[string]string{"name": "required"}})
	p, ok := f.Get(token)
	require.True(t, ok)
	assert.Equal(t, "required", p.Errors["name"])
	_, ok = f.Get(token)
	assert.True(t, ok, "reading does not consume")

	_, ok = f.Get("unknown")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = f.Get(token)
	assert.False(t, ok)
}
