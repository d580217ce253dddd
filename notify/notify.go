package notify

import (
	"context"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/masa23/formd/mailparser"
	"github.com/masa23/formd/model"
	"github.com/masa23/formd/objectstorage"
	"github.com/masa23/formd/tmpl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var mailSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "formd_mail_sent_total",
	Help: "Notification mails by channel and result.",
}, []string{"channel", "result"})

// maxAttachBytes caps the total size of uploads attached to one admin mail.
const maxAttachBytes = 20 << 20

// Site holds the installation wide mail settings.
type Site struct {
	Name       string
	URL        string
	AdminEmail string
	// FromMode is default, site or custom
	FromMode          string
	EnforceFromDomain bool
}

// Domain is the host of the site URL, or of the admin address when no URL is set.
func (s Site) Domain() string {
	if u, err := url.Parse(s.URL); err == nil && u.Hostname() != "" {
		return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	}
	return mailparser.Domain(s.AdminEmail)
}

type Dispatcher struct {
	transport Transport
	storage   objectstorage.Storage
	site      Site
	now       func() time.Time
}

func NewDispatcher(transport Transport, storage objectstorage.Storage, site Site) *Dispatcher {
	return &Dispatcher{transport: transport, storage: storage, site: site, now: time.Now}
}

type Input struct {
	Entry    *model.Entry
	Schema   model.FormSchema
	Settings model.FormSettings
	FormName string
}

// Recipient resolves the primary recipient: the first routing rule matching
// the submitted data wins, then settings.to_email, then the site admin.
func (d *Dispatcher) Recipient(settings model.FormSettings, data model.SubmissionData) string {
	for _, r := range settings.RoutingRules {
		if r.Field == "" || len(mailparser.ParseRecipients(r.ToEmail)) == 0 {
			continue
		}
		v, ok := data[r.Field]
		if !ok {
			continue
		}
		if r.Matches(v) {
			return r.ToEmail
		}
	}
	if strings.TrimSpace(settings.ToEmail) != "" {
		return settings.ToEmail
	}
	return d.site.AdminEmail
}

// from applies the From policy. An empty address means the transport default.
func (d *Dispatcher) from(settings model.FormSettings) (addr, name string) {
	switch d.site.FromMode {
	case "site":
		if mailparser.IsValidEmail(d.site.AdminEmail) {
			name = settings.FromName
			if name == "" {
				name = d.site.Name
			}
			return d.site.AdminEmail, name
		}
		return "", ""
	}

	addr = strings.TrimSpace(settings.From)
	if !mailparser.IsValidEmail(addr) {
		return "", ""
	}
	if d.site.EnforceFromDomain && mailparser.Domain(addr) != d.site.Domain() {
		log.Printf("notify: from address %s is outside the site domain, using the transport default", addr)
		return "", ""
	}
	return addr, settings.FromName
}

type recipients struct {
	to, cc, bcc []string
}

func (d *Dispatcher) recipients(in Input) recipients {
	to := mailparser.ParseRecipients(d.Recipient(in.Settings, in.Entry.Data))
	if len(to) == 0 {
		to = mailparser.ParseRecipients(d.site.AdminEmail)
	}
	cc := mailparser.Exclude(mailparser.ParseRecipients(in.Settings.CC), to)
	bcc := mailparser.Exclude(mailparser.ParseRecipients(in.Settings.BCC), to, cc)
	return recipients{to: to, cc: cc, bcc: bcc}
}

func (d *Dispatcher) replyTo(in Input) string {
	field := in.Settings.ReplyTo
	if field == "" {
		field = "email"
	}
	v := strings.TrimSpace(in.Entry.Data[field].String())
	if mailparser.IsValidEmail(v) {
		return v
	}
	return ""
}

func (d *Dispatcher) adminMessage(ctx context.Context, in Input, to, cc []string) *Message {
	text := tmpl.BuildTokens(in.FormName, in.Entry, in.Schema, false)
	escaped := tmpl.BuildTokens(in.FormName, in.Entry, in.Schema, true)
	body := tmpl.RenderMessage(in.Settings.EmailSubject, in.Settings.EmailBody, text, escaped)

	from, name := d.from(in.Settings)
	m := &Message{
		From:     from,
		FromName: name,
		To:       to,
		Cc:       cc,
		ReplyTo:  d.replyTo(in),
		Subject:  body.Subject,
		HTML:     body.HTML,
		Text:     body.Text,
	}
	if in.Settings.AttachUploads {
		m.Attachments = d.attachments(ctx, in.Entry)
	}
	return m
}

// Dispatch sends the admin notification, the individual BCC copies and the
// autoresponder. Failures are recorded in the returned log, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, in Input) model.MailLog {
	var ml model.MailLog
	rcpt := d.recipients(in)

	admin := d.adminMessage(ctx, in, rcpt.to, rcpt.cc)
	ml.Admin = &model.ChannelResult{To: strings.Join(rcpt.to, ", "), Subject: admin.Subject}
	if len(rcpt.to) == 0 {
		ml.Admin.Error = "no valid recipient"
		log.Printf("notify: entry %d has no valid admin recipient", in.Entry.ID)
		mailSent.WithLabelValues("admin", "error").Inc()
	} else {
		ml.Admin.Sent, ml.Admin.Error = d.send(ctx, "admin", admin)
	}

	if len(rcpt.bcc) > 0 {
		ml.BCC = make(map[string]model.DeliveryResult, len(rcpt.bcc))
		for _, addr := range rcpt.bcc {
			m := *admin
			m.To, m.Cc = []string{addr}, nil
			var res model.DeliveryResult
			res.Sent, res.Error = d.send(ctx, "bcc", &m)
			ml.BCC[addr] = res
		}
	}

	ml.Autoresponder = d.autoresponder(ctx, in)
	return ml
}

func (d *Dispatcher) autoresponder(ctx context.Context, in Input) *model.ChannelResult {
	if !in.Settings.AutoresponderEnabled {
		return nil
	}
	addr := strings.TrimSpace(in.Entry.Data[in.Settings.AutoresponderField()].String())
	if !mailparser.IsValidEmail(addr) {
		return nil
	}

	text := tmpl.BuildTokens(in.FormName, in.Entry, in.Schema, false)
	escaped := tmpl.BuildTokens(in.FormName, in.Entry, in.Schema, true)
	body := tmpl.RenderMessage(in.Settings.AutoresponderSubject, in.Settings.AutoresponderBody, text, escaped)

	from, name := d.from(in.Settings)
	m := &Message{
		From:     from,
		FromName: name,
		To:       []string{addr},
		Subject:  body.Subject,
		HTML:     body.HTML,
		Text:     body.Text,
	}
	res := &model.ChannelResult{To: addr, Subject: body.Subject}
	res.Sent, res.Error = d.send(ctx, "autoresponder", m)
	return res
}

// ResendAdmin sends the admin notification again, without BCC copies or autoresponder.
func (d *Dispatcher) ResendAdmin(ctx context.Context, in Input) model.MailLog {
	rcpt := d.recipients(in)
	res := &model.ResendResult{SentAt: d.now().UTC()}
	if len(rcpt.to) == 0 {
		res.Error = "no valid recipient"
	} else {
		res.Sent, res.Error = d.send(ctx, "resend", d.adminMessage(ctx, in, rcpt.to, rcpt.cc))
	}
	return model.MailLog{ResendAdmin: res}
}

// send delivers m. When it fails with a From override in effect it is retried
// once with the transport default sender.
func (d *Dispatcher) send(ctx context.Context, channel string, m *Message) (bool, string) {
	err := d.transport.Send(ctx, m)
	if err != nil && m.From != "" {
		log.Printf("notify: %s mail to %v failed with from %s: %v, retrying with default sender", channel, m.To, m.From, err)
		retry := *m
		retry.From, retry.FromName = "", ""
		err = d.transport.Send(ctx, &retry)
	}
	if err != nil {
		log.Printf("notify: %s mail to %v failed: %v", channel, m.To, err)
		mailSent.WithLabelValues(channel, "error").Inc()
		return false, err.Error()
	}
	mailSent.WithLabelValues(channel, "sent").Inc()
	return true, ""
}

func (d *Dispatcher) attachments(ctx context.Context, entry *model.Entry) []Attachment {
	if d.storage == nil {
		return nil
	}
	var (
		out   []Attachment
		total int64
	)
	for _, f := range entry.Files.All() {
		if total+f.SizeBytes > maxAttachBytes {
			log.Printf("notify: entry %d: skipping attachment %s, size limit reached", entry.ID, f.StoredPath)
			continue
		}
		r, err := d.storage.Open(ctx, f.StoredPath)
		if err != nil {
			log.Printf("notify: entry %d: failed to open %s: %v", entry.ID, f.StoredPath, err)
			continue
		}
		data, err := io.ReadAll(io.LimitReader(r, maxAttachBytes-total+1))
		r.Close()
		if err != nil {
			log.Printf("notify: entry %d: failed to read %s: %v", entry.ID, f.StoredPath, err)
			continue
		}
		if total+int64(len(data)) > maxAttachBytes {
			continue
		}
		total += int64(len(data))
		name := f.OriginalName
		if name == "" {
			name = f.Name
		}
		out = append(out, Attachment{Name: name, ContentType: f.MimeType, Data: data})
	}
	return out
}
