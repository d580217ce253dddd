package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/masa23/formd/config"
	"github.com/masa23/formd/mailparser"
	"gopkg.in/gomail.v2"
)

type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

type Message struct {
	// From overrides the transport default sender when set
	From        string
	FromName    string
	To          []string
	Cc          []string
	ReplyTo     string
	Subject     string
	HTML        string
	Text        string
	Attachments []Attachment
}

// Transport delivers one message. Implementations must return once ctx is done.
type Transport interface {
	Send(ctx context.Context, m *Message) error
	Name() string
}

// SMTPTransport composes messages with gomail and runs the SMTP session on
// a connection whose deadline follows the send context.
type SMTPTransport struct {
	host     string
	port     int
	user     string
	password string
	from     string
	fromName string
	timeout  time.Duration
}

func NewSMTP(conf config.SMTP) *SMTPTransport {
	return &SMTPTransport{
		host:     conf.Host,
		port:     conf.Port,
		user:     conf.User,
		password: conf.Password,
		from:     conf.From,
		fromName: conf.FromName,
		timeout:  time.Duration(conf.Timeout) * time.Second,
	}
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) message(m *Message) *gomail.Message {
	from, name := m.From, m.FromName
	if from == "" {
		from, name = t.from, t.fromName
	}

	gm := gomail.NewMessage()
	if name != "" {
		gm.SetAddressHeader("From", from, name)
	} else {
		gm.SetHeader("From", from)
	}
	gm.SetHeader("To", m.To...)
	if len(m.Cc) > 0 {
		gm.SetHeader("Cc", m.Cc...)
	}
	if m.ReplyTo != "" {
		gm.SetHeader("Reply-To", m.ReplyTo)
	}
	gm.SetHeader("Subject", m.Subject)
	gm.SetBody("text/plain", m.Text)
	if m.HTML != "" {
		gm.AddAlternative("text/html", m.HTML)
	}
	for _, a := range m.Attachments {
		data := a.Data
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}))
		}
		gm.Attach(a.Name, settings...)
	}
	return gm
}

// Send dials the server for every message. Once ctx is done the connection
// is closed, so nothing keeps talking to a stalled server after Send returns.
func (t *SMTPTransport) Send(ctx context.Context, m *Message) error {
	if len(m.To) == 0 {
		return fmt.Errorf("smtp: no recipient")
	}
	gm := t.message(m)

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("smtp: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	err = t.session(conn, m, gm)
	if ctx.Err() != nil {
		return fmt.Errorf("smtp: %w", ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("smtp: %w", err)
	}
	return nil
}

func (t *SMTPTransport) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(t.host, strconv.Itoa(t.port)))
	if err != nil {
		return nil, err
	}
	// 465 は最初から TLS
	if t.port == 465 {
		conn = tls.Client(conn, &tls.Config{ServerName: t.host})
	}
	return conn, nil
}

func (t *SMTPTransport) session(conn net.Conn, m *Message, gm *gomail.Message) error {
	c, err := smtp.NewClient(conn, t.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if err := c.Hello("localhost"); err != nil {
		return err
	}
	if ok, _ := c.Extension("STARTTLS"); ok && t.port != 465 {
		if err := c.StartTLS(&tls.Config{ServerName: t.host}); err != nil {
			return err
		}
	}
	if t.user != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", t.user, t.password, t.host)); err != nil {
				return err
			}
		}
	}

	from := m.From
	if from == "" {
		from = t.from
	}
	if err := c.Mail(mailparser.Address(from)); err != nil {
		return err
	}
	for _, rcpt := range append(append([]string{}, m.To...), m.Cc...) {
		if err := c.Rcpt(mailparser.Address(rcpt)); err != nil {
			return err
		}
	}

	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := gm.WriteTo(w); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
