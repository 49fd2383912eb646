package mail

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"net"
	"net/smtp"
	"strings"
	texttemplate "text/template"

	"github.com/jordan-wright/email"
)

//go:embed templates
var templateFS embed.FS

// Template names understood by the sender. Each name has a text and an
// HTML rendering under templates/.
const (
	TemplateNewOrder             = "new_order"
	TemplateCompleteOrder        = "complete_order"
	TemplateNewSubscription      = "new_subscription"
	TemplateCompleteSubscription = "complete_subscription"
	TemplateAuth                 = "auth"
	TemplateManageSubscriptions  = "manage_subscriptions"
	TemplateAdminMessage         = "admin_msg"
)

// Message is a templated outbound email.
type Message struct {
	To       []string
	Bcc      []string
	ReplyTo  string
	Subject  string
	Template string
	Data     any
}

// Sender delivers templated messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig carries the relay settings for the sender.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// SMTPSender renders the embedded templates and delivers through an SMTP
// relay. Rendering failures are caller bugs and surface as errors before
// any network traffic happens.
type SMTPSender struct {
	cfg  SMTPConfig
	text *texttemplate.Template
	html *htmltemplate.Template
}

// NewSMTPSender parses the embedded templates and validates the relay
// settings.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("mail: smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("mail: from address is required")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		cfg.Port = "587"
	}
	text, err := texttemplate.ParseFS(templateFS, "templates/*.text.tmpl")
	if err != nil {
		return nil, fmt.Errorf("mail: parse text templates: %w", err)
	}
	html, err := htmltemplate.ParseFS(templateFS, "templates/*.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("mail: parse html templates: %w", err)
	}
	return &SMTPSender{cfg: cfg, text: text, html: html}, nil
}

// Send implements the Sender interface.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msg.To) == 0 {
		return errors.New("mail: message has no recipients")
	}
	textBody, htmlBody, err := s.render(msg.Template, msg.Data)
	if err != nil {
		return err
	}

	e := email.NewEmail()
	e.From = s.cfg.From
	e.To = msg.To
	e.Bcc = msg.Bcc
	e.Subject = msg.Subject
	e.Text = textBody
	e.HTML = htmlBody
	if msg.ReplyTo != "" {
		e.ReplyTo = []string{msg.ReplyTo}
	}

	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := e.Send(addr, auth); err != nil {
		return fmt.Errorf("mail: send %q to %v: %w", msg.Template, msg.To, err)
	}
	return nil
}

func (s *SMTPSender) render(name string, data any) ([]byte, []byte, error) {
	var textBuf bytes.Buffer
	if err := s.text.ExecuteTemplate(&textBuf, name+".text.tmpl", data); err != nil {
		return nil, nil, fmt.Errorf("mail: render %q text: %w", name, err)
	}
	var htmlBuf bytes.Buffer
	if err := s.html.ExecuteTemplate(&htmlBuf, name+".html.tmpl", data); err != nil {
		return nil, nil, fmt.Errorf("mail: render %q html: %w", name, err)
	}
	return textBuf.Bytes(), htmlBuf.Bytes(), nil
}
