// Package mailer renders and sends account emails.
package mailer

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	"github.com/mailgun/mailgun-go/v4"
)

// Template names
const (
	TemplateConfirmEmail  = "confirm_email"
	TemplatePasswordReset = "password_reset"
)

//go:embed templates/*.html
var templateFS embed.FS

// Message is a rendered email
type Message struct {
	To       string
	Subject  string
	HTML     string
	Template string
}

// Sender delivers messages
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// MailgunSender sends through the Mailgun HTTP API
type MailgunSender struct {
	mg      *mailgun.MailgunImpl
	from    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewMailgunSender creates a sender for domain
func NewMailgunSender(domain, apiKey, apiBase, from string, logger *slog.Logger) *MailgunSender {
	if logger == nil {
		logger = slog.Default()
	}
	mg := mailgun.NewMailgun(domain, apiKey)
	if apiBase != "" {
		mg.SetAPIBase(apiBase)
	}
	return &MailgunSender{mg: mg, from: from, timeout: 10 * time.Second, logger: logger}
}

// Send delivers msg as an HTML email
func (s *MailgunSender) Send(ctx context.Context, msg Message) error {
	message := mailgun.NewMessage(s.from, msg.Subject, "", msg.To)
	message.SetHtml(msg.HTML)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, id, err := s.mg.Send(ctx, message)
	if err != nil {
		s.logger.ErrorContext(ctx, "mail send failed",
			slog.String("template", msg.Template),
			slog.String("error", err.Error()))
		return fmt.Errorf("mailgun send: %w", err)
	}

	s.logger.InfoContext(ctx, "mail sent", slog.String("template", msg.Template), slog.String("message_id", id))
	return nil
}

// Renderer builds messages from the embedded templates
type Renderer struct {
	tmpl    *template.Template
	appName string
}

// NewRenderer parses the embedded templates
func NewRenderer(appName string) (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse mail templates: %w", err)
	}
	return &Renderer{tmpl: tmpl, appName: appName}, nil
}

type linkData struct {
	AppName string
	Link    string
}

// ConfirmEmail renders the email confirmation message
func (r *Renderer) ConfirmEmail(to, link string) (Message, error) {
	return r.render(TemplateConfirmEmail, to, "Confirm your email - "+r.appName, link)
}

// PasswordReset renders the password reset message
func (r *Renderer) PasswordReset(to, link string) (Message, error) {
	return r.render(TemplatePasswordReset, to, "Reset your password - "+r.appName, link)
}

func (r *Renderer) render(name, to, subject, link string) (Message, error) {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, name+".html", linkData{AppName: r.appName, Link: link}); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", name, err)
	}
	return Message{To: to, Subject: subject, HTML: buf.String(), Template: name}, nil
}
