package notifier

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	texttemplate "text/template"

	"github.com/smallbiznis/settlement/internal/config"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

var subjects = map[string]*texttemplate.Template{
	TemplateGraceReminder:    texttemplate.Must(texttemplate.New(TemplateGraceReminder).Parse("Payment overdue: {{.days_left}} days until suspension")),
	TemplateAccountSuspended: texttemplate.Must(texttemplate.New(TemplateAccountSuspended).Parse("Your account has been suspended")),
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type SMTPNotifier struct {
	cfg  config.SMTPConfig
	log  *zap.Logger
	send sendFunc
}

func NewSMTP(cfg config.SMTPConfig, log *zap.Logger) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, log: log.Named("notifier.smtp"), send: smtp.SendMail}
}

func (n *SMTPNotifier) Send(ctx context.Context, recipient, templateID string, vars map[string]any) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, body, err := Render(templateID, vars)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	msg := buildMessage(n.cfg.From, recipient, subject, body)

	if err := n.send(addr, auth, n.cfg.From, []string{recipient}, msg); err != nil {
		return fmt.Errorf("smtp send %s: %w", templateID, err)
	}
	n.log.Info("notification sent", zap.String("template", templateID))
	return nil
}

// Render produces the subject and HTML body of a notification.
func Render(templateID string, vars map[string]any) (string, string, error) {
	subjectTmpl, ok := subjects[templateID]
	if !ok || templates.Lookup(templateID+".html") == nil {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTemplate, templateID)
	}

	var subject bytes.Buffer
	if err := subjectTmpl.Execute(&subject, vars); err != nil {
		return "", "", err
	}
	var body bytes.Buffer
	if err := templates.ExecuteTemplate(&body, templateID+".html", vars); err != nil {
		return "", "", fmt.Errorf("render %s: %w", templateID, err)
	}
	return subject.String(), body.String(), nil
}

func buildMessage(from, to, subject, body string) []byte {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	msg.WriteString(body)
	return msg.Bytes()
}
