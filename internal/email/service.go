// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"
	"unicode"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends an HTML email with a plain text alternative.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	var body bytes.Buffer
	parts := multipart.NewWriter(&body)
	for _, part := range []struct{ contentType, content string }{
		{"text/plain; charset=UTF-8", textBody},
		{"text/html; charset=UTF-8", htmlBody},
	} {
		w, err := parts.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			return fmt.Errorf("build mail: %w", err)
		}
		fmt.Fprintf(w, "%s\r\n", part.content)
	}
	if err := parts.Close(); err != nil {
		return fmt.Errorf("build mail: %w", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", headerValue(strings.Join(to, ", ")))
	fmt.Fprintf(&msg, "From: %s\r\n", headerValue(s.fromHeader()))
	fmt.Fprintf(&msg, "Subject: %s\r\n", encodeSubject(subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", parts.Boundary())
	fmt.Fprintf(&msg, "\r\n")
	msg.Write(body.Bytes())

	if err := s.send(s.server, s.auth, s.config.From, to, msg.Bytes()); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// headerValue folds CR, LF and other control characters into spaces so a
// value cannot start a new header line.
func headerValue(v string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, v)
}

// encodeSubject returns a single-line subject, RFC 2047 encoded when it is
// not plain ASCII.
func encodeSubject(subject string) string {
	return mime.QEncoding.Encode("utf-8", strings.Join(strings.Fields(headerValue(subject)), " "))
}

type MemberAddedData struct {
	AppName      string
	UserName     string
	ResourceName string
	RoleLabel    string
	AddedBy      string
}

type EventReminderData struct {
	AppName  string
	UserName string
	Title    string
	StartsAt string
	Label    string
}

// SendMemberAddedEmail tells a user they were given access to a group or event.
func (s *Service) SendMemberAddedEmail(to string, data MemberAddedData) error {
	data.AppName = "Blueshot"
	html, err := renderTemplate(memberAddedEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render member added template: %w", err)
	}
	subject := fmt.Sprintf("You now have access to %s", data.ResourceName)
	text := fmt.Sprintf("%s gave you %s access to %s.", data.AddedBy, data.RoleLabel, data.ResourceName)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

// SendEventReminderEmail reminds a user of an upcoming event.
func (s *Service) SendEventReminderEmail(to string, userName, title string, startsAt time.Time, label string) error {
	data := EventReminderData{
		AppName:  "Blueshot",
		UserName: userName,
		Title:    title,
		StartsAt: startsAt.UTC().Format("Mon, 02 Jan 2006 15:04 MST"),
		Label:    label,
	}
	html, err := renderTemplate(eventReminderEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render reminder template: %w", err)
	}
	subject := fmt.Sprintf("Reminder: %s %s", title, label)
	text := fmt.Sprintf("%s %s (%s).", title, label, data.StartsAt)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

var templates = map[string]*template.Template{}

func renderTemplate(tmpl string, data any) (string, error) {
	t, ok := templates[tmpl]
	if !ok {
		t = template.Must(template.New("email").Parse(tmpl))
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func init() {
	for _, tmpl := range []string{memberAddedEmailTemplate, eventReminderEmailTemplate} {
		templates[tmpl] = template.Must(template.New("email").Parse(tmpl))
	}
}

const emailStyle = `
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .badge { display: inline-block; padding: 2px 8px; background: #e6f0fa; color: #0066cc; border-radius: 4px; }`

const memberAddedEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>You now have access to {{.ResourceName}}</title>
    <style>` + emailStyle + `
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p>{{.AddedBy}} gave you <span class="badge">{{.RoleLabel}}</span> access to <strong>{{.ResourceName}}</strong>.</p>

    <div class="footer">
        <p>You are receiving this because someone shared {{.ResourceName}} with you on {{.AppName}}.</p>
    </div>
</body>
</html>`

const eventReminderEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Reminder: {{.Title}}</title>
    <style>` + emailStyle + `
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.UserName}},</h2>

    <p><strong>{{.Title}}</strong> <span class="badge">{{.Label}}</span></p>
    <p>Starts {{.StartsAt}}.</p>

    <div class="footer">
        <p>You are receiving this because you have access to this event on {{.AppName}}.</p>
    </div>
</body>
</html>`
