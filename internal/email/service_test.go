package email

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func captureService(t *testing.T, cfg Config) (*Service, *[]sentMail) {
	t.Helper()
	svc := NewService(cfg)
	var sent []sentMail
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
		return nil
	}
	return svc, &sent
}

type mailPart struct {
	contentType string
	body        string
}

func readParts(t *testing.T, raw string) []mailPart {
	t.Helper()
	msg, err := mail.ReadMessage(strings.NewReader(raw))
	require.NoError(t, err)
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/alternative", mediaType)

	var parts []mailPart
	reader := multipart.NewReader(msg.Body, params["boundary"])
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return parts
		}
		require.NoError(t, err)
		body, err := io.ReadAll(part)
		require.NoError(t, err)
		parts = append(parts, mailPart{contentType: part.Header.Get("Content-Type"), body: string(body)})
	}
}

func TestIsConfigured(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   bool
	}{
		{"empty config", Config{}, false},
		{"host only", Config{Host: "smtp.example.com"}, false},
		{"host and port", Config{Host: "smtp.example.com", Port: "587"}, false},
		{"complete", Config{Host: "smtp.example.com", Port: "587", From: "noreply@example.com"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewService(tt.config).IsConfigured())
		})
	}
}

func TestSendRequiresConfiguration(t *testing.T) {
	svc, sent := captureService(t, Config{})
	err := svc.SendMemberAddedEmail("ada@example.com", MemberAddedData{ResourceName: "Team"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Empty(t, *sent)
}

func TestSendMemberAddedEmail(t *testing.T) {
	svc, sent := captureService(t, Config{Host: "smtp.example.com", Port: "2525", From: "noreply@blueshot.dev", FromName: "Blueshot"})

	err := svc.SendMemberAddedEmail("ada@example.com", MemberAddedData{
		UserName:     "Ada",
		ResourceName: "Platform Team",
		RoleLabel:    "Editor",
		AddedBy:      "Grace",
	})
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	mail := (*sent)[0]
	assert.Equal(t, "smtp.example.com:2525", mail.addr)
	assert.Equal(t, "noreply@blueshot.dev", mail.from)
	assert.Equal(t, []string{"ada@example.com"}, mail.to)
	assert.Contains(t, mail.msg, "From: Blueshot <noreply@blueshot.dev>\r\n")
	assert.Contains(t, mail.msg, "Subject: You now have access to Platform Team\r\n")
	assert.Contains(t, mail.msg, "Grace gave you Editor access to Platform Team.")
	assert.Contains(t, mail.msg, "<strong>Platform Team</strong>")

	parts := readParts(t, mail.msg)
	require.Len(t, parts, 2)
	assert.Equal(t, "text/plain; charset=UTF-8", parts[0].contentType)
	assert.Equal(t, "text/html; charset=UTF-8", parts[1].contentType)
}

func TestSendEventReminderEmail(t *testing.T) {
	svc, sent := captureService(t, Config{Host: "smtp.example.com", Port: "2525", From: "noreply@blueshot.dev"})

	startsAt := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	err := svc.SendEventReminderEmail("ada@example.com", "Ada", "Design review", startsAt, "starts in 5 minutes")
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	msg := (*sent)[0].msg
	assert.Contains(t, msg, "From: noreply@blueshot.dev\r\n")
	assert.Contains(t, msg, "Subject: Reminder: Design review starts in 5 minutes\r\n")
	assert.Contains(t, msg, "Mon, 02 Mar 2026 15:00 UTC")
}

func TestSendWrapsTransportError(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "2525", From: "noreply@blueshot.dev"})
	boom := errors.New("connection refused")
	svc.send = func(string, smtp.Auth, string, []string, []byte) error { return boom }

	err := svc.SendHTMLEmail([]string{"ada@example.com"}, "hi", "hi", "<p>hi</p>")
	assert.ErrorIs(t, err, boom)
}

func TestTemplatesEscapeUserInput(t *testing.T) {
	html, err := renderTemplate(memberAddedEmailTemplate, MemberAddedData{
		AppName:      "Blueshot",
		UserName:     "<script>alert(1)</script>",
		ResourceName: "Team",
		RoleLabel:    "Viewer",
		AddedBy:      "Grace",
	})
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "&lt;script&gt;")
}

func TestSubjectCannotInjectHeaders(t *testing.T) {
	svc, sent := captureService(t, Config{Host: "smtp.example.com", Port: "2525", From: "noreply@blueshot.dev"})

	startsAt := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	err := svc.SendEventReminderEmail("ada@example.com", "Ada", "Standup\r\nBcc: attacker@evil.test", startsAt, "starts in 5 minutes")
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	msg, err := mail.ReadMessage(strings.NewReader((*sent)[0].msg))
	require.NoError(t, err)
	assert.Empty(t, msg.Header.Get("Bcc"))
	assert.Equal(t, "Reminder: Standup Bcc: attacker@evil.test starts in 5 minutes", msg.Header.Get("Subject"))
}

func TestNonASCIISubjectIsEncoded(t *testing.T) {
	svc, sent := captureService(t, Config{Host: "smtp.example.com", Port: "2525", From: "noreply@blueshot.dev"})

	err := svc.SendMemberAddedEmail("ada@example.com", MemberAddedData{ResourceName: "Équipe Zürich", RoleLabel: "Viewer", AddedBy: "Grace"})
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	raw := (*sent)[0].msg
	assert.Contains(t, raw, "Subject: =?utf-8?q?")
	assert.NotContains(t, raw, "Subject: You now have access to Équipe")

	msg, err := mail.ReadMessage(strings.NewReader(raw))
	require.NoError(t, err)
	subject, err := new(mime.WordDecoder).DecodeHeader(msg.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "You now have access to Équipe Zürich", subject)
}

func TestBoundaryDoesNotCollideWithBody(t *testing.T) {
	svc, sent := captureService(t, Config{Host: "smtp.example.com", Port: "2525", From: "noreply@blueshot.dev"})

	text := "line one\r\n--boundary-blueshot--\r\nline two"
	require.NoError(t, svc.SendHTMLEmail([]string{"ada@example.com"}, "hi", text, "<p>hi</p>"))
	require.NoError(t, svc.SendHTMLEmail([]string{"ada@example.com"}, "hi", "again", "<p>again</p>"))
	require.Len(t, *sent, 2)

	parts := readParts(t, (*sent)[0].msg)
	require.Len(t, parts, 2)
	assert.Contains(t, parts[0].body, "--boundary-blueshot--")
	assert.Contains(t, parts[0].body, "line two")
	assert.Contains(t, parts[1].body, "<p>hi</p>")

	first, _ := mail.ReadMessage(strings.NewReader((*sent)[0].msg))
	second, _ := mail.ReadMessage(strings.NewReader((*sent)[1].msg))
	assert.NotEqual(t, first.Header.Get("Content-Type"), second.Header.Get("Content-Type"))
}
