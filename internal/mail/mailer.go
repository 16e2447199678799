// Package mail は従業員への招待メール送信を提供する。
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/mail"
	gosmtp "net/smtp"
	"strconv"
	"strings"
	"time"
)

// defaultDialTimeout はSMTPサーバーへの接続タイムアウト。
const defaultDialTimeout = 10 * time.Second

// InvitationSubject は招待メールの件名。
const InvitationSubject = "Invitation to Join Us"

// Message は送信するHTMLメールを表す。
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Mailer はメール送信のインターフェース。
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig はSMTP送信の設定を保持する。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string // "Name <address>" 形式
}

// SMTPMailer はnet/smtpでメールを送信する。
// サーバーがSTARTTLSを広告している場合は必ずTLSへ昇格する。
type SMTPMailer struct {
	cfg         SMTPConfig
	from        *mail.Address
	dialTimeout time.Duration
	now         func() time.Time
}

// NewSMTPMailer はSMTPMailerを生成する。From が不正な場合はエラーを返す。
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("invalid MAIL_FROM %q: %w", cfg.From, err)
	}
	return &SMTPMailer{
		cfg:         cfg,
		from:        from,
		dialTimeout: defaultDialTimeout,
		now:         time.Now,
	}, nil
}

// Send はメッセージを送信する。
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	dialer := &net.Dialer{Timeout: m.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(m.dialTimeout * 3)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("setting deadline: %w", err)
	}

	client, err := gosmtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starting TLS: %w", err)
		}
	}

	if m.cfg.Username != "" {
		auth := gosmtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authenticating: %w", err)
		}
	}

	if err := client.Mail(m.from.Address); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to.Address); err != nil {
		return fmt.Errorf("RCPT TO %s: %w", to.Address, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(m.build(to, msg)); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing data: %w", err)
	}
	return client.Quit()
}

// build はRFC 5322形式のメッセージを組み立てる。
func (m *SMTPMailer) build(to *mail.Address, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.from.String())
	fmt.Fprintf(&b, "To: %s\r\n", to.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", m.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTML)
	return []byte(b.String())
}

// sanitizeHeader はヘッダインジェクションを防ぐため改行を除去する。
func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

// LogMailer はSMTP未設定時のフォールバック。送信せずに宛先と件名のみログに残す。
// 本文には一時パスワードが含まれるため記録しない。
type LogMailer struct{}

// Send はメール送信をログ出力で代替する。
func (LogMailer) Send(ctx context.Context, msg Message) error {
	slog.WarnContext(ctx, "SMTP is not configured, mail was not delivered",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
	)
	return nil
}

var invitationTemplate = template.Must(template.New("invitation").Parse(`
<p>Welcome to Ever Green Tea. You have been successfully added to the system.</p>
<p>Your login credentials:</p>
<p>Email: {{.Email}}</p>
<p>Password: {{.Password}}</p>
<p>Please click the link below to log in:</p>
<p><a href="{{.URL}}">{{.URL}}</a></p>
`))

// NewInvitation は一時パスワードを含む招待メールを生成する。
func NewInvitation(email, temporaryPassword, landingURL string) (Message, error) {
	var buf bytes.Buffer
	err := invitationTemplate.Execute(&buf, struct {
		Email    string
		Password string
		URL      string
	}{email, temporaryPassword, landingURL})
	if err != nil {
		return Message{}, fmt.Errorf("rendering invitation: %w", err)
	}
	return Message{To: email, Subject: InvitationSubject, HTML: buf.String()}, nil
}
