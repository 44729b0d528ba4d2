// Package mailer 负责发送密码重置邮件。未配置 SMTP 时退化为只写日志。
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"chatapp/internal/config"

	"github.com/rs/zerolog/log"
	"github.com/wneessen/go-mail"
)

type Mailer interface {
	SendPasswordReset(ctx context.Context, to, username, link string) error
}

// New 根据配置选择 SMTP 发送或日志发送。
func New(cfg config.SMTPConfig, ttl time.Duration) Mailer {
	if cfg.Host == "" {
		return LogMailer{}
	}
	return NewSMTP(cfg, ttl)
}

var resetTmpl = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif;">
  <p>Hi {{.Username}},</p>
  <p>We received a request to reset your password. The link below is valid until {{.Expires}}.</p>
  <p><a href="{{.Link}}">Reset password</a></p>
  <p>If you did not ask for this, you can ignore this email.</p>
</body>
</html>
`))

// RenderPasswordReset 渲染重置邮件正文，链接与用户名会被转义。
func RenderPasswordReset(username, link string, expires time.Time) (string, error) {
	var buf bytes.Buffer
	err := resetTmpl.Execute(&buf, struct {
		Username string
		Link     string
		Expires  string
	}{username, link, expires.UTC().Format(time.RFC1123)})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

type SMTPMailer struct {
	cfg config.SMTPConfig
	ttl time.Duration
}

// NewSMTP 返回 SMTP 发送器，ttl 只用于邮件中的过期时间提示。
func NewSMTP(cfg config.SMTPConfig, ttl time.Duration) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, ttl: ttl}
}

func (m *SMTPMailer) SendPasswordReset(ctx context.Context, to, username, link string) error {
	ttl := m.ttl
	if ttl <= 0 {
		ttl = time.Hour
	}
	body, err := RenderPasswordReset(username, link, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("render reset email: %w", err)
	}

	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return fmt.Errorf("set from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("set to: %w", err)
	}
	msg.Subject("Reset your password")
	msg.SetBodyString(mail.TypeTextHTML, body)

	opts := []mail.Option{mail.WithPort(m.cfg.Port), mail.WithTLSPolicy(mail.TLSOpportunistic)}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// LogMailer 只把重置链接写进日志，供本地开发使用。
type LogMailer struct{}

func (LogMailer) SendPasswordReset(_ context.Context, to, username, link string) error {
	log.Info().Str("to", to).Str("username", username).Str("link", link).Msg("password reset email (smtp disabled)")
	return nil
}
