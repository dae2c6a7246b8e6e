package monitoring

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"speedmonitor/backend/internal/config"
)

// sendMailFunc 与 smtp.SendMail 签名一致
type sendMailFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// SMTPAlertReceiver 通过邮件发送告警
type SMTPAlertReceiver struct {
	addr string
	auth sasl.Client
	from string
	to   []string
	send sendMailFunc
}

// NewSMTPAlertReceiver 创建邮件告警接收器
//
// 未配置 SMTP 地址或收件人时返回 nil。
func NewSMTPAlertReceiver(cfg config.AlertConfig) *SMTPAlertReceiver {
	if cfg.SMTPAddr == "" || len(cfg.To) == 0 {
		return nil
	}

	var auth sasl.Client
	if cfg.SMTPUsername != "" {
		auth = sasl.NewPlainClient("", cfg.SMTPUsername, cfg.SMTPPassword)
	}

	from := cfg.From
	if from == "" {
		from = "speed-monitor@localhost"
	}

	return &SMTPAlertReceiver{
		addr: cfg.SMTPAddr,
		auth: auth,
		from: from,
		to:   cfg.To,
		send: smtp.SendMail,
	}
}

// SendAlert 发送告警邮件
func (r *SMTPAlertReceiver) SendAlert(alert *Alert) error {
	msg := r.compose(alert)
	if err := r.send(r.addr, r.auth, r.from, r.to, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("send alert mail: %w", err)
	}
	return nil
}

func (r *SMTPAlertReceiver) compose(alert *Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", r.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(r.to, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", strings.ToUpper(string(alert.Level)), alert.Title)
	fmt.Fprintf(&b, "Date: %s\r\n", alert.Timestamp.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "%s\r\n\r\n", alert.Message)
	fmt.Fprintf(&b, "Component: %s\r\n", alert.Component)
	fmt.Fprintf(&b, "Alert ID: %s\r\n", alert.ID)

	keys := make([]string, 0, len(alert.Metadata))
	for k := range alert.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\r\n", k, alert.Metadata[k])
	}
	return []byte(b.String())
}
