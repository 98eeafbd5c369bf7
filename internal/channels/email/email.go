// Package email delivers pulses over SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"vaultpulse/internal/channels"
	"vaultpulse/internal/pulse"
	logx "vaultpulse/pkg/logx"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	// SubjectPrefix is prepended to the headline, e.g. "[vault]".
	SubjectPrefix string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Channel struct {
	cfg  Config
	send SendFunc
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Channel {
	return NewWithSender(cfg, smtp.SendMail, log)
}

func NewWithSender(cfg Config, send SendFunc, log logx.Logger) *Channel {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if send == nil {
		send = smtp.SendMail
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{cfg: cfg, send: send, log: log}
}

func (c *Channel) Name() string { return channels.Email }

func (c *Channel) Send(ctx context.Context, ev pulse.Event) pulse.Result {
	if strings.TrimSpace(c.cfg.Host) == "" || strings.TrimSpace(c.cfg.From) == "" {
		return pulse.Failed(c.Name(), pulse.KindConfig, fmt.Errorf("email: host/from: %w", channels.ErrMissingCredentials))
	}
	to := recipients(c.cfg.To)
	if len(to) == 0 {
		return pulse.Failed(c.Name(), pulse.KindConfig, fmt.Errorf("email: no recipients"))
	}

	msgID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(c.cfg.From))
	msg := c.compose(ev, to, msgID)

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	// net/smtp has no context support; run the call aside so ctx can still abandon it.
	done := make(chan error, 1)
	go func() { done <- c.send(addr, auth, c.cfg.From, to, msg) }()
	select {
	case <-ctx.Done():
		return pulse.Failed(c.Name(), pulse.KindTransport, ctx.Err())
	case err := <-done:
		if err != nil {
			return pulse.Failed(c.Name(), kindForSMTP(err), err)
		}
	}
	return pulse.Sent(c.Name(), msgID)
}

func (c *Channel) compose(ev pulse.Event, to []string, msgID string) []byte {
	subject := pulse.Headline(ev)
	if p := strings.TrimSpace(c.cfg.SubjectPrefix); p != "" {
		subject = p + " " + subject
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", msgID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(pulse.Body(ev), "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

func recipients(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func domainOf(addr string) string {
	addr = strings.TrimSuffix(strings.TrimSpace(addr), ">")
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "vaultpulse.local"
}

// kindForSMTP maps 535 (auth) and other 5xx replies; everything else is transport.
func kindForSMTP(err error) pulse.ErrorKind {
	s := err.Error()
	switch {
	case strings.HasPrefix(s, "535"), strings.Contains(s, "unencrypted connection"), strings.Contains(s, "wrong host name"):
		return pulse.KindAuth
	case strings.HasPrefix(s, "5"):
		return pulse.KindPayload
	default:
		return pulse.KindTransport
	}
}
