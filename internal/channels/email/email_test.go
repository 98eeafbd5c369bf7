package email

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultpulse/internal/pulse"
	logx "vaultpulse/pkg/logx"
)

type captured struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func event(t *testing.T) pulse.Event {
	t.Helper()
	ev, err := pulse.NewEvent(pulse.EventVaultActivity, map[string]any{"title": "Deposit", "vault": "v1"}, 0)
	require.NoError(t, err)
	return ev
}

func TestSendComposesMessage(t *testing.T) {
	t.Parallel()
	var got captured
	send := func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		got = captured{addr, a, from, to, string(msg)}
		return nil
	}
	ch := NewWithSender(Config{
		Host:          "smtp.example.com",
		Username:      "bot",
		Password:      "pw",
		From:          "pulse@vault.example",
		To:            []string{"a@example.com", " ", "b@example.com"},
		SubjectPrefix: "[vault]",
	}, send, logx.Nop())

	r := ch.Send(context.Background(), event(t))

	require.True(t, r.Success, r.Error)
	assert.True(t, strings.HasPrefix(r.MessageID, "<"))
	assert.True(t, strings.HasSuffix(r.MessageID, "@vault.example>"))
	assert.Equal(t, "smtp.example.com:587", got.addr)
	assert.NotNil(t, got.auth)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, got.to)
	assert.Contains(t, got.msg, "Subject: [vault] Vault activity: Deposit\r\n")
	assert.Contains(t, got.msg, "Message-ID: "+r.MessageID+"\r\n")
	assert.Contains(t, got.msg, "- vault: v1")
}

func TestSendWithoutUsernameSkipsAuth(t *testing.T) {
	t.Parallel()
	var auth smtp.Auth = smtp.PlainAuth("", "x", "y", "z")
	send := func(_ string, a smtp.Auth, _ string, _ []string, _ []byte) error {
		auth = a
		return nil
	}
	r := NewWithSender(Config{Host: "localhost", Port: 25, From: "a@b.c", To: []string{"d@e.f"}}, send, logx.Nop()).
		Send(context.Background(), event(t))
	require.True(t, r.Success)
	assert.Nil(t, auth)
}

func TestSendFailures(t *testing.T) {
	t.Parallel()
	ev := event(t)

	r := NewWithSender(Config{}, nil, logx.Nop()).Send(context.Background(), ev)
	assert.Equal(t, pulse.KindConfig, r.Kind)

	r = NewWithSender(Config{Host: "h", From: "a@b.c"}, nil, logx.Nop()).Send(context.Background(), ev)
	assert.Equal(t, pulse.KindConfig, r.Kind)

	authFail := func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("535 5.7.8 authentication failed")
	}
	r = NewWithSender(Config{Host: "h", From: "a@b.c", To: []string{"x@y.z"}}, authFail, logx.Nop()).Send(context.Background(), ev)
	assert.False(t, r.Success)
	assert.Equal(t, pulse.KindAuth, r.Kind)

	dial := func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("dial tcp: connection refused")
	}
	r = NewWithSender(Config{Host: "h", From: "a@b.c", To: []string{"x@y.z"}}, dial, logx.Nop()).Send(context.Background(), ev)
	assert.Equal(t, pulse.KindTransport, r.Kind)
	assert.Contains(t, r.Error, "connection refused")
}

func TestSendHonorsContext(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	defer close(block)
	slow := func(string, smtp.Auth, string, []string, []byte) error {
		<-block
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := NewWithSender(Config{Host: "h", From: "a@b.c", To: []string{"x@y.z"}}, slow, logx.Nop()).Send(ctx, event(t))
	assert.False(t, r.Success)
	assert.Equal(t, pulse.KindTransport, r.Kind)
}
