package sms

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultpulse/internal/pulse"
	logx "vaultpulse/pkg/logx"
)

func event(t *testing.T) pulse.Event {
	t.Helper()
	ev, err := pulse.NewEvent(pulse.EventGlyphDetected, map[string]any{"title": "Ember"}, 7)
	require.NoError(t, err)
	return ev
}

func TestSendOneRequestPerRecipient(t *testing.T) {
	t.Parallel()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC1/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC1", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15550000", r.PostForm.Get("From"))
		assert.Equal(t, "⚠️ Glyph detected: Ember", r.PostForm.Get("Body"))
		i := n.Add(1)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"sid":"SM%d"}`, i)
	}))
	defer srv.Close()

	ch := New(Config{BaseURL: srv.URL + "/", AccountSID: "AC1", AuthToken: "secret", From: "+15550000", To: []string{"+1", "+2"}}, srv.Client(), logx.Nop())
	r := ch.Send(context.Background(), event(t))

	require.True(t, r.Success, r.Error)
	assert.Equal(t, int32(2), n.Load())
	assert.Equal(t, "SM1,SM2", r.MessageID)
}

func TestSendPartialFailureListsRecipients(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("To") == "+2" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":21211,"message":"invalid To number"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SMok"}`))
	}))
	defer srv.Close()

	ch := New(Config{BaseURL: srv.URL, AccountSID: "AC1", AuthToken: "t", From: "+1", To: []string{"+1", "+2"}}, srv.Client(), logx.Nop())
	r := ch.Send(context.Background(), event(t))

	assert.False(t, r.Success)
	assert.Equal(t, pulse.KindPayload, r.Kind)
	assert.Contains(t, r.Error, "+2")
	assert.Contains(t, r.Error, "invalid To number")
	assert.Equal(t, "SMok", r.MessageID)
}

func TestSendAuthRejected(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	r := New(Config{BaseURL: srv.URL, AccountSID: "AC1", AuthToken: "bad", From: "+1", To: []string{"+2"}}, srv.Client(), logx.Nop()).
		Send(context.Background(), event(t))
	assert.False(t, r.Success)
	assert.Equal(t, pulse.KindAuth, r.Kind)
	assert.NotEmpty(t, r.Error)
}

func TestSendMissingCredentials(t *testing.T) {
	t.Parallel()
	r := New(Config{To: []string{"+1"}}, nil, logx.Nop()).Send(context.Background(), event(t))
	assert.Equal(t, pulse.KindConfig, r.Kind)
	r = New(Config{AccountSID: "a", AuthToken: "b", From: "c"}, nil, logx.Nop()).Send(context.Background(), event(t))
	assert.Equal(t, pulse.KindConfig, r.Kind)
}
