package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultpulse/internal/channels"
	"vaultpulse/internal/pulse"
	logx "vaultpulse/pkg/logx"
)

func event(t *testing.T) pulse.Event {
	t.Helper()
	ev, err := pulse.NewEvent(pulse.EventMint, map[string]any{"title": "Relic"}, 0)
	require.NoError(t, err)
	return ev
}

func botAPI(t *testing.T, handle func(chatID string) (int, string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		status, payload := handle(fmt.Sprint(body["chat_id"]))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(payload))
	}))
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, nil, logx.Nop())
	assert.ErrorIs(t, err, channels.ErrMissingCredentials)
}

func TestSendToEveryChat(t *testing.T) {
	t.Parallel()
	var n atomic.Int32
	srv := botAPI(t, func(chatID string) (int, string) {
		i := n.Add(1)
		return http.StatusOK, fmt.Sprintf(`{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":%s,"type":"private"},"text":"x"}}`, 100+i, chatID)
	})
	defer srv.Close()

	ch, err := New(Config{Token: "123:abc", ChatIDs: []int64{11, 22}, APIURL: srv.URL}, srv.Client(), logx.Nop())
	require.NoError(t, err)
	r := ch.Send(context.Background(), event(t))

	require.True(t, r.Success, r.Error)
	assert.Equal(t, int32(2), n.Load())
	assert.Equal(t, "101,102", r.MessageID)
}

func TestSendUnauthorizedIsAuth(t *testing.T) {
	t.Parallel()
	srv := botAPI(t, func(string) (int, string) {
		return http.StatusUnauthorized, `{"ok":false,"error_code":401,"description":"Unauthorized"}`
	})
	defer srv.Close()

	ch, err := New(Config{Token: "123:bad", ChatIDs: []int64{1}, APIURL: srv.URL}, srv.Client(), logx.Nop())
	require.NoError(t, err)
	r := ch.Send(context.Background(), event(t))
	assert.False(t, r.Success)
	assert.Equal(t, pulse.KindAuth, r.Kind)
	assert.NotEmpty(t, r.Error)
}

func TestSendWithoutChatsIsConfigFailure(t *testing.T) {
	t.Parallel()
	ch, err := New(Config{Token: "123:abc"}, nil, logx.Nop())
	require.NoError(t, err)
	r := ch.Send(context.Background(), event(t))
	assert.Equal(t, pulse.KindConfig, r.Kind)
}

func TestKindForErr(t *testing.T) {
	t.Parallel()
	assert.Equal(t, pulse.KindPayload, kindForErr(fmt.Errorf("telegram: chat not found (400)")))
	assert.Equal(t, pulse.KindTransport, kindForErr(fmt.Errorf("dial tcp: refused")))
}
