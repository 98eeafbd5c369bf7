package social

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultpulse/internal/pulse"
	logx "vaultpulse/pkg/logx"
)

func event(t *testing.T) pulse.Event {
	t.Helper()
	ev, err := pulse.NewEvent(pulse.EventMint, map[string]any{"title": "Relic #42"}, 0)
	require.NoError(t, err)
	return ev
}

func TestSendPostsAndReturnsID(t *testing.T) {
	t.Parallel()
	var got postRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"1789","text":"x"}}`))
	}))
	defer srv.Close()

	ch := New(Config{Endpoint: srv.URL, BearerToken: "tok", Hashtags: []string{"#vault", "mint"}}, srv.Client(), logx.Nop())
	r := ch.Send(context.Background(), event(t))

	require.True(t, r.Success, r.Error)
	assert.Equal(t, "1789", r.MessageID)
	assert.Equal(t, "social", r.Channel)
	assert.Equal(t, "New mint: Relic #42\n#vault #mint", got.Text)
}

func TestSendClassifiesFailures(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status int
		kind   pulse.ErrorKind
	}{
		{http.StatusUnauthorized, pulse.KindAuth},
		{http.StatusBadRequest, pulse.KindPayload},
		{http.StatusServiceUnavailable, pulse.KindTransport},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"detail":"nope"}`))
		}))
		r := New(Config{Endpoint: srv.URL, BearerToken: "tok"}, srv.Client(), logx.Nop()).Send(context.Background(), event(t))
		srv.Close()

		assert.False(t, r.Success)
		assert.Equal(t, tc.kind, r.Kind, "status %d", tc.status)
		assert.Contains(t, r.Error, "nope")
	}
}

func TestSendWithoutTokenIsConfigFailure(t *testing.T) {
	t.Parallel()
	r := New(Config{}, nil, logx.Nop()).Send(context.Background(), event(t))
	assert.False(t, r.Success)
	assert.Equal(t, pulse.KindConfig, r.Kind)
	assert.NotEmpty(t, r.Error)
}

func TestSendNetworkErrorIsTransport(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	r := New(Config{Endpoint: url, BearerToken: "tok"}, nil, logx.Nop()).Send(context.Background(), event(t))
	assert.False(t, r.Success)
	assert.Equal(t, pulse.KindTransport, r.Kind)
}

func TestTextStaysWithinPostLimit(t *testing.T) {
	t.Parallel()
	tags := make([]string, 40)
	for i := range tags {
		tags[i] = fmt.Sprintf("relictag%02d", i)
	}
	ev, err := pulse.NewEvent(pulse.EventMint, map[string]any{"title": strings.Repeat("T", 300)}, 9)
	require.NoError(t, err)

	ch := New(Config{BearerToken: "tok", Hashtags: tags}, nil, logx.Nop())
	text := ch.text(ev)
	assert.LessOrEqual(t, utf8.RuneCountInString(text), MaxPostRunes)
	assert.Contains(t, text, "#relictag00")
	assert.NotContains(t, text, "#relictag39")
	assert.True(t, strings.HasSuffix(strings.SplitN(text, "\n", 2)[0], "..."))

	short := New(Config{BearerToken: "tok", Hashtags: []string{"vault"}}, nil, logx.Nop()).text(event(t))
	assert.True(t, strings.HasSuffix(short, "\n#vault"))
	assert.NotContains(t, short, "...")
}
